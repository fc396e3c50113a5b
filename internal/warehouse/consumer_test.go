package warehouse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunRequest_JSON(t *testing.T) {
	payload := []byte(`{"workspace_id":"ws-1","thread_id":"thread-9","query":"why did p99 regress"}`)

	var req RunRequest
	require.NoError(t, json.Unmarshal(payload, &req))

	assert.Equal(t, "ws-1", req.WorkspaceID)
	assert.Equal(t, "thread-9", req.ThreadID)
	assert.Equal(t, "why did p99 regress", req.Query)
}

func TestRunRequest_ThreadOptional(t *testing.T) {
	var req RunRequest
	require.NoError(t, json.Unmarshal([]byte(`{"workspace_id":"ws-1","query":"q"}`), &req))
	assert.Empty(t, req.ThreadID)
}

type ctxKey string

func TestRunMessageHandler_PropagatesSubscriptionContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey("daemon"), "yes"))

	var gotCtx context.Context
	var gotReq RunRequest
	handle := runMessageHandler(ctx, func(ctx context.Context, req RunRequest) {
		gotCtx = ctx
		gotReq = req
	}, zap.NewNop())

	handle(&nats.Msg{
		Subject: SubjectRuns,
		Data:    []byte(`{"workspace_id":"ws-1","query":"q"}`),
	})

	require.NotNil(t, gotCtx)
	assert.Equal(t, "yes", gotCtx.Value(ctxKey("daemon")))
	assert.Equal(t, "ws-1", gotReq.WorkspaceID)

	// Cancelling the subscription context cancels what handlers got, so
	// shutdown reaches in-flight runs.
	cancel()
	assert.ErrorIs(t, gotCtx.Err(), context.Canceled)
}

func TestRunMessageHandler_DropsMalformedPayload(t *testing.T) {
	called := false
	handle := runMessageHandler(context.Background(), func(context.Context, RunRequest) {
		called = true
	}, zap.NewNop())

	handle(&nats.Msg{Subject: SubjectRuns, Data: []byte(`{not json`)})
	assert.False(t, called)
}
