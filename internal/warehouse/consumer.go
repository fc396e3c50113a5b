package warehouse

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectRuns carries inbound run requests.
const SubjectRuns = "analystd.runs"

// runsQueueGroup load-balances requests across daemon instances.
const runsQueueGroup = "analystd"

// RunRequest asks the daemon to execute one analysis run.
type RunRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id,omitempty"`
	Query       string `json:"query"`
}

// RunHandler processes one run request. Handlers own their error handling;
// the subscription never retries.
type RunHandler func(ctx context.Context, req RunRequest)

// SubscribeRuns consumes run requests off the bus. Handlers run under ctx,
// so cancelling it cancels in-flight runs on shutdown. Malformed messages
// are logged and dropped.
func SubscribeRuns(ctx context.Context, conn *nats.Conn, handler RunHandler, logger *zap.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return conn.QueueSubscribe(SubjectRuns, runsQueueGroup, runMessageHandler(ctx, handler, logger))
}

// runMessageHandler decodes one bus message and dispatches it.
func runMessageHandler(ctx context.Context, handler RunHandler, logger *zap.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req RunRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.Warn("dropping malformed run request",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		handler(ctx, req)
	}
}
