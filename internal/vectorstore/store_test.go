package vectorstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateNamespace(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		wantErr   bool
	}{
		{"valid simple", "episodic", false},
		{"valid with underscore", "episodic_traces", false},
		{"valid with numbers", "tier2_store", false},
		{"empty", "", true},
		{"uppercase", "Episodic", true},
		{"hyphen", "episodic-traces", true},
		{"path traversal", "../etc", true},
		{"spaces", "episodic traces", true},
		{"too long", string(make([]byte, 65)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNamespace(tt.namespace)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNamespace)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSortRecords(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []Record{
		{ID: "old-low", Score: 0.2, CreatedAt: base},
		{ID: "new-tied", Score: 0.8, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "old-tied", Score: 0.8, CreatedAt: base.Add(1 * time.Hour)},
		{ID: "top", Score: 0.9, CreatedAt: base},
	}

	sortRecords(records)

	got := make([]string, len(records))
	for i, r := range records {
		got[i] = r.ID
	}
	assert.Equal(t, []string{"top", "new-tied", "old-tied", "old-low"}, got)
}

func TestConvertMetadataToString(t *testing.T) {
	assert.Nil(t, convertMetadataToString(nil))

	got := convertMetadataToString(map[string]any{
		"kind":       "episodic",
		"iteration":  2,
		"tokens":     int64(1200),
		"confidence": 0.85,
		"promoted":   true,
	})

	assert.Equal(t, map[string]string{
		"kind":       "episodic",
		"iteration":  "2",
		"tokens":     "1200",
		"confidence": "0.85",
		"promoted":   "true",
	}, got)
}
