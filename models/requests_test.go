package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreInput_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		value   *float64
		notes   string
		wantErr bool
	}{
		{name: "number", raw: `80`, value: f(80)},
		{name: "padded string", raw: `" 72.5 "`, wantErr: true},
		{name: "plain string", raw: `"72.5"`, value: f(72.5)},
		{name: "object", raw: `{"value": 65, "notes": "late"}`, value: f(65), notes: "late"},
		{name: "object with string value", raw: `{"value": "40"}`, value: f(40)},
		{name: "object without value", raw: `{"notes": "only notes"}`, notes: "only notes"},
		{name: "not a number", raw: `"eighty"`, wantErr: true},
		{name: "boolean", raw: `true`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in ScoreInput
			err := json.Unmarshal([]byte(tt.raw), &in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, in.Value)
			if tt.notes != "" {
				require.NotNil(t, in.Notes)
				assert.Equal(t, tt.notes, *in.Notes)
			}
		})
	}
}

func TestScoreInput_NullLeavesPointerNil(t *testing.T) {
	var u DeliverableUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"assigneeScore": null, "creatorScore": 55}`), &u))
	assert.Nil(t, u.AssigneeScore)
	require.NotNil(t, u.CreatorScore)
	assert.Equal(t, 55.0, *u.CreatorScore.Value)
}

func TestLegacyDeliverableUpdate_PromotesEmbeddedFields(t *testing.T) {
	var req UpdateKPIRequest
	raw := `{"deliverables": [{"deliverableId": "abc", "status": "Submitted", "assigneeScore": 70,
		"occurrences": [{"occurrenceLabel": "2025-09", "creatorScore": {"value": 50}}]}]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	require.Len(t, req.Deliverables, 1)
	entry := req.Deliverables[0]
	assert.Equal(t, StatusSubmitted, entry.Status)
	assert.Equal(t, 70.0, *entry.AssigneeScore.Value)
	require.Len(t, entry.Occurrences, 1)
	assert.Equal(t, "2025-09", entry.Occurrences[0].OccurrenceLabel)
	assert.Equal(t, 50.0, *entry.Occurrences[0].CreatorScore.Value)
}

func f(v float64) *float64 { return &v }
