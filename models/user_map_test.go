package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type statusHolder struct {
	Statuses UserMap[Status] `bson:"statuses"`
}

func TestUserMap_StoredAsEntryList(t *testing.T) {
	a := primitive.NewObjectID().Hex()
	b := primitive.NewObjectID().Hex()
	in := statusHolder{Statuses: UserMap[Status]{b: StatusApproved, a: StatusSubmitted}}

	data, err := bson.Marshal(in)
	require.NoError(t, err)

	raw := bson.Raw(data).Lookup("statuses")
	require.Equal(t, bson.TypeArray, raw.Type, "user ids must never become field names")

	var out statusHolder
	require.NoError(t, bson.Unmarshal(data, &out))
	assert.Equal(t, in.Statuses, out.Statuses)
}

func TestUserMap_ReadsEmbeddedDocument(t *testing.T) {
	id := primitive.NewObjectID().Hex()
	data, err := bson.Marshal(bson.M{"statuses": bson.M{id: "In Progress"}})
	require.NoError(t, err)

	var out statusHolder
	require.NoError(t, bson.Unmarshal(data, &out))
	assert.Equal(t, UserMap[Status]{id: StatusInProgress}, out.Statuses)
}

func TestUserMap_SkipsEntriesWithoutUser(t *testing.T) {
	data, err := bson.Marshal(bson.M{"statuses": bson.A{
		bson.M{"user_id": "", "value": "Approved"},
		bson.M{"user_id": "u1", "value": "Rejected"},
	}})
	require.NoError(t, err)

	var out statusHolder
	require.NoError(t, bson.Unmarshal(data, &out))
	assert.Equal(t, UserMap[Status]{"u1": StatusRejected}, out.Statuses)
}

func TestUserMap_RejectsScalar(t *testing.T) {
	data, err := bson.Marshal(bson.M{"statuses": "nope"})
	require.NoError(t, err)

	var out statusHolder
	assert.Error(t, bson.Unmarshal(data, &out))
}

func TestUserMap_NestedStateSurvivesRoundTrip(t *testing.T) {
	user := primitive.NewObjectID()
	deliverable := primitive.NewObjectID()
	in := UserSpecific{
		Deliverables: UserMap[[]UserDeliverableState]{
			user.Hex(): {{
				DeliverableID: deliverable,
				Status:        StatusSubmitted,
				Evidence:      []string{"/api/kpis/evidence/abc"},
				Occurrences: []UserDeliverableOccurrence{{
					PeriodLabel: "2025-09",
					Status:      StatusPending,
					Evidence:    []string{},
				}},
			}},
		},
		Statuses: UserMap[Status]{},
	}

	data, err := bson.Marshal(in)
	require.NoError(t, err)

	var out UserSpecific
	require.NoError(t, bson.Unmarshal(data, &out))
	states := out.Deliverables[user.Hex()]
	require.Len(t, states, 1)
	assert.Equal(t, deliverable, states[0].DeliverableID)
	assert.Equal(t, StatusSubmitted, states[0].Status)
	require.Len(t, states[0].Occurrences, 1)
	assert.Equal(t, "2025-09", states[0].Occurrences[0].PeriodLabel)
	assert.Empty(t, out.Statuses)
}
