package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"kpitracker/models"
	"kpitracker/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// flagged creates a KPI with an open discrepancy on its first deliverable:
// assignee 80, creator 55.
func flagged(t *testing.T, env *testEnv, status models.Status) (*models.KPIView, models.Discrepancy) {
	t.Helper()
	ctx := context.Background()
	kpi := env.createKPI(t)
	delivID := kpi.Deliverables[0].ID.Hex()

	_, err := env.kpiService.SubmitUpdates(ctx, env.assignee, kpi.ID, &models.UpdateKPIRequest{
		DeliverableID: delivID,
		Updates:       &models.DeliverableUpdate{AssigneeScore: score(80)},
	}, nil)
	require.NoError(t, err)
	_, err = env.kpiService.SubmitUpdates(ctx, env.creator, kpi.ID, &models.UpdateKPIRequest{
		EvaluatedUserID: env.assignee.ID.Hex(),
		DeliverableID:   delivID,
		Updates:         &models.DeliverableUpdate{CreatorScore: score(55), Status: status},
	}, nil)
	require.NoError(t, err)

	list, err := env.discrepancyService.List(ctx, env.creator, models.DiscrepancyFilter{KPIID: kpi.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return kpi, list[0]
}

func TestResolve_WritesBackToBothSlices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kpi, d := flagged(t, env, "")
	env.clock.Advance(time.Hour)

	newScore := 85.0
	resolved, err := env.discrepancyService.Resolve(ctx, env.creator, d.ID, &models.ResolveDiscrepancyRequest{
		ResolutionNotes: "reviewed again",
		NewScore:        &newScore,
	}, nil)
	require.NoError(t, err)

	assert.True(t, resolved.Resolved)
	assert.Equal(t, "reviewed again", resolved.ResolutionNotes)
	require.NotNil(t, resolved.ResolvedScore)
	assert.Equal(t, 85.0, resolved.ResolvedScore.Value)
	require.NotNil(t, resolved.PreviousScore)
	assert.Equal(t, 55.0, resolved.PreviousScore.Value)
	assert.Equal(t, 85.0, resolved.CreatorScore.Value)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, env.creator.ID, *resolved.ResolvedBy)
	assert.Equal(t, []string{models.ActionFlagged, models.ActionResolved}, actions(resolved.History))

	for _, viewer := range []models.Caller{env.assignee, env.creator} {
		view, err := env.kpiService.GetKPI(ctx, viewer, kpi.ID, "")
		require.NoError(t, err)
		dv := view.Deliverables[0]
		require.NotNil(t, dv.CreatorScore, "viewer %s", viewer.Role)
		assert.Equal(t, 85.0, dv.CreatorScore.Value)
		assert.Equal(t, models.StatusCompleted, dv.Status)
	}

	assigneeView, err := env.kpiService.GetKPI(ctx, env.assignee, kpi.ID, "")
	require.NoError(t, err)
	assert.False(t, assigneeView.Deliverables[0].Discrepancy.HasOpen)
	assert.Equal(t, d.ID, *assigneeView.Deliverables[0].Discrepancy.LatestID)
}

func TestResolve_NeverDemotesApproved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kpi, d := flagged(t, env, models.StatusApproved)

	newScore := 70.0
	_, err := env.discrepancyService.Resolve(ctx, env.creator, d.ID, &models.ResolveDiscrepancyRequest{
		ResolutionNotes: "agreed in meeting",
		NewScore:        &newScore,
	}, nil)
	require.NoError(t, err)

	view, err := env.kpiService.GetKPI(ctx, env.assignee, kpi.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, view.Deliverables[0].Status)
	assert.Equal(t, 70.0, view.Deliverables[0].CreatorScore.Value)
}

func TestResolve_RejectsBeforeAnyChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := flagged(t, env, "")
	saves := env.kpis.saves

	good := 85.0
	tooHigh := 101.0
	cases := []struct {
		name   string
		caller models.Caller
		req    models.ResolveDiscrepancyRequest
		code   string
	}{
		{"missing notes", env.creator, models.ResolveDiscrepancyRequest{ResolutionNotes: "  ", NewScore: &good}, utils.CodeValidation},
		{"missing score", env.creator, models.ResolveDiscrepancyRequest{ResolutionNotes: "x"}, utils.CodeValidation},
		{"score out of range", env.creator, models.ResolveDiscrepancyRequest{ResolutionNotes: "x", NewScore: &tooHigh}, utils.CodeValidation},
		{"assignee", env.assignee, models.ResolveDiscrepancyRequest{ResolutionNotes: "x", NewScore: &good}, utils.CodeForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.discrepancyService.Resolve(ctx, tc.caller, d.ID, &tc.req, nil)
			requireCode(t, err, tc.code)
		})
	}

	_, err := env.discrepancyService.Resolve(ctx, env.creator, primitive.NewObjectID(), &models.ResolveDiscrepancyRequest{ResolutionNotes: "x", NewScore: &good}, nil)
	requireCode(t, err, utils.CodeNotFound)

	assert.Equal(t, saves, env.kpis.saves)
	current, err := env.discrepancies.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, current.Resolved)
}

func TestResolve_AttachesEvidenceFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := flagged(t, env, "")

	newScore := 60.0
	resolved, err := env.discrepancyService.Resolve(ctx, env.creator, d.ID, &models.ResolveDiscrepancyRequest{
		ResolutionNotes: "minutes attached",
		NewScore:        &newScore,
	}, &EvidenceUpload{Filename: "minutes.pdf", Data: strings.NewReader("minutes")})
	require.NoError(t, err)
	require.Len(t, resolved.ResolvedScore.SupportingDocuments, 1)
	assert.True(t, strings.HasPrefix(resolved.ResolvedScore.SupportingDocuments[0], "/api/kpis/evidence/"))
	assert.Equal(t, 1, env.evidence.count())
}

func TestBookMeeting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, d := flagged(t, env, "")

	_, err := env.discrepancyService.BookMeeting(ctx, env.outsider, d.ID, &models.BookMeetingRequest{Notes: "hi"})
	requireCode(t, err, utils.CodeForbidden)

	at := time.Date(2025, 10, 20, 14, 0, 0, 0, time.UTC)
	updated, err := env.discrepancyService.BookMeeting(ctx, env.assignee, d.ID, &models.BookMeetingRequest{Notes: " room 4 ", Timestamp: &at})
	require.NoError(t, err)
	require.NotNil(t, updated.Meeting)
	assert.Equal(t, env.assignee.ID, updated.Meeting.BookedBy)
	assert.Equal(t, "room 4", updated.Meeting.Notes)
	assert.True(t, at.Equal(updated.Meeting.Timestamp))
	assert.False(t, updated.Resolved)
	assert.Equal(t, []string{models.ActionFlagged, models.ActionMeetingBooked}, actions(updated.History))

	stored, err := env.discrepancies.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, stored.History, 2)
}

func TestDiscrepancyList_ScopedToParticipants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	kpi, _ := flagged(t, env, "")

	list, err := env.discrepancyService.List(ctx, env.outsider, models.DiscrepancyFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = env.discrepancyService.List(ctx, env.admin, models.DiscrepancyFilter{AssigneeID: env.assignee.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	open := false
	list, err = env.discrepancyService.List(ctx, env.assignee, models.DiscrepancyFilter{Resolved: &open})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stats, err := env.discrepancyService.Stats(ctx, env.creator, models.DiscrepancyFilter{})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, kpi.ID, stats[0].KPIID)
	assert.Equal(t, 1, stats[0].Open)
}
