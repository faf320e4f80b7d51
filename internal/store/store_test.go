package store

import (
	"path/filepath"
	"testing"
	"time"

	"darwin/internal/ratelimit"
	"darwin/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "darwin.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestTraceEvents_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC).UnixMilli()
	events := []types.TraceEvent{
		{ID: "e1", Timestamp: now - 1000, Type: types.EventToolError, TaskID: "t1", Summary: "err", ToolName: "grep", ErrorMessage: "exit 2"},
		{ID: "e2", Timestamp: now, Type: types.EventTaskComplete, TaskID: "t1", Summary: "done"},
		{ID: "e3", Timestamp: now - 5000, Type: types.EventModeSwitch, TaskID: "t2", Summary: "switch", Mode: "architect"},
	}
	require.NoError(t, s.InsertTraceEvents(events))

	got, err := s.TraceEventsSince(now - 2000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)

	all, err := s.TraceEventsSince(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	if diff := cmp.Diff(events[0], all[1]); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestApplications_SurviveReopen(t *testing.T) {
	s, path := openTestStore(t)

	record := &types.ApplicationRecord{
		ID:          "app-1",
		ProposalID:  "prop-1",
		BackupPaths: map[string]string{"rules.md": "/backups/app-1/000_rules.md"},
		BeforeMetrics: types.PerformanceMetrics{
			SuccessRate: 0.9, AverageCost: 1.5, AverageDurationMs: 1200, TaskCount: 20,
			Timestamp: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
		},
		Status:    types.ApplicationMonitoring,
		CreatedAt: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveApplication(record))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetApplication("app-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(record, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	missing, err := reopened.GetApplication("ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestApplications_UpsertAndList(t *testing.T) {
	s, _ := openTestStore(t)

	first := &types.ApplicationRecord{ID: "a", Status: types.ApplicationMonitoring,
		CreatedAt: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)}
	second := &types.ApplicationRecord{ID: "b", Status: types.ApplicationMonitoring,
		CreatedAt: time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC)}
	require.NoError(t, s.SaveApplication(second))
	require.NoError(t, s.SaveApplication(first))

	first.Status = types.ApplicationRolledBack
	first.RolledBack = true
	require.NoError(t, s.SaveApplication(first))

	records, err := s.ListApplications()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
	assert.True(t, records[0].RolledBack)
	assert.Equal(t, "b", records[1].ID)
}

func TestRollbackLog_AppendOrder(t *testing.T) {
	s, _ := openTestStore(t)

	for i, reason := range []string{"first", "second", "third"} {
		action := &types.RollbackAction{
			ApplicationID: "app-1",
			Result:        "success",
			Reason:        reason,
			Automatic:     i%2 == 0,
			Timestamp:     time.Date(2026, 8, 23, 12, i, 0, 0, time.UTC),
		}
		require.NoError(t, s.AppendRollbackAction(action))
	}
	require.NoError(t, s.AppendRollbackAction(&types.RollbackAction{ApplicationID: "app-2", Result: "failure"}))

	actions, err := s.RollbackActions("app-1")
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, "first", actions[0].Reason)
	assert.Equal(t, "third", actions[2].Reason)
}

func TestRateLimitStates(t *testing.T) {
	s, _ := openTestStore(t)

	// Unknown key yields the zero state.
	state, err := s.LoadRateLimitState("automation")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.State{}, state)

	state = ratelimit.State{LastRunMs: 1234, DailyCount: 2, DailyDate: "2026-08-23", LastReason: "high_cost"}
	require.NoError(t, s.SaveRateLimitState("automation", state))

	got, err := s.LoadRateLimitState("automation")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	// Keys are independent.
	other, err := s.LoadRateLimitState("rollback")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.State{}, other)
}

func TestProposals_FilterByStatus(t *testing.T) {
	s, _ := openTestStore(t)

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	proposals := []*types.EvolutionProposal{
		{ID: "p1", Type: types.ProposalRuleUpdate, Status: types.StatusPending, Risk: types.RiskMedium,
			Title: "Add failure guard", Description: "guard description", CreatedAt: base},
		{ID: "p2", Type: types.ProposalToolCreation, Status: types.StatusApplied, Risk: types.RiskHigh,
			Title: "Create fallback", Description: "fallback description", CreatedAt: base.Add(time.Minute)},
	}
	for _, p := range proposals {
		require.NoError(t, s.SaveProposal(p))
	}

	all, err := s.ListProposals("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := s.ListProposals(types.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p1", pending[0].ID)
}
