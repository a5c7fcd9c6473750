package rules

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/domain"
	"github.com/akrivos/helmsman/internal/testutil"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db := testutil.NewTestDB(t)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func seedEventAction(t *testing.T, repo *Repository, action ActionType) EventAction {
	t.Helper()
	ea, err := repo.CreateEventAction(EventAction{
		Kind:     "trading",
		Triggers: []Condition{{Kind: CondBullish}},
		Actions:  []Action{{Type: action}},
	})
	require.NoError(t, err)
	return ea
}

func orderedIDs(t *testing.T, repo *Repository, rulesetID int64) []int64 {
	t.Helper()
	eas, err := repo.OrderedEventActions(rulesetID)
	require.NoError(t, err)
	ids := make([]int64, len(eas))
	for i, ea := range eas {
		ids[i] = ea.ID
	}
	return ids
}

func TestRuleset_CreateGet(t *testing.T) {
	repo := newTestRepo(t)

	rs, err := repo.CreateRuleset(Ruleset{Name: "momentum", Kind: "trading", Subtype: "enter"})
	require.NoError(t, err)
	require.NotZero(t, rs.ID)

	got, err := repo.GetRuleset(rs.ID)
	require.NoError(t, err)
	assert.Equal(t, "momentum", got.Name)
	assert.Equal(t, "enter", got.Subtype)

	_, err = repo.GetRuleset(rs.ID + 100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRuleset_RequiresName(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.CreateRuleset(Ruleset{Kind: "trading"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEventAction_JSONRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	ea, err := repo.CreateEventAction(EventAction{
		Kind: "trading",
		Triggers: []Condition{
			{Kind: CondBullish},
			{Kind: CondConfidence, Operator: OpGTE, Value: 65},
		},
		Actions: []Action{
			{Type: ActionBuy, Params: map[string]float64{"quantity": 5}},
			{Type: ActionSetTP, Params: map[string]float64{"percent": 8}},
		},
		ContinueProcessing: true,
	})
	require.NoError(t, err)

	got, err := repo.GetEventAction(ea.ID)
	require.NoError(t, err)
	require.Len(t, got.Triggers, 2)
	assert.Equal(t, CondConfidence, got.Triggers[1].Kind)
	assert.Equal(t, OpGTE, got.Triggers[1].Operator)
	assert.Equal(t, 65.0, got.Triggers[1].Value)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, map[string]float64{"percent": 8}, got.Actions[1].Params)
	assert.True(t, got.ContinueProcessing)
}

func TestAppend_OrdersSequentially(t *testing.T) {
	repo := newTestRepo(t)
	rs, err := repo.CreateRuleset(Ruleset{Name: "r"})
	require.NoError(t, err)

	a := seedEventAction(t, repo, ActionBuy)
	b := seedEventAction(t, repo, ActionSell)
	c := seedEventAction(t, repo, ActionClose)

	require.NoError(t, repo.Append(rs.ID, a.ID))
	require.NoError(t, repo.Append(rs.ID, b.ID))
	require.NoError(t, repo.Append(rs.ID, c.ID))

	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, orderedIDs(t, repo, rs.ID))
}

func TestRemove_CompactsOrder(t *testing.T) {
	repo := newTestRepo(t)
	rs, err := repo.CreateRuleset(Ruleset{Name: "r"})
	require.NoError(t, err)

	a := seedEventAction(t, repo, ActionBuy)
	b := seedEventAction(t, repo, ActionSell)
	c := seedEventAction(t, repo, ActionClose)
	for _, ea := range []EventAction{a, b, c} {
		require.NoError(t, repo.Append(rs.ID, ea.ID))
	}

	require.NoError(t, repo.Remove(rs.ID, b.ID))
	assert.Equal(t, []int64{a.ID, c.ID}, orderedIDs(t, repo, rs.ID))

	// Removing a non-member reports not found.
	err = repo.Remove(rs.ID, b.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Appending after a removal continues gap-free.
	d := seedEventAction(t, repo, ActionSetTP)
	require.NoError(t, repo.Append(rs.ID, d.ID))
	assert.Equal(t, []int64{a.ID, c.ID, d.ID}, orderedIDs(t, repo, rs.ID))
}

func TestReorder(t *testing.T) {
	repo := newTestRepo(t)
	rs, err := repo.CreateRuleset(Ruleset{Name: "r"})
	require.NoError(t, err)

	a := seedEventAction(t, repo, ActionBuy)
	b := seedEventAction(t, repo, ActionSell)
	c := seedEventAction(t, repo, ActionClose)
	for _, ea := range []EventAction{a, b, c} {
		require.NoError(t, repo.Append(rs.ID, ea.ID))
	}

	require.NoError(t, repo.Reorder(rs.ID, []int64{c.ID, a.ID, b.ID}))
	assert.Equal(t, []int64{c.ID, a.ID, b.ID}, orderedIDs(t, repo, rs.ID))

	// Partial lists and foreign IDs are rejected.
	err = repo.Reorder(rs.ID, []int64{a.ID, b.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = repo.Reorder(rs.ID, []int64{a.ID, b.ID, b.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMoveUpDown(t *testing.T) {
	repo := newTestRepo(t)
	rs, err := repo.CreateRuleset(Ruleset{Name: "r"})
	require.NoError(t, err)

	a := seedEventAction(t, repo, ActionBuy)
	b := seedEventAction(t, repo, ActionSell)
	for _, ea := range []EventAction{a, b} {
		require.NoError(t, repo.Append(rs.ID, ea.ID))
	}

	require.NoError(t, repo.MoveUp(rs.ID, b.ID))
	assert.Equal(t, []int64{b.ID, a.ID}, orderedIDs(t, repo, rs.ID))

	// Moving the first member up is a no-op.
	require.NoError(t, repo.MoveUp(rs.ID, b.ID))
	assert.Equal(t, []int64{b.ID, a.ID}, orderedIDs(t, repo, rs.ID))

	require.NoError(t, repo.MoveDown(rs.ID, b.ID))
	assert.Equal(t, []int64{a.ID, b.ID}, orderedIDs(t, repo, rs.ID))

	err = repo.MoveUp(rs.ID, 9999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteEventAction_DetachesAndCompacts(t *testing.T) {
	repo := newTestRepo(t)
	rs, err := repo.CreateRuleset(Ruleset{Name: "r"})
	require.NoError(t, err)

	a := seedEventAction(t, repo, ActionBuy)
	b := seedEventAction(t, repo, ActionSell)
	c := seedEventAction(t, repo, ActionClose)
	for _, ea := range []EventAction{a, b, c} {
		require.NoError(t, repo.Append(rs.ID, ea.ID))
	}

	require.NoError(t, repo.DeleteEventAction(a.ID))

	assert.Equal(t, []int64{b.ID, c.ID}, orderedIDs(t, repo, rs.ID))
	_, err = repo.GetEventAction(a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteRuleset_RemovesMemberships(t *testing.T) {
	repo := newTestRepo(t)
	rs, err := repo.CreateRuleset(Ruleset{Name: "r"})
	require.NoError(t, err)

	a := seedEventAction(t, repo, ActionBuy)
	require.NoError(t, repo.Append(rs.ID, a.ID))

	require.NoError(t, repo.DeleteRuleset(rs.ID))

	_, err = repo.GetRuleset(rs.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The event-action itself survives; only the membership is gone.
	_, err = repo.GetEventAction(a.ID)
	assert.NoError(t, err)
}
