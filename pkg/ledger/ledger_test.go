package ledger

import (
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfund/fundd/pkg/model"
	"github.com/openfund/fundd/pkg/treasury"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, goalCents int64, opts ...Option) (*Campaign, *treasury.Bank, *fakeClock) {
	t.Helper()

	clk := &fakeClock{now: testNow}

	bank := treasury.NewBank()
	bank.Deposit("alice", 1000_00)
	bank.Deposit("bob", 1000_00)

	snapshot := &model.Campaign{
		ID:        "camp1",
		Name:      "Test Campaign",
		Owner:     "owner",
		GoalCents: goalCents,
		Deadline:  testNow.Add(24 * time.Hour),
		State:     model.StateActive,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}

	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(snapshot, bank, opts...), bank, clk
}

// assertConsistent checks the ledger invariants: the held balance equals
// the sum of live contributions, equals the campaign's bank account, and
// every tier's backer count matches the set of live pledges in it.
func assertConsistent(t *testing.T, l *Campaign, bank *treasury.Bank) {
	t.Helper()

	snap := l.Snapshot()

	var total int64
	counts := make(map[int64]int)
	for _, backer := range snap.Backers {
		var sum int64
		for tierID, amount := range backer.Pledges {
			sum += amount
			counts[tierID]++
		}
		require.Equal(t, backer.TotalContributionCents, sum, "backer %q total out of sync", backer.Identity)
		total += backer.TotalContributionCents
	}

	require.Equal(t, total, snap.BalanceCents, "held balance out of sync with contributions")
	require.Equal(t, snap.BalanceCents, bank.Balance(Account(snap.ID)), "held balance out of sync with bank")

	for _, tier := range snap.Tiers {
		require.Equal(t, counts[tier.ID], tier.BackerCount, "tier %q backer count drifted", tier.Name)
	}
}

func TestCampaign_EarlySuccessAndWithdraw(t *testing.T) {
	l, bank, _ := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 100_00)
	require.NoError(t, err)

	require.NoError(t, l.Fund("alice", 0, 100_00))
	assertConsistent(t, l, bank)

	// Goal reached before the deadline
	assert.Equal(t, model.StateSuccessful, l.Status())

	ownerBefore := bank.Balance("owner")

	amount, err := l.Withdraw("owner")
	require.NoError(t, err)
	assert.EqualValues(t, 100_00, amount)
	assert.EqualValues(t, 0, l.BalanceCents())
	assert.Equal(t, ownerBefore+100_00, bank.Balance("owner"))
	assertConsistent(t, l, bank)

	// Second withdrawal finds nothing
	_, err = l.Withdraw("owner")
	assert.Equal(t, model.ErrNothingToWithdraw, errors.Cause(err))
}

func TestCampaign_FundWrongAmount(t *testing.T) {
	l, bank, _ := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 25_00)
	require.NoError(t, err)

	for _, amount := range []int64{0, -25_00, 24_99, 25_01, 50_00} {
		err := l.Fund("alice", 0, amount)
		assert.Equal(t, model.ErrInvalidAmount, errors.Cause(err), "amount %d", amount)
		assertConsistent(t, l, bank)
	}

	assert.EqualValues(t, 0, l.BalanceCents())
	_, ok := l.Backer("alice")
	assert.False(t, ok)
}

func TestCampaign_FundPreconditions(t *testing.T) {
	l, bank, clk := newTestLedger(t, 500_00)

	_, err := l.AddTier("owner", "gold", 25_00)
	require.NoError(t, err)

	// Out of range index
	err = l.Fund("alice", 1, 25_00)
	assert.Equal(t, model.ErrInvalidTierIndex, errors.Cause(err))

	err = l.Fund("alice", -1, 25_00)
	assert.Equal(t, model.ErrInvalidTierIndex, errors.Cause(err))

	// Paused campaign rejects pledges
	_, err = l.TogglePause("owner")
	require.NoError(t, err)

	err = l.Fund("alice", 0, 25_00)
	assert.Equal(t, model.ErrPaused, errors.Cause(err))

	_, err = l.TogglePause("owner")
	require.NoError(t, err)

	// Same tier can't be joined twice while the pledge is live
	require.NoError(t, l.Fund("alice", 0, 25_00))
	err = l.Fund("alice", 0, 25_00)
	assert.Equal(t, model.ErrTierAlreadyFunded, errors.Cause(err))

	// But a second identity can, and one identity may hold several tiers
	require.NoError(t, l.Fund("bob", 0, 25_00))

	_, err = l.AddTier("owner", "silver", 10_00)
	require.NoError(t, err)
	require.NoError(t, l.Fund("alice", 1, 10_00))

	assertConsistent(t, l, bank)

	// Deadline passed, campaign is no longer open
	clk.Advance(48 * time.Hour)
	err = l.Fund("bob", 1, 10_00)
	assert.Equal(t, model.ErrNotOpen, errors.Cause(err))
	assertConsistent(t, l, bank)
}

func TestCampaign_DeadlineFailureAndRefund(t *testing.T) {
	l, bank, clk := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "half", 50_00)
	require.NoError(t, err)

	require.NoError(t, l.Fund("alice", 0, 50_00))

	clk.Advance(25 * time.Hour)
	assert.Equal(t, model.StateFailed, l.Status())

	aliceBefore := bank.Balance("alice")

	amount, err := l.Refund("alice")
	require.NoError(t, err)
	assert.EqualValues(t, 50_00, amount)
	assert.Equal(t, aliceBefore+50_00, bank.Balance("alice"))

	snap := l.Snapshot()
	assert.EqualValues(t, 0, snap.BalanceCents)
	assert.Equal(t, 0, snap.Tiers[0].BackerCount)
	assertConsistent(t, l, bank)

	// Replay fails cleanly
	_, err = l.Refund("alice")
	assert.Equal(t, model.ErrNothingToRefund, errors.Cause(err))
}

func TestCampaign_TerminalStatesAreSticky(t *testing.T) {
	l, _, clk := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 50_00)
	require.NoError(t, err)

	require.NoError(t, l.Fund("alice", 0, 50_00))

	clk.Advance(48 * time.Hour)
	assert.Equal(t, model.StateFailed, l.Status())

	// No way back to Active
	err = l.Fund("bob", 0, 50_00)
	assert.Equal(t, model.ErrNotOpen, errors.Cause(err))

	_, err = l.ExtendDeadline("owner", 7)
	assert.Equal(t, model.ErrNotOpen, errors.Cause(err))

	assert.Equal(t, model.StateFailed, l.Status())
	assert.Equal(t, model.StateFailed, l.Snapshot().State)
}

func TestCampaign_WithdrawPreconditions(t *testing.T) {
	l, _, _ := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 100_00)
	require.NoError(t, err)

	// Still active
	_, err = l.Withdraw("owner")
	assert.Equal(t, model.ErrNotSuccessful, errors.Cause(err))

	require.NoError(t, l.Fund("alice", 0, 100_00))

	// Only the owner may withdraw
	_, err = l.Withdraw("alice")
	assert.Equal(t, model.ErrNotOwner, errors.Cause(err))

	_, err = l.Withdraw("owner")
	require.NoError(t, err)
}

func TestCampaign_RefundWhileActive(t *testing.T) {
	l, _, _ := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 25_00)
	require.NoError(t, err)
	require.NoError(t, l.Fund("alice", 0, 25_00))

	_, err = l.Refund("alice")
	assert.Equal(t, model.ErrRefundsClosed, errors.Cause(err))
}

type failingTreasury struct {
	err error
}

func (f failingTreasury) Transfer(from, to string, amountCents int64) error {
	return f.err
}

func TestCampaign_FundTransferFailureRollsBack(t *testing.T) {
	l, bank, _ := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 25_00)
	require.NoError(t, err)

	// carol has no account, the strict bank rejects the transfer
	err = l.Fund("carol", 0, 25_00)
	require.Error(t, err)
	assert.Equal(t, treasury.ErrUnknownAccount, errors.Cause(err))

	snap := l.Snapshot()
	assert.EqualValues(t, 0, snap.BalanceCents)
	assert.Equal(t, 0, snap.Tiers[0].BackerCount)
	assert.Empty(t, snap.Backers)
	assertConsistent(t, l, bank)

	// The rejected call left everything intact, so a funded retry works
	bank.Deposit("carol", 25_00)
	require.NoError(t, l.Fund("carol", 0, 25_00))
	assertConsistent(t, l, bank)
}

func TestCampaign_WithdrawTransferFailureRollsBack(t *testing.T) {
	clk := &fakeClock{now: testNow}
	broken := failingTreasury{err: errors.New("wire is down")}

	snapshot := &model.Campaign{
		ID:        "camp1",
		Owner:     "owner",
		GoalCents: 50_00,
		Deadline:  testNow.Add(24 * time.Hour),
		State:     model.StateActive,
		Tiers:     []model.Tier{{ID: 1, Name: "gold", AmountCents: 50_00, BackerCount: 1}},
		Backers: map[string]*model.Backer{
			"alice": {Identity: "alice", TotalContributionCents: 50_00, Pledges: map[int64]int64{1: 50_00}},
		},
		BalanceCents: 50_00,
		NextTierID:   1,
	}

	l := New(snapshot, broken, WithClock(clk.Now))

	_, err := l.Withdraw("owner")
	require.Error(t, err)

	// Nothing changed: records, counters and balance survive the abort
	snap := l.Snapshot()
	assert.EqualValues(t, 50_00, snap.BalanceCents)
	assert.Equal(t, 1, snap.Tiers[0].BackerCount)
	assert.EqualValues(t, 50_00, snap.Backers["alice"].TotalContributionCents)
}

func TestCampaign_RefundTransferFailureRollsBack(t *testing.T) {
	clk := &fakeClock{now: testNow}
	broken := failingTreasury{err: errors.New("wire is down")}

	snapshot := &model.Campaign{
		ID:        "camp1",
		Owner:     "owner",
		GoalCents: 100_00,
		Deadline:  testNow.Add(-time.Hour),
		State:     model.StateActive,
		Tiers:     []model.Tier{{ID: 1, Name: "gold", AmountCents: 50_00, BackerCount: 1}},
		Backers: map[string]*model.Backer{
			"alice": {Identity: "alice", TotalContributionCents: 50_00, Pledges: map[int64]int64{1: 50_00}},
		},
		BalanceCents: 50_00,
		NextTierID:   1,
	}

	l := New(snapshot, broken, WithClock(clk.Now))
	require.Equal(t, model.StateFailed, l.Status())

	_, err := l.Refund("alice")
	require.Error(t, err)

	snap := l.Snapshot()
	assert.EqualValues(t, 50_00, snap.BalanceCents)
	assert.Equal(t, 1, snap.Tiers[0].BackerCount)
	assert.EqualValues(t, 50_00, snap.Backers["alice"].TotalContributionCents)

	// The state transition itself still persisted
	assert.Equal(t, model.StateFailed, snap.State)
}

func TestCampaign_RemoveTierKeepsPledges(t *testing.T) {
	l, bank, clk := newTestLedger(t, 500_00)

	_, err := l.AddTier("owner", "bronze", 10_00)
	require.NoError(t, err)
	_, err = l.AddTier("owner", "silver", 20_00)
	require.NoError(t, err)

	require.NoError(t, l.Fund("alice", 1, 20_00))
	require.True(t, l.HasFundedTier("alice", 1))

	// Swap-and-pop: silver moves into position 0
	require.NoError(t, l.RemoveTier("owner", 0))

	tiers := l.Tiers()
	require.Len(t, tiers, 1)
	assert.Equal(t, "silver", tiers[0].Name)
	assert.Equal(t, 1, tiers[0].BackerCount)

	// Pledges follow the tier, not the index
	assert.True(t, l.HasFundedTier("alice", 0))
	assert.False(t, l.HasFundedTier("alice", 1))
	assertConsistent(t, l, bank)

	// Removing the tier alice backs does not touch her live contribution
	require.NoError(t, l.RemoveTier("owner", 0))
	assert.Empty(t, l.Tiers())
	assert.EqualValues(t, 20_00, l.BalanceCents())

	backer, ok := l.Backer("alice")
	require.True(t, ok)
	assert.EqualValues(t, 20_00, backer.TotalContributionCents)

	// And she is still made whole when the campaign fails
	clk.Advance(48 * time.Hour)
	amount, err := l.Refund("alice")
	require.NoError(t, err)
	assert.EqualValues(t, 20_00, amount)
	assertConsistent(t, l, bank)
}

func TestCampaign_TierAdmin(t *testing.T) {
	l, _, _ := newTestLedger(t, 100_00)

	_, err := l.AddTier("alice", "gold", 10_00)
	assert.Equal(t, model.ErrNotOwner, errors.Cause(err))

	_, err = l.AddTier("owner", "gold", 0)
	assert.Equal(t, model.ErrInvalidAmount, errors.Cause(err))

	tier, err := l.AddTier("owner", "gold", 10_00)
	require.NoError(t, err)
	assert.EqualValues(t, 1, tier.ID)
	assert.Equal(t, 0, tier.BackerCount)

	err = l.RemoveTier("alice", 0)
	assert.Equal(t, model.ErrNotOwner, errors.Cause(err))

	err = l.RemoveTier("owner", 5)
	assert.Equal(t, model.ErrInvalidTierIndex, errors.Cause(err))

	// Tier IDs are never reused after removal
	require.NoError(t, l.RemoveTier("owner", 0))
	tier, err = l.AddTier("owner", "silver", 5_00)
	require.NoError(t, err)
	assert.EqualValues(t, 2, tier.ID)
}

func TestCampaign_TogglePause(t *testing.T) {
	l, _, _ := newTestLedger(t, 100_00)

	_, err := l.TogglePause("alice")
	assert.Equal(t, model.ErrNotOwner, errors.Cause(err))

	paused, err := l.TogglePause("owner")
	require.NoError(t, err)
	assert.True(t, paused)

	paused, err = l.TogglePause("owner")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestCampaign_ExtendDeadline(t *testing.T) {
	l, _, clk := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 10_00)
	require.NoError(t, err)

	_, err = l.ExtendDeadline("alice", 7)
	assert.Equal(t, model.ErrNotOwner, errors.Cause(err))

	_, err = l.ExtendDeadline("owner", 0)
	assert.Equal(t, model.ErrInvalidDuration, errors.Cause(err))

	deadline, err := l.ExtendDeadline("owner", 7)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(24*time.Hour).Add(7*24*time.Hour), deadline)

	// The campaign stays open past its original deadline
	clk.Advance(3 * 24 * time.Hour)
	assert.Equal(t, model.StateActive, l.Status())
	require.NoError(t, l.Fund("alice", 0, 10_00))
}

func TestCampaign_StatusIsReadOnly(t *testing.T) {
	l, _, _ := newTestLedger(t, 100_00)

	_, err := l.AddTier("owner", "gold", 100_00)
	require.NoError(t, err)
	require.NoError(t, l.Fund("alice", 0, 100_00))

	// Fund persisted the early transition already, so exercise the
	// read-only path on the deadline transition of a fresh campaign.
	assert.Equal(t, model.StateSuccessful, l.Snapshot().State)

	l2, _, _ := newTestLedger(t, 100_00)
	clk2 := &fakeClock{now: testNow.Add(48 * time.Hour)}
	l2.clock = clk2.Now

	assert.Equal(t, model.StateFailed, l2.Status())
	assert.Equal(t, model.StateActive, l2.Snapshot().State, "status query must not persist the transition")
}

func TestCampaign_RefundNotification(t *testing.T) {
	var got []model.RefundEvent

	clk := &fakeClock{now: testNow}
	bank := treasury.NewBank()
	bank.Deposit("alice", 100_00)

	snapshot := &model.Campaign{
		ID:        "camp1",
		Owner:     "owner",
		GoalCents: 100_00,
		Deadline:  testNow.Add(24 * time.Hour),
		State:     model.StateActive,
	}

	l := New(snapshot, bank,
		WithClock(clk.Now),
		WithRefundNotifier(func(event model.RefundEvent) {
			got = append(got, event)
		}),
	)

	_, err := l.AddTier("owner", "gold", 30_00)
	require.NoError(t, err)
	require.NoError(t, l.Fund("alice", 0, 30_00))

	clk.Advance(48 * time.Hour)

	_, err = l.Refund("alice")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "camp1", got[0].CampaignID)
	assert.Equal(t, "alice", got[0].Identity)
	assert.EqualValues(t, 30_00, got[0].AmountCents)

	// A failed replay emits nothing
	_, err = l.Refund("alice")
	require.Error(t, err)
	assert.Len(t, got, 1)
}

// TestCampaign_InvariantsUnderRandomOps hammers a single campaign with a
// deterministic pseudo-random mix of operations and re-checks the ledger
// invariants after every step.
func TestCampaign_InvariantsUnderRandomOps(t *testing.T) {
	l, bank, clk := newTestLedger(t, 300_00)

	identities := []string{"alice", "bob", "carol", "dave"}
	for _, identity := range identities {
		bank.Deposit(identity, 1000_00)
	}

	_, err := l.AddTier("owner", "bronze", 10_00)
	require.NoError(t, err)
	_, err = l.AddTier("owner", "silver", 25_00)
	require.NoError(t, err)
	_, err = l.AddTier("owner", "gold", 50_00)
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(42))

	for step := 0; step < 500; step++ {
		identity := identities[rnd.Intn(len(identities))]

		switch rnd.Intn(10) {
		case 0:
			_, _ = l.AddTier("owner", "extra", int64(rnd.Intn(50)+1)*100)
		case 1:
			if tiers := l.Tiers(); len(tiers) > 1 {
				_ = l.RemoveTier("owner", rnd.Intn(len(tiers)))
			}
		case 2:
			_, _ = l.Withdraw("owner")
		case 3:
			_, _ = l.Refund(identity)
		case 4:
			clk.Advance(time.Duration(rnd.Intn(3)) * time.Hour)
		default:
			tiers := l.Tiers()
			if len(tiers) == 0 {
				continue
			}
			index := rnd.Intn(len(tiers))
			_ = l.Fund(identity, index, tiers[index].AmountCents)
		}

		assertConsistent(t, l, bank)
	}
}
