package ledger

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openfund/fundd/pkg/model"
)

// Treasury moves money between accounts. Transfers are irreversible once
// they return nil, and must have no effect when they return an error.
type Treasury interface {
	Transfer(from, to string, amountCents int64) error
}

// Campaign is the ledger of a single campaign: the pledge records, the held
// balance and the state machine driving them.
//
// All operations take the campaign mutex for their whole duration, so the
// ledger behaves as a serialized transaction log: no two operations ever
// interleave, and each either fully commits (mutation plus transfer) or
// fully aborts. State is re-evaluated lazily at the top of every entry
// point; there are no timers.
type Campaign struct {
	mu sync.Mutex

	c        *model.Campaign
	treasury Treasury
	clock    func() time.Time
	onRefund func(model.RefundEvent)
	dirty    bool
}

// Option overrides a Campaign dependency.
type Option func(*Campaign)

// WithClock replaces the time source, which the environment guarantees to
// be monotonically non-decreasing.
func WithClock(clock func() time.Time) Option {
	return func(l *Campaign) {
		l.clock = clock
	}
}

// WithRefundNotifier registers a callback invoked after every paid refund.
func WithRefundNotifier(fn func(model.RefundEvent)) Option {
	return func(l *Campaign) {
		l.onRefund = fn
	}
}

// New wraps a campaign snapshot into a live ledger. The snapshot may come
// from the registry (fresh campaign) or from storage (rehydration); either
// way its state is re-evaluated lazily on first access.
func New(snapshot *model.Campaign, treasury Treasury, opts ...Option) *Campaign {
	l := &Campaign{
		c:        snapshot,
		treasury: treasury,
		clock:    time.Now,
	}

	if l.c.Backers == nil {
		l.c.Backers = make(map[string]*model.Backer)
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Account returns the treasury account holding a campaign's balance.
func Account(campaignID string) string {
	return "campaign/" + campaignID
}

func (l *Campaign) ID() string {
	return l.c.ID
}

func (l *Campaign) Owner() string {
	return l.c.Owner
}

// evaluate computes the state the campaign should be in at the given time
// without persisting it.
func (l *Campaign) evaluate(now time.Time) model.State {
	if l.c.State != model.StateActive {
		return l.c.State
	}

	// A campaign may succeed before its deadline once the goal is reached.
	if l.c.BalanceCents >= l.c.GoalCents {
		return model.StateSuccessful
	}

	if !now.Before(l.c.Deadline) {
		return model.StateFailed
	}

	return model.StateActive
}

// reevaluate persists the evaluated state. Terminal states are sticky, so
// this only ever moves Active forward.
func (l *Campaign) reevaluate(now time.Time) {
	next := l.evaluate(now)
	if next == l.c.State {
		return
	}

	log.WithFields(log.Fields{
		"campaign_id": l.c.ID,
		"from":        l.c.State,
		"to":          next,
	}).Info("campaign state transition")

	l.c.State = next
	l.touch(now)
}

func (l *Campaign) touch(now time.Time) {
	l.c.UpdatedAt = now
	l.dirty = true
}

// Fund records a pledge of exactly the tier price and moves the money into
// the campaign account as one atomic unit. If the transfer fails, the
// staged ledger mutation is rolled back and the call has no effect.
func (l *Campaign) Fund(identity string, tierIndex int, amountCents int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.reevaluate(now)

	if l.c.State != model.StateActive {
		return model.ErrNotOpen
	}
	if l.c.Paused {
		return model.ErrPaused
	}
	if tierIndex < 0 || tierIndex >= len(l.c.Tiers) {
		return errors.Wrapf(model.ErrInvalidTierIndex, "index %d", tierIndex)
	}

	tier := &l.c.Tiers[tierIndex]
	if amountCents <= 0 || amountCents != tier.AmountCents {
		return errors.Wrapf(model.ErrInvalidAmount, "tier %q costs %d, got %d", tier.Name, tier.AmountCents, amountCents)
	}

	backer, ok := l.c.Backers[identity]
	if !ok {
		backer = &model.Backer{Identity: identity, Pledges: make(map[int64]int64)}
	}
	if _, funded := backer.Pledges[tier.ID]; funded {
		return errors.Wrapf(model.ErrTierAlreadyFunded, "tier %q", tier.Name)
	}

	// Stage the mutation, then transfer. The rollback path below is the
	// only way the staged mutation can be observed without the transfer.
	tier.BackerCount++
	backer.Pledges[tier.ID] = amountCents
	backer.TotalContributionCents += amountCents
	l.c.Backers[identity] = backer
	l.c.BalanceCents += amountCents

	if err := l.treasury.Transfer(identity, Account(l.c.ID), amountCents); err != nil {
		tier.BackerCount--
		delete(backer.Pledges, tier.ID)
		backer.TotalContributionCents -= amountCents
		if backer.TotalContributionCents == 0 {
			delete(l.c.Backers, identity)
		}
		l.c.BalanceCents -= amountCents
		return errors.Wrap(err, "funding transfer failed")
	}

	log.WithFields(log.Fields{
		"campaign_id":  l.c.ID,
		"identity":     identity,
		"tier":         tier.Name,
		"amount_cents": amountCents,
	}).Info("pledge accepted")

	l.touch(now)
	l.reevaluate(now)
	return nil
}

// Withdraw pays the entire held balance to the owner. It settles every
// pledge in the same atomic step, so the held balance stays equal to the
// sum of live contributions (both become zero). A second call fails the
// no-funds check.
func (l *Campaign) Withdraw(identity string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.reevaluate(now)

	if identity != l.c.Owner {
		return 0, model.ErrNotOwner
	}
	if l.c.State != model.StateSuccessful {
		return 0, model.ErrNotSuccessful
	}
	if l.c.BalanceCents == 0 {
		return 0, model.ErrNothingToWithdraw
	}
	if l.c.BalanceCents < l.c.GoalCents {
		return 0, model.ErrGoalNotReached
	}

	amount := l.c.BalanceCents
	stash := l.c.Clone()

	l.c.BalanceCents = 0
	l.c.Backers = make(map[string]*model.Backer)
	for i := range l.c.Tiers {
		l.c.Tiers[i].BackerCount = 0
	}

	if err := l.treasury.Transfer(Account(l.c.ID), l.c.Owner, amount); err != nil {
		l.c = stash
		return 0, errors.Wrap(err, "withdrawal transfer failed")
	}

	log.WithFields(log.Fields{
		"campaign_id":  l.c.ID,
		"owner":        l.c.Owner,
		"amount_cents": amount,
	}).Info("campaign funds withdrawn")

	l.touch(now)
	return amount, nil
}

// Refund returns the caller's full live contribution after the campaign
// has failed. Replaying the call finds no contribution and fails cleanly.
func (l *Campaign) Refund(identity string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.reevaluate(now)

	if l.c.State != model.StateFailed {
		return 0, model.ErrRefundsClosed
	}

	backer, ok := l.c.Backers[identity]
	if !ok || backer.TotalContributionCents == 0 {
		return 0, model.ErrNothingToRefund
	}

	amount := backer.TotalContributionCents
	stash := l.c.Clone()

	for tierID := range backer.Pledges {
		if tier := l.tierByID(tierID); tier != nil {
			tier.BackerCount--
		}
	}
	delete(l.c.Backers, identity)
	l.c.BalanceCents -= amount

	if err := l.treasury.Transfer(Account(l.c.ID), identity, amount); err != nil {
		l.c = stash
		return 0, errors.Wrap(err, "refund transfer failed")
	}

	log.WithFields(log.Fields{
		"campaign_id":  l.c.ID,
		"identity":     identity,
		"amount_cents": amount,
	}).Info("refund issued")

	l.touch(now)

	if l.onRefund != nil {
		l.onRefund(model.RefundEvent{
			CampaignID:  l.c.ID,
			Identity:    identity,
			AmountCents: amount,
			IssuedAt:    now,
		})
	}

	return amount, nil
}

// AddTier appends a new tier with a fresh stable ID and no backers.
func (l *Campaign) AddTier(identity, name string, amountCents int64) (model.Tier, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.reevaluate(now)

	if identity != l.c.Owner {
		return model.Tier{}, model.ErrNotOwner
	}
	if amountCents <= 0 {
		return model.Tier{}, errors.Wrap(model.ErrInvalidAmount, "tier amount must be positive")
	}

	l.c.NextTierID++
	tier := model.Tier{
		ID:          l.c.NextTierID,
		Name:        name,
		AmountCents: amountCents,
	}

	l.c.Tiers = append(l.c.Tiers, tier)
	l.touch(now)
	return tier, nil
}

// RemoveTier drops the tier at the given display position by swapping the
// last tier into its place. Pledges reference tiers by stable ID, so the
// index shuffle cannot corrupt backer records: backers of the removed tier
// keep their live contribution and remain refundable on failure.
func (l *Campaign) RemoveTier(identity string, index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.reevaluate(now)

	if identity != l.c.Owner {
		return model.ErrNotOwner
	}
	if index < 0 || index >= len(l.c.Tiers) {
		return errors.Wrapf(model.ErrInvalidTierIndex, "index %d", index)
	}

	last := len(l.c.Tiers) - 1
	removed := l.c.Tiers[index]
	l.c.Tiers[index] = l.c.Tiers[last]
	l.c.Tiers = l.c.Tiers[:last]

	log.WithFields(log.Fields{
		"campaign_id": l.c.ID,
		"tier":        removed.Name,
		"backers":     removed.BackerCount,
	}).Info("tier removed")

	l.touch(now)
	return nil
}

// TogglePause flips the funding pause flag and returns the new value.
func (l *Campaign) TogglePause(identity string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.reevaluate(now)

	if identity != l.c.Owner {
		return false, model.ErrNotOwner
	}

	l.c.Paused = !l.c.Paused
	l.touch(now)
	return l.c.Paused, nil
}

// ExtendDeadline pushes the deadline forward by the given number of days.
// Deadlines only ever move forward, and only while the campaign is Active.
func (l *Campaign) ExtendDeadline(identity string, days int) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.reevaluate(now)

	if identity != l.c.Owner {
		return time.Time{}, model.ErrNotOwner
	}
	if l.c.State != model.StateActive {
		return time.Time{}, model.ErrNotOpen
	}
	if days <= 0 {
		return time.Time{}, errors.Wrap(model.ErrInvalidDuration, "extension days must be positive")
	}

	l.c.Deadline = l.c.Deadline.Add(time.Duration(days) * 24 * time.Hour)
	l.touch(now)
	return l.c.Deadline, nil
}

// Status reports what the state would become right now, without persisting
// the transition. Mutating entry points persist it as a side effect.
func (l *Campaign) Status() model.State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.evaluate(l.clock())
}

// BalanceCents returns the held balance.
func (l *Campaign) BalanceCents() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.c.BalanceCents
}

// Tiers returns a copy of the tier list in display order.
func (l *Campaign) Tiers() []model.Tier {
	l.mu.Lock()
	defer l.mu.Unlock()

	tiers := make([]model.Tier, len(l.c.Tiers))
	copy(tiers, l.c.Tiers)
	return tiers
}

// Backer returns a copy of the identity's live contribution record.
func (l *Campaign) Backer(identity string) (*model.Backer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	backer, ok := l.c.Backers[identity]
	if !ok {
		return nil, false
	}
	return backer.Clone(), true
}

// HasFundedTier reports whether the identity holds a live pledge in the
// tier currently displayed at the given position.
func (l *Campaign) HasFundedTier(identity string, tierIndex int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tierIndex < 0 || tierIndex >= len(l.c.Tiers) {
		return false
	}

	backer, ok := l.c.Backers[identity]
	if !ok {
		return false
	}

	_, funded := backer.Pledges[l.c.Tiers[tierIndex].ID]
	return funded
}

// Snapshot returns a deep copy of the persisted ledger state.
func (l *Campaign) Snapshot() *model.Campaign {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.c.Clone()
}

// View returns a deep copy with the state evaluated at the current time,
// for read surfaces. The evaluated state is not persisted.
func (l *Campaign) View() *model.Campaign {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.c.Clone()
	out.State = l.evaluate(l.clock())
	return out
}

// Dirty reports whether the ledger changed since the last checkpoint.
func (l *Campaign) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.dirty
}

// MarkClean resets the dirty flag after a successful checkpoint.
func (l *Campaign) MarkClean() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dirty = false
}

func (l *Campaign) tierByID(id int64) *model.Tier {
	for i := range l.c.Tiers {
		if l.c.Tiers[i].ID == id {
			return &l.c.Tiers[i]
		}
	}
	return nil
}
