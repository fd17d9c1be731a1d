package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openfund/fundd/pkg/id"
	"github.com/openfund/fundd/pkg/ledger"
	"github.com/openfund/fundd/pkg/model"
)

// ErrInvalidRequest indicates a create request that failed validation.
var ErrInvalidRequest = errors.New("invalid create campaign request")

type idGenerator interface {
	Generate() (string, error)
}

type storage interface {
	AddCampaign(ctx context.Context, campaignID string, campaign *model.Campaign) error
	WalkCampaigns(ctx context.Context, cb func(campaign *model.Campaign) error) error
}

// CreateRequest carries the campaign constructor parameters. The duration
// is converted into an absolute deadline once, at creation.
type CreateRequest struct {
	Creator      string `json:"creator"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	GoalCents    int64  `json:"goal_cents"`
	DurationDays int    `json:"duration_days"`
}

// Registry creates campaign ledgers and indexes them by creator.
//
// Its pause flag blocks creation only; it is independent of any campaign's
// own pause flag.
type Registry struct {
	mu        sync.RWMutex
	campaigns map[string]*ledger.Campaign
	order     []string
	byCreator map[string][]string
	paused    bool

	sid      idGenerator
	db       storage
	treasury ledger.Treasury
	clock    func() time.Time
	onRefund func(model.RefundEvent)
}

// Option overrides a Registry dependency.
type Option func(*Registry)

func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithStorage attaches a snapshot store. Without one the registry runs
// purely in memory.
func WithStorage(db storage) Option {
	return func(r *Registry) {
		r.db = db
	}
}

// WithRefundNotifier is passed through to every campaign ledger.
func WithRefundNotifier(fn func(model.RefundEvent)) Option {
	return func(r *Registry) {
		r.onRefund = fn
	}
}

func WithIDGenerator(sid idGenerator) Option {
	return func(r *Registry) {
		r.sid = sid
	}
}

func New(treasury ledger.Treasury, opts ...Option) (*Registry, error) {
	r := &Registry{
		campaigns: make(map[string]*ledger.Campaign),
		byCreator: make(map[string][]string),
		treasury:  treasury,
		clock:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.sid == nil {
		sid, err := id.NewGenerator()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create id generator")
		}
		r.sid = sid
	}

	return r, nil
}

// Create validates the request, builds a campaign ledger and records it
// under the creator's index.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return nil, model.ErrCreationPaused
	}

	if err := validate(req); err != nil {
		return nil, err
	}

	campaignID, err := r.sid.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate campaign id")
	}

	now := r.clock()
	snapshot := &model.Campaign{
		ID:          campaignID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Owner:       req.Creator,
		GoalCents:   req.GoalCents,
		Deadline:    now.Add(time.Duration(req.DurationDays) * 24 * time.Hour),
		State:       model.StateActive,
		Backers:     make(map[string]*model.Backer),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if r.db != nil {
		if err := r.db.AddCampaign(ctx, campaignID, snapshot); err != nil {
			return nil, errors.Wrap(err, "failed to save campaign to database")
		}
	}

	r.index(ledger.New(snapshot, r.treasury, r.ledgerOpts()...))

	log.WithFields(log.Fields{
		"campaign_id": campaignID,
		"creator":     req.Creator,
		"goal_cents":  req.GoalCents,
		"deadline":    snapshot.Deadline,
	}).Info("campaign created")

	return snapshot.Clone(), nil
}

// Get returns the live ledger for a campaign ID.
func (r *Registry) Get(campaignID string) (*ledger.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	campaign, ok := r.campaigns[campaignID]
	if !ok {
		return nil, errors.Wrapf(model.ErrNotFound, "campaign %q", campaignID)
	}

	return campaign, nil
}

// List returns snapshots of all campaigns in creation order.
func (r *Registry) List() []*model.Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Campaign, 0, len(r.order))
	for _, campaignID := range r.order {
		out = append(out, r.campaigns[campaignID].View())
	}
	return out
}

// ListByCreator returns snapshots of the creator's campaigns.
func (r *Registry) ListByCreator(creator string) []*model.Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byCreator[creator]
	out := make([]*model.Campaign, 0, len(ids))
	for _, campaignID := range ids {
		out = append(out, r.campaigns[campaignID].View())
	}
	return out
}

// Campaigns returns the live ledgers, for checkpointing.
func (r *Registry) Campaigns() []*ledger.Campaign {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ledger.Campaign, 0, len(r.order))
	for _, campaignID := range r.order {
		out = append(out, r.campaigns[campaignID])
	}
	return out
}

// TogglePause flips the registry-level creation pause flag.
func (r *Registry) TogglePause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused = !r.paused
	return r.paused
}

func (r *Registry) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.paused
}

// Load rehydrates campaign ledgers from storage. Snapshots are loaded
// as-is; their state catches up lazily on first access.
func (r *Registry) Load(ctx context.Context) error {
	if r.db == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var loaded []*model.Campaign
	if err := r.db.WalkCampaigns(ctx, func(campaign *model.Campaign) error {
		loaded = append(loaded, campaign)
		return nil
	}); err != nil {
		return errors.Wrap(err, "failed to walk campaigns")
	}

	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	for _, snapshot := range loaded {
		if _, ok := r.campaigns[snapshot.ID]; ok {
			continue
		}
		r.index(ledger.New(snapshot, r.treasury, r.ledgerOpts()...))
	}

	log.Infof("loaded %d campaign(s) from database", len(loaded))
	return nil
}

func (r *Registry) ledgerOpts() []ledger.Option {
	opts := []ledger.Option{ledger.WithClock(r.clock)}
	if r.onRefund != nil {
		opts = append(opts, ledger.WithRefundNotifier(r.onRefund))
	}
	return opts
}

// index registers a ledger under both the global and per-creator lists.
// Callers must hold the write lock.
func (r *Registry) index(campaign *ledger.Campaign) {
	r.campaigns[campaign.ID()] = campaign
	r.order = append(r.order, campaign.ID())
	r.byCreator[campaign.Owner()] = append(r.byCreator[campaign.Owner()], campaign.ID())
}

func validate(req CreateRequest) error {
	if strings.TrimSpace(req.Creator) == "" {
		return errors.Wrap(ErrInvalidRequest, "creator is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return errors.Wrap(ErrInvalidRequest, "name is required")
	}
	if req.GoalCents <= 0 {
		return errors.Wrap(ErrInvalidRequest, "goal must be positive")
	}
	if req.DurationDays <= 0 {
		return errors.Wrap(ErrInvalidRequest, "duration must be positive")
	}
	return nil
}
