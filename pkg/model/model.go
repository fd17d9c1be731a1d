package model

import (
	"time"
)

// State describes the lifecycle phase of a campaign.
//
// A campaign starts Active and advances to Successful or Failed exactly once.
// Both Successful and Failed are terminal: once entered, the state never
// returns to Active.
type State string

const (
	StateActive     = State("active")
	StateSuccessful = State("successful")
	StateFailed     = State("failed")
)

// Tier is a fixed-price contribution level of a campaign.
//
// ID is a stable identifier assigned at creation and never reused, so
// backer records stay valid when tiers are reordered or removed.
type Tier struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	BackerCount int    `json:"backer_count"`
}

// Backer holds the live contribution of a single identity.
//
// Pledges maps tier ID to the amount paid into that tier. The sum of the
// map values always equals TotalContributionCents.
type Backer struct {
	Identity               string          `json:"identity"`
	TotalContributionCents int64           `json:"total_contribution_cents"`
	Pledges                map[int64]int64 `json:"pledges"`
}

// Campaign is the serializable snapshot of a campaign ledger.
type Campaign struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Owner        string             `json:"owner"`
	GoalCents    int64              `json:"goal_cents"`
	BalanceCents int64              `json:"balance_cents"`
	Deadline     time.Time          `json:"deadline"`
	Paused       bool               `json:"paused"`
	State        State              `json:"state"`
	Tiers        []Tier             `json:"tiers"`
	Backers      map[string]*Backer `json:"backers"`
	NextTierID   int64              `json:"next_tier_id"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// RefundEvent is emitted every time a refund is paid out.
type RefundEvent struct {
	CampaignID  string    `json:"campaign_id"`
	Identity    string    `json:"identity"`
	AmountCents int64     `json:"amount_cents"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Clone returns a deep copy of the campaign snapshot.
func (c *Campaign) Clone() *Campaign {
	out := *c

	out.Tiers = make([]Tier, len(c.Tiers))
	copy(out.Tiers, c.Tiers)

	out.Backers = make(map[string]*Backer, len(c.Backers))
	for identity, backer := range c.Backers {
		out.Backers[identity] = backer.Clone()
	}

	return &out
}

// Clone returns a deep copy of the backer record.
func (b *Backer) Clone() *Backer {
	out := *b
	out.Pledges = make(map[int64]int64, len(b.Pledges))
	for tierID, amount := range b.Pledges {
		out.Pledges[tierID] = amount
	}
	return &out
}
