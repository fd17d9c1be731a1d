package db

import (
	"context"

	"github.com/openfund/fundd/pkg/model"
)

type Version int

const (
	CurrentVersion = 1
)

// Storage persists campaign snapshots. The ledger itself is the source of
// truth while the process runs; storage only has to provide durable,
// atomic snapshot writes.
type Storage interface {
	Close() error
	Version() (int, error)

	// AddCampaign inserts or overwrites a campaign snapshot
	AddCampaign(ctx context.Context, campaignID string, campaign *model.Campaign) error

	// GetCampaign gets a campaign snapshot by ID
	GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error)

	// WalkCampaigns iterates over campaigns saved to database
	WalkCampaigns(ctx context.Context, cb func(campaign *model.Campaign) error) error

	// DeleteCampaign deletes a campaign snapshot from database
	DeleteCampaign(ctx context.Context, campaignID string) error
}

// Config groups database configuration. Type selects the backend.
type Config struct {
	// Type is either "badger" (default) or "postgres"
	Type string `toml:"type"`
	// Dir is a directory to keep Badger database files
	Dir string `toml:"dir"`
	// PostgresURL is the connection string for the Postgres backend
	PostgresURL string        `toml:"postgres_url"`
	Badger      *BadgerConfig `toml:"badger"`
}
