package db

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/cloudsql-proxy/proxy/proxy"
	"github.com/go-pg/pg"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openfund/fundd/pkg/model"
)

type campaignRow struct {
	tableName struct{} `sql:"campaigns"` //nolint

	ID        string `sql:",pk"`
	Creator   string
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Snapshot  []byte
}

// Postgres keeps campaign snapshots as JSONB rows, one row per campaign.
type Postgres struct {
	db *pg.DB
}

var _ Storage = (*Postgres)(nil)

func NewPG(connectionURL string, ping bool) (*Postgres, error) {
	opts, err := pg.ParseURL(connectionURL)
	if err != nil {
		return nil, err
	}

	// If host format is "project:region:host", than use Google SQL Proxy
	// See https://github.com/go-pg/pg/issues/576
	if strings.Count(opts.Addr, ":") == 2 {
		log.Print("using GCP SQL proxy")
		opts.Dialer = func(network, addr string) (net.Conn, error) {
			return proxy.Dial(addr)
		}
	}

	db := pg.Connect(opts)

	// Check database connectivity
	if ping {
		if _, err := db.ExecOne("SELECT 1"); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "failed to check database connectivity")
		}
	}

	if _, err := db.Exec(pgsql); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Version() (int, error) {
	return CurrentVersion, nil
}

func (p *Postgres) AddCampaign(_ context.Context, campaignID string, campaign *model.Campaign) error {
	row, err := toRow(campaignID, campaign)
	if err != nil {
		return err
	}

	_, err = p.db.Model(row).
		OnConflict("(id) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("updated_at = EXCLUDED.updated_at").
		Set("snapshot = EXCLUDED.snapshot").
		Insert()
	if err != nil {
		return errors.Wrapf(err, "failed to save campaign %q to database", campaignID)
	}

	return nil
}

func (p *Postgres) GetCampaign(_ context.Context, campaignID string) (*model.Campaign, error) {
	row := &campaignRow{}
	err := p.db.Model(row).Where("id = ?", campaignID).Select()
	if err == pg.ErrNoRows {
		return nil, model.ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to query campaign %q", campaignID)
	}

	return fromRow(row)
}

func (p *Postgres) WalkCampaigns(_ context.Context, cb func(campaign *model.Campaign) error) error {
	var rows []*campaignRow
	if err := p.db.Model(&rows).Order("created_at ASC").Select(); err != nil {
		return errors.Wrap(err, "failed to query campaigns")
	}

	for _, row := range rows {
		campaign, err := fromRow(row)
		if err != nil {
			return err
		}

		if err := cb(campaign); err != nil {
			return err
		}
	}

	return nil
}

func (p *Postgres) DeleteCampaign(_ context.Context, campaignID string) error {
	_, err := p.db.Model(&campaignRow{ID: campaignID}).Where("id = ?", campaignID).Delete()
	if err == pg.ErrNoRows {
		return nil
	}

	return err
}

func toRow(campaignID string, campaign *model.Campaign) (*campaignRow, error) {
	data, err := json.Marshal(campaign)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize campaign %q", campaignID)
	}

	return &campaignRow{
		ID:        campaignID,
		Creator:   campaign.Owner,
		State:     string(campaign.State),
		CreatedAt: campaign.CreatedAt,
		UpdatedAt: campaign.UpdatedAt,
		Snapshot:  data,
	}, nil
}

func fromRow(row *campaignRow) (*model.Campaign, error) {
	campaign := &model.Campaign{}
	if err := json.Unmarshal(row.Snapshot, campaign); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize campaign %q", row.ID)
	}

	return campaign, nil
}
