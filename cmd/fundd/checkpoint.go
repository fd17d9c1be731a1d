package main

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/openfund/fundd/pkg/ledger"
	"github.com/openfund/fundd/pkg/model"
)

type campaignSource interface {
	Campaigns() []*ledger.Campaign
}

type snapshotStore interface {
	AddCampaign(ctx context.Context, campaignID string, campaign *model.Campaign) error
}

type snapshotCache interface {
	SaveCampaign(campaign *model.Campaign) error
}

// Checkpointer periodically flushes dirty campaign snapshots to durable
// storage and the read cache. It never drives state transitions: those
// happen lazily inside the ledger, and the checkpointer only writes down
// what calls have already observed.
type Checkpointer struct {
	source campaignSource
	db     snapshotStore
	cache  snapshotCache
}

func NewCheckpointer(source campaignSource, db snapshotStore, cache snapshotCache) *Checkpointer {
	return &Checkpointer{
		source: source,
		db:     db,
		cache:  cache,
	}
}

// Flush writes out every campaign mutated since the previous run.
func (cp *Checkpointer) Flush(ctx context.Context) error {
	var (
		result  *multierror.Error
		flushed int
		started = time.Now()
	)

	for _, campaign := range cp.source.Campaigns() {
		if !campaign.Dirty() {
			continue
		}

		snapshot := campaign.Snapshot()

		if cp.db != nil {
			if err := cp.db.AddCampaign(ctx, snapshot.ID, snapshot); err != nil {
				result = multierror.Append(result, err)
				continue
			}
		}

		if cp.cache != nil {
			if err := cp.cache.SaveCampaign(snapshot); err != nil {
				// Cache misses are recoverable, don't block the checkpoint
				log.WithError(err).Warnf("failed to cache campaign %q", snapshot.ID)
			}
		}

		campaign.MarkClean()
		flushed++
	}

	if flushed > 0 {
		log.Debugf("flushed %d campaign snapshot(s) in %s", flushed, time.Since(started))
	}

	return result.ErrorOrNil()
}
