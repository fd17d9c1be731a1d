package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openfund/fundd/pkg/cache"
	"github.com/openfund/fundd/pkg/db"
	"github.com/openfund/fundd/pkg/events"
	"github.com/openfund/fundd/pkg/handler"
	"github.com/openfund/fundd/pkg/model"
	"github.com/openfund/fundd/pkg/registry"
	"github.com/openfund/fundd/pkg/treasury"
)

type Opts struct {
	ConfigPath string `long:"config" short:"c" default:"config.toml" env:"FUNDD_CONFIG_PATH"`
	Debug      bool   `long:"debug"`
	NoBanner   bool   `long:"no-banner"`
}

const banner = `
  __                     _     _
 / _|  _   _   _ __   __| |  __| |
| |_  | | | | | '_ \ / _` + "`" + ` | / _` + "`" + ` |
|  _| | |_| | | | | | (_| || (_| |
|_|    \__,_| |_| |_|\__,_| \__,_|
`

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	// Parse args
	opts := Opts{}
	_, err := flags.Parse(&opts)
	if err != nil {
		log.WithError(err).Fatal("failed to parse command line arguments")
	}

	if !opts.NoBanner {
		log.Info(banner)
	}

	log.WithFields(log.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("running fundd")

	// Load TOML file
	log.Debugf("loading configuration %q", opts.ConfigPath)
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration file")
	}

	if opts.Debug || cfg.Log.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if cfg.Log.Filename != "" {
		file, err := os.OpenFile(cfg.Log.Filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.WithError(err).Fatal("failed to open log file")
		}
		defer file.Close()
		log.SetOutput(file)
	}

	// Open snapshot database
	storage, err := openStorage(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer storage.Close()

	// Optional Redis snapshot cache
	var snapshots *cache.RedisCache
	if cfg.Cache != nil {
		snapshots, err = cache.NewRedisCache(cfg.Cache)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		defer snapshots.Close()
	}

	// Optional SQS refund event publisher
	var sender *events.Sender
	if cfg.Events != nil {
		sender = events.New(ctx, cfg.Events.QueueURL)
		defer sender.Close()
	}

	notify := func(event model.RefundEvent) {
		if sender != nil {
			sender.Publish(event)
		}
	}

	// The in-process bank mirrors value flows; contributor solvency is the
	// payment rail's problem, so accounts may overdraw.
	bank := treasury.NewOpenBank()

	reg, err := registry.New(bank,
		registry.WithStorage(storage),
		registry.WithRefundNotifier(notify),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to create campaign registry")
	}

	if cfg.Registry.Paused && !reg.Paused() {
		reg.TogglePause()
	}

	if err := reg.Load(ctx); err != nil {
		log.WithError(err).Fatal("failed to load campaigns from database")
	}

	// Run checkpointer on a cron schedule
	checkpointer := NewCheckpointer(reg, storage, cacheOrNil(snapshots))

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(nil)))
	if _, err := c.AddFunc(cfg.Checkpoint.Schedule, func() {
		if err := checkpointer.Flush(ctx); err != nil {
			log.WithError(err).Error("checkpoint failed")
		}
	}); err != nil {
		log.WithError(err).Fatalf("can't schedule checkpointer: %s", cfg.Checkpoint.Schedule)
	}

	group.Go(func() error {
		defer func() {
			log.Info("shutting down cron")
			c.Stop()

			// Final flush so a clean shutdown loses nothing
			if err := checkpointer.Flush(context.Background()); err != nil {
				log.WithError(err).Error("final checkpoint failed")
			}
		}()

		c.Start()

		<-ctx.Done()
		return ctx.Err()
	})

	// Run web server
	srv := NewServer(cfg, handler.New(reg))

	group.Go(func() error {
		log.Infof("running listener at %s", srv.Addr)
		return srv.ListenAndServe()
	})

	group.Go(func() error {
		// Shutdown web server
		defer func() {
			log.Info("shutting down web server")
			if err := srv.Shutdown(ctx); err != nil {
				log.WithError(err).Error("server shutdown failed")
			}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			cancel()
			return nil
		}
	})

	if err := group.Wait(); err != nil && (err != context.Canceled && err != http.ErrServerClosed) {
		log.WithError(err).Error("wait error")
	}

	log.Info("gracefully stopped")
}

func openStorage(cfg *Config) (db.Storage, error) {
	if cfg.Database.Type == databaseTypePostgres {
		return db.NewPG(cfg.Database.PostgresURL, true)
	}

	return db.NewBadger(&cfg.Database)
}

// cacheOrNil keeps the Checkpointer's interface field a real nil when no
// cache is configured (a typed nil pointer would not compare equal to nil).
func cacheOrNil(snapshots *cache.RedisCache) snapshotCache {
	if snapshots == nil {
		return nil
	}
	return snapshots
}
