package cache

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/openfund/fundd/pkg/model"
)

var ErrNotFound = errors.New("not found")

const campaignKeyFormat = "campaign/%s"

// Config represents Redis cache configuration
type Config struct {
	// URL is a redis connection string (redis://...)
	URL string `toml:"url"`
	// TTL is how long campaign documents stay cached
	TTL Duration `toml:"ttl"`
}

// Duration is a TOML friendly duration ("90s", "5m")
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// RedisCache publishes campaign snapshot documents to Redis so external
// readers (dashboards, audits) can poll them without hitting the service.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(config *Config) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		return nil, err
	}

	ttl := config.TTL.Duration
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// SaveCampaign caches a campaign snapshot document.
func (c *RedisCache) SaveCampaign(campaign *model.Campaign) error {
	data, err := msgpack.Marshal(campaign)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize campaign %q", campaign.ID)
	}

	return c.client.Set(c.key(campaign.ID), data, c.ttl).Err()
}

// GetCampaign reads a cached campaign snapshot document.
func (c *RedisCache) GetCampaign(campaignID string) (*model.Campaign, error) {
	data, err := c.client.Get(c.key(campaignID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	campaign := &model.Campaign{}
	if err := msgpack.Unmarshal(data, campaign); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize campaign %q", campaignID)
	}

	return campaign, nil
}

// Invalidate drops cached documents.
func (c *RedisCache) Invalidate(campaignIDs ...string) error {
	keys := make([]string, 0, len(campaignIDs))
	for _, campaignID := range campaignIDs {
		keys = append(keys, c.key(campaignID))
	}

	return c.client.Del(keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(campaignID string) string {
	return fmt.Sprintf(campaignKeyFormat, campaignID)
}
