package cache

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/IliaW/site-crawler/config"
	"github.com/IliaW/site-crawler/internal"
	"github.com/bradfitz/gomemcache/memcache"
	jsoniter "github.com/json-iterator/go"
)

type CachedClient interface {
	GetRobots(domainRoot string) ([]byte, bool)
	SaveRobots(domainRoot string, body []byte)
	MarkCrawled(url string)
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
}

func NewMemcachedClient(cacheConfig *config.CacheConfig) *MemcachedClient {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cacheConfig.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
	}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

// GetRobots returns the stored robots.txt body of a domain root. A nil body
// with true means the site has no usable robots.txt.
func (mc *MemcachedClient) GetRobots(domainRoot string) ([]byte, bool) {
	key := robotsKey(domainRoot)
	item, err := mc.client.Get(key)
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			slog.Warn("failed to read robots.txt from cache.", slog.String("key", key),
				slog.String("err", err.Error()))
		}
		return nil, false
	}
	var body []byte
	if err = jsoniter.Unmarshal(item.Value, &body); err != nil {
		slog.Warn("failed to decode cached robots.txt.", slog.String("key", key), slog.String("err", err.Error()))
		return nil, false
	}

	return body, true
}

func (mc *MemcachedClient) SaveRobots(domainRoot string, body []byte) {
	key := robotsKey(domainRoot)
	if err := mc.set(key, body, mc.cfg.TtlForRobots); err != nil {
		slog.Error("failed to save robots.txt to cache.", slog.String("key", key),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("robots.txt saved to cache.", slog.String("key", key), slog.String("domain", domainRoot))
}

// MarkCrawled records that a URL was stored during the page TTL.
func (mc *MemcachedClient) MarkCrawled(url string) {
	key := internal.HashURL(url)
	if err := mc.set(key, "1", mc.cfg.TtlForPage); err != nil {
		slog.Error("failed to mark url as crawled.", slog.String("key", key),
			slog.String("err", err.Error()))
		return
	}
	slog.Debug("url marked as crawled.", slog.String("key", key), slog.String("url", url))
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

func (mc *MemcachedClient) set(key string, value any, ttl time.Duration) error {
	byteValue, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}
	item := &memcache.Item{
		Key:        key,
		Value:      byteValue,
		Expiration: int32(ttl.Seconds()),
	}

	return mc.client.Set(item)
}

func robotsKey(domainRoot string) string {
	return internal.HashURL(domainRoot) + "-robots"
}
