package cache

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// RobotsCache is a two level robots.txt cache: an in-process map in front of
// the shared memcached client. It satisfies crawler.RobotsCache.
type RobotsCache struct {
	local  *cache.Cache
	remote CachedClient
}

// NewRobotsCache creates the cache. remote may be nil.
func NewRobotsCache(remote CachedClient, ttl time.Duration) *RobotsCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RobotsCache{
		local:  cache.New(ttl, 2*ttl),
		remote: remote,
	}
}

func (rc *RobotsCache) Get(domainRoot string) ([]byte, bool) {
	if v, ok := rc.local.Get(domainRoot); ok {
		return v.([]byte), true
	}
	if rc.remote == nil {
		return nil, false
	}
	body, ok := rc.remote.GetRobots(domainRoot)
	if ok {
		rc.local.SetDefault(domainRoot, body)
	}
	return body, ok
}

func (rc *RobotsCache) Set(domainRoot string, body []byte) {
	rc.local.SetDefault(domainRoot, body)
	if rc.remote != nil {
		rc.remote.SaveRobots(domainRoot, body)
	}
}
