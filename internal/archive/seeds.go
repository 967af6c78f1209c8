package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netUrl "net/url"
	"sync"
	"time"

	"github.com/IliaW/site-crawler/config"
	"github.com/IliaW/site-crawler/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/karust/gogetcrawl/common"
	"github.com/karust/gogetcrawl/commoncrawl"
	"github.com/patrickmn/go-cache"
)

const indexListUrl = "https://index.commoncrawl.org/collinfo.json"

type Index struct {
	Id       string `json:"id"`
	Name     string `json:"name"`
	Timegate string `json:"timegate"`
	CdxAPI   string `json:"cdx-api"`
}

// CommonCrawlSeeds turns CommonCrawl index captures of a host into extra
// depth-zero links. It satisfies crawler.SeedSource.
type CommonCrawlSeeds struct {
	crawler    *commoncrawl.CommonCrawl
	cfg        *config.ArchiveConfig
	localCache *cache.Cache
	onSeeds    func(count int64)
	mu         sync.Mutex
}

// NewCommonCrawlSeeds has small request limitations on the index side.
func NewCommonCrawlSeeds(cfg *config.ArchiveConfig, onSeeds func(count int64)) *CommonCrawlSeeds {
	c, err := commoncrawl.New(cfg.RequestTimeout, cfg.Retries)
	if err != nil {
		slog.Error("failed to create common crawl client", slog.String("err", err.Error()))
	}
	if onSeeds == nil {
		onSeeds = func(int64) {}
	}
	return &CommonCrawlSeeds{
		crawler:    c,
		cfg:        cfg,
		localCache: cache.New(72*time.Hour, 72*time.Hour), // indexes are published monthly
		onSeeds:    onSeeds,
	}
}

func (s *CommonCrawlSeeds) Seeds(ctx context.Context, startURL string) ([]model.QueuedLink, error) {
	u, err := netUrl.Parse(startURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid start url %q", startURL)
	}
	cc, err := s.client()
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	indexList, err := s.getIndexes(cc)
	if err != nil {
		return nil, err
	}
	requestCfg := common.RequestConfig{
		URL:     u.Host + "/*",
		Filters: []string{"statuscode:200"},
	}

	seen := make(map[string]struct{})
	var links []model.QueuedLink
	for i := 0; i < s.cfg.LastCrawlIndexes && i < len(indexList); i++ {
		if ctx.Err() != nil {
			return links, ctx.Err()
		}
		pages, err := cc.GetPagesIndex(requestCfg, indexList[i].Id)
		if err != nil {
			slog.Warn("failed to query common crawl index.", slog.String("index", indexList[i].Id),
				slog.String("err", err.Error()))
			continue
		}
		originals := make([]string, 0, len(pages))
		for _, p := range pages {
			originals = append(originals, p.Original)
		}
		links = appendSeeds(links, seen, originals, indexList[i].Id, s.cfg.MaxSeeds)
		if s.cfg.MaxSeeds > 0 && len(links) >= s.cfg.MaxSeeds {
			break
		}
	}
	s.onSeeds(int64(len(links)))
	slog.Info("archive seeds loaded.", slog.String("host", u.Host), slog.Int("count", len(links)),
		slog.Int64("duration_ms", time.Since(startTime).Milliseconds()))

	return links, nil
}

// client connects lazily because the index may refuse connections at startup.
func (s *CommonCrawlSeeds) client() (*commoncrawl.CommonCrawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crawler != nil {
		return s.crawler, nil
	}
	slog.Info("connection retry to common crawl.")
	c, err := commoncrawl.New(s.cfg.RequestTimeout, s.cfg.Retries)
	if err != nil {
		return nil, errors.New(fmt.Sprintf("connection to common crawl failed: %v", err.Error()))
	}
	s.crawler = c
	return c, nil
}

func (s *CommonCrawlSeeds) getIndexes(cc *commoncrawl.CommonCrawl) ([]Index, error) {
	if i, ok := s.localCache.Get("indexes"); ok {
		return i.([]Index), nil
	}

	response, err := common.Get(indexListUrl, cc.MaxTimeout, cc.MaxRetries)
	if err != nil {
		return nil, err
	}

	indexes, err := parseIndexes(response)
	if err != nil {
		return nil, err
	}
	s.localCache.Set("indexes", indexes, cache.DefaultExpiration)

	return indexes, nil
}

func parseIndexes(body []byte) ([]Index, error) {
	var indexes []Index
	if err := jsoniter.Unmarshal(body, &indexes); err != nil {
		return nil, err
	}
	return indexes, nil
}

// appendSeeds adds unseen originals up to limit. A limit of zero means no limit.
func appendSeeds(links []model.QueuedLink, seen map[string]struct{}, originals []string, indexID string,
	limit int) []model.QueuedLink {
	for _, o := range originals {
		if limit > 0 && len(links) >= limit {
			break
		}
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		links = append(links, model.QueuedLink{URL: o, ParentURL: indexID})
	}
	return links
}
