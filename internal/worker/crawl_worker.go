package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IliaW/site-crawler/config"
	"github.com/IliaW/site-crawler/internal/aws_s3"
	"github.com/IliaW/site-crawler/internal/cache"
	"github.com/IliaW/site-crawler/internal/crawler"
	"github.com/IliaW/site-crawler/internal/fetcher"
	"github.com/IliaW/site-crawler/internal/model"
	"github.com/IliaW/site-crawler/internal/persistence"
	"github.com/IliaW/site-crawler/internal/telemetry"
	jsoniter "github.com/json-iterator/go"
)

var errEmptyTask = errors.New("crawl task has no settings")

// DeadLetterQueue receives tasks the worker cannot run.
type DeadLetterQueue interface {
	SendToDLQ(key string, value []byte, reason error)
}

// CrawlWorker runs one crawl session per task and stores every resource the
// session streams.
type CrawlWorker struct {
	TaskChan     <-chan []byte
	EventChan    chan<- *model.ResourceEvent
	Cfg          *config.Config
	Db           persistence.ResourceStorage
	S3           aws_s3.BucketClient
	Cache        cache.CachedClient
	RobotsCache  crawler.RobotsCache
	Seeds        crawler.SeedSource
	Transport    fetcher.Transport
	Renderer     fetcher.Renderer
	Wg           *sync.WaitGroup
	KafkaDLQ     DeadLetterQueue
	Metrics      *telemetry.AppMetrics
	CrawlMetrics *telemetry.CrawlMetrics
}

func (w *CrawlWorker) Run(ctx context.Context) {
	defer w.Wg.Done()
	slog.Debug("starting crawl worker.")

	for value := range w.TaskChan {
		task, c, err := w.newSession(value)
		if err != nil {
			slog.Error("failed to start crawl task.", slog.String("err", err.Error()))
			w.KafkaDLQ.SendToDLQ(taskKey(task), value, err)
			w.Metrics.FailedProcessedMsgCounter(1)
			continue
		}
		w.crawl(ctx, task, c)
	}
}

// DecodeTask reads a crawl task and completes its settings with the
// configured defaults.
func DecodeTask(value []byte, cfg *config.Config) (*model.CrawlTask, error) {
	task := model.CrawlTask{Settings: cfg.TaskSettings(nil)}
	if err := jsoniter.Unmarshal(value, &task); err != nil {
		return nil, fmt.Errorf("unmarshal crawl task: %w", err)
	}
	if task.Settings == nil || task.Settings.Crawl == nil || task.Settings.Crawl.StartURL == "" {
		return &task, errEmptyTask
	}
	task.Settings = cfg.TaskSettings(task.Settings)
	if model.CrawlMechanism(cfg.WorkerSettings.CrawlMechanism) == model.HeadlessBrowser {
		task.Settings.Crawl.UseHeadlessBrowser = true
	}
	return &task, nil
}

func (w *CrawlWorker) newSession(value []byte) (*model.CrawlTask, *crawler.Crawler, error) {
	task, err := DecodeTask(value, w.Cfg)
	if err != nil {
		return task, nil, err
	}

	opts := []crawler.Option{
		crawler.WithMetrics(w.CrawlMetrics),
		crawler.WithLogger(slog.Default().With(slog.String("task_id", task.ID))),
	}
	if w.Transport != nil {
		opts = append(opts, crawler.WithTransport(w.Transport))
	}
	if w.Renderer != nil {
		opts = append(opts, crawler.WithRenderer(w.Renderer))
	}
	if w.RobotsCache != nil {
		opts = append(opts, crawler.WithRobotsCache(w.RobotsCache))
	}
	if w.Seeds != nil {
		opts = append(opts, crawler.WithSeedSource(w.Seeds))
	}
	c, err := crawler.New(task.Settings, opts...)
	if err != nil {
		return task, nil, err
	}
	if task.ID == "" {
		task.ID = c.ID
	}
	return task, c, nil
}

func (w *CrawlWorker) crawl(ctx context.Context, task *model.CrawlTask, c *crawler.Crawler) {
	startTime := time.Now()
	slog.Info("crawl task started.", slog.String("task_id", task.ID), slog.String("start_url", c.StartURL()))

	stored, failed := 0, 0
	for wr := range c.Crawl(ctx) {
		if err := w.store(task.ID, wr); err != nil {
			failed++
			continue
		}
		stored++
	}

	slog.Info("crawl task finished.", slog.String("task_id", task.ID), slog.Int("stored", stored),
		slog.Int("failed", failed), slog.Int64("duration_ms", time.Since(startTime).Milliseconds()))
	w.Metrics.SuccessfullyProcessedMsgCnt(1)
}

func (w *CrawlWorker) store(crawlID string, wr *model.WebResource) error {
	slog.Debug("saving resource.", slog.String("url", wr.URL), slog.Int("status", wr.Status),
		slog.Int("depth", wr.Depth), slog.String("content_type", wr.ContentType))

	s3Key, err := w.S3.WriteResource(crawlID, wr)
	if err != nil {
		slog.Error("failed to save resource to s3.", slog.String("url", wr.URL))
		return err
	}
	if err = w.Db.Save(crawlID, wr, s3Key); err != nil {
		return err
	}
	w.Cache.MarkCrawled(wr.URL)
	w.Metrics.StoredResourceCnt(1)

	w.EventChan <- &model.ResourceEvent{
		CrawlID:     crawlID,
		URL:         wr.URL,
		ParentURL:   wr.ParentURL,
		Depth:       wr.Depth,
		Status:      wr.Status,
		ContentType: wr.ContentType,
		SHA256:      wr.SHA256,
		S3Bucket:    w.S3.Bucket(),
		S3Key:       s3Key,
	}
	return nil
}

func taskKey(task *model.CrawlTask) string {
	if task == nil {
		return ""
	}
	if task.ID != "" {
		return task.ID
	}
	if task.Settings != nil && task.Settings.Crawl != nil {
		return task.Settings.Crawl.StartURL
	}
	return ""
}
