package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/site-crawler/config"
	"github.com/google/uuid"
)

type MetricsProvider struct {
	KafkaConsumerMetrics *KafkaConsumerMetrics
	KafkaProducerMetrics *KafkaProducerMetrics
	AppMetrics           *AppMetrics
	CrawlMetrics         *CrawlMetrics
	Close                func()
}

type KafkaConsumerMetrics struct {
	SuccessfullyReadMsgCnt func(count int64)
	FailedReadMsgCnt       func(count int64)
}

type KafkaProducerMetrics struct {
	SuccessfullySendMsgCnt func(count int64)
	FailedSendMsgCnt       func(count int64)
}

// AppMetrics counts crawl tasks handled by the service.
type AppMetrics struct {
	SuccessfullyProcessedMsgCnt func(count int64)
	FailedProcessedMsgCounter   func(count int64)
	StoredResourceCnt           func(count int64)
	ArchiveSeedCnt              func(count int64)
}

// CrawlMetrics is reported by the crawl engine.
type CrawlMetrics struct {
	ResourceCnt     func(count int64)
	FailedFetchCnt  func(count int64)
	RobotsDeniedCnt func(count int64)
	FilteredLinkCnt func(count int64)
	RedirectCnt     func(count int64)
	ThrottledCnt    func(count int64)
}

func NoopCrawlMetrics() *CrawlMetrics {
	noop := func(int64) {}
	return &CrawlMetrics{
		ResourceCnt:     noop,
		FailedFetchCnt:  noop,
		RobotsDeniedCnt: noop,
		FilteredLinkCnt: noop,
		RedirectCnt:     noop,
		ThrottledCnt:    noop,
	}
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	enabled := cfg.TelemetrySettings != nil && cfg.TelemetrySettings.Enabled
	var meterProvider *sdkmetric.MeterProvider

	if enabled {
		r, err := newResource(cfg)
		if err != nil {
			slog.Error("failed to get resource.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
		if err != nil {
			slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
			os.Exit(1)
		}
		meterProvider = newMeterProvider(exporter, *r)
		otel.SetMeterProvider(meterProvider)
	}

	f := &counterFactory{ctx: ctx, meter: otel.Meter(cfg.ServiceName), enabled: enabled}
	p := &MetricsProvider{
		KafkaConsumerMetrics: &KafkaConsumerMetrics{
			SuccessfullyReadMsgCnt: f.counter("site-crawler.kafka.read.success",
				"The number of crawl requests read from kafka", "{messages}"),
			FailedReadMsgCnt: f.counter("site-crawler.kafka.read.fail",
				"The number of crawl requests that could not be read from kafka", "{messages}"),
		},
		KafkaProducerMetrics: &KafkaProducerMetrics{
			SuccessfullySendMsgCnt: f.counter("site-crawler.kafka.send.success",
				"The number of resource events written to kafka", "{messages}"),
			FailedSendMsgCnt: f.counter("site-crawler.kafka.send.fail",
				"The number of resource events that could not be written to kafka", "{messages}"),
		},
		AppMetrics: &AppMetrics{
			SuccessfullyProcessedMsgCnt: f.counter("site-crawler.tasks.success",
				"The number of crawl tasks that finished", "{tasks}"),
			FailedProcessedMsgCounter: f.counter("site-crawler.tasks.fail",
				"The number of crawl tasks rejected and sent to DLQ", "{tasks}"),
			StoredResourceCnt: f.counter("site-crawler.resources.stored",
				"The number of resources written to s3 and the database", "{resources}"),
			ArchiveSeedCnt: f.counter("site-crawler.archive.seeds",
				"The number of seeds taken from the CommonCrawl index", "{urls}"),
		},
		CrawlMetrics: &CrawlMetrics{
			ResourceCnt: f.counter("site-crawler.crawl.resources",
				"The number of resources produced by crawl sessions", "{resources}"),
			FailedFetchCnt: f.counter("site-crawler.crawl.failed",
				"The number of links that failed during retrieval", "{links}"),
			RobotsDeniedCnt: f.counter("site-crawler.crawl.robots-denied",
				"The number of links denied by robots.txt", "{links}"),
			FilteredLinkCnt: f.counter("site-crawler.crawl.filtered",
				"The number of discovered links rejected by the link policy", "{links}"),
			RedirectCnt: f.counter("site-crawler.crawl.redirects",
				"The number of redirects followed", "{redirects}"),
			ThrottledCnt: f.counter("site-crawler.crawl.throttled",
				"The number of 429 responses received", "{responses}"),
		},
		Close: func() {
			if meterProvider != nil {
				if err := meterProvider.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
				}
			}
		},
	}

	return p
}

type counterFactory struct {
	ctx     context.Context
	meter   metric.Meter
	enabled bool
}

// counter returns a no-op when telemetry is disabled.
func (f *counterFactory) counter(name, description, unit string) func(int64) {
	if !f.enabled {
		return func(int64) {}
	}
	c, err := f.meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		slog.Error("failed to create telemetry counter.", slog.String("name", name),
			slog.String("err", err.Error()))
		os.Exit(1)
	}
	// initialize the metric so dashboards can be set up before the first event
	c.Add(f.ctx, 0)
	return func(count int64) {
		c.Add(f.ctx, count)
	}
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResource, err := ecs.NewResourceDetector().Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	serviceId := uuid.New().String()
	if ecsResource != nil {
		if v, found := ecsResource.Set().Value("container.id"); found {
			serviceId = v.AsString()
		}
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
}
