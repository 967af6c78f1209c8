package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/IliaW/site-crawler/config"
	"github.com/IliaW/site-crawler/internal/archive"
	"github.com/IliaW/site-crawler/internal/aws_s3"
	"github.com/IliaW/site-crawler/internal/broker"
	cacheClient "github.com/IliaW/site-crawler/internal/cache"
	"github.com/IliaW/site-crawler/internal/crawler"
	"github.com/IliaW/site-crawler/internal/fetcher"
	"github.com/IliaW/site-crawler/internal/logging"
	"github.com/IliaW/site-crawler/internal/model"
	"github.com/IliaW/site-crawler/internal/persistence"
	"github.com/IliaW/site-crawler/internal/server"
	"github.com/IliaW/site-crawler/internal/telemetry"
	"github.com/IliaW/site-crawler/internal/worker"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
)

var (
	cfg          *config.Config
	db           *sql.DB
	s3           aws_s3.BucketClient
	cache        cacheClient.CachedClient
	resourceRepo persistence.ResourceStorage
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg = config.MustLoad()
	setupLogger()
	metrics := telemetry.SetupMetrics(context.Background(), cfg)
	defer metrics.Close()
	db = setupDatabase()
	defer closeDatabase()
	s3 = aws_s3.NewS3BucketClient(cfg)
	cache = cacheClient.NewMemcachedClient(cfg.CacheSettings)
	defer cache.Close()
	robotsCache := cacheClient.NewRobotsCache(cache, cfg.CacheSettings.TtlForRobots)
	seeds := archive.NewCommonCrawlSeeds(cfg.ArchiveSettings, metrics.AppMetrics.ArchiveSeedCnt)
	resourceRepo = persistence.NewResourceRepository(db)
	crawlMechanism := model.CrawlMechanism(cfg.WorkerSettings.CrawlMechanism)
	kafkaDLQ := broker.NewKafkaDLQ(metrics.KafkaProducerMetrics, cfg.KafkaSettings.Producer)
	defer kafkaDLQ.Close()

	transport := fetcher.NewCollyTransport(getHttpTransport(), cfg.HttpClientSettings.RequestTimeout,
		cfg.WorkerSettings.UserAgent)
	// the browser is started on first use
	renderer := fetcher.NewBrowserRenderer(cfg.HttpClientSettings.RequestTimeout, cfg.WorkerSettings.MaxBrowserTabs,
		cfg.WorkerSettings.UserAgent)
	defer renderer.Close()
	slog.Info("starting application on port "+cfg.Port, slog.String("env", cfg.Env),
		slog.String("crawl mechanism", crawlMechanism.String()))

	threadNum := parallelWorkers()
	taskChan := make(chan []byte, threadNum*2)
	eventChan := make(chan *model.ResourceEvent, threadNum*16)

	kafkaWg := &sync.WaitGroup{}
	kafkaWg.Add(1)
	kafkaConsumer := broker.NewKafkaConsumer(taskChan, metrics.KafkaConsumerMetrics,
		cfg.KafkaSettings.Consumer, kafkaWg)
	go kafkaConsumer.Run(ctx)

	workerWg := &sync.WaitGroup{}
	crawlWorker := &worker.CrawlWorker{
		TaskChan:     taskChan,
		EventChan:    eventChan,
		Cfg:          cfg,
		Db:           resourceRepo,
		S3:           s3,
		Cache:        cache,
		RobotsCache:  robotsCache,
		Seeds:        seeds,
		Transport:    transport,
		Renderer:     renderer,
		Wg:           workerWg,
		KafkaDLQ:     kafkaDLQ,
		Metrics:      metrics.AppMetrics,
		CrawlMetrics: metrics.CrawlMetrics,
	}

	for i := 0; i < threadNum; i++ {
		workerWg.Add(1)
		go crawlWorker.Run(ctx)
	}

	kafkaWg.Add(1)
	kafkaProducer := broker.NewKafkaProducer(eventChan, metrics.KafkaProducerMetrics,
		cfg.KafkaSettings.Producer, kafkaWg)
	go kafkaProducer.Run()

	httpServer := startHttpServer(server.New(cfg, func() []crawler.Option {
		return []crawler.Option{
			crawler.WithTransport(transport),
			crawler.WithRenderer(renderer),
			crawler.WithRobotsCache(robotsCache),
			crawler.WithSeedSource(seeds),
			crawler.WithMetrics(metrics.CrawlMetrics),
		}
	}))

	// Graceful shutdown.
	// 1. Stop Kafka Consumer by system call. Close taskChan
	// 2. Wait till all Workers finished their crawl sessions. Close eventChan
	// 3. Wait till Producer writes all events to Kafka. Stop Kafka Producer
	// 4. Stop the http server, close database and memcached connections
	<-ctx.Done()
	slog.Info("stopping server...")
	workerWg.Wait()
	close(eventChan)
	slog.Info("close eventChan.")
	kafkaWg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to stop http server.", slog.String("err", err.Error()))
	}
	slog.Info("server stopped.")
}

func setupLogger() *slog.Logger {
	envLogLevel := strings.ToLower(cfg.LogLevel)
	var slogLevel slog.Level
	err := slogLevel.UnmarshalText([]byte(envLogLevel))
	if err != nil {
		log.Printf("encountenred log level: '%s'. The package does not support custom log levels", envLogLevel)
		slogLevel = slog.LevelDebug
	}
	log.Printf("slog level overwritten to '%v'", slogLevel)
	slog.SetLogLoggerLevel(slogLevel)

	replaceAttrs := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	var handler slog.Handler
	if strings.ToLower(cfg.LogType) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			AddSource:   true,
			Level:       slogLevel,
			ReplaceAttr: replaceAttrs,
			NoColor:     cfg.Env != "local"})
	}
	logger := slog.New(logging.Redact(handler))

	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")

	return logger
}

func setupDatabase() *sql.DB {
	slog.Info("connecting to the database...")
	connStr := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.DbSettings.User,
		cfg.DbSettings.Password,
		cfg.DbSettings.Host,
		cfg.DbSettings.Port,
		cfg.DbSettings.Name,
	)
	database, err := sql.Open("postgres", connStr)
	if err != nil {
		slog.Error("failed to establish database connection.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	database.SetConnMaxLifetime(cfg.DbSettings.ConnMaxLifetime)
	database.SetMaxOpenConns(cfg.DbSettings.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DbSettings.MaxIdleConns)

	maxRetry := 6
	for i := 1; i <= maxRetry; i++ {
		slog.Info("ping the database.", slog.String("attempt", fmt.Sprintf("%d/%d", i, maxRetry)))
		pingErr := database.Ping()
		if pingErr != nil {
			slog.Error("not responding.", slog.String("err", pingErr.Error()))
			if i == maxRetry {
				slog.Error("failed to establish database connection.")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("wait %d seconds", 5*i))
			time.Sleep(time.Duration(5*i) * time.Second)
		} else {
			break
		}
	}
	slog.Info("connected to the database!")

	return database
}

func closeDatabase() {
	slog.Info("closing database connection.")
	err := db.Close()
	if err != nil {
		slog.Error("failed to close database connection.", slog.String("err", err.Error()))
	}
}

// Set -1 to use all available CPUs
func parallelWorkers() int {
	customNumCPU := cfg.WorkerSettings.WorkersNum
	if customNumCPU == -1 {
		return runtime.NumCPU()
	}
	if customNumCPU <= 0 {
		slog.Error("workers number is 0 or less than -1")
		os.Exit(1)
	}

	return customNumCPU
}

// startHttpServer serves the crawl stream, /ping and pprof.
func startHttpServer(h http.Handler) *http.Server {
	http.Handle("/", h)
	srv := &http.Server{Addr: ":" + cfg.Port}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.String("err", err.Error()))
		}
	}()
	return srv
}

func getHttpTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.HttpClientSettings.MaxIdleConnections,
		MaxIdleConnsPerHost: cfg.HttpClientSettings.MaxIdleConnectionsPerHost,
		MaxConnsPerHost:     cfg.HttpClientSettings.MaxConnectionsPerHost,
		IdleConnTimeout:     cfg.HttpClientSettings.IdleConnectionTimeout,
		TLSHandshakeTimeout: cfg.HttpClientSettings.TlsHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HttpClientSettings.DialTimeout,
			KeepAlive: cfg.HttpClientSettings.DialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.HttpClientSettings.TlsInsecureSkipVerify,
		},
	}
}
