package config

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/IliaW/site-crawler/internal/model"
	"github.com/spf13/viper"
)

type Config struct {
	Env                string               `mapstructure:"env"`
	LogLevel           string               `mapstructure:"log_level"`
	LogType            string               `mapstructure:"log_type"`
	ServiceName        string               `mapstructure:"service_name"`
	Port               string               `mapstructure:"port"`
	Version            string               `mapstructure:"version"`
	WorkerSettings     *WorkerConfig        `mapstructure:"worker"`
	CrawlSettings      *model.CrawlSettings `mapstructure:"crawl"`
	CacheSettings      *CacheConfig         `mapstructure:"cache"`
	DbSettings         *DatabaseConfig      `mapstructure:"database"`
	KafkaSettings      *KafkaConfig         `mapstructure:"kafka"`
	S3Settings         *S3Config            `mapstructure:"s3"`
	ArchiveSettings    *ArchiveConfig       `mapstructure:"archive"`
	TelemetrySettings  *TelemetryConfig     `mapstructure:"telemetry"`
	HttpClientSettings *HttpClientConfig    `mapstructure:"http_client"`
}

type WorkerConfig struct {
	WorkersNum     int    `mapstructure:"workers_num"`
	CrawlMechanism int    `mapstructure:"crawl_mechanism"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBrowserTabs int    `mapstructure:"max_browser_tabs"`
}

type CacheConfig struct {
	Servers      []string      `mapstructure:"servers"`
	TtlForPage   time.Duration `mapstructure:"ttl_for_page"`
	TtlForRobots time.Duration `mapstructure:"ttl_for_robots"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr                []string      `mapstructure:"addr"`
	WriteTopicName      string        `mapstructure:"write_topic_name"`
	DeadLetterTopicName string        `mapstructure:"dlq_topic_name"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchTimeout        time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	RequiredAsks        int           `mapstructure:"required_acks"`
	Async               bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	ReadTopicName    string        `mapstructure:"read_topic_name"`
	Brokers          []string      `mapstructure:"brokers"`
	GroupID          string        `mapstructure:"group_id"`
	MaxWait          time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout time.Duration `mapstructure:"read_batch_timeout"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	CommitInterval   time.Duration `mapstructure:"commit_interval"`
}

type S3Config struct {
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

// ArchiveConfig configures CommonCrawl index seeds.
type ArchiveConfig struct {
	RequestTimeout   int `mapstructure:"request_timeout"`
	Retries          int `mapstructure:"retries"`
	LastCrawlIndexes int `mapstructure:"last_crawl_indexes"`
	MaxSeeds         int `mapstructure:"max_seeds"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CollectorUrl string `mapstructure:"collector_url"`
}

type HttpClientConfig struct {
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`
	MaxIdleConnections        int           `mapstructure:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host"`
	MaxConnectionsPerHost     int           `mapstructure:"max_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout"`
	DialKeepAlive             time.Duration `mapstructure:"dial_keep_alive"`
	TlsInsecureSkipVerify     bool          `mapstructure:"tls_insecure_skip_verify"`
}

func MustLoad() *Config {
	cfg, err := Load(path.Join("."))
	if err != nil {
		slog.Error("can't initialize config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return cfg
}

// Load reads config.{yaml,json,toml} from dir. Environment variables override
// file values, with '.' in keys replaced by '_'.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// TaskSettings completes the settings of an incoming crawl request with the
// configured crawl defaults.
func (c *Config) TaskSettings(s *model.Settings) *model.Settings {
	if s == nil {
		s = &model.Settings{}
	}
	if s.Crawl == nil {
		defaults := *c.CrawlSettings
		s.Crawl = &defaults
	}
	if s.Crawl.UserAgent == "" {
		s.Crawl.UserAgent = c.WorkerSettings.UserAgent
	}
	return s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_type", "text")
	v.SetDefault("service_name", "site-crawler")
	v.SetDefault("port", "8080")
	v.SetDefault("worker.workers_num", 2)
	v.SetDefault("worker.max_browser_tabs", 4)

	d := model.DefaultCrawlSettings()
	v.SetDefault("worker.user_agent", d.UserAgent)
	v.SetDefault("crawl.user_agent", d.UserAgent)
	v.SetDefault("crawl.include_sitemap", d.IncludeSitemap)
	v.SetDefault("crawl.follow_links", d.FollowLinks)
	v.SetDefault("crawl.follow_redirects", d.FollowRedirects)
	v.SetDefault("crawl.follow_external_links", d.FollowExternalLinks)
	v.SetDefault("crawl.restrict_to_child_urls", d.RestrictToChildUrls)
	v.SetDefault("crawl.restrict_to_same_root_domain", d.RestrictToSameRootDomain)
	v.SetDefault("crawl.max_crawl_depth", d.MaxCrawlDepth)
	v.SetDefault("crawl.max_parallel_tasks", d.MaxParallelTasks)
	v.SetDefault("crawl.throttle_ms", d.ThrottleMs)

	v.SetDefault("cache.ttl_for_page", 24*time.Hour)
	v.SetDefault("cache.ttl_for_robots", time.Hour)
	v.SetDefault("archive.request_timeout", 30)
	v.SetDefault("archive.retries", 3)
	v.SetDefault("archive.last_crawl_indexes", 1)
	v.SetDefault("archive.max_seeds", 100)
	v.SetDefault("http_client.request_timeout", 30*time.Second)
}
