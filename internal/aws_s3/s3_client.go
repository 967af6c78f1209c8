package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	netUrl "net/url"
	"os"
	"time"

	"github.com/IliaW/site-crawler/config"
	"github.com/IliaW/site-crawler/internal"
	"github.com/IliaW/site-crawler/internal/model"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	jsoniter "github.com/json-iterator/go"
)

const (
	contentObject  = "content"
	metadataObject = "metadata.json"
)

type BucketClient interface {
	WriteResource(crawlID string, wr *model.WebResource) (string, error)
	Bucket() string
}

type S3BucketClient struct {
	client *s3.Client
	cfg    *config.Config
}

// Metadata is the JSON document stored next to the resource body.
type Metadata struct {
	CrawlID       string              `json:"crawl_id"`
	URL           string              `json:"url"`
	ParentURL     string              `json:"parent_url,omitempty"`
	Depth         int                 `json:"depth"`
	Status        int                 `json:"status"`
	ContentType   string              `json:"content_type,omitempty"`
	ContentLength int64               `json:"content_length"`
	ETag          string              `json:"etag,omitempty"`
	MD5           string              `json:"md5,omitempty"`
	SHA1          string              `json:"sha1,omitempty"`
	SHA256        string              `json:"sha256,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty"`
	StoredAt      time.Time           `json:"stored_at"`
}

func NewS3BucketClient(cfg *config.Config) *S3BucketClient {
	slog.Info("connecting to s3...")

	c, err := connect(cfg)
	if err != nil {
		slog.Error("failed to connect to s3.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &S3BucketClient{
		client: c,
		cfg:    cfg,
	}
}

func (bc *S3BucketClient) Bucket() string { return bc.cfg.S3Settings.BucketName }

// WriteResource stores the body and the metadata of wr and returns the key of
// the directory holding both objects.
func (bc *S3BucketClient) WriteResource(crawlID string, wr *model.WebResource) (string, error) {
	dir, err := ResourceKey(bc.cfg.S3Settings.KeyPrefix, crawlID, wr.URL)
	if err != nil {
		slog.Error("failed to build s3 key.", slog.String("url", wr.URL), slog.String("err", err.Error()))
		return "", err
	}
	meta, err := jsoniter.Marshal(NewMetadata(crawlID, wr))
	if err != nil {
		slog.Error("marshaling failed.", slog.String("err", err.Error()))
		return "", err
	}

	if wr.Data != nil {
		if err = bc.put(dir+"/"+contentObject, wr.Data, wr.ContentType); err != nil {
			return "", err
		}
	}
	if err = bc.put(dir+"/"+metadataObject, meta, "application/json"); err != nil {
		return "", err
	}
	slog.Debug("resource saved to s3.", slog.String("key", dir))

	return dir, nil
}

func (bc *S3BucketClient) put(key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: &bc.cfg.S3Settings.BucketName,
		Key:    &key,
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	_, err := bc.client.PutObject(context.Background(), input)
	if err != nil {
		slog.Error("failed to save object to s3.", slog.String("key", key), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// ResourceKey is prefix/host/crawlID/hash(url).
func ResourceKey(prefix, crawlID, rawURL string) (string, error) {
	u, err := netUrl.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	key := fmt.Sprintf("%s/%s/%s", u.Host, crawlID, internal.HashURL(rawURL))
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key, nil
}

func NewMetadata(crawlID string, wr *model.WebResource) *Metadata {
	return &Metadata{
		CrawlID:       crawlID,
		URL:           wr.URL,
		ParentURL:     wr.ParentURL,
		Depth:         wr.Depth,
		Status:        wr.Status,
		ContentType:   wr.ContentType,
		ContentLength: wr.ContentLength(),
		ETag:          wr.ETag,
		MD5:           wr.MD5,
		SHA1:          wr.SHA1,
		SHA256:        wr.SHA256,
		Headers:       wr.Headers,
		StoredAt:      time.Now().UTC(),
	}
}

func connect(cfg *config.Config) (*s3.Client, error) {
	s3Config, err := awsCfg.LoadDefaultConfig(context.Background(), awsCfg.WithRegion(cfg.S3Settings.Region))
	if err != nil {
		slog.Error("failed to load s3 config.", slog.String("err", err.Error()))
		return nil, err
	}

	if cfg.Env == "local" {
		s3Config.BaseEndpoint = &cfg.S3Settings.AwsBaseEndpoint
		s3Config.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
		// LocalStack only supports path style addressing.
		slog.Warn("test configuration for S3")
		return s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		}), nil
	}

	return s3.NewFromConfig(s3Config), nil
}
