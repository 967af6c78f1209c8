package model

type CrawlMechanism int

const (
	Curl CrawlMechanism = iota
	HeadlessBrowser
)

func (sm CrawlMechanism) String() string {
	if sm < Curl || sm > HeadlessBrowser {
		return "unknown"
	}
	return [...]string{"curl", "headless browser"}[sm]
}

// QueuedLink is a frontier entry waiting to be retrieved.
type QueuedLink struct {
	URL       string `json:"url"`
	ParentURL string `json:"parent_url,omitempty"`
	Depth     int    `json:"depth"`
}

// CrawlTask is a crawl request received from the broker.
type CrawlTask struct {
	ID       string    `json:"id,omitempty"`
	Settings *Settings `json:"settings"`
}

// ResourceEvent is published for every stored WebResource.
type ResourceEvent struct {
	CrawlID     string `json:"crawl_id"`
	URL         string `json:"url"`
	ParentURL   string `json:"parent_url,omitempty"`
	Depth       int    `json:"depth"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	S3Bucket    string `json:"s3_bucket"`
	S3Key       string `json:"s3_key"`
}
