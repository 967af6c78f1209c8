package persistence

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/IliaW/site-crawler/internal"
	"github.com/IliaW/site-crawler/internal/model"
)

type ResourceStorage interface {
	Save(crawlID string, wr *model.WebResource, s3Key string) error
}

type ResourceRepository struct {
	db *sql.DB
}

func NewResourceRepository(db *sql.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

const upsertResource = `INSERT INTO web_crawler.resource_metadata
    (url_hash, crawl_id, url, parent_url, depth, status_code, content_type, content_length,
     e_tag, md5, sha1, sha256, s3_key, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (url_hash) DO UPDATE
	SET crawl_id = EXCLUDED.crawl_id,
	    parent_url = EXCLUDED.parent_url,
	    depth = EXCLUDED.depth,
		status_code = EXCLUDED.status_code,
		content_type = EXCLUDED.content_type,
		content_length = EXCLUDED.content_length,
		e_tag = EXCLUDED.e_tag,
		md5 = EXCLUDED.md5,
		sha1 = EXCLUDED.sha1,
		sha256 = EXCLUDED.sha256,
		s3_key = EXCLUDED.s3_key,
		timestamp = EXCLUDED.timestamp;`

func (rr *ResourceRepository) Save(crawlID string, wr *model.WebResource, s3Key string) error {
	_, err := rr.db.Exec(upsertResource,
		internal.HashURL(wr.URL),
		crawlID,
		wr.URL,
		wr.ParentURL,
		wr.Depth,
		wr.Status,
		wr.ContentType,
		wr.ContentLength(),
		wr.ETag,
		wr.MD5,
		wr.SHA1,
		wr.SHA256,
		s3Key,
		time.Now().UTC())
	if err != nil {
		slog.Error("failed to save resource metadata to database.", slog.String("url", wr.URL),
			slog.String("err", err.Error()))
		return err
	}
	slog.Debug("resource metadata saved to db.", slog.String("url", wr.URL))
	return nil
}
