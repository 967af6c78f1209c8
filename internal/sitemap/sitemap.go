// Package sitemap reads sitemaps.org XML documents.
package sitemap

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
)

// ErrIndex is returned by Parse when the document is a sitemap index.
var ErrIndex = errors.New("document is a sitemap index")

type URL struct {
	Location        string
	LastModified    *time.Time
	ChangeFrequency string
	Priority        *float64
	Images          []Image
	Videos          []Video
}

// Image is an image:image extension entry.
type Image struct {
	Location    string
	Caption     string
	GeoLocation string
	Title       string
	License     string
}

// Video is a video:video extension entry. Values that fail to parse are
// left nil.
type Video struct {
	ThumbnailLocation string
	Title             string
	Description       string
	ContentLocation   string
	PlayerLocation    string
	Duration          *int
	ExpirationDate    *time.Time
	Rating            *float64
	ViewCount         *int
	PublicationDate   *time.Time
	Tags              []string
	Category          string
}

type URLSet struct {
	URLs []URL
}

// Locations returns the non-empty loc values in document order.
func (s *URLSet) Locations() []string {
	locs := make([]string, 0, len(s.URLs))
	for _, u := range s.URLs {
		if u.Location != "" {
			locs = append(locs, u.Location)
		}
	}
	return locs
}

var lastModLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02"}

// Parse reads a urlset document. Namespaces are matched by local name only.
func Parse(body []byte) (*URLSet, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	if IsIndex(doc) {
		return nil, ErrIndex
	}

	set := &URLSet{}
	for _, n := range xmlquery.Find(doc, "//*[local-name()='urlset']/*[local-name()='url']") {
		u := URL{
			Location:        childText(n, "loc"),
			ChangeFrequency: childText(n, "changefreq"),
		}
		u.LastModified = parseTime(childText(n, "lastmod"))
		if v := childText(n, "priority"); v != "" {
			if p, err := strconv.ParseFloat(v, 64); err == nil {
				u.Priority = &p
			}
		}
		for _, img := range xmlquery.Find(n, "./*[local-name()='image']") {
			if loc := childText(img, "loc"); loc != "" {
				u.Images = append(u.Images, Image{
					Location:    loc,
					Caption:     childText(img, "caption"),
					GeoLocation: childText(img, "geo_location"),
					Title:       childText(img, "title"),
					License:     childText(img, "license"),
				})
			}
		}
		for _, v := range xmlquery.Find(n, "./*[local-name()='video']") {
			u.Videos = append(u.Videos, parseVideo(v))
		}
		set.URLs = append(set.URLs, u)
	}

	return set, nil
}

// ParseIndex returns the child sitemap locations of a sitemap index.
func ParseIndex(body []byte) ([]string, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap index: %w", err)
	}
	var locs []string
	for _, n := range xmlquery.Find(doc, "//*[local-name()='sitemapindex']/*[local-name()='sitemap']") {
		if loc := childText(n, "loc"); loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs, nil
}

func parseVideo(n *xmlquery.Node) Video {
	v := Video{
		ThumbnailLocation: childText(n, "thumbnail_loc"),
		Title:             childText(n, "title"),
		Description:       childText(n, "description"),
		ContentLocation:   childText(n, "content_loc"),
		PlayerLocation:    childText(n, "player_loc"),
		Duration:          parseInt(childText(n, "duration")),
		ExpirationDate:    parseTime(childText(n, "expiration_date")),
		ViewCount:         parseInt(childText(n, "view_count")),
		PublicationDate:   parseTime(childText(n, "publication_date")),
		Category:          childText(n, "category"),
	}
	if r, err := strconv.ParseFloat(childText(n, "rating"), 64); err == nil {
		v.Rating = &r
	}
	for _, tag := range xmlquery.Find(n, "./*[local-name()='tag']") {
		if t := strings.TrimSpace(tag.InnerText()); t != "" {
			v.Tags = append(v.Tags, t)
		}
	}
	return v
}

func parseInt(s string) *int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &i
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func IsIndex(doc *xmlquery.Node) bool {
	return xmlquery.FindOne(doc, "/*[local-name()='sitemapindex']") != nil
}

func childText(n *xmlquery.Node, name string) string {
	c := xmlquery.FindOne(n, "./*[local-name()='"+name+"']")
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.InnerText())
}
