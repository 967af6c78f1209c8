package model

import (
	"fmt"
	"net/url"
	"strings"
)

type AuthenticationType string

const (
	AuthNone   AuthenticationType = "none"
	AuthBasic  AuthenticationType = "basic"
	AuthApiKey AuthenticationType = "api_key"
	AuthBearer AuthenticationType = "bearer"
)

type AuthenticationSettings struct {
	Type         AuthenticationType `json:"type" mapstructure:"type"`
	Username     string             `json:"username,omitempty" mapstructure:"username"`
	Password     string             `json:"password,omitempty" mapstructure:"password"`
	ApiKeyHeader string             `json:"api_key_header,omitempty" mapstructure:"api_key_header"`
	ApiKey       string             `json:"api_key,omitempty" mapstructure:"api_key"`
	BearerToken  string             `json:"bearer_token,omitempty" mapstructure:"bearer_token"`
}

// CrawlSettings bounds a single crawl session.
type CrawlSettings struct {
	StartURL                 string   `json:"start_url" mapstructure:"start_url"`
	UserAgent                string   `json:"user_agent" mapstructure:"user_agent"`
	UseHeadlessBrowser       bool     `json:"use_headless_browser" mapstructure:"use_headless_browser"`
	IgnoreRobotsText         bool     `json:"ignore_robots_text" mapstructure:"ignore_robots_text"`
	IncludeSitemap           bool     `json:"include_sitemap" mapstructure:"include_sitemap"`
	IncludeArchiveSeeds      bool     `json:"include_archive_seeds" mapstructure:"include_archive_seeds"`
	FollowLinks              bool     `json:"follow_links" mapstructure:"follow_links"`
	FollowRedirects          bool     `json:"follow_redirects" mapstructure:"follow_redirects"`
	FollowExternalLinks      bool     `json:"follow_external_links" mapstructure:"follow_external_links"`
	RestrictToChildUrls      bool     `json:"restrict_to_child_urls" mapstructure:"restrict_to_child_urls"`
	RestrictToSameRootDomain bool     `json:"restrict_to_same_root_domain" mapstructure:"restrict_to_same_root_domain"`
	RestrictToSameSubdomain  bool     `json:"restrict_to_same_subdomain" mapstructure:"restrict_to_same_subdomain"`
	AllowedDomains           []string `json:"allowed_domains,omitempty" mapstructure:"allowed_domains"`
	DeniedDomains            []string `json:"denied_domains,omitempty" mapstructure:"denied_domains"`
	ExcludeLinkPatterns      []string `json:"exclude_link_patterns,omitempty" mapstructure:"exclude_link_patterns"`
	MaxCrawlDepth            int      `json:"max_crawl_depth" mapstructure:"max_crawl_depth"`
	MaxParallelTasks         int      `json:"max_parallel_tasks" mapstructure:"max_parallel_tasks"`
	ThrottleMs               int      `json:"throttle_ms" mapstructure:"throttle_ms"`
	CrawlDelayMs             int      `json:"crawl_delay_ms" mapstructure:"crawl_delay_ms"`
}

type Settings struct {
	Crawl          *CrawlSettings          `json:"crawl" mapstructure:"crawl"`
	Authentication *AuthenticationSettings `json:"authentication,omitempty" mapstructure:"authentication"`
}

func DefaultCrawlSettings() *CrawlSettings {
	return &CrawlSettings{
		UserAgent:                "site-crawler",
		IncludeSitemap:           true,
		FollowLinks:              true,
		FollowRedirects:          true,
		FollowExternalLinks:      true,
		RestrictToChildUrls:      true,
		RestrictToSameRootDomain: true,
		MaxCrawlDepth:            5,
		MaxParallelTasks:         8,
		ThrottleMs:               100,
	}
}

func DefaultSettings() *Settings {
	return &Settings{
		Crawl:          DefaultCrawlSettings(),
		Authentication: &AuthenticationSettings{Type: AuthNone},
	}
}

// Validate checks the settings before a session is built. Missing sections
// are filled with defaults.
func (s *Settings) Validate() error {
	if s.Crawl == nil {
		s.Crawl = DefaultCrawlSettings()
	}
	if s.Authentication == nil {
		s.Authentication = &AuthenticationSettings{Type: AuthNone}
	}
	c := s.Crawl

	u, err := url.Parse(strings.TrimSpace(c.StartURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStartURL, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidStartURL, c.StartURL)
	}
	if c.MaxCrawlDepth < 0 {
		return ErrNegativeDepth
	}
	if c.MaxParallelTasks < 1 {
		return ErrInvalidParallelism
	}
	if c.ThrottleMs < 0 {
		return ErrNegativeThrottle
	}
	if c.CrawlDelayMs < 0 {
		return ErrNegativeDelay
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return ErrEmptyUserAgent
	}

	return s.Authentication.Validate()
}

func (a *AuthenticationSettings) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("%w: basic authentication requires a username", ErrInvalidAuthentication)
		}
	case AuthApiKey:
		if a.ApiKeyHeader == "" {
			return fmt.Errorf("%w: api key authentication requires a header name", ErrInvalidAuthentication)
		}
	case AuthBearer:
		if a.BearerToken == "" {
			return fmt.Errorf("%w: bearer authentication requires a token", ErrInvalidAuthentication)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidAuthentication, a.Type)
	}
	return nil
}
