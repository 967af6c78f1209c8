package model

import "errors"

var (
	// ErrInvalidStartURL is returned when the start URL is not an absolute http(s) URL.
	ErrInvalidStartURL = errors.New("start url must be an absolute http or https url")
	// ErrNegativeDepth is returned when the max crawl depth is negative.
	ErrNegativeDepth = errors.New("max crawl depth must not be negative")
	// ErrInvalidParallelism is returned when fewer than one parallel task is configured.
	ErrInvalidParallelism = errors.New("max parallel tasks must be at least 1")
	// ErrNegativeThrottle is returned when the 429 throttle delay is negative.
	ErrNegativeThrottle = errors.New("throttle delay must not be negative")
	// ErrNegativeDelay is returned when the crawl delay is negative.
	ErrNegativeDelay = errors.New("crawl delay must not be negative")
	// ErrEmptyUserAgent is returned when no user agent is configured.
	ErrEmptyUserAgent = errors.New("user agent must not be empty")
	// ErrInvalidAuthentication is returned when the authentication settings are incomplete.
	ErrInvalidAuthentication = errors.New("invalid authentication settings")
)
