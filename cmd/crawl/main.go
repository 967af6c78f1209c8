// Command crawl runs a single crawl session and prints one JSON line per
// resource.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IliaW/site-crawler/internal/crawler"
	"github.com/IliaW/site-crawler/internal/logging"
	"github.com/IliaW/site-crawler/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	settings *model.Settings
	withData bool
	verbose  bool
}

func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	o := &options{settings: model.DefaultSettings()}
	cs := o.settings.Crawl
	auth := o.settings.Authentication

	cmd := &cobra.Command{
		Use:           "crawl [URL]",
		Short:         "Crawl a site breadth first and print every resource as JSON",
		Args:          cobra.ExactArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cs.StartURL = args[0]
			return run(cmd.Context(), o, out, errOut)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cs.UserAgent, "user-agent", cs.UserAgent, "User-Agent header and robots.txt agent")
	f.BoolVar(&cs.UseHeadlessBrowser, "browser", cs.UseHeadlessBrowser, "render navigable pages with headless chrome")
	f.BoolVar(&cs.IgnoreRobotsText, "ignore-robots", cs.IgnoreRobotsText, "do not read robots.txt")
	f.BoolVar(&cs.IncludeSitemap, "sitemap", cs.IncludeSitemap, "seed from sitemap.xml")
	f.BoolVar(&cs.FollowLinks, "follow-links", cs.FollowLinks, "follow links found in pages")
	f.BoolVar(&cs.FollowRedirects, "follow-redirects", cs.FollowRedirects, "follow 3xx responses")
	f.BoolVar(&cs.FollowExternalLinks, "external", cs.FollowExternalLinks, "follow links to other hosts")
	f.BoolVar(&cs.RestrictToChildUrls, "child-only", cs.RestrictToChildUrls, "only follow links below the start directory")
	f.BoolVar(&cs.RestrictToSameRootDomain, "same-root-domain", cs.RestrictToSameRootDomain, "only follow links within the root domain")
	f.BoolVar(&cs.RestrictToSameSubdomain, "same-subdomain", cs.RestrictToSameSubdomain, "only follow links on the start host")
	f.StringSliceVar(&cs.AllowedDomains, "allow", nil, "allowed hosts")
	f.StringSliceVar(&cs.DeniedDomains, "deny", nil, "denied hosts")
	f.StringSliceVar(&cs.ExcludeLinkPatterns, "exclude", nil, "regular expressions of links to skip")
	f.IntVar(&cs.MaxCrawlDepth, "depth", cs.MaxCrawlDepth, "maximum link depth")
	f.IntVar(&cs.MaxParallelTasks, "parallel", cs.MaxParallelTasks, "maximum concurrent retrievals")
	f.IntVar(&cs.ThrottleMs, "throttle-ms", cs.ThrottleMs, "pause after a 429 response")
	f.IntVar(&cs.CrawlDelayMs, "delay-ms", cs.CrawlDelayMs, "pause before every fetch")

	authType := f.String("auth", string(model.AuthNone), "authentication: none, basic, api_key or bearer")
	f.StringVar(&auth.Username, "username", "", "basic auth username")
	f.StringVar(&auth.Password, "password", "", "basic auth password")
	f.StringVar(&auth.ApiKeyHeader, "api-key-header", "", "api key header name")
	f.StringVar(&auth.ApiKey, "api-key", "", "api key value")
	f.StringVar(&auth.BearerToken, "token", "", "bearer token")
	cmd.PreRun = func(*cobra.Command, []string) {
		auth.Type = model.AuthenticationType(*authType)
	}

	f.BoolVar(&o.withData, "with-data", false, "include response bodies in the output")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func run(ctx context.Context, o *options, out, errOut io.Writer) error {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(logging.Redact(tint.NewHandler(errOut, &tint.Options{Level: level, NoColor: true})))

	var failed atomic.Int64
	c, err := crawler.New(o.settings,
		crawler.WithLogger(logger),
		crawler.WithFailureHandler(func(string, error) { failed.Add(1) }))
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	start := time.Now()
	enc := jsoniter.NewEncoder(out)
	count := 0
	for wr := range c.Crawl(ctx) {
		if !o.withData {
			wr = withoutData(wr)
		}
		if err = enc.Encode(wr); err != nil {
			logger.Error("failed to write resource.", slog.String("url", wr.URL), slog.String("err", err.Error()))
			continue
		}
		count++
	}

	fmt.Fprintf(errOut, "crawled %d resources (%d failed) from %s in %s\n", count, failed.Load(), c.StartURL(),
		time.Since(start).Round(time.Millisecond))
	return ctx.Err()
}

func withoutData(wr *model.WebResource) *model.WebResource {
	cp := *wr
	cp.Data = nil
	return &cp
}
