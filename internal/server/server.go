package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/IliaW/site-crawler/config"
	"github.com/IliaW/site-crawler/internal/crawler"
	"github.com/IliaW/site-crawler/internal/model"
	jsoniter "github.com/json-iterator/go"
)

const (
	endEvent     = "[end]"
	maxBodyBytes = 1 << 20
)

// Server streams crawl sessions over server-sent events.
type Server struct {
	cfg     *config.Config
	options func() []crawler.Option
	mux     *http.ServeMux
}

// New builds the handler. options is called for every session and may be nil.
func New(cfg *config.Config, options func() []crawler.Option) *Server {
	s := &Server{
		cfg:     cfg,
		options: options,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("POST /crawl", s.handleCrawl)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	settings, err := s.decodeSettings(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var opts []crawler.Option
	if s.options != nil {
		opts = s.options()
	}
	c, err := crawler.New(settings, opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	startTime := time.Now()
	log := slog.With(slog.String("crawl_id", c.ID))
	log.Info("streaming crawl.", slog.String("start_url", c.StartURL()))

	sent := 0
	broken := false
	for wr := range c.Crawl(r.Context()) {
		if broken {
			continue
		}
		payload, err := jsoniter.Marshal(wr)
		if err != nil {
			log.Error("marshaling failed.", slog.String("url", wr.URL), slog.String("err", err.Error()))
			continue
		}
		if err = writeEvent(w, flusher, payload); err != nil {
			log.Warn("client went away.", slog.String("err", err.Error()))
			broken = true
			continue
		}
		sent++
	}
	if !broken {
		_ = writeEvent(w, flusher, []byte(endEvent))
	}
	log.Info("crawl stream closed.", slog.Int("sent", sent),
		slog.Int64("duration_ms", time.Since(startTime).Milliseconds()))
}

// decodeSettings reads the request body over the configured crawl defaults.
func (s *Server) decodeSettings(r *http.Request) (*model.Settings, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	settings := s.cfg.TaskSettings(nil)
	if err = jsoniter.Unmarshal(body, settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return s.cfg.TaskSettings(settings), nil
}

func writeEvent(w io.Writer, flusher http.Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
