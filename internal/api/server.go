package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"banguard/internal/config"
	"banguard/internal/engine"
	"banguard/internal/model"
	"banguard/internal/stats"
)

// Server exposes the advisory reporting surface. It never mutates engine
// state; enforcement does not depend on it.
type Server struct {
	cfg       *config.Manager
	collector *stats.Collector
	coord     *engine.Coordinator
	logger    *slog.Logger
	version   string
}

type statusResponse struct {
	Status       string       `json:"status"`
	Time         string       `json:"time"`
	Version      string       `json:"version"`
	ConfigPath   string       `json:"config_path"`
	Jails        []string     `json:"jails"`
	WatchedPairs int          `json:"watched_pairs"`
	ActiveBans   int          `json:"active_bans"`
	Ingest       ingestStatus `json:"ingest"`
}

type ingestStatus struct {
	FilePaths []string `json:"file_paths"`
	Kafka     bool     `json:"kafka"`
	Syslog    bool     `json:"syslog"`
}

func Start(ctx context.Context, cfg *config.Manager, collector *stats.Collector, coord *engine.Coordinator, jails []string, logger *slog.Logger, version string) *http.Server {
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:       cfg,
		collector: collector,
		coord:     coord,
		logger:    logger,
		version:   version,
	}
	jailsCopy := append([]string(nil), jails...)
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		server.handleStatus(w, r, jailsCopy)
	})
	mux.HandleFunc("/snapshot", server.handleSnapshot)
	mux.HandleFunc("/bans", server.handleBans)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, jails []string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:       "ok",
		Time:         time.Now().UTC().Format(time.RFC3339Nano),
		Version:      s.version,
		ConfigPath:   s.cfg.Path(),
		Jails:        jails,
		WatchedPairs: s.coord.WatchedPairs(),
		ActiveBans:   len(s.coord.ActiveBans()),
		Ingest: ingestStatus{
			FilePaths: cfg.LogPaths(),
			Kafka:     cfg.Ingest.Kafka.Enabled,
			Syslog:    cfg.Ingest.Syslog.Enabled,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	bans := s.coord.ActiveBans()
	if bans == nil {
		bans = []model.BanRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bans":  bans,
		"count": len(bans),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
