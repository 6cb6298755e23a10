package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// StreamStatus is the subset of gateway.StreamConsumer the health
// endpoint needs, kept as an interface to avoid importing internal/gateway
// here.
type StreamStatus interface {
	Connected() bool
}

// TokenStatus is the subset of token.Manager the health endpoint needs.
type TokenStatus interface {
	ExpiresAt() time.Time
}

// ReconcileStatus is the subset of reconcile.Reconciler the health
// endpoint needs.
type ReconcileStatus interface {
	LastRun() time.Time
}

// HealthCollector gathers the per-component liveness signals spec.md's
// supplemented process health endpoint reports (adapted from the
// source's system_handlers.go gopsutil usage).
type HealthCollector struct {
	DB         *sql.DB
	Streams    map[string]StreamStatus // hub name -> consumer
	Tokens     TokenStatus
	Reconciler ReconcileStatus
}

// HealthHandlers serves the process health endpoint.
type HealthHandlers struct {
	collector *HealthCollector
	log       zerolog.Logger
	proc      *process.Process
}

func NewHealthHandlers(c *HealthCollector, log zerolog.Logger) *HealthHandlers {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("health: could not open self process handle, RSS will report zero")
	}
	return &HealthHandlers{collector: c, log: log, proc: proc}
}

type healthResponse struct {
	Status     string            `json:"status"` // "ok", "degraded"
	CPUPercent float64           `json:"cpu_percent"`
	RSSBytes   uint64            `json:"rss_bytes"`
	Goroutines int               `json:"goroutines"`
	Database   string            `json:"database"` // "ok", "error"
	Streams    map[string]bool   `json:"streams"`
	TokenAge   map[string]string `json:"token_expires_at,omitempty"`
	Reconciled string            `json:"last_reconciliation,omitempty"`
}

// HandleHealth reports CPU/RSS/goroutine counts plus per-component
// liveness (stream connected, last reconciliation time, token expiry),
// adapted from the source's system_handlers.go.
func (h *HealthHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Goroutines: runtime.NumGoroutine(),
		Streams:    make(map[string]bool),
	}

	if cpuPct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPct) > 0 {
		resp.CPUPercent = cpuPct[0]
	}
	if h.proc != nil {
		if mem, err := h.proc.MemoryInfo(); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
	}

	if h.collector.DB != nil {
		if err := h.collector.DB.Ping(); err != nil {
			resp.Database = "error"
			resp.Status = "degraded"
		} else {
			resp.Database = "ok"
		}
	}

	for name, stream := range h.collector.Streams {
		connected := stream.Connected()
		resp.Streams[name] = connected
		if !connected {
			resp.Status = "degraded"
		}
	}

	if h.collector.Tokens != nil {
		if exp := h.collector.Tokens.ExpiresAt(); !exp.IsZero() {
			resp.TokenAge = map[string]string{"expires_at": exp.Format(time.RFC3339)}
		}
	}

	if h.collector.Reconciler != nil {
		if last := h.collector.Reconciler.LastRun(); !last.IsZero() {
			resp.Reconciled = last.Format(time.RFC3339)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusOK) // degraded is still a successful health check response, not an HTTP failure
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("failed writing health response")
	}
}
