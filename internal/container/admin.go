package container

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"copy-trader-go/internal/engine"
	"copy-trader-go/internal/store"
	"copy-trader-go/metrics"
)

// adminDeps 管理接口依赖
type adminDeps struct {
	health   func() error
	busy     func() bool
	request  func()
	stats    func() engine.Statistics
	streams  func() map[store.Role]string
	leader   func() store.View
	follower func() store.View
}

type statusResponse struct {
	Engine   engine.Statistics     `json:"engine"`
	Streams  map[store.Role]string `json:"streams"`
	Leader   viewResponse          `json:"leader"`
	Follower viewResponse          `json:"follower"`
}

type viewResponse struct {
	Positions       []store.Position `json:"positions"`
	AccountValueUSD float64          `json:"accountValueUSD"`
	LastFillMs      int64            `json:"lastFillMs"`
	SnapshotAt      time.Time        `json:"snapshotAt"`
	Version         uint64           `json:"version"`
}

func toViewResponse(v store.View) viewResponse {
	return viewResponse{
		Positions:       v.Positions,
		AccountValueUSD: v.Metrics.AccountValueUSD,
		LastFillMs:      v.LastFillMs,
		SnapshotAt:      v.SnapshotAt,
		Version:         v.Version,
	}
}

// newAdminRouter /metrics、/healthz、/status 与手动同步 /sync
func newAdminRouter(d adminDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Handle("/metrics", metrics.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := d.health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Engine:   d.stats(),
			Streams:  d.streams(),
			Leader:   toViewResponse(d.leader()),
			Follower: toViewResponse(d.follower()),
		})
	})

	r.Post("/sync", func(w http.ResponseWriter, _ *http.Request) {
		if d.busy() {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "pass already running"})
			return
		}
		d.request()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
