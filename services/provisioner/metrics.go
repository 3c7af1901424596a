package provisioner

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_fetch_attempts_total",
		Help: "HTTP fetch attempts per artifact, including retries.",
	}, []string{"artifact"})

	fetchedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_fetched_bytes_total",
		Help: "Bytes downloaded per artifact.",
	}, []string{"artifact"})

	extractedArchives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_extracted_archives_total",
		Help: "Archives extracted successfully.",
	})

	unitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_unit_failures_total",
		Help: "Provisioning units that failed.",
	}, []string{"artifact"})
)

// startStatusServer serves /healthz, /readyz and /metrics for the duration
// of a provisioning run, so long downloads are observable from CI. The
// returned func stops the server.
func startStatusServer(addr string, ready *readiness, logger *log.Logger) func(context.Context) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready.done() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "provisioning in progress", http.StatusServiceUnavailable)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ERROR status server: %v", err)
		}
	}()

	return func(ctx context.Context) {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

type readiness struct {
	ch chan struct{}
}

func newReadiness() *readiness {
	return &readiness{ch: make(chan struct{})}
}

func (r *readiness) markDone() {
	close(r.ch)
}

func (r *readiness) done() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}
