package app

import (
	"context"
	"net/http"
	"time"

	"helpdesk/cmd/internal/metrics"
	presenceapi "helpdesk/cmd/internal/presence/api"
	"helpdesk/cmd/internal/realtime"
	"helpdesk/cmd/internal/userstore"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	mirror userstore.Mirror,
	ws *realtime.Gateway,
	api *presenceapi.Handler,
	rec *metrics.Recorder,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDurable && mirror == nil {
			http.Error(w, "durable store not configured", http.StatusServiceUnavailable)
			return
		}

		if mirror != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := mirror.Ping(ctx); err != nil {
				http.Error(w, "durable store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.durable.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rec != nil {
		mux.Handle("GET /metrics", rec.Handler())
	}

	if api != nil {
		api.Register(mux)
	}

	mux.HandleFunc("/ws", ws.HandleWS)
}
