package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
)

// routes groups what the router needs. Nil handlers are skipped.
type routes struct {
	log     Logger
	cfg     Config
	dbPool  *pgxpool.Pool
	metrics *Metrics
	ws      http.HandlerFunc
	api     interface{ Register(*mux.Router) }
}

func newRouter(rt routes) *mux.Router {
	r := mux.NewRouter()
	r.Use(captureRoute)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		dbEnabled := rt.dbPool != nil
		if rt.cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled {
			if err := PingDB(req.Context(), rt.dbPool, rt.cfg.DBPingTimeout); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	if rt.metrics != nil {
		r.Handle("/metrics", rt.metrics.Handler()).Methods(http.MethodGet)
	}
	if rt.ws != nil {
		r.HandleFunc("/ws", rt.ws).Methods(http.MethodGet)
	}
	if rt.api != nil {
		rt.api.Register(r)
	}
	return r
}
