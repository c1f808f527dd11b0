package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/codeloft/backend/internal/auth"
	"github.com/codeloft/backend/internal/gateway"
	"github.com/codeloft/backend/internal/orchestrator"
	"github.com/codeloft/backend/internal/store"
	"github.com/codeloft/backend/internal/webhooks"
)

// router exposes the WebSocket endpoint plus a small operational REST
// surface. Authentication for the REST side happens at the edge proxy.
func router(gw *gateway.Gateway, orch *orchestrator.Orchestrator,
	registry *webhooks.Registry, broker *auth.Broker, st store.Store,
	rdb *redis.Client) *mux.Router {

	r := mux.NewRouter()
	r.Handle("/ws", gw)
	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := reqCtx(req, 2*time.Second)
		defer cancel()
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if err := rdb.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
		}
		writeJSON(w, code, status)
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, orch.StatsSnapshot())
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/sessions/{id}", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := reqCtx(req, 5*time.Second)
		defer cancel()
		sess, err := st.GetSession(ctx, mux.Vars(req)["id"])
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/webhooks", func(w http.ResponseWriter, req *http.Request) {
		var sub webhooks.Subscription
		if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
		if err := registry.Register(&sub); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}).Methods(http.MethodPost)

	r.HandleFunc("/v1/webhooks", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, registry.List())
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/webhooks/{id}", func(w http.ResponseWriter, req *http.Request) {
		if err := registry.Unregister(mux.Vars(req)["id"]); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	r.HandleFunc("/v1/tokens", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			UserID     string `json:"user_id"`
			AccountID  string `json:"account_id"`
			TTLSeconds int    `json:"ttl_seconds"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
			return
		}
		token, err := broker.Mint(body.UserID, body.AccountID,
			time.Duration(body.TTLSeconds)*time.Second)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"token": token})
	}).Methods(http.MethodPost)

	return r
}

func reqCtx(req *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(req.Context(), d)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
