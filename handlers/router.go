package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coparent/broadcast"
	"coparent/config"
	"coparent/middleware"
	"coparent/stores"
)

// Handlers exposes the stores of one agent over HTTP.
type Handlers struct {
	Messages *stores.MessageStore
	Unread   *stores.UnreadStore
	Bus      *broadcast.Bus
	Config   *config.Config
}

// NewRouter wires the agent's routes.
func NewRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/config", h.GetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/session", h.StartSession).Methods(http.MethodPost)
	r.HandleFunc("/api/session", h.EndSession).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.Handler())

	authed := r.NewRoute().Subrouter()
	authed.Use(middleware.RequireSession(h.Unread))
	authed.HandleFunc("/api/threads/{threadId}/messages", h.GetThreadMessages).Methods(http.MethodGet)
	authed.HandleFunc("/api/unread", h.GetUnread).Methods(http.MethodGet)
	authed.HandleFunc("/ws/threads/{threadId}", h.StreamThread)

	return r
}

// NewRelayRouter serves the relay hub for websocket transports.
func NewRelayRouter(relay *Relay) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws/bus", relay)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// GetConfig reports how this agent is connected to its siblings
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := map[string]string{
		"transport": "local",
		"relay_url": "",
	}
	if h.Bus != nil {
		resp["transport"] = h.Bus.TransportName()
		resp["origin"] = h.Bus.Origin()
	}
	if h.Config != nil {
		resp["relay_url"] = h.Config.Broadcast.RelayURL
	}
	json.NewEncoder(w).Encode(resp)
}
