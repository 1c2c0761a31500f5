package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/carewire/carewire/internal/adapter/driven/gateway/ws"
	"github.com/carewire/carewire/internal/config"
	"github.com/carewire/carewire/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	Presence *service.PresenceRegistry
	Router   *service.CallRouter
	Relay    *service.SignalingRelay
	Hub      *ws.Hub
	Cfg      config.Config
}

func NewHandler(presence *service.PresenceRegistry, router *service.CallRouter, relay *service.SignalingRelay, hub *ws.Hub, cfg config.Config) *Handler {
	return &Handler{
		Presence: presence,
		Router:   router,
		Relay:    relay,
		Hub:      hub,
		Cfg:      cfg,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	fs := http.FileServer(http.Dir(h.Cfg.StaticDir))
	r.Handle("/*", fs)

	r.Get("/ws", h.ServeWS)
	r.Get("/health", h.Health)
	r.Get("/rtc-config", h.RTCConfig)

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"service":   "carewire-signaling",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// RTCConfig hands clients the ICE server list so they don't hardcode STUN
// endpoints. Same wire shape browsers pass to RTCPeerConnection.
func (h *Handler) RTCConfig(w http.ResponseWriter, r *http.Request) {
	type iceServer struct {
		URLs []string `json:"urls"`
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]iceServer{
		"iceServers": {{URLs: h.Cfg.StunURLs}},
	})
}
