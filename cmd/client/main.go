package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carewire/carewire/internal/adapter/driven/media"
	"github.com/carewire/carewire/internal/call"
	"github.com/carewire/carewire/internal/core/domain"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Headless call client. With CAREWIRE_TARGET_ROLE set it places a call
// towards that role; without it, it publishes availability and answers
// the first incoming call.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment")
	}

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	serverURL := getenv("CAREWIRE_SERVER_URL", "http://localhost:8080")
	targetRole := os.Getenv("CAREWIRE_TARGET_ROLE")

	identity, err := domain.NewIdentity(
		domain.UserID(getenv("CAREWIRE_USER_ID", "")),
		getenv("CAREWIRE_DISPLAY_NAME", ""),
		domain.Role(getenv("CAREWIRE_ROLE", "")),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid identity, set CAREWIRE_USER_ID and CAREWIRE_ROLE")
	}

	engine, err := media.NewEngine(fetchSTUNServers(serverURL))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build media engine")
	}

	client, err := call.Dial(wsURL(serverURL), nil)
	if err != nil {
		log.Fatal().Err(err).Str("server", serverURL).Msg("Failed to reach signaling server")
	}
	defer client.Close()

	if err := client.Register(identity); err != nil {
		log.Fatal().Err(err).Msg("Registration failed")
	}
	log.Info().Str("user_id", identity.ID.String()).Str("role", string(identity.Role)).Msg("Registered")

	sink := newLogSink()
	machine := call.NewMachine(client, engine, engine.NewPeer, sink)
	availability := call.NewAvailabilityPublisher(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.ReadLoop(machine.HandleEnvelope); err != nil {
			log.Info().Err(err).Msg("Signaling connection closed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if targetRole != "" {
		go func() {
			if err := machine.StartCall(ctx, domain.Role(targetRole)); err != nil {
				log.Error().Err(err).Str("target_role", targetRole).Msg("Call could not be placed")
			}
		}()
	} else {
		if err := availability.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to publish availability")
		}
		defer availability.Stop()

		go func() {
			for {
				select {
				case <-sink.ringing:
					if err := machine.Accept(ctx); err != nil {
						log.Warn().Err(err).Msg("Accept rejected")
					}
				case <-sink.terminal:
					// back to idle, otherwise the published availability
					// would keep absorbing calls we busy-decline
					if err := machine.Reset(); err == nil {
						log.Info().Msg("Ready for the next call")
					}
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down")
		if err := machine.Hangup(); err == nil {
			// give the end notice a moment to flush
			time.Sleep(200 * time.Millisecond)
		}
	case <-done:
	}
}

// logSink renders call lifecycle transitions to the log and queues
// incoming rings for the auto-answer loop.
type logSink struct {
	ringing  chan domain.SessionID
	terminal chan domain.CallState
}

func newLogSink() *logSink {
	return &logSink{
		ringing:  make(chan domain.SessionID, 1),
		terminal: make(chan domain.CallState, 1),
	}
}

func (s *logSink) StateChanged(state domain.CallState) {
	log.Info().Str("state", state.String()).Msg("Call state changed")
	switch state {
	case domain.CallEnded, domain.CallFailed:
		select {
		case s.terminal <- state:
		default:
		}
	}
}

func (s *logSink) IncomingCall(sessionID domain.SessionID, requester domain.Identity) {
	log.Info().
		Str("session_id", sessionID.String()).
		Str("from", requester.DisplayName).
		Msg("Incoming call")
	select {
	case s.ringing <- sessionID:
	default:
	}
}

func (s *logSink) PresenceChanged(role domain.Role, available bool) {
	log.Info().Str("role", string(role)).Bool("available", available).Msg("Presence changed")
}

// fetchSTUNServers asks the server for its ICE configuration so client
// and broker agree on STUN endpoints. Falls back to a public server when
// the endpoint is unreachable.
func fetchSTUNServers(serverURL string) []string {
	resp, err := http.Get(serverURL + "/rtc-config")
	if err != nil {
		log.Warn().Err(err).Msg("rtc-config unavailable, using default STUN")
		return []string{"stun:stun.l.google.com:19302"}
	}
	defer resp.Body.Close()

	var cfg struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		log.Warn().Err(err).Msg("Bad rtc-config response, using default STUN")
		return []string{"stun:stun.l.google.com:19302"}
	}
	var urls []string
	for _, s := range cfg.ICEServers {
		urls = append(urls, s.URLs...)
	}
	return urls
}

func wsURL(serverURL string) string {
	u := strings.Replace(serverURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return fmt.Sprintf("%s/ws", strings.TrimSuffix(u, "/"))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
