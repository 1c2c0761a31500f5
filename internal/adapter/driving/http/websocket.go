package http

import (
	"net/http"
	"sync"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// TODO: restrict origins once the UI host is fixed
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSClient struct {
	id   domain.ClientID
	conn *websocket.Conn

	// writes come from other connections' read goroutines too
	writeMu sync.Mutex
}

func (c *WSClient) ID() domain.ClientID {
	return c.id
}

func (c *WSClient) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades the connection and runs its read loop. The first frame
// must be a register message carrying the identity the authentication
// collaborator issued; everything after that is signaling dispatch.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:   domain.NewClientID(),
		conn: conn,
	}

	l := log.With().Str("client_id", client.id.String()).Logger()
	l.Info().Msg("New client connected")

	var reg protocol.Envelope
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != protocol.TypeRegister {
		l.Warn().Msg("Connection closed before registration")
		conn.Close()
		return
	}
	identity, err := domain.NewIdentity(domain.UserID(reg.UserID), reg.DisplayName, domain.Role(reg.Role))
	if err != nil {
		l.Warn().Err(err).Msg("Rejected invalid registration")
		conn.Close()
		return
	}
	l = l.With().Str("user_id", identity.ID.String()).Str("role", string(identity.Role)).Logger()

	h.Hub.Register(client)
	h.Presence.Register(identity, client)

	defer func() {
		l.Info().Msg("Client disconnected")
		// hub fires the disconnect hook, which unregisters presence and
		// force-ends any session this party was bound to
		h.Hub.Unregister(client)
	}()

	if err := client.Send(protocol.Envelope{Type: protocol.TypeRegistered, UserID: identity.ID.String()}); err != nil {
		return
	}

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}
		h.dispatch(client, identity, env, l)
	}
}

func (h *Handler) dispatch(client *WSClient, identity domain.Identity, env protocol.Envelope, l zerolog.Logger) {
	switch {
	case env.Type == protocol.TypeSetAvailability:
		if env.Available == nil {
			l.Warn().Msg("set-availability without flag")
			return
		}
		if err := h.Presence.SetAvailability(client.ID(), *env.Available); err != nil {
			l.Error().Err(err).Msg("Failed to set availability")
		}

	case env.Type == protocol.TypeInitiateCall:
		sessionID, err := h.Router.Initiate(identity, client, domain.Role(env.TargetRole))
		if err != nil {
			// the only initiation failure: nobody of that role is available
			h.reply(client, protocol.Envelope{Type: protocol.TypeCallUnanswered}, l)
			return
		}
		h.reply(client, protocol.Envelope{Type: protocol.TypeCallCreated, SessionID: sessionID.String()}, l)

	case env.Type == protocol.TypeAcceptCall:
		if err := h.Router.Accept(identity, client, domain.SessionID(env.SessionID)); err != nil {
			// lost the race, or the offer is already gone; either way the
			// responder falls back to idle
			h.reply(client, protocol.Envelope{Type: protocol.TypeCallAlreadyClaimed, SessionID: env.SessionID}, l)
		}

	case env.Type == protocol.TypeDeclineCall:
		h.Router.Decline(identity.ID, domain.SessionID(env.SessionID), env.Reason)

	case env.Type == protocol.TypeCancelCall:
		if err := h.Router.Cancel(domain.SessionID(env.SessionID), client.ID()); err != nil {
			l.Debug().Err(err).Str("session_id", env.SessionID).Msg("Cancel ignored")
		}

	case env.Type == protocol.TypeEndCall:
		if err := h.Router.End(domain.SessionID(env.SessionID), client.ID()); err != nil {
			l.Debug().Err(err).Str("session_id", env.SessionID).Msg("End ignored")
		}

	case protocol.Negotiation(env.Type):
		h.Relay.Forward(client.ID(), env)

	default:
		l.Warn().Str("type", env.Type).Msg("Unknown message type")
	}
}

func (h *Handler) reply(client *WSClient, env protocol.Envelope, l zerolog.Logger) {
	if err := client.Send(env); err != nil {
		l.Debug().Err(err).Str("type", env.Type).Msg("Reply not delivered")
	}
}
