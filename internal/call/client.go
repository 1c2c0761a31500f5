package call

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client is the websocket signaling connection to the broker.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func Dial(wsURL string, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Register announces the identity issued by the authentication
// collaborator. Must be the first message on the connection.
func (c *Client) Register(identity domain.Identity) error {
	return c.Send(protocol.Envelope{
		Type:        protocol.TypeRegister,
		UserID:      identity.ID.String(),
		DisplayName: identity.DisplayName,
		Role:        string(identity.Role),
	})
}

// ReadLoop decodes envelopes and hands them to handle until the
// connection drops. A dropped transport ends any call in flight; the
// broker's disconnect path tells the counterpart.
func (c *Client) ReadLoop(handle func(protocol.Envelope)) error {
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("Unexpected close error")
			}
			return err
		}
		handle(env)
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
