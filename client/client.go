// Package client is the meeting-side half of the signaling protocol: a
// websocket signaling client, one peer session per remote participant with
// its negotiation state machine, and the local media publisher.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"meshmeet/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

var ErrClientClosed = errors.New("signaling client is closed")

// Client maintains the persistent websocket channel to the signaling
// server.
type Client struct {
	conn     *websocket.Conn
	incoming chan model.Envelope
	outgoing chan model.Envelope
	done     chan struct{}
	closing  sync.Once
	logger   zerolog.Logger
}

func NewClient(logger *zerolog.Logger) *Client {
	return &Client{
		incoming: make(chan model.Envelope, 16),
		outgoing: make(chan model.Envelope, 16),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "signaling-client").Logger(),
	}
}

// Dial connects to the server's signaling endpoint and starts the pumps.
func (c *Client) Dial(ctx context.Context, serverURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return errors.Join(errors.New("unable to connect to signaling server"), err)
	}
	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return nil
}

// Send queues an envelope for delivery.
func (c *Client) Send(env model.Envelope) error {
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Incoming returns the channel of server envelopes. It is closed when the
// transport goes away.
func (c *Client) Incoming() <-chan model.Envelope {
	return c.incoming
}

func (c *Client) Close() {
	c.closing.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		_ = c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var env model.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("connection closed")
			} else {
				c.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing message")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
