// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

package websocket

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/alexroth96/locus/internal/geocode"
	"github.com/alexroth96/locus/internal/logging"
	"github.com/alexroth96/locus/internal/metrics"
	"github.com/alexroth96/locus/internal/validation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// clientIDCounter generates unique, monotonically increasing IDs so
// clients can be iterated in a consistent order during broadcasts.
var clientIDCounter atomic.Uint64

// LocationUpdate is the payload of an updateLocation message. Both
// coordinates must be present and numeric; pointer fields distinguish
// an absent field from a literal zero, so an empty payload is rejected
// instead of moving the user to (0,0). Address is optional; clients
// that resolve their own address may attach it.
type LocationUpdate struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	Address   string   `json:"address,omitempty" validate:"omitempty,max=512"`
}

// Client is a middleman between one websocket connection and the hub.
// It carries the identity established at admission; location updates
// from this connection only ever touch that identity's entry.
type Client struct {
	id       uint64
	userID   string
	username string
	hub      *Hub
	conn     *websocket.Conn

	send chan Message

	// ctx is cancelled when the connection closes, cutting short any
	// in-flight geocode lookup issued for this connection.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client for an authenticated connection.
func NewClient(hub *Hub, conn *websocket.Conn, userID, username string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:       clientIDCounter.Add(1),
		userID:   userID,
		username: username,
		hub:      hub,
		conn:     conn,
		send:     make(chan Message, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// UserID returns the authenticated user id bound to this connection.
func (c *Client) UserID() string {
	return c.userID
}

// readPump pumps messages from the websocket connection to the hub.
// Messages from one connection are handled serially, so a connection's
// updates apply to the registry in the order it sent them.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		// After the hub has shut down nobody drains Unregister; bail
		// out instead of blocking this goroutine forever.
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.stopped():
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("user_id", c.userID).Msg("unexpected websocket close error")
				metrics.WSErrors.WithLabelValues("read").Inc()
			}
			break
		}
		metrics.WSMessagesReceived.Inc()

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logMalformed("invalid message envelope", err)
			continue
		}

		switch msg.Type {
		case MessageTypeUpdateLocation:
			c.handleUpdateLocation(msg.Data)
		case MessageTypePing:
			select {
			case c.send <- Message{Type: MessageTypePong}:
			default:
			}
		default:
			c.logMalformed("unknown message type "+msg.Type, nil)
		}
	}
}

// handleUpdateLocation applies one location update for this
// connection's user. A malformed payload is dropped and logged; the
// connection stays open and the previous registry state persists.
func (c *Client) handleUpdateLocation(data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.logMalformed("unencodable update payload", err)
		return
	}

	var update LocationUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		c.logMalformed("invalid update payload", err)
		return
	}

	if verr := validation.ValidateStruct(&update); verr != nil {
		c.logMalformed(verr.Error(), nil)
		return
	}

	lat, lng := *update.Latitude, *update.Longitude

	var ok bool
	if update.Address != "" {
		_, ok = c.hub.registry.Update(c.userID, lat, lng, update.Address)
	} else {
		_, ok = c.hub.registry.UpdateCoords(c.userID, lat, lng)
	}
	if !ok {
		// The user has already left the registry; nothing to broadcast.
		logging.Debug().Str("user_id", c.userID).Msg("update for absent registry entry ignored")
		return
	}

	c.hub.BroadcastLocations("update")

	// Coordinates are live; resolve the address in the background and
	// broadcast again when it arrives. Never blocks the update path.
	if update.Address == "" && c.hub.geocoder != nil {
		go c.enrichAddress(lat, lng)
	}
}

// enrichAddress resolves an address for the given coordinates and, if
// the user still holds those coordinates when it resolves, attaches it
// and triggers another broadcast. Failures degrade to no address.
func (c *Client) enrichAddress(lat, lng float64) {
	address, err := c.hub.geocoder.Reverse(c.ctx, lat, lng)
	if err != nil {
		if !errors.Is(err, geocode.ErrNotFound) && !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Str("user_id", c.userID).Msg("reverse geocode failed")
		}
		return
	}

	if _, ok := c.hub.registry.SetAddress(c.userID, lat, lng, address); ok {
		c.hub.BroadcastLocations("address")
	}
}

func (c *Client) logMalformed(reason string, err error) {
	metrics.WSErrors.WithLabelValues("malformed_message").Inc()
	logging.Warn().
		Err(err).
		Str("user_id", c.userID).
		Str("reason", reason).
		Msg("dropping malformed websocket message")
}

// writePump pumps messages from the hub to the websocket connection.
// The send channel is never closed; the client's context cancellation
// is the shutdown signal, so readPump can keep sending pong replies
// into the channel without racing a close.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
				logging.Error().Err(err).Msg("failed to write close message")
			}
			return

		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				metrics.WSErrors.WithLabelValues("write").Inc()
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
