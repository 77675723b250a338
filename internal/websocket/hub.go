// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

// Package websocket manages client connections and fans registry
// snapshots out to every connected client.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/alexroth96/locus/internal/logging"
	"github.com/alexroth96/locus/internal/metrics"
	"github.com/alexroth96/locus/internal/presence"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message types for WebSocket communication.
const (
	MessageTypeLocations      = "locations"
	MessageTypeUpdateLocation = "updateLocation"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
)

// Message represents a WebSocket message.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// AddressResolver resolves coordinates to an address. Satisfied by
// geocode.Client; nil disables server-side enrichment.
type AddressResolver interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// Hub maintains the set of active clients, keeps the presence registry
// in step with connections, and broadcasts registry snapshots.
//
// All snapshot deliveries happen on the hub goroutine, and each one
// reads the registry at delivery time. Delivered snapshots are
// therefore monotonic: a client never sees an older state after a
// newer one, regardless of how triggers interleave.
type Hub struct {
	clients  map[*Client]bool
	registry *presence.Registry
	geocoder AddressResolver

	// owners maps a user id to the connection that currently owns its
	// registry entry. The newest connection for an id wins; a stale
	// connection's disconnect must not evict its successor.
	owners map[string]*Client

	// broadcast carries the trigger that made the registry change.
	broadcast  chan string
	Register   chan *Client
	Unregister chan *Client

	// done is closed when the hub goroutine exits, releasing readPumps
	// that would otherwise block on Unregister after shutdown.
	done chan struct{}

	mu sync.RWMutex
}

// NewHub creates a hub over the given registry. geocoder may be nil.
func NewHub(registry *presence.Registry, geocoder AddressResolver) *Hub {
	return &Hub{
		broadcast:  make(chan string, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		owners:     make(map[string]*Client),
		registry:   registry,
		geocoder:   geocoder,
	}
}

// stopped returns a channel that is closed when the current hub run
// exits.
func (h *Hub) stopped() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

// Registry returns the presence registry backing this hub.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// RunWithContext starts the hub with context support for graceful
// shutdown, designed for suture supervision.
//
// Priority-based selection keeps behavior predictable when multiple
// channels are ready:
//   - Priority 1: context cancellation (shutdown)
//   - Priority 2: client lifecycle events (Register/Unregister)
//   - Priority 3: broadcast triggers
//
// Admissions and disconnects are therefore always applied to the
// registry before any queued trigger is delivered.
func (h *Hub) RunWithContext(ctx context.Context) error {
	// A fresh stop signal per run, so a supervised restart serves
	// Unregister again.
	h.mu.Lock()
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()
	defer close(done)

	for {
		// Priority 1: shutdown (non-blocking check)
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: lifecycle events (non-blocking check)
		select {
		case client := <-h.Register:
			h.admitClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		// Priority 3: broadcast triggers or wait for any event
		select {
		case <-ctx.Done():
			h.logGracefulShutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.admitClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)

		case trigger := <-h.broadcast:
			metrics.RecordBroadcast(trigger)
			h.broadcastSnapshot()
		}
	}
}

// admitClient adds a connection, enters its user into the registry, and
// broadcasts the resulting snapshot to everyone including the new
// client. A reconnect for an already present user id takes over the
// registry entry from the previous connection.
func (h *Hub) admitClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.owners[client.userID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.registry.Join(client.userID, client.username)

	logging.Info().
		Str("user_id", client.userID).
		Str("username", client.username).
		Int("total_clients", total).
		Msg("websocket client connected")
	metrics.WSConnections.Set(float64(total))
	metrics.RecordBroadcast("join")

	h.broadcastSnapshot()
}

// removeClient drops a connection. The registry entry is removed and a
// snapshot broadcast only when the departing connection still owns it;
// repeated unregisters and superseded connections are no-ops beyond the
// cleanup. The send channel is never closed: the client's context
// cancellation stops its write pump, and readPump may still attempt
// pong sends while the socket drains.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
		client.cancel()
	}
	isOwner := h.owners[client.userID] == client
	if isOwner {
		delete(h.owners, client.userID)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}

	logging.Info().
		Str("user_id", client.userID).
		Int("total_clients", total).
		Msg("websocket client disconnected")
	metrics.WSConnections.Set(float64(total))

	if !isOwner {
		return
	}

	if _, ok := h.registry.Leave(client.userID); ok {
		metrics.RecordBroadcast("leave")
		h.broadcastSnapshot()
	}
}

// BroadcastLocations asks the hub to deliver a fresh registry snapshot
// to all clients. The send never blocks: a full trigger queue drops the
// request, which is safe because the queued triggers already pending
// will deliver a snapshot at least as new as this one.
func (h *Hub) BroadcastLocations(trigger string) {
	select {
	case h.broadcast <- trigger:
	default:
		logging.Warn().Str("trigger", trigger).Msg("broadcast channel full, coalescing snapshot")
	}
}

// broadcastSnapshot reads the registry and sends the snapshot to all
// connected clients in deterministic order. Clients whose send buffers
// are full are dropped from the hub; their write pump terminates when
// their context is cancelled.
func (h *Hub) broadcastSnapshot() {
	message := Message{
		Type: MessageTypeLocations,
		Data: h.registry.Snapshot(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client

	for _, client := range clients {
		select {
		case client.send <- message:
			metrics.WSMessagesSent.Inc()
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		client.cancel()
		delete(h.clients, client)
		if h.owners[client.userID] == client {
			delete(h.owners, client.userID)
		}
		metrics.WSMessagesDropped.Inc()
		logging.Warn().
			Str("user_id", client.userID).
			Msg("dropping slow websocket client")
	}
}

// logGracefulShutdown closes all clients and logs structured shutdown
// information. Context cancellation is expected behavior, not an error.
func (h *Hub) logGracefulShutdown(ctx context.Context) {
	clientCount := h.GetClientCount()
	h.closeAllClients()

	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(getShutdownReason(ctx))).
		Int("clients_closed", clientCount).
		Msg("websocket hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// closeAllClients closes all connected clients in ID order.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		client.cancel()
		delete(h.clients, client)
	}
	h.owners = make(map[string]*Client)
	metrics.WSConnections.Set(0)
	logging.Info().Msg("closed all websocket clients during shutdown")
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MarshalMessage converts a message to JSON.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
