// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

// Package presence maintains the in-memory registry of connected users
// and their last reported locations. Every mutation returns a snapshot
// taken inside the same critical section, so a snapshot never mixes
// states from two different mutations.
package presence

import (
	"sync"

	"github.com/alexroth96/locus/internal/metrics"
)

// Location is one user's entry in the registry. Address is empty until
// a geocode result arrives for the current coordinates.
type Location struct {
	Username  string  `json:"username"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// Snapshot is an immutable copy of the registry keyed by user id.
// It marshals directly into the payload of a locations message.
type Snapshot map[string]Location

// Registry tracks connected users. All methods are safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	users map[string]Location
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]Location),
	}
}

// Join inserts or replaces the entry for a user at the origin position.
// A reconnecting user overwrites their previous entry; the newest
// connection owns the id. Returns the snapshot after insertion.
func (r *Registry) Join(userID, username string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users[userID] = Location{Username: username}
	metrics.PresenceUsers.Set(float64(len(r.users)))
	return r.snapshotLocked()
}

// UpdateCoords sets a user's coordinates and clears any previous
// address, which described the old position. Updates for ids not in the
// registry are ignored; ok reports whether the update applied.
func (r *Registry) UpdateCoords(userID string, lat, lng float64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.users[userID]
	if !exists {
		return nil, false
	}

	entry.Latitude = lat
	entry.Longitude = lng
	entry.Address = ""
	r.users[userID] = entry
	metrics.PresenceUpdates.Inc()
	return r.snapshotLocked(), true
}

// SetAddress attaches a resolved address to a user's entry, but only if
// the user is still present and their coordinates still match the ones
// the lookup was issued for. A stale result is discarded; ok reports
// whether the address applied.
func (r *Registry) SetAddress(userID string, lat, lng float64, address string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.users[userID]
	if !exists || entry.Latitude != lat || entry.Longitude != lng {
		return nil, false
	}

	entry.Address = address
	r.users[userID] = entry
	return r.snapshotLocked(), true
}

// Update sets a user's coordinates together with a client-supplied
// address in one step. Same presence rule as UpdateCoords.
func (r *Registry) Update(userID string, lat, lng float64, address string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.users[userID]
	if !exists {
		return nil, false
	}

	entry.Latitude = lat
	entry.Longitude = lng
	entry.Address = address
	r.users[userID] = entry
	metrics.PresenceUpdates.Inc()
	return r.snapshotLocked(), true
}

// Leave removes a user. Removing an absent id is a no-op; ok reports
// whether an entry was actually removed, so callers can skip the
// broadcast on repeated disconnects.
func (r *Registry) Leave(userID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[userID]; !exists {
		return nil, false
	}

	delete(r.users, userID)
	metrics.PresenceUsers.Set(float64(len(r.users)))
	return r.snapshotLocked(), true
}

// Get returns a user's current entry.
func (r *Registry) Get(userID string) (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	return entry, ok
}

// Snapshot returns a copy of the current registry state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked()
}

// Count returns the number of present users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users)
}

// snapshotLocked copies the map. Callers must hold at least a read lock.
func (r *Registry) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(r.users))
	for id, loc := range r.users {
		snap[id] = loc
	}
	return snap
}
