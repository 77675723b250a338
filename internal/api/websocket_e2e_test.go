// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

package api

import (
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/alexroth96/locus/internal/websocket"
)

// wireLocation mirrors the per-user entry in a locations payload.
type wireLocation struct {
	Username  string  `json:"username"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// wireMessage mirrors the envelope as seen on the wire.
type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// dialWS opens an authenticated WebSocket connection to the test server.
func dialWS(t *testing.T, env *testEnv, token string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readLocations reads messages until a locations snapshot arrives.
func readLocations(t *testing.T, conn *gorillaws.Conn) map[string]wireLocation {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg wireMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Type != ws.MessageTypeLocations {
			continue
		}

		var locations map[string]wireLocation
		require.NoError(t, json.Unmarshal(msg.Data, &locations))
		return locations
	}
}

func sendUpdate(t *testing.T, conn *gorillaws.Conn, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"type": ws.MessageTypeUpdateLocation,
		"data": data,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, payload))
}

// findByUsername returns the snapshot entry for a username.
func findByUsername(locations map[string]wireLocation, username string) (wireLocation, bool) {
	for _, loc := range locations {
		if loc.Username == username {
			return loc, true
		}
	}
	return wireLocation{}, false
}

func TestWebSocketAdmissionDeliversSnapshot(t *testing.T) {
	env := newTestEnv(t)
	token := registerUser(t, env, "alice", "correcthorse")

	conn := dialWS(t, env, token)
	locations := readLocations(t, conn)

	require.Len(t, locations, 1)
	alice, ok := findByUsername(locations, "alice")
	require.True(t, ok)
	assert.Equal(t, float64(0), alice.Latitude)
	assert.Equal(t, float64(0), alice.Longitude)
	assert.Empty(t, alice.Address)
}

func TestWebSocketLocationUpdateBroadcast(t *testing.T) {
	env := newTestEnv(t)
	token := registerUser(t, env, "alice", "correcthorse")

	conn := dialWS(t, env, token)
	readLocations(t, conn) // admission snapshot

	sendUpdate(t, conn, map[string]interface{}{
		"latitude":  40.7128,
		"longitude": -74.006,
	})

	locations := readLocations(t, conn)
	alice, ok := findByUsername(locations, "alice")
	require.True(t, ok)
	assert.InDelta(t, 40.7128, alice.Latitude, 1e-9)
	assert.InDelta(t, -74.006, alice.Longitude, 1e-9)
}

func TestWebSocketMultipleClients(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := registerUser(t, env, "alice", "correcthorse")
	bobToken := registerUser(t, env, "bob", "batterystaple")

	aliceConn := dialWS(t, env, aliceToken)
	readLocations(t, aliceConn) // admission snapshot (alice only)

	bobConn := dialWS(t, env, bobToken)

	// Bob's admission reaches both connections, sender included.
	bobView := readLocations(t, bobConn)
	require.Len(t, bobView, 2)

	aliceView := readLocations(t, aliceConn)
	require.Len(t, aliceView, 2)

	// An update from bob is visible to alice.
	sendUpdate(t, bobConn, map[string]interface{}{
		"latitude":  51.5074,
		"longitude": -0.1278,
	})

	aliceView = readLocations(t, aliceConn)
	bob, ok := findByUsername(aliceView, "bob")
	require.True(t, ok)
	assert.InDelta(t, 51.5074, bob.Latitude, 1e-9)
}

func TestWebSocketDisconnectBroadcast(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := registerUser(t, env, "alice", "correcthorse")
	bobToken := registerUser(t, env, "bob", "batterystaple")

	aliceConn := dialWS(t, env, aliceToken)
	readLocations(t, aliceConn)

	bobConn := dialWS(t, env, bobToken)
	readLocations(t, bobConn)
	readLocations(t, aliceConn) // bob's admission

	require.NoError(t, bobConn.Close())

	locations := readLocations(t, aliceConn)
	require.Len(t, locations, 1)
	_, ok := findByUsername(locations, "bob")
	assert.False(t, ok)
}

func TestWebSocketMalformedUpdateIgnored(t *testing.T) {
	env := newTestEnv(t)
	token := registerUser(t, env, "alice", "correcthorse")

	conn := dialWS(t, env, token)
	readLocations(t, conn)

	// Non-numeric latitude is dropped without disconnecting.
	sendUpdate(t, conn, map[string]interface{}{
		"latitude":  "not-a-number",
		"longitude": 0,
	})

	// The connection survives and subsequent valid updates flow.
	sendUpdate(t, conn, map[string]interface{}{
		"latitude":  10.0,
		"longitude": 20.0,
	})

	locations := readLocations(t, conn)
	alice, ok := findByUsername(locations, "alice")
	require.True(t, ok)
	assert.InDelta(t, 10.0, alice.Latitude, 1e-9)
	assert.InDelta(t, 20.0, alice.Longitude, 1e-9)
}

func TestWebSocketEmptyUpdatePayloadIgnored(t *testing.T) {
	env := newTestEnv(t)
	token := registerUser(t, env, "alice", "correcthorse")

	conn := dialWS(t, env, token)
	readLocations(t, conn)

	sendUpdate(t, conn, map[string]interface{}{
		"latitude":  40.0,
		"longitude": -74.0,
	})
	readLocations(t, conn)

	// An empty payload carries no coordinates and must not move the
	// user, in particular not to (0,0).
	sendUpdate(t, conn, map[string]interface{}{})

	sendUpdate(t, conn, map[string]interface{}{
		"latitude":  41.0,
		"longitude": -75.0,
	})

	locations := readLocations(t, conn)
	alice, ok := findByUsername(locations, "alice")
	require.True(t, ok)
	assert.InDelta(t, 41.0, alice.Latitude, 1e-9)
	assert.InDelta(t, -75.0, alice.Longitude, 1e-9)
}

func TestWebSocketOutOfRangeCoordinatesIgnored(t *testing.T) {
	env := newTestEnv(t)
	token := registerUser(t, env, "alice", "correcthorse")

	conn := dialWS(t, env, token)
	readLocations(t, conn)

	sendUpdate(t, conn, map[string]interface{}{
		"latitude":  91.0,
		"longitude": 0.0,
	})
	sendUpdate(t, conn, map[string]interface{}{
		"latitude":  5.0,
		"longitude": 6.0,
	})

	locations := readLocations(t, conn)
	alice, ok := findByUsername(locations, "alice")
	require.True(t, ok)
	assert.InDelta(t, 5.0, alice.Latitude, 1e-9)
}

func TestWebSocketPingPong(t *testing.T) {
	env := newTestEnv(t)
	token := registerUser(t, env, "alice", "correcthorse")

	conn := dialWS(t, env, token)
	readLocations(t, conn)

	payload, err := json.Marshal(map[string]interface{}{"type": ws.MessageTypePing})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wireMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, ws.MessageTypePong, msg.Type)
}

func TestWebSocketReconnectReplacesEntry(t *testing.T) {
	env := newTestEnv(t)
	token := registerUser(t, env, "alice", "correcthorse")

	first := dialWS(t, env, token)
	readLocations(t, first)

	sendUpdate(t, first, map[string]interface{}{
		"latitude":  40.0,
		"longitude": -70.0,
	})
	readLocations(t, first)

	// A second connection for the same user resets the entry.
	second := dialWS(t, env, token)
	locations := readLocations(t, second)
	alice, ok := findByUsername(locations, "alice")
	require.True(t, ok)
	assert.Equal(t, float64(0), alice.Latitude)

	// Closing the superseded connection must not evict the entry.
	require.NoError(t, first.Close())
	time.Sleep(50 * time.Millisecond)

	sendUpdate(t, second, map[string]interface{}{
		"latitude":  1.0,
		"longitude": 2.0,
	})
	locations = readLocations(t, second)
	alice, ok = findByUsername(locations, "alice")
	require.True(t, ok)
	assert.InDelta(t, 1.0, alice.Latitude, 1e-9)
}
