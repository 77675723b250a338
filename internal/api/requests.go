// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

package api

// RegisterRequest is the payload for POST /api/auth/register. Email is
// the login key; Username is the display name shown to other users.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is the payload for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	Token    string `json:"token"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int    `json:"clients"`
	PresenceUsers int    `json:"presence_users"`
}
