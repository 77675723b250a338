// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordsRequest struct {
	Latitude  float64 `validate:"latitude"`
	Longitude float64 `validate:"longitude"`
}

type signupRequest struct {
	Username string `validate:"required,min=3,max=32,alphanum"`
	Password string `validate:"required,min=8,max=72"`
}

func TestValidateStructCoords(t *testing.T) {
	tests := []struct {
		name    string
		req     coordsRequest
		wantErr bool
		field   string
	}{
		{"valid", coordsRequest{Latitude: 51.5, Longitude: -0.12}, false, ""},
		{"zero zero", coordsRequest{}, false, ""},
		{"boundary", coordsRequest{Latitude: 90, Longitude: -180}, false, ""},
		{"latitude too high", coordsRequest{Latitude: 90.1}, true, "Latitude"},
		{"latitude too low", coordsRequest{Latitude: -91}, true, "Latitude"},
		{"longitude too high", coordsRequest{Longitude: 180.5}, true, "Longitude"},
		{"longitude too low", coordsRequest{Longitude: -181}, true, "Longitude"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := ValidateStruct(&tt.req)
			if !tt.wantErr {
				assert.Nil(t, verr)
				return
			}
			require.NotNil(t, verr)
			require.Len(t, verr.Errors(), 1)
			assert.Equal(t, tt.field, verr.Errors()[0].Field())
		})
	}
}

func TestValidateStructSignup(t *testing.T) {
	verr := ValidateStruct(&signupRequest{Username: "ab", Password: "short"})
	require.NotNil(t, verr)
	assert.Len(t, verr.Errors(), 2)
	assert.Contains(t, verr.Error(), "Username must be at least 3 characters")
	assert.Contains(t, verr.Error(), "Password must be at least 8 characters")
}

func TestValidateStructValidSignup(t *testing.T) {
	verr := ValidateStruct(&signupRequest{Username: "alice42", Password: "correcthorse"})
	assert.Nil(t, verr)
}

func TestRequestValidationErrorFields(t *testing.T) {
	verr := ValidateStruct(&signupRequest{})
	require.NotNil(t, verr)

	fields := verr.Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, "Username", fields[0]["field"])
	assert.Equal(t, "required", fields[0]["tag"])
}

func TestTranslateErrorMessages(t *testing.T) {
	type req struct {
		Role string `validate:"oneof=admin user"`
	}
	verr := ValidateStruct(&req{Role: "root"})
	require.NotNil(t, verr)
	assert.True(t, strings.HasPrefix(verr.Error(), "Role must be one of:"))
}
