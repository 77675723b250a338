// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// mockHub is a test double for the ContextHub interface.
type mockHub struct {
	started chan struct{}
	err     error
}

func newMockHub() *mockHub {
	return &mockHub{started: make(chan struct{}, 1)}
}

func (m *mockHub) RunWithContext(ctx context.Context) error {
	select {
	case m.started <- struct{}{}:
	default:
	}

	if m.err != nil {
		return m.err
	}

	<-ctx.Done()
	return ctx.Err()
}

func TestHubServiceInterface(t *testing.T) {
	var _ suture.Service = (*HubService)(nil)
}

func TestHubServiceServe(t *testing.T) {
	t.Run("delegates to hub and stops on cancellation", func(t *testing.T) {
		hub := newMockHub()
		svc := NewHubService(hub)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- svc.Serve(ctx)
		}()

		select {
		case <-hub.started:
		case <-time.After(time.Second):
			t.Fatal("hub did not start")
		}

		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after context cancellation")
		}
	})

	t.Run("propagates hub errors", func(t *testing.T) {
		hubErr := errors.New("hub crashed")
		hub := newMockHub()
		hub.err = hubErr
		svc := NewHubService(hub)

		err := svc.Serve(context.Background())
		if !errors.Is(err, hubErr) {
			t.Errorf("expected hub error, got %v", err)
		}
	})
}

func TestHubServiceString(t *testing.T) {
	svc := NewHubService(newMockHub())
	if svc.String() != "presence-hub" {
		t.Errorf("expected 'presence-hub', got %q", svc.String())
	}
}
