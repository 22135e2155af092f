package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/loqalabs/loqa-dnn/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T) *Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(natsserver.Options{Port: -1}, log)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestFlushWithoutDeadline(t *testing.T) {
	client := connect(t)
	if err := client.PublishJSON("loqa.test", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestSubscribeUntilCancelled(t *testing.T) {
	client := connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- client.Subscribe(ctx, "loqa.test.>", func(subject string, _ []byte) {
			select {
			case got <- subject:
			default:
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	received := false
	for !received {
		select {
		case err := <-done:
			t.Fatalf("subscribe returned early: %v", err)
		case subject := <-got:
			if subject != "loqa.test.ping" {
				t.Fatalf("unexpected subject %q", subject)
			}
			received = true
		case <-tick.C:
			if err := client.PublishJSON("loqa.test.ping", map[string]bool{"ok": true}); err != nil {
				t.Fatalf("publish: %v", err)
			}
		case <-deadline:
			t.Fatal("no message delivered")
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}
