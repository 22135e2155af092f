// Package bus carries progress messages over NATS.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/nats-io/nats.go"
)

// Client publishes and subscribes to JSON messages. The connection
// reconnects indefinitely and buffers publishes while it is down.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	options := []nats.Option{
		nats.Name("loqa-train"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{slog.String("error", err.Error())}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			log.Warn("NATS async error", attrs...)
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("url", conn.ConnectedUrl()))
	return &Client{conn: conn, log: log}, nil
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	return c.flush(ctx)
}

// flushTimeout bounds a flush when the caller's context has no deadline.
const flushTimeout = 2 * time.Second

// flush round-trips a PING. nats rejects contexts without a deadline.
func (c *Client) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

// Subscribe delivers every message on subject, wildcards included, to fn
// until ctx is done. Messages are handled in order on one goroutine.
func (c *Client) Subscribe(ctx context.Context, subject string, fn func(subject string, data []byte)) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := c.conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()
	if err := c.flush(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			fn(msg.Subject, msg.Data)
		}
	}
}

// Close flushes pending publishes and closes the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.FlushTimeout(flushTimeout); err != nil {
		c.log.Warn("NATS flush failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
}
