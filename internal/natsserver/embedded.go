// Package natsserver runs an in-process NATS server so training progress can
// be watched on a single host without external infrastructure.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// Options configures the embedded server. A negative Port picks a free one.
type Options struct {
	Name         string
	Port         int
	Username     string
	Password     string
	Token        string
	ReadyTimeout time.Duration
}

// OptionsFromConfig returns the server options for cfg and whether an
// embedded server was requested at all.
func OptionsFromConfig(cfg config.BusConfig, runName string) (Options, bool) {
	if !cfg.Enabled || !cfg.Embedded {
		return Options{}, false
	}
	return Options{
		Name:         runName,
		Port:         cfg.Port,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Token:        cfg.Token,
		ReadyTimeout: 5 * time.Second,
	}, true
}

// Server is a running embedded server. It only listens on localhost.
type Server struct {
	ns  *server.Server
	log *slog.Logger
}

func Start(opts Options, log *slog.Logger) (*Server, error) {
	sopts := &server.Options{
		ServerName:    opts.Name,
		Host:          "127.0.0.1",
		Port:          opts.Port,
		Username:      opts.Username,
		Password:      opts.Password,
		Authorization: opts.Token,
		NoSigs:        true,
		NoLog:         true,
	}
	if opts.Port < 0 {
		sopts.Port = server.RANDOM_PORT
	}
	ready := opts.ReadyTimeout
	if ready <= 0 {
		ready = 5 * time.Second
	}

	ns, err := server.NewServer(sopts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(ready) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within %s", ready)
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))
	return &Server{ns: ns, log: log}, nil
}

// ClientURL is the URL clients use to reach the server.
func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

// Shutdown stops the server and waits for it. Safe on a nil server.
func (s *Server) Shutdown() {
	if s == nil || s.ns == nil {
		return
	}
	s.log.Info("shutting down embedded NATS server",
		slog.Int("clients", s.ns.NumClients()),
		slog.Int("subscriptions", int(s.ns.NumSubscriptions())),
	)
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
