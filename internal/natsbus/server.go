package natsbus

import (
	"fmt"
	"net"
	"time"

	"github.com/mtzanidakis/dispatch/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// Server is the embedded NATS server that workers, metric pushers and dctl
// connect to. Traffic is core request/reply and fire-and-forget publishes.
type Server struct {
	ns *natsserver.Server
}

// New starts an embedded server. Port -1 picks a random free port.
func New(cfg config.NATSConfig) (*Server, error) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "dispatch",
		Host:       cfg.Host,
		Port:       cfg.Port,
		MaxPayload: cfg.MaxPayload,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}
	return &Server{ns: ns}, nil
}

func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

// Addr is the address the server listens on, with the resolved port.
func (s *Server) Addr() string {
	if addr, ok := s.ns.Addr().(*net.TCPAddr); ok {
		return addr.String()
	}
	return ""
}

func (s *Server) Close() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
