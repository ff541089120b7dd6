// Package peerconn implements the client-initiated peer connection state
// machine: handshake, ready-wait, and the piece download loop.
package peerconn

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/polleria/bittorrent/peer"
)

// Config bounds the timeouts and retry budget of a Service's I/O.
type Config struct {
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxIORetries int           `yaml:"max_io_retries"`
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxIORetries == 0 {
		c.MaxIORetries = 3
	}
}

// Service is the capability set a connection state machine needs for
// wire I/O: handshake, send, recv. Concrete variants are chosen at
// construction time rather than through an interface hierarchy -- a
// TCPService backs live client connections, NewServerTCPService builds the
// same type with the server's longer timeout defaults (the server package
// drives its sockets directly and does not use it), and tests use
// mockService.
type Service interface {
	// Handshake writes local and reads back the remote side's handshake.
	Handshake(local peer.Handshake) (peer.Handshake, error)
	Send(m *peer.Message) error
	Recv() (*peer.Message, error)
	Close() error
}

// TCPService is a Service backed by a live net.Conn.
type TCPService struct {
	nc     net.Conn
	clk    clock.Clock
	config Config
}

// NewTCPService constructs a Service for a client-initiated connection,
// using client-side timeout defaults (5s read, 5s write).
func NewTCPService(nc net.Conn, clk clock.Clock, config Config) *TCPService {
	config.applyDefaults()
	return &TCPService{nc: nc, clk: clk, config: config}
}

// NewServerTCPService constructs a Service for a connection accepted by the
// server, using the server's longer timeout defaults (120s read, 10s
// write) unless config overrides them.
func NewServerTCPService(nc net.Conn, clk clock.Clock, config Config) *TCPService {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	config.applyDefaults()
	return &TCPService{nc: nc, clk: clk, config: config}
}

// Handshake performs a single write followed by a single read; handshakes
// are not retried.
func (s *TCPService) Handshake(local peer.Handshake) (peer.Handshake, error) {
	s.nc.SetWriteDeadline(s.clk.Now().Add(s.config.WriteTimeout))
	if err := peer.WriteHandshake(s.nc, local); err != nil {
		return peer.Handshake{}, err
	}
	s.nc.SetReadDeadline(s.clk.Now().Add(s.config.ReadTimeout))
	return peer.ReadHandshake(s.nc)
}

func (s *TCPService) Send(m *peer.Message) error {
	return withRetry(s.config.MaxIORetries, func() error {
		s.nc.SetWriteDeadline(s.clk.Now().Add(s.config.WriteTimeout))
		return peer.WriteMessage(s.nc, m)
	})
}

func (s *TCPService) Recv() (*peer.Message, error) {
	var m *peer.Message
	err := withRetry(s.config.MaxIORetries, func() error {
		s.nc.SetReadDeadline(s.clk.Now().Add(s.config.ReadTimeout))
		var err error
		m, err = peer.ReadMessage(s.nc)
		return err
	})
	return m, err
}

func (s *TCPService) Close() error {
	return s.nc.Close()
}

// withRetry retries op up to maxAttempts times, but only while the error is
// a transient transport timeout -- a protocol-level error (bad message id,
// undersized payload) is never retried.
func withRetry(maxAttempts int, op func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
	}
	return err
}

func isTransient(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
