package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Demindiro/stupid-tunnel/internal/metrics"
	"github.com/Demindiro/stupid-tunnel/internal/relay"
	"github.com/Demindiro/stupid-tunnel/internal/watchdog"
)

// Server holds the relay listener. Single client per server process in
// the reference design (§4.8, §9 open question #3): Serve only accepts
// the next connection once the current client's dispatcher has exited.
type Server struct {
	log     *logrus.Logger
	ln      net.Listener
	metrics *metrics.Collector

	// watchdogTimeout, if non-zero, is used to build a fresh *watchdog.Watchdog
	// for each accepted client's dispatcher (see WithWatchdogTimeout).
	watchdogTimeout time.Duration
}

// Listen binds the relay listener on address (e.g. "127.0.0.1:5434").
func Listen(address string, log *logrus.Logger, m *metrics.Collector) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	return &Server{log: log, ln: ln, metrics: m}, nil
}

// WithWatchdogTimeout arms a per-client liveness watchdog: each accepted
// client's dispatcher exits the process if its dispatch loop goes idle
// for longer than timeout. A zero timeout (the default) disables this.
func (s *Server) WithWatchdogTimeout(timeout time.Duration) *Server {
	s.watchdogTimeout = timeout
	return s
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops accepting new clients.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve accepts relay client connections one at a time, running each
// through a fresh dispatcher, until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		s.log.WithField("remote", nc.RemoteAddr()).Info("relay client connected")
		conn := relay.NewConn(nc)
		d := newDispatcher(s.log, conn, s.metrics)
		var wd *watchdog.Watchdog
		if s.watchdogTimeout > 0 {
			wd = watchdog.New(s.log, s.watchdogTimeout)
			d.WithWatchdog(wd)
		}
		if err := d.Run(ctx); err != nil {
			s.log.WithError(err).Warn("relay client dispatcher exited")
		}
		if wd != nil {
			wd.Stop()
		}
		conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
