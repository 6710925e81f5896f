// Package server runs the TCP accept loop that spawns one rfb.Session
// per connection, sharing a single Capturer and input.Router across
// all sessions (spec.md §2, §5).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/signal-slot/kmsvnc/internal/capture"
	"github.com/signal-slot/kmsvnc/internal/input"
	"github.com/signal-slot/kmsvnc/internal/kmserr"
	"github.com/signal-slot/kmsvnc/internal/rfb"
)

// Server owns the listening socket and the shared capturer/router.
type Server struct {
	listen   string
	port     int
	password string
	fps      int

	capturer *capture.Capturer
	router   *input.Router
	log      zerolog.Logger
}

func New(listen string, port int, password string, fps int, capturer *capture.Capturer, router *input.Router, log zerolog.Logger) *Server {
	return &Server{
		listen:   listen,
		port:     port,
		password: password,
		fps:      fps,
		capturer: capturer,
		router:   router,
		log:      log.With().Str("component", "server").Logger(),
	}
}

// Run binds the listen socket and accepts connections until ctx is
// cancelled. An accept-socket I/O error is fatal (spec.md §7: "Io...
// on the accept socket, the process exits"); a per-connection error
// only ends that session.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.listen, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return kmserr.New(kmserr.Io, "listen on "+addr, err)
	}
	s.log.Info().Str("addr", addr).Msg("listening for RFB connections")

	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return kmserr.New(kmserr.Io, "accept", err)
		}

		sess := rfb.New(conn, s.password, s.capturer, s.router, s.fps, s.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Run(ctx); err != nil {
				s.log.Info().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("session ended")
			}
		}()
	}
}
