// Package server implements the TCP control endpoint: authenticated
// persistent sessions that mirror the queue state through snapshots and
// revisioned deltas, and relay commands from the one session that holds
// control. A read-only HTTP status API rides alongside.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Woutah/configurun/internal/codec"
	"github.com/Woutah/configurun/internal/config"
	"github.com/Woutah/configurun/internal/output"
	"github.com/Woutah/configurun/internal/protocol"
	"github.com/Woutah/configurun/internal/queue"
	"github.com/Woutah/configurun/pkg/model"
)

const (
	authAttempts      = 3
	authTimeout       = 30 * time.Second
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Server accepts control connections and keeps every authenticated session
// synchronized with the queue engine.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	engine *queue.Engine
	out    *output.Store
	reg    *codec.Registry

	mu           sync.Mutex
	sessions     map[string]*session
	controllerID string
	closed       bool

	ln net.Listener
}

// New builds a control server over an engine and its output store.
func New(cfg config.ServerConfig, engine *queue.Engine, out *output.Store, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		engine:   engine,
		out:      out,
		reg:      protocol.NewRegistry(),
		sessions: make(map[string]*session),
	}
}

// Start runs the accept loop until ctx is cancelled. Each connection is
// served on its own goroutines; open sessions are closed on shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.logger.Info("control endpoint listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		open := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			open = append(open, sess)
		}
		s.mu.Unlock()
		ln.Close()
		for _, sess := range open {
			s.drop(sess, "server shutdown")
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(conn)
	}
}

// Addr returns the bound listen address, for tests that listen on :0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// authenticate runs the challenge/response handshake on a fresh connection.
// Returns the authenticated hello, or an error after the attempts are spent.
func (s *Server) authenticate(conn net.Conn) (*protocol.Authenticate, error) {
	salt, err := protocol.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := s.writeMessage(conn, &protocol.AuthChallenge{Version: protocol.Version, Salt: salt}); err != nil {
		return nil, err
	}

	for left := authAttempts; left > 0; left-- {
		if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
			return nil, err
		}
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("read auth frame: %w", err)
		}
		msg, err := s.reg.Decode(frame)
		if err != nil {
			return nil, err
		}
		hello, ok := msg.(*protocol.Authenticate)
		if !ok {
			return nil, &model.ProtocolError{Detail: "expected authenticate message"}
		}
		if protocol.VerifyPassword(s.cfg.Password, salt, hello.PasswordHash) {
			return hello, nil
		}
		s.logger.Warn("authentication failed",
			"remote", conn.RemoteAddr().String(), "attempts_left", left-1)
		res := &protocol.AuthResult{OK: false, Reason: "bad password", AttemptsLeft: left - 1}
		if err := s.writeMessage(conn, res); err != nil {
			return nil, err
		}
	}
	return nil, &model.AuthenticationError{Reason: "attempts exhausted"}
}

// handle serves one connection from handshake to disconnect.
func (s *Server) handle(conn net.Conn) {
	hello, err := s.authenticate(conn)
	if err != nil {
		s.logger.Warn("handshake rejected",
			"remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	sess, err := s.register(conn, hello)
	if err != nil {
		s.logger.Error("session setup failed", "error", err)
		conn.Close()
		return
	}
	s.logger.Info("session opened",
		"session", sess.label(), "remote", conn.RemoteAddr().String())

	go sess.writeLoop()
	sess.readLoop() // blocks until the connection dies
	s.drop(sess, "connection closed")
}

// register makes a session out of an authenticated connection and brings it
// in sync, either by delta replay from the client's last revision or by a
// full snapshot.
func (s *Server) register(conn net.Conn, hello *protocol.Authenticate) (*session, error) {
	snap, sub, err := s.engine.Subscribe()
	if err != nil {
		return nil, err
	}
	sess := newSession(s, conn, hello.ClientName, sub)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return nil, errors.New("server shutting down")
	}
	s.sessions[sess.id] = sess
	controller := s.controllerLabelLocked()
	s.mu.Unlock()

	if err := s.writeMessage(conn, &protocol.AuthResult{OK: true, SessionID: sess.id}); err != nil {
		s.unregister(sess)
		return nil, err
	}

	// Sync frames go out before the write loop starts, so ordering with the
	// live delta stream is preserved.
	if err := s.sync(conn, hello.LastRevision, snap, controller); err != nil {
		s.unregister(sess)
		return nil, err
	}
	return sess, nil
}

func (s *Server) sync(conn net.Conn, lastRev int64, snap *model.QueueSnapshot, controller string) error {
	if lastRev > 0 && lastRev <= snap.Revision {
		if deltas, ok := s.engine.ReplaySince(lastRev); ok {
			for _, d := range deltas {
				if d.Revision > snap.Revision {
					break // the session's own subscription delivers these
				}
				if err := s.writeMessage(conn, &protocol.StateDelta{Delta: d}); err != nil {
					return err
				}
			}
			s.logger.Debug("session resynced by replay",
				"from", lastRev, "to", snap.Revision)
			return nil
		}
	}
	return s.writeMessage(conn, &protocol.Snapshot{State: snap, Controller: controller})
}

// unregister removes a session from the table and releases its resources.
func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	wasController := s.controllerID == sess.id
	if wasController {
		s.controllerID = ""
	}
	s.mu.Unlock()

	sess.close()
	if wasController {
		// Control is released to no one; the next session must request it.
		if err := s.engine.EmitControlChanged(""); err != nil {
			s.logger.Debug("control release not broadcast", "error", err)
		}
	}
}

// drop disconnects a session. Safe to call multiple times.
func (s *Server) drop(sess *session, reason string) {
	s.mu.Lock()
	_, present := s.sessions[sess.id]
	s.mu.Unlock()
	if !present {
		return
	}
	s.logger.Info("session dropped", "session", sess.label(), "reason", reason)
	s.unregister(sess)
}

// requestControl hands control to the session, demoting any previous
// controller. The handover is broadcast through the delta stream.
func (s *Server) requestControl(sess *session) error {
	s.mu.Lock()
	if s.controllerID == sess.id {
		s.mu.Unlock()
		return nil
	}
	s.controllerID = sess.id
	label := sess.label()
	s.mu.Unlock()

	s.logger.Info("control granted", "session", label)
	return s.engine.EmitControlChanged(label)
}

// releaseControl gives up control voluntarily.
func (s *Server) releaseControl(sess *session) error {
	s.mu.Lock()
	if s.controllerID != sess.id {
		current := s.controllerLabelLocked()
		s.mu.Unlock()
		return &model.NotControllerError{Controller: current}
	}
	s.controllerID = ""
	s.mu.Unlock()

	s.logger.Info("control released", "session", sess.label())
	return s.engine.EmitControlChanged("")
}

func (s *Server) isController(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllerID == sess.id
}

// controllerLabelLocked returns the current controller's label. Callers hold
// s.mu.
func (s *Server) controllerLabelLocked() string {
	if sess, ok := s.sessions[s.controllerID]; ok {
		return sess.label()
	}
	return ""
}

// writeMessage encodes and frames one message directly onto a connection.
// Used during handshake and sync, before a session's write loop owns the
// socket.
func (s *Server) writeMessage(conn net.Conn, msg any) error {
	frame, err := s.reg.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(conn, frame)
}
