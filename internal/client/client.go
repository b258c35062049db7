// Package client implements the control-channel client: it dials the
// server, authenticates, and keeps a local mirror of the queue state that is
// updated only from server snapshots and deltas. Commands are correlated
// with their results; reconnects resync from the last applied revision.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Woutah/configurun/internal/codec"
	"github.com/Woutah/configurun/internal/config"
	"github.com/Woutah/configurun/internal/protocol"
	"github.com/Woutah/configurun/pkg/model"
)

const (
	dialTimeout       = 10 * time.Second
	commandTimeout    = 30 * time.Second
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// OutputFunc receives one streamed output record for a watched item.
type OutputFunc func(model.OutputRecord)

// ChangeFunc observes every delta applied to the mirror. Called from the
// read loop; implementations must not block.
type ChangeFunc func(model.Delta)

// Client is a control-channel connection with a synchronized state mirror.
// The mirror is never mutated locally; every change arrives from the server.
type Client struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	reg    *codec.Registry

	// OnChange, when set before Connect, observes applied deltas.
	OnChange ChangeFunc

	mu         sync.Mutex
	conn       net.Conn
	sessionID  string
	state      *model.QueueSnapshot
	controller string
	pending    map[string]chan *protocol.CommandResult
	watches    map[int64]OutputFunc
	synced     chan struct{} // closed once the first snapshot/replay lands
	closed     bool

	writeMu sync.Mutex

	readDone chan struct{}
}

// New builds a client; call Connect before issuing commands.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "client"),
		reg:     protocol.NewRegistry(),
		pending: make(map[string]chan *protocol.CommandResult),
		watches: make(map[int64]OutputFunc),
	}
}

// Connect dials the server, completes the handshake, and blocks until the
// mirror holds a consistent state. A mirror surviving from a previous
// connection is resynced by delta replay when possible.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	lastRev := int64(0)
	if c.state != nil {
		lastRev = c.state.Revision
	}
	c.mu.Unlock()

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	sessionID, err := c.handshake(conn, lastRev)
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = sessionID
	c.closed = false
	synced := make(chan struct{})
	if c.state != nil {
		close(synced) // replay deltas will catch the mirror up
	}
	c.synced = synced
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)

	select {
	case <-synced:
	case <-c.readDone:
		return model.ErrConnLost
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
	c.logger.Debug("connected", "session", sessionID, "revision", c.Revision())
	return nil
}

// handshake answers the server's salt challenge.
func (c *Client) handshake(conn net.Conn, lastRev int64) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(dialTimeout)); err != nil {
		return "", err
	}
	msg, err := c.readMessage(conn)
	if err != nil {
		return "", fmt.Errorf("read challenge: %w", err)
	}
	challenge, ok := msg.(*protocol.AuthChallenge)
	if !ok {
		return "", &model.ProtocolError{Detail: "expected auth challenge"}
	}
	if challenge.Version != protocol.Version {
		return "", &model.ProtocolError{
			Detail: fmt.Sprintf("protocol version mismatch: server %d, client %d",
				challenge.Version, protocol.Version),
		}
	}

	hello := &protocol.Authenticate{
		ClientName:   c.cfg.Name,
		PasswordHash: protocol.HashPassword(c.cfg.Password, challenge.Salt),
		LastRevision: lastRev,
	}
	if err := c.writeMessage(conn, hello); err != nil {
		return "", err
	}

	if err := conn.SetReadDeadline(time.Now().Add(dialTimeout)); err != nil {
		return "", err
	}
	msg, err = c.readMessage(conn)
	if err != nil {
		return "", fmt.Errorf("read auth result: %w", err)
	}
	res, ok := msg.(*protocol.AuthResult)
	if !ok {
		return "", &model.ProtocolError{Detail: "expected auth result"}
	}
	if !res.OK {
		return "", &model.AuthenticationError{Reason: res.Reason, AttemptsLeft: res.AttemptsLeft}
	}
	return res.SessionID, nil
}

// Close tears the connection down. The mirror is kept for resync on the
// next Connect.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Run keeps the client connected until ctx is cancelled, reconnecting with
// backoff and resyncing after every drop.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.Connect(ctx)
		if err == nil {
			backoff = time.Second
			select {
			case <-c.readDone:
				c.Close()
				c.logger.Warn("connection lost, reconnecting")
			case <-ctx.Done():
				c.Close()
				return ctx.Err()
			}
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var authErr *model.AuthenticationError
			if errors.As(err, &authErr) {
				return err // wrong password will not fix itself
			}
			c.logger.Warn("connect failed", "error", err, "retry_in", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// State returns a copy of the mirrored queue state, or nil before the first
// sync.
func (c *Client) State() *model.QueueSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	return c.state.Clone()
}

// Revision returns the mirror's current revision.
func (c *Client) Revision() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return 0
	}
	return c.state.Revision
}

// Controller returns the label of the session currently holding control,
// or empty when control is free.
func (c *Client) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// readLoop dispatches incoming frames until the connection dies.
func (c *Client) readLoop(conn net.Conn) {
	defer close(c.readDone)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval)); err != nil {
			return
		}
		msg, err := c.readMessage(conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Debug("read loop ended", "error", err)
			}
			return
		}
		switch m := msg.(type) {
		case *protocol.Snapshot:
			c.applySnapshot(m)
		case *protocol.StateDelta:
			if !c.applyDelta(m.Delta) {
				conn.Close() // mirror diverged; Run resyncs on reconnect
				return
			}
		case *protocol.CommandResult:
			c.deliverResult(m)
		case *protocol.OutputChunk:
			c.deliverOutput(m.Record)
		case *protocol.Heartbeat:
			// Keepalive only; read deadline already extended.
		default:
			c.logger.Warn("unexpected message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) applySnapshot(snap *protocol.Snapshot) {
	c.mu.Lock()
	c.state = snap.State.Clone()
	c.controller = snap.Controller
	synced := c.synced
	c.mu.Unlock()

	select {
	case <-synced:
	default:
		close(synced)
	}
}

// applyDelta advances the mirror by one revision. Returns false on a
// revision gap, which means the mirror can no longer be trusted.
func (c *Client) applyDelta(d model.Delta) bool {
	c.mu.Lock()
	if c.state == nil || d.Revision != c.state.Revision+1 {
		have := int64(0)
		if c.state != nil {
			have = c.state.Revision
		}
		c.mu.Unlock()
		c.logger.Warn("revision gap in delta stream", "have", have, "got", d.Revision)
		return false
	}
	d.Apply(c.state)
	if d.Kind == model.DeltaControlChanged {
		c.controller = d.Controller
	}
	onChange := c.OnChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(d)
	}
	return true
}

func (c *Client) deliverResult(res *protocol.CommandResult) {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	delete(c.pending, res.ID)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *Client) deliverOutput(rec model.OutputRecord) {
	c.mu.Lock()
	fn := c.watches[rec.ItemID]
	c.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// heartbeatLoop keeps the server's read deadline fresh while the
// connection is idle.
func (c *Client) heartbeatLoop(conn net.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.readDone:
			return
		case <-ticker.C:
			if err := c.writeMessage(conn, &protocol.Heartbeat{Time: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) readMessage(conn net.Conn) (any, error) {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return c.reg.Decode(frame)
}

func (c *Client) writeMessage(conn net.Conn, msg any) error {
	frame, err := c.reg.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return protocol.WriteFrame(conn, frame)
}

// do sends one command and waits for its result.
func (c *Client) do(ctx context.Context, cmd *protocol.Command) (*protocol.CommandResult, error) {
	cmd.ID = uuid.NewString()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, model.ErrConnLost
	}
	ch := make(chan *protocol.CommandResult, 1)
	c.pending[cmd.ID] = ch
	c.mu.Unlock()

	if err := c.writeMessage(conn, cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, model.ErrConnLost
		}
		if !res.OK {
			if res.Err != nil {
				return nil, res.Err
			}
			return nil, errors.New("command failed")
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, cmd.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.readDone:
		return nil, model.ErrConnLost
	}
}
