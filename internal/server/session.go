package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Woutah/configurun/internal/codec"
	"github.com/Woutah/configurun/internal/protocol"
	"github.com/Woutah/configurun/internal/queue"
	"github.com/Woutah/configurun/pkg/model"
)

// outQueueCap bounds the frames buffered for one session. A session whose
// link cannot keep up is disconnected rather than allowed to stall the
// engine or other sessions; it resyncs on reconnect.
const outQueueCap = 256

// session is one authenticated control connection.
type session struct {
	id   string
	name string
	srv  *Server
	conn net.Conn
	sub  *queue.Subscription

	outCh chan []byte // pre-encoded frames: results, output chunks

	mu      sync.Mutex
	watches map[int64]*outputWatch

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(srv *Server, conn net.Conn, name string, sub *queue.Subscription) *session {
	if name == "" {
		name = "client"
	}
	return &session{
		id:      uuid.NewString(),
		name:    name,
		srv:     srv,
		conn:    conn,
		sub:     sub,
		outCh:   make(chan []byte, outQueueCap),
		watches: make(map[int64]*outputWatch),
		done:    make(chan struct{}),
	}
}

// label identifies the session in logs and control-change broadcasts.
func (sess *session) label() string {
	return fmt.Sprintf("%s#%s", sess.name, sess.id[:8])
}

// close releases the session's resources and unblocks both loops.
func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		sess.conn.Close()
		sess.sub.Close()
		sess.mu.Lock()
		for _, w := range sess.watches {
			w.stop()
		}
		sess.watches = nil
		sess.mu.Unlock()
	})
}

// enqueue hands a pre-encoded frame to the write loop without blocking.
// Returns false when the session is too far behind; the caller disconnects
// it.
func (sess *session) enqueue(frame []byte) bool {
	select {
	case sess.outCh <- frame:
		return true
	case <-sess.done:
		return false
	default:
		return false
	}
}

// send encodes a message and enqueues it, dropping the session on overflow.
func (sess *session) send(msg any) {
	frame, err := sess.srv.reg.Encode(msg)
	if err != nil {
		sess.srv.logger.Error("encode message", "session", sess.label(), "error", err)
		return
	}
	if !sess.enqueue(frame) {
		sess.srv.drop(sess, "send queue overflow")
	}
}

// writeLoop owns the socket's write side: it interleaves the live delta
// stream, queued frames, and heartbeats. Exits when the session dies or the
// engine subscription is cut for lagging.
func (sess *session) writeLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case d, ok := <-sess.sub.C:
			if !ok {
				sess.srv.drop(sess, "delta stream lagged")
				return
			}
			frame, err := sess.srv.reg.Encode(&protocol.StateDelta{Delta: d})
			if err != nil {
				sess.srv.logger.Error("encode delta", "error", err)
				continue
			}
			sess.srv.logger.Debug("delta sent",
				"session", sess.label(), "delta", d.MarshalCompact())
			if !sess.writeFrame(frame) {
				return
			}
		case frame := <-sess.outCh:
			if !sess.writeFrame(frame) {
				return
			}
		case <-ticker.C:
			frame, err := sess.srv.reg.Encode(&protocol.Heartbeat{Time: time.Now().UTC()})
			if err != nil {
				continue
			}
			if !sess.writeFrame(frame) {
				return
			}
		}
	}
}

func (sess *session) writeFrame(frame []byte) bool {
	if err := sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		sess.srv.drop(sess, "set write deadline: "+err.Error())
		return false
	}
	if err := protocol.WriteFrame(sess.conn, frame); err != nil {
		sess.srv.drop(sess, "write: "+err.Error())
		return false
	}
	return true
}

// readLoop owns the socket's read side: commands and client heartbeats.
// Returns when the connection breaks or the client misbehaves.
func (sess *session) readLoop() {
	for {
		if err := sess.conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval)); err != nil {
			return
		}
		frame, err := protocol.ReadFrame(sess.conn)
		if err != nil {
			return
		}
		msg, err := sess.srv.reg.Decode(frame)
		if err != nil {
			kind, _, _ := codec.Peek(frame)
			sess.srv.logger.Warn("undecodable frame",
				"session", sess.label(), "type", kind, "error", err)
			return
		}
		switch m := msg.(type) {
		case *protocol.Command:
			sess.handleCommand(m)
		case *protocol.Heartbeat:
			// Read deadline already extended; nothing else to do.
		default:
			sess.srv.logger.Warn("unexpected message type",
				"session", sess.label(), "type", fmt.Sprintf("%T", msg))
			return
		}
	}
}

// handleCommand executes one command and queues its result. Commands from a
// single session execute in arrival order.
func (sess *session) handleCommand(cmd *protocol.Command) {
	var (
		itemID int64
		err    error
	)
	switch cmd.Op {
	case protocol.OpRequestControl:
		err = sess.srv.requestControl(sess)
	case protocol.OpReleaseControl:
		err = sess.srv.releaseControl(sess)
	case protocol.OpWatchOutput:
		err = sess.watchOutput(cmd.ItemID, cmd.Since)
	case protocol.OpUnwatchOutput:
		sess.unwatchOutput(cmd.ItemID)
	default:
		itemID, err = sess.handleControlCommand(cmd)
	}

	res := &protocol.CommandResult{ID: cmd.ID, OK: err == nil, ItemID: itemID}
	if err != nil {
		res.Err = model.NewWireError(err)
		sess.srv.logger.Debug("command failed",
			"session", sess.label(), "op", cmd.Op, "error", err)
	}
	sess.send(res)
}

// handleControlCommand executes the state-changing operations, which require
// the session to hold control.
func (sess *session) handleControlCommand(cmd *protocol.Command) (int64, error) {
	if !sess.srv.isController(sess) {
		sess.srv.mu.Lock()
		current := sess.srv.controllerLabelLocked()
		sess.srv.mu.Unlock()
		return 0, &model.NotControllerError{Controller: current}
	}

	engine := sess.srv.engine
	switch cmd.Op {
	case protocol.OpAddItem:
		return engine.Enqueue(cmd.Name, cmd.Config)
	case protocol.OpRemoveItem:
		return 0, engine.Remove(cmd.ItemID)
	case protocol.OpReorder:
		return 0, engine.Reorder(cmd.ItemID, cmd.Position)
	case protocol.OpPause:
		return 0, engine.Pause(cmd.ItemID)
	case protocol.OpResume:
		return 0, engine.Resume(cmd.ItemID)
	case protocol.OpCancel:
		return 0, engine.Cancel(cmd.ItemID)
	case protocol.OpSetProcessorCount:
		return 0, engine.SetProcessorCount(cmd.Count)
	case protocol.OpSetAutoprocessing:
		return 0, engine.SetAutoprocessing(cmd.Enabled)
	default:
		return 0, &model.ProtocolError{Detail: "unknown command op " + cmd.Op}
	}
}
