// Package protocol defines the control-channel wire format: length-prefixed
// frames carrying codec envelopes, the message vocabulary exchanged between
// server and clients, and the salted challenge/response authentication.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is bumped on incompatible wire changes. It travels in the
// authentication challenge so clients can fail fast on a mismatch.
const Version = 1

// MaxFrameSize caps a single frame payload. Snapshots of large queues fit
// comfortably; anything bigger indicates a corrupt or hostile peer.
const MaxFrameSize = 10 * 1024 * 1024

// WriteFrame writes a length-prefixed frame.
// Format: [4-byte BigEndian length][payload]
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return buf, nil
}
