package protocol

import (
	"encoding/json"
	"time"

	"github.com/Woutah/configurun/internal/codec"
	"github.com/Woutah/configurun/pkg/model"
)

// Command operations a controller session may issue.
const (
	OpAddItem           = "add_item"
	OpRemoveItem        = "remove_item"
	OpReorder           = "reorder"
	OpPause             = "pause"
	OpResume            = "resume"
	OpCancel            = "cancel"
	OpSetProcessorCount = "set_processor_count"
	OpSetAutoprocessing = "set_autoprocessing"
	OpRequestControl    = "request_control"
	OpReleaseControl    = "release_control"
	OpWatchOutput       = "watch_output"
	OpUnwatchOutput     = "unwatch_output"
)

// AuthChallenge is the first frame the server sends on a new connection.
type AuthChallenge struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
}

// Authenticate is the client's response to the challenge. PasswordHash is
// the hex SHA-256 of salt+password; the password itself never travels.
// LastRevision lets a reconnecting client ask for a delta replay instead of
// a full snapshot.
type Authenticate struct {
	ClientName   string `json:"client_name"`
	PasswordHash string `json:"password_hash"`
	LastRevision int64  `json:"last_revision"`
}

// AuthResult closes the handshake. On failure AttemptsLeft tells the client
// how many retries remain before the server drops the connection.
type AuthResult struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
	AttemptsLeft int    `json:"attempts_left,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Controller   bool   `json:"controller,omitempty"`
}

// Snapshot resynchronizes a session with the full queue state.
type Snapshot struct {
	State      *model.QueueSnapshot `json:"state"`
	Controller string               `json:"controller,omitempty"`
}

// StateDelta carries one incremental queue change.
type StateDelta struct {
	Delta model.Delta `json:"delta"`
}

// Command is a state-changing request. ID correlates the eventual
// CommandResult; only the fields relevant to Op are set.
type Command struct {
	ID string `json:"id"`
	Op string `json:"op"`

	Name     string          `json:"name,omitempty"`     // add_item
	Config   json.RawMessage `json:"config,omitempty"`   // add_item
	ItemID   int64           `json:"item_id,omitempty"`  // item-scoped ops
	Position int             `json:"position,omitempty"` // reorder
	Count    int             `json:"count,omitempty"`    // set_processor_count
	Enabled  bool            `json:"enabled,omitempty"`  // set_autoprocessing
	Since    int64           `json:"since,omitempty"`    // watch_output offset
}

// CommandResult reports the outcome of a Command.
type CommandResult struct {
	ID     string           `json:"id"`
	OK     bool             `json:"ok"`
	ItemID int64            `json:"item_id,omitempty"` // add_item: assigned id
	Err    *model.WireError `json:"error,omitempty"`
}

// OutputChunk streams one captured output record to a watching session.
type OutputChunk struct {
	Record model.OutputRecord `json:"record"`
}

// Heartbeat keeps idle connections verified in both directions.
type Heartbeat struct {
	Time time.Time `json:"time"`
}

// Register installs every wire message in a codec registry. Both ends must
// call it over a fresh registry before exchanging frames.
func Register(reg *codec.Registry) {
	reg.Register("auth_challenge", func() any { return &AuthChallenge{} })
	reg.Register("authenticate", func() any { return &Authenticate{} })
	reg.Register("auth_result", func() any { return &AuthResult{} })
	reg.Register("snapshot", func() any { return &Snapshot{} })
	reg.Register("delta", func() any { return &StateDelta{} })
	reg.Register("command", func() any { return &Command{} })
	reg.Register("command_result", func() any { return &CommandResult{} })
	reg.Register("output_chunk", func() any { return &OutputChunk{} })
	reg.Register("heartbeat", func() any { return &Heartbeat{} })
}

// NewRegistry returns a codec registry with all wire messages installed.
func NewRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	Register(reg)
	return reg
}
