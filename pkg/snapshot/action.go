package snapshot

import (
	"encoding"
	"fmt"

	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// ActionKind identifies one variant of the Action union.
type ActionKind int

const (
	CopyToRemote ActionKind = iota + 1
	CopyToLocal
	DeleteLocal
	DeleteRemote
	CreateLocalDir
	CreateRemoteDir
	DeleteLocalDir
	DeleteRemoteDir
	Conflict
)

var actionKindToString = map[ActionKind]string{
	CopyToRemote:    "copy-to-remote",
	CopyToLocal:     "copy-to-local",
	DeleteLocal:     "delete-local",
	DeleteRemote:    "delete-remote",
	CreateLocalDir:  "create-local-dir",
	CreateRemoteDir: "create-remote-dir",
	DeleteLocalDir:  "delete-local-dir",
	DeleteRemoteDir: "delete-remote-dir",
	Conflict:        "conflict",
}

var stringToActionKind map[string]ActionKind

func init() {
	stringToActionKind = util.InvertMap(actionKindToString)
}

func (k ActionKind) String() string {
	if str, ok := actionKindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_action(%d)", k)
}

// MarshalText implements the encoding.TextMarshaler interface.
func (k ActionKind) MarshalText() ([]byte, error) {
	if str, ok := actionKindToString[k]; ok {
		return []byte(str), nil
	}
	return nil, fmt.Errorf("invalid action kind: %d", k)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (k *ActionKind) UnmarshalText(text []byte) error {
	if v, ok := stringToActionKind[string(text)]; ok {
		*k = v
		return nil
	}
	return fmt.Errorf("invalid action kind: %q", text)
}

var _ encoding.TextMarshaler = ActionKind(0)
var _ encoding.TextUnmarshaler = (*ActionKind)(nil)

// IsCopy reports whether the kind transfers file content.
func (k ActionKind) IsCopy() bool {
	return k == CopyToRemote || k == CopyToLocal
}

// IsDelete reports whether the kind removes a file or directory and therefore
// needs confirmation.
func (k ActionKind) IsDelete() bool {
	return k == DeleteLocal || k == DeleteRemote || k == DeleteLocalDir || k == DeleteRemoteDir
}

// IsDir reports whether the kind operates on a directory.
func (k ActionKind) IsDir() bool {
	return k == CreateLocalDir || k == CreateRemoteDir || k == DeleteLocalDir || k == DeleteRemoteDir
}

// Action is one planned step. It is produced by the planner and consumed
// exactly once by the executor.
type Action struct {
	Kind ActionKind `json:"kind"`
	Path string     `json:"path"`
}

func (a Action) String() string {
	return a.Kind.String() + " " + a.Path
}

// State is the lifecycle of a single action inside the executor.
type State int

const (
	Pending State = iota
	Executing
	Completed
	Skipped
	Canceled
)

var stateToString = map[State]string{
	Pending:   "pending",
	Executing: "executing",
	Completed: "completed",
	Skipped:   "skipped",
	Canceled:  "canceled",
}

func (s State) String() string {
	if str, ok := stateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_state(%d)", s)
}

// Resolution is the caller's answer to a Conflict.
type Resolution int

const (
	KeepLocal Resolution = iota + 1
	KeepRemote
	Skip
)

var resolutionToString = map[Resolution]string{
	KeepLocal:  "local",
	KeepRemote: "remote",
	Skip:       "skip",
}

var stringToResolution map[string]Resolution

func init() {
	stringToResolution = util.InvertMap(resolutionToString)
}

func (r Resolution) String() string {
	if str, ok := resolutionToString[r]; ok {
		return str
	}
	return fmt.Sprintf("unknown_resolution(%d)", r)
}

// ParseResolution maps "local", "remote" or "skip" to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	if r, ok := stringToResolution[s]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("invalid conflict resolution: %q. Must be 'local', 'remote' or 'skip'", s)
}
