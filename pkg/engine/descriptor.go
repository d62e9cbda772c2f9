package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"digital.vasic.fileops/pkg/client"
	"digital.vasic.fileops/pkg/keylock"
	"digital.vasic.fileops/pkg/throttle"
	"digital.vasic.fileops/pkg/undo"
)

// Kind is the kind of a file operation.
type Kind int

const (
	Copy Kind = iota
	Move
	Delete
	Rename
)

var kindNames = map[Kind]string{
	Copy:   "copy",
	Move:   "move",
	Delete: "delete",
	Rename: "rename",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown operation kind %d", int(k))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, client.NewError(client.KindInvalid, "parse", s, fmt.Errorf("unknown operation kind %q", s))
}

// Ref addresses a path on a configured resource.
type Ref struct {
	Resource string `json:"resource"`
	Path     string `json:"path"`
}

// ParseRef parses "resource:path".
func ParseRef(s string) (Ref, error) {
	resource, p, ok := strings.Cut(s, ":")
	if !ok || resource == "" || p == "" {
		return Ref{}, client.NewError(client.KindInvalid, "parse", s, fmt.Errorf("expected resource:path"))
	}
	return Ref{Resource: resource, Path: cleanPath(p)}, nil
}

func (r Ref) String() string {
	return r.Resource + ":" + r.Path
}

func (r Ref) lockKey() string {
	return keylock.Key(r.Resource, r.Path)
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// Resolution is a caller decision on an existing destination file.
type Resolution int

const (
	// Ask defers to the engine Resolver.
	Ask Resolution = iota
	Skip
	Overwrite
	KeepBoth
)

func (r Resolution) String() string {
	switch r {
	case Skip:
		return "skip"
	case Overwrite:
		return "overwrite"
	case KeepBoth:
		return "keep-both"
	default:
		return "ask"
	}
}

// Descriptor describes one requested operation. Dest is unused by Delete;
// Rename stays on the source resource.
type Descriptor struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Source      Ref               `json:"source"`
	Dest        Ref               `json:"dest"`
	Size        int64             `json:"size"`
	RequestedAt time.Time         `json:"requested_at"`
	Priority    throttle.Priority `json:"priority"`
	// Context is the interactive context whose undo history receives the
	// descriptor of a successful operation.
	Context    string     `json:"context,omitempty"`
	OnConflict Resolution `json:"on_conflict,omitempty"`
}

// State is the execution state of an operation.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	Cancelled
	// Queued operations were parked in the offline queue.
	Queued
	// Skipped operations found an existing destination and were told to skip.
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Queued:
		return "queued"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Done reports whether s is final.
func (s State) Done() bool {
	return s != Pending && s != Running
}

// Result is the outcome of one operation.
type Result struct {
	Descriptor Descriptor
	State      State
	Err        error
	// Dest is where the file ended up; it differs from Descriptor.Dest when
	// KeepBoth picked a new name.
	Dest  Ref
	Bytes int64
	// Undo is set when the operation was recorded as undoable.
	Undo *undo.Descriptor

	items []undo.Item
}

// Conflict is raised when the destination of an operation exists.
type Conflict struct {
	Descriptor Descriptor
	Existing   *client.FileInfo
}

// Resolver decides a conflict. It may block until the caller answers.
type Resolver func(ctx context.Context, c Conflict) (Resolution, error)

// Always returns a Resolver that always answers r.
func Always(r Resolution) Resolver {
	return func(context.Context, Conflict) (Resolution, error) { return r, nil }
}

// Progress receives transfer progress of an operation.
type Progress func(d Descriptor, transferred, total int64)

// BatchResult is the outcome of a batch.
type BatchResult struct {
	Succeeded []*Result
	Skipped   []*Result
	Queued    []*Result
	Failed    []*Result
	// Undo covers every undoable item of the batch.
	Undo *undo.Descriptor
}
