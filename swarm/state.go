package swarm

import (
	"fmt"
	"strings"

	"github.com/bobg/p2psync"
)

// State is the state of a download session.
type State int

const (
	Resolving State = iota + 1
	FetchingMetadata
	Downloading
	Verifying
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case FetchingMetadata:
		return "fetching metadata"
	case Downloading:
		return "downloading"
	case Verifying:
		return "verifying"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FailedError is the error produced by a session that ends in the Failed state.
type FailedError struct {
	// Hash is the session's target.
	Hash p2psync.Hash

	// Path is the target's location relative to the download root.
	Path string

	// State is the state the session was in when it failed.
	State State

	// Unresolved lists the chunks of a file that no peer could supply.
	Unresolved []int

	// Children maps the hashes of a directory's failed children to their errors.
	Children p2psync.MultiErr

	// Err is the underlying cause.
	// For a directory with failed children it is one of the children's errors.
	Err error
}

func (e *FailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "downloading %s", e.Hash.Short())
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	fmt.Fprintf(&b, " failed while %s", e.State)
	if len(e.Unresolved) > 0 {
		fmt.Fprintf(&b, "; unresolved chunks %v", e.Unresolved)
	}
	if len(e.Children) > 0 {
		fmt.Fprintf(&b, "; %d child(ren) failed", len(e.Children))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	return b.String()
}

func (e *FailedError) Unwrap() error {
	return e.Err
}
