package p2psync

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies the failures this module can report.
type ErrorKind int

const (
	// KindIO is a local filesystem failure while indexing or writing output.
	KindIO ErrorKind = iota + 1

	// KindFormat is an unrecognized or corrupt serialized form.
	KindFormat

	// KindNetwork is a peer or tracker that is unreachable or timed out.
	KindNetwork

	// KindIntegrity is a hash mismatch.
	KindIntegrity

	// KindNotFound is a hash unknown to the server or tracker consulted.
	KindNotFound

	// KindRange is an out-of-bounds chunk index.
	KindRange

	// KindNoPeers means no tracker knew of any peer for a hash.
	KindNoPeers
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "i/o error"
	case KindFormat:
		return "format error"
	case KindNetwork:
		return "network error"
	case KindIntegrity:
		return "integrity error"
	case KindNotFound:
		return "not found"
	case KindRange:
		return "chunk index out of range"
	case KindNoPeers:
		return "no peers"
	}
	return "unknown error"
}

// Error is an error of a specific kind.
// Use errors.Is with one of the sentinel values
// (ErrIO, ErrFormat, etc.)
// to test an error's kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is tells whether target is a sentinel of the same kind as e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Sentinel errors, one per kind.
var (
	ErrIO        = &Error{Kind: KindIO}
	ErrFormat    = &Error{Kind: KindFormat}
	ErrNetwork   = &Error{Kind: KindNetwork}
	ErrIntegrity = &Error{Kind: KindIntegrity}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrRange     = &Error{Kind: KindRange}
	ErrNoPeers   = &Error{Kind: KindNoPeers}
)

func kindError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// IOError marks err as an I/O error.
// It returns nil if err is nil.
func IOError(err error) error { return kindError(KindIO, err) }

// FormatError marks err as a format error.
func FormatError(err error) error { return kindError(KindFormat, err) }

// NetworkError marks err as a network error.
func NetworkError(err error) error { return kindError(KindNetwork, err) }

// IntegrityError marks err as an integrity error.
func IntegrityError(err error) error { return kindError(KindIntegrity, err) }

// NotFoundError marks err as a not-found error.
func NotFoundError(err error) error { return kindError(KindNotFound, err) }

// RangeError marks err as a range error.
func RangeError(err error) error { return kindError(KindRange, err) }

// NoPeersError marks err as a no-peers error.
func NoPeersError(err error) error { return kindError(KindNoPeers, err) }

// KindOf reports the kind of the outermost Error in err's chain,
// or zero if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// MultiErr maps individual hashes to errors encountered handling them.
type MultiErr map[Hash]error

// Error implements the error interface.
func (e MultiErr) Error() string {
	hashes := make([]Hash, 0, len(e))
	for h := range e {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })

	var strs []string
	for _, h := range hashes {
		strs = append(strs, fmt.Sprintf("%s: %s", h, e[h]))
	}
	return "error(s): " + strings.Join(strs, "; ")
}
