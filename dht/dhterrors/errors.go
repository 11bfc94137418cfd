// Package dhterrors defines the error vocabulary DHT's fan-out and
// lookup/rename/migrate engines use to talk about per-subvolume failures
// and the single (op_ret, op_errno) pair callers eventually see.
package dhterrors

import (
	"bytes"
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds that propagate across fan-out,
// lookup, rename and migrate. These are compared with errors.Is, never
// with ==, so subvolume implementations are free to wrap them with
// path/gfid context.
var (
	// ErrNotExist is returned when a name doesn't exist on a subvolume at all.
	ErrNotExist = errors.New("dht: no such file or directory")
	// ErrStale marks a cached layout or inode reference that no longer holds.
	ErrStale = errors.New("dht: stale file handle")
	// ErrSubvolDown means the subvolume needed by this operation is not connected.
	ErrSubvolDown = errors.New("dht: subvolume not connected")
	// ErrSplitBrain is returned when a name resolves to a file on one
	// subvolume and a directory on another; requires admin intervention.
	ErrSplitBrain = errors.New("dht: path exists as a file on one subvolume and directory on another")
	// ErrNoSpace means every placement candidate is filled.
	ErrNoSpace = errors.New("dht: no space left on any subvolume")
	// ErrInvalid marks a violated argument invariant (nil loc, missing inode, ...).
	ErrInvalid = errors.New("dht: invalid argument")
	// ErrRemote is internal-only: "I am no longer the right subvolume for
	// this fd", triggering the two-attempt *_2 continuation.
	ErrRemote = errors.New("dht: operation belongs on a different subvolume")
	// ErrNoHashedSubvol is returned by layout search when no slice covers a hash.
	ErrNoHashedSubvol = errors.New("dht: no subvolume for hash")
	// ErrExist mirrors EEXIST: name already present with the requested identity.
	ErrExist = errors.New("dht: file exists")
	// ErrNotLinkfile is returned when a linkfile collision resolves to a
	// real (non-linkto) file, so the creation cannot be recovered.
	ErrNotLinkfile = errors.New("dht: existing file is not a linkto")
)

// Errors wraps a slice of per-subvolume errors collected during a fan-out
// call. Modeled directly on backend/union/errors.go's aggregate type.
type Errors []error

// Map returns a copy of the slice with every error passed through mapping.
// A mapping that returns nil drops that error from the result.
func (e Errors) Map(mapping func(error) error) Errors {
	out := make([]error, 0, len(e))
	for _, err := range e {
		if err == nil {
			continue
		}
		if nerr := mapping(err); nerr != nil {
			out = append(out, nerr)
		}
	}
	return Errors(out)
}

// FilterNil returns e with all nil entries removed.
func (e Errors) FilterNil() Errors {
	return e.Map(func(err error) error { return err })
}

// Err returns e as an error, or nil if every entry was nil.
func (e Errors) Err() error {
	ne := e.FilterNil()
	if len(ne) == 0 {
		return nil
	}
	return ne
}

// Error implements the error interface, concatenating each wrapped error.
func (e Errors) Error() string {
	var buf bytes.Buffer
	switch len(e) {
	case 0:
		buf.WriteString("no error")
	case 1:
		buf.WriteString("1 error: ")
	default:
		fmt.Fprintf(&buf, "%d errors: ", len(e))
	}
	for i, err := range e {
		if i != 0 {
			buf.WriteString("; ")
		}
		if err != nil {
			buf.WriteString(err.Error())
		} else {
			buf.WriteString("nil error")
		}
	}
	return buf.String()
}

// Unwrap exposes the wrapped errors for errors.Is/As chains.
func (e Errors) Unwrap() []error {
	return e
}

// Any reports whether at least one wrapped error satisfies errors.Is(err, target).
func (e Errors) Any(target error) bool {
	for _, err := range e {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
