// Package trail provides a non-destructive multichannel audio track store.
// Edits never touch sample data already written to disk: a Trail maps virtual
// time to ranges of backing temp files, and a Pyramid keeps reduced-rate
// copies of a Trail up to date for display and playback at any zoom level.
package trail

import "errors"

// Contract errors
var (
	// ErrInvalidOperation indicates a caller bug: an interval out of bounds,
	// a write to a silent stake, a negative-length trim, or similar.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrChannelMismatch indicates that buffers or stakes disagree on the
	// number of channels.
	ErrChannelMismatch = errors.New("channel count mismatch")

	// ErrUnsupportedModel indicates an unknown decimation model or a model
	// used with a decimation factor it cannot handle.
	ErrUnsupportedModel = errors.New("unsupported decimation model")
)

// Storage errors
var (
	// ErrIO indicates that a backing file operation failed.
	ErrIO = errors.New("backing file i/o failed")

	// ErrBadTempFile indicates that a temp file header could not be parsed.
	ErrBadTempFile = errors.New("malformed temp file")

	// ErrInvalidWAV indicates that a WAV stream could not be decoded.
	ErrInvalidWAV = errors.New("invalid wav stream")
)

// Lifecycle errors
var (
	// ErrDisposed indicates that the trail, pyramid or store was already disposed.
	ErrDisposed = errors.New("already disposed")

	// ErrDependantsAttached indicates that a trail still has dependants
	// registered and cannot be disposed yet.
	ErrDependantsAttached = errors.New("dependants still attached")

	// ErrCancelled indicates that a long running operation observed cancellation.
	ErrCancelled = errors.New("operation cancelled")
)

// Edit log errors
var (
	// ErrNoEdit indicates that there is nothing to undo or redo.
	ErrNoEdit = errors.New("no edit available")

	// ErrNoCompound indicates that Commit or Rollback was called without Begin.
	ErrNoCompound = errors.New("no active compound edit")

	// ErrCompoundPoisoned indicates that an inner compound edit rolled back,
	// so the outer one was rolled back as well.
	ErrCompoundPoisoned = errors.New("compound edit was poisoned by inner rollback")
)
