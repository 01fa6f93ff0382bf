package rhizome

import (
	"errors"
)

// Sentinel errors, matching the taxonomy in the engine's error handling
// design: configuration faults, queue pressure, and bad input data. Transient
// transport faults are not sentinel errors -- they are handled internally by
// falling back to the datagram transport, and never escape to callers.
var (
	// ErrBadManifest indicates a manifest missing required fields (e.g. a
	// zero id), rejected before it reaches any queue.
	ErrBadManifest = errors.New("rhizome: bad manifest")

	// ErrNoPeerAddress indicates a PeerCoordinate with neither a stream
	// address nor an overlay id, from which no transport could be reached.
	ErrNoPeerAddress = errors.New("rhizome: peer coordinate has no usable address")

	// ErrQueueFull names the condition where no insertion index is
	// available for a candidate, and no lower-priority displaceable
	// candidate exists. Engine.Suggest reports that condition as
	// DroppedNoQueue; nothing in this package returns ErrQueueFull.
	ErrQueueFull = errors.New("rhizome: queue full")

	// ErrNoImportDir indicates the configured import directory is missing
	// or unusable; this is a fatal configuration fault, surfaced at the
	// first activation attempt rather than at construction, matching the
	// source's lazy validation of the scratch directory.
	ErrNoImportDir = errors.New("rhizome: import directory unavailable")

	// ErrSlotBusy indicates the requested slot already has an active fetch.
	ErrSlotBusy = errors.New("rhizome: slot busy")

	// ErrEngineClosed is returned by DefaultPoller.Watch once the poller
	// has been closed.
	ErrEngineClosed = errors.New("rhizome: engine closed")
)
