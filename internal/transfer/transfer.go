// Package transfer implements the Transfer Queue: a single bounded-FIFO
// worker that streams files between local disk and remote SFTP
// endpoints, emitting throttled progress events and verifying
// end-to-end integrity when requested.
package transfer

import (
	"time"

	"github.com/google/uuid"
)

// EndpointKind discriminates a transfer endpoint.
type EndpointKind int

const (
	EndpointLocal EndpointKind = iota
	EndpointRemote
)

// Endpoint is either a local filesystem path or a path on an already
// connected remote session.
type Endpoint struct {
	Kind      EndpointKind
	SessionID uuid.UUID // EndpointRemote only
	Path      string
}

// File carries one item to copy within a job. Skip is set by the
// queue's preflight pass (IfNewer/resume pre-checks) and is not part
// of the caller-supplied job description.
type File struct {
	SourcePath string
	DestPath   string
	Size       int64
	IsDir      bool
	Skip       bool
}

// OverwritePolicy controls what happens when the destination already exists.
type OverwritePolicy int

const (
	OverwriteAsk OverwritePolicy = iota
	OverwriteReplace
	OverwriteSkip
	OverwriteIfNewer
)

// Options configures one TransferJob's behavior.
type Options struct {
	Overwrite           OverwritePolicy
	PreservePermissions bool
	PreserveTimes       bool
	VerifyChecksum      bool
	Resume              bool
	BufferSize          int
}

// State is a TransferJob's lifecycle stage.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

// Progress mirrors events.TransferProgress. transfer imports events, so
// events keeps its own copy of this shape rather than importing transfer
// (see internal/events's own note).
type Progress struct {
	BytesTransferred int64
	BytesTotal       int64
	FilesCompleted   int
	FilesTotal       int
	CurrentFile      string
	SpeedBps         float64
	ETASeconds       *float64
}

// Job is one unit of work accepted by the queue.
type Job struct {
	ID        uuid.UUID
	Source    Endpoint
	Dest      Endpoint
	Files     []File
	Options   Options
	State     State
	Progress  Progress
	FailedReason string
	CreatedAt time.Time

	startedAt time.Time
}
