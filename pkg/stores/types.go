package stores

import (
	"context"
	"time"
)

// ArtifactStatus records whether a script's last compile produced an artifact.
type ArtifactStatus string

const (
	ArtifactStatusOK    ArtifactStatus = "ok"
	ArtifactStatusError ArtifactStatus = "error"
)

// EventLevel represents the severity level of a compile event.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// ArtifactRecord is the build index row for one script: where its source and
// compiled artifact live, the content hash the compile cache keys on, and the
// outcome of the last compile.
type ArtifactRecord struct {
	// Script is the script identity: the project-relative source path.
	Script string `json:"script"`

	// SourcePath is the absolute path of the authored source.
	SourcePath string `json:"source_path"`

	// ArtifactPath is the absolute path of the compiled artifact. Empty when
	// the last compile failed.
	ArtifactPath string `json:"artifact_path,omitempty"`

	// SourceHash is the xxhash64 of the source content, hex-encoded. The
	// compiler skips recompilation when the hash is unchanged and the
	// artifact is still on disk.
	SourceHash string `json:"source_hash"`

	// SourceModTime is the source file's modification time at compile.
	SourceModTime time.Time `json:"source_mtime"`

	// CompiledAt is when the compile finished.
	CompiledAt time.Time `json:"compiled_at"`

	// Status is the compile outcome.
	Status ArtifactStatus `json:"status"`

	// Error holds the compile error message when Status is error.
	Error string `json:"error,omitempty"`
}

// CompileEvent is one entry in the editor's persistent problems feed.
type CompileEvent struct {
	// ID is the event's uuid.
	ID string `json:"id"`

	// Script is the script the event concerns.
	Script string `json:"script"`

	// Level is the event severity.
	Level EventLevel `json:"level"`

	// Message is the human-readable event text.
	Message string `json:"message"`

	// CreatedAt is when the event was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistent build index: compiled artifact records keyed by
// script identity plus an append-only compile event log.
type Store interface {
	// Init opens the database and applies pending migrations.
	Init(ctx context.Context) error

	// Close closes the database.
	Close() error

	// UpsertArtifact inserts or replaces a script's artifact record.
	UpsertArtifact(ctx context.Context, rec *ArtifactRecord) error

	// GetArtifact returns a script's artifact record, or nil when the script
	// has never been compiled.
	GetArtifact(ctx context.Context, script string) (*ArtifactRecord, error)

	// ListArtifacts returns all artifact records ordered by script identity.
	ListArtifacts(ctx context.Context) ([]ArtifactRecord, error)

	// DeleteArtifact removes a script's artifact record and its events.
	DeleteArtifact(ctx context.Context, script string) error

	// CountCompiled returns the number of scripts with a current artifact.
	CountCompiled(ctx context.Context) (int, error)

	// AppendEvent appends a compile event to the problems feed.
	AppendEvent(ctx context.Context, ev *CompileEvent) error

	// ListEvents returns a script's most recent events, newest first. An
	// empty script matches all scripts.
	ListEvents(ctx context.Context, script string, limit int) ([]CompileEvent, error)
}
