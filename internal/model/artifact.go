package model

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactKind distinguishes artifact payload types.
type ArtifactKind string

const (
	// ArtifactToolpathManifest is a machine-executable toolpath manifest.
	// Artifacts of this kind may only exist for sessions whose gating
	// decision permits export (GREEN, or YELLOW/RED with an acknowledged
	// override).
	ArtifactToolpathManifest ArtifactKind = "toolpath_manifest"
)

// RunArtifact is a write-once, content-addressed record of machine-executable
// output. ContentHash is the SHA-256 of the canonical payload serialization
// and doubles as the caller-visible handle: no payload leaves the system
// without its hash first being persisted.
type RunArtifact struct {
	ContentHash string       `json:"content_hash"`
	SessionID   uuid.UUID    `json:"session_id"`
	ReportID    uuid.UUID    `json:"report_id"`
	Kind        ArtifactKind `json:"kind"`
	Payload     []byte       `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
}
