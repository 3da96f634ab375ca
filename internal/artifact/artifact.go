// Package artifact implements the content-addressed, write-once store for
// machine-executable output. An artifact's handle is the SHA-256 of its
// canonical serialization; payloads are verified against their hash on
// every read so a corrupted row can never reach a machine.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/storage"
)

// Hash version prefix. The prefix is part of the stored handle so the
// encoding can evolve without invalidating existing artifacts.
const hashV1Prefix = "v1:"

// ErrIntegrityFault is returned when a stored payload and its content
// hash disagree, or when a put collides with an existing hash carrying a
// different payload. Either is treated as data corruption, never as a
// recoverable conflict.
var ErrIntegrityFault = errors.New("artifact: content hash does not match payload")

// ComputeHash produces the versioned content hash for a payload. Each
// field is written with a 4-byte big-endian length prefix so payload
// bytes can never be confused with kind bytes.
func ComputeHash(kind model.ArtifactKind, payload []byte) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(kind))
	writeField(payload)
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyHash recomputes the hash for kind and payload and compares it to
// the stored handle.
func VerifyHash(stored string, kind model.ArtifactKind, payload []byte) bool {
	return stored == ComputeHash(kind, payload)
}

// Repository is the persistence surface the store needs. Implementations
// return storage.ErrNotFound from GetArtifact and storage.ErrDuplicate
// from InsertArtifact on a hash collision.
type Repository interface {
	InsertArtifact(ctx context.Context, a model.RunArtifact) error
	GetArtifact(ctx context.Context, contentHash string) (model.RunArtifact, error)
	GetArtifactForReport(ctx context.Context, sessionID, reportID uuid.UUID) (model.RunArtifact, error)
}

// Store persists and retrieves artifacts with write-once semantics.
type Store struct {
	repo   Repository
	logger *slog.Logger
}

// NewStore creates a store. A nil logger falls back to slog.Default.
func NewStore(repo Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, logger: logger}
}

// Put persists a payload under its content hash. Re-putting an identical
// payload is idempotent and returns the existing record; a hash collision
// with a different payload is an integrity fault.
func (s *Store) Put(ctx context.Context, sessionID, reportID uuid.UUID, kind model.ArtifactKind, payload []byte) (model.RunArtifact, error) {
	if len(payload) == 0 {
		return model.RunArtifact{}, fmt.Errorf("artifact: empty payload")
	}

	a := model.RunArtifact{
		ContentHash: ComputeHash(kind, payload),
		SessionID:   sessionID,
		ReportID:    reportID,
		Kind:        kind,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}

	err := s.repo.InsertArtifact(ctx, a)
	if err == nil {
		s.logger.Info("artifact stored",
			"content_hash", a.ContentHash,
			"session_id", sessionID,
			"kind", kind,
			"bytes", len(payload))
		return a, nil
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		return model.RunArtifact{}, fmt.Errorf("artifact: persist: %w", err)
	}

	existing, getErr := s.repo.GetArtifact(ctx, a.ContentHash)
	if getErr != nil {
		return model.RunArtifact{}, fmt.Errorf("artifact: read back existing: %w", getErr)
	}
	if existing.Kind != kind || !bytes.Equal(existing.Payload, payload) {
		s.logger.Error("artifact hash collision with divergent payload",
			"content_hash", a.ContentHash)
		return model.RunArtifact{}, ErrIntegrityFault
	}
	return existing, nil
}

// ForReport retrieves the artifact already stored for a decision point,
// verified like Get. Returns storage.ErrNotFound when none was stored.
func (s *Store) ForReport(ctx context.Context, sessionID, reportID uuid.UUID) (model.RunArtifact, error) {
	a, err := s.repo.GetArtifactForReport(ctx, sessionID, reportID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.RunArtifact{}, err
		}
		return model.RunArtifact{}, fmt.Errorf("artifact: get for report %s: %w", reportID, err)
	}
	if !VerifyHash(a.ContentHash, a.Kind, a.Payload) {
		s.logger.Error("artifact failed verification on read",
			"content_hash", a.ContentHash)
		return model.RunArtifact{}, ErrIntegrityFault
	}
	return a, nil
}

// Get retrieves an artifact and verifies its payload against the handle
// before returning it.
func (s *Store) Get(ctx context.Context, contentHash string) (model.RunArtifact, error) {
	a, err := s.repo.GetArtifact(ctx, contentHash)
	if err != nil {
		return model.RunArtifact{}, fmt.Errorf("artifact: get %s: %w", contentHash, err)
	}
	if !VerifyHash(a.ContentHash, a.Kind, a.Payload) {
		s.logger.Error("artifact failed verification on read",
			"content_hash", a.ContentHash)
		return model.RunArtifact{}, ErrIntegrityFault
	}
	return a, nil
}
