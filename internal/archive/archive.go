// Package archive persists migration run artifacts and checkpoints in blob
// storage under migrations/<run-id>/, so interrupted runs can resume and
// reviewers can pull the duplicate sink for sign-off.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"rostercore/internal/blob"
)

const (
	prefix         = "migrations"
	checkpointName = "checkpoint.json"
	contentType    = "application/json"
)

// MigrationArchive stores run artifacts and batch checkpoints. Reruns of a
// run id replace prior payloads, so the archive always reflects the latest
// state of the run.
type MigrationArchive struct {
	blobs blob.Store
}

// New wraps a blob store.
func New(blobs blob.Store) *MigrationArchive {
	return &MigrationArchive{blobs: blobs}
}

// Archive writes one named run artifact.
func (a *MigrationArchive) Archive(ctx context.Context, runID, name string, payload []byte) error {
	key, err := artifactKey(runID, name)
	if err != nil {
		return err
	}
	_, err = a.blobs.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{ContentType: contentType, Overwrite: true})
	return err
}

// SaveCheckpoint records batch progress for the run.
func (a *MigrationArchive) SaveCheckpoint(ctx context.Context, runID string, payload []byte) error {
	return a.Archive(ctx, runID, checkpointName, payload)
}

// LoadCheckpoint returns the stored progress for the run, reporting false
// when the run has none.
func (a *MigrationArchive) LoadCheckpoint(ctx context.Context, runID string) ([]byte, bool, error) {
	key, err := artifactKey(runID, checkpointName)
	if err != nil {
		return nil, false, err
	}
	_, rc, err := a.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rc.Close() }()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// ListArtifacts returns the stored artifacts for the run, sorted by key.
func (a *MigrationArchive) ListArtifacts(ctx context.Context, runID string) ([]blob.Info, error) {
	if err := validSegment(runID); err != nil {
		return nil, err
	}
	return a.blobs.List(ctx, prefix+"/"+runID+"/")
}

// ReadArtifact returns one named artifact payload.
func (a *MigrationArchive) ReadArtifact(ctx context.Context, runID, name string) ([]byte, error) {
	key, err := artifactKey(runID, name)
	if err != nil {
		return nil, err
	}
	_, rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func artifactKey(runID, name string) (string, error) {
	if err := validSegment(runID); err != nil {
		return "", err
	}
	if err := validSegment(name); err != nil {
		return "", err
	}
	return prefix + "/" + runID + "/" + name, nil
}

// validSegment keeps run ids and artifact names as single path segments.
func validSegment(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("empty archive path segment")
	}
	if strings.ContainsAny(s, "/\\") || strings.Contains(s, "..") {
		return fmt.Errorf("invalid archive path segment %q", s)
	}
	return nil
}
