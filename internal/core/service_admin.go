package core

import (
	"context"
	"fmt"

	"rostercore/pkg/domain"
)

// ExportState returns a full snapshot of committed state for backups and for
// moving data between storage drivers.
func (s *Service) ExportState(ctx context.Context) (domain.Snapshot, error) {
	_, finish := s.instrument(ctx, "export_state", "")
	snapshotStore, ok := s.store.(domain.SnapshotStore)
	if !ok {
		err := fmt.Errorf("store %T does not support snapshot export", s.store)
		finish("", err)
		return domain.Snapshot{}, err
	}
	snapshot := snapshotStore.ExportState()
	finish("", nil)
	return snapshot, nil
}

// ImportState replaces the full store state with the snapshot, then flushes
// through the transactional persist path so driver-backed stores write the
// imported state out and surface failures. Restores bypass rule evaluation;
// they are trusted administrative input.
func (s *Service) ImportState(ctx context.Context, snapshot domain.Snapshot) error {
	ctx, finish := s.instrument(ctx, "import_state", "")
	snapshotStore, ok := s.store.(domain.SnapshotStore)
	if !ok {
		err := fmt.Errorf("store %T does not support snapshot import", s.store)
		finish("", err)
		return err
	}
	snapshotStore.ImportState(snapshot)
	_, err := s.store.RunInTransaction(ctx, func(domain.Transaction) error { return nil })
	finish("", err)
	if err != nil {
		return err
	}
	s.logger.Info("state imported",
		"members", len(snapshot.Members),
		"payments", len(snapshot.Payments),
		"groups", len(snapshot.Groups),
		"relations", len(snapshot.Relations),
	)
	return nil
}
