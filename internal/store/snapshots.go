package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetCheckpoint returns the image's auto-checkpoint, or nil if none exists.
func (s *Store) GetCheckpoint(imageID int64) (*AutoCheckpoint, error) {
	var cp AutoCheckpoint
	var updatedAt string

	err := s.q.QueryRow(`
		SELECT image_id, snapshot, event_count, updated_at
		FROM edit_snapshots WHERE image_id = ?`, imageID,
	).Scan(&cp.ImageID, &cp.State, &cp.EventCount, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	if cp.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

// UpsertCheckpoint writes the image's auto-checkpoint, replacing any
// existing row. UpdatedAt is set by the store.
func (s *Store) UpsertCheckpoint(imageID int64, state string, eventCount int) error {
	_, err := s.q.Exec(`
		INSERT INTO edit_snapshots (image_id, snapshot, event_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			event_count = excluded.event_count,
			updated_at = excluded.updated_at`,
		imageID, state, eventCount, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpoint removes the image's auto-checkpoint. It reports whether
// a row existed.
func (s *Store) DeleteCheckpoint(imageID int64) (bool, error) {
	result, err := s.q.Exec(`DELETE FROM edit_snapshots WHERE image_id = ?`, imageID)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

const namedSnapshotColumns = `id, image_id, name, description, event_count, snapshot_state, created_at`

// InsertSnapshot persists a named snapshot and returns its ID. CreatedAt is
// set by the store and written back to sn.
func (s *Store) InsertSnapshot(sn *NamedSnapshot) (int64, error) {
	createdAt := s.timestamp()
	result, err := s.q.Exec(`
		INSERT INTO edit_named_snapshots (image_id, name, description, event_count, snapshot_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sn.ImageID, sn.Name, sn.Description, sn.EventCount, sn.State, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert named snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	sn.ID = id
	if sn.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return 0, err
	}
	return id, nil
}

// GetSnapshot retrieves a named snapshot by ID, or nil if absent.
func (s *Store) GetSnapshot(id int64) (*NamedSnapshot, error) {
	row := s.q.QueryRow(`SELECT `+namedSnapshotColumns+` FROM edit_named_snapshots WHERE id = ?`, id)
	sn, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get named snapshot: %w", err)
	}
	return sn, nil
}

// SnapshotNameExists reports whether the image already has a snapshot with
// the given name.
func (s *Store) SnapshotNameExists(imageID int64, name string) (bool, error) {
	var n int
	err := s.q.QueryRow(
		`SELECT COUNT(*) FROM edit_named_snapshots WHERE image_id = ? AND name = ?`,
		imageID, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check snapshot name: %w", err)
	}
	return n > 0, nil
}

// ListSnapshots returns the image's named snapshots newest first.
func (s *Store) ListSnapshots(imageID int64) ([]NamedSnapshot, error) {
	rows, err := s.q.Query(`
		SELECT `+namedSnapshotColumns+`
		FROM edit_named_snapshots
		WHERE image_id = ?
		ORDER BY created_at DESC, id DESC`, imageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query named snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []NamedSnapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan named snapshot: %w", err)
		}
		snapshots = append(snapshots, *sn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate named snapshots: %w", err)
	}

	return snapshots, nil
}

// DeleteSnapshot removes a named snapshot.
func (s *Store) DeleteSnapshot(id int64) error {
	result, err := s.q.Exec(`DELETE FROM edit_named_snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete named snapshot: %w", err)
	}
	return requireAffected(result, "named snapshot", id)
}

// DeleteSnapshotsForImage removes every named snapshot of the image.
func (s *Store) DeleteSnapshotsForImage(imageID int64) (int64, error) {
	result, err := s.q.Exec(`DELETE FROM edit_named_snapshots WHERE image_id = ?`, imageID)
	if err != nil {
		return 0, fmt.Errorf("delete named snapshots: %w", err)
	}
	return result.RowsAffected()
}

func scanSnapshot(row rowScanner) (*NamedSnapshot, error) {
	var sn NamedSnapshot
	var description sql.NullString
	var createdAt string

	if err := row.Scan(&sn.ID, &sn.ImageID, &sn.Name, &description, &sn.EventCount, &sn.State, &createdAt); err != nil {
		return nil, err
	}

	if description.Valid {
		sn.Description = &description.String
	}

	t, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, err
	}
	sn.CreatedAt = t

	return &sn, nil
}
