package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const eventColumns = `id, image_id, event_type, payload, is_undone, session_id, created_at`

// AppendEvent inserts a new active event and returns its ID. The payload is
// stored as given; interpreting it is the replay layer's job.
func (s *Store) AppendEvent(imageID int64, eventType, payload string, sessionID *string) (int64, error) {
	result, err := s.q.Exec(`
		INSERT INTO edit_events (image_id, event_type, payload, is_undone, session_id, created_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		imageID, eventType, payload, sessionID, s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert edit event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// GetEvent retrieves an event by ID. It returns nil, nil when absent.
func (s *Store) GetEvent(id int64) (*EditEvent, error) {
	row := s.q.QueryRow(`SELECT `+eventColumns+` FROM edit_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get edit event: %w", err)
	}
	return e, nil
}

// ListEvents returns the image's events newest first, both active and undone.
// A non-positive limit returns every event.
func (s *Store) ListEvents(imageID int64, limit int) ([]EditEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.q.Query(`
		SELECT `+eventColumns+`
		FROM edit_events
		WHERE image_id = ?
		ORDER BY id DESC
		LIMIT ?`, imageID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query edit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ActiveEvents returns the image's active events in id order, skipping the
// first offset of them.
func (s *Store) ActiveEvents(imageID int64, offset int) ([]EditEvent, error) {
	if offset < 0 {
		offset = 0
	}

	rows, err := s.q.Query(`
		SELECT `+eventColumns+`
		FROM edit_events
		WHERE image_id = ? AND is_undone = 0
		ORDER BY id ASC
		LIMIT -1 OFFSET ?`, imageID, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query active edit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestActiveEvent returns the highest-id active event, or nil if none.
func (s *Store) LatestActiveEvent(imageID int64) (*EditEvent, error) {
	row := s.q.QueryRow(`
		SELECT `+eventColumns+`
		FROM edit_events
		WHERE image_id = ? AND is_undone = 0
		ORDER BY id DESC
		LIMIT 1`, imageID,
	)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest active event: %w", err)
	}
	return e, nil
}

// NthActiveEventID returns the id of the n-th (1-based) active event in id
// order. ok is false when fewer than n active events exist or n < 1.
func (s *Store) NthActiveEventID(imageID int64, n int) (id int64, ok bool, err error) {
	if n < 1 {
		return 0, false, nil
	}

	err = s.q.QueryRow(`
		SELECT id FROM edit_events
		WHERE image_id = ? AND is_undone = 0
		ORDER BY id ASC
		LIMIT 1 OFFSET ?`, imageID, n-1,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get nth active event: %w", err)
	}
	return id, true, nil
}

// CountActive returns the number of active events for the image.
func (s *Store) CountActive(imageID int64) (int, error) {
	return s.countEvents(imageID, false)
}

// CountUndone returns the number of undone events for the image.
func (s *Store) CountUndone(imageID int64) (int, error) {
	return s.countEvents(imageID, true)
}

func (s *Store) countEvents(imageID int64, undone bool) (int, error) {
	var n int
	err := s.q.QueryRow(
		`SELECT COUNT(*) FROM edit_events WHERE image_id = ? AND is_undone = ?`,
		imageID, undone,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edit events: %w", err)
	}
	return n, nil
}

// SetActive flips one event's flag.
func (s *Store) SetActive(eventID int64, active bool) error {
	result, err := s.q.Exec(`UPDATE edit_events SET is_undone = ? WHERE id = ?`, !active, eventID)
	if err != nil {
		return fmt.Errorf("set event active: %w", err)
	}
	return requireAffected(result, "edit event", eventID)
}

// SetActiveAfter flips every event of the image with id greater than cutoff
// and returns how many rows changed.
func (s *Store) SetActiveAfter(imageID, cutoff int64, active bool) (int64, error) {
	result, err := s.q.Exec(
		`UPDATE edit_events SET is_undone = ? WHERE image_id = ? AND id > ?`,
		!active, imageID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("set events active after %d: %w", cutoff, err)
	}
	return result.RowsAffected()
}

// SetAllActive flips every event of the image.
func (s *Store) SetAllActive(imageID int64, active bool) (int64, error) {
	return s.SetActiveAfter(imageID, 0, active)
}

// DeleteEvents hard-deletes every event of the image.
func (s *Store) DeleteEvents(imageID int64) (int64, error) {
	result, err := s.q.Exec(`DELETE FROM edit_events WHERE image_id = ?`, imageID)
	if err != nil {
		return 0, fmt.Errorf("delete edit events: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*EditEvent, error) {
	var e EditEvent
	var sessionID sql.NullString
	var createdAt string

	if err := row.Scan(&e.ID, &e.ImageID, &e.EventType, &e.Payload, &e.Undone, &sessionID, &createdAt); err != nil {
		return nil, err
	}

	if sessionID.Valid {
		e.SessionID = &sessionID.String
	}

	t, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = t

	return &e, nil
}

// scanEvents is a helper to scan event rows into a slice.
func scanEvents(rows *sql.Rows) ([]EditEvent, error) {
	var events []EditEvent

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit event: %w", err)
		}
		events = append(events, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit events: %w", err)
	}

	return events, nil
}
