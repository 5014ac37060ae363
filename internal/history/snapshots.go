package history

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-sqlite3"

	"edithistory/internal/store"
)

// eventFor loads an event and checks that it belongs to imageID.
func (e *engine) eventFor(imageID, eventID int64) (*store.EditEvent, error) {
	ev, err := e.st.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil || ev.ImageID != imageID {
		return nil, fmt.Errorf("edit event %d for image %d: %w", eventID, imageID, ErrNotFound)
	}
	return ev, nil
}

func (e *engine) createSnapshot(imageID int64, name, description string) (*SnapshotDTO, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	exists, err := e.st.SnapshotNameExists(imageID, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%q: %w", name, ErrNameConflict)
	}

	res, err := e.replay(imageID)
	if err != nil {
		return nil, err
	}
	count, err := e.st.CountActive(imageID)
	if err != nil {
		return nil, err
	}
	state, err := encodeState(res.Params)
	if err != nil {
		return nil, err
	}

	sn := &store.NamedSnapshot{
		ImageID:    imageID,
		Name:       name,
		EventCount: count,
		State:      state,
	}
	if d := strings.TrimSpace(description); d != "" {
		sn.Description = &d
	}

	if _, err := e.st.InsertSnapshot(sn); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%q: %w", name, ErrNameConflict)
		}
		return nil, err
	}

	e.log.Info("snapshot created",
		slog.Int64("image_id", imageID),
		slog.Int64("snapshot_id", sn.ID),
		slog.String("name", name),
		slog.Int("event_count", count),
	)

	dto := newSnapshotDTO(sn, res.Params)
	return &dto, nil
}

func (e *engine) listSnapshots(imageID int64) ([]SnapshotDTO, error) {
	rows, err := e.st.ListSnapshots(imageID)
	if err != nil {
		return nil, err
	}

	dtos := make([]SnapshotDTO, 0, len(rows))
	for i := range rows {
		params, err := decodeState(rows[i].State)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", rows[i].ID, err)
		}
		dtos = append(dtos, newSnapshotDTO(&rows[i], params))
	}
	return dtos, nil
}

func (e *engine) deleteSnapshot(id int64) error {
	if err := e.st.DeleteSnapshot(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("snapshot %d: %w", id, ErrNotFound)
		}
		return err
	}
	e.log.Info("snapshot deleted", slog.Int64("snapshot_id", id))
	return nil
}

// restoreToSnapshot undoes every event after the snapshot's N-th active
// event and returns the snapshot's stored parameters as they were saved.
// When fewer than N active events exist now, every event is undone.
func (e *engine) restoreToSnapshot(id int64) (*EditState, error) {
	sn, err := e.st.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	if sn == nil {
		return nil, fmt.Errorf("snapshot %d: %w", id, ErrNotFound)
	}

	params, err := decodeState(sn.State)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", id, err)
	}

	cutoff, ok, err := e.st.NthActiveEventID(sn.ImageID, sn.EventCount)
	if err != nil {
		return nil, err
	}
	var changed int64
	if ok {
		changed, err = e.st.SetActiveAfter(sn.ImageID, cutoff, false)
	} else {
		changed, err = e.st.SetAllActive(sn.ImageID, false)
	}
	if err != nil {
		return nil, err
	}
	if err := e.invalidate(sn.ImageID); err != nil {
		return nil, err
	}

	e.log.Info("restored to snapshot",
		slog.Int64("image_id", sn.ImageID),
		slog.Int64("snapshot_id", id),
		slog.Int64("events_undone", changed),
	)

	return &EditState{
		Params:     params,
		CanUndo:    true,
		CanRedo:    false,
		EventCount: sn.EventCount,
	}, nil
}

// restoreToEvent undoes every event of the image after eventID and replays.
func (e *engine) restoreToEvent(imageID, eventID int64) (*EditState, error) {
	if _, err := e.eventFor(imageID, eventID); err != nil {
		return nil, err
	}

	changed, err := e.st.SetActiveAfter(imageID, eventID, false)
	if err != nil {
		return nil, err
	}
	if err := e.invalidate(imageID); err != nil {
		return nil, err
	}

	res, err := e.replay(imageID)
	if err != nil {
		return nil, err
	}
	count, err := e.st.CountActive(imageID)
	if err != nil {
		return nil, err
	}

	e.log.Info("restored to event",
		slog.Int64("image_id", imageID),
		slog.Int64("event_id", eventID),
		slog.Int64("events_undone", changed),
	)

	return &EditState{
		Params:     res.Params,
		CanUndo:    true,
		CanRedo:    false,
		EventCount: count,
	}, nil
}

func (e *engine) reset(imageID int64) error {
	if _, err := e.st.DeleteSnapshotsForImage(imageID); err != nil {
		return err
	}
	if _, err := e.st.DeleteCheckpoint(imageID); err != nil {
		return err
	}
	n, err := e.st.DeleteEvents(imageID)
	if err != nil {
		return err
	}

	e.log.Info("edits reset", slog.Int64("image_id", imageID), slog.Int64("events_deleted", n))
	return nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
