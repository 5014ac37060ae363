package history

import "log/slog"

// undo marks the image's most recent active event as undone. With no active
// events it returns the unchanged state.
func (e *engine) undo(imageID int64) (*EditState, error) {
	latest, err := e.st.LatestActiveEvent(imageID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return e.state(imageID)
	}

	if err := e.st.SetActive(latest.ID, false); err != nil {
		return nil, err
	}
	if err := e.invalidate(imageID); err != nil {
		return nil, err
	}

	e.log.Debug("edit undone", slog.Int64("image_id", imageID), slog.Int64("event_id", latest.ID))
	return e.state(imageID)
}

// redo reactivates the given event. Any undone event of the image may be
// redone, not only the most recently undone one.
func (e *engine) redo(imageID, eventID int64) (*EditState, error) {
	if _, err := e.eventFor(imageID, eventID); err != nil {
		return nil, err
	}

	if err := e.st.SetActive(eventID, true); err != nil {
		return nil, err
	}
	if err := e.invalidate(imageID); err != nil {
		return nil, err
	}

	e.log.Debug("edit redone", slog.Int64("image_id", imageID), slog.Int64("event_id", eventID))
	return e.state(imageID)
}
