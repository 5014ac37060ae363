package history

import "log/slog"

// maybeCheckpoint writes the auto-checkpoint when the image's active event
// count has just reached a positive multiple of the checkpoint interval.
// It reports whether a checkpoint was written.
func (e *engine) maybeCheckpoint(imageID int64) (bool, error) {
	n, err := e.st.CountActive(imageID)
	if err != nil {
		return false, err
	}
	if n == 0 || n%e.opts.CheckpointInterval != 0 {
		return false, nil
	}

	res, err := e.replay(imageID)
	if err != nil {
		return false, err
	}
	state, err := encodeState(res.Params)
	if err != nil {
		return false, err
	}
	if err := e.st.UpsertCheckpoint(imageID, state, n); err != nil {
		return false, err
	}

	e.metrics.CheckpointsWritten.Inc()
	e.log.Debug("auto-checkpoint written",
		slog.Int64("image_id", imageID),
		slog.Int("event_count", n),
	)
	return true, nil
}

// invalidate drops the auto-checkpoint so the next replay starts from the
// first active event. Every operation that changes which events are active,
// other than a plain append, must call it.
func (e *engine) invalidate(imageID int64) error {
	existed, err := e.st.DeleteCheckpoint(imageID)
	if err != nil {
		return err
	}
	if existed {
		e.metrics.CheckpointsInvalidated.Inc()
		e.log.Debug("auto-checkpoint invalidated", slog.Int64("image_id", imageID))
	}
	return nil
}
