package history

import (
	"errors"
	"log/slog"

	"edithistory/internal/store"
)

// EventOutcome is the result of folding one event during replay. Exactly
// one of Applied or SkipReason is meaningful.
type EventOutcome struct {
	EventID    int64
	Applied    bool
	Param      string
	Value      float64
	SkipReason string
}

// ReplayResult is a reconstructed parameter map plus how it was built.
type ReplayResult struct {
	Params map[string]float64

	// CheckpointOffset is the number of active events covered by the
	// auto-checkpoint the replay started from, or 0.
	CheckpointOffset int

	// Outcomes holds one entry per event folded after the offset, in order.
	Outcomes []EventOutcome
}

// Skipped returns the outcomes of events whose payload did not parse.
func (r *ReplayResult) Skipped() []EventOutcome {
	var out []EventOutcome
	for _, o := range r.Outcomes {
		if !o.Applied {
			out = append(out, o)
		}
	}
	return out
}

// Fold applies events in order on top of seed. Later events overwrite
// earlier ones for the same parameter. Events whose payload does not parse
// are recorded as skipped and otherwise ignored. seed is not modified.
func Fold(seed map[string]float64, events []store.EditEvent) *ReplayResult {
	res := &ReplayResult{
		Params:   make(map[string]float64, len(seed)),
		Outcomes: make([]EventOutcome, 0, len(events)),
	}
	for k, v := range seed {
		res.Params[k] = v
	}

	for _, ev := range events {
		p, err := ParsePayload(ev.Payload)
		if err != nil {
			reason := err.Error()
			var perr *PayloadError
			if errors.As(err, &perr) {
				reason = perr.Reason
			}
			res.Outcomes = append(res.Outcomes, EventOutcome{EventID: ev.ID, SkipReason: reason})
			continue
		}
		res.Params[p.Param] = p.Value
		res.Outcomes = append(res.Outcomes, EventOutcome{
			EventID: ev.ID,
			Applied: true,
			Param:   p.Param,
			Value:   p.Value,
		})
	}

	return res
}

// replay reconstructs the image's parameter map from its auto-checkpoint,
// if any, plus the active events after it.
func (e *engine) replay(imageID int64) (*ReplayResult, error) {
	seed := map[string]float64{}
	offset := 0

	cp, err := e.st.GetCheckpoint(imageID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		if seed, err = decodeState(cp.State); err != nil {
			return nil, err
		}
		offset = cp.EventCount
	}

	events, err := e.st.ActiveEvents(imageID, offset)
	if err != nil {
		return nil, err
	}

	res := Fold(seed, events)
	res.CheckpointOffset = offset

	e.metrics.ReplayEvents.Observe(float64(len(events)))
	for _, o := range res.Skipped() {
		e.metrics.PayloadsSkipped.Inc()
		e.log.Warn("skipping unparsable edit payload",
			slog.Int64("image_id", imageID),
			slog.Int64("event_id", o.EventID),
			slog.String("reason", o.SkipReason),
		)
	}

	return res, nil
}

// state builds the full EditState for the image.
func (e *engine) state(imageID int64) (*EditState, error) {
	res, err := e.replay(imageID)
	if err != nil {
		return nil, err
	}

	active, err := e.st.CountActive(imageID)
	if err != nil {
		return nil, err
	}
	undone, err := e.st.CountUndone(imageID)
	if err != nil {
		return nil, err
	}

	return &EditState{
		Params:     res.Params,
		CanUndo:    active > 0,
		CanRedo:    undone > 0,
		EventCount: active,
	}, nil
}
