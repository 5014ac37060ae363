// Package history implements the non-destructive edit history engine: an
// append-only log of per-image edit events, replay into a parameter map with
// periodic auto-checkpoints, soft undo/redo, and named snapshots with
// point-in-time restore.
//
// Every operation runs under one service-wide lock and inside one SQLite
// transaction, so operations are linearizable across all images.
//
// Redo is deliberately not LIFO: any previously undone event can be redone
// by id, regardless of the order in which events were undone.
package history

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"edithistory/internal/logging"
	"edithistory/internal/metrics"
	"edithistory/internal/store"
)

// DefaultCheckpointInterval is the number of active events between
// auto-checkpoints.
const DefaultCheckpointInterval = 20

// DefaultTimelineLimit bounds Timeline when the caller passes no limit.
const DefaultTimelineLimit = 100

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	CheckpointInterval int
	TimelineLimit      int
	StrictPayloads     bool
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		CheckpointInterval: DefaultCheckpointInterval,
		TimelineLimit:      DefaultTimelineLimit,
	}
}

func (o Options) normalized() Options {
	if o.CheckpointInterval < 1 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.TimelineLimit < 1 {
		o.TimelineLimit = DefaultTimelineLimit
	}
	return o
}

// engine binds the five history components to one store handle, which is
// normally a transaction.
type engine struct {
	st      *store.Store
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Service is the public edit history API. Construct one per database and
// share it; it is safe for concurrent use.
type Service struct {
	store   *store.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	poisoned bool
	opts     Options
}

// NewService creates a service over st. A nil logger discards logs and nil
// metrics are replaced by unregistered collectors.
func NewService(st *store.Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		store:   st,
		log:     logger,
		metrics: m,
		opts:    opts.normalized(),
	}
}

// Options returns the options currently in effect.
func (s *Service) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Poisoned reports whether an earlier operation panicked while holding the
// service lock.
func (s *Service) Poisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}

// SetOptions replaces the engine options for subsequent operations.
func (s *Service) SetOptions(opts Options) error {
	return s.locked(func() error {
		s.opts = opts.normalized()
		s.log.Info("history options updated",
			slog.Int("checkpoint_interval", s.opts.CheckpointInterval),
			slog.Bool("strict_payloads", s.opts.StrictPayloads),
		)
		return nil
	})
}

// locked runs fn while holding the service lock. A panic inside fn poisons
// the service: the lock is released, the panic continues, and every later
// call returns ErrLockPoisoned.
func (s *Service) locked(fn func() error) error {
	s.mu.Lock()
	if s.poisoned {
		s.mu.Unlock()
		return ErrLockPoisoned
	}

	completed := false
	defer func() {
		if !completed {
			s.poisoned = true
		}
		s.mu.Unlock()
	}()

	err := fn()
	completed = true
	return err
}

// run executes fn in one transaction under the service lock. A non-empty op
// is recorded in the operations metric.
func (s *Service) run(op string, fn func(e *engine) error) error {
	err := s.locked(func() error {
		return s.store.InTx(func(tx *store.Store) error {
			return fn(&engine{st: tx, opts: s.opts, log: s.log, metrics: s.metrics})
		})
	})
	if op != "" && err != ErrLockPoisoned {
		s.metrics.ObserveOperation(op, err)
	}
	return err
}

// NewSessionID returns a fresh editing-session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ApplyEdit appends an edit event, writes an auto-checkpoint when the
// interval is reached, and returns the new state. The payload is stored as
// given unless strict payloads are enabled.
func (s *Service) ApplyEdit(req ApplyEditRequest) (*EditState, error) {
	var state *EditState
	err := s.run(metrics.OpApply, func(e *engine) error {
		if e.opts.StrictPayloads {
			if err := ValidatePayload(req.Payload); err != nil {
				return err
			}
		}

		var session *string
		if req.SessionID != "" {
			session = &req.SessionID
		}

		id, err := e.st.AppendEvent(req.ImageID, req.EventType, req.Payload, session)
		if err != nil {
			return err
		}
		e.metrics.EventsAppended.Inc()
		e.log.Debug("edit appended",
			slog.Int64("image_id", req.ImageID),
			slog.Int64("event_id", id),
			slog.String("event_type", req.EventType),
		)

		if _, err := e.maybeCheckpoint(req.ImageID); err != nil {
			return err
		}

		state, err = e.state(req.ImageID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("apply edit: %w", err)
	}
	return state, nil
}

// EditHistory returns the image's events newest first, active and undone.
// A non-positive limit returns all of them.
func (s *Service) EditHistory(imageID int64, limit int) ([]EditEventDTO, error) {
	var out []EditEventDTO
	err := s.run("", func(e *engine) error {
		events, err := e.st.ListEvents(imageID, limit)
		if err != nil {
			return err
		}
		out = newEventDTOs(events)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("edit history: %w", err)
	}
	return out, nil
}

// CurrentState reconstructs the image's current edit state.
func (s *Service) CurrentState(imageID int64) (*EditState, error) {
	var state *EditState
	err := s.run("", func(e *engine) error {
		var err error
		state, err = e.state(imageID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("current state: %w", err)
	}
	return state, nil
}

// ReplayReport replays the image and returns the per-event outcomes, so
// callers can tell skipped payloads apart from an empty history.
func (s *Service) ReplayReport(imageID int64) (*ReplayResult, error) {
	var res *ReplayResult
	err := s.run("", func(e *engine) error {
		var err error
		res, err = e.replay(imageID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return res, nil
}

// Undo marks the most recent active event as undone.
func (s *Service) Undo(imageID int64) (*EditState, error) {
	var state *EditState
	err := s.run(metrics.OpUndo, func(e *engine) error {
		var err error
		state, err = e.undo(imageID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	return state, nil
}

// Redo reactivates eventID. The event need not be the most recently undone.
func (s *Service) Redo(imageID, eventID int64) (*EditState, error) {
	var state *EditState
	err := s.run(metrics.OpRedo, func(e *engine) error {
		var err error
		state, err = e.redo(imageID, eventID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redo: %w", err)
	}
	return state, nil
}

// Reset deletes every event, the auto-checkpoint and every named snapshot
// of the image.
func (s *Service) Reset(imageID int64) error {
	err := s.run(metrics.OpReset, func(e *engine) error {
		return e.reset(imageID)
	})
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Timeline returns the most recent events for display. A non-positive limit
// uses the configured timeline limit.
func (s *Service) Timeline(imageID int64, limit int) ([]EditEventDTO, error) {
	var out []EditEventDTO
	err := s.run("", func(e *engine) error {
		if limit <= 0 {
			limit = e.opts.TimelineLimit
		}
		events, err := e.st.ListEvents(imageID, limit)
		if err != nil {
			return err
		}
		out = newEventDTOs(events)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return out, nil
}

// CreateSnapshot stores the image's current state under name.
func (s *Service) CreateSnapshot(imageID int64, name, description string) (*SnapshotDTO, error) {
	var dto *SnapshotDTO
	err := s.run(metrics.OpSnapshotCreate, func(e *engine) error {
		var err error
		dto, err = e.createSnapshot(imageID, name, description)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	return dto, nil
}

// Snapshots lists the image's named snapshots newest first.
func (s *Service) Snapshots(imageID int64) ([]SnapshotDTO, error) {
	var out []SnapshotDTO
	err := s.run("", func(e *engine) error {
		var err error
		out, err = e.listSnapshots(imageID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// DeleteSnapshot removes a named snapshot.
func (s *Service) DeleteSnapshot(id int64) error {
	err := s.run(metrics.OpSnapshotDelete, func(e *engine) error {
		return e.deleteSnapshot(id)
	})
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// RestoreToSnapshot returns the image to the point the snapshot was taken.
// The returned parameters are the snapshot's stored ones. CanUndo is
// reported true and CanRedo false.
func (s *Service) RestoreToSnapshot(id int64) (*EditState, error) {
	var state *EditState
	err := s.run(metrics.OpRestoreSnapshot, func(e *engine) error {
		var err error
		state, err = e.restoreToSnapshot(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("restore to snapshot: %w", err)
	}
	return state, nil
}

// RestoreToEvent undoes every event of the image after eventID. CanUndo is
// reported true and CanRedo false.
func (s *Service) RestoreToEvent(imageID, eventID int64) (*EditState, error) {
	var state *EditState
	err := s.run(metrics.OpRestoreEvent, func(e *engine) error {
		var err error
		state, err = e.restoreToEvent(imageID, eventID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("restore to event: %w", err)
	}
	return state, nil
}

// CountEventsSinceImport returns the image's active event count.
func (s *Service) CountEventsSinceImport(imageID int64) (int, error) {
	var n int
	err := s.run("", func(e *engine) error {
		var err error
		n, err = e.st.CountActive(imageID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
