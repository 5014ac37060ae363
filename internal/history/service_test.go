package history

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edithistory/internal/metrics"
	"edithistory/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "edits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st, DefaultOptions(), nil, nil), st
}

func newImage(t *testing.T, st *store.Store) int64 {
	t.Helper()
	id, err := st.InsertImage(fmt.Sprintf("/photos/%s.raw", t.Name()))
	require.NoError(t, err)
	return id
}

func edit(t *testing.T, imageID int64, param string, value float64) ApplyEditRequest {
	t.Helper()
	req, err := ParameterEdit(imageID, "adjust", param, value)
	require.NoError(t, err)
	return req
}

func apply(t *testing.T, s *Service, imageID int64, param string, value float64) *EditState {
	t.Helper()
	state, err := s.ApplyEdit(edit(t, imageID, param, value))
	require.NoError(t, err)
	return state
}

func latestEventID(t *testing.T, s *Service, imageID int64) int64 {
	t.Helper()
	events, err := s.EditHistory(imageID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0].ID
}

func TestEmptyState(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	state, err := s.CurrentState(img)
	require.NoError(t, err)
	assert.Empty(t, state.Params)
	assert.False(t, state.CanUndo)
	assert.False(t, state.CanRedo)
	assert.Equal(t, 0, state.EventCount)

	// An image that was never registered reads as empty too.
	state, err = s.CurrentState(9999)
	require.NoError(t, err)
	assert.Empty(t, state.Params)
	assert.Equal(t, 0, state.EventCount)
}

func TestExposureUndoRedoScenario(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.3)
	state := apply(t, s, img, "exposure", 0.7)
	assert.Equal(t, 0.7, state.Params["exposure"])
	assert.Equal(t, 2, state.EventCount)
	second := latestEventID(t, s, img)

	state, err := s.Undo(img)
	require.NoError(t, err)
	assert.Equal(t, 0.3, state.Params["exposure"])
	assert.True(t, state.CanRedo)
	assert.True(t, state.CanUndo)
	assert.Equal(t, 1, state.EventCount)

	state, err = s.Redo(img, second)
	require.NoError(t, err)
	assert.Equal(t, 0.7, state.Params["exposure"])
	assert.False(t, state.CanRedo)
	assert.Equal(t, 2, state.EventCount)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	for i := 0; i < 25; i++ {
		apply(t, s, img, fmt.Sprintf("p%d", i%4), float64(i))
	}
	before, err := s.CurrentState(img)
	require.NoError(t, err)
	last := latestEventID(t, s, img)

	_, err = s.Undo(img)
	require.NoError(t, err)
	after, err := s.Redo(img, last)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestUndoWithNothingActive(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	state, err := s.Undo(img)
	require.NoError(t, err)
	assert.Empty(t, state.Params)
	assert.False(t, state.CanUndo)
	assert.False(t, state.CanRedo)
}

func TestLastActiveEventWins(t *testing.T) {
	for _, n := range []int{5, 19, 20, 21, 45} {
		t.Run(fmt.Sprintf("%d events", n), func(t *testing.T) {
			s, st := newTestService(t)
			img := newImage(t, st)

			for i := 0; i < n; i++ {
				apply(t, s, img, "exposure", float64(i))
			}
			state, err := s.CurrentState(img)
			require.NoError(t, err)
			assert.Equal(t, float64(n-1), state.Params["exposure"])
			assert.Equal(t, n, state.EventCount)

			// Undo the last one; the previous active value takes over.
			state, err = s.Undo(img)
			require.NoError(t, err)
			assert.Equal(t, float64(n-2), state.Params["exposure"])
		})
	}
}

func TestCheckpointWrittenAtInterval(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	for i := 0; i < 19; i++ {
		apply(t, s, img, "exposure", float64(i)/100)
	}
	cp, err := st.GetCheckpoint(img)
	require.NoError(t, err)
	assert.Nil(t, cp)

	apply(t, s, img, "exposure", 0.19)
	cp, err = st.GetCheckpoint(img)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 20, cp.EventCount)
}

func TestCheckpointScenarioWithContrast(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	for i := 0; i < 20; i++ {
		apply(t, s, img, "exposure", float64(i)/100)
	}
	cp, err := st.GetCheckpoint(img)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 20, cp.EventCount)

	apply(t, s, img, "contrast", 0.5)

	res, err := s.ReplayReport(img)
	require.NoError(t, err)
	assert.Equal(t, 20, res.CheckpointOffset)
	assert.Len(t, res.Outcomes, 1)
	assert.InDelta(t, 0.19, res.Params["exposure"], 1e-9)
	assert.Equal(t, 0.5, res.Params["contrast"])
}

func TestCheckpointInvalidatedByFlagChanges(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	for i := 0; i < 20; i++ {
		apply(t, s, img, "exposure", float64(i))
	}
	first, err := s.EditHistory(img, 0)
	require.NoError(t, err)
	require.Len(t, first, 20)

	_, err = s.RestoreToEvent(img, first[len(first)-1].ID)
	require.NoError(t, err)
	cp, err := st.GetCheckpoint(img)
	require.NoError(t, err)
	assert.Nil(t, cp)

	state, err := s.CurrentState(img)
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Params["exposure"])
	assert.Equal(t, 1, state.EventCount)
}

func TestCustomCheckpointInterval(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	require.NoError(t, s.SetOptions(Options{CheckpointInterval: 3}))

	for i := 0; i < 3; i++ {
		apply(t, s, img, "exposure", float64(i))
	}
	cp, err := st.GetCheckpoint(img)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 3, cp.EventCount)
	assert.Equal(t, DefaultTimelineLimit, s.Options().TimelineLimit)
}

func TestNonLIFORedo(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	apply(t, s, img, "contrast", 0.2)
	apply(t, s, img, "saturation", 0.3)
	events, err := s.EditHistory(img, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	contrastID := events[1].ID

	_, err = s.Undo(img)
	require.NoError(t, err)
	_, err = s.Undo(img)
	require.NoError(t, err)

	// Redo the older of the two undone events first.
	state, err := s.Redo(img, contrastID)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"exposure": 0.1, "contrast": 0.2}, state.Params)
	assert.True(t, state.CanRedo)
	assert.Equal(t, 2, state.EventCount)
}

func TestRedoErrors(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	other := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	id := latestEventID(t, s, img)
	_, err := s.Undo(img)
	require.NoError(t, err)

	_, err = s.Redo(img, id+100)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Redo(other, id)
	assert.ErrorIs(t, err, ErrNotFound)

	state, err := s.CurrentState(img)
	require.NoError(t, err)
	assert.Empty(t, state.Params)
	assert.True(t, state.CanRedo)
}

func TestReset(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	for i := 0; i < 22; i++ {
		apply(t, s, img, "exposure", float64(i))
	}
	_, err := s.Undo(img)
	require.NoError(t, err)
	_, err = s.CreateSnapshot(img, "before reset", "")
	require.NoError(t, err)

	require.NoError(t, s.Reset(img))

	state, err := s.CurrentState(img)
	require.NoError(t, err)
	assert.Empty(t, state.Params)
	assert.Equal(t, 0, state.EventCount)
	assert.False(t, state.CanUndo)
	assert.False(t, state.CanRedo)

	cp, err := st.GetCheckpoint(img)
	require.NoError(t, err)
	assert.Nil(t, cp)

	snaps, err := s.Snapshots(img)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestImagesAreIsolated(t *testing.T) {
	s, st := newTestService(t)
	a := newImage(t, st)
	b := newImage(t, st)

	apply(t, s, b, "exposure", 0.9)
	for i := 0; i < 20; i++ {
		apply(t, s, a, "exposure", float64(i))
	}
	_, err := s.Undo(a)
	require.NoError(t, err)
	_, err = s.CreateSnapshot(a, "look", "")
	require.NoError(t, err)
	require.NoError(t, s.Reset(a))

	state, err := s.CurrentState(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"exposure": 0.9}, state.Params)
	assert.Equal(t, 1, state.EventCount)
	assert.False(t, state.CanRedo)

	// The same snapshot name is free on another image.
	_, err = s.CreateSnapshot(b, "look", "")
	assert.NoError(t, err)
}

func TestSnapshotNames(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	apply(t, s, img, "exposure", 0.4)

	sn, err := s.CreateSnapshot(img, "  warm  ", "first pass")
	require.NoError(t, err)
	assert.Equal(t, "warm", sn.Name)
	assert.Equal(t, "first pass", sn.Description)
	assert.Equal(t, 1, sn.EventCount)
	assert.Equal(t, map[string]float64{"exposure": 0.4}, sn.Params)

	_, err = s.CreateSnapshot(img, "warm", "")
	assert.ErrorIs(t, err, ErrNameConflict)

	for _, name := range []string{"", "   ", "\t\n"} {
		_, err = s.CreateSnapshot(img, name, "")
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	snaps, err := s.Snapshots(img)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestSnapshotsNewestFirst(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	for _, name := range []string{"one", "two", "three"} {
		apply(t, s, img, "exposure", 1)
		_, err := s.CreateSnapshot(img, name, "")
		require.NoError(t, err)
	}

	snaps, err := s.Snapshots(img)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "three", snaps[0].Name)
	assert.Equal(t, "one", snaps[2].Name)
	assert.Equal(t, 3, snaps[0].EventCount)
}

func TestDeleteSnapshot(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	apply(t, s, img, "exposure", 1)

	sn, err := s.CreateSnapshot(img, "gone", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSnapshot(sn.ID))

	err = s.DeleteSnapshot(sn.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The name can be reused once deleted.
	_, err = s.CreateSnapshot(img, "gone", "")
	assert.NoError(t, err)
}

func TestRestoreToSnapshot(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.3)
	apply(t, s, img, "contrast", 0.1)
	sn, err := s.CreateSnapshot(img, "base", "")
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		apply(t, s, img, "exposure", float64(i))
	}

	state, err := s.RestoreToSnapshot(sn.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"exposure": 0.3, "contrast": 0.1}, state.Params)
	assert.Equal(t, 2, state.EventCount)
	assert.True(t, state.CanUndo)
	assert.False(t, state.CanRedo)

	current, err := s.CurrentState(img)
	require.NoError(t, err)
	assert.Equal(t, state.Params, current.Params)
	assert.Equal(t, 2, current.EventCount)
	assert.True(t, current.CanRedo)
}

func TestRestoreToSnapshotWithFewerActiveEvents(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	apply(t, s, img, "exposure", 0.2)
	apply(t, s, img, "exposure", 0.3)
	sn, err := s.CreateSnapshot(img, "three", "")
	require.NoError(t, err)

	_, err = s.Undo(img)
	require.NoError(t, err)
	_, err = s.Undo(img)
	require.NoError(t, err)

	state, err := s.RestoreToSnapshot(sn.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"exposure": 0.3}, state.Params)
	assert.Equal(t, 3, state.EventCount)

	// Fewer active events than the snapshot recorded: every event is undone.
	count, err := s.CountEventsSinceImport(img)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRestoreToSnapshotNotFound(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	apply(t, s, img, "exposure", 0.1)

	_, err := s.RestoreToSnapshot(12345)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := s.CountEventsSinceImport(img)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRestoreToEvent(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	apply(t, s, img, "contrast", 0.2)
	target := latestEventID(t, s, img)
	apply(t, s, img, "exposure", 0.5)
	apply(t, s, img, "contrast", 0.9)

	state, err := s.RestoreToEvent(img, target)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"exposure": 0.1, "contrast": 0.2}, state.Params)
	assert.Equal(t, 2, state.EventCount)
	assert.True(t, state.CanUndo)
	assert.False(t, state.CanRedo)

	undone, err := st.CountUndone(img)
	require.NoError(t, err)
	assert.Equal(t, 2, undone)
}

func TestRestoreToEventKeepsEarlierUndos(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	apply(t, s, img, "contrast", 0.2)
	target := latestEventID(t, s, img)
	apply(t, s, img, "exposure", 0.5)

	// Undo twice, then redo only the latest, leaving target undone.
	_, err := s.Undo(img)
	require.NoError(t, err)
	_, err = s.Undo(img)
	require.NoError(t, err)
	_, err = s.Redo(img, target+1)
	require.NoError(t, err)

	state, err := s.RestoreToEvent(img, target)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"exposure": 0.1}, state.Params)
	assert.Equal(t, 1, state.EventCount)
}

func TestRestoreToEventNotFound(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	other := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	apply(t, s, img, "exposure", 0.2)
	id := latestEventID(t, s, img)

	_, err := s.RestoreToEvent(img, id+50)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RestoreToEvent(other, id)
	assert.ErrorIs(t, err, ErrNotFound)

	state, err := s.CurrentState(img)
	require.NoError(t, err)
	assert.Equal(t, 0.2, state.Params["exposure"])
	assert.Equal(t, 2, state.EventCount)
}

func TestMalformedPayloadsAreSkipped(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.3)
	for _, raw := range []string{`not json`, `{"value": 1}`, `{"param": "contrast"}`, `{"param": " ", "value": 2}`} {
		_, err := s.ApplyEdit(ApplyEditRequest{ImageID: img, EventType: "adjust", Payload: raw})
		require.NoError(t, err)
	}

	state, err := s.CurrentState(img)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"exposure": 0.3}, state.Params)
	assert.Equal(t, 5, state.EventCount)

	res, err := s.ReplayReport(img)
	require.NoError(t, err)
	skipped := res.Skipped()
	require.Len(t, skipped, 4)
	assert.Equal(t, SkipInvalidJSON, skipped[0].SkipReason)
	assert.Equal(t, SkipMissingParam, skipped[1].SkipReason)
	assert.Equal(t, SkipMissingValue, skipped[2].SkipReason)
	assert.Equal(t, SkipMissingParam, skipped[3].SkipReason)

	events, err := s.EditHistory(img, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Nil(t, events[0].Value)
	require.NotNil(t, events[4].Value)
	assert.Equal(t, "exposure", events[4].Param)
}

func TestStrictPayloads(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	require.NoError(t, s.SetOptions(Options{StrictPayloads: true}))

	_, err := s.ApplyEdit(ApplyEditRequest{ImageID: img, EventType: "adjust", Payload: `{"param": "x"}`})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	count, err := s.CountEventsSinceImport(img)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	apply(t, s, img, "exposure", 0.2)
}

func TestApplyEditUnknownImage(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.ApplyEdit(edit(t, 424242, "exposure", 1))
	assert.Error(t, err)
}

func TestSessionIDIsStored(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	session := NewSessionID()
	req := edit(t, img, "exposure", 0.5)
	req.SessionID = session
	_, err := s.ApplyEdit(req)
	require.NoError(t, err)
	apply(t, s, img, "exposure", 0.6)

	events, err := s.EditHistory(img, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].SessionID)
	assert.Equal(t, session, events[1].SessionID)
	assert.NotEqual(t, session, NewSessionID())
}

func TestTimelineLimit(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	require.NoError(t, s.SetOptions(Options{TimelineLimit: 4}))

	for i := 0; i < 10; i++ {
		apply(t, s, img, "exposure", float64(i))
	}

	events, err := s.Timeline(img, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, 9.0, *events[0].Value)

	events, err = s.Timeline(img, 7)
	require.NoError(t, err)
	assert.Len(t, events, 7)

	all, err := s.EditHistory(img, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestEditHistoryIncludesUndone(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	apply(t, s, img, "exposure", 0.2)
	_, err := s.Undo(img)
	require.NoError(t, err)

	events, err := s.EditHistory(img, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Undone)
	assert.False(t, events[1].Undone)
}

func TestLockPoisoned(t *testing.T) {
	s, st := newTestService(t)
	img := newImage(t, st)
	apply(t, s, img, "exposure", 0.1)

	assert.Panics(t, func() {
		_ = s.run("", func(e *engine) error {
			panic("storage exploded")
		})
	})

	_, err := s.CurrentState(img)
	assert.ErrorIs(t, err, ErrLockPoisoned)
	_, err = s.ApplyEdit(edit(t, img, "exposure", 0.2))
	assert.ErrorIs(t, err, ErrLockPoisoned)
	assert.ErrorIs(t, s.Reset(img), ErrLockPoisoned)

	// The panicking transaction was rolled back and the lock released.
	count, err := st.CountActive(img)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentEditsAcrossImages(t *testing.T) {
	s, st := newTestService(t)
	images := []int64{newImage(t, st), newImage(t, st), newImage(t, st)}

	const perImage = 25
	var wg sync.WaitGroup
	errs := make(chan error, len(images)*perImage)
	for _, img := range images {
		wg.Add(1)
		go func(img int64) {
			defer wg.Done()
			for i := 0; i < perImage; i++ {
				req, err := ParameterEdit(img, "adjust", "exposure", float64(i))
				if err == nil {
					_, err = s.ApplyEdit(req)
				}
				if err != nil {
					errs <- err
				}
			}
		}(img)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, img := range images {
		state, err := s.CurrentState(img)
		require.NoError(t, err)
		assert.Equal(t, float64(perImage-1), state.Params["exposure"])
		assert.Equal(t, perImage, state.EventCount)
	}
}

func TestServiceMetrics(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "edits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	m := metrics.Nop()
	s := NewService(st, Options{CheckpointInterval: 2}, nil, m)
	img := newImage(t, st)

	apply(t, s, img, "exposure", 0.1)
	apply(t, s, img, "exposure", 0.2)
	_, err = s.ApplyEdit(ApplyEditRequest{ImageID: img, EventType: "adjust", Payload: "{"})
	require.NoError(t, err)
	_, err = s.Undo(img)
	require.NoError(t, err)
	_, err = s.Redo(img, 99999)
	require.Error(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsAppended))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointsInvalidated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(metrics.OpApply, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(metrics.OpRedo, "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.PayloadsSkipped), 1.0)
}
