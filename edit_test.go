package trail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditLogUndoRedo(t *testing.T) {
	tr := newTestTrail(t, 1)
	log := NewEditLog()
	defer log.Close()

	require.NoError(t, tr.EditAdd(fillStake(t, tr, Span(0, 100), ramp), log))
	require.NoError(t, tr.EditInsert(fillStake(t, tr, Span(50, 60), constant(-1)), log))
	require.NoError(t, tr.EditRemove(Span(0, 10), log))
	assert.Equal(t, int64(100), tr.Len())
	assert.Len(t, log.History(), 3)

	_, err := log.Undo()
	require.NoError(t, err)
	assert.Equal(t, int64(110), tr.Len())
	require.NoError(t, tr.Validate())
	assert.Equal(t, float32(0), readAll(t, tr, Span(0, 1))[0][0])

	_, err = log.Undo()
	require.NoError(t, err)
	assert.Equal(t, int64(100), tr.Len())
	require.NoError(t, tr.Validate())
	got := readAll(t, tr, Span(0, 100))[0]
	for i, v := range got {
		require.Equal(t, float32(i), v, "frame %d", i)
	}

	_, err = log.Undo()
	require.NoError(t, err)
	assert.Equal(t, int64(0), tr.Len())
	assert.False(t, log.CanUndo())
	_, err = log.Undo()
	assert.ErrorIs(t, err, ErrNoEdit)

	for log.CanRedo() {
		_, err := log.Redo()
		require.NoError(t, err)
	}
	assert.Equal(t, int64(100), tr.Len())
	require.NoError(t, tr.Validate())
	buf := readAll(t, tr, Span(0, 100))[0]
	assert.Equal(t, float32(10), buf[0])
	assert.Equal(t, float32(-1), buf[40])
	assert.Equal(t, float32(50), buf[50])
}

func TestEditLogNewEditDropsRedo(t *testing.T) {
	tr := newTestTrail(t, 1)
	log := NewEditLog()
	defer log.Close()

	require.NoError(t, tr.EditAdd(fillStake(t, tr, Span(0, 10), ramp), log))
	require.NoError(t, tr.EditRemove(Span(0, 5), log))
	_, err := log.Undo()
	require.NoError(t, err)
	assert.True(t, log.CanRedo())

	require.NoError(t, tr.EditClear(Span(0, 2), log))
	assert.False(t, log.CanRedo())
	assert.Len(t, log.History(), 2)
}

func TestEditLogCompound(t *testing.T) {
	tr := newTestTrail(t, 1)
	log := NewEditLog()
	defer log.Close()

	log.Begin("build")
	require.NoError(t, tr.EditAdd(fillStake(t, tr, Span(0, 10), ramp), log))
	require.NoError(t, tr.EditInsert(fillStake(t, tr, Span(0, 5), constant(1)), log))
	assert.False(t, log.CanUndo())
	require.NoError(t, log.Commit())

	assert.Equal(t, []string{"build"}, log.History())
	name, err := log.Undo()
	require.NoError(t, err)
	assert.Equal(t, "build", name)
	assert.Equal(t, int64(0), tr.Len())

	name, err = log.Redo()
	require.NoError(t, err)
	assert.Equal(t, "build", name)
	assert.Equal(t, int64(15), tr.Len())
	require.NoError(t, tr.Validate())
}

func TestEditLogRollback(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 10), ramp)
	log := NewEditLog()
	defer log.Close()

	log.Begin("doomed")
	require.NoError(t, tr.EditRemove(Span(2, 8), log))
	assert.Equal(t, int64(4), tr.Len())
	require.NoError(t, log.Rollback())

	assert.Equal(t, int64(10), tr.Len())
	require.NoError(t, tr.Validate())
	assert.Equal(t, float32(5), readAll(t, tr, Span(5, 6))[0][0])
	assert.False(t, log.CanUndo())
	assert.ErrorIs(t, log.Commit(), ErrNoCompound)
}

func TestEditLogNestedRollbackPoisons(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 10), ramp)
	log := NewEditLog()
	defer log.Close()

	log.Begin("outer")
	require.NoError(t, tr.EditRemove(Span(0, 2), log))
	log.Begin("inner")
	assert.Equal(t, 2, log.Depth())
	require.NoError(t, tr.EditRemove(Span(0, 2), log))
	require.NoError(t, log.Rollback())
	assert.Equal(t, 1, log.Depth())

	_, err := log.Undo()
	assert.ErrorIs(t, err, ErrInvalidOperation)

	assert.ErrorIs(t, log.Commit(), ErrCompoundPoisoned)
	assert.Equal(t, 0, log.Depth())
	assert.Equal(t, int64(10), tr.Len())
	assert.False(t, log.CanUndo())
}

func TestEditSinkFuncReceivesRecords(t *testing.T) {
	tr := newTestTrail(t, 1)
	var recs []EditRecord
	sink := EditSinkFunc(func(rec EditRecord) { recs = append(recs, rec) })

	require.NoError(t, tr.EditAdd(fillStake(t, tr, Span(0, 10), ramp), sink))
	require.Len(t, recs, 1)
	assert.Equal(t, EditAdd, recs[0].Kind)
	assert.Equal(t, Change{Kind: ChangeOverwrite, Span: Span(0, 10)}, recs[0].Change())

	recs = nil
	require.NoError(t, tr.EditRemove(Span(4, 6), sink))
	assert.NotEmpty(t, recs)
	for _, rec := range recs {
		assert.Equal(t, ChangeRemove, rec.Change().Kind)
	}
	disposeOwned(recs, true)
}

func TestUndoNotifiesDependants(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 10), ramp)
	dep := &recordingDependant{}
	tr.AddDependant(dep)
	defer tr.RemoveDependant(dep)

	log := NewEditLog()
	defer log.Close()
	require.NoError(t, tr.EditRemove(Span(2, 4), log))
	_, err := log.Undo()
	require.NoError(t, err)

	require.Len(t, dep.changes, 2)
	assert.Equal(t, Change{Kind: ChangeRemove, Span: Span(2, 4)}, dep.changes[0])
	assert.Equal(t, Change{Kind: ChangeInsert, Span: Span(2, 4)}, dep.changes[1])
}
