package trail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrailValidation(t *testing.T) {
	_, err := NewTrail(TrailOptions{Channels: 0, Rate: 48000})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = NewTrail(TrailOptions{Channels: 2, Rate: 0})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = NewTrail(TrailOptions{Channels: 2, Rate: 48000, Groups: [][]int{{0}}})
	assert.ErrorIs(t, err, ErrChannelMismatch)

	_, err = NewTrail(TrailOptions{Channels: 2, Rate: 48000, Groups: [][]int{{0, 1}, {1}}})
	assert.ErrorIs(t, err, ErrChannelMismatch)

	tr, err := NewTrail(TrailOptions{Channels: 2, Rate: 48000, Logger: quietLogger()})
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID())
	assert.Equal(t, tr.ID(), tr.Name())
	assert.Equal(t, Format{Channels: 2, Rate: 48000}, tr.Format())
	require.NoError(t, tr.Dispose())
}

func TestTrailWriteReadRoundTrip(t *testing.T) {
	tr := newTestTrail(t, 2)
	addFilled(t, tr, Span(0, 1000), ramp)

	assert.Equal(t, int64(1000), tr.Len())
	require.NoError(t, tr.Validate())

	buf := readAll(t, tr, Span(100, 200))
	for i := 0; i < 100; i++ {
		assert.Equal(t, ramp(0, int64(100+i)), buf[0][i])
		assert.Equal(t, ramp(1, int64(100+i)), buf[1][i])
	}
}

func TestTrailOverwriteSplitsStakes(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 100), ramp)
	addFilled(t, tr, Span(40, 60), constant(-1))

	require.NoError(t, tr.Validate())
	assert.Len(t, tr.Stakes(), 3)
	assert.Equal(t, int64(100), tr.Len())

	buf := readAll(t, tr, Span(38, 62))[0]
	assert.Equal(t, float32(38), buf[0])
	assert.Equal(t, float32(39), buf[1])
	assert.Equal(t, float32(-1), buf[2])
	assert.Equal(t, float32(-1), buf[21])
	assert.Equal(t, float32(60), buf[22])
}

func TestTrailAddPastEndFillsSilence(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 10), constant(1))
	addFilled(t, tr, Span(20, 30), constant(2))

	require.NoError(t, tr.Validate())
	assert.Equal(t, int64(30), tr.Len())
	stakes := tr.Stakes()
	require.Len(t, stakes, 3)
	assert.True(t, stakes[1].IsSilent())
	assert.Equal(t, Span(10, 20), stakes[1].Span())

	buf := readAll(t, tr, Span(9, 21))[0]
	assert.Equal(t, float32(1), buf[0])
	assert.Equal(t, float32(0), buf[1])
	assert.Equal(t, float32(0), buf[10])
	assert.Equal(t, float32(2), buf[11])
}

func TestTrailInsertPreservesTail(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 100), ramp)
	before := readAll(t, tr, Span(50, 100))[0]

	require.NoError(t, tr.EditInsert(fillStake(t, tr, Span(50, 75), constant(-1)), nil))
	require.NoError(t, tr.Validate())
	assert.Equal(t, int64(125), tr.Len())

	after := readAll(t, tr, Span(75, 125))[0]
	assert.Equal(t, before, after)
	assert.Equal(t, float32(49), readAll(t, tr, Span(49, 50))[0][0])
	assert.Equal(t, float32(-1), readAll(t, tr, Span(50, 51))[0][0])
}

func TestTrailInsertPastEndFails(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 10), ramp)

	s := fillStake(t, tr, Span(11, 12), ramp)
	defer s.Dispose()
	assert.ErrorIs(t, tr.EditInsert(s, nil), ErrInvalidOperation)
	require.NoError(t, tr.Validate())
	assert.Equal(t, int64(10), tr.Len())
}

func TestTrailRemove(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 100), ramp)

	require.NoError(t, tr.EditRemove(Span(10, 20), nil))
	require.NoError(t, tr.Validate())
	assert.Equal(t, int64(90), tr.Len())
	assert.Equal(t, float32(9), readAll(t, tr, Span(9, 10))[0][0])
	assert.Equal(t, float32(20), readAll(t, tr, Span(10, 11))[0][0])

	// The part past the end is ignored.
	require.NoError(t, tr.EditRemove(Span(80, 200), nil))
	assert.Equal(t, int64(80), tr.Len())
	require.NoError(t, tr.EditRemove(Span(500, 600), nil))
	assert.Equal(t, int64(80), tr.Len())

	assert.ErrorIs(t, tr.EditRemove(Span(-1, 5), nil), ErrInvalidOperation)
}

func TestTrailClear(t *testing.T) {
	tr := newTestTrail(t, 2)
	addFilled(t, tr, Span(0, 10), constant(1))

	require.NoError(t, tr.EditClear(Span(2, 4), nil))
	require.NoError(t, tr.Validate())
	buf := readAll(t, tr, Span(0, 6))
	assert.Equal(t, []float32{1, 1, 0, 0, 1, 1}, buf[0])
	assert.Equal(t, []float32{1, 1, 0, 0, 1, 1}, buf[1])
}

func TestTrailReadPastEndZeroFills(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 4), constant(1))

	buf := [][]float32{{9, 9, 9, 9, 9, 9, 9, 9}}
	n, err := tr.ReadFrames(buf, 0, Span(2, 10))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []float32{1, 1, 0, 0, 0, 0, 0, 0}, buf[0])

	_, err = tr.ReadFrames(makeBuffer(2, 1), 0, Span(0, 1))
	assert.ErrorIs(t, err, ErrChannelMismatch)
}

func TestTrailCopyPaste(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 50), ramp)
	addFilled(t, tr, Span(50, 100), constant(-1))

	clip, err := tr.Copy(Span(40, 60))
	require.NoError(t, err)
	require.Len(t, clip, 2)
	assert.Equal(t, Span(0, 10), clip[0].Span())
	assert.Equal(t, Span(10, 20), clip[1].Span())

	require.NoError(t, tr.Paste(0, clip, nil))
	require.NoError(t, tr.Validate())
	assert.Equal(t, int64(120), tr.Len())

	buf := readAll(t, tr, Span(0, 20))[0]
	assert.Equal(t, float32(40), buf[0])
	assert.Equal(t, float32(49), buf[9])
	assert.Equal(t, float32(-1), buf[10])
	assert.Equal(t, float32(0), readAll(t, tr, Span(20, 21))[0][0])
}

func TestTrailRejectsForeignStakes(t *testing.T) {
	tr := newTestTrail(t, 1)
	stereo := newTestTrail(t, 2)

	s := fillStake(t, stereo, Span(0, 10), ramp)
	defer s.Dispose()
	assert.ErrorIs(t, tr.EditAdd(s, nil), ErrChannelMismatch)

	d := fillStake(t, tr, Span(0, 10), ramp)
	d.Dispose()
	assert.ErrorIs(t, tr.EditAdd(d, nil), ErrDisposed)
}

func TestTrailMultiMappedEdits(t *testing.T) {
	tr, err := NewTrail(TrailOptions{
		Channels: 2,
		Rate:     48000,
		Groups:   [][]int{{1}, {0}},
		Provider: &LocalTempProvider{Dir: t.TempDir()},
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer tr.Dispose()

	addFilled(t, tr, Span(0, 20), ramp)
	require.NoError(t, tr.EditRemove(Span(5, 10), nil))
	require.NoError(t, tr.EditInsert(fillStake(t, tr, Span(0, 2), constant(7)), nil))
	require.NoError(t, tr.Validate())

	buf := readAll(t, tr, Span(0, 8))
	assert.Equal(t, []float32{7, 7, 0, 1, 2, 3, 4, 10}, buf[0])
	assert.Equal(t, []float32{7, 7, 10000, 10001, 10002, 10003, 10004, 10010}, buf[1])
}

func TestTrailDependants(t *testing.T) {
	tr := newTestTrail(t, 1)
	dep := &recordingDependant{}
	tr.AddDependant(dep)

	addFilled(t, tr, Span(0, 10), ramp)
	require.NoError(t, tr.EditInsert(fillStake(t, tr, Span(5, 7), ramp), nil))
	require.NoError(t, tr.EditRemove(Span(0, 3), nil))
	require.NoError(t, tr.EditRemove(Span(100, 200), nil))

	assert.Equal(t, []Change{
		{Kind: ChangeOverwrite, Span: Span(0, 10)},
		{Kind: ChangeInsert, Span: Span(5, 7)},
		{Kind: ChangeRemove, Span: Span(0, 3)},
	}, dep.changes)

	assert.ErrorIs(t, tr.Dispose(), ErrDependantsAttached)
	assert.True(t, tr.RemoveDependant(dep))
	assert.False(t, tr.RemoveDependant(dep))
	require.NoError(t, tr.Dispose())
	require.NoError(t, tr.Dispose())

	_, err := tr.Alloc(Span(0, 1))
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = tr.ReadFrames(makeBuffer(1, 1), 0, Span(0, 1))
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestTrailGeneration(t *testing.T) {
	tr := newTestTrail(t, 1)
	assert.Equal(t, uint64(0), tr.Generation())

	log := NewEditLog()
	defer log.Close()
	addFilled(t, tr, Span(0, 10), ramp)
	require.NoError(t, tr.EditRemove(Span(2, 4), log))
	assert.Equal(t, uint64(2), tr.Generation())

	// Edits that change nothing keep the generation.
	require.NoError(t, tr.EditRemove(Span(100, 200), nil))
	assert.Equal(t, uint64(2), tr.Generation())

	_, err := log.Undo()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tr.Generation())
	_, err = log.Redo()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tr.Generation())
}

func TestTrailUsage(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 100), ramp)
	addFilled(t, tr, Span(10, 20), ramp)

	u := tr.Usage()
	assert.Equal(t, 1, u.Trails)
	assert.Equal(t, 1, u.TempFiles)
	assert.Equal(t, int64(110), u.AllocatedFrames)
	assert.Equal(t, 3, u.Stakes)
}
