package trail

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wave(ch int, frame int64) float32 {
	return float32(math.Sin(float64(frame)*0.07+float64(ch))) * 0.8
}

func newTestPyramid(t *testing.T, tr *Trail, model Model, async bool) *Pyramid {
	t.Helper()
	p, err := NewPyramid(tr, PyramidOptions{
		Model:     model,
		Tiers:     3,
		MaxCoarse: 40,
		Async:     async,
		Provider:  &LocalTempProvider{Dir: t.TempDir()},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	return p
}

func readTier(t *testing.T, p *Pyramid, tier int, span Interval) [][]float32 {
	t.Helper()
	buf := makeBuffer(p.Channels(tier), int(span.Len()))
	_, err := p.Read(tier, span, buf, 0)
	require.NoError(t, err)
	return buf
}

// assertMatchesRebuild compares every derived tier of p with a pyramid
// built from scratch over the same trail.
func assertMatchesRebuild(t *testing.T, p *Pyramid) {
	t.Helper()
	fresh, err := NewPyramid(p.Full(), PyramidOptions{
		Model:     p.Model(),
		Tiers:     p.Tiers(),
		MaxCoarse: p.opts.MaxCoarse,
		Provider:  &LocalTempProvider{Dir: t.TempDir()},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer fresh.Close()

	for tier := 1; tier < p.Tiers(); tier++ {
		span := Span(0, p.Len(tier))
		assert.Equal(t, readTier(t, fresh, tier, span), readTier(t, p, tier, span), "tier %d", tier)
	}
}

func TestPyramidOptions(t *testing.T) {
	tr := newTestTrail(t, 1)
	p := newTestPyramid(t, tr, HalfWave, false)
	defer p.Close()

	assert.Equal(t, 48, p.opts.MaxCoarse, "rounded up to whole coarse blocks")
	assert.Equal(t, 3, p.Tiers())
	assert.Equal(t, 1, p.Channels(0))
	assert.Equal(t, 4, p.Channels(1))
	assert.Equal(t, 3000.0, p.Level(2).Rate)

	_, err := NewPyramid(tr, PyramidOptions{Tiers: 1, Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = NewPyramid(tr, PyramidOptions{Model: Model(7), Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	// 4^15 frame blocks.
	_, err = NewPyramid(tr, PyramidOptions{Tiers: 16, Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = NewPyramid(tr, PyramidOptions{Tiers: 40, Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	wide, err := NewPyramid(tr, PyramidOptions{Tiers: 11, Logger: quietLogger(), Provider: &LocalTempProvider{Dir: t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, MaxBlockFrames, wide.opts.MaxCoarse)
	require.NoError(t, wide.Close())
}

func TestPyramidBuild(t *testing.T) {
	tr := newTestTrail(t, 2)
	addFilled(t, tr, Span(0, 256), wave)
	p := newTestPyramid(t, tr, HalfWave, false)
	defer p.Close()

	assert.Equal(t, int64(64), p.Len(1))
	assert.Equal(t, int64(16), p.Len(2))

	full := readAll(t, tr, Span(0, 16))
	tier1 := readTier(t, p, 1, Span(0, 4))
	for ch := 0; ch < 2; ch++ {
		for j := 0; j < 4; j++ {
			pp, np, ps, ns := halfWave(full[ch][4*j : 4*j+4])
			assert.Equal(t, pp, tier1[ch*4+hwPosPeak][j])
			assert.Equal(t, np, tier1[ch*4+hwNegPeak][j])
			assert.Equal(t, ps, tier1[ch*4+hwPosMS][j])
			assert.Equal(t, ns, tier1[ch*4+hwNegMS][j])
		}
	}

	tier2 := readTier(t, p, 2, Span(0, 1))
	assert.Equal(t, maxOf(tier1[hwPosPeak]), tier2[hwPosPeak][0])
	assert.Equal(t, minOf(tier1[hwNegPeak]), tier2[hwNegPeak][0])
}

func TestPyramidTracksAlignedEdits(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 320), wave)
	p := newTestPyramid(t, tr, HalfWave, false)
	defer p.Close()

	require.NoError(t, tr.EditInsert(fillStake(t, tr, Span(32, 64), constant(0.25)), nil))
	assertMatchesRebuild(t, p)

	require.NoError(t, tr.EditRemove(Span(96, 112), nil))
	assertMatchesRebuild(t, p)

	addFilled(t, tr, Span(160, 192), constant(-0.5))
	assertMatchesRebuild(t, p)

	// Writing past the end leaves a silent gap.
	addFilled(t, tr, Span(352, 400), constant(0.1))
	assertMatchesRebuild(t, p)

	require.NoError(t, tr.EditRemove(Span(320, 400), nil))
	assertMatchesRebuild(t, p)
	assert.Equal(t, tr.Len(), p.Regions().Len())
}

func TestPyramidUnalignedEdit(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 320), wave)
	p := newTestPyramid(t, tr, Median, false)
	defer p.Close()

	require.NoError(t, tr.EditInsert(fillStake(t, tr, Span(37, 44), constant(0.9)), nil))
	assert.Equal(t, int64(327), tr.Len())
	assert.Equal(t, tr.Len(), p.Regions().Len())

	// The block around the edit is recomputed exactly.
	fresh := newTestPyramid(t, tr, Median, false)
	defer fresh.Close()
	span := Span(32>>2, 48>>2)
	assert.Equal(t, readTier(t, fresh, 1, span), readTier(t, p, 1, span))
}

func TestPyramidUndo(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 128), wave)
	p := newTestPyramid(t, tr, HalfWave, false)
	defer p.Close()
	before := readTier(t, p, 1, Span(0, 32))

	log := NewEditLog()
	defer log.Close()
	require.NoError(t, tr.EditRemove(Span(16, 48), log))
	assertMatchesRebuild(t, p)

	_, err := log.Undo()
	require.NoError(t, err)
	assertMatchesRebuild(t, p)
	assert.Equal(t, before, readTier(t, p, 1, Span(0, 32)))
}

func TestPyramidAsyncRebuild(t *testing.T) {
	tr := newTestTrail(t, 2)
	addFilled(t, tr, Span(0, 4096), wave)

	var last float64
	p, err := NewPyramid(tr, PyramidOptions{
		Model:     HalfWave,
		Tiers:     4,
		MaxCoarse: 64,
		Async:     true,
		Progress:  func(f float64) { last = f },
		Provider:  &LocalTempProvider{Dir: t.TempDir()},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Wait())
	assert.False(t, p.Rebuilding())
	assert.NoError(t, p.Err())
	assert.Equal(t, 1.0, last)
	assert.Equal(t, tr.Len(), p.Regions().Len())

	// Edits during a rebuild restart it.
	require.NoError(t, p.RebuildAsync(context.Background()))
	require.NoError(t, tr.EditRemove(Span(0, 1024), nil))
	require.NoError(t, p.Wait())
	assert.Equal(t, int64(3072), p.Regions().Len())
	assertMatchesRebuild(t, p)
}

func TestPyramidRebuildCancelled(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 1024), wave)
	p := newTestPyramid(t, tr, HalfWave, false)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	allocated := p.Usage().AllocatedFrames
	err := p.Rebuild(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, allocated, p.Usage().AllocatedFrames)

	// The previous tiers are left alone.
	assertMatchesRebuild(t, p)
}

// gate holds up edit notifications until release is closed. It signals
// entered on the first one.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) OnStructuralChange(*Trail, Change) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
}

func TestPyramidEditDuringAsyncBuild(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 16384), wave)
	stake := fillStake(t, tr, Span(0, 64), constant(0.5))

	// Registered first, so the pyramid hears of the edit only after the
	// gate opens.
	g := newGate()
	tr.AddDependant(g)
	defer tr.RemoveDependant(g)

	edited := make(chan error, 1)
	var editOnce, releaseOnce sync.Once
	p, err := NewPyramid(tr, PyramidOptions{
		Model:     HalfWave,
		Tiers:     3,
		MaxCoarse: 48,
		Async:     true,
		Progress: func(f float64) {
			// The first worker reads the rest of the trail after the edit.
			editOnce.Do(func() {
				go func() { edited <- tr.EditInsert(stake, nil) }()
				<-g.entered
			})
			if f == 1 {
				releaseOnce.Do(func() {
					go func() {
						time.Sleep(20 * time.Millisecond)
						close(g.release)
					}()
				})
			}
		},
		Provider: &LocalTempProvider{Dir: t.TempDir()},
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, <-edited)
	require.NoError(t, p.Wait())
	assert.False(t, p.Rebuilding())
	assert.NoError(t, p.Err())
	assert.Equal(t, int64(16448), p.Regions().Len())
	assertMatchesRebuild(t, p)
}

func TestPyramidRebuildCoversPendingEdit(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 1024), wave)
	g := newGate()
	tr.AddDependant(g)
	defer tr.RemoveDependant(g)

	p := newTestPyramid(t, tr, HalfWave, false)
	defer p.Close()
	gen := tr.Generation()

	stake := fillStake(t, tr, Span(0, 64), constant(0.5))
	edited := make(chan error, 1)
	go func() { edited <- tr.EditInsert(stake, nil) }()
	<-g.entered
	assert.Equal(t, gen+1, tr.Generation())

	// The rebuild already sees the insert, so its pending notification
	// must not shift the tiers again.
	require.NoError(t, p.Rebuild(context.Background()))
	close(g.release)
	require.NoError(t, <-edited)

	assert.Equal(t, int64(1088), p.Regions().Len())
	assertMatchesRebuild(t, p)
}

func TestPyramidBestSubsample(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 4096), wave)
	p := newTestPyramid(t, tr, HalfWave, false)
	defer p.Close()

	s := p.BestSubsample(Span(0, 100), 200)
	assert.Equal(t, Subsample{Tier: 0, Inline: 1, Frames: 100, Channels: 1}, s)

	s = p.BestSubsample(Span(0, 4096), 256)
	assert.Equal(t, Subsample{Tier: 2, Inline: 1, Frames: 256, Channels: 4}, s)

	s = p.BestSubsample(Span(0, 4096), 100)
	assert.Equal(t, Subsample{Tier: 2, Inline: 2, Frames: 128, Channels: 4}, s)

	buf := makeBuffer(s.Channels, int(s.Frames))
	n, err := p.ReadSubsample(s, Span(0, 4096), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 128, n)

	tier2 := readTier(t, p, 2, Span(0, 2))
	assert.Equal(t, max(tier2[hwPosPeak][0], tier2[hwPosPeak][1]), buf[hwPosPeak][0])
	assert.Equal(t, min(tier2[hwNegPeak][0], tier2[hwNegPeak][1]), buf[hwNegPeak][0])
}

func TestPyramidCloseDetaches(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 512), wave)
	p := newTestPyramid(t, tr, HalfWave, true)

	assert.ErrorIs(t, tr.Dispose(), ErrDependantsAttached)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.False(t, p.Rebuilding())

	assert.ErrorIs(t, p.Rebuild(context.Background()), ErrDisposed)
	assert.ErrorIs(t, p.RebuildAsync(context.Background()), ErrDisposed)

	// Edits no longer reach the closed pyramid.
	require.NoError(t, tr.EditRemove(Span(0, 16), nil))
	require.NoError(t, tr.Dispose())
}
