package trail

import (
	"testing"

	"github.com/faiface/beep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerStream(t *testing.T) {
	tr := newTestTrail(t, 3)
	addFilled(t, tr, Span(0, 10), ramp)

	p, err := NewPlayer(tr, 2, 0)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, beep.SampleRate(48000), p.Format().SampleRate)
	assert.Equal(t, 2, p.Format().NumChannels)
	assert.Equal(t, 10, p.Len())

	samples := make([][2]float64, 4)
	n, ok := p.Stream(samples)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, [2]float64{20000, 0}, samples[0])
	assert.Equal(t, [2]float64{20003, 3}, samples[3])
	assert.Equal(t, 4, p.Position())

	require.NoError(t, p.Seek(8))
	n, ok = p.Stream(samples)
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.Equal(t, [2]float64{20009, 9}, samples[1])

	_, ok = p.Stream(samples)
	assert.False(t, ok)
	assert.NoError(t, p.Err())

	assert.ErrorIs(t, p.Seek(11), ErrInvalidOperation)
	assert.ErrorIs(t, p.Seek(-1), ErrInvalidOperation)
}

func TestPlayerMono(t *testing.T) {
	tr := newTestTrail(t, 1)
	addFilled(t, tr, Span(0, 4), constant(0.5))

	p, err := NewPlayer(tr, 0, 1)
	require.NoError(t, err)

	samples := make([][2]float64, 8)
	n, ok := p.Stream(samples)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, [2]float64{0.5, 0.5}, samples[3])

	require.NoError(t, p.Close())
	require.NoError(t, p.Seek(0))
	_, ok = p.Stream(samples)
	assert.False(t, ok, "closed players stream nothing")
}

func TestPlayerSeesEdits(t *testing.T) {
	tr := newTestTrail(t, 2)
	addFilled(t, tr, Span(0, 8), constant(1))

	p, err := NewPlayer(tr, 0, 1)
	require.NoError(t, err)
	defer p.Close()

	samples := make([][2]float64, 4)
	_, ok := p.Stream(samples)
	require.True(t, ok)

	require.NoError(t, tr.EditClear(Span(4, 6), nil))
	n, ok := p.Stream(samples)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, [][2]float64{{0, 0}, {0, 0}, {1, 1}, {1, 1}}, samples)
}

func TestPlayerChannelMismatch(t *testing.T) {
	tr := newTestTrail(t, 2)
	_, err := NewPlayer(tr, 0, 2)
	assert.ErrorIs(t, err, ErrChannelMismatch)
}
