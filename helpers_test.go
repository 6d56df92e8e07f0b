package trail

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestTrail(t *testing.T, channels int) *Trail {
	t.Helper()
	tr, err := NewTrail(TrailOptions{
		Name:     t.Name(),
		Channels: channels,
		Rate:     48000,
		Provider: &LocalTempProvider{Dir: t.TempDir()},
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Dispose() })
	return tr
}

// fillStake allocates span and writes value(ch, frame) into it.
func fillStake(t *testing.T, tr *Trail, span Interval, value func(ch int, frame int64) float32) *Stake {
	t.Helper()
	s, err := tr.Alloc(span)
	require.NoError(t, err)
	buf := makeBuffer(tr.Channels(), int(span.Len()))
	for ch := range buf {
		for i := range buf[ch] {
			buf[ch][i] = value(ch, span.Start+int64(i))
		}
	}
	_, err = s.WriteFrames(buf, 0, span)
	require.NoError(t, err)
	return s
}

func constant(v float32) func(int, int64) float32 {
	return func(int, int64) float32 { return v }
}

// ramp encodes channel and frame in the sample value.
func ramp(ch int, frame int64) float32 {
	return float32(ch*10000) + float32(frame)
}

func addFilled(t *testing.T, tr *Trail, span Interval, value func(int, int64) float32) {
	t.Helper()
	require.NoError(t, tr.EditAdd(fillStake(t, tr, span, value), nil))
}

func readAll(t *testing.T, tr *Trail, span Interval) [][]float32 {
	t.Helper()
	buf := makeBuffer(tr.Channels(), int(span.Len()))
	n, err := tr.ReadFrames(buf, 0, span)
	require.NoError(t, err)
	require.Equal(t, int(span.Len()), n)
	return buf
}

type recordingDependant struct {
	changes []Change
}

func (d *recordingDependant) OnStructuralChange(_ *Trail, c Change) {
	d.changes = append(d.changes, c)
}
