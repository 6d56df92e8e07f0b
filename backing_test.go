package trail

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := &LocalTempProvider{Dir: dir, Prefix: "test-"}

	f, err := p.CreateTemp(Format{Channels: 2, Rate: 44100})
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(f.Name()))
	assert.True(t, strings.HasPrefix(filepath.Base(f.Name()), "test-"))
	assert.Equal(t, 2, f.ChannelCount())
	assert.Equal(t, 44100.0, f.SampleRate())

	buf := [][]float32{{1, 2, 3, 4, 5}, {-1, -2, -3, -4, -5}}
	n, err := f.WriteFrames(buf, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(5), f.FrameCount())

	require.NoError(t, f.Seek(1))
	out := makeBuffer(2, 3)
	n, err = f.ReadFrames(out, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []float32{2, 3, 4}, out[0])
	assert.Equal(t, []float32{-2, -3, -4}, out[1])

	require.NoError(t, f.Close())

	g, err := OpenFloatFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, 2, g.ChannelCount())
	assert.Equal(t, int64(5), g.FrameCount())
	assert.Equal(t, 44100.0, g.SampleRate())
	require.NoError(t, g.Delete())

	_, err = os.Stat(f.Name())
	assert.True(t, os.IsNotExist(err))
}

func TestFloatFileSkipsNilChannels(t *testing.T) {
	f, err := (&LocalTempProvider{Dir: t.TempDir()}).CreateTemp(Format{Channels: 2, Rate: 48000})
	require.NoError(t, err)
	defer f.Delete()

	_, err = f.WriteFrames([][]float32{{1, 2}, {3, 4}}, 0, 2)
	require.NoError(t, err)
	require.NoError(t, f.Seek(0))

	right := make([]float32, 2)
	_, err = f.ReadFrames([][]float32{nil, right}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, right)
}

func TestFloatFileSeekBounds(t *testing.T) {
	f, err := (&LocalTempProvider{Dir: t.TempDir()}).CreateTemp(Format{Channels: 1, Rate: 48000})
	require.NoError(t, err)
	defer f.Delete()

	require.NoError(t, f.SetFrameCount(10))
	assert.NoError(t, f.Seek(10))
	assert.ErrorIs(t, f.Seek(11), ErrInvalidOperation)
	assert.ErrorIs(t, f.Seek(-1), ErrInvalidOperation)
}

func TestOpenFloatFileRejectsGarbage(t *testing.T) {
	name := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(name, []byte("this is not a trail temp file"), 0o600))

	_, err := OpenFloatFile(name)
	assert.ErrorIs(t, err, ErrBadTempFile)
}

func TestSharedFileDeletesOnLastRelease(t *testing.T) {
	f, err := (&LocalTempProvider{Dir: t.TempDir()}).CreateTemp(Format{Channels: 1, Rate: 48000})
	require.NoError(t, err)

	sf := newSharedFile(f, true, quietLogger())
	sf.retain()
	assert.Equal(t, 2, sf.Refs())

	sf.release()
	_, err = os.Stat(f.Name())
	require.NoError(t, err)

	sf.release()
	assert.Equal(t, 0, sf.Refs())
	_, err = os.Stat(f.Name())
	assert.True(t, os.IsNotExist(err))
}

func TestFileSetAllocAndReclaim(t *testing.T) {
	set := newFileSet(&LocalTempProvider{Dir: t.TempDir()}, Format{Channels: 1, Rate: 48000}, 100, quietLogger())
	defer set.close()

	f1, s1, err := set.alloc(60)
	require.NoError(t, err)
	defer f1.release()
	assert.Equal(t, Span(0, 60), s1)

	f2, s2, err := set.alloc(30)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, Span(60, 90), s2)

	files, frames := set.stats()
	assert.Equal(t, 1, files)
	assert.Equal(t, int64(90), frames)

	assert.False(t, set.reclaim(f1, s1), "only the most recent allocation can be reclaimed")
	assert.True(t, set.reclaim(f2, s2))
	f2.release()
	_, frames = set.stats()
	assert.Equal(t, int64(60), frames)

	// Does not fit into the remaining 40 frames: a new file is started.
	f3, s3, err := set.alloc(50)
	require.NoError(t, err)
	defer f3.release()
	assert.NotSame(t, f1, f3)
	assert.Equal(t, Span(0, 50), s3)

	files, _ = set.stats()
	assert.Equal(t, 2, files)
}

func TestFileSetClosed(t *testing.T) {
	set := newFileSet(&LocalTempProvider{Dir: t.TempDir()}, Format{Channels: 1, Rate: 48000}, 100, quietLogger())
	set.close()
	_, _, err := set.alloc(1)
	assert.ErrorIs(t, err, ErrDisposed)
}
