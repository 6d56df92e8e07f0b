package trail

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// BlendCurve maps a position x in [0, 1] across a crossfade window to the
// weight of the incoming signal. It must return 0 at 0 and 1 at 1.
type BlendCurve func(x float64) float64

// LinearBlend is the default crossfade curve.
func LinearBlend(x float64) float64 {
	return x
}

// EqualPowerBlend keeps the summed power of two uncorrelated signals constant.
func EqualPowerBlend(x float64) float64 {
	return math.Sin(x * math.Pi / 2)
}

// BlendDescriptor describes a crossfade window at one edge of a written range.
type BlendDescriptor struct {
	Length int64
	Curve  BlendCurve
}

// NewBlend returns a linear crossfade of n frames.
func NewBlend(n int64) *BlendDescriptor {
	return &BlendDescriptor{Length: n}
}

func (b *BlendDescriptor) curve() BlendCurve {
	if b == nil || b.Curve == nil {
		return LinearBlend
	}
	return b.Curve
}

// length returns the window length clamped to [0, half].
func (b *BlendDescriptor) length(half int64) int64 {
	if b == nil {
		return 0
	}
	return min(max(b.Length, 0), half)
}

// Mode selects how CopyRange combines the copied frames with the trail.
type Mode int

const (
	// Insert moves the frames at and after the target position right.
	Insert Mode = iota

	// Overwrite replaces the frames at the target position.
	Overwrite

	// Mix adds the copied frames to the frames at the target position.
	Mix
)

func (m Mode) String() string {
	switch m {
	case Insert:
		return "insert"
	case Overwrite:
		return "overwrite"
	case Mix:
		return "mix"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ProgressFunc receives the completed fraction of a long operation.
type ProgressFunc func(fraction float64)

// FrameSource is anything CopyRange can read frames from. *Trail is one.
type FrameSource interface {
	Channels() int
	ReadFrames(buf [][]float32, off int, span Interval) (int, error)
}

// CopyOptions configures CopyRange.
type CopyOptions struct {
	Mode Mode

	// Pre fades from the old frames into the copied ones at the start of the
	// target range, Post fades back at its end. Each is clamped to half the
	// copied length. The old frame at offset i is the one found at pos+i
	// before the edit. In Insert mode those frames move right past the
	// copied range, so Post fades towards frames that reappear later rather
	// than towards the frame following the range.
	Pre  *BlendDescriptor
	Post *BlendDescriptor

	// ChunkSize bounds the frames held in memory per channel.
	ChunkSize int

	// TrackMap selects the channels to write. Unselected channels keep the
	// old frames in Overwrite and Mix mode and are silent in Insert mode.
	// Nil selects all channels.
	TrackMap []bool

	Progress ProgressFunc
	Sink     EditSink
}

func (o CopyOptions) withDefaults() CopyOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkFrames
	}
	return o
}

// CopyRange writes the frames of srcSpan from src to pos using opts.Mode.
// The result is built in fresh storage and linked into the trail in one
// edit. If ctx is cancelled the partial result is discarded and CopyRange
// returns false with a nil error; the trail is unchanged.
func (t *Trail) CopyRange(ctx context.Context, src FrameSource, srcSpan Interval, pos int64, opts CopyOptions) (bool, error) {
	opts = opts.withDefaults()
	channels := t.Channels()
	if src.Channels() != channels {
		return false, fmt.Errorf("%w: source has %d channels, trail %d", ErrChannelMismatch, src.Channels(), channels)
	}
	if opts.TrackMap != nil && len(opts.TrackMap) != channels {
		return false, fmt.Errorf("%w: track map has %d entries, trail %d channels", ErrChannelMismatch, len(opts.TrackMap), channels)
	}
	if pos < 0 || srcSpan.Start < 0 {
		return false, fmt.Errorf("%w: copy %v to %d", ErrInvalidOperation, srcSpan, pos)
	}
	if opts.Mode == Insert && pos > t.Len() {
		return false, fmt.Errorf("%w: insert at %d past end %d", ErrInvalidOperation, pos, t.Len())
	}
	total := srcSpan.Len()
	if total == 0 {
		return true, nil
	}

	bPre := opts.Pre.length(total / 2)
	bPost := opts.Post.length(total / 2)
	preCurve, postCurve := opts.Pre.curve(), opts.Post.curve()
	weight := func(at int64) float64 {
		switch {
		case at < bPre:
			return preCurve(float64(at) / float64(bPre))
		case at >= total-bPost:
			return postCurve(float64(total-at) / float64(bPost))
		default:
			return 1
		}
	}

	selected := func(ch int) bool { return opts.TrackMap == nil || opts.TrackMap[ch] }
	partial := opts.TrackMap != nil && slices.Contains(opts.TrackMap, false)
	needOld := opts.Mode == Mix || bPre > 0 || bPost > 0 || (partial && opts.Mode != Insert)

	stake, err := t.Alloc(SpanLen(pos, total))
	if err != nil {
		return false, err
	}

	chunk := opts.ChunkSize
	cur := makeBuffer(channels, chunk)
	var old [][]float32
	if needOld {
		old = makeBuffer(channels, chunk)
	}

	for off := int64(0); off < total; off += int64(chunk) {
		if ctx.Err() != nil {
			t.discard(stake)
			return false, nil
		}
		n := int(min(int64(chunk), total-off))
		if _, err := src.ReadFrames(cur, 0, SpanLen(srcSpan.Start+off, int64(n))); err != nil {
			t.discard(stake)
			return false, err
		}
		if needOld {
			if err := t.readOld(old, SpanLen(pos+off, int64(n))); err != nil {
				t.discard(stake)
				return false, err
			}
		}

		for ch := 0; ch < channels; ch++ {
			out := cur[ch][:n]
			if !selected(ch) {
				if opts.Mode == Insert {
					clear(out)
				} else {
					copy(out, old[ch][:n])
				}
				continue
			}
			if !needOld {
				continue
			}
			for i := range out {
				o := old[ch][i]
				v := out[i]
				if opts.Mode == Mix {
					v += o
				}
				out[i] = blendSample(o, v, weight(off+int64(i)))
			}
		}

		if _, err := stake.WriteFrames(cur, 0, SpanLen(pos+off, int64(n))); err != nil {
			t.discard(stake)
			return false, err
		}
		if opts.Progress != nil {
			opts.Progress(float64(off+int64(n)) / float64(total))
		}
	}

	if ctx.Err() != nil {
		t.discard(stake)
		return false, nil
	}
	if err := stake.Flush(); err != nil {
		t.discard(stake)
		return false, err
	}
	if opts.Mode == Insert {
		err = t.EditInsert(stake, opts.Sink)
	} else {
		err = t.EditAdd(stake, opts.Sink)
	}
	if err != nil {
		t.discard(stake)
		return false, err
	}
	return true, nil
}

// blendSample mixes prev and next with weight w for next. The window edges
// return the inputs exactly.
func blendSample(prev, next float32, w float64) float32 {
	switch {
	case w >= 1:
		return next
	case w <= 0:
		return prev
	default:
		return float32(float64(prev)*(1-w) + float64(next)*w)
	}
}

// readOld reads the current frames of span, with silence past the end.
func (t *Trail) readOld(buf [][]float32, span Interval) error {
	n := int(span.Len())
	inside := span.Intersect(Span(0, t.Len()))
	if inside.IsEmpty() {
		zeroFrames(buf, 0, n)
		return nil
	}
	if _, err := t.ReadFrames(buf, 0, inside); err != nil {
		return err
	}
	zeroFrames(buf, int(inside.Len()), n-int(inside.Len()))
	return nil
}

// discard disposes an unlinked stake and hands its storage back to the
// trail's file sets when it was the most recent allocation.
func (t *Trail) discard(s *Stake) {
	switch k := s.kind.(type) {
	case Interleaved:
		t.sets[0].reclaim(k.File, k.FileSpan)
	case MultiMapped:
		for g, f := range k.Files {
			t.sets[g].reclaim(f, k.FileSpans[g])
		}
	case Silent:
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
	s.Dispose()
}
