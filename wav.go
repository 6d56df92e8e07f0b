package trail

import (
	"context"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
)

// wavPCM is the WAVE format tag for integer PCM.
const wavPCM = 1

// ImportOptions configures ImportWAV.
type ImportOptions struct {
	// Mode is Insert or Overwrite. Mix is not supported.
	Mode Mode

	ChunkSize int
	Progress  ProgressFunc
	Sink      EditSink
}

func (o ImportOptions) withDefaults() ImportOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkFrames
	}
	return o
}

// ImportWAV decodes an integer PCM WAV stream and links its frames into the
// trail at pos in one edit. It returns the imported span. The channel count
// must match the trail; a differing sample rate is logged and not converted.
// If ctx is cancelled the trail is unchanged and an empty span is returned
// with a nil error.
func (t *Trail) ImportWAV(ctx context.Context, r io.ReadSeeker, pos int64, opts ImportOptions) (Interval, error) {
	opts = opts.withDefaults()
	if opts.Mode == Mix {
		return Interval{}, fmt.Errorf("%w: mix import", ErrInvalidOperation)
	}
	if pos < 0 || (opts.Mode == Insert && pos > t.Len()) {
		return Interval{}, fmt.Errorf("%w: import at %d of %d", ErrInvalidOperation, pos, t.Len())
	}

	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Interval{}, ErrInvalidWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return Interval{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}
	if dec.WavAudioFormat != wavPCM {
		return Interval{}, fmt.Errorf("%w: format tag %d", ErrInvalidWAV, dec.WavAudioFormat)
	}
	format := dec.Format()
	bitDepth := int(dec.SampleBitDepth())
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return Interval{}, fmt.Errorf("%w: %d bit samples", ErrInvalidWAV, bitDepth)
	}
	channels := format.NumChannels
	if channels != t.Channels() {
		return Interval{}, fmt.Errorf("%w: wav has %d channels, trail %d", ErrChannelMismatch, channels, t.Channels())
	}
	if float64(format.SampleRate) != t.Rate() {
		t.log.WithFields(logrus.Fields{
			"trail":    t.name,
			"wav_rate": format.SampleRate,
			"rate":     t.Rate(),
		}).Warn("importing wav with different sample rate")
	}

	bytesPerSample := (bitDepth-1)/8 + 1
	total := int64(dec.PCMLen()) / int64(bytesPerSample*channels)
	if total == 0 {
		return SpanLen(pos, 0), nil
	}

	stake, err := t.Alloc(SpanLen(pos, total))
	if err != nil {
		return Interval{}, err
	}

	chunk := opts.ChunkSize
	pcm := &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, chunk*channels),
		SourceBitDepth: bitDepth,
	}
	frames := makeBuffer(channels, chunk)
	scale := 1 / float32(int64(1)<<(bitDepth-1))

	var done int64
	for done < total {
		if ctx.Err() != nil {
			t.discard(stake)
			return Interval{}, nil
		}
		want := int(min(int64(chunk), total-done))
		pcm.Data = pcm.Data[:want*channels]
		n, err := dec.PCMBuffer(pcm)
		if err != nil {
			t.discard(stake)
			return Interval{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
		}
		got := n / channels
		if got == 0 {
			break
		}
		for i := 0; i < got; i++ {
			for ch := 0; ch < channels; ch++ {
				frames[ch][i] = float32(pcm.Data[i*channels+ch]) * scale
			}
		}
		if _, err := stake.WriteFrames(frames, 0, SpanLen(pos+done, int64(got))); err != nil {
			t.discard(stake)
			return Interval{}, err
		}
		done += int64(got)
		if opts.Progress != nil {
			opts.Progress(float64(done) / float64(total))
		}
	}

	if done == 0 {
		t.discard(stake)
		return SpanLen(pos, 0), nil
	}
	if done < total {
		// Truncated data chunk: keep what was decoded.
		short, err := stake.ReplaceStop(pos + done)
		stake.Dispose()
		if err != nil {
			return Interval{}, err
		}
		stake = short
	}
	if err := stake.Flush(); err != nil {
		stake.Dispose()
		return Interval{}, err
	}
	if opts.Mode == Insert {
		err = t.EditInsert(stake, opts.Sink)
	} else {
		err = t.EditAdd(stake, opts.Sink)
	}
	if err != nil {
		stake.Dispose()
		return Interval{}, err
	}
	return stake.Span(), nil
}

// ExportWAV encodes span of the trail as integer PCM of bitDepth 16, 24 or
// 32. Samples outside [-1, 1] are clipped. Frames past the end of the trail
// are written as silence.
func (t *Trail) ExportWAV(ctx context.Context, w io.WriteSeeker, span Interval, bitDepth int) error {
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return fmt.Errorf("%w: %d bit export", ErrInvalidOperation, bitDepth)
	}
	if span.Start < 0 {
		return fmt.Errorf("%w: export %v", ErrInvalidOperation, span)
	}
	channels := t.Channels()
	rate := int(t.Rate())
	enc := wav.NewEncoder(w, rate, bitDepth, channels, wavPCM)

	chunk := DefaultChunkFrames
	frames := makeBuffer(channels, chunk)
	pcm := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  rate,
		},
		Data:           make([]int, chunk*channels),
		SourceBitDepth: bitDepth,
	}
	peak := float64(int64(1)<<(bitDepth-1) - 1)

	for off := span.Start; off < span.Stop; off += int64(chunk) {
		if err := ctx.Err(); err != nil {
			enc.Close()
			return err
		}
		n := int(min(int64(chunk), span.Stop-off))
		if err := t.readOld(frames, SpanLen(off, int64(n))); err != nil {
			enc.Close()
			return err
		}
		pcm.Data = pcm.Data[:n*channels]
		for i := 0; i < n; i++ {
			for ch := 0; ch < channels; ch++ {
				v := min(max(float64(frames[ch][i]), -1), 1)
				pcm.Data[i*channels+ch] = int(v * peak)
			}
		}
		if err := enc.Write(pcm); err != nil {
			enc.Close()
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}
