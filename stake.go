package trail

import (
	"fmt"
	"sync/atomic"
)

// StakeKind is the backing of a Stake. It is a closed set: Interleaved,
// MultiMapped and Silent are the only implementations.
type StakeKind interface {
	isStakeKind()
}

// Interleaved stakes read all channels from one contiguous file range.
type Interleaved struct {
	File     *SharedFile
	FileSpan Interval
}

// MultiMapped stakes read each channel group from its own file.
// ChannelMap[g][k] is the trail channel stored as channel k of Files[g].
type MultiMapped struct {
	Files      []*SharedFile
	FileSpans  []Interval
	ChannelMap [][]int
}

// Silent stakes have no storage and read as zero.
type Silent struct {
	Channels int
}

func (Interleaved) isStakeKind() {}
func (MultiMapped) isStakeKind() {}
func (Silent) isStakeKind()      {}

// Stake maps a range of virtual frames onto backing storage.
// Stakes are immutable once linked into a Trail: trims and shifts produce
// new stakes that hold their own references to the backing files.
type Stake struct {
	span     Interval
	kind     StakeKind
	channels int

	// ceilings holds the originally allocated file range per file.
	ceilings []Interval
	disposed atomic.Bool
}

func newInterleavedStake(span Interval, file *SharedFile, fileSpan Interval) *Stake {
	return &Stake{
		span:     span,
		kind:     Interleaved{File: file, FileSpan: fileSpan},
		channels: file.Channels(),
		ceilings: []Interval{fileSpan},
	}
}

func newMultiMappedStake(span Interval, files []*SharedFile, fileSpans []Interval, channelMap [][]int) *Stake {
	channels := 0
	for _, m := range channelMap {
		channels += len(m)
	}
	return &Stake{
		span:     span,
		kind:     MultiMapped{Files: files, FileSpans: fileSpans, ChannelMap: channelMap},
		channels: channels,
		ceilings: append([]Interval(nil), fileSpans...),
	}
}

func newSilentStake(span Interval, channels int) *Stake {
	return &Stake{span: span, kind: Silent{Channels: channels}, channels: channels}
}

// Span returns the virtual frame range covered by the stake.
func (s *Stake) Span() Interval { return s.span }

// Kind returns the backing of the stake.
func (s *Stake) Kind() StakeKind { return s.kind }

// Channels returns the number of channels the stake delivers.
func (s *Stake) Channels() int { return s.channels }

// IsSilent returns true for stakes without storage.
func (s *Stake) IsSilent() bool {
	_, ok := s.kind.(Silent)
	return ok
}

func (s *Stake) String() string {
	switch k := s.kind.(type) {
	case Interleaved:
		return fmt.Sprintf("stake%v->%s%v", s.span, k.File.Name(), k.FileSpan)
	case MultiMapped:
		return fmt.Sprintf("stake%v->%d files", s.span, len(k.Files))
	case Silent:
		return fmt.Sprintf("stake%v silent", s.span)
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
}

func (s *Stake) checkTransfer(buf [][]float32, sub Interval) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if !s.span.ContainsInterval(sub) {
		return fmt.Errorf("%w: %v outside stake %v", ErrInvalidOperation, sub, s.span)
	}
	if len(buf) != s.channels {
		return fmt.Errorf("%w: buffer has %d channels, stake %d", ErrChannelMismatch, len(buf), s.channels)
	}
	return nil
}

// ReadFrames reads the frames of sub into buf starting at off.
// A nil channel slice in buf is skipped.
func (s *Stake) ReadFrames(buf [][]float32, off int, sub Interval) (int, error) {
	if err := s.checkTransfer(buf, sub); err != nil {
		return 0, err
	}
	n := int(sub.Len())
	delta := sub.Start - s.span.Start

	switch k := s.kind.(type) {
	case Interleaved:
		return k.File.readAt(k.FileSpan.Start+delta, buf, off, n)
	case MultiMapped:
		got := n
		for g, f := range k.Files {
			r, err := f.readAt(k.FileSpans[g].Start+delta, groupView(buf, k.ChannelMap[g]), off, n)
			if err != nil {
				return 0, err
			}
			got = min(got, r)
		}
		return got, nil
	case Silent:
		zeroFrames(buf, off, n)
		return n, nil
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
}

// WriteFrames writes buf starting at off into the frames of sub.
func (s *Stake) WriteFrames(buf [][]float32, off int, sub Interval) (int, error) {
	if err := s.checkTransfer(buf, sub); err != nil {
		return 0, err
	}
	n := int(sub.Len())
	delta := sub.Start - s.span.Start

	switch k := s.kind.(type) {
	case Interleaved:
		return k.File.writeAt(k.FileSpan.Start+delta, buf, off, n)
	case MultiMapped:
		for g, f := range k.Files {
			if _, err := f.writeAt(k.FileSpans[g].Start+delta, groupView(buf, k.ChannelMap[g]), off, n); err != nil {
				return 0, err
			}
		}
		return n, nil
	case Silent:
		return 0, fmt.Errorf("%w: write to silent stake %v", ErrInvalidOperation, s.span)
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
}

// Duplicate returns a copy of the stake sharing its backing files.
func (s *Stake) Duplicate() *Stake {
	return s.derive(s.span, 0, 0)
}

// ShiftVirtual returns a copy of the stake moved by delta frames in virtual
// time. File ranges are unchanged.
func (s *Stake) ShiftVirtual(delta int64) *Stake {
	return s.derive(s.span.Shift(delta), 0, 0)
}

// ReplaceStart returns a copy of the stake starting at newStart. The file
// ranges move by the same amount and must stay within the allocated range.
func (s *Stake) ReplaceStart(newStart int64) (*Stake, error) {
	if newStart > s.span.Stop {
		return nil, fmt.Errorf("%w: start %d past stop of %v", ErrInvalidOperation, newStart, s.span)
	}
	delta := newStart - s.span.Start
	if err := s.checkCeilings(delta, 0); err != nil {
		return nil, err
	}
	return s.derive(Span(newStart, s.span.Stop), delta, 0), nil
}

// ReplaceStop returns a copy of the stake ending at newStop.
func (s *Stake) ReplaceStop(newStop int64) (*Stake, error) {
	if newStop < s.span.Start {
		return nil, fmt.Errorf("%w: stop %d before start of %v", ErrInvalidOperation, newStop, s.span)
	}
	delta := newStop - s.span.Stop
	if err := s.checkCeilings(0, delta); err != nil {
		return nil, err
	}
	return s.derive(Span(s.span.Start, newStop), 0, delta), nil
}

func (s *Stake) checkCeilings(startDelta, stopDelta int64) error {
	spans := s.fileSpans()
	for i, fs := range spans {
		moved := Interval{Start: fs.Start + startDelta, Stop: fs.Stop + stopDelta}
		if !s.ceilings[i].ContainsInterval(moved) {
			return fmt.Errorf("%w: file range %v exceeds allocation %v", ErrInvalidOperation, moved, s.ceilings[i])
		}
	}
	return nil
}

func (s *Stake) fileSpans() []Interval {
	switch k := s.kind.(type) {
	case Interleaved:
		return []Interval{k.FileSpan}
	case MultiMapped:
		return k.FileSpans
	case Silent:
		return nil
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
}

// derive builds a stake over span whose file ranges are adjusted by the
// given deltas. The new stake takes its own file references.
func (s *Stake) derive(span Interval, startDelta, stopDelta int64) *Stake {
	adjust := func(fs Interval) Interval {
		return Interval{Start: fs.Start + startDelta, Stop: fs.Stop + stopDelta}
	}
	ns := &Stake{span: span, channels: s.channels, ceilings: s.ceilings}

	switch k := s.kind.(type) {
	case Interleaved:
		ns.kind = Interleaved{File: k.File.retain(), FileSpan: adjust(k.FileSpan)}
	case MultiMapped:
		files := make([]*SharedFile, len(k.Files))
		spans := make([]Interval, len(k.FileSpans))
		for i, f := range k.Files {
			files[i] = f.retain()
			spans[i] = adjust(k.FileSpans[i])
		}
		ns.kind = MultiMapped{Files: files, FileSpans: spans, ChannelMap: k.ChannelMap}
	case Silent:
		ns.kind = k
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
	return ns
}

// Flush flushes the backing files of the stake.
func (s *Stake) Flush() error {
	switch k := s.kind.(type) {
	case Interleaved:
		return k.File.flush()
	case MultiMapped:
		for _, f := range k.Files {
			if err := f.flush(); err != nil {
				return err
			}
		}
		return nil
	case Silent:
		return nil
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
}

// Dispose releases the stake's file references. The last reference to a
// temp file deletes it. Dispose is idempotent.
func (s *Stake) Dispose() {
	if s.disposed.Swap(true) {
		return
	}
	switch k := s.kind.(type) {
	case Interleaved:
		k.File.release()
	case MultiMapped:
		for _, f := range k.Files {
			f.release()
		}
	case Silent:
	default:
		panic(fmt.Sprintf("unknown stake kind %T", k))
	}
}

// groupView selects the trail channels of one file group from buf.
func groupView(buf [][]float32, channels []int) [][]float32 {
	view := make([][]float32, len(channels))
	for k, ch := range channels {
		view[k] = buf[ch]
	}
	return view
}

func zeroFrames(buf [][]float32, off, n int) {
	for _, data := range buf {
		if data == nil {
			continue
		}
		clear(data[off : off+n])
	}
}
