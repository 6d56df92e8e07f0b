package trail

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// regionSerialCounter assigns serial numbers to regions for debugging.
var regionSerialCounter atomic.Uint64

func nextRegionSerial() uint64 {
	return regionSerialCounter.Add(1)
}

// Region maps a range of fullrate frames onto the derived data of every
// pyramid tier. Derived data is computed in blocks of the coarsest tier, so
// a region keeps a biased span that extends its virtual span outward to the
// block grid of the data it was built from. Offsets into the tier files are
// computed relative to the biased start, which keeps block boundaries stable
// when the region is trimmed or moved.
type Region struct {
	serial     uint64
	span       Interval
	startBias  int64
	stopBias   int64
	files      []*SharedFile
	fileStarts []int64
	levels     []DecimationLevel
	disposed   atomic.Bool
}

// newRegion builds a region over span whose data starts at the biased start
// span.Start-startBias. files and fileStarts hold one entry per derived
// tier; the region takes ownership of the file references.
func newRegion(span Interval, startBias int64, files []*SharedFile, fileStarts []int64, levels []DecimationLevel) *Region {
	r := &Region{
		serial:     nextRegionSerial(),
		span:       span,
		startBias:  startBias,
		files:      files,
		fileStarts: fileStarts,
		levels:     levels,
	}
	coarse := r.coarse()
	r.stopBias = coarse.AlignUp(span.Stop-r.biasedStart()) - (span.Stop - r.biasedStart())
	return r
}

func (r *Region) Serial() uint64      { return r.serial }
func (r *Region) Span() Interval      { return r.span }
func (r *Region) StartBias() int64    { return r.startBias }
func (r *Region) StopBias() int64     { return r.stopBias }
func (r *Region) FileStarts() []int64 { return slices.Clone(r.fileStarts) }

// Biased returns the block aligned span of the region's data.
func (r *Region) Biased() Interval {
	return Interval{Start: r.span.Start - r.startBias, Stop: r.span.Stop + r.stopBias}
}

func (r *Region) String() string {
	return fmt.Sprintf("region#%d%v biased%v", r.serial, r.span, r.Biased())
}

func (r *Region) biasedStart() int64 {
	return r.span.Start - r.startBias
}

func (r *Region) coarse() DecimationLevel {
	return r.levels[len(r.levels)-1]
}

// TrimStart returns a copy of the region starting at newStart. The biased
// start moves by whole coarse blocks only.
func (r *Region) TrimStart(newStart int64) (*Region, error) {
	bs := r.biasedStart()
	if newStart < bs || newStart > r.span.Stop {
		return nil, fmt.Errorf("%w: trim start %d outside %v", ErrInvalidOperation, newStart, r.Biased())
	}
	nbs := bs + r.coarse().AlignDown(newStart-bs)
	nr := r.dup()
	nr.span = Span(newStart, r.span.Stop)
	nr.startBias = newStart - nbs
	for i, lvl := range r.levels {
		nr.fileStarts[i] += (nbs - bs) >> lvl.Shift
	}
	return nr, nil
}

// TrimStop returns a copy of the region ending at newStop. The biased stop
// is rounded up to the next coarse block.
func (r *Region) TrimStop(newStop int64) (*Region, error) {
	bs := r.biasedStart()
	if newStop < r.span.Start || newStop > r.span.Stop+r.stopBias {
		return nil, fmt.Errorf("%w: trim stop %d outside %v", ErrInvalidOperation, newStop, r.Biased())
	}
	nr := r.dup()
	nr.span = Span(r.span.Start, newStop)
	nr.stopBias = bs + r.coarse().AlignUp(newStop-bs) - newStop
	return nr, nil
}

// Shift returns a copy of the region moved by delta frames. Biases are kept.
func (r *Region) Shift(delta int64) *Region {
	nr := r.dup()
	nr.span = r.span.Shift(delta)
	return nr
}

// dup copies the region and takes new file references.
func (r *Region) dup() *Region {
	files := make([]*SharedFile, len(r.files))
	for i, f := range r.files {
		files[i] = f.retain()
	}
	return &Region{
		serial:     nextRegionSerial(),
		span:       r.span,
		startBias:  r.startBias,
		stopBias:   r.stopBias,
		files:      files,
		fileStarts: slices.Clone(r.fileStarts),
		levels:     r.levels,
	}
}

// Dispose releases the region's file references. It is idempotent.
func (r *Region) Dispose() {
	if r.disposed.Swap(true) {
		return
	}
	for _, f := range r.files {
		f.release()
	}
}

// readTier reads samples [from, to) of derived tier (1-based) into buf at
// off. Sample j covers fullrate frame j<<shift. Samples past the region's
// data repeat the last one.
func (r *Region) readTier(tier int, from, to int64, buf [][]float32, off int) error {
	lvl := r.levels[tier-1]
	bs := r.biasedStart()
	first := r.fileStarts[tier-1] + ((from<<lvl.Shift - bs + lvl.RoundAdd) >> lvl.Shift)
	limit := r.fileStarts[tier-1] + (r.Biased().Len() >> lvl.Shift)
	count := int(to - from)
	n := int(min(int64(count), limit-first))
	if n > 0 {
		got, err := r.files[tier-1].readAt(first, buf, off, n)
		if err != nil {
			return err
		}
		n = got
	}
	if n <= 0 {
		zeroFrames(buf, off, count)
		return nil
	}
	for _, data := range buf {
		last := data[off+n-1]
		for k := n; k < count; k++ {
			data[off+k] = last
		}
	}
	return nil
}

// RegionList is an immutable snapshot of regions over [0, Len()), used to
// move derived data between region trails without recomputing it.
type RegionList struct {
	length  int64
	regions []*Region
}

// Len returns the number of fullrate frames the list covers.
func (l *RegionList) Len() int64 { return l.length }

// Regions returns the regions of the list. They stay owned by the list.
func (l *RegionList) Regions() []*Region { return slices.Clone(l.regions) }

// Dispose releases the regions of the list.
func (l *RegionList) Dispose() {
	for _, r := range l.regions {
		r.Dispose()
	}
	l.regions = nil
}

// RegionTrail is an edit list of regions sorted by virtual start. Frames
// not covered by any region read as zero.
type RegionTrail struct {
	levels   []DecimationLevel
	channels int
	log      logrus.FieldLogger

	mu       sync.RWMutex
	list     editList[*Region]
	length   int64
	disposed bool
}

// NewRegionTrail creates an empty region trail for the given derived levels
// (tier 1 first) and derived channel count.
func NewRegionTrail(levels []DecimationLevel, channels int, log logrus.FieldLogger) *RegionTrail {
	if log == nil {
		log = defaultLogger()
	}
	return &RegionTrail{levels: levels, channels: channels, log: log}
}

// Len returns the end of the last region.
func (rt *RegionTrail) Len() int64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.length
}

// Regions returns a snapshot of the linked regions.
func (rt *RegionTrail) Regions() []*Region {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return slices.Clone(rt.list.items)
}

// Insert splices list in at pos, moving later regions right by list.Len().
// The list stays owned by the caller.
func (rt *RegionTrail) Insert(pos int64, list *RegionList, sink EditSink) error {
	if pos < 0 || list == nil {
		return fmt.Errorf("%w: region insert at %d", ErrInvalidOperation, pos)
	}
	return rt.edit(sink, func() (Change, error) {
		i, err := rt.splitAtUnlocked(pos)
		if err != nil {
			return Change{}, err
		}
		rt.shiftFromUnlocked(i, list.length)
		for _, r := range list.regions {
			rt.list.insert(i, r.Shift(pos))
			i++
		}
		rt.updateLengthUnlocked()
		return Change{Kind: ChangeInsert, Span: SpanLen(pos, list.length)}, nil
	})
}

// Remove excises span, moving later regions left by span.Len().
func (rt *RegionTrail) Remove(span Interval, sink EditSink) error {
	if span.Start < 0 {
		return fmt.Errorf("%w: region remove %v", ErrInvalidOperation, span)
	}
	if span.IsEmpty() {
		return nil
	}
	return rt.edit(sink, func() (Change, error) {
		i, err := rt.clearUnlocked(span)
		if err != nil {
			return Change{}, err
		}
		rt.shiftFromUnlocked(i, -span.Len())
		rt.updateLengthUnlocked()
		return Change{Kind: ChangeRemove, Span: span}, nil
	})
}

// Replace drops the regions in span and links region, which must lie
// inside span, without moving anything. A nil region leaves a gap. The
// trail takes ownership of region, and disposes it if the edit fails.
func (rt *RegionTrail) Replace(span Interval, region *Region, sink EditSink) error {
	if span.Start < 0 || (region != nil && !span.ContainsInterval(region.span)) {
		if region != nil {
			region.Dispose()
		}
		return fmt.Errorf("%w: region replace %v", ErrInvalidOperation, span)
	}
	linked := false
	err := rt.edit(sink, func() (Change, error) {
		i, err := rt.clearUnlocked(span)
		if err != nil {
			return Change{}, err
		}
		if region != nil && !region.span.IsEmpty() {
			rt.list.insert(i, region)
			linked = true
		}
		rt.updateLengthUnlocked()
		return Change{Kind: ChangeOverwrite, Span: span}, nil
	})
	if region != nil && !linked {
		region.Dispose()
	}
	return err
}

// ShiftFrom moves every region at or after pos by delta, splitting a
// region that straddles pos. Moving left must not overlap earlier regions.
func (rt *RegionTrail) ShiftFrom(pos, delta int64, sink EditSink) error {
	if pos < 0 || pos+delta < 0 {
		return fmt.Errorf("%w: shift %d by %d", ErrInvalidOperation, pos, delta)
	}
	return rt.edit(sink, func() (Change, error) {
		i, err := rt.splitAtUnlocked(pos)
		if err != nil {
			return Change{}, err
		}
		if delta < 0 && i > 0 && rt.list.items[i-1].span.Stop > pos+delta {
			return Change{}, fmt.Errorf("%w: shift by %d overlaps %v", ErrInvalidOperation, delta, rt.list.items[i-1].span)
		}
		rt.shiftFromUnlocked(i, delta)
		rt.updateLengthUnlocked()
		if delta > 0 {
			return Change{Kind: ChangeInsert, Span: SpanLen(pos, delta)}, nil
		}
		return Change{Kind: ChangeRemove, Span: SpanLen(pos+delta, -delta)}, nil
	})
}

// Extract returns a snapshot of the regions in span, moved to start at 0.
// The caller owns the result.
func (rt *RegionTrail) Extract(span Interval) (*RegionList, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if rt.disposed {
		return nil, ErrDisposed
	}
	list := &RegionList{length: span.Len()}
	for _, r := range rt.regionsInUnlocked(span) {
		part, err := trimRegion(r, span)
		if err != nil {
			list.Dispose()
			return nil, err
		}
		list.regions = append(list.regions, part.Shift(-span.Start))
		part.Dispose()
	}
	return list, nil
}

func trimRegion(r *Region, span Interval) (*Region, error) {
	sub := r.span.Intersect(span)
	left, err := r.TrimStart(sub.Start)
	if err != nil {
		return nil, err
	}
	defer left.Dispose()
	return left.TrimStop(sub.Stop)
}

// Read reads samples [span.Start, span.Stop) of derived tier (1-based) into
// buf at off. Sample j of a tier covers fullrate frame j<<shift.
func (rt *RegionTrail) Read(tier int, span Interval, buf [][]float32, off int) (int, error) {
	if tier < 1 || tier > len(rt.levels) {
		return 0, fmt.Errorf("%w: tier %d", ErrInvalidOperation, tier)
	}
	if span.Start < 0 {
		return 0, fmt.Errorf("%w: read %v", ErrInvalidOperation, span)
	}
	if len(buf) != rt.channels {
		return 0, fmt.Errorf("%w: buffer has %d channels, tier %d", ErrChannelMismatch, len(buf), rt.channels)
	}
	lvl := rt.levels[tier-1]
	zeroFrames(buf, off, int(span.Len()))

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if rt.disposed {
		return 0, ErrDisposed
	}
	full := Interval{Start: span.Start << lvl.Shift, Stop: span.Stop << lvl.Shift}
	for _, r := range rt.regionsInUnlocked(full) {
		from := max(span.Start, ceilShift(r.span.Start, lvl.Shift))
		to := min(span.Stop, ceilShift(r.span.Stop, lvl.Shift))
		if from >= to {
			continue
		}
		if err := r.readTier(tier, from, to, buf, off+int(from-span.Start)); err != nil {
			return 0, err
		}
	}
	return int(span.Len()), nil
}

func ceilShift(n int64, shift int) int64 {
	return (n + (int64(1) << shift) - 1) >> shift
}

// Dispose releases all regions.
func (rt *RegionTrail) Dispose() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.disposed {
		return
	}
	rt.disposed = true
	for _, r := range rt.list.items {
		r.Dispose()
	}
	rt.list.items = nil
	rt.length = 0
}

func (rt *RegionTrail) edit(sink EditSink, fn func() (Change, error)) error {
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		return ErrDisposed
	}
	rt.list.begin(sink != nil)
	change, err := fn()
	recs := rt.list.finish(rt, change)
	rt.mu.Unlock()

	for _, rec := range recs {
		sink.Append(rec)
	}
	return err
}

func (rt *RegionTrail) replay(recs []EditRecord, undo bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.disposed {
		return ErrDisposed
	}
	for _, rec := range recs {
		if err := rt.list.apply(rec, undo); err != nil {
			return err
		}
	}
	rt.updateLengthUnlocked()
	return nil
}

// clearUnlocked drops the regions inside span and returns the index where
// span started.
func (rt *RegionTrail) clearUnlocked(span Interval) (int, error) {
	i, err := rt.splitAtUnlocked(span.Start)
	if err != nil {
		return 0, err
	}
	j, err := rt.splitAtUnlocked(span.Stop)
	if err != nil {
		return 0, err
	}
	for k := i; k < j; k++ {
		rt.list.remove(i)
	}
	return i, nil
}

// splitAtUnlocked makes pos a region boundary and returns the index of the
// first region starting at or after pos.
func (rt *RegionTrail) splitAtUnlocked(pos int64) (int, error) {
	items := rt.list.items
	i := sort.Search(len(items), func(k int) bool { return items[k].span.Stop > pos })
	if i == len(items) || items[i].span.Start >= pos {
		return i, nil
	}
	r := items[i]
	left, err := r.TrimStop(pos)
	if err != nil {
		return 0, err
	}
	right, err := r.TrimStart(pos)
	if err != nil {
		left.Dispose()
		return 0, err
	}
	rt.list.replace(i, left)
	rt.list.insert(i+1, right)
	return i + 1, nil
}

func (rt *RegionTrail) shiftFromUnlocked(i int, delta int64) {
	if delta == 0 {
		return
	}
	for k := i; k < len(rt.list.items); k++ {
		rt.list.replace(k, rt.list.items[k].Shift(delta))
	}
}

func (rt *RegionTrail) regionsInUnlocked(span Interval) []*Region {
	items := rt.list.items
	i := sort.Search(len(items), func(k int) bool { return items[k].span.Stop > span.Start })
	j := i
	for j < len(items) && items[j].span.Start < span.Stop {
		j++
	}
	return items[i:j]
}

func (rt *RegionTrail) updateLengthUnlocked() {
	rt.length = 0
	if n := len(rt.list.items); n > 0 {
		rt.length = rt.list.items[n-1].span.Stop
	}
}
