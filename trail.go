package trail

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ChangeKind classifies a structural change of a Trail.
type ChangeKind int

const (
	// ChangeInsert means frames were inserted at Span and later frames moved
	// right by Span.Len().
	ChangeInsert ChangeKind = iota

	// ChangeRemove means the frames of Span were removed and later frames
	// moved left by Span.Len().
	ChangeRemove

	// ChangeOverwrite means the frames of Span were replaced in place. The
	// trail may have grown or shrunk at its end.
	ChangeOverwrite
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeRemove:
		return "remove"
	case ChangeOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change describes one structural change of a Trail.
type Change struct {
	Kind ChangeKind
	Span Interval
}

// inverse is the change that undoes c.
func (c Change) inverse() Change {
	switch c.Kind {
	case ChangeInsert:
		return Change{Kind: ChangeRemove, Span: c.Span}
	case ChangeRemove:
		return Change{Kind: ChangeInsert, Span: c.Span}
	default:
		return c
	}
}

// Dependant is notified after every structural change of a Trail it is
// registered with. Notifications run after the trail lock is released, so
// dependants may read the trail.
type Dependant interface {
	OnStructuralChange(t *Trail, c Change)
}

// generationDependant is a Dependant that also wants the edit generation
// the change produced.
type generationDependant interface {
	onGeneration(t *Trail, c Change, gen uint64)
}

// TrailOptions configures a Trail.
type TrailOptions struct {
	// Name is used in log entries. Defaults to the trail ID.
	Name string

	Channels int
	Rate     float64

	// Groups splits the channels into groups stored in separate files.
	// Groups[g] lists the trail channels of group g. Nil stores all channels
	// interleaved in one file.
	Groups [][]int

	// Provider creates backing temp files. Defaults to a LocalTempProvider
	// in os.TempDir().
	Provider TempProvider

	// MaxFileFrames is the number of frames allocated from one temp file
	// before a new one is started.
	MaxFileFrames int64

	Logger logrus.FieldLogger
}

func (o TrailOptions) withDefaults() TrailOptions {
	if o.Provider == nil {
		o.Provider = &LocalTempProvider{}
	}
	if o.MaxFileFrames <= 0 {
		o.MaxFileFrames = DefaultMaxFileFrames
	}
	if o.Logger == nil {
		o.Logger = defaultLogger()
	}
	return o
}

// Trail is an ordered, gap-free list of Stakes covering [0, Len()).
// Edits never modify sample data in place: new data is written to freshly
// allocated stakes which are then linked in.
type Trail struct {
	id     string
	name   string
	format Format
	groups [][]int
	sets   []*fileSet
	log    logrus.FieldLogger

	mu         sync.RWMutex
	list       editList[*Stake]
	length     int64
	gen        uint64
	dependants []Dependant
	disposed   bool
}

// NewTrail creates an empty trail.
func NewTrail(opts TrailOptions) (*Trail, error) {
	opts = opts.withDefaults()
	if opts.Channels <= 0 {
		return nil, fmt.Errorf("%w: trail needs at least one channel", ErrInvalidOperation)
	}
	if opts.Rate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %v", ErrInvalidOperation, opts.Rate)
	}

	groups := opts.Groups
	if groups == nil {
		groups = [][]int{identityMap(opts.Channels)}
	}
	if err := validateGroups(groups, opts.Channels); err != nil {
		return nil, err
	}

	t := &Trail{
		id:     uuid.NewString(),
		name:   opts.Name,
		format: Format{Channels: opts.Channels, Rate: opts.Rate},
		groups: groups,
	}
	if t.name == "" {
		t.name = t.id
	}
	t.log = opts.Logger.WithField("trail", t.name)
	for _, g := range groups {
		format := Format{Channels: len(g), Rate: opts.Rate}
		t.sets = append(t.sets, newFileSet(opts.Provider, format, opts.MaxFileFrames, t.log))
	}
	return t, nil
}

func identityMap(n int) []int {
	m := make([]int, n)
	for i := range m {
		m[i] = i
	}
	return m
}

func validateGroups(groups [][]int, channels int) error {
	seen := make([]bool, channels)
	for _, g := range groups {
		if len(g) == 0 {
			return fmt.Errorf("%w: empty channel group", ErrInvalidOperation)
		}
		for _, ch := range g {
			if ch < 0 || ch >= channels || seen[ch] {
				return fmt.Errorf("%w: bad channel %d in groups", ErrChannelMismatch, ch)
			}
			seen[ch] = true
		}
	}
	if slices.Contains(seen, false) {
		return fmt.Errorf("%w: channel groups do not cover all channels", ErrChannelMismatch)
	}
	return nil
}

func (t *Trail) ID() string      { return t.id }
func (t *Trail) Name() string    { return t.name }
func (t *Trail) Channels() int   { return t.format.Channels }
func (t *Trail) Rate() float64   { return t.format.Rate }
func (t *Trail) Format() Format  { return t.format }
func (t *Trail) Groups() [][]int { return t.groups }

// Generation counts the edits applied to the trail, undo and redo
// included. It changes under the same lock as the stakes.
func (t *Trail) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gen
}

// lenGen returns the length and generation of one consistent state.
func (t *Trail) lenGen() (int64, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.length, t.gen
}

// Len returns the number of frames covered by the trail.
func (t *Trail) Len() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.length
}

// Alloc allocates fresh storage for span and returns an unlinked writable
// stake. Backing files are created on first use.
func (t *Trail) Alloc(span Interval) (*Stake, error) {
	if span.Start < 0 {
		return nil, fmt.Errorf("%w: alloc at %d", ErrInvalidOperation, span.Start)
	}
	t.mu.RLock()
	disposed := t.disposed
	t.mu.RUnlock()
	if disposed {
		return nil, ErrDisposed
	}

	files := make([]*SharedFile, 0, len(t.sets))
	spans := make([]Interval, 0, len(t.sets))
	for _, set := range t.sets {
		f, fspan, err := set.alloc(span.Len())
		if err != nil {
			for _, got := range files {
				got.release()
			}
			return nil, err
		}
		files = append(files, f)
		spans = append(spans, fspan)
	}
	if len(files) == 1 {
		return newInterleavedStake(span, files[0], spans[0]), nil
	}
	return newMultiMappedStake(span, files, spans, t.groups), nil
}

// AllocSilent returns an unlinked silent stake over span.
func (t *Trail) AllocSilent(span Interval) *Stake {
	return newSilentStake(span, t.format.Channels)
}

// EditAdd links stake into the trail, overwriting the frames it covers.
// A stake starting past the end is preceded by silence. The trail takes
// ownership of stake unless an error is returned.
func (t *Trail) EditAdd(stake *Stake, sink EditSink) error {
	if err := t.checkStake(stake); err != nil {
		return err
	}
	if stake.span.IsEmpty() {
		stake.Dispose()
		return nil
	}
	return t.edit(sink, func() (Change, error) {
		return t.addUnlocked(stake)
	})
}

// EditInsert links stake into the trail at its start, moving later frames
// right by its length. The trail takes ownership of stake unless an error
// is returned.
func (t *Trail) EditInsert(stake *Stake, sink EditSink) error {
	if err := t.checkStake(stake); err != nil {
		return err
	}
	if stake.span.IsEmpty() {
		stake.Dispose()
		return nil
	}
	return t.edit(sink, func() (Change, error) {
		return t.insertUnlocked(stake.span.Start, []*Stake{stake})
	})
}

// EditRemove removes the frames of span, moving later frames left.
// The part of span past the end is ignored.
func (t *Trail) EditRemove(span Interval, sink EditSink) error {
	if span.Start < 0 {
		return fmt.Errorf("%w: remove %v", ErrInvalidOperation, span)
	}
	return t.edit(sink, func() (Change, error) {
		span = span.Intersect(Span(0, t.length))
		if span.IsEmpty() {
			return Change{}, nil
		}
		i, err := t.splitAtUnlocked(span.Start)
		if err != nil {
			return Change{}, err
		}
		j, err := t.splitAtUnlocked(span.Stop)
		if err != nil {
			return Change{}, err
		}
		for k := i; k < j; k++ {
			t.list.remove(i)
		}
		t.shiftFromUnlocked(i, -span.Len())
		t.length -= span.Len()
		return Change{Kind: ChangeRemove, Span: span}, nil
	})
}

// EditClear overwrites span with silence.
func (t *Trail) EditClear(span Interval, sink EditSink) error {
	return t.EditAdd(t.AllocSilent(span), sink)
}

// Paste inserts stakes at pos as one edit. The stakes must be contiguous;
// they are moved so that the first one starts at pos. The trail takes
// ownership of the stakes unless an error is returned.
func (t *Trail) Paste(pos int64, stakes []*Stake, sink EditSink) error {
	if len(stakes) == 0 {
		return nil
	}
	moved := make([]*Stake, 0, len(stakes))
	cur := pos
	for _, s := range stakes {
		if err := t.checkStake(s); err != nil {
			for _, m := range moved {
				m.Dispose()
			}
			return err
		}
		moved = append(moved, s.ShiftVirtual(cur-s.span.Start))
		cur += s.span.Len()
	}
	err := t.edit(sink, func() (Change, error) {
		return t.insertUnlocked(pos, moved)
	})
	if err != nil {
		for _, m := range moved {
			m.Dispose()
		}
		return err
	}
	for _, s := range stakes {
		s.Dispose()
	}
	return nil
}

// Copy returns duplicates of the stakes covering span, trimmed to span and
// moved to start at 0. The caller owns the result.
func (t *Trail) Copy(span Interval) ([]*Stake, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.disposed {
		return nil, ErrDisposed
	}
	span = span.Intersect(Span(0, t.length))
	var out []*Stake
	for _, s := range t.stakesInUnlocked(span) {
		part, err := trimStake(s, span)
		if err != nil {
			for _, o := range out {
				o.Dispose()
			}
			return nil, err
		}
		shifted := part.ShiftVirtual(-span.Start)
		part.Dispose()
		out = append(out, shifted)
	}
	return out, nil
}

// trimStake returns a new stake covering s.Span() ∩ span.
func trimStake(s *Stake, span Interval) (*Stake, error) {
	sub := s.span.Intersect(span)
	left, err := s.ReplaceStart(sub.Start)
	if err != nil {
		return nil, err
	}
	defer left.Dispose()
	return left.ReplaceStop(sub.Stop)
}

func (t *Trail) checkStake(s *Stake) error {
	if s == nil {
		return fmt.Errorf("%w: nil stake", ErrInvalidOperation)
	}
	if s.disposed.Load() {
		return fmt.Errorf("%w: stake %v", ErrDisposed, s.span)
	}
	if s.channels != t.format.Channels {
		return fmt.Errorf("%w: stake has %d channels, trail %d", ErrChannelMismatch, s.channels, t.format.Channels)
	}
	if s.span.Start < 0 {
		return fmt.Errorf("%w: stake at %v", ErrInvalidOperation, s.span)
	}
	return nil
}

// edit runs fn under the write lock, hands the resulting records to sink and
// notifies dependants. fn must validate before it mutates.
func (t *Trail) edit(sink EditSink, fn func() (Change, error)) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	t.list.begin(sink != nil)
	change, err := fn()
	recs := t.list.finish(t, change)
	if err == nil && !change.Span.IsEmpty() {
		t.gen++
	}
	gen := t.gen
	t.mu.Unlock()

	for _, rec := range recs {
		sink.Append(rec)
	}
	if err != nil {
		return err
	}
	if !change.Span.IsEmpty() {
		t.notify(change, gen)
	}
	return nil
}

func (t *Trail) addUnlocked(stake *Stake) (Change, error) {
	span := stake.span
	changed := span
	if span.Start > t.length {
		changed = Span(t.length, span.Stop)
		t.list.insert(len(t.list.items), t.AllocSilent(Span(t.length, span.Start)))
		t.length = span.Start
	}
	i, err := t.splitAtUnlocked(span.Start)
	if err != nil {
		return Change{}, err
	}
	j, err := t.splitAtUnlocked(min(span.Stop, t.length))
	if err != nil {
		return Change{}, err
	}
	for k := i; k < j; k++ {
		t.list.remove(i)
	}
	t.list.insert(i, stake)
	t.length = max(t.length, span.Stop)
	return Change{Kind: ChangeOverwrite, Span: changed}, nil
}

func (t *Trail) insertUnlocked(pos int64, stakes []*Stake) (Change, error) {
	if pos > t.length {
		return Change{}, fmt.Errorf("%w: insert at %d past end %d", ErrInvalidOperation, pos, t.length)
	}
	var total int64
	for _, s := range stakes {
		total += s.span.Len()
	}
	i, err := t.splitAtUnlocked(pos)
	if err != nil {
		return Change{}, err
	}
	t.shiftFromUnlocked(i, total)
	for _, s := range stakes {
		if s.span.IsEmpty() {
			s.Dispose()
			continue
		}
		t.list.insert(i, s)
		i++
	}
	t.length += total
	return Change{Kind: ChangeInsert, Span: SpanLen(pos, total)}, nil
}

// splitAtUnlocked makes pos a stake boundary and returns the index of the
// first stake starting at or after pos.
func (t *Trail) splitAtUnlocked(pos int64) (int, error) {
	items := t.list.items
	i := sort.Search(len(items), func(k int) bool { return items[k].span.Stop > pos })
	if i == len(items) || items[i].span.Start >= pos {
		return i, nil
	}
	s := items[i]
	left, err := s.ReplaceStop(pos)
	if err != nil {
		return 0, err
	}
	right, err := s.ReplaceStart(pos)
	if err != nil {
		left.Dispose()
		return 0, err
	}
	t.list.replace(i, left)
	t.list.insert(i+1, right)
	return i + 1, nil
}

func (t *Trail) shiftFromUnlocked(i int, delta int64) {
	if delta == 0 {
		return
	}
	for k := i; k < len(t.list.items); k++ {
		t.list.replace(k, t.list.items[k].ShiftVirtual(delta))
	}
}

func (t *Trail) replay(recs []EditRecord, undo bool) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	for _, rec := range recs {
		if err := t.list.apply(rec, undo); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.length = 0
	if n := len(t.list.items); n > 0 {
		t.length = t.list.items[n-1].span.Stop
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	change := recs[0].change
	if undo {
		change = change.inverse()
	}
	if !change.Span.IsEmpty() {
		t.notify(change, gen)
	}
	return nil
}

// ReadFrames reads span into buf starting at off. Frames past the end of
// the trail read as zero.
func (t *Trail) ReadFrames(buf [][]float32, off int, span Interval) (int, error) {
	if span.Start < 0 {
		return 0, fmt.Errorf("%w: read %v", ErrInvalidOperation, span)
	}
	if len(buf) != t.format.Channels {
		return 0, fmt.Errorf("%w: buffer has %d channels, trail %d", ErrChannelMismatch, len(buf), t.format.Channels)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.disposed {
		return 0, ErrDisposed
	}
	items := t.list.items
	pos := span.Start
	i := sort.Search(len(items), func(k int) bool { return items[k].span.Stop > pos })
	for ; pos < span.Stop && i < len(items); i++ {
		sub := span.Intersect(items[i].span)
		at := off + int(pos-span.Start)
		n, err := items[i].ReadFrames(buf, at, sub)
		if err != nil {
			return int(pos - span.Start), err
		}
		if int64(n) < sub.Len() {
			zeroFrames(buf, at+n, int(sub.Len())-n)
		}
		pos = sub.Stop
	}
	if pos < span.Stop {
		zeroFrames(buf, off+int(pos-span.Start), int(span.Stop-pos))
		t.log.WithFields(logrus.Fields{
			"span": span.String(),
			"len":  t.length,
		}).Warn("read past end of trail")
	}
	return int(span.Len()), nil
}

// Stakes returns a snapshot of the linked stakes. The stakes stay owned by
// the trail.
func (t *Trail) Stakes() []*Stake {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.list.items)
}

// StakesIn returns the linked stakes overlapping span.
func (t *Trail) StakesIn(span Interval) []*Stake {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.stakesInUnlocked(span))
}

func (t *Trail) stakesInUnlocked(span Interval) []*Stake {
	items := t.list.items
	i := sort.Search(len(items), func(k int) bool { return items[k].span.Stop > span.Start })
	j := i
	for j < len(items) && items[j].span.Start < span.Stop {
		j++
	}
	return items[i:j]
}

// Validate checks that the stakes cover [0, Len()) without gaps or overlaps.
func (t *Trail) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var pos int64
	for i, s := range t.list.items {
		if s.span.Start != pos {
			return fmt.Errorf("%w: stake %d starts at %d, expected %d", ErrInvalidOperation, i, s.span.Start, pos)
		}
		if s.span.IsEmpty() {
			return fmt.Errorf("%w: stake %d is empty", ErrInvalidOperation, i)
		}
		pos = s.span.Stop
	}
	if pos != t.length {
		return fmt.Errorf("%w: stakes end at %d, length %d", ErrInvalidOperation, pos, t.length)
	}
	return nil
}

// AddDependant registers d for change notifications.
func (t *Trail) AddDependant(d Dependant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dependants = append(t.dependants, d)
}

// RemoveDependant unregisters d. It returns false if d was not registered.
func (t *Trail) RemoveDependant(d Dependant) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := slices.Index(t.dependants, d)
	if i < 0 {
		return false
	}
	t.dependants = slices.Delete(t.dependants, i, i+1)
	return true
}

func (t *Trail) notify(c Change, gen uint64) {
	t.mu.RLock()
	deps := slices.Clone(t.dependants)
	t.mu.RUnlock()

	for _, d := range deps {
		if gd, ok := d.(generationDependant); ok {
			gd.onGeneration(t, c, gen)
			continue
		}
		d.OnStructuralChange(t, c)
	}
}

// Dispose releases all stakes and backing files. It fails while dependants
// are registered, since they may still read the trail while tearing down.
func (t *Trail) Dispose() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return nil
	}
	if len(t.dependants) > 0 {
		return fmt.Errorf("%w: %d on trail %s", ErrDependantsAttached, len(t.dependants), t.name)
	}
	t.disposed = true
	for _, s := range t.list.items {
		s.Dispose()
	}
	t.list.items = nil
	t.length = 0
	for _, set := range t.sets {
		set.close()
	}
	return nil
}
