package trail

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PyramidOptions configures a Pyramid.
type PyramidOptions struct {
	// Model is the reduction used for derived tiers.
	Model Model

	// Tiers is the number of tiers including fullrate. Tier i runs at
	// fullRate/4^i.
	Tiers int

	// MaxCoarse is the number of fullrate frames reduced per block. It is
	// rounded up to a multiple of the coarsest tier's factor.
	MaxCoarse int

	// Async builds the initial tiers in the background, and rebuilds them in
	// the background when the fullrate trail changes during a build.
	Async bool

	// Progress receives the fraction done of full rebuilds.
	Progress ProgressFunc

	Provider      TempProvider
	MaxFileFrames int64
	Logger        logrus.FieldLogger
}

func (o PyramidOptions) withDefaults() PyramidOptions {
	if o.Tiers == 0 {
		o.Tiers = DefaultTiers
	}
	if o.MaxCoarse <= 0 {
		o.MaxCoarse = DefaultMaxCoarse
	}
	if o.Tiers >= 2 && o.Tiers <= 16 {
		coarse := int64(1) << (2 * (o.Tiers - 1))
		o.MaxCoarse = int((int64(o.MaxCoarse) + coarse - 1) / coarse * coarse)
	}
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

// Pyramid keeps reduced-rate copies of a fullrate Trail up to date. Tier 0
// is the trail itself; derived tiers live in a RegionTrail and are rebuilt
// block by block whenever the trail changes.
type Pyramid struct {
	full     *Trail
	opts     PyramidOptions
	levels   []DecimationLevel
	derived  []DecimationLevel
	channels int
	regions  *RegionTrail
	log      logrus.FieldLogger

	// tempF feeds foreground updates, tempFAsync the background worker.
	tempF      []*fileSet
	tempFAsync []*fileSet

	// editMu serializes updates, rebuilds and Close.
	editMu sync.Mutex

	// mu guards the worker handle and the fields below.
	mu      sync.Mutex
	worker  *rebuildWorker
	lastErr error
	closed  bool

	// synced is the trail generation of the last installed full build.
	// stale is set when a background build was outdated by an edit whose
	// notification is still to come.
	synced uint64
	stale  bool
}

// NewPyramid builds the derived tiers of full and keeps them current by
// registering as a dependant of full.
func NewPyramid(full *Trail, opts PyramidOptions) (*Pyramid, error) {
	opts = opts.withDefaults()
	if opts.Tiers < 2 || opts.Tiers > 16 {
		return nil, fmt.Errorf("%w: %d tiers", ErrInvalidOperation, opts.Tiers)
	}
	if opts.MaxCoarse > MaxBlockFrames {
		return nil, fmt.Errorf("%w: %d tiers need %d frame blocks, limit %d",
			ErrInvalidOperation, opts.Tiers, opts.MaxCoarse, MaxBlockFrames)
	}
	if opts.Model.Channels() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedModel, opts.Model)
	}

	levels := tierLevels(full.Rate(), opts.Tiers)
	p := &Pyramid{
		full:     full,
		opts:     opts,
		levels:   levels,
		derived:  levels[1:],
		channels: full.Channels() * opts.Model.Channels(),
		log:      opts.Logger.WithField("pyramid", full.Name()),
	}
	p.regions = NewRegionTrail(p.derived, p.channels, p.log)
	for _, lvl := range p.derived {
		format := Format{Channels: p.channels, Rate: lvl.Rate}
		p.tempF = append(p.tempF, newFileSet(opts.Provider, format, opts.MaxFileFrames, p.log))
		p.tempFAsync = append(p.tempFAsync, newFileSet(opts.Provider, format, opts.MaxFileFrames, p.log))
	}

	full.AddDependant(p)
	if full.Len() == 0 {
		return p, nil
	}
	if opts.Async {
		if err := p.RebuildAsync(context.Background()); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	}
	if err := p.Rebuild(context.Background()); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Full returns the fullrate trail.
func (p *Pyramid) Full() *Trail { return p.full }

// Tiers returns the number of tiers including fullrate.
func (p *Pyramid) Tiers() int { return len(p.levels) }

// Level returns the decimation level of tier.
func (p *Pyramid) Level(tier int) DecimationLevel { return p.levels[tier] }

// Model returns the reduction model of the derived tiers.
func (p *Pyramid) Model() Model { return p.opts.Model }

// Channels returns the channel count of tier.
func (p *Pyramid) Channels(tier int) int {
	if tier == 0 {
		return p.full.Channels()
	}
	return p.channels
}

// Len returns the number of samples in tier.
func (p *Pyramid) Len(tier int) int64 {
	return p.levels[tier].ToSubrate(p.full.Len())
}

// Regions exposes the derived tiers' region trail.
func (p *Pyramid) Regions() *RegionTrail { return p.regions }

// Err returns the last error of a background update, if any.
func (p *Pyramid) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pyramid) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

// Read reads samples span of tier into buf at off.
func (p *Pyramid) Read(tier int, span Interval, buf [][]float32, off int) (int, error) {
	if tier < 0 || tier >= len(p.levels) {
		return 0, fmt.Errorf("%w: tier %d", ErrInvalidOperation, tier)
	}
	if tier == 0 {
		return p.full.ReadFrames(buf, off, span)
	}
	return p.regions.Read(tier, span, buf, off)
}

// OnStructuralChange updates the derived tiers after an edit of the
// fullrate trail.
func (p *Pyramid) OnStructuralChange(t *Trail, c Change) {
	p.onGeneration(t, c, 0)
}

// onGeneration applies c unless the installed full build already covers
// gen. A zero gen is always applied.
func (p *Pyramid) onGeneration(t *Trail, c Change, gen uint64) {
	p.editMu.Lock()
	defer p.editMu.Unlock()

	p.mu.Lock()
	closed := p.closed
	covered := gen != 0 && gen <= p.synced
	p.mu.Unlock()
	if closed || t != p.full {
		return
	}
	if covered {
		p.log.WithField("change", c.Kind.String()).Debug("change already covered by rebuild")
		return
	}

	start := time.Now()
	restart := p.stopWorker()
	if err := p.applyChange(c, restart); err != nil {
		p.log.WithError(err).WithField("change", c.Kind.String()).Error("pyramid update failed")
		p.setErr(err)
	}
	if restart {
		if err := p.startWorker(context.Background()); err != nil {
			p.setErr(err)
		}
	}
	p.log.WithFields(logrus.Fields{
		"change":  c.Kind.String(),
		"span":    c.Span.String(),
		"elapsed": time.Since(start),
	}).Debug("pyramid updated")
}

// applyChange mirrors c on the region trail. With structureOnly set the
// derived data is left for a pending rebuild.
func (p *Pyramid) applyChange(c Change, structureOnly bool) error {
	var dirty Interval
	switch c.Kind {
	case ChangeInsert:
		if err := p.regions.ShiftFrom(c.Span.Start, c.Span.Len(), nil); err != nil {
			return err
		}
		dirty = c.Span
	case ChangeRemove:
		if err := p.regions.Remove(c.Span, nil); err != nil {
			return err
		}
		dirty = SpanLen(max(c.Span.Start-1, 0), 2)
	case ChangeOverwrite:
		dirty = c.Span
	}

	fullLen := p.full.Len()
	if n := p.regions.Len(); n > fullLen {
		if err := p.regions.Remove(Span(fullLen, n), nil); err != nil {
			return err
		}
	}
	if structureOnly {
		return nil
	}
	return p.subsampleInsert(dirty)
}

// subsampleInsert recomputes the derived data covering edited. The range is
// widened to whole blocks of the coarsest tier and capped at the end of the
// fullrate trail.
func (p *Pyramid) subsampleInsert(edited Interval) error {
	coarse := p.derived[len(p.derived)-1]
	fullLen := p.full.Len()
	ext := Span(coarse.AlignDown(edited.Start), min(coarse.AlignUp(edited.Stop), fullLen))
	if ext.IsEmpty() {
		return nil
	}
	region, err := p.build(context.Background(), p.tempF, ext, nil)
	if err != nil {
		return err
	}
	return p.regions.Replace(ext, region, nil)
}

// Rebuild recomputes all derived tiers in the calling goroutine.
func (p *Pyramid) Rebuild(ctx context.Context) error {
	p.editMu.Lock()
	defer p.editMu.Unlock()

	if p.isClosed() {
		return ErrDisposed
	}
	p.stopWorker()
	return p.rebuildAll(ctx, p.tempF)
}

// rebuildAll builds all tiers from one consistent state of the trail,
// starting over when an edit lands during the build.
func (p *Pyramid) rebuildAll(ctx context.Context, sets []*fileSet) error {
	for {
		fullLen, gen := p.full.lenGen()
		whole := Span(0, max(fullLen, p.regions.Len()))
		var region *Region
		if fullLen > 0 {
			r, err := p.build(ctx, sets, Span(0, fullLen), p.opts.Progress)
			if err != nil {
				return err
			}
			region = r
		}
		if p.full.Generation() != gen {
			p.log.Debug("rebuild outdated by edit, starting over")
			p.discardBuild(sets, region)
			continue
		}
		if err := p.regions.Replace(whole, region, nil); err != nil {
			return err
		}
		p.mu.Lock()
		p.synced = gen
		p.mu.Unlock()
		return nil
	}
}

// discardBuild hands the tier storage of an uninstalled build back to sets
// and disposes it.
func (p *Pyramid) discardBuild(sets []*fileSet, r *Region) {
	if r == nil {
		return
	}
	p.reclaim(sets, r.files, r.fileStarts, p.derived[len(p.derived)-1].AlignUp(r.span.Len()))
	r.Dispose()
}

// reclaim returns the per tier allocations of a build of padded fullrate
// frames to sets.
func (p *Pyramid) reclaim(sets []*fileSet, files []*SharedFile, starts []int64, padded int64) {
	for k, f := range files {
		sets[k].reclaim(f, SpanLen(starts[k], padded>>p.derived[k].Shift))
	}
}

// build reduces the fullrate frames of ext into a new region whose tier data
// is allocated from sets. ext must start on a coarse block boundary.
func (p *Pyramid) build(ctx context.Context, sets []*fileSet, ext Interval, progress ProgressFunc) (*Region, error) {
	coarse := p.derived[len(p.derived)-1]
	padded := coarse.AlignUp(ext.Len())
	model := p.opts.Model
	block := p.opts.MaxCoarse

	files := make([]*SharedFile, 0, len(p.derived))
	starts := make([]int64, 0, len(p.derived))
	release := func() {
		p.reclaim(sets, files, starts, padded)
		for _, f := range files {
			f.release()
		}
	}
	for k, lvl := range p.derived {
		f, fspan, err := sets[k].alloc(padded >> lvl.Shift)
		if err != nil {
			release()
			return nil, err
		}
		files = append(files, f)
		starts = append(starts, fspan.Start)
	}

	in := makeBuffer(p.full.Channels(), block)
	outs := make([][][]float32, len(p.derived))
	for k, lvl := range p.derived {
		outs[k] = makeBuffer(p.channels, block>>lvl.Shift)
	}
	written := make([]int64, len(p.derived))

	for pos := ext.Start; pos < ext.Stop; pos += int64(block) {
		if err := ctx.Err(); err != nil {
			release()
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		n := int(min(int64(block), ext.Stop-pos))
		if _, err := p.full.ReadFrames(in, 0, SpanLen(pos, int64(n))); err != nil {
			release()
			return nil, err
		}
		m := int(coarse.AlignUp(int64(n)))
		edgeHold(in, n, m)

		for k, lvl := range p.derived {
			var err error
			if k == 0 {
				err = model.reduceFull(in, 0, m, 4, outs[0], 0)
			} else {
				err = model.reduceCascade(outs[k-1], 0, m>>p.derived[k-1].Shift, 4, outs[k], 0)
			}
			if err != nil {
				release()
				return nil, err
			}
			cnt := m >> lvl.Shift
			if _, err := files[k].writeAt(starts[k]+written[k], outs[k], 0, cnt); err != nil {
				release()
				return nil, err
			}
			written[k] += int64(cnt)
		}
		if progress != nil {
			progress(float64(pos+int64(n)-ext.Start) / float64(ext.Len()))
		}
	}
	return newRegion(ext, 0, files, starts, p.derived), nil
}

// edgeHold repeats the last of n frames up to m.
func edgeHold(buf [][]float32, n, m int) {
	for _, data := range buf {
		var last float32
		if n > 0 {
			last = data[n-1]
		}
		for i := n; i < m; i++ {
			data[i] = last
		}
	}
}

func makeBuffer(channels, frames int) [][]float32 {
	buf := make([][]float32, channels)
	for ch := range buf {
		buf[ch] = make([]float32, frames)
	}
	return buf
}

// Subsample describes how to read a span at a reduced size: Frames samples
// taken from Tier and reduced in memory by Inline.
type Subsample struct {
	Tier     int
	Inline   int
	Frames   int64
	Channels int
}

// BestSubsample picks the coarsest tier that still yields at least minLen
// samples for span, plus an inline power-of-two factor so that Frames is
// the smallest such count. Spans shorter than minLen read at fullrate.
func (p *Pyramid) BestSubsample(span Interval, minLen int64) Subsample {
	n := span.Len()
	best := Subsample{Tier: 0, Inline: 1, Frames: n, Channels: p.full.Channels()}
	if minLen <= 0 || n <= minLen {
		return best
	}
	for i := len(p.levels) - 1; i >= 0; i-- {
		if sub := p.levels[i].ToSubrate(n); sub >= minLen {
			best = Subsample{Tier: i, Inline: 1, Frames: sub, Channels: p.Channels(i)}
			break
		}
	}
	for best.Frames/2 >= minLen {
		best.Inline *= 2
		best.Frames /= 2
	}
	if best.Inline > 1 {
		best.Channels = p.channels
	}
	return best
}

// ReadSubsample reads span as described by s into buf, which must have
// s.Channels channels and room for s.Frames samples at off.
func (p *Pyramid) ReadSubsample(s Subsample, span Interval, buf [][]float32, off int) (int, error) {
	lvl := p.levels[s.Tier]
	src := SpanLen(span.Start>>lvl.Shift, s.Frames*int64(s.Inline))
	if s.Inline == 1 {
		return p.Read(s.Tier, src, buf, off)
	}

	tmp := makeBuffer(p.Channels(s.Tier), int(src.Len()))
	if _, err := p.Read(s.Tier, src, tmp, 0); err != nil {
		return 0, err
	}
	n := int(src.Len())
	fullInput := s.Tier == 0
	for f := s.Inline; f > 1; {
		step := min(f, 4)
		out := makeBuffer(p.channels, n/step)
		var err error
		if fullInput {
			err = p.opts.Model.reduceFull(tmp, 0, n/step*step, step, out, 0)
		} else {
			err = p.opts.Model.reduceCascade(tmp, 0, n/step*step, step, out, 0)
		}
		if err != nil {
			return 0, err
		}
		tmp, n, f, fullInput = out, n/step, f/step, false
	}
	n = min(n, int(s.Frames))
	for ch := range buf {
		copy(buf[ch][off:off+n], tmp[ch][:n])
	}
	return n, nil
}

// Usage returns storage statistics of the derived tiers.
func (p *Pyramid) Usage() Usage {
	u := Usage{Pyramids: 1, Regions: len(p.regions.Regions())}
	for _, set := range append(slices.Clone(p.tempF), p.tempFAsync...) {
		files, frames := set.stats()
		u.TempFiles += files
		u.AllocatedFrames += frames
	}
	return u
}

func (p *Pyramid) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops the background worker, detaches from the fullrate trail and
// releases all derived data. The trail itself is left alone.
func (p *Pyramid) Close() error {
	p.editMu.Lock()
	defer p.editMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stopWorker()
	p.full.RemoveDependant(p)
	p.regions.Dispose()
	for _, set := range p.tempF {
		set.close()
	}
	for _, set := range p.tempFAsync {
		set.close()
	}
	return nil
}
