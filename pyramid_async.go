package trail

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// rebuildWorker is a background rebuild of all derived tiers. It allocates
// only from the pyramid's tempFAsync sets, so it never races with
// foreground updates for temp file space.
type rebuildWorker struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

// RebuildAsync rebuilds all derived tiers in the background. A running
// rebuild is stopped first. Edits of the fullrate trail while the rebuild
// runs stop it and start a new one.
func (p *Pyramid) RebuildAsync(ctx context.Context) error {
	p.editMu.Lock()
	defer p.editMu.Unlock()

	if p.isClosed() {
		return ErrDisposed
	}
	p.stopWorker()
	return p.startWorker(ctx)
}

// Rebuilding returns true while a background rebuild is running.
func (p *Pyramid) Rebuilding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worker != nil || p.stale
}

// Wait blocks until the background rebuild, if any, has finished. Pyramid
// updates for edits made meanwhile block as well.
func (p *Pyramid) Wait() error {
	p.editMu.Lock()
	defer p.editMu.Unlock()

	p.mu.Lock()
	w := p.worker
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.group.Wait(); err != nil && !errors.Is(err, ErrCancelled) {
		return err
	}
	return nil
}

// startWorker launches a rebuild. The caller holds editMu.
func (p *Pyramid) startWorker(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	w := &rebuildWorker{cancel: cancel, group: g}

	p.mu.Lock()
	p.worker = w
	p.mu.Unlock()

	p.log.Debug("async rebuild started")
	g.Go(func() error {
		return p.runWorker(gctx, w)
	})
	return nil
}

// stopWorker cancels the running rebuild and blocks until it has exited.
// It returns true if a rebuild was running or was discarded as outdated.
// The caller holds editMu.
func (p *Pyramid) stopWorker() bool {
	p.mu.Lock()
	w := p.worker
	p.worker = nil
	stale := p.stale
	p.stale = false
	p.mu.Unlock()

	if w == nil {
		return stale
	}
	w.cancel()
	err := w.group.Wait()
	p.log.WithError(err).Debug("async rebuild stopped")
	return true
}

func (p *Pyramid) runWorker(ctx context.Context, w *rebuildWorker) error {
	start := time.Now()
	fullLen, gen := p.full.lenGen()

	var region *Region
	if fullLen > 0 {
		r, err := p.build(ctx, p.tempFAsync, Span(0, fullLen), p.opts.Progress)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return err
			}
			p.log.WithError(err).Error("async rebuild failed")
			p.mu.Lock()
			if p.worker == w {
				p.worker = nil
			}
			p.lastErr = err
			p.mu.Unlock()
			return err
		}
		region = r
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx.Err() != nil || p.worker != w || p.closed {
		p.discardBuild(p.tempFAsync, region)
		return ErrCancelled
	}
	p.worker = nil
	if p.full.Generation() != gen {
		// The edit's notification restarts the rebuild.
		p.discardBuild(p.tempFAsync, region)
		p.stale = true
		p.log.Debug("async rebuild outdated by edit")
		return ErrCancelled
	}
	whole := Span(0, max(fullLen, p.regions.Len()))
	if err := p.regions.Replace(whole, region, nil); err != nil {
		p.lastErr = err
		return err
	}
	p.synced = gen
	p.log.WithField("elapsed", time.Since(start)).Info("async rebuild finished")
	return nil
}
