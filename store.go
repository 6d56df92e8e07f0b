package trail

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// StoreOptions configures a Store. Zero values select defaults.
type StoreOptions struct {
	// TempDir is the directory for temp files when Provider is nil.
	TempDir string

	// Provider creates temp files for all trails and pyramids.
	Provider TempProvider

	Logger logrus.FieldLogger

	// ChunkFrames is the default CopyRange chunk size.
	ChunkFrames int

	// MaxCoarse, Tiers, Model and Async configure attached pyramids.
	MaxCoarse int
	Tiers     int
	Model     Model
	Async     bool

	MaxFileFrames int64
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.Provider == nil {
		o.Provider = &LocalTempProvider{Dir: o.TempDir, Prefix: "trail-"}
	}
	if o.Logger == nil {
		o.Logger = defaultLogger()
	}
	if o.ChunkFrames <= 0 {
		o.ChunkFrames = DefaultChunkFrames
	}
	if o.MaxCoarse <= 0 {
		o.MaxCoarse = DefaultMaxCoarse
	}
	if o.Tiers <= 0 {
		o.Tiers = DefaultTiers
	}
	if o.MaxFileFrames <= 0 {
		o.MaxFileFrames = DefaultMaxFileFrames
	}
	return o
}

// Store owns the trails and pyramids of one session and the temp files
// behind them.
type Store struct {
	opts StoreOptions
	log  logrus.FieldLogger

	mu       sync.RWMutex
	trails   map[string]*Trail
	pyramids map[string]*Pyramid
	closed   bool
}

// Init creates a store.
func Init(opts StoreOptions) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Model.Channels() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedModel, opts.Model)
	}
	return &Store{
		opts:     opts,
		log:      opts.Logger,
		trails:   make(map[string]*Trail),
		pyramids: make(map[string]*Pyramid),
	}, nil
}

// Logger returns the store's logger.
func (s *Store) Logger() logrus.FieldLogger { return s.log }

// NewTrail creates a trail using the store's provider and logger unless
// opts sets its own.
func (s *Store) NewTrail(opts TrailOptions) (*Trail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrDisposed
	}
	if opts.Provider == nil {
		opts.Provider = s.opts.Provider
	}
	if opts.Logger == nil {
		opts.Logger = s.log
	}
	if opts.MaxFileFrames <= 0 {
		opts.MaxFileFrames = s.opts.MaxFileFrames
	}
	t, err := NewTrail(opts)
	if err != nil {
		return nil, err
	}
	s.trails[t.ID()] = t
	return t, nil
}

// Trail returns the trail with the given ID.
func (s *Store) Trail(id string) (*Trail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trails[id]
	return t, ok
}

// Trails returns all trails of the store.
func (s *Store) Trails() []*Trail {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Trail, 0, len(s.trails))
	for _, t := range s.trails {
		out = append(out, t)
	}
	return out
}

// AttachPyramid builds a pyramid over t with the store's pyramid settings.
// A trail has at most one store managed pyramid.
func (s *Store) AttachPyramid(t *Trail) (*Pyramid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrDisposed
	}
	if _, ok := s.trails[t.ID()]; !ok {
		return nil, fmt.Errorf("%w: trail %s is not in this store", ErrInvalidOperation, t.Name())
	}
	if p, ok := s.pyramids[t.ID()]; ok {
		return p, nil
	}
	p, err := NewPyramid(t, PyramidOptions{
		Model:         s.opts.Model,
		Tiers:         s.opts.Tiers,
		MaxCoarse:     s.opts.MaxCoarse,
		Async:         s.opts.Async,
		Provider:      s.opts.Provider,
		MaxFileFrames: s.opts.MaxFileFrames,
		Logger:        s.log,
	})
	if err != nil {
		return nil, err
	}
	s.pyramids[t.ID()] = p
	return p, nil
}

// Pyramid returns the store managed pyramid of t.
func (s *Store) Pyramid(t *Trail) (*Pyramid, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pyramids[t.ID()]
	return p, ok
}

// CopyOptions returns CopyOptions for mode with the store's chunk size.
func (s *Store) CopyOptions(mode Mode) CopyOptions {
	return CopyOptions{Mode: mode, ChunkSize: s.opts.ChunkFrames}
}

// DisposeTrail closes the trail's pyramid, then disposes the trail and
// removes it from the store.
func (s *Store) DisposeTrail(t *Trail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposeTrailUnlocked(t)
}

func (s *Store) disposeTrailUnlocked(t *Trail) error {
	if p, ok := s.pyramids[t.ID()]; ok {
		if err := p.Close(); err != nil {
			return err
		}
		delete(s.pyramids, t.ID())
	}
	if err := t.Dispose(); err != nil {
		return err
	}
	delete(s.trails, t.ID())
	return nil
}

// Close disposes all pyramids and trails. Trails that still have foreign
// dependants are reported and left alone.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, t := range s.trails {
		if err := s.disposeTrailUnlocked(t); err != nil {
			s.log.WithError(err).WithField("trail", t.Name()).Warn("trail not disposed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
