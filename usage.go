package trail

// Usage contains temp storage statistics.
type Usage struct {
	TempFiles       int   // temp files created
	AllocatedFrames int64 // frames allocated and not reclaimed
	Trails          int
	Pyramids        int
	Stakes          int // stakes linked into trails
	Regions         int // regions linked into pyramids
}

func (u *Usage) add(o Usage) {
	u.TempFiles += o.TempFiles
	u.AllocatedFrames += o.AllocatedFrames
	u.Trails += o.Trails
	u.Pyramids += o.Pyramids
	u.Stakes += o.Stakes
	u.Regions += o.Regions
}

// Usage returns storage statistics of the trail.
func (t *Trail) Usage() Usage {
	u := Usage{Trails: 1}
	for _, set := range t.sets {
		files, frames := set.stats()
		u.TempFiles += files
		u.AllocatedFrames += frames
	}
	t.mu.RLock()
	u.Stakes = len(t.list.items)
	t.mu.RUnlock()
	return u
}

// Usage returns storage statistics across all trails and pyramids.
func (s *Store) Usage() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u Usage
	for _, t := range s.trails {
		u.add(t.Usage())
	}
	for _, p := range s.pyramids {
		u.add(p.Usage())
	}
	return u
}
