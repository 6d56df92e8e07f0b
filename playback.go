package trail

import (
	"fmt"
	"sync"

	"github.com/faiface/beep"
)

// Player streams a Trail as stereo for beep. Reads go through the trail's
// read lock, so playback sees each edit either before or after it is linked.
type Player struct {
	trail       *Trail
	left, right int

	mu     sync.Mutex
	pos    int64
	buf    [][]float32
	err    error
	closed bool
}

var _ beep.StreamSeekCloser = (*Player)(nil)

// NewPlayer plays channels left and right of t. Mono trails use channel 0
// for both sides.
func NewPlayer(t *Trail, left, right int) (*Player, error) {
	if t.Channels() == 1 {
		left, right = 0, 0
	}
	if left < 0 || left >= t.Channels() || right < 0 || right >= t.Channels() {
		return nil, fmt.Errorf("%w: channels %d/%d of %d", ErrChannelMismatch, left, right, t.Channels())
	}
	return &Player{trail: t, left: left, right: right}, nil
}

// Format returns the beep format of the stream.
func (p *Player) Format() beep.Format {
	return beep.Format{
		SampleRate:  beep.SampleRate(int(p.trail.Rate())),
		NumChannels: 2,
		Precision:   4,
	}
}

func (p *Player) Stream(samples [][2]float64) (n int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.err != nil {
		return 0, false
	}
	n = int(min(int64(len(samples)), p.trail.Len()-p.pos))
	if n <= 0 {
		return 0, false
	}
	if len(p.buf) == 0 || len(p.buf[0]) < n {
		p.buf = makeBuffer(p.trail.Channels(), n)
	}
	if _, err := p.trail.ReadFrames(p.buf, 0, SpanLen(p.pos, int64(n))); err != nil {
		p.err = err
		return 0, false
	}
	l, r := p.buf[p.left], p.buf[p.right]
	for i := 0; i < n; i++ {
		samples[i][0] = float64(l[i])
		samples[i][1] = float64(r[i])
	}
	p.pos += int64(n)
	return n, true
}

func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Player) Len() int {
	return int(p.trail.Len())
}

func (p *Player) Position() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.pos)
}

func (p *Player) Seek(pos int) error {
	if pos < 0 || int64(pos) > p.trail.Len() {
		return fmt.Errorf("%w: seek %d of %d", ErrInvalidOperation, pos, p.trail.Len())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = int64(pos)
	return nil
}

func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.buf = nil
	return nil
}
