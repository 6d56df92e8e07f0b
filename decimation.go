package trail

import (
	"fmt"
	"math"
	"strings"
)

// DecimationLevel holds the parameters of one reduced-rate tier. Block
// sizes are powers of two, so alignment is a mask operation.
type DecimationLevel struct {
	Rate     float64
	Shift    int
	Factor   int64
	RoundAdd int64
	Mask     int64
}

// NewDecimationLevel returns the level that reduces fullRate by 1<<shift.
func NewDecimationLevel(fullRate float64, shift int) DecimationLevel {
	if shift < 0 || shift > 30 {
		panic(fmt.Sprintf("decimation shift %d out of range", shift))
	}
	factor := int64(1) << shift
	return DecimationLevel{
		Rate:     fullRate / float64(factor),
		Shift:    shift,
		Factor:   factor,
		RoundAdd: factor / 2,
		Mask:     -factor,
	}
}

// ToSubrate converts a fullrate frame count or position to this level,
// rounding to nearest.
func (d DecimationLevel) ToSubrate(n int64) int64 {
	return (n + d.RoundAdd) >> d.Shift
}

// AlignDown rounds n down to a block boundary.
func (d DecimationLevel) AlignDown(n int64) int64 {
	return n & d.Mask
}

// AlignUp rounds n up to a block boundary.
func (d DecimationLevel) AlignUp(n int64) int64 {
	return (n + d.Factor - 1) & d.Mask
}

func (d DecimationLevel) String() string {
	return fmt.Sprintf("1/%d @ %gHz", d.Factor, d.Rate)
}

// tierLevels returns the levels of a pyramid: tier i reduces by 4^i.
func tierLevels(fullRate float64, tiers int) []DecimationLevel {
	levels := make([]DecimationLevel, tiers)
	for i := range levels {
		levels[i] = NewDecimationLevel(fullRate, 2*i)
	}
	return levels
}

// Model selects the reduction used to build derived tiers.
type Model int

const (
	// HalfWave keeps four channels per input channel: positive peak,
	// negative peak, positive mean square and negative mean square.
	HalfWave Model = iota

	// Median keeps the median of every four input samples.
	Median
)

// Half-wave output channels, relative to 4*inputChannel.
const (
	hwPosPeak = iota
	hwNegPeak
	hwPosMS
	hwNegMS
	hwChannels
)

func (m Model) String() string {
	switch m {
	case HalfWave:
		return "halfwave"
	case Median:
		return "median"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// ParseModel parses "halfwave" or "median".
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "halfwave", "half-wave", "peak":
		return HalfWave, nil
	case "median":
		return Median, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedModel, s)
}

// Channels returns the number of derived channels per input channel.
func (m Model) Channels() int {
	switch m {
	case HalfWave:
		return hwChannels
	case Median:
		return 1
	default:
		return 0
	}
}

func (m Model) checkFactor(factor int) error {
	switch m {
	case HalfWave:
		if factor < 1 {
			return fmt.Errorf("%w: factor %d", ErrUnsupportedModel, factor)
		}
	case Median:
		if factor != 1 && factor != 2 && factor != 4 {
			return fmt.Errorf("%w: median needs factor 4, got %d", ErrUnsupportedModel, factor)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedModel, m)
	}
	return nil
}

// reduceFull reduces n fullrate frames of in (C channels) by factor into
// n/factor frames of out (C*m.Channels() channels). n must be a multiple
// of factor.
func (m Model) reduceFull(in [][]float32, off, n, factor int, out [][]float32, outOff int) error {
	if err := m.checkFactor(factor); err != nil {
		return err
	}
	if len(out) != len(in)*m.Channels() {
		return fmt.Errorf("%w: %d inputs, %d outputs for %v", ErrChannelMismatch, len(in), len(out), m)
	}
	blocks := n / factor
	for c, src := range in {
		for b := 0; b < blocks; b++ {
			win := src[off+b*factor : off+(b+1)*factor]
			switch m {
			case HalfWave:
				pp, np, ps, ns := halfWave(win)
				o := c * hwChannels
				out[o+hwPosPeak][outOff+b] = pp
				out[o+hwNegPeak][outOff+b] = np
				out[o+hwPosMS][outOff+b] = ps
				out[o+hwNegMS][outOff+b] = ns
			case Median:
				out[c][outOff+b] = median(win)
			}
		}
	}
	return nil
}

// reduceCascade reduces an already derived buffer by factor. Input and
// output have the same channel layout.
func (m Model) reduceCascade(in [][]float32, off, n, factor int, out [][]float32, outOff int) error {
	if err := m.checkFactor(factor); err != nil {
		return err
	}
	if len(out) != len(in) || len(in)%m.Channels() != 0 {
		return fmt.Errorf("%w: %d inputs, %d outputs for %v", ErrChannelMismatch, len(in), len(out), m)
	}
	blocks := n / factor
	for ch, src := range in {
		for b := 0; b < blocks; b++ {
			win := src[off+b*factor : off+(b+1)*factor]
			var v float32
			switch m {
			case HalfWave:
				switch ch % hwChannels {
				case hwPosPeak:
					v = maxOf(win)
				case hwNegPeak:
					v = minOf(win)
				default:
					v = meanOf(win)
				}
			case Median:
				v = median(win)
			}
			out[ch][outOff+b] = v
		}
	}
	return nil
}

// halfWave returns the positive peak, negative peak and the mean squares of
// the positive and negative halves of win. Means divide by len(win).
func halfWave(win []float32) (posPeak, negPeak, posMS, negMS float32) {
	var ps, ns float64
	for _, s := range win {
		if s >= 0 {
			posPeak = max(posPeak, s)
			ps += float64(s) * float64(s)
		} else {
			negPeak = min(negPeak, s)
			ns += float64(s) * float64(s)
		}
	}
	d := float64(len(win))
	return posPeak, negPeak, float32(ps / d), float32(ns / d)
}

// median of up to four samples. Four samples go through a fixed sorting
// network and the two middle values are averaged.
func median(win []float32) float32 {
	switch len(win) {
	case 1:
		return win[0]
	case 2:
		return (win[0] + win[1]) / 2
	}
	a, b, c, d := win[0], win[1], win[2], win[3]
	if a > b {
		a, b = b, a
	}
	if c > d {
		c, d = d, c
	}
	if a > c {
		a, c = c, a
	}
	if b > d {
		b, d = d, b
	}
	if b > c {
		b, c = c, b
	}
	return (b + c) / 2
}

func maxOf(win []float32) float32 {
	v := float32(math.Inf(-1))
	for _, s := range win {
		v = max(v, s)
	}
	return v
}

func minOf(win []float32) float32 {
	v := float32(math.Inf(1))
	for _, s := range win {
		v = min(v, s)
	}
	return v
}

func meanOf(win []float32) float32 {
	var sum float64
	for _, s := range win {
		sum += float64(s)
	}
	return float32(sum / float64(len(win)))
}
