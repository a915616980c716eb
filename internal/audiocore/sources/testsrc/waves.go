package testsrc

import (
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
)

// Wave selects the generated signal. The numbering follows the classic
// test-source wave indices.
type Wave int

const (
	WaveSine Wave = iota
	WaveSquare
	WaveSaw
	WaveTriangle
	WaveSilence
	WaveWhiteNoise
	WavePinkNoise
	WaveSineTable
	WaveTicks
	WaveGaussianNoise
	WaveRedNoise
	WaveBlueNoise
	WaveVioletNoise
)

var waveNames = [...]string{
	"sine", "square", "saw", "triangle", "silence", "white-noise", "pink-noise",
	"sine-table", "ticks", "gaussian-noise", "red-noise", "blue-noise", "violet-noise",
}

func (w Wave) String() string {
	if w.Valid() {
		return waveNames[w]
	}
	return fmt.Sprintf("wave(%d)", int(w))
}

// Valid reports whether w is a known wave.
func (w Wave) Valid() bool {
	return w >= WaveSine && w <= WaveVioletNoise
}

const (
	sineTableSize = 1024
	pinkRows      = 16
	ticksPerSec   = 1
	tickLength    = 0.01 // seconds of tone per tick
)

var sineTable = func() [sineTableSize]float64 {
	var t [sineTableSize]float64
	for i := range t {
		t[i] = math.Sin(2 * math.Pi * float64(i) / sineTableSize)
	}
	return t
}()

// generator produces mono samples in [-1, 1] before volume scaling.
type generator struct {
	wave       Wave
	sampleRate float64
	frequency  float64
	rng        *rand.Rand

	phase   float64 // in cycles, [0, 1)
	sample  int64   // samples produced since the last reset
	pink    pinkNoise
	red     float64
	prevRaw float64 // violet: previous white sample
	flip    float64 // blue: alternating sign
}

func newGenerator(wave Wave, sampleRate int, frequency float64, seed uint64) *generator {
	g := &generator{
		wave:       wave,
		sampleRate: float64(sampleRate),
		frequency:  frequency,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		flip:       1,
	}
	g.pink.init(g.rng)
	return g
}

func (g *generator) next() float64 {
	defer func() {
		g.sample++
		g.phase += g.frequency / g.sampleRate
		g.phase -= math.Floor(g.phase)
	}()

	switch g.wave {
	case WaveSine:
		return math.Sin(2 * math.Pi * g.phase)
	case WaveSquare:
		if g.phase < 0.5 {
			return 1
		}
		return -1
	case WaveSaw:
		return 2*g.phase - 1
	case WaveTriangle:
		if g.phase < 0.5 {
			return 4*g.phase - 1
		}
		return 3 - 4*g.phase
	case WaveSilence:
		return 0
	case WaveWhiteNoise:
		return g.white()
	case WavePinkNoise:
		return g.pink.next(g.rng)
	case WaveSineTable:
		return sineTable[int(g.phase*sineTableSize)%sineTableSize]
	case WaveTicks:
		period := int64(g.sampleRate / ticksPerSec)
		if g.sample%period < int64(g.sampleRate*tickLength) {
			return math.Sin(2 * math.Pi * g.phase)
		}
		return 0
	case WaveGaussianNoise:
		return clamp(g.rng.NormFloat64() / 3)
	case WaveRedNoise:
		// leaky integration of white noise
		g.red = clamp(0.98*g.red + 0.1*g.white())
		return g.red
	case WaveBlueNoise:
		// spectrally inverted pink noise
		g.flip = -g.flip
		return g.flip * g.pink.next(g.rng)
	case WaveVioletNoise:
		// differentiated white noise
		w := g.white()
		v := (w - g.prevRaw) / 2
		g.prevRaw = w
		return v
	default:
		return 0
	}
}

func (g *generator) white() float64 {
	return g.rng.Float64()*2 - 1
}

func (g *generator) reset() {
	g.phase = 0
	g.sample = 0
	g.red = 0
	g.prevRaw = 0
	g.flip = 1
	g.pink.init(g.rng)
}

// pinkNoise is a Voss-McCartney generator.
type pinkNoise struct {
	rows    [pinkRows]float64
	sum     float64
	counter uint32
}

func (p *pinkNoise) init(rng *rand.Rand) {
	p.sum = 0
	p.counter = 0
	for i := range p.rows {
		p.rows[i] = rng.Float64()*2 - 1
		p.sum += p.rows[i]
	}
}

func (p *pinkNoise) next(rng *rand.Rand) float64 {
	p.counter++
	row := min(bits.TrailingZeros32(p.counter), pinkRows-1)
	v := rng.Float64()*2 - 1
	p.sum += v - p.rows[row]
	p.rows[row] = v
	return (p.sum + rng.Float64()*2 - 1) / (pinkRows + 1)
}

func clamp(v float64) float64 {
	return max(-1, min(1, v))
}
