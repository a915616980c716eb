package audiocore

// Resampler converts interleaved float32 frames between sample rates with
// Catmull-Rom cubic interpolation. It keeps the last input frames across
// calls, so a stream can be fed buffer by buffer without seams.
type Resampler struct {
	inRate   int
	outRate  int
	channels int
	step     float64 // input frames advanced per output frame

	tail []float32 // unconsumed input frames, interleaved
	pos  float64   // position of the next output frame, relative to tail

	// One-pole low-pass applied to input when downsampling
	filterAlpha float32
	filterState []float32
	filtered    bool
}

// NewResampler creates a resampler. Equal rates pass samples through unchanged.
func NewResampler(inRate, outRate, channels int) *Resampler {
	r := &Resampler{
		inRate:   inRate,
		outRate:  outRate,
		channels: channels,
		step:     float64(inRate) / float64(outRate),
	}
	if outRate < inRate {
		// Cutoff near the Nyquist frequency of the destination rate
		r.filterAlpha = 0.5
		r.filterState = make([]float32, channels)
	}
	return r
}

// Passthrough reports whether the resampler leaves samples untouched.
func (r *Resampler) Passthrough() bool {
	return r.inRate == r.outRate
}

// Process appends the resampled frames of src to dst.
func (r *Resampler) Process(dst, src []float32) []float32 {
	if r.Passthrough() {
		return append(dst, src...)
	}

	start := len(r.tail)
	r.tail = append(r.tail, src...)
	if r.filterState != nil {
		r.lowPass(r.tail[start:])
	}
	dst = r.interpolate(dst, r.frames())
	r.compact()
	return dst
}

// Flush emits the frames still held for interpolation and resets the stream.
func (r *Resampler) Flush(dst []float32) []float32 {
	if r.Passthrough() || len(r.tail) == 0 {
		r.Reset()
		return dst
	}

	// Hold the last frame for the two look-ahead points.
	n := r.frames()
	last := r.tail[(n-1)*r.channels : n*r.channels]
	pad := make([]float32, 0, 2*r.channels)
	pad = append(pad, last...)
	pad = append(pad, last...)
	r.tail = append(r.tail, pad...)

	dst = r.interpolateUntil(dst, r.frames(), n)
	r.Reset()
	return dst
}

// Reset drops all buffered state.
func (r *Resampler) Reset() {
	r.tail = r.tail[:0]
	r.pos = 0
	for i := range r.filterState {
		r.filterState[i] = 0
	}
	r.filtered = false
}

func (r *Resampler) frames() int {
	return len(r.tail) / r.channels
}

func (r *Resampler) lowPass(samples []float32) {
	if !r.filtered {
		copy(r.filterState, samples)
		r.filtered = true
	}
	for i, s := range samples {
		c := i % r.channels
		y := r.filterAlpha*s + (1-r.filterAlpha)*r.filterState[c]
		r.filterState[c] = y
		samples[i] = y
	}
}

// interpolate produces output frames while four input points are available.
func (r *Resampler) interpolate(dst []float32, available int) []float32 {
	return r.interpolateUntil(dst, available, available)
}

// interpolateUntil produces output frames whose base index is below limit
// and whose look-ahead fits in the available frames.
func (r *Resampler) interpolateUntil(dst []float32, available, limit int) []float32 {
	ch := r.channels
	for {
		i := int(r.pos)
		if i+2 >= available || i >= limit {
			return dst
		}
		x := float32(r.pos - float64(i))
		i0 := max(i-1, 0)
		for c := range ch {
			y0 := r.tail[i0*ch+c]
			y1 := r.tail[i*ch+c]
			y2 := r.tail[(i+1)*ch+c]
			y3 := r.tail[(i+2)*ch+c]
			dst = append(dst, cubicInterpolate(y0, y1, y2, y3, x))
		}
		r.pos += r.step
	}
}

// compact drops input frames that no future output frame can reference.
func (r *Resampler) compact() {
	drop := int(r.pos) - 1
	if drop <= 0 {
		return
	}
	drop = min(drop, r.frames())
	n := copy(r.tail, r.tail[drop*r.channels:])
	r.tail = r.tail[:n]
	r.pos -= float64(drop)
}

// cubicInterpolate evaluates the Catmull-Rom spline through y0..y3 at x in [0, 1).
func cubicInterpolate(y0, y1, y2, y3, x float32) float32 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	a3 := y1
	return a0*x*x*x + a1*x*x + a2*x + a3
}
