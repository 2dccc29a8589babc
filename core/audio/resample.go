package audio

import "math"

// Resampler converts a mono linear16 stream between sample rates using
// linear interpolation. It keeps the tail of the previous chunk so that a
// stream processed in pieces yields the same samples as processed at once.
type Resampler struct {
	from, to int
	step     float64

	pos    float64
	last   int16
	primed bool
}

func NewResampler(from, to int) *Resampler {
	r := &Resampler{from: from, to: to}
	if from > 0 && to > 0 {
		r.step = float64(from) / float64(to)
	}
	return r
}

func (r *Resampler) Passthrough() bool {
	return r.from == r.to || r.step == 0
}

func (r *Resampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.Passthrough() {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	seq := in
	if r.primed {
		seq = make([]int16, 0, len(in)+1)
		seq = append(seq, r.last)
		seq = append(seq, in...)
	}

	end := float64(len(seq) - 1)
	out := make([]int16, 0, int(float64(len(in))/r.step)+1)
	for r.pos <= end {
		i := int(r.pos)
		frac := r.pos - float64(i)

		sample := float64(seq[i])
		if i+1 < len(seq) {
			sample += (float64(seq[i+1]) - sample) * frac
		}
		out = append(out, clampSample(sample))

		r.pos += r.step
	}

	// The last sample becomes index zero of the next chunk.
	r.pos -= end
	r.last = seq[len(seq)-1]
	r.primed = true

	return out
}

// Reset forgets the carried-over state, used when the stream is restarted.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}

func clampSample(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	} else if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Downmix averages interleaved channels into a mono stream.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}

	out := make([]int16, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := range channels {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// Upmix duplicates a mono stream into every channel.
func Upmix(mono []int16, channels int) []int16 {
	if channels <= 1 {
		return mono
	}

	out := make([]int16, len(mono)*channels)
	for i, sample := range mono {
		for c := range channels {
			out[i*channels+c] = sample
		}
	}
	return out
}
