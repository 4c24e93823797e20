package openfalciparum

import (
	"encoding/binary"
	"math"
	"math/rand"

	rv "github.com/kentwait/randomvariate"
)

// countingSource wraps a math/rand source and counts every Int63 draw.
// By implementing only rand.Source (not rand.Source64), every entropy
// request made by *rand.Rand — regardless of which higher-level method
// (Float64, NormFloat64, Intn, ...) triggered it — is forced through
// Int63, giving an exact, algorithm-independent replay count.
type countingSource struct {
	src   rand.Source
	draws uint64
}

func (c *countingSource) Int63() int64 {
	c.draws++
	return c.src.Int63()
}

func (c *countingSource) Seed(seed int64) {
	c.src.Seed(seed)
}

// Stream is the population's single pseudo-random source. It is owned
// exclusively by the driver and reached everywhere else only through this
// handle. Uniform01, Intn, Normal and LogNormal draw from a single seeded
// *rand.Rand; Beta, Gamma, Bernoulli, Poisson and NegBinomial call
// randomvariate, which draws from its own package-global source.
type Stream struct {
	rng  *rand.Rand
	src  *countingSource
	seed int64
}

// NewStream seeds a fresh stream.
func NewStream(seed int64) *Stream {
	src := &countingSource{src: rand.NewSource(seed)}
	return &Stream{rng: rand.New(src), src: src, seed: seed}
}

// Uniform01 draws a uniform variate in [0, 1).
func (s *Stream) Uniform01() float64 {
	return s.rng.Float64()
}

// Intn draws a uniform integer in [0, n).
func (s *Stream) Intn(n int) int {
	return s.rng.Intn(n)
}

// LogNormal draws from a log-normal distribution with underlying normal
// mean mu and standard deviation sigma (so the resulting mean is
// exp(mu + sigma^2/2), matching the scenario's "mean, CV" parametrisation
// once converted by the caller).
func (s *Stream) LogNormal(mu, sigma float64) float64 {
	return math.Exp(mu + sigma*s.rng.NormFloat64())
}

// Normal draws a standard normal scaled by (mu, sigma).
func (s *Stream) Normal(mu, sigma float64) float64 {
	return mu + sigma*s.rng.NormFloat64()
}

// Beta draws from a Beta(alpha, beta) distribution via rv.Beta. Like the
// rest of this package's call sites, randomvariate reads its own global
// source rather than accepting one, so no *rand.Rand is passed here.
func (s *Stream) Beta(alpha, beta float64) float64 {
	return rv.Beta(alpha, beta)
}

// Gamma draws from a Gamma(shape, scale) distribution.
func (s *Stream) Gamma(shape, scale float64) float64 {
	return rv.Gamma(shape, scale)
}

// Bernoulli draws a 0/1 outcome with success probability p.
func (s *Stream) Bernoulli(p float64) bool {
	return rv.Binomial(1, p) == 1
}

// Poisson draws a Poisson(lambda) count.
func (s *Stream) Poisson(lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	return int(rv.Poisson(lambda))
}

// NegBinomial draws a negative-binomial count with mean mean and
// overdispersion k (variance = mean + mean^2/k), used as the mass-action
// alternative to Poisson inoculation sampling in §4.3 step 2.
func (s *Stream) NegBinomial(mean, k float64) int {
	if mean <= 0 {
		return 0
	}
	// Gamma-Poisson mixture: draw the Poisson rate from a Gamma(k, mean/k)
	// then draw a Poisson count from it.
	lambda := s.Gamma(k, mean/k)
	return s.Poisson(lambda)
}

// State is the checkpointable snapshot of the stream: the original seed
// plus the number of Int63 draws taken since. Restoring replays the
// source from scratch and fast-forwards exactly that many draws, which
// reproduces every later Uniform01, Intn, Normal and LogNormal draw
// bit-for-bit. Draws made through Beta, Gamma, Bernoulli, Poisson and
// NegBinomial use randomvariate's global source and are neither counted
// nor restored.
type State struct {
	Seed  int64
	Draws uint64
}

// Snapshot captures the checkpointable state.
func (s *Stream) Snapshot() State {
	return State{Seed: s.seed, Draws: s.src.draws}
}

// Restore rebuilds a stream and fast-forwards it to the recorded draw
// count, so that after a checkpoint round-trip the counted source
// continues exactly where it left off (§8 property 4); randomvariate's
// global source is not part of the restored state.
func Restore(st State) *Stream {
	s := NewStream(st.Seed)
	for i := uint64(0); i < st.Draws; i++ {
		s.src.src.Int63()
	}
	s.src.draws = st.Draws
	return s
}

// MarshalBinary implements a fixed 16-byte encoding for State, used by the
// checkpoint stream (§6): big-endian seed followed by big-endian draws.
func (st State) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(st.Seed))
	binary.BigEndian.PutUint64(buf[8:16], st.Draws)
	return buf, nil
}

// UnmarshalBinary decodes the 16-byte encoding produced by MarshalBinary.
func (st *State) UnmarshalBinary(data []byte) error {
	if len(data) != 16 {
		return CheckpointErrorf("rng-state", "expected 16 bytes, got %d", len(data))
	}
	st.Seed = int64(binary.BigEndian.Uint64(data[0:8]))
	st.Draws = binary.BigEndian.Uint64(data[8:16])
	return nil
}
