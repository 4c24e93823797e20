package openfalciparum

import "math"

// MaxInfections bounds the length of a human's concurrent-infection list
// (§3 Within-host state invariant: length <= MAX_INF).
const MaxInfections = 21

// Infection is one concurrent blood-stage infection inside a human.
type Infection struct {
	Genotype    GenotypeID
	Start       SimTime
	Duration    SimTime // sampled total duration, > 0
	Density     float64 // >= 0; 0 iff cleared and awaiting removal
	CumExposure float64 // cumulative exposure integral since infection start
	Attenuated  bool    // IPT-attenuated flag
}

// cleared reports whether this infection has run its course.
func (inf *Infection) cleared(now SimTime) bool {
	return inf.Start+inf.Duration <= now
}

// WithinHostParams bundles the scenario-supplied constants for the
// density/immunity model (§4.3), grounded on the withinhost model
// variant flags the scenario exposes.
type WithinHostParams struct {
	DensityTable   DensityTable // baseline mean log-density by (age5, dur5)
	SigmaBase2     float64      // σ0^2, noise floor
	SigmaXHScale   float64      // shrinks σ per cumulative exposure
	DecayM         float64      // maternal-protection decay rate
	DetectionLimit float64
	DensityBias    float64 // Garki vs non-Garki bias multiplier
	XScale, HScale float64 // pre-erythrocytic immunity saturation scales
	InfectiousWindowSteps int
	MaxLogDensity  float64
	TBVScalar      float64 // transmission-blocking vaccine factor, default 1
	PenaliseOnTreatment bool
}

// DensityTable looks up the baseline mean log-parasite density for an
// infection at a given (age, duration) pair, both bucketed in 5-day
// units, per §4.3 step 3.
type DensityTable interface {
	MeanLogDensity(ageSteps5, durSteps5 int) float64
}

// ParametricDensityTable is a smooth rise-then-decay baseline log-density
// curve: density rises linearly in log-space to PeakLogDensity over
// RiseSteps5 duration-buckets, then decays at DecayPerStep5 per
// duration-bucket thereafter. AgeDamping lowers the peak for older age
// buckets, approximating acquired immunity's blunting of density.
//
// Open Question (§9): the source material's density table is a large
// empirical age/duration grid fitted to field data that this scenario
// wire format does not carry. We resolve it with this parametric
// approximation rather than inventing fabricated table entries.
type ParametricDensityTable struct {
	PeakLogDensity float64
	RiseSteps5     int
	DecayPerStep5  float64
	AgeDamping     float64
}

func (t ParametricDensityTable) MeanLogDensity(ageSteps5, durSteps5 int) float64 {
	peak := t.PeakLogDensity - t.AgeDamping*float64(ageSteps5)
	if peak < 0 {
		peak = 0
	}
	rise := t.RiseSteps5
	if rise <= 0 {
		rise = 1
	}
	if durSteps5 < rise {
		return peak * float64(durSteps5) / float64(rise)
	}
	logDensity := peak - t.DecayPerStep5*float64(durSteps5-rise)
	if logDensity < 0 {
		logDensity = 0
	}
	return logDensity
}

// WithinHostState is one human's within-host engine instance (component D).
type WithinHostState struct {
	Infections      []Infection
	CumulativeInfections int
	CumExposureX    float64 // X: integral of density*time since birth
	CumInoculationsH int    // h: count of distinct infection events
	Innate          float64 // innate-immunity factor sampled at birth
	TimeStepMaxDensity float64
	PatentCount     int

	recentDensities []float64 // rolling window for infectiousness output
}

// NewWithinHostState creates an empty state with the innate-immunity
// factor sampled once at birth.
func NewWithinHostState(innate float64, windowSteps int) *WithinHostState {
	return &WithinHostState{Innate: innate, recentDensities: make([]float64, 0, windowSteps)}
}

// AgeOffCleared removes infections whose course has ended (§4.3 step 1).
func (w *WithinHostState) AgeOffCleared(now SimTime) {
	kept := w.Infections[:0]
	for _, inf := range w.Infections {
		if !inf.cleared(now) {
			kept = append(kept, inf)
		}
	}
	w.Infections = kept
}

// Susceptibility returns the saturating pre-erythrocytic-immunity factor
// applied to the inoculation mean, a function of cumulative exposure X
// and cumulative inoculations h.
func Susceptibility(x float64, h int, p WithinHostParams) float64 {
	xs := p.XScale
	if xs <= 0 {
		xs = 1
	}
	hs := p.HScale
	if hs <= 0 {
		hs = 1
	}
	return 1.0 / (1.0 + x/xs) / (1.0 + float64(h)/hs)
}

// AddInoculations draws the number of new infections from a Poisson (or
// negative-binomial) distribution per §4.3 step 2, and appends up to
// MaxInfections new Infection records sampled from the per-step genotype
// breakdown. Excess inoculations beyond MaxInfections are silently
// dropped, per contract (§4.3 step 2, §7 range-error policy).
func (w *WithinHostState) AddInoculations(rng *Stream, now SimTime, eir, availability float64, p WithinHostParams, genotypeWeights []float64, durLogMu, durLogSigma float64, useNegBinomial bool, negBinomK float64) int {
	susc := Susceptibility(w.CumExposureX, w.CumInoculationsH, p)
	mean := eir * availability * susc
	var n int
	if useNegBinomial {
		n = rng.NegBinomial(mean, negBinomK)
	} else {
		n = rng.Poisson(mean)
	}
	added := 0
	for i := 0; i < n; i++ {
		w.CumInoculationsH++
		if len(w.Infections) >= MaxInfections {
			continue // silently dropped: §4.3 step 2 contract
		}
		g := sampleGenotype(rng, genotypeWeights)
		dur := SimTime(math.Max(1, rng.LogNormal(durLogMu, durLogSigma)))
		w.Infections = append(w.Infections, Infection{
			Genotype: g,
			Start:    now,
			Duration: dur,
		})
		added++
	}
	return added
}

// sampleGenotype draws a genotype id proportional to weights (the
// per-step inoculation breakdown produced by the vector engine, §4.1).
func sampleGenotype(rng *Stream, weights []float64) GenotypeID {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	u := rng.Uniform01() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if u <= cum {
			return GenotypeID(i)
		}
	}
	return GenotypeID(len(weights) - 1)
}

// UpdateDensities recomputes each infection's density for the current
// step (§4.3 step 3), applies the drug-factor vector (genotype-indexed,
// from pkpd.go), and returns total_density, clamped so a non-zero total
// is at least DetectionLimit*DensityBias (§4.3 step 4).
func (w *WithinHostState) UpdateDensities(rng *Stream, now, birth SimTime, p WithinHostParams, drugFactor []float64, ipt WithinHostParams, iptActive bool) float64 {
	ageYears := AgeYears(birth, now)
	var total float64
	for i := range w.Infections {
		inf := &w.Infections[i]
		ageSteps5 := int(now-inf.Start) / 5
		durSteps5 := int(inf.Duration) / 5
		meanLog := p.DensityTable.MeanLogDensity(ageSteps5, durSteps5)

		if ageYears < 1 {
			meanLog += -p.DecayM * ageYears
		}

		sigma2 := p.SigmaBase2 + p.SigmaXHScale/(1+w.CumExposureX)
		noise := rng.Normal(0, math.Sqrt(math.Max(sigma2, 0)))
		logDensity := meanLog + noise

		density := math.Exp(math.Min(logDensity, p.MaxLogDensity))

		if int(inf.Genotype) < len(drugFactor) {
			density *= drugFactor[inf.Genotype]
		}
		if inf.Attenuated && iptActive {
			density *= 0.0 // attenuation suppresses density entirely while active
		}
		if density < 1e-6 {
			density = 0
		}
		inf.Density = density
		total += density
	}
	if total > 0 && total < p.DetectionLimit*p.DensityBias {
		total = p.DetectionLimit * p.DensityBias
	}
	w.TimeStepMaxDensity = total
	if total > 0 {
		w.PatentCount++
	}
	return total
}

// UpdateImmunity applies §4.3 step 5: X += total_density*stepDays,
// h already incremented per inoculation in AddInoculations.
func (w *WithinHostState) UpdateImmunity(totalDensity float64, stepDays StepDays) {
	w.CumExposureX += totalDensity * float64(stepDays)
}

// PenaliseImmunityOnTreatment implements the one-step reduction to X
// applied at the first treatment event, when the scenario enables
// treatment-suppresses-immunity mode.
func (w *WithinHostState) PenaliseImmunityOnTreatment(fraction float64) {
	w.CumExposureX *= (1 - fraction)
}

// GenotypeDensityFractions returns, for a human currently carrying one or
// more infections, each represented genotype's share of total parasite
// density this step. Used to split a human's scalar infectiousness output
// across only the genotype(s) actually present (§4.1 "sigma_dif[g]: ...
// multiplied by each human's probability of transmitting genotype g"),
// instead of crediting every genotype in the registry uniformly.
func (w *WithinHostState) GenotypeDensityFractions(nGenotypes int) []float64 {
	fractions := make([]float64, nGenotypes)
	var total float64
	for _, inf := range w.Infections {
		if inf.Density <= 0 || int(inf.Genotype) >= nGenotypes {
			continue
		}
		fractions[inf.Genotype] += inf.Density
		total += inf.Density
	}
	if total <= 0 {
		return fractions
	}
	for g := range fractions {
		fractions[g] /= total
	}
	return fractions
}

// ProbTransmissionToMosquito returns the saturating infectiousness output
// (§4.3 step 6): a function of the rolling window of recent total
// densities, multiplied by the transmission-blocking vaccine factor.
func (w *WithinHostState) ProbTransmissionToMosquito(totalDensity float64, windowSteps int, p WithinHostParams) float64 {
	if windowSteps <= 0 {
		windowSteps = 1
	}
	w.recentDensities = append(w.recentDensities, totalDensity)
	if len(w.recentDensities) > windowSteps {
		w.recentDensities = w.recentDensities[len(w.recentDensities)-windowSteps:]
	}
	var mean float64
	for _, d := range w.recentDensities {
		mean += d
	}
	mean /= float64(len(w.recentDensities))

	// Saturating Michaelis-Menten style curve, asymptoting to ~0.9.
	const halfSaturation = 20.0
	base := 0.9 * mean / (mean + halfSaturation)

	tbv := p.TBVScalar
	if tbv <= 0 {
		tbv = 1
	}
	return base * tbv
}
