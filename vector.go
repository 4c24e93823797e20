package openfalciparum

import "math"

// SpeciesParams are the scenario-supplied constant inputs for one
// anopheles species (§3 "Vector state (per species)").
type SpeciesParams struct {
	ThetaD float64 // θ_d: duration of the host-seeking step, as a day fraction
	Tau    int     // τ: feeding-cycle length in days
	ThetaS int     // θ_s: extrinsic incubation period in days
	PB, PC, PD, PE float64
	MuVA   float64 // background seeking death rate
	Chi    float64 // human-blood index
	SvMin  float64 // extinction cut-off below which S_v is reported as zero
}

// Lv returns the delay-array length L_v = θ_s + τ.
func (p SpeciesParams) Lv() int { return p.ThetaS + p.Tau }

// NonHumanHost is one non-human host population's daily aggregate
// contribution to the vector equations (§3: "non-human host
// populations", §4.1 "non-human blood meals").
type NonHumanHost struct {
	Name      string
	Avail     float64
	Biting    float64
	Resting   float64
	Fecundity float64
}

// EmergenceKind selects the emergence-model variant (§4.1 "Emergence
// model variants").
type EmergenceKind int

const (
	ForcedEmergence EmergenceKind = iota
	SimpleMPD
)

// Species is the full per-species dynamic state: the delay arrays and
// the constant parameters, stored as dense arrays indexed modulo L_v per
// §9's "replace dynamic dispatch with enumerated state" redesign note.
type Species struct {
	Params SpeciesParams
	NG     int // number of parasite genotypes tracked

	Lv            int
	PA, PDf, PDff []float64   // length Lv, index d mod Lv
	PDif          [][]float64 // [d mod Lv][genotype]
	Nv            []float64   // length Lv
	Ov, Sv        [][]float64 // [d mod Lv][genotype]

	Emergence  EmergenceKind
	Nv0        [365]float64 // forced-emergence daily schedule
	DevDurDays int          // MPD development duration
	FEggs      float64      // MPD eggs-per-oviposition factor
	Survival   float64      // MPD per-day larval survival to emergence

	day int // absolute day counter; also indexes Nv0 via DayOfYear
}

// NewSpecies allocates a fresh species state with all arrays zeroed,
// corresponding to an emerging population with no history (the
// warm-up boundary condition of §5).
func NewSpecies(params SpeciesParams, nGenotypes int) *Species {
	lv := params.Lv()
	if lv < 1 {
		lv = 1
	}
	s := &Species{Params: params, NG: nGenotypes, Lv: lv}
	s.PA = make([]float64, lv)
	s.PDf = make([]float64, lv)
	s.PDff = make([]float64, lv)
	s.PDif = make([][]float64, lv)
	s.Nv = make([]float64, lv)
	s.Ov = make([][]float64, lv)
	s.Sv = make([][]float64, lv)
	for d := 0; d < lv; d++ {
		s.PDif[d] = make([]float64, nGenotypes)
		s.Ov[d] = make([]float64, nGenotypes)
		s.Sv[d] = make([]float64, nGenotypes)
	}
	return s
}

// DayAggregates bundles one day's per-species aggregated human
// contributions, the input to Species.Step (§4.1 "Inputs to one day
// update").
type DayAggregates struct {
	SumAvail float64   // Σ human availability, this species
	SigmaDf  float64   // Σ P(successful feed) weighted by availability
	SigmaDif []float64 // as SigmaDf, but weighted by per-genotype infectiousness
	SigmaDff float64   // as SigmaDf, but restricted to feeds completing oviposition

	NonHuman []NonHumanHost

	SeekingDeathRateIncrease float64 // Σ active seeking-death interventions
	OvipositDeathMultiplier  float64 // Π(1-ovipositing-death modifiers), 1 if none active
	EmergenceReduction       float64 // Π(1-emergence-reduction modifiers), 1 if none active
	SugarBaitTargetProb      float64 // π for the sugar-bait intervention, 0 if inactive
}

// rootFinderMaxIter bounds the α_t bracket search and bisection (§5
// cancellation policy: exceeding the cap is a hard error, never a
// silent best-effort value).
const rootFinderMaxIter = 200

// solveAlphaT numerically solves for the additional seeking-death hazard
// α_t such that (1-exp(-(α_t+νA)*θd))*α_t/(α_t+νA) = π, by bisection.
//
// Open Question (§9): the source material leaves the bracket-selection
// algorithm unspecified. We start at [0, max(10*νA, 1)] and double the upper bound until the residual, which is monotonically
// increasing in α_t, changes sign — the documented resolution of the
// open question.
func solveAlphaT(nuA, thetaD, pi float64) (float64, error) {
	residual := func(alpha float64) float64 {
		return (1-math.Exp(-(alpha+nuA)*thetaD))*alpha/(alpha+nuA) - pi
	}
	lo, hi := 0.0, math.Max(10*nuA, 1.0)
	rLo := residual(lo)
	for iter := 0; residual(hi) < 0; iter++ {
		if iter >= rootFinderMaxIter {
			return 0, NumericalErrorf("alpha_t-root-finder", "failed to bracket root after %d doublings", iter)
		}
		hi *= 2
	}
	for i := 0; i < rootFinderMaxIter; i++ {
		mid := (lo + hi) / 2
		rMid := residual(mid)
		if math.Abs(rMid) < 1e-9 {
			return mid, nil
		}
		if (rMid > 0) == (rLo > 0) {
			lo, rLo = mid, rMid
		} else {
			hi = mid
		}
	}
	return 0, NumericalErrorf("alpha_t-root-finder", "did not converge within %d iterations", rootFinderMaxIter)
}

// idx wraps an absolute day index into the species' ring buffer.
func (s *Species) idx(t int) int {
	m := t % s.Lv
	if m < 0 {
		m += s.Lv
	}
	return m
}

// uninfectedAt returns N_v - O_v - S_v (summed over genotype) at ring
// index i, clamped at zero against accumulated floating-point drift.
func (s *Species) uninfectedAt(i int) float64 {
	u := s.Nv[i]
	for g := 0; g < s.NG; g++ {
		u -= s.Ov[i][g] + s.Sv[i][g]
	}
	if u < 0 {
		u = 0
	}
	return u
}

// Step advances the species state by one day (§4.1 "Per-day update"),
// following the Chitnis non-autonomous delay-difference recursion:
// today's emergence and feeding probabilities are recorded at the
// current ring index, then N_v/O_v/S_v are advanced using the values
// recorded τ (and τ+θ_s) days ago.
func (s *Species) Step(agg DayAggregates) (availDivisor float64, err error) {
	p := s.Params
	d := s.day
	cur := s.idx(d)

	var nhhAvail, nhhDf, nhhDff float64
	nhhDif := make([]float64, s.NG)
	for _, h := range agg.NonHuman {
		nhhAvail += h.Avail
		contact := h.Avail * h.Biting * h.Resting
		nhhDf += contact
		nhhDff += contact * h.Fecundity
	}

	muVA := p.MuVA + agg.SeekingDeathRateIncrease
	nuA := muVA + agg.SumAvail + nhhAvail
	if nuA <= 0 {
		return 0, NumericalErrorf("vector-step", "non-positive total leave-seeking rate %f", nuA)
	}

	if agg.SugarBaitTargetProb > 0 {
		alphaT, err := solveAlphaT(nuA, p.ThetaD, agg.SugarBaitTargetProb)
		if err != nil {
			return 0, err
		}
		nuA += alphaT
	}

	pA := math.Exp(-nuA * p.ThetaD)
	availDivisor = (1 - pA) / nuA

	ovipositSurvival := agg.OvipositDeathMultiplier
	if ovipositSurvival <= 0 {
		ovipositSurvival = 1
	}
	alphaE := availDivisor * p.PE * ovipositSurvival

	pDf := (agg.SigmaDf + nhhDf) * alphaE
	pDff := (agg.SigmaDff + nhhDff) * alphaE
	pDif := make([]float64, s.NG)
	for g := 0; g < s.NG; g++ {
		sigmaDifG := 0.0
		if g < len(agg.SigmaDif) {
			sigmaDifG = agg.SigmaDif[g]
		}
		pDif[g] = (sigmaDifG + nhhDif[g]) * alphaE
	}

	s.PA[cur] = pA
	s.PDf[cur] = pDf
	s.PDff[cur] = pDff
	s.PDif[cur] = pDif

	emergenceReduction := agg.EmergenceReduction
	if emergenceReduction <= 0 {
		emergenceReduction = 1
	}
	newEmergence := s.emergence(d, pDff, emergenceReduction)

	prev := s.idx(d - 1)
	tauAgo := s.idx(d - p.Tau)
	incubAgo := s.idx(d - p.Tau - p.ThetaS)

	newNv := newEmergence + s.PA[prev]*s.Nv[prev] + s.PDff[tauAgo]*s.Nv[tauAgo]
	if math.IsNaN(newNv) || math.IsInf(newNv, 0) {
		return 0, NumericalErrorf("vector-step", "N_v[%d] is not finite", d)
	}

	newOv := make([]float64, s.NG)
	newSv := make([]float64, s.NG)
	incubSurvival := math.Exp(-muVA * float64(p.ThetaS))
	for g := 0; g < s.NG; g++ {
		uninfTauAgo := s.uninfectedAt(tauAgo)
		newOv[g] = s.PDif[tauAgo][g]*uninfTauAgo + s.PA[prev]*s.Ov[prev][g] + s.PDff[tauAgo]*s.Ov[tauAgo][g]

		uninfIncubAgo := s.uninfectedAt(incubAgo)
		newSv[g] = s.PDif[incubAgo][g]*uninfIncubAgo*incubSurvival + s.PA[prev]*s.Sv[prev][g] + s.PDff[tauAgo]*s.Sv[tauAgo][g]
	}

	// These four assignments repeat the ones made before the recursion:
	// the slot read above through incubAgo already holds today's values.
	s.PA[cur] = pA
	s.PDf[cur] = pDf
	s.PDff[cur] = pDff
	s.PDif[cur] = pDif
	s.Nv[cur] = newNv
	s.Ov[cur] = newOv
	s.Sv[cur] = newSv
	s.day++
	return availDivisor, nil
}

// emergence returns today's new-mosquito count under the configured
// model variant (§4.1 "Emergence model variants"). The MPD formula is
// used only when Emergence is SimpleMPD and DevDurDays > 0, and it
// yields zero until DevDurDays days have been simulated; every other
// species uses the forced N_v0 schedule.
func (s *Species) emergence(d int, pDff float64, reduction float64) float64 {
	if s.Emergence == SimpleMPD && s.DevDurDays > 0 {
		if d >= s.DevDurDays {
			ovipositing := pDff * s.Nv[s.idx(d-s.DevDurDays)]
			return math.Pow(s.Survival, float64(s.DevDurDays)) * ovipositing * s.FEggs * reduction
		}
		return 0
	}
	return s.Nv0[DayOfYear(SimTime(d))] * reduction
}

// PartialEIR returns, for the day index just computed by Step, the
// per-genotype partial EIR contributed by this species:
// S_v[d][g] * availDivisor, left for the caller to multiply by the
// requesting human's own availability and biting probability (§4.1 "At
// the end of the time step"). Per §3, a genotype falling below S_v_min
// collapses to true zero: this is an extinction cut-off on the stored
// ring-buffer state itself, not just on the value returned here, since
// S_v[cur] and O_v[cur] both feed forward into Step's own recursion on
// later days.
func (s *Species) PartialEIR(availDivisor float64) []float64 {
	cur := s.idx(s.day - 1)
	out := make([]float64, s.NG)
	for g := 0; g < s.NG; g++ {
		if s.Sv[cur][g] < s.Params.SvMin {
			s.Sv[cur][g] = 0
			s.Ov[cur][g] = 0
		}
		out[g] = s.Sv[cur][g] * availDivisor
	}
	return out
}

// CheckInvariants validates §8 property 1 for the day index just
// computed by Step: S_v, O_v, N_v are non-negative and N_v never falls
// below the count of mosquitoes already marked infected or infectious.
func (s *Species) CheckInvariants() error {
	cur := s.idx(s.day - 1)
	var infected float64
	for g := 0; g < s.NG; g++ {
		if s.Ov[cur][g] < 0 || s.Sv[cur][g] < 0 {
			return RangeErrorf("vector-invariant", "negative mosquito count at genotype %d", g)
		}
		infected += s.Ov[cur][g] + s.Sv[cur][g]
	}
	if s.Nv[cur] < 0 {
		return RangeErrorf("vector-invariant", "N_v is negative")
	}
	if s.Nv[cur] < infected-1e-6 {
		return RangeErrorf("vector-invariant", "N_v=%f less than sum of infected/infectious=%f", s.Nv[cur], infected)
	}
	return nil
}
