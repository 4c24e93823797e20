package openfalciparum

import (
	"github.com/segmentio/ksuid"
)

// Phase is the simulation driver's state machine (§4.6).
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseOneLifeSpan
	PhaseVectorFitting
	PhaseMainPhase
	PhaseEndSim
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "STARTING"
	case PhaseOneLifeSpan:
		return "ONE_LIFE_SPAN"
	case PhaseVectorFitting:
		return "VECTOR_FITTING"
	case PhaseMainPhase:
		return "MAIN_PHASE"
	case PhaseEndSim:
		return "END_SIM"
	default:
		return "UNKNOWN"
	}
}

// Subpopulation membership with an expiry time, per §3's "optional
// per-component membership in named sub-populations".
type Subpopulation struct {
	Name   string
	Expiry SimTime
}

// Human is one simulated person (§3 "Human").
type Human struct {
	ID     ksuid.KSUID
	Birth  SimTime
	Dead   bool

	WithinHost *WithinHostState
	Clinical   *ClinicalState
	PKPD       *PKPDState

	Availability float64 // heterogeneity factor, log-normal mean 1, drawn at birth

	Subpopulations map[string]SimTime // name -> expiry

	AgeGroup int // monitoring age-group index, updated on boundary crossing
}

// NewHuman constructs a newborn with freshly sampled heterogeneity
// factors, per §3.
func NewHuman(id ksuid.KSUID, birth SimTime, rng *Stream, availMu, availSigma float64, innateMu, innateSigma, seekingMu, seekingSigma float64, windowSteps int) *Human {
	return &Human{
		ID:             id,
		Birth:          birth,
		WithinHost:     NewWithinHostState(rng.LogNormal(innateMu, innateSigma), windowSteps),
		Clinical:       NewClinicalState(rng.LogNormal(seekingMu, seekingSigma)),
		PKPD:           NewPKPDState(),
		Availability:   rng.LogNormal(availMu, availSigma),
		Subpopulations: make(map[string]SimTime),
	}
}

// InSubpopulation reports whether the human currently belongs to the
// named sub-population as of now.
func (h *Human) InSubpopulation(name string, now SimTime) bool {
	expiry, ok := h.Subpopulations[name]
	return ok && (expiry == Never || expiry > now)
}

// ExpireSubpopulations drops memberships whose expiry has passed
// (§4.6 step 4).
func (h *Human) ExpireSubpopulations(now SimTime) {
	for name, expiry := range h.Subpopulations {
		if expiry != Never && expiry <= now {
			delete(h.Subpopulations, name)
		}
	}
}

// Population is the append-only ordered vector of humans (§3): newborns
// append at the tail, deaths are marked then compacted at the next
// compaction point, and iteration is oldest-first.
type Population struct {
	humans []*Human
}

// NewPopulation returns an empty population.
func NewPopulation() *Population { return &Population{} }

// Append adds a newborn at the tail.
func (p *Population) Append(h *Human) { p.humans = append(p.humans, h) }

// Len reports the live-plus-not-yet-compacted slice length.
func (p *Population) Len() int { return len(p.humans) }

// All returns the population in oldest-first order, including humans
// marked dead but not yet compacted. Callers that must skip the dead
// check Human.Dead themselves, matching §5's "new births added mid-step
// are NOT updated until the next step" ordering contract.
func (p *Population) All() []*Human { return p.humans }

// Compact removes humans marked Dead, preserving relative order. Must
// only be called at a step boundary, never mid-step, so that ordering
// stays part of the reproducibility contract (§5).
func (p *Population) Compact() {
	kept := p.humans[:0]
	for _, h := range p.humans {
		if !h.Dead {
			kept = append(kept, h)
		}
	}
	p.humans = kept
}

// InterventionEffect is one due intervention's effect on a step, applied
// in §4.6 step 3. A zero value for a multiplicative field means "no
// effect"; callers combine effects across active interventions before
// passing a DayAggregates-shaped delta to the vector engine.
type InterventionEffect struct {
	Name                     string
	JoinSubpopulation        string
	SubpopulationExpiry      SimTime
	SeekingDeathRateIncrease float64
	OvipositDeathMultiplier  float64
	EmergenceReduction       float64
	SugarBaitTargetProb      float64
	Prescriptions            []Dose // prescribed by Step to every live human when JoinSubpopulation is set; ignored otherwise
}

// RunParams bundles the scenario-derived constants the driver needs
// beyond the per-component parameter structs already defined elsewhere.
type RunParams struct {
	Step               StepDays
	MaxAgeSteps        int
	FinalSurveyStep    int
	SurveySteps        []int
	CheckpointSteps    []int
	ForcedEIROnly      bool
	WithinHost         WithinHostParams
	Clinical           ClinicalParams
	DurationLogMu      float64
	DurationLogSigma   float64
	UseNegBinomial     bool
	NegBinomialK       float64
	AvailLogMu         float64
	AvailLogSigma      float64
	InnateLogMu        float64
	InnateLogSigma     float64
	SeekingLogMu       float64
	SeekingLogSigma    float64
	NonMalariaFeverProb float64
	IndirectDeathDelaySteps int
	FitParams          FitParams
}

// Driver owns the whole run: the clock, the read-only registries, the
// mutable population and vector species, and the checkpointable RNG
// handle (§5 "the global random stream is exclusively owned by the
// driver").
type Driver struct {
	Phase Phase
	Clock *Clock
	RNG   *Stream

	Genotypes *GenotypeRegistry
	Drugs     *DrugRegistry
	Decisions *Tree
	Phenotype func(GenotypeID) PhenotypeID

	Species []*Species
	Pop     *Population

	Params RunParams

	Survey *SurveyBuffer

	// pendingAgg holds the per-species human contributions accumulated
	// during the previous Step call; the current Step's vector update
	// consumes it before this step's human loop overwrites it, matching
	// the one-step lag required by §4.6's per-step loop ordering.
	pendingAgg []*stepAggregate

	idGen func() ksuid.KSUID
}

// NewDriver builds a driver in phase STARTING, per §4.6.
func NewDriver(rng *Stream, genotypes *GenotypeRegistry, drugs *DrugRegistry, decisions *Tree, species []*Species, params RunParams, survey *SurveyBuffer) *Driver {
	ng := genotypes.N()
	pending := make([]*stepAggregate, len(species))
	for i := range pending {
		pending[i] = newStepAggregate(ng)
	}
	return &Driver{
		Phase:      PhaseStarting,
		Clock:      NewClock(params.Step),
		RNG:        rng,
		Genotypes:  genotypes,
		Drugs:      drugs,
		Decisions:  decisions,
		Species:    species,
		Pop:        NewPopulation(),
		Params:     params,
		Survey:     survey,
		pendingAgg: pending,
		idGen:      ksuid.New,
	}
}

// stepAggregate accumulates one step's per-species human contributions.
// The vector update at the start of the following Step call consumes
// the aggregate filled during this step's human loop, not the one
// filled during its own human loop — see Driver.pendingAgg.
type stepAggregate struct {
	sumAvail float64
	sigmaDf  float64
	sigmaDif []float64
	sigmaDff float64
}

func newStepAggregate(ng int) *stepAggregate {
	return &stepAggregate{sigmaDif: make([]float64, ng)}
}

// Step runs one full simulation step: vector update, per-human update,
// intervention application, aging/births/deaths and the survey boundary
// (§4.6 "Per-step loop"). Step writes no checkpoint; runMainPhase does
// that between steps.
func (d *Driver) Step(effects []InterventionEffect, nonHuman [][]NonHumanHost, newbornDOBs []SimTime) error {
	now := d.Clock.Now()

	combined := combineEffects(effects)

	ng := d.Genotypes.N()
	aggPerSpecies := d.pendingAgg

	// Step 1: advance the vector engine using yesterday's human
	// contributions (accumulated into pendingAgg at the end of the
	// previous Step call), so mosquito state is fully updated before any
	// human draws EIR from it on this same step (§5 ordering guarantee).
	availDivisors := make([]float64, len(d.Species))
	for i, sp := range d.Species {
		var nhh []NonHumanHost
		if i < len(nonHuman) {
			nhh = nonHuman[i]
		}
		agg := DayAggregates{
			SumAvail:                 aggPerSpecies[i].sumAvail,
			SigmaDf:                  aggPerSpecies[i].sigmaDf,
			SigmaDif:                 aggPerSpecies[i].sigmaDif,
			SigmaDff:                 aggPerSpecies[i].sigmaDff,
			NonHuman:                 nhh,
			SeekingDeathRateIncrease: combined.SeekingDeathRateIncrease,
			OvipositDeathMultiplier:  combined.OvipositDeathMultiplier,
			EmergenceReduction:       combined.EmergenceReduction,
			SugarBaitTargetProb:      combined.SugarBaitTargetProb,
		}
		avail, err := sp.Step(agg)
		if err != nil {
			return err
		}
		if err := sp.CheckInvariants(); err != nil {
			return err
		}
		availDivisors[i] = avail
	}

	// Step 2: per-human update, oldest-first, stable order (§5).
	nextAgg := make([]*stepAggregate, len(d.Species))
	for i := range nextAgg {
		nextAgg[i] = newStepAggregate(ng)
	}

	for _, h := range d.Pop.All() {
		if h.Dead {
			continue
		}
		d.updateHuman(h, now, availDivisors, nextAgg)
	}
	d.pendingAgg = nextAgg

	// Step 3: apply due interventions.
	for _, eff := range effects {
		if eff.JoinSubpopulation == "" {
			continue
		}
		for _, h := range d.Pop.All() {
			if h.Dead {
				continue
			}
			h.Subpopulations[eff.JoinSubpopulation] = eff.SubpopulationExpiry
			for _, dose := range eff.Prescriptions {
				h.PKPD.Prescribe(dose)
			}
		}
	}

	// Step 4: age/expire/kill/birth.
	for _, h := range d.Pop.All() {
		if h.Dead {
			continue
		}
		h.ExpireSubpopulations(now)
		if h.Clinical.TickDoomedCounter() {
			h.Dead = true
			if d.Survey != nil {
				d.Survey.Increment(MeasureIndirectDeaths, h.AgeGroup, now)
			}
		}
	}
	for _, dob := range newbornDOBs {
		id := d.idGen()
		h := NewHuman(id, dob, d.RNG, d.Params.AvailLogMu, d.Params.AvailLogSigma,
			d.Params.InnateLogMu, d.Params.InnateLogSigma,
			d.Params.SeekingLogMu, d.Params.SeekingLogSigma, d.Params.WithinHost.InfectiousWindowSteps)
		d.Pop.Append(h)
	}
	d.Pop.Compact()

	// Step 5: survey boundary.
	if d.Survey != nil && d.Survey.DueAt(now) {
		if err := d.Survey.Flush(now); err != nil {
			return err
		}
	}

	d.Clock.Advance()
	return nil
}

// updateHuman runs §4.3/§4.4/§4.5 for one human and accumulates this
// step's contribution to next step's vector aggregates.
func (d *Driver) updateHuman(h *Human, now SimTime, availDivisors []float64, nextAgg []*stepAggregate) {
	h.WithinHost.AgeOffCleared(now)

	ng := d.Genotypes.N()
	eirPerGenotype := make([]float64, ng)
	for i, sp := range d.Species {
		partial := sp.PartialEIR(availDivisors[i])
		for g := range partial {
			if g < ng {
				eirPerGenotype[g] += partial[g] * h.Availability
			}
		}
	}
	var eir float64
	for _, v := range eirPerGenotype {
		eir += v
	}

	// The per-genotype breakdown just computed from this step's own S_v,
	// not the registry's static initial frequencies, drives which
	// genotype a new inoculation carries (§4.3 step 2 samples "by the
	// per-step inoculation breakdown from §4.1").
	h.WithinHost.AddInoculations(d.RNG, now, eir, h.Availability, d.Params.WithinHost, eirPerGenotype,
		d.Params.DurationLogMu, d.Params.DurationLogSigma, d.Params.UseNegBinomial, d.Params.NegBinomialK)

	drugFactor := d.Drugs.AdvanceDay(h.PKPD, d.Phenotype, d.Genotypes.N())

	total := h.WithinHost.UpdateDensities(d.RNG, now, h.Birth, d.Params.WithinHost, drugFactor, d.Params.WithinHost, false)
	h.WithinHost.UpdateImmunity(total, d.Params.Step)

	outcome := Pathogenesis(d.RNG, h.WithinHost.TimeStepMaxDensity, d.Params.Clinical, d.Params.NonMalariaFeverProb)
	if outcome.Clinical {
		ctx := EvalContext{
			AgeYears: AgeYears(h.Birth, now),
			Severe:   outcome.Severe,
			ParasiteTest: func() bool {
				return ParasiteTest(d.RNG, TestMicroscopy, h.WithinHost.TimeStepMaxDensity)
			},
		}
		packed, err := d.Decisions.Evaluate(d.RNG, ctx)
		if err == nil {
			h.Clinical.PendingEvent = &ClinicalEvent{Time: now, Severe: outcome.Severe, Decision: packed}
			h.Clinical.LastTreatment = now
			if outcome.Severe {
				h.Clinical.ResolveSevereEpisode(d.Params.IndirectDeathDelaySteps)
			}
		}
	}

	infectiousness := h.WithinHost.ProbTransmissionToMosquito(total, d.Params.WithinHost.InfectiousWindowSteps, d.Params.WithinHost)
	// sigma_dif[g] only credits the genotype(s) this human actually
	// carries, weighted by each one's share of this step's total density
	// (§4.1: sigma_dif[g] is "multiplied by each human's probability of
	// transmitting genotype g", not the same scalar for every g).
	genotypeFractions := h.WithinHost.GenotypeDensityFractions(ng)
	for i := range nextAgg {
		sp := d.Species[i].Params
		feed := h.Availability * sp.PB * sp.PC * sp.PD
		nextAgg[i].sumAvail += h.Availability
		nextAgg[i].sigmaDf += feed
		nextAgg[i].sigmaDff += feed
		for g := range nextAgg[i].sigmaDif {
			if genotypeFractions[g] <= 0 {
				continue
			}
			nextAgg[i].sigmaDif[g] += feed * infectiousness * genotypeFractions[g]
		}
	}
}

// combinedEffects folds a slice of per-intervention multiplicative/
// additive modifiers into the single set the vector engine consumes.
type combinedEffects struct {
	SeekingDeathRateIncrease float64
	OvipositDeathMultiplier  float64
	EmergenceReduction       float64
	SugarBaitTargetProb      float64
}

func combineEffects(effects []InterventionEffect) combinedEffects {
	c := combinedEffects{OvipositDeathMultiplier: 1, EmergenceReduction: 1}
	for _, e := range effects {
		c.SeekingDeathRateIncrease += e.SeekingDeathRateIncrease
		if e.OvipositDeathMultiplier > 0 {
			c.OvipositDeathMultiplier *= e.OvipositDeathMultiplier
		}
		if e.EmergenceReduction > 0 {
			c.EmergenceReduction *= e.EmergenceReduction
		}
		if e.SugarBaitTargetProb > c.SugarBaitTargetProb {
			c.SugarBaitTargetProb = e.SugarBaitTargetProb
		}
	}
	return c
}

// Advance moves the driver through its phase state machine one
// transition at a time, per §4.6's "Phase state machine".
func (d *Driver) Advance() {
	switch d.Phase {
	case PhaseStarting:
		d.Phase = PhaseOneLifeSpan
	case PhaseOneLifeSpan:
		if d.Params.ForcedEIROnly {
			d.Phase = PhaseMainPhase
		} else {
			d.Phase = PhaseVectorFitting
		}
	case PhaseVectorFitting:
		d.Phase = PhaseMainPhase
	case PhaseMainPhase:
		d.Phase = PhaseEndSim
	}
}
