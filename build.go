package openfalciparum

import "sort"

// This file translates a parsed ScenarioDocument into the core types the
// rest of the package operates on: the genotype/drug registries, the
// decision forest, run parameters, vector species, and the initial
// population. It is the one place scenario-wire concepts (names,
// attribute strings) are resolved into the closed, numerically-indexed
// types the simulation loop consumes.

// Defaults below fill in scenario-wire gaps the XML model does not
// carry explicitly. Each is documented at its point of use; they are
// deliberately conservative (Step=5, the only alternative to 1 the
// source material exercises per simtime.go's own comment) rather than
// invented from nothing.
const (
	defaultStepDays           StepDays = 5
	defaultPopulationSize              = 1000
	defaultSvMin                       = 1e-6
	defaultPyrogenicThreshold          = 2000.0
	defaultSevereThreshold             = 1e5
	defaultIndirectDeathDelaySteps     = 2
	defaultDurationLogMu              = 4.0
	defaultDurationLogSigma           = 0.5
	defaultNegBinomialK                = 2.0
	defaultAvailLogSigma               = 0.5
	defaultInnateLogSigma              = 0.3
	defaultSeekingLogSigma             = 0.3
	defaultNonMalariaFeverProb         = 0.01
	defaultInfectiousWindowSteps       = 5
	defaultSigmaBase2                  = 0.5
	defaultSigmaXHScale                = 10.0
	defaultDecayM                      = 0.1
	defaultDensityBias                 = 1.0
	defaultMaxLogDensity               = 25.0
	defaultTBVScalar                   = 1.0
	defaultPeakLogDensity              = 12.0
	defaultRiseSteps5                  = 2
	defaultDecayPerStep5               = 0.3
	defaultAgeDamping                  = 0.05

	// defaultReplayInfectiousness/FeedSuccess/OvipositSuccess approximate
	// one steady human's contribution to SigmaDf/SigmaDif/SigmaDff during
	// vector-population fitting's inner replay, before any human
	// infectiousness has actually been observed (the replay runs before
	// the human population exists in the fitting loop's own scope).
	defaultReplayFeedSuccess     = 0.3
	defaultReplayInfectiousness  = 0.05
	defaultReplayOvipositSuccess = 0.25
)

// BuildGenotypeRegistry derives the genotype registry from the distinct
// PD phenotype names appearing across every scenario drug, per the
// hint already recorded in cmd/openfalciparum/main.go's print-genotypes
// view: "genotype registry is built from the drug/phenotype sections
// during full scenario translation". Each distinct phenotype name
// becomes exactly one genotype, giving GenotypeID and PhenotypeID a 1:1
// correspondence (phenotypeIndex[name] == int(genotypeID)), so a
// drug-resistance genotype and the resistance phenotype it expresses
// against any given drug are the same registry entry. Frequencies are
// split equally across the discovered genotypes; the last entry is
// nudged so the sum satisfies NewGenotypeRegistry's exact-1.0 tolerance.
func BuildGenotypeRegistry(doc *ScenarioDocument) (*GenotypeRegistry, map[string]PhenotypeID, error) {
	seen := make(map[string]bool)
	var names []string
	for _, drug := range doc.Drugs {
		for _, pd := range drug.PD {
			if pd.Phenotype == "" || seen[pd.Phenotype] {
				continue
			}
			seen[pd.Phenotype] = true
			names = append(names, pd.Phenotype)
		}
	}
	if len(names) == 0 {
		names = []string{"wildtype"}
	}
	sort.Strings(names)

	n := len(names)
	equalFreq := 1.0 / float64(n)
	genotypes := make([]Genotype, n)
	var sum float64
	for i, name := range names {
		genotypes[i] = Genotype{Name: name, InitialFreq: equalFreq}
		sum += equalFreq
	}
	genotypes[n-1].InitialFreq += 1.0 - sum

	registry, err := NewGenotypeRegistry(genotypes)
	if err != nil {
		return nil, nil, err
	}
	phenotypeIndex := make(map[string]PhenotypeID, n)
	for _, g := range registry.All() {
		phenotypeIndex[g.Name] = PhenotypeID(g.ID)
	}
	return registry, phenotypeIndex, nil
}

// BuildDrugRegistry translates every ScenarioDrug into a *DrugType,
// keyed by position in doc.Drugs (DrugID is an arbitrary stable index,
// not read from the wire format, which carries only the abbreviation).
func BuildDrugRegistry(doc *ScenarioDocument, phenotypeIndex map[string]PhenotypeID) (*DrugRegistry, map[string]DrugID, error) {
	drugTypes := make([]*DrugType, 0, len(doc.Drugs))
	drugIndex := make(map[string]DrugID, len(doc.Drugs))
	for i, sd := range doc.Drugs {
		id := DrugID(i)
		dt, err := buildDrugType(id, sd, phenotypeIndex)
		if err != nil {
			return nil, nil, err
		}
		drugTypes = append(drugTypes, dt)
		drugIndex[sd.Abbrev] = id
	}
	return NewDrugRegistry(drugTypes), drugIndex, nil
}

// buildDrugType builds one drug's PK/PD description. Only the
// one-compartment PK model is supported: ScenarioDrugPK carries only
// halfLife/Vd, which is sufficient for OneCompartment but not for
// MultiCompartment (needs three exponential terms) or Conversion (needs
// separate parent/metabolite rate constants) — neither of which this
// wire format has any attributes for. A scenario requesting either is a
// scenario error rather than a silently wrong degenerate drug.
func buildDrugType(id DrugID, sd ScenarioDrug, phenotypeIndex map[string]PhenotypeID) (*DrugType, error) {
	kind := sd.PK.Kind
	if kind != "" && kind != "one-compartment" {
		return nil, ScenarioErrorf("interventions/drugDescription/drug["+sd.Abbrev+"]/PK",
			"unsupported PK model %q: only one-compartment is derivable from this scenario format", kind)
	}
	halfLife := sd.PK.HalfLife
	if halfLife <= 0 {
		return nil, ScenarioErrorf("interventions/drugDescription/drug["+sd.Abbrev+"]/PK", "halfLife must be positive, got %f", halfLife)
	}
	const ln2 = 0.6931471805599453
	dt := &DrugType{
		ID:                      id,
		Name:                    sd.Abbrev,
		Kind:                    OneCompartment,
		EliminationRateConstant: ln2 / halfLife,
		VolumeOfDistribution:    sd.PK.Vd,
		QuadAbsTol:              1e-3,
		QuadRelTol:              1e-3,
		PD:                      make(map[PhenotypeID]PDParams, len(sd.PD)),
	}
	for _, pd := range sd.PD {
		ph, ok := phenotypeIndex[pd.Phenotype]
		if !ok {
			return nil, ScenarioErrorf("interventions/drugDescription/drug["+sd.Abbrev+"]/PD", "unknown phenotype %q", pd.Phenotype)
		}
		dt.PD[ph] = PDParams{V: pd.V, K: pd.K, N: pd.N}
	}
	return dt, nil
}

// BuildDecisionTree translates the scenario's flat decision list into a
// laid-out *Tree. Decisions are assumed given in dependency-topological
// order by the scenario author (Tree.Evaluate's single-pass walk
// requires it); this is not re-sorted here since the wire format gives
// no separate ordering signal beyond document order.
//
// Random decisions need their dependencies' bit offsets, which are only
// assigned once NewTree lays out the whole forest — so this runs in two
// passes: build bodyless shells and call NewTree, then revisit every
// Random decision's branches to compute each one's combined dependency
// key (now that dep.bitOffset is known) and install it via
// Decision.SetRandomOutcome.
func BuildDecisionTree(doc *ScenarioDocument) (*Tree, error) {
	shells := make([]*Decision, 0, len(doc.Decisions))
	for _, sd := range doc.Decisions {
		d, err := buildDecisionShell(sd)
		if err != nil {
			return nil, err
		}
		shells = append(shells, d)
	}
	tree, err := NewTree(shells)
	if err != nil {
		return nil, err
	}
	for i, sd := range doc.Decisions {
		if sd.Kind != "random" {
			continue
		}
		d := shells[i]
		for _, branch := range sd.Branches {
			var key DecisionValue
			for j, depID := range sd.DependsOn {
				dep, ok := tree.byID[DecisionID(depID)]
				if !ok {
					return nil, ScenarioErrorf("model/clinical/decisionTree/decision["+sd.Name+"]", "unknown dependency %q", depID)
				}
				if j >= len(branch.When) {
					return nil, ScenarioErrorf("model/clinical/decisionTree/decision["+sd.Name+"]", "branch is missing a <when> value for dependency %q", depID)
				}
				key |= DecisionValue(branch.When[j]) << dep.bitOffset
			}
			probs := append([]float64(nil), branch.CumProbs...)
			if err := d.SetRandomOutcome(key, probs); err != nil {
				return nil, err
			}
		}
	}
	return tree, nil
}

// buildDecisionShell constructs one Decision without resolving its
// dependencies' bit offsets (not knowable until the whole forest is
// laid out by NewTree); Random decisions are returned with an empty
// cumProbsFor map, filled in by BuildDecisionTree's second pass.
func buildDecisionShell(sd ScenarioDecision) (*Decision, error) {
	switch sd.Kind {
	case "age":
		if len(sd.AgeBounds) != len(sd.Outcomes) {
			return nil, ScenarioErrorf("model/clinical/decisionTree/decision["+sd.Name+"]", "ageBound/outcome lists differ in length")
		}
		return NewAgeDecision(DecisionID(sd.Name), sd.Values, sd.AgeBounds, sd.Outcomes), nil
	case "input":
		kind, ok := inputKindByName[sd.Input]
		if !ok {
			return nil, ScenarioErrorf("model/clinical/decisionTree/decision["+sd.Name+"]", "unknown input %q", sd.Input)
		}
		return NewInputDecision(DecisionID(sd.Name), sd.Values, kind), nil
	case "random":
		deps := make([]DecisionID, len(sd.DependsOn))
		for i, dep := range sd.DependsOn {
			deps[i] = DecisionID(dep)
		}
		d, err := NewRandomDecision(DecisionID(sd.Name), sd.Values, deps, nil)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, ScenarioErrorf("model/clinical/decisionTree/decision["+sd.Name+"]", "unknown decision kind %q", sd.Kind)
}

// BuildWithinHostParams translates the scenario's withinHost section
// into a WithinHostParams, filling in with ParametricDensityTable and
// documented defaults the fields the wire format (ScenarioWithinHost)
// does not carry at all — DecayM, DensityBias, MaxLogDensity,
// TBVScalar, PenaliseOnTreatment, InfectiousWindowSteps — since the
// source material's full empirical density table and several immunity
// constants live outside the retrieved scenario schema.
func BuildWithinHostParams(sw ScenarioWithinHost) WithinHostParams {
	sigma0 := sw.SigmaBase2
	if sigma0 <= 0 {
		sigma0 = defaultSigmaBase2
	}
	detectionLimit := sw.DetectionLimit
	if detectionLimit <= 0 {
		detectionLimit = 1.0
	}
	xScale := sw.XScale
	if xScale <= 0 {
		xScale = 1.0
	}
	hScale := sw.HScale
	if hScale <= 0 {
		hScale = 1.0
	}
	return WithinHostParams{
		DensityTable: ParametricDensityTable{
			PeakLogDensity: defaultPeakLogDensity,
			RiseSteps5:     defaultRiseSteps5,
			DecayPerStep5:  defaultDecayPerStep5,
			AgeDamping:     defaultAgeDamping,
		},
		SigmaBase2:            sigma0,
		SigmaXHScale:          defaultSigmaXHScale,
		DecayM:                defaultDecayM,
		DetectionLimit:        detectionLimit,
		DensityBias:           defaultDensityBias,
		XScale:                xScale,
		HScale:                hScale,
		InfectiousWindowSteps: defaultInfectiousWindowSteps,
		MaxLogDensity:         defaultMaxLogDensity,
		TBVScalar:             defaultTBVScalar,
		PenaliseOnTreatment:   false,
	}
}

// BuildRunParams assembles the scenario-derived constants Driver needs.
// SurveySteps/FinalSurveyStep come directly from the monitoring section
// (the main phase runs exactly to the final configured survey time);
// CheckpointSteps mirrors the survey boundaries, since the scenario
// format gives no separate checkpoint-interval attribute and coinciding
// checkpoints with survey flush boundaries keeps restart semantics
// simple (a restored run resumes from a point where the survey buffer
// is already known to be empty).
func BuildRunParams(doc *ScenarioDocument, cfg RunConfig) (RunParams, error) {
	step := defaultStepDays
	if err := step.Validate(); err != nil {
		return RunParams{}, ScenarioErrorf("run-params", "%v", err)
	}

	maxAgeSteps := int(float64(step.StepsPerYear()) * doc.Demography.MaximumAgeYears)
	if maxAgeSteps <= 0 {
		maxAgeSteps = step.StepsPerYear() * 60
	}

	surveySteps := make([]int, len(doc.Monitoring.SurveyTimes))
	var finalSurveyStep int
	for i, t := range doc.Monitoring.SurveyTimes {
		surveySteps[i] = int(t)
		if int(t) > finalSurveyStep {
			finalSurveyStep = int(t)
		}
	}

	maxIter := cfg.Fitting.MaxIterations
	tol := cfg.Fitting.Tolerance

	return RunParams{
		Step:                    step,
		MaxAgeSteps:             maxAgeSteps,
		FinalSurveyStep:         finalSurveyStep,
		SurveySteps:             surveySteps,
		CheckpointSteps:         append([]int(nil), surveySteps...),
		ForcedEIROnly:           doc.Entomology.Mode == "forcedEIR",
		WithinHost:              BuildWithinHostParams(doc.WithinHost),
		Clinical: ClinicalParams{
			PyrogenicThreshold:      defaultPyrogenicThreshold,
			SevereThreshold:         defaultSevereThreshold,
			NonMalariaFeverRate:     defaultNonMalariaFeverProb,
			IndirectDeathDelaySteps: defaultIndirectDeathDelaySteps,
		},
		DurationLogMu:           defaultDurationLogMu,
		DurationLogSigma:        defaultDurationLogSigma,
		UseNegBinomial:          false,
		NegBinomialK:            defaultNegBinomialK,
		AvailLogSigma:           defaultAvailLogSigma,
		InnateLogSigma:          defaultInnateLogSigma,
		SeekingLogSigma:         defaultSeekingLogSigma,
		NonMalariaFeverProb:     defaultNonMalariaFeverProb,
		IndirectDeathDelaySteps: defaultIndirectDeathDelaySteps,
		FitParams:               FitParams{MaxIterations: maxIter, Tolerance: tol},
	}, nil
}

// resampleToYear tiles or truncates an arbitrary-length daily series
// into exactly one 365-day year, wrapping short series and truncating
// long ones; used to give forced-EIR scenarios (whose EIRDaily list may
// span the whole run, not just one year) a single seasonal shape to
// seed emergence from.
func resampleToYear(daily []float64) []float64 {
	out := make([]float64, daysPerYear)
	if len(daily) == 0 {
		return out
	}
	for d := range out {
		out[d] = daily[d%len(daily)]
	}
	return out
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// BuildSpecies constructs one *Species per scenario vector and its
// target EIR series. In forced-EIR mode a single species is built whose
// emergence schedule is seeded directly from the forced series' own
// shape (the ForcedEIROnly phase skip means this species is never
// refit against a replay — its Nv0 IS the forcing). In vector mode, one
// species per <anopheles> entry is built with its Fourier-series target
// left for the caller to fit via FitEmergenceToTargetEIR.
func BuildSpecies(doc *ScenarioDocument, nGenotypes int) ([]*Species, [][]float64, error) {
	if doc.Entomology.Mode == "forcedEIR" {
		params := SpeciesParams{
			ThetaD: 0.33, Tau: 3, ThetaS: 10,
			PB: 0.9, PC: 0.9, PD: 0.9, PE: 0.9,
			MuVA: 0.1, Chi: 0.9,
			SvMin: defaultSvMin,
		}
		sp := NewSpecies(params, nGenotypes)
		sp.Emergence = ForcedEmergence
		target := resampleToYear(doc.Entomology.ForcedEIR)
		seedEmergenceFromTargetShape(sp, target)
		return []*Species{sp}, nil, nil
	}

	if len(doc.Entomology.Species) == 0 {
		return nil, nil, ScenarioErrorf("entomology", "vector mode requires at least one anopheles species")
	}
	species := make([]*Species, len(doc.Entomology.Species))
	targets := make([][]float64, len(doc.Entomology.Species))
	for i, sv := range doc.Entomology.Species {
		params := SpeciesParams{
			ThetaD: orDefault(sv.ThetaD, 0.33),
			Tau:    sv.Tau,
			ThetaS: sv.ThetaS,
			PB:     orDefault(sv.PB, 0.9), PC: orDefault(sv.PC, 0.9),
			PD: orDefault(sv.PD, 0.9), PE: orDefault(sv.PE, 0.9),
			MuVA:  orDefault(sv.MuVA, 0.1),
			Chi:   orDefault(sv.Chi, 0.9),
			SvMin: defaultSvMin,
		}
		if params.Tau <= 0 {
			params.Tau = 3
		}
		if params.ThetaS <= 0 {
			params.ThetaS = 10
		}
		sp := NewSpecies(params, nGenotypes)
		sp.Emergence = ForcedEmergence
		coeffs := append([]float64{sv.FourierA0}, sv.FourierCoeffs...)
		target := make([]float64, daysPerYear)
		for d := range target {
			target[d] = FourierEIR(coeffs, d)
		}
		species[i] = sp
		targets[i] = target
	}
	return species, targets, nil
}

// SeedInitialPopulation populates the driver's population to the
// scenario's configured size, sampling each human's age from the
// demography section's age-group proportions (falling back to a
// uniform age draw if the scenario carries no age groups).
func SeedInitialPopulation(d *Driver, doc *ScenarioDocument, rng *Stream) {
	popSize := doc.Demography.PopulationSize
	if popSize <= 0 {
		popSize = defaultPopulationSize
	}
	maxAge := doc.Demography.MaximumAgeYears
	if maxAge <= 0 {
		maxAge = 60
	}
	for i := 0; i < popSize; i++ {
		ageYears := sampleAge(rng, doc.Demography.AgeGroups, maxAge)
		birth := SimTime(-int64(ageYears * daysPerYear))
		h := NewHuman(d.idGen(), birth, rng,
			d.Params.AvailLogMu, d.Params.AvailLogSigma,
			d.Params.InnateLogMu, d.Params.InnateLogSigma,
			d.Params.SeekingLogMu, d.Params.SeekingLogSigma,
			d.Params.WithinHost.InfectiousWindowSteps)
		d.Pop.Append(h)
	}
}

// sampleAge draws an age in years from the demography section's
// cumulative age-group proportions, interpolating uniformly within
// whichever bucket is selected.
func sampleAge(rng *Stream, groups []ScenarioAgeGroup, maxAge float64) float64 {
	var total float64
	for _, g := range groups {
		total += g.Proportion
	}
	if total <= 0 {
		return rng.Uniform01() * maxAge
	}
	u := rng.Uniform01() * total
	var cum float64
	lower := 0.0
	for _, g := range groups {
		cum += g.Proportion
		if u <= cum {
			return lower + rng.Uniform01()*(g.UpperBound-lower)
		}
		lower = g.UpperBound
	}
	return groups[len(groups)-1].UpperBound
}
