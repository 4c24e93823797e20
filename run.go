package openfalciparum

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// RunOptions bundles everything Run needs beyond the parsed scenario
// document: the RNG seed, output destinations, and an optional
// checkpoint manager.
type RunOptions struct {
	Config           RunConfig
	Seed             int64
	SurveyOutput     io.Writer
	CompressSurvey   bool
	ContinuousOutput io.Writer
	Checkpoint       *CheckpointManager
	CheckpointStop   bool
	Log              zerolog.Logger
}

// Run translates a parsed scenario document into a Driver and drives it
// through the full phase state machine: one simulated lifetime to
// reach demographic equilibrium, vector-population fitting against the
// target EIR (skipped in forced-EIR mode), then the main phase, writing
// survey output at the configured survey times and, if requested,
// periodic checkpoints.
func Run(doc *ScenarioDocument, opts RunOptions) error {
	log := opts.Log

	genotypes, phenotypeIndex, err := BuildGenotypeRegistry(doc)
	if err != nil {
		return err
	}
	drugs, _, err := BuildDrugRegistry(doc, phenotypeIndex)
	if err != nil {
		return err
	}
	decisions, err := BuildDecisionTree(doc)
	if err != nil {
		return err
	}
	params, err := BuildRunParams(doc, opts.Config)
	if err != nil {
		return err
	}
	species, targets, err := BuildSpecies(doc, genotypes.N())
	if err != nil {
		return err
	}

	var survey *SurveyBuffer
	if opts.SurveyOutput != nil {
		survey = NewSurveyBuffer(opts.SurveyOutput, doc.Monitoring.SurveyTimes, opts.CompressSurvey)
		defer survey.Close()
	}

	rng := NewStream(opts.Seed)
	driver := NewDriver(rng, genotypes, drugs, decisions, species, params, survey)
	driver.Phenotype = func(g GenotypeID) PhenotypeID { return PhenotypeID(g) }

	var ctsOut *ContinuousOutput
	if opts.ContinuousOutput != nil {
		ctsOut = NewContinuousOutput(opts.ContinuousOutput, []string{"timestep", "human_hosts"})
	}

	driver.Advance() // STARTING -> ONE_LIFE_SPAN
	SeedInitialPopulation(driver, doc, rng)
	if err := runOneLifeSpan(driver, params.MaxAgeSteps); err != nil {
		return err
	}

	driver.Advance() // ONE_LIFE_SPAN -> VECTOR_FITTING or MAIN_PHASE
	if driver.Phase == PhaseVectorFitting {
		if err := fitAllSpecies(driver, targets, params.FitParams, log); err != nil {
			return err
		}
		driver.Advance() // VECTOR_FITTING -> MAIN_PHASE
	}

	mainSteps := params.FinalSurveyStep / int(params.Step)
	if mainSteps <= 0 {
		mainSteps = params.Step.StepsPerYear() * 5
	}
	demo := DemographySnapshot{MaxAgeYears: doc.Demography.MaximumAgeYears}
	for _, g := range doc.Demography.AgeGroups {
		demo.AgeGroupBounds = append(demo.AgeGroupBounds, g.UpperBound)
	}
	if err := runMainPhase(driver, mainSteps, ctsOut, opts.Checkpoint, params.CheckpointSteps, demo); err != nil {
		return err
	}
	driver.Advance() // MAIN_PHASE -> END_SIM
	if opts.CheckpointStop && opts.Checkpoint != nil {
		return opts.Checkpoint.Write(buildCheckpointState(driver, demo))
	}
	return nil
}

// runOneLifeSpan advances the driver through one simulated maximum
// lifetime with no interventions or non-human forcing, letting the
// population reach its demographic steady state before vector fitting
// or the main phase begins.
func runOneLifeSpan(d *Driver, steps int) error {
	for i := 0; i < steps; i++ {
		if err := d.Step(nil, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// fitAllSpecies runs the vector-population fit for every species that
// was built with a target EIR series (forced-EIR species are excluded:
// their Nv0 already IS the forcing, built directly by BuildSpecies).
func fitAllSpecies(d *Driver, targets [][]float64, fit FitParams, log zerolog.Logger) error {
	popSize := float64(d.Pop.Len())
	for i, sp := range d.Species {
		if i >= len(targets) || targets[i] == nil {
			continue
		}
		ng := sp.NG
		replay := func() ([]float64, error) {
			trial := NewSpecies(sp.Params, ng)
			trial.Emergence = sp.Emergence
			trial.Nv0 = sp.Nv0
			out := make([]float64, daysPerYear)
			for day := 0; day < daysPerYear; day++ {
				avail, err := trial.Step(standingForcing(popSize, ng))
				if err != nil {
					return nil, err
				}
				partial := trial.PartialEIR(avail)
				var sum float64
				for _, v := range partial {
					sum += v
				}
				out[day] = sum
			}
			return out, nil
		}
		result, err := FitEmergenceToTargetEIR(sp, targets[i], fit, replay, log)
		if err != nil {
			return err
		}
		log.Info().Int("species_index", i).Bool("converged", result.Converged).Int("iterations", result.Iterations).Msg("vector fit complete")
	}
	return nil
}

// standingForcing approximates one day's aggregate human forcing on the
// vector engine from population size alone. It drives only the inner
// replay used by vector-population fitting, which must run before any
// human infectiousness has actually been observed by the main
// simulation loop.
func standingForcing(popSize float64, nGenotypes int) DayAggregates {
	sigmaDif := make([]float64, nGenotypes)
	for g := range sigmaDif {
		sigmaDif[g] = popSize * defaultReplayInfectiousness / float64(nGenotypes)
	}
	return DayAggregates{
		SumAvail: popSize,
		SigmaDf:  popSize * defaultReplayFeedSuccess,
		SigmaDif: sigmaDif,
		SigmaDff: popSize * defaultReplayOvipositSuccess,
	}
}

// runMainPhase steps the driver for the configured main-phase duration,
// writing one continuous-output row per step and a checkpoint whenever
// the current day matches a configured checkpoint step.
func runMainPhase(d *Driver, steps int, ctsOut *ContinuousOutput, checkpoint *CheckpointManager, checkpointSteps []int, demo DemographySnapshot) error {
	checkpointAt := make(map[int]bool, len(checkpointSteps))
	for _, s := range checkpointSteps {
		checkpointAt[s] = true
	}
	for i := 0; i < steps; i++ {
		if err := d.Step(nil, nil, nil); err != nil {
			return err
		}
		if ctsOut != nil {
			if err := ctsOut.WriteRow([]string{fmt.Sprintf("%d", d.Clock.Now()), fmt.Sprintf("%d", d.Pop.Len())}); err != nil {
				return err
			}
		}
		if checkpoint != nil && checkpointAt[int(d.Clock.Now())] {
			if err := checkpoint.Write(buildCheckpointState(d, demo)); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildCheckpointState snapshots the driver's full mutable state in the
// checkpoint format's fixed field order.
func buildCheckpointState(d *Driver, demo DemographySnapshot) CheckpointState {
	species := make([]SpeciesSnapshot, len(d.Species))
	for i, sp := range d.Species {
		species[i] = SnapshotSpecies(sp)
	}
	humans := make([]HumanSnapshot, 0, d.Pop.Len())
	for _, h := range d.Pop.All() {
		humans = append(humans, SnapshotHuman(h))
	}
	return CheckpointState{
		Demography:   demo,
		EndTime:      d.Clock.Now(),
		Species:      species,
		Population:   humans,
		CurrentTime:  d.Clock.Now(),
		PreviousTime: d.Clock.Previous(),
		RNG:          d.RNG.Snapshot(),
	}
}
