package openfalciparum

import "testing"

func testRunParams() RunParams {
	return RunParams{
		Step:                1,
		MaxAgeSteps:         365 * 60,
		WithinHost:          testWithinHostParams(),
		Clinical:            ClinicalParams{PyrogenicThreshold: 1e4, SevereThreshold: 1e5, IndirectDeathDelaySteps: 3},
		DurationLogMu:       2.0,
		DurationLogSigma:    0.3,
		AvailLogMu:          0,
		AvailLogSigma:       0.1,
		InnateLogMu:         0,
		InnateLogSigma:      0.1,
		SeekingLogMu:        0,
		SeekingLogSigma:     0.1,
		IndirectDeathDelaySteps: 3,
	}
}

func testDriver(t *testing.T) *Driver {
	t.Helper()
	genotypes, err := NewGenotypeRegistry([]Genotype{{Name: "wild", InitialFreq: 1.0}})
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "building genotype registry", err)
	}
	drugs := NewDrugRegistry(nil)
	decisions, err := NewTree(nil)
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "building empty decision tree", err)
	}
	sp := NewSpecies(testSpeciesParams(), genotypes.N())
	for d := 0; d < daysPerYear; d++ {
		sp.Nv0[d] = 500
	}
	survey := NewSurveyBuffer(nil, nil, false)

	d := NewDriver(NewStream(11), genotypes, drugs, decisions, []*Species{sp}, testRunParams(), survey)
	d.Phenotype = func(GenotypeID) PhenotypeID { return 0 }
	for i := 0; i < 20; i++ {
		d.Pop.Append(NewHuman(d.idGen(), 0, d.RNG,
			d.Params.AvailLogMu, d.Params.AvailLogSigma,
			d.Params.InnateLogMu, d.Params.InnateLogSigma,
			d.Params.SeekingLogMu, d.Params.SeekingLogSigma,
			d.Params.WithinHost.InfectiousWindowSteps))
	}
	return d
}

func TestDriver_StepRunsWithoutErrorAndAdvancesClock(t *testing.T) {
	d := testDriver(t)
	before := d.Clock.Now()
	for i := 0; i < 30; i++ {
		if err := d.Step(nil, nil, nil); err != nil {
			t.Fatalf(UnexpectedErrorWhileError, "stepping driver", err)
		}
	}
	if d.Clock.Now() != before+30 {
		t.Fatalf(UnequalIntParameterError, "clock after 30 steps", int(before+30), int(d.Clock.Now()))
	}
	if d.Pop.Len() == 0 {
		t.Fatalf("expected population to survive 30 steps of constant low forcing")
	}
}

func TestDriver_PendingAggCarriesOneStepLag(t *testing.T) {
	d := testDriver(t)
	if len(d.pendingAgg) != 1 {
		t.Fatalf(UnequalIntParameterError, "species aggregate slots", 1, len(d.pendingAgg))
	}
	if d.pendingAgg[0].sumAvail != 0 {
		t.Fatalf("expected a freshly built driver to start with a zeroed pending aggregate")
	}
	if err := d.Step(nil, nil, nil); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "stepping driver", err)
	}
	if d.pendingAgg[0].sumAvail <= 0 {
		t.Fatalf("expected the first step's human loop to leave a non-zero aggregate for the next step's vector update")
	}
}

func TestDriver_BirthsAppendAndCompactRemovesDead(t *testing.T) {
	d := testDriver(t)
	initialLen := d.Pop.Len()
	if err := d.Step(nil, nil, []SimTime{d.Clock.Now() + 1}); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "stepping driver with a newborn", err)
	}
	if d.Pop.Len() != initialLen+1 {
		t.Fatalf(UnequalIntParameterError, "population size after one birth", initialLen+1, d.Pop.Len())
	}

	h := d.Pop.All()[0]
	h.Clinical.ResolveSevereEpisode(1)
	for i := 0; i < 5; i++ {
		if err := d.Step(nil, nil, nil); err != nil {
			t.Fatalf(UnexpectedErrorWhileError, "stepping driver toward doomed death", err)
		}
	}
	for _, alive := range d.Pop.All() {
		if alive == h {
			t.Fatalf("expected the doomed human to have been compacted out of the population")
		}
	}
}

func TestDriver_AdvancePhasesInOrder(t *testing.T) {
	d := testDriver(t)
	want := []Phase{PhaseOneLifeSpan, PhaseVectorFitting, PhaseMainPhase, PhaseEndSim}
	for _, w := range want {
		d.Advance()
		if d.Phase != w {
			t.Fatalf("expected phase %s, got %s", w, d.Phase)
		}
	}
}

func TestDriver_AdvanceSkipsFittingWhenForcedEIROnly(t *testing.T) {
	d := testDriver(t)
	d.Params.ForcedEIROnly = true
	d.Advance()
	if d.Phase != PhaseOneLifeSpan {
		t.Fatalf("expected phase %s, got %s", PhaseOneLifeSpan, d.Phase)
	}
	d.Advance()
	if d.Phase != PhaseMainPhase {
		t.Fatalf("expected forced-EIR-only run to skip vector fitting, got %s", d.Phase)
	}
}
