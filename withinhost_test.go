package openfalciparum

import "testing"

type constantDensityTable struct {
	meanLog float64
}

func (c constantDensityTable) MeanLogDensity(ageSteps5, durSteps5 int) float64 {
	return c.meanLog
}

func testWithinHostParams() WithinHostParams {
	return WithinHostParams{
		DensityTable:   constantDensityTable{meanLog: 5},
		SigmaBase2:     0,
		DetectionLimit: 0.1,
		DensityBias:    1,
		XScale:         1000,
		HScale:         10,
		MaxLogDensity:  20,
		InfectiousWindowSteps: 5,
	}
}

func TestWithinHostState_AgeOffCleared(t *testing.T) {
	w := NewWithinHostState(1, 5)
	w.Infections = []Infection{
		{Start: 0, Duration: 5},
		{Start: 0, Duration: 20},
	}
	w.AgeOffCleared(10)
	if len(w.Infections) != 1 {
		t.Fatalf(UnequalIntParameterError, "remaining infections after age-off", 1, len(w.Infections))
	}
	if w.Infections[0].Duration != 20 {
		t.Fatalf("expected the longer-duration infection to survive")
	}
}

func TestWithinHostState_MaxInfectionsTruncation(t *testing.T) {
	w := NewWithinHostState(1, 5)
	p := testWithinHostParams()
	weights := []float64{1.0}
	rng := NewStream(1)
	w.AddInoculations(rng, 0, 1e6, 1.0, p, weights, 0, 0.1, false, 0)
	if len(w.Infections) > MaxInfections {
		t.Fatalf("infection list exceeded MaxInfections: got %d", len(w.Infections))
	}
	if w.CumInoculationsH <= MaxInfections {
		t.Fatalf("expected more inoculations than capacity were attempted, got %d", w.CumInoculationsH)
	}
}

func TestWithinHostState_TotalDensityZeroIffNoPatentInfection(t *testing.T) {
	w := NewWithinHostState(1, 5)
	p := testWithinHostParams()
	drugFactor := []float64{1.0}
	total := w.UpdateDensities(NewStream(2), 0, 0, p, drugFactor, p, false)
	if total != 0 {
		t.Fatalf(UnequalFloatParameterError, "total density with no infections", 0, total)
	}
	w.Infections = []Infection{{Start: 0, Duration: 10, Genotype: 0}}
	total = w.UpdateDensities(NewStream(2), 1, 0, p, drugFactor, p, false)
	if total <= 0 {
		t.Fatalf("expected positive total density with a live infection present")
	}
}

func TestWithinHostState_AttenuatedInfectionSuppressed(t *testing.T) {
	w := NewWithinHostState(1, 5)
	p := testWithinHostParams()
	w.Infections = []Infection{{Start: 0, Duration: 10, Genotype: 0, Attenuated: true}}
	total := w.UpdateDensities(NewStream(2), 1, 0, p, []float64{1.0}, p, true)
	if total != 0 {
		t.Fatalf(UnequalFloatParameterError, "total density for attenuated infection", 0, total)
	}
}

func TestSusceptibility_DecreasesWithExposure(t *testing.T) {
	p := testWithinHostParams()
	low := Susceptibility(0, 0, p)
	high := Susceptibility(1000, 10, p)
	if high >= low {
		t.Fatalf("expected susceptibility to decrease with cumulative exposure and inoculations")
	}
}
