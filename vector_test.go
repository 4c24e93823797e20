package openfalciparum

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
)

func testSpeciesParams() SpeciesParams {
	return SpeciesParams{
		ThetaD: 0.33,
		Tau:    3,
		ThetaS: 10,
		PB:     0.9, PC: 0.9, PD: 0.9, PE: 0.9,
		MuVA:  0.1,
		Chi:   0.9,
		SvMin: 1e-6,
	}
}

func TestSpecies_InvariantsHoldUnderConstantForcing(t *testing.T) {
	params := testSpeciesParams()
	sp := NewSpecies(params, 1)
	for d := 0; d < 365; d++ {
		sp.Nv0[d] = 1000
	}
	for day := 0; day < 3*365; day++ {
		_, err := sp.Step(DayAggregates{
			SumAvail: 50,
			SigmaDf:  30,
			SigmaDif: []float64{5},
			SigmaDff: 20,
		})
		if err != nil {
			t.Fatalf(UnexpectedErrorWhileError, "stepping species", err)
		}
		if err := sp.CheckInvariants(); err != nil {
			t.Fatalf("invariant violated on day %d: %v", day, err)
		}
	}
}

func TestSpecies_ExtinctionCutoffZeroesPartialEIR(t *testing.T) {
	params := testSpeciesParams()
	params.SvMin = 1.0
	sp := NewSpecies(params, 1)
	// No emergence at all: S_v stays at exactly zero, well under the
	// extinction cutoff, so the reported partial EIR must be zero too.
	var avail float64
	var err error
	for i := 0; i < sp.Lv+1; i++ {
		avail, err = sp.Step(DayAggregates{SumAvail: 1, SigmaDf: 0, SigmaDif: []float64{0}, SigmaDff: 0})
		if err != nil {
			t.Fatalf(UnexpectedErrorWhileError, "stepping species", err)
		}
	}
	eir := sp.PartialEIR(avail)
	if eir[0] != 0 {
		t.Fatalf("expected sub-threshold S_v to be reported as zero EIR, got %f", eir[0])
	}
}

func TestSolveAlphaT_ResidualNearZero(t *testing.T) {
	alpha, err := solveAlphaT(0.2, 0.33, 0.1)
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "solving alpha_t", err)
	}
	residual := (1-math.Exp(-(alpha+0.2)*0.33))*alpha/(alpha+0.2) - 0.1
	if math.Abs(residual) > 1e-6 {
		t.Fatalf("residual not near zero: %f", residual)
	}
}

func TestFourierEIR_NonNegativeAndPeriodic(t *testing.T) {
	coeffs := []float64{2.0, 1.5, -0.5}
	for d := 0; d < daysPerYear; d++ {
		v := FourierEIR(coeffs, d)
		if v < 0 {
			t.Fatalf("FourierEIR produced negative value at day %d: %f", d, v)
		}
	}
	if FourierEIR(coeffs, 0) != FourierEIR(coeffs, daysPerYear) {
		t.Fatalf("expected period-365 wraparound equality")
	}
}

func TestFitEmergenceToTargetEIR_ConvergesWithinOnePercent(t *testing.T) {
	params := testSpeciesParams()
	sp := NewSpecies(params, 1)
	target := make([]float64, 365)
	for d := range target {
		target[d] = 10.0
	}

	replay := func() ([]float64, error) {
		trial := NewSpecies(params, 1)
		trial.Nv0 = sp.Nv0
		out := make([]float64, 365)
		for d := 0; d < 365; d++ {
			avail, err := trial.Step(DayAggregates{SumAvail: 20, SigmaDf: 10, SigmaDif: []float64{2}, SigmaDff: 8})
			if err != nil {
				return nil, err
			}
			eir := trial.PartialEIR(avail)
			out[d] = eir[0] * 1000
		}
		return out, nil
	}

	result, err := FitEmergenceToTargetEIR(sp, target, FitParams{MaxIterations: 30, Tolerance: 0.01}, replay, zerolog.Nop())
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "fitting emergence", err)
	}
	if !result.Converged {
		t.Fatalf("expected convergence within the iteration cap, got %d iterations", result.Iterations)
	}
}
