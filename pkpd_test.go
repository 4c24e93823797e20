package openfalciparum

import (
	"math"
	"testing"
)

func halfLifeDrug(halfLife, vd float64) *DrugType {
	return &DrugType{
		ID:                      0,
		Name:                    "test-drug",
		Kind:                    OneCompartment,
		EliminationRateConstant: math.Ln2 / halfLife,
		VolumeOfDistribution:    vd,
		PD: map[PhenotypeID]PDParams{
			0: {V: 1.0, K: 1.0, N: 1.0},
		},
	}
}

func TestDrugRegistry_OneCompartmentDecay(t *testing.T) {
	dt := halfLifeDrug(10, 2.0)
	reg := NewDrugRegistry([]*DrugType{dt})
	st := NewPKPDState()
	st.Prescribe(Dose{Drug: 0, OffsetDay: 0, MG: 100})

	phenotypeOf := func(GenotypeID) PhenotypeID { return 0 }
	for day := 0; day < 10; day++ {
		reg.AdvanceDay(st, phenotypeOf, 1)
	}
	dc := st.Drugs[0]
	if dc == nil {
		t.Fatalf("expected drug concentration record to still exist at t=10")
	}
	want := 50.0 / 2.0
	if math.Abs(dc.Conc-want) > 1e-6 {
		t.Fatalf(UnequalFloatParameterError, "concentration at t=10 days (one half-life)", want, dc.Conc)
	}
}

func TestDrugRegistry_ConstantConcentrationSurvival(t *testing.T) {
	// At constant C = IC50, Hill factor with n=1 reduces to V/2, so
	// survival over delta=1 day is exp(-V/2).
	dt := &DrugType{
		ID:                      0,
		Kind:                    OneCompartment,
		EliminationRateConstant: 0, // no decay => "constant C" approximation
		PD: map[PhenotypeID]PDParams{
			0: {V: 2.0, K: 1.0, N: 1.0},
		},
	}
	reg := NewDrugRegistry([]*DrugType{dt})
	st := NewPKPDState()
	st.Drugs[0] = &DrugConcentration{Conc: 1.0}
	factor := reg.AdvanceDay(st, func(GenotypeID) PhenotypeID { return 0 }, 1)
	want := math.Exp(-1.0)
	if math.Abs(factor[0]-want) > 1e-3 {
		t.Fatalf(UnequalFloatParameterError, "drug factor at constant C=IC50", want, factor[0])
	}
}

func TestDrugRegistry_NoDrugsIdentityFactor(t *testing.T) {
	reg := NewDrugRegistry(nil)
	st := NewPKPDState()
	factor := reg.AdvanceDay(st, func(GenotypeID) PhenotypeID { return 0 }, 3)
	for g, f := range factor {
		if f != 1.0 {
			t.Fatalf(UnequalFloatParameterError, "identity drug factor for genotype "+string(rune('0'+g)), 1.0, f)
		}
	}
}
