package openfalciparum

import "testing"

func TestParasiteTest_MicroscopyThresholds(t *testing.T) {
	rng := NewStream(1)
	trials := 20000
	var positives int
	for i := 0; i < trials; i++ {
		if ParasiteTest(rng, TestMicroscopy, 50) {
			positives++
		}
	}
	rate := float64(positives) / float64(trials)
	if rate < 0.72 || rate > 0.78 {
		t.Fatalf("microscopy sensitivity at density<=100 out of expected band: got %f", rate)
	}
}

func TestParasiteTest_RDTBands(t *testing.T) {
	rng := NewStream(2)
	trials := 20000
	var positives int
	for i := 0; i < trials; i++ {
		if ParasiteTest(rng, TestRDT, 10000) {
			positives++
		}
	}
	rate := float64(positives) / float64(trials)
	if rate < 0.99 || rate > 1.0 {
		t.Fatalf("RDT sensitivity at density>=5000 out of expected band: got %f", rate)
	}
}

func TestDecisionTree_AgeAndRandom(t *testing.T) {
	age := NewAgeDecision("age", []string{"under5", "over5"}, []float64{5}, []int{0, 1})
	result := NewInputDecision("result", []string{"negative", "positive"}, InputParasiteTest)
	drug, err := NewRandomDecision("drug", []string{"none", "AL"},
		[]DecisionID{"age", "result"},
		map[DecisionValue][]float64{
			packDeps(age, 0, result, 1): {0.3, 1.0},
			packDeps(age, 1, result, 1): {1.0, 1.0},
			packDeps(age, 0, result, 0): {1.0, 1.0},
			packDeps(age, 1, result, 0): {1.0, 1.0},
		})
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "building random decision", err)
	}
	tree, err := NewTree([]*Decision{age, result, drug})
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "building tree", err)
	}

	rng := NewStream(3)
	var alCount, total int
	const n = 20000
	for i := 0; i < n; i++ {
		packed, err := tree.Evaluate(rng, EvalContext{AgeYears: 2, Severe: false, ParasiteTest: func() bool { return true }})
		if err != nil {
			t.Fatalf(UnexpectedErrorWhileError, "evaluating tree", err)
		}
		name, _ := tree.ValueName(packed, "drug")
		total++
		if name == "AL" {
			alCount++
		}
	}
	rate := float64(alCount) / float64(total)
	if rate < 0.65 || rate > 0.75 {
		t.Fatalf("expected AL rate near 0.7 for under5+positive, got %f", rate)
	}
}

// packDeps builds a dependency-bit key the way NewTree would, for test
// construction before bit offsets are known: assumes age is allocated
// bits [0,1) and result is allocated bits [1,2), matching construction
// order {age, result, drug}.
func packDeps(age *Decision, ageVal int, result *Decision, resultVal int) DecisionValue {
	return DecisionValue(ageVal) | DecisionValue(resultVal)<<1
}

func TestClinicalState_DoomedCounter(t *testing.T) {
	c := NewClinicalState(1.0)
	c.ResolveSevereEpisode(3)
	for i := 0; i < 3; i++ {
		if due := c.TickDoomedCounter(); due {
			t.Fatalf("death fired early at tick %d", i)
		}
	}
	if !c.TickDoomedCounter() {
		t.Fatalf("expected death to fire on the 4th tick (the setting day's own tick does not count)")
	}
}
