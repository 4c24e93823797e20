package openfalciparum

import (
	"os"
	"reflect"
	"testing"
)

func testCheckpointState() CheckpointState {
	sp := NewSpecies(testSpeciesParams(), 1)
	for d := 0; d < daysPerYear; d++ {
		sp.Nv0[d] = 500
	}
	_, _ = sp.Step(DayAggregates{SumAvail: 10, SigmaDf: 5, SigmaDif: []float64{1}, SigmaDff: 4})

	return CheckpointState{
		CLIOptions:             map[string]string{"scenario": "test.xml"},
		Demography:             DemographySnapshot{AgeGroupBounds: []float64{1, 5, 15, 100}, MaxAgeYears: 100},
		ContinuousOutputOffset: 42,
		SInterv:                3,
		EndTime:                SimTime(3650),
		EstimatedEndTime:       SimTime(3650),
		Species:                []SpeciesSnapshot{SnapshotSpecies(sp)},
		Population: []HumanSnapshot{{
			ID:            "test-human",
			Birth:         0,
			LastTreatment: Never,
			SeekingFactor: 1.0,
		}},
		InterventionState: map[string][]byte{"itn": {1, 2, 3}},
		CurrentTime:       SimTime(100),
		PreviousTime:      SimTime(99),
		RNG:               State{Seed: 7, Draws: 1234},
	}
}

func TestCheckpointManager_WriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr := NewCheckpointManager(dir, "run")

	want := testCheckpointState()
	if err := mgr.Write(want); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "writing checkpoint", err)
	}

	got, err := mgr.Load()
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "loading checkpoint", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round-tripped checkpoint state does not match original:\nwant=%+v\ngot=%+v", want, got)
	}
}

func TestCheckpointManager_AlternatesSlotsAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	mgr := NewCheckpointManager(dir, "run")

	first := testCheckpointState()
	first.CurrentTime = 100
	if err := mgr.Write(first); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "writing first checkpoint", err)
	}
	slotAfterFirst := mgr.currentSlot()

	second := testCheckpointState()
	second.CurrentTime = 200
	if err := mgr.Write(second); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "writing second checkpoint", err)
	}
	slotAfterSecond := mgr.currentSlot()

	if slotAfterFirst == slotAfterSecond {
		t.Fatalf("expected consecutive writes to alternate slots, both landed on slot %d", slotAfterSecond)
	}

	got, err := mgr.Load()
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "loading latest checkpoint", err)
	}
	if got.CurrentTime != 200 {
		t.Fatalf(UnequalIntParameterError, "loaded checkpoint's current time", 200, int(got.CurrentTime))
	}
}

func TestCheckpointManager_FallsBackWhenLatestSlotCorrupt(t *testing.T) {
	dir := t.TempDir()
	mgr := NewCheckpointManager(dir, "run")

	good := testCheckpointState()
	good.CurrentTime = 50
	if err := mgr.Write(good); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "writing first checkpoint", err)
	}

	bad := testCheckpointState()
	bad.CurrentTime = 75
	if err := mgr.Write(bad); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "writing second checkpoint", err)
	}

	corruptSlot := mgr.currentSlot()
	if err := os.WriteFile(mgr.filePath(corruptSlot), []byte("not a valid gzip stream"), 0o644); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "corrupting latest slot", err)
	}

	got, err := mgr.Load()
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "loading after corruption", err)
	}
	if got.CurrentTime != 50 {
		t.Fatalf(UnequalIntParameterError, "current time recovered via fallback slot", 50, int(got.CurrentTime))
	}
}
