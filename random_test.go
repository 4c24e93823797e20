package openfalciparum

import "testing"

func TestStream_Uniform01Range(t *testing.T) {
	s := NewStream(42)
	for i := 0; i < 1000; i++ {
		v := s.Uniform01()
		if v < 0 || v >= 1 {
			t.Fatalf("Uniform01 returned out-of-range value %f", v)
		}
	}
}

func TestStream_CheckpointRoundTrip(t *testing.T) {
	s := NewStream(7)
	for i := 0; i < 50; i++ {
		_ = s.Uniform01()
		_ = s.Poisson(3.2)
		_ = s.Normal(0, 1)
	}
	snap := s.Snapshot()

	straight := make([]float64, 20)
	for i := range straight {
		straight[i] = s.Uniform01()
	}

	restored := Restore(snap)
	resumed := make([]float64, 20)
	for i := range resumed {
		resumed[i] = restored.Uniform01()
	}

	for i := range straight {
		if straight[i] != resumed[i] {
			t.Fatalf(UnequalFloatParameterError, "resumed draw", straight[i], resumed[i])
		}
	}
}

func TestStream_Bernoulli_Extremes(t *testing.T) {
	s := NewStream(1)
	for i := 0; i < 100; i++ {
		if s.Bernoulli(0) {
			t.Fatalf("Bernoulli(0) returned true")
		}
	}
	for i := 0; i < 100; i++ {
		if !s.Bernoulli(1) {
			t.Fatalf("Bernoulli(1) returned false")
		}
	}
}

func TestState_BinaryRoundTrip(t *testing.T) {
	st := State{Seed: 123456789, Draws: 987654321}
	data, err := st.MarshalBinary()
	if err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "marshalling state", err)
	}
	var out State
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf(UnexpectedErrorWhileError, "unmarshalling state", err)
	}
	if out != st {
		t.Fatalf("round-tripped state %+v does not match original %+v", out, st)
	}
}
