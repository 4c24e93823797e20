package openfalciparum

import "sort"

// DecisionValue packs the outcome of every decision in the forest into a
// single 64-bit value, each decision occupying a contiguous, disjoint bit
// range, per §3's Decision tree data model.
type DecisionValue uint64

// DecisionID names one decision in the forest.
type DecisionID string

// decisionKind tags which of the three node types (Age, Random, Input) a
// Decision is, replacing the source tree's class hierarchy with a tagged
// union enumerated once at scenario load (§9 "dynamic dispatch" note).
type decisionKind int

const (
	kindAge decisionKind = iota
	kindRandom
	kindInput
)

// InputKind enumerates the built-ins an Input decision can read.
type InputKind int

const (
	InputSeverity InputKind = iota
	InputParasiteTest
)

// Decision is one node of the forest (§3 Decision tree).
type Decision struct {
	ID     DecisionID
	Kind   decisionKind
	Values []string // this decision's possible output values, in bit order

	bitOffset uint
	bitWidth  uint
	mask      DecisionValue

	// Age decision: sorted upper-bound-in-years -> value index.
	ageBounds []float64
	ageValues []int

	// Random decision: dependencies (by already-placed bit position) and
	// a cumulative-probability vector per combination of dependency
	// outcomes.
	deps        []DecisionID
	depMask     DecisionValue
	cumProbsFor map[DecisionValue][]float64

	// Input decision.
	input InputKind
}

// Tree is the decision forest: an ordered, dependency-topologically-sorted
// list of decisions with precomputed bit layout.
type Tree struct {
	decisions []*Decision
	byID      map[DecisionID]*Decision
}

// NewTree lays out decisions (already given in dependency-topological
// order by the caller/loader) into disjoint bit ranges and precomputes
// each decision's dependency mask.
func NewTree(decisions []*Decision) (*Tree, error) {
	t := &Tree{byID: make(map[DecisionID]*Decision)}
	var offset uint
	for _, d := range decisions {
		width := bitsFor(len(d.Values))
		if offset+width > 64 {
			return nil, RangeErrorf("decision-tree", "decision %q overflows the 64-bit packed value", d.ID)
		}
		d.bitOffset = offset
		d.bitWidth = width
		d.mask = DecisionValue(((uint64(1) << width) - 1) << offset)
		offset += width
		t.decisions = append(t.decisions, d)
		t.byID[d.ID] = d
	}
	for _, d := range t.decisions {
		if d.Kind != kindRandom {
			continue
		}
		var depMask DecisionValue
		for _, depID := range d.deps {
			dep, ok := t.byID[depID]
			if !ok {
				return nil, ScenarioErrorf("decision-tree/"+string(d.ID), "unknown dependency %q", depID)
			}
			depMask |= dep.mask
		}
		d.depMask = depMask
	}
	return t, nil
}

func bitsFor(nValues int) uint {
	if nValues <= 1 {
		return 1
	}
	var w uint
	for (1 << w) < nValues {
		w++
	}
	return w
}

// NewAgeDecision builds an Age decision from a sorted map of
// age-upper-bound (years) to output value index.
func NewAgeDecision(id DecisionID, values []string, bounds []float64, outcomes []int) *Decision {
	return &Decision{ID: id, Kind: kindAge, Values: values, ageBounds: bounds, ageValues: outcomes}
}

// NewInputDecision builds a built-in Input decision.
func NewInputDecision(id DecisionID, values []string, kind InputKind) *Decision {
	return &Decision{ID: id, Kind: kindInput, Values: values, input: kind}
}

// NewRandomDecision builds a Random decision. cumProbsFor maps the
// combined dependency bits (already masked to this decision's
// dependencies) to a cumulative-probability vector over Values; the
// vector's last entry must equal 1.0 within 10^-3 (§8 property 3) and is
// normalised exactly to 1.0 at construction time.
func NewRandomDecision(id DecisionID, values []string, deps []DecisionID, cumProbsFor map[DecisionValue][]float64) (*Decision, error) {
	for key, probs := range cumProbsFor {
		if len(probs) == 0 {
			continue
		}
		last := probs[len(probs)-1]
		if last < 1-1e-3 || last > 1+1e-3 {
			return nil, RangeErrorf("decision-tree/"+string(id), "cumulative probability vector for %v ends at %f, not 1.0+-1e-3", key, last)
		}
		probs[len(probs)-1] = 1.0
	}
	return &Decision{ID: id, Kind: kindRandom, Values: values, deps: deps, cumProbsFor: cumProbsFor}, nil
}

// inputKindByName maps the scenario wire format's input-decision names to
// the built-in InputKind values.
var inputKindByName = map[string]InputKind{
	"severity":     InputSeverity,
	"parasiteTest": InputParasiteTest,
}

// SetRandomOutcome installs one dependency-combination's cumulative
// probability vector on an already-laid-out Random decision (bitOffset
// known, via a prior NewTree call), validating and normalising it the
// same way NewRandomDecision does at construction time. Used by scenario
// translation, which must resolve dependency bit offsets before it can
// express a branch's combined-dependency key.
func (d *Decision) SetRandomOutcome(key DecisionValue, probs []float64) error {
	if len(probs) == 0 {
		return nil
	}
	last := probs[len(probs)-1]
	if last < 1-1e-3 || last > 1+1e-3 {
		return RangeErrorf("decision-tree/"+string(d.ID), "cumulative probability vector for %v ends at %f, not 1.0+-1e-3", key, last)
	}
	probs[len(probs)-1] = 1.0
	if d.cumProbsFor == nil {
		d.cumProbsFor = make(map[DecisionValue][]float64)
	}
	d.cumProbsFor[key] = probs
	return nil
}

// EvalContext supplies what an Input decision needs to read host state.
type EvalContext struct {
	AgeYears      float64
	Severe        bool
	ParasiteTest  func() bool // returns test-positive per §4.4 test semantics
}

// Evaluate walks the forest in construction order (already
// dependency-topologically sorted) and returns the packed DecisionValue.
func (t *Tree) Evaluate(rng *Stream, ctx EvalContext) (DecisionValue, error) {
	var packed DecisionValue
	for _, d := range t.decisions {
		var valueIdx int
		switch d.Kind {
		case kindAge:
			valueIdx = evalAge(d, ctx.AgeYears)
		case kindInput:
			valueIdx = evalInput(d, ctx)
		case kindRandom:
			depBits := packed & d.depMask
			probs, ok := d.cumProbsFor[depBits]
			if !ok {
				return 0, ScenarioErrorf("decision-tree/"+string(d.ID), "no probability vector for dependency combination %d", depBits)
			}
			u := rng.Uniform01()
			valueIdx = len(probs) - 1
			for i, c := range probs {
				if u <= c {
					valueIdx = i
					break
				}
			}
		}
		if valueIdx >= len(d.Values) {
			return 0, RangeErrorf("decision-tree/"+string(d.ID), "value index %d out of range for %d values", valueIdx, len(d.Values))
		}
		packed |= DecisionValue(valueIdx) << d.bitOffset
	}
	return packed, nil
}

// Value extracts a decision's output value index from a packed DecisionValue.
func (t *Tree) Value(packed DecisionValue, id DecisionID) (int, bool) {
	d, ok := t.byID[id]
	if !ok {
		return 0, false
	}
	return int((packed & d.mask) >> d.bitOffset), true
}

// ValueName extracts a decision's output value name.
func (t *Tree) ValueName(packed DecisionValue, id DecisionID) (string, bool) {
	d, ok := t.byID[id]
	if !ok {
		return "", false
	}
	idx := int((packed & d.mask) >> d.bitOffset)
	if idx < 0 || idx >= len(d.Values) {
		return "", false
	}
	return d.Values[idx], true
}

func evalAge(d *Decision, ageYears float64) int {
	i := sort.SearchFloat64s(d.ageBounds, ageYears)
	if i >= len(d.ageValues) {
		i = len(d.ageValues) - 1
	}
	return d.ageValues[i]
}

func evalInput(d *Decision, ctx EvalContext) int {
	switch d.input {
	case InputSeverity:
		if ctx.Severe {
			return 1
		}
		return 0
	case InputParasiteTest:
		if ctx.ParasiteTest != nil && ctx.ParasiteTest() {
			return 1
		}
		return 0
	}
	return 0
}
