package openfalciparum

// ClinicalState is the small per-human clinical record of §3.
type ClinicalState struct {
	LastTreatment    SimTime // Never until first treatment
	PendingEvent     *ClinicalEvent
	SeekingFactor    float64 // treatment-seeking heterogeneity, sampled at birth
	DoomedCounter    int     // >0 counts down to indirect-malaria death
}

// NewClinicalState creates a clinical record with no pending event.
func NewClinicalState(seekingFactor float64) *ClinicalState {
	return &ClinicalState{LastTreatment: Never, SeekingFactor: seekingFactor}
}

// ClinicalEvent records one clinical episode pending emission to the
// survey stream (§3: "last reported clinical event (pending until
// displaced by a new event...)").
type ClinicalEvent struct {
	Time      SimTime
	Severe    bool
	NonMalariaFever bool
	Decision  DecisionValue
}

// ClinicalParams bundles the scenario-supplied pathogenesis thresholds
// (§4.4).
type ClinicalParams struct {
	PyrogenicThreshold    float64
	SevereThreshold       float64
	NonMalariaFeverRate   float64 // not read by Pathogenesis, which takes the probability as an argument; no age modulation is applied
	IndirectDeathDelaySteps int
}

// EpisodeOutcome is the result of one step's pathogenesis check.
type EpisodeOutcome struct {
	Clinical        bool
	Severe          bool
	NonMalariaFever bool
}

// Pathogenesis computes whether a clinical episode fires this step, per
// §4.4: a Bernoulli draw on a probability that is a function of
// timeStepMaxDensity and the human's pyrogenic threshold, classified
// uncomplicated vs severe by a second threshold. Only when no clinical
// episode fired, a non-malaria-fever Bernoulli draw follows, with a
// probability that does not depend on density.
func Pathogenesis(rng *Stream, timeStepMaxDensity float64, p ClinicalParams, nonMalariaFeverProb float64) EpisodeOutcome {
	var out EpisodeOutcome
	if timeStepMaxDensity > 0 {
		pClinical := timeStepMaxDensity / (timeStepMaxDensity + p.PyrogenicThreshold)
		if rng.Bernoulli(pClinical) {
			out.Clinical = true
			pSevere := timeStepMaxDensity / (timeStepMaxDensity + p.SevereThreshold)
			out.Severe = rng.Bernoulli(pSevere)
		}
	}
	if !out.Clinical && nonMalariaFeverProb > 0 {
		out.NonMalariaFever = rng.Bernoulli(nonMalariaFeverProb)
	}
	return out
}

// TestKind distinguishes microscopy from RDT; the sensitivity/specificity
// values below are pinned exactly, not approximated.
type TestKind int

const (
	TestMicroscopy TestKind = iota
	TestRDT
)

// rdtBands are the Murray et al. 2008 density-band sensitivities.
var rdtBandThresholds = []float64{0, 100, 500, 1000, 5000}
var rdtBandSensitivity = []float64{0.539, 0.892, 0.926, 0.992, 0.997}

// ParasiteTest returns whether a diagnostic test is positive for a human
// with the given total parasite density, using the exact sensitivity/
// specificity contract in §4.4.
func ParasiteTest(rng *Stream, kind TestKind, density float64) bool {
	switch kind {
	case TestMicroscopy:
		if density <= 0 {
			return rng.Bernoulli(1 - 0.75) // specificity 0.75 -> false positive rate 0.25
		}
		if density <= 100 {
			return rng.Bernoulli(0.75)
		}
		return rng.Bernoulli(0.90)
	case TestRDT:
		if density <= 0 {
			return rng.Bernoulli(1 - 0.942)
		}
		sens := rdtBandSensitivity[0]
		for i, thr := range rdtBandThresholds {
			if density >= thr {
				sens = rdtBandSensitivity[i]
			}
		}
		return rng.Bernoulli(sens)
	}
	return false
}

// PrescriptionOutcome is what the clinical engine hands the PK/PD engine
// and the event stream after a decision-tree evaluation, per §4.4.
type PrescriptionOutcome struct {
	Doses      []Dose
	Adherence  string
	TestResult bool
	Referred   bool
}

// IndirectMortalityRisk is the neonatal indirect-mortality risk function
// depending on the five-month rolling maternal-prevalence estimate
// (§4.4 "Indirect mortality").
func IndirectMortalityRisk(maternalPrevalence5mo float64, baseline float64) float64 {
	risk := baseline * (1 + 2*maternalPrevalence5mo)
	if risk > 1 {
		risk = 1
	}
	return risk
}

// ResolveSevereEpisode sets the doomed counter so the human dies after
// the configured number of steps, per §4.4's "Indirect mortality" and §8
// scenario 6. It does so for every call unless a countdown is already
// running; no treatment outcome is consulted. The extra
// +1 accounts for TickDoomedCounter being called later in the very same
// Step() that resolves the episode, which would otherwise consume the
// first tick on the setting day and make death fire one step early.
func (c *ClinicalState) ResolveSevereEpisode(delaySteps int) {
	if c.DoomedCounter <= 0 {
		c.DoomedCounter = delaySteps + 1
	}
}

// TickDoomedCounter decrements the counter and reports whether the
// human's indirect death is due this step.
func (c *ClinicalState) TickDoomedCounter() (due bool) {
	if c.DoomedCounter <= 0 {
		return false
	}
	c.DoomedCounter--
	return c.DoomedCounter == 0
}
