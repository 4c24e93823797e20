package openfalciparum

import (
	"encoding/xml"
	"fmt"
	"io"
)

// scenarioSupportedSchemaVersion is the highest schema version this core
// understands (§6: "If the document's schema version is lower than the
// core's, the core emits a warning and proceeds; if higher, the core
// aborts").
const scenarioSupportedSchemaVersion = 32

// ScenarioDocument is the root of the XML scenario document (§6
// "Scenario input"). Only the fields the core reads are modelled; the
// age-pyramid estimator and output-formatting collaborators consume the
// rest of the document independently, per §1's "OUT of scope" boundary.
type ScenarioDocument struct {
	XMLName       xml.Name             `xml:"scenario"`
	SchemaVersion int                  `xml:"schemaVersion,attr"`
	Name          string               `xml:"name,attr"`
	Demography    ScenarioDemography   `xml:"demography"`
	Entomology    ScenarioEntomology   `xml:"entomology"`
	WithinHost    ScenarioWithinHost   `xml:"model>parameters>withinHost"`
	Drugs         []ScenarioDrug       `xml:"interventions>drugDescription>drug"`
	Decisions     []ScenarioDecision   `xml:"model>clinical>decisionTree>decision"`
	Interventions []ScenarioIntervention `xml:"interventions>intervention"`
	Monitoring    ScenarioMonitoring   `xml:"monitoring"`
}

type ScenarioDemography struct {
	MaximumAgeYears float64              `xml:"maximumAgeYrs,attr"`
	PopulationSize  int                  `xml:"popSize,attr"`
	AgeGroups       []ScenarioAgeGroup   `xml:"ageGroup>group"`
}

type ScenarioAgeGroup struct {
	UpperBound float64 `xml:"upperbound,attr"`
	Proportion float64 `xml:"poppercent,attr"`
}

type ScenarioEntomology struct {
	Mode          string                `xml:"mode,attr"` // "forcedEIR" or "vector"
	ForcedEIR     []float64             `xml:"nonVector>EIRDaily"`
	Species       []ScenarioSpecies     `xml:"vector>anopheles"`
	AnnualEIR     float64               `xml:"vector>EIRDaily>annual"`
}

type ScenarioSpecies struct {
	Name       string  `xml:"mosquito,attr"`
	ThetaD     float64 `xml:"mosqSeekingDuration"`
	Tau        int     `xml:"feedingCycleLength"`
	ThetaS     int     `xml:"extrinsicIncubationPeriod"`
	PB, PC, PD, PE float64
	MuVA       float64 `xml:"mosqSeekingDeathRate"`
	Chi        float64 `xml:"mosqHumanBloodIndex"`
	FourierA0  float64 `xml:"seasonality>fourierSeries>a0"`
	FourierCoeffs []float64 `xml:"seasonality>fourierSeries>coeffic"`
	EIRRotateAngle float64 `xml:"seasonality>fourierSeries>EIRRotateAngle"`
}

type ScenarioWithinHost struct {
	Variant        string  `xml:"variant,attr"`
	SigmaBase2     float64 `xml:"sigma0sq"`
	DetectionLimit float64 `xml:"detectionLimit"`
	XScale         float64 `xml:"Xstar_p"`
	HScale         float64 `xml:"Estar"`
}

type ScenarioDrug struct {
	Abbrev string             `xml:"abbrev,attr"`
	PK     ScenarioDrugPK     `xml:"PK"`
	PD     []ScenarioDrugPD   `xml:"PD>phenotype"`
}

type ScenarioDrugPK struct {
	Kind         string  `xml:"model,attr"`
	HalfLife     float64 `xml:"halfLife"`
	Vd           float64 `xml:"Vd"`
}

type ScenarioDrugPD struct {
	Phenotype string  `xml:"name,attr"`
	V         float64 `xml:"slope"`
	K         float64 `xml:"IC50"`
	N         float64 `xml:"n"`
}

type ScenarioDecision struct {
	Name   string   `xml:"name,attr"`
	Kind   string   `xml:"kind,attr"` // "age", "random", "input"
	Values []string `xml:"value"`

	// Age decision: parallel ageBound/outcome lists, per decision.go's
	// NewAgeDecision (sorted upper-bound-in-years -> output value index).
	AgeBounds []float64 `xml:"ageBound"`
	Outcomes  []int     `xml:"outcome"`

	// Input decision: name of a built-in (see inputKindByName).
	Input string `xml:"input,attr"`

	// Random decision: dependency decision names, in the order each
	// branch's <when> values are given, and one branch per combination
	// of dependency outcomes actually enumerated by the scenario.
	DependsOn []string                 `xml:"dependsOn>on"`
	Branches  []ScenarioDecisionBranch `xml:"branch"`
}

// ScenarioDecisionBranch is one Random decision's cumulative-probability
// vector for a single combination of its dependencies' outcome indices.
type ScenarioDecisionBranch struct {
	When     []int     `xml:"when"`
	CumProbs []float64 `xml:"cumProb"`
}

type ScenarioIntervention struct {
	Name string  `xml:"name,attr"`
	Time SimTime `xml:"time,attr"`
}

type ScenarioMonitoring struct {
	SurveyTimes []SimTime `xml:"surveys>surveyTime"`
	AgeGroups   []float64 `xml:"ageGroup>group"`
}

// LoadScenario parses an XML scenario document from r, validating the
// schema version per §6's warning/abort rule. A schema-lag warning is
// returned as a non-nil *Warning alongside a usable document; a
// too-high schema version is a fatal ScenarioErrorf.
func LoadScenario(r io.Reader) (*ScenarioDocument, *Warning, error) {
	var doc ScenarioDocument
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, ScenarioErrorf("/scenario", "malformed XML: %v", err)
	}
	if doc.SchemaVersion > scenarioSupportedSchemaVersion {
		return nil, nil, ScenarioErrorf("/scenario/@schemaVersion", "schema version %d is newer than the %d this core supports", doc.SchemaVersion, scenarioSupportedSchemaVersion)
	}
	var warn *Warning
	if doc.SchemaVersion < scenarioSupportedSchemaVersion {
		warn = &Warning{Message: fmt.Sprintf("scenario schema version %d is older than %d; proceeding", doc.SchemaVersion, scenarioSupportedSchemaVersion)}
	}
	return &doc, warn, nil
}

// WriteScenario serialises doc back to XML, used by the round-trip test
// in §8 ("Loading a scenario, writing it back out unchanged ... and
// reloading yields a byte-identical internal representation").
func WriteScenario(w io.Writer, doc *ScenarioDocument) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return IOErrorf("scenario-output", "encoding scenario: %v", err)
	}
	return nil
}

// Warning is a non-fatal diagnostic per §7 ("Warnings (deprecated
// features, schema version lag) are written to standard error and the
// run continues").
type Warning struct {
	Message string
}

func (w *Warning) Error() string { return w.Message }

