package openfalciparum

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
)

// MeasureID is a stable, closed enumeration of survey measures (§6
// "Measure ids are a stable closed enumeration, with discontinued ids
// reserved (never reused)"). Gaps in the sequence are deliberate: they
// mark ids retired by earlier scenario schema versions.
type MeasureID int

const (
	MeasureHosts MeasureID = iota + 1
	MeasurePatentHosts
	MeasureInfections
	MeasureCumulativeInfections
	_ // reserved: retired "expected infections" measure, schema v20 and earlier
	MeasureClinicalEpisodes
	MeasureSevereEpisodes
	MeasureIndirectDeaths
	MeasureEIR
	_ // reserved: retired "ETS infections" measure
	MeasureTreatments
)

// surveyKey indexes one accumulator cell: (measure, age group, cohort set).
type surveyKey struct {
	measure    MeasureID
	ageGroup   int
	cohortSet  int
}

// SurveyBuffer is the table of accumulators flushed at each configured
// survey time (§3 "Survey buffer").
type SurveyBuffer struct {
	surveyTimes map[SimTime]int // time -> 1-based survey index
	intAcc      map[surveyKey]int64
	floatAcc    map[surveyKey]float64
	out         io.Writer
	compress    bool
	gz          *gzip.Writer
}

// NewSurveyBuffer creates a buffer that flushes to w at the given
// survey times, in ascending order (1-based survey index assigned by
// position). If compress is true, w is wrapped in a gzip stream and the
// caller is responsible for closing the buffer via Close.
func NewSurveyBuffer(w io.Writer, surveyTimes []SimTime, compress bool) *SurveyBuffer {
	times := make(map[SimTime]int, len(surveyTimes))
	for i, t := range surveyTimes {
		times[t] = i + 1
	}
	sb := &SurveyBuffer{
		surveyTimes: times,
		intAcc:      make(map[surveyKey]int64),
		floatAcc:    make(map[surveyKey]float64),
		compress:    compress,
	}
	if compress {
		sb.gz = gzip.NewWriter(w)
		sb.out = sb.gz
	} else {
		sb.out = w
	}
	return sb
}

// DueAt reports whether now is a configured survey boundary.
func (s *SurveyBuffer) DueAt(now SimTime) bool {
	_, ok := s.surveyTimes[now]
	return ok
}

// Increment adds 1 to an integer measure's accumulator for the default
// (zero) cohort set.
func (s *SurveyBuffer) Increment(measure MeasureID, ageGroup int, now SimTime) {
	s.AddInt(measure, ageGroup, 0, 1)
}

// AddInt accumulates an integer-valued measure.
func (s *SurveyBuffer) AddInt(measure MeasureID, ageGroup, cohortSet int, delta int64) {
	k := surveyKey{measure, ageGroup, cohortSet}
	s.intAcc[k] += delta
}

// AddFloat accumulates a real-valued measure (e.g. summed EIR).
func (s *SurveyBuffer) AddFloat(measure MeasureID, ageGroup, cohortSet int, delta float64) {
	k := surveyKey{measure, ageGroup, cohortSet}
	s.floatAcc[k] += delta
}

// Flush writes every non-zero accumulator as one tab-separated row
// `<surveyIndex>\t<ageCohortId>\t<measureId>\t<value>\n` (§6 "Output
// files"), in a deterministic key order, then clears the accumulators
// for the next reporting interval.
func (s *SurveyBuffer) Flush(now SimTime) error {
	idx, ok := s.surveyTimes[now]
	if !ok {
		return ScenarioErrorf("survey", "Flush called at non-survey time %d", now)
	}
	bw := bufio.NewWriter(s.out)

	type row struct {
		key surveyKey
		val string
	}
	var rows []row
	for k, v := range s.intAcc {
		if v != 0 {
			rows = append(rows, row{k, fmt.Sprintf("%d", v)})
		}
	}
	for k, v := range s.floatAcc {
		if v != 0 {
			rows = append(rows, row{k, fmt.Sprintf("%g", v)})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].key, rows[j].key
		if a.cohortSet != b.cohortSet {
			return a.cohortSet < b.cohortSet
		}
		if a.ageGroup != b.ageGroup {
			return a.ageGroup < b.ageGroup
		}
		return a.measure < b.measure
	})
	for _, r := range rows {
		ageCohortID := 1000*r.key.cohortSet + r.key.ageGroup + 1
		if _, err := fmt.Fprintf(bw, "%d\t%d\t%d\t%s\n", idx, ageCohortID, r.key.measure, r.val); err != nil {
			return IOErrorf("survey-output", "writing survey row: %v", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return IOErrorf("survey-output", "flushing survey writer: %v", err)
	}
	s.intAcc = make(map[surveyKey]int64)
	s.floatAcc = make(map[surveyKey]float64)
	return nil
}

// Close flushes and closes the underlying gzip stream, if compression
// is enabled; a no-op otherwise.
func (s *SurveyBuffer) Close() error {
	if s.gz != nil {
		return s.gz.Close()
	}
	return nil
}

// ContinuousOutput writes the tab-separated continuous-output stream
// (§6): a fixed `##\t##` header line, a column-title line, then one line
// per sampled step.
type ContinuousOutput struct {
	w       *bufio.Writer
	started bool
	columns []string
}

// NewContinuousOutput wraps w and remembers the column titles to emit
// on first use.
func NewContinuousOutput(w io.Writer, columns []string) *ContinuousOutput {
	return &ContinuousOutput{w: bufio.NewWriter(w), columns: columns}
}

// WriteRow emits the header (on first call) then one row of values.
func (c *ContinuousOutput) WriteRow(values []string) error {
	if !c.started {
		if _, err := c.w.WriteString("##\t##\n"); err != nil {
			return IOErrorf("continuous-output", "writing header: %v", err)
		}
		for i, col := range c.columns {
			if i > 0 {
				if _, err := c.w.WriteString("\t"); err != nil {
					return IOErrorf("continuous-output", "writing column titles: %v", err)
				}
			}
			if _, err := c.w.WriteString(col); err != nil {
				return IOErrorf("continuous-output", "writing column titles: %v", err)
			}
		}
		if _, err := c.w.WriteString("\n"); err != nil {
			return IOErrorf("continuous-output", "writing column titles: %v", err)
		}
		c.started = true
	}
	for i, v := range values {
		if i > 0 {
			if _, err := c.w.WriteString("\t"); err != nil {
				return IOErrorf("continuous-output", "writing row: %v", err)
			}
		}
		if _, err := c.w.WriteString(v); err != nil {
			return IOErrorf("continuous-output", "writing row: %v", err)
		}
	}
	_, err := c.w.WriteString("\n")
	if err != nil {
		return IOErrorf("continuous-output", "writing row: %v", err)
	}
	return c.w.Flush()
}
