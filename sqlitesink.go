package openfalciparum

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSurveySink is an optional side-archive for survey output, a
// table-per-concern SQLite sink layered on top of the mandatory
// text-stream outputs. Enabled by a deployment-specific flag outside
// the core's own CLI surface (§6 lists only the text-stream outputs as
// the core contract; this is an additional sink layered on top).
type SQLiteSurveySink struct {
	db *sql.DB
}

// NewSQLiteSurveySink opens (creating if absent) a SQLite database at
// path and ensures the survey table exists.
func NewSQLiteSurveySink(path string) (*SQLiteSurveySink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, IOErrorf("sqlite-sink", "opening %s: %v", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS survey (
	survey_index INTEGER NOT NULL,
	age_cohort_id INTEGER NOT NULL,
	measure_id INTEGER NOT NULL,
	value TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, IOErrorf("sqlite-sink", "creating schema: %v", err)
	}
	return &SQLiteSurveySink{db: db}, nil
}

// WriteRow inserts one survey row, mirroring the tab-separated text
// format's four fields (§6 "Output files").
func (s *SQLiteSurveySink) WriteRow(surveyIndex, ageCohortID int, measure MeasureID, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO survey (survey_index, age_cohort_id, measure_id, value) VALUES (?, ?, ?, ?)`,
		surveyIndex, ageCohortID, int(measure), value,
	)
	if err != nil {
		return IOErrorf("sqlite-sink", "inserting row: %v", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteSurveySink) Close() error {
	if err := s.db.Close(); err != nil {
		return IOErrorf("sqlite-sink", "closing: %v", err)
	}
	return nil
}

// DumpState writes one row per ring-buffer slot of a species' N_v array
// to a state_dump table in the sink's database. Only N_v is dumped, and
// nothing in the package calls DumpState: numerical errors are returned
// without a state dump.
func (s *SQLiteSurveySink) DumpState(label string, sp *Species) error {
	const schema = `CREATE TABLE IF NOT EXISTS state_dump (label TEXT, day INTEGER, nv REAL);`
	if _, err := s.db.Exec(schema); err != nil {
		return IOErrorf("sqlite-sink", "creating dump schema: %v", err)
	}
	for i, nv := range sp.Nv {
		if _, err := s.db.Exec(`INSERT INTO state_dump (label, day, nv) VALUES (?, ?, ?)`, fmt.Sprintf("%s-%d", label, i), i, nv); err != nil {
			return IOErrorf("sqlite-sink", "inserting dump row: %v", err)
		}
	}
	return nil
}
