package openfalciparum

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CheckpointHeader is the fixed magic/version preamble of a checkpoint
// stream (§6 "Checkpoint format": "a self-describing binary stream
// preceded by a fixed magic/version header").
type CheckpointHeader struct {
	Magic   [8]byte
	Version uint32
}

var checkpointMagic = [8]byte{'O', 'F', 'A', 'L', 'C', 'H', 'K', 'P'}

const checkpointVersion = 1

// CheckpointState is the full set of fields emitted in the fixed order
// required by §6: "command-line options, static demography,
// continuous-output offset, s_interv, end-time, estimated-end-time, the
// transmission model, the population vector, the intervention manager,
// global current and previous simulation times, and finally the RNG
// state. The intervention manager is reloaded last so it may reuse any
// state already restored."
type CheckpointState struct {
	CLIOptions            map[string]string
	Demography            DemographySnapshot
	ContinuousOutputOffset int64
	SInterv               int
	EndTime               SimTime
	EstimatedEndTime      SimTime
	Species               []SpeciesSnapshot
	Population            []HumanSnapshot
	InterventionState     map[string][]byte
	CurrentTime           SimTime
	PreviousTime          SimTime
	RNG                   State
}

// DemographySnapshot is the static, read-only demography table
// reproduced verbatim on restore (it is never mutated at run time, so a
// single struct copy suffices; see §9 "global mutable state").
type DemographySnapshot struct {
	AgeGroupBounds []float64
	MaxAgeYears    float64
}

// SpeciesSnapshot captures one species' full delay-array state.
type SpeciesSnapshot struct {
	Params     SpeciesParams
	NG         int
	PA, PDf, PDff []float64
	PDif       [][]float64
	Nv         []float64
	Ov, Sv     [][]float64
	Emergence  EmergenceKind
	Nv0        [365]float64
	DevDurDays int
	FEggs      float64
	Survival   float64
	Day        int
}

// HumanSnapshot is the gob-serialisable projection of a Human, in
// population order (order is part of the reproducibility contract,
// §3/§5).
type HumanSnapshot struct {
	ID             string
	Birth          SimTime
	Dead           bool
	Infections     []Infection
	CumulativeInfections int
	CumExposureX   float64
	CumInoculationsH int
	Innate         float64
	PatentCount    int
	RecentDensities []float64
	LastTreatment  SimTime
	SeekingFactor  float64
	DoomedCounter  int
	PendingEvent   *ClinicalEvent
	Availability   float64
	PKDrugs        map[DrugID]*DrugConcentration
	Subpopulations map[string]SimTime
	AgeGroup       int
}

// SnapshotSpecies captures a Species for checkpointing.
func SnapshotSpecies(s *Species) SpeciesSnapshot {
	return SpeciesSnapshot{
		Params: s.Params, NG: s.NG,
		PA: append([]float64(nil), s.PA...),
		PDf: append([]float64(nil), s.PDf...),
		PDff: append([]float64(nil), s.PDff...),
		PDif: copyMatrix(s.PDif),
		Nv: append([]float64(nil), s.Nv...),
		Ov: copyMatrix(s.Ov),
		Sv: copyMatrix(s.Sv),
		Emergence: s.Emergence, Nv0: s.Nv0,
		DevDurDays: s.DevDurDays, FEggs: s.FEggs, Survival: s.Survival,
		Day: s.day,
	}
}

// RestoreSpecies rebuilds a live Species from a snapshot.
func RestoreSpecies(snap SpeciesSnapshot) *Species {
	s := NewSpecies(snap.Params, snap.NG)
	s.PA = append([]float64(nil), snap.PA...)
	s.PDf = append([]float64(nil), snap.PDf...)
	s.PDff = append([]float64(nil), snap.PDff...)
	s.PDif = copyMatrix(snap.PDif)
	s.Nv = append([]float64(nil), snap.Nv...)
	s.Ov = copyMatrix(snap.Ov)
	s.Sv = copyMatrix(snap.Sv)
	s.Emergence = snap.Emergence
	s.Nv0 = snap.Nv0
	s.DevDurDays = snap.DevDurDays
	s.FEggs = snap.FEggs
	s.Survival = snap.Survival
	s.day = snap.Day
	return s
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// SnapshotHuman captures a Human for checkpointing.
func SnapshotHuman(h *Human) HumanSnapshot {
	return HumanSnapshot{
		ID:                   h.ID.String(),
		Birth:                h.Birth,
		Dead:                 h.Dead,
		Infections:           append([]Infection(nil), h.WithinHost.Infections...),
		CumulativeInfections: h.WithinHost.CumulativeInfections,
		CumExposureX:         h.WithinHost.CumExposureX,
		CumInoculationsH:     h.WithinHost.CumInoculationsH,
		Innate:               h.WithinHost.Innate,
		PatentCount:          h.WithinHost.PatentCount,
		RecentDensities:      append([]float64(nil), h.WithinHost.recentDensities...),
		LastTreatment:        h.Clinical.LastTreatment,
		SeekingFactor:        h.Clinical.SeekingFactor,
		DoomedCounter:        h.Clinical.DoomedCounter,
		PendingEvent:         h.Clinical.PendingEvent,
		Availability:         h.Availability,
		PKDrugs:              h.PKPD.Drugs,
		Subpopulations:       h.Subpopulations,
		AgeGroup:             h.AgeGroup,
	}
}

// CheckpointManager implements §6's alternating two-file scheme: writes
// go to whichever of two files is not current, and a small text index
// file records which one is latest. An incomplete checkpoint on restart
// is tolerated by falling back to the previous index.
type CheckpointManager struct {
	dir       string
	baseName  string
}

// NewCheckpointManager returns a manager writing `<baseName>.0`,
// `<baseName>.1` and `<baseName>.index` under dir.
func NewCheckpointManager(dir, baseName string) *CheckpointManager {
	return &CheckpointManager{dir: dir, baseName: baseName}
}

func (m *CheckpointManager) filePath(slot int) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%d", m.baseName, slot))
}

func (m *CheckpointManager) indexPath() string {
	return filepath.Join(m.dir, m.baseName+".index")
}

// currentSlot reads the index file; returns -1 if absent (no checkpoint yet).
func (m *CheckpointManager) currentSlot() int {
	data, err := os.ReadFile(m.indexPath())
	if err != nil {
		return -1
	}
	slot, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1
	}
	return slot
}

// Write serialises state to the non-current slot and, only once that
// file is fully written and closed, rewrites the index to point at it.
// The index rewrite is a plain file write, not an atomic rename.
func (m *CheckpointManager) Write(state CheckpointState) error {
	cur := m.currentSlot()
	next := 1 - cur
	if cur < 0 {
		next = 0
	}
	path := m.filePath(next)
	f, err := os.Create(path)
	if err != nil {
		return IOErrorf("checkpoint", "creating %s: %v", path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	if _, err := gz.Write(checkpointMagic[:]); err != nil {
		return IOErrorf("checkpoint", "writing magic: %v", err)
	}
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(CheckpointHeader{Magic: checkpointMagic, Version: checkpointVersion}); err != nil {
		return CheckpointErrorf("header", "encoding: %v", err)
	}
	if err := enc.Encode(state); err != nil {
		return CheckpointErrorf("state", "encoding: %v", err)
	}
	if err := gz.Close(); err != nil {
		return IOErrorf("checkpoint", "closing gzip stream: %v", err)
	}
	if err := f.Close(); err != nil {
		return IOErrorf("checkpoint", "closing %s: %v", path, err)
	}
	if err := os.WriteFile(m.indexPath(), []byte(strconv.Itoa(next)), 0o644); err != nil {
		return IOErrorf("checkpoint", "updating index: %v", err)
	}
	return nil
}

// Load reads the latest checkpoint, falling back to the previous slot
// if the latest is truncated or corrupt (§6 "An incomplete checkpoint
// file on restart is tolerated by falling back to the previous index").
func (m *CheckpointManager) Load() (CheckpointState, error) {
	cur := m.currentSlot()
	if cur < 0 {
		return CheckpointState{}, CheckpointErrorf("index", "no checkpoint index found in %s", m.dir)
	}
	state, err := m.loadSlot(cur)
	if err == nil {
		return state, nil
	}
	fallback := 1 - cur
	state, fbErr := m.loadSlot(fallback)
	if fbErr != nil {
		return CheckpointState{}, CheckpointErrorf("checkpoint", "both slots unreadable: %v / %v", err, fbErr)
	}
	return state, nil
}

func (m *CheckpointManager) loadSlot(slot int) (CheckpointState, error) {
	f, err := os.Open(m.filePath(slot))
	if err != nil {
		return CheckpointState{}, IOErrorf("checkpoint", "opening slot %d: %v", slot, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return CheckpointState{}, CheckpointErrorf("checkpoint", "slot %d is not a valid gzip stream: %v", slot, err)
	}
	defer gz.Close()

	magic := make([]byte, 8)
	if _, err := io.ReadFull(gz, magic); err != nil {
		return CheckpointState{}, CheckpointErrorf("magic", "slot %d truncated: %v", slot, err)
	}
	if string(magic) != string(checkpointMagic[:]) {
		return CheckpointState{}, CheckpointErrorf("magic", "slot %d has wrong magic bytes", slot)
	}

	dec := gob.NewDecoder(gz)
	var header CheckpointHeader
	if err := dec.Decode(&header); err != nil {
		return CheckpointState{}, CheckpointErrorf("header", "slot %d: %v", slot, err)
	}
	if header.Version != checkpointVersion {
		return CheckpointState{}, CheckpointErrorf("version", "slot %d has version %d, expected %d", slot, header.Version, checkpointVersion)
	}
	var state CheckpointState
	if err := dec.Decode(&state); err != nil {
		return CheckpointState{}, CheckpointErrorf("state", "slot %d: %v", slot, err)
	}
	return state, nil
}
