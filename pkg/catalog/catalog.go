// Package catalog loads the indicator reference catalogue: the mapping
// from a source indicator UID to its descriptive metadata, used to drive
// extraction.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// LegacyDataset tags indicators belonging to the pre-cutover dataset
// revision; they are only pulled for ranges reaching the cutover date.
const LegacyDataset = "Ver.2023"

// legacyCutover is the last reporting day of the legacy dataset revision.
var legacyCutover = time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

// Spec describes one indicator from the reference catalogue. Immutable
// once loaded; UID is unique within a catalogue snapshot.
type Spec struct {
	UID         string
	Name        string
	Code        string
	ProgramArea string
	Dataset     string
}

// Options filter a loaded catalogue.
type Options struct {
	// ProgramArea filters to one program area; "all" or empty keeps
	// everything.
	ProgramArea string
	// Dataset filters to one dataset when set.
	Dataset string
	// Limit truncates the result to the first n specs when > 0.
	Limit int
}

var header = []string{"indicator_uid", "data_element_name", "data_element_code", "program_area", "dataset"}

// Load reads the CSV catalogue at path.
func Load(path string) ([]Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalogue: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a catalogue from r. The first record must be the header.
func Read(r io.Reader) ([]Spec, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	first, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue header: %w", err)
	}
	if len(first) < len(header) {
		return nil, fmt.Errorf("catalogue header has %d columns, want %d", len(first), len(header))
	}
	for i, want := range header {
		if strings.TrimSpace(first[i]) != want {
			return nil, fmt.Errorf("catalogue column %d is %q, want %q", i, first[i], want)
		}
	}

	seen := make(map[string]struct{})
	var specs []Spec
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read catalogue row: %w", err)
		}
		spec := Spec{
			UID:         strings.TrimSpace(rec[0]),
			Name:        strings.TrimSpace(rec[1]),
			Code:        strings.TrimSpace(rec[2]),
			ProgramArea: strings.TrimSpace(rec[3]),
			Dataset:     strings.TrimSpace(rec[4]),
		}
		if spec.UID == "" {
			continue
		}
		if _, dup := seen[spec.UID]; dup {
			return nil, fmt.Errorf("duplicate indicator UID %q in catalogue", spec.UID)
		}
		seen[spec.UID] = struct{}{}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Filter applies opts to specs, preserving order.
func Filter(specs []Spec, opts Options) []Spec {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		if opts.ProgramArea != "" && opts.ProgramArea != "all" && s.ProgramArea != opts.ProgramArea {
			continue
		}
		if opts.Dataset != "" && s.Dataset != opts.Dataset {
			continue
		}
		out = append(out, s)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Eligible reports whether spec may be extracted for a range ending at
// rangeEnd. Legacy-dataset indicators are excluded when the range ends
// before the cutover date.
func Eligible(spec Spec, rangeEnd time.Time) bool {
	if spec.Dataset != LegacyDataset {
		return true
	}
	return !rangeEnd.Before(legacyCutover)
}
