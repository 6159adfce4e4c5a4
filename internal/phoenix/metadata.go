package phoenix

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"
)

// Subject is one row of a study metadata file: a participant with consent
// information and per-source identifiers.
type Subject struct {
	Study   string
	ID      string
	Active  bool
	Consent time.Time

	// Sources maps a lowercase source name ("beiwe", "dropbox", "redcap")
	// to the identifiers this subject has on that source.
	Sources map[string][]SourceID
}

// SourceID is one identifier on an external source. Label distinguishes
// multiple accounts or projects within the same source
// (e.g. dropbox label "mclean" selects the dropbox.mclean config section).
type SourceID struct {
	Label string
	ID    string
}

// fixed metadata columns; any other column is a source column
const (
	colActive    = "active"
	colConsent   = "consent"
	colSubjectID = "subject id"
)

// LoadMetadata parses a study metadata CSV.
//
// The file has a header row with "Active", "Consent" and "Subject ID"
// columns plus one column per source. Source cells hold
// "label:identifier" pairs separated by semicolons; the label may be
// omitted when the source has a single account.
func LoadMetadata(path, study string) ([]Subject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata file %s: %w", path, err)
	}

	if len(records) < 1 {
		return nil, fmt.Errorf("metadata file %s is empty", path)
	}

	header := records[0]
	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[strings.ToLower(strings.TrimSpace(name))] = i
	}

	for _, required := range []string{colActive, colConsent, colSubjectID} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("metadata file %s is missing column %q", path, required)
		}
	}

	var subjects []Subject
	for rowNum, row := range records[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("metadata file %s row %d has %d fields, expected %d",
				path, rowNum+2, len(row), len(header))
		}

		subject := Subject{
			Study:   study,
			ID:      strings.TrimSpace(row[colIndex[colSubjectID]]),
			Sources: make(map[string][]SourceID),
		}
		if subject.ID == "" {
			continue
		}

		subject.Active = parseActive(row[colIndex[colActive]])

		consentRaw := strings.TrimSpace(row[colIndex[colConsent]])
		if consentRaw != "" {
			consent, err := time.Parse("2006-01-02", consentRaw)
			if err != nil {
				return nil, fmt.Errorf("metadata file %s row %d: bad consent date %q: %w",
					path, rowNum+2, consentRaw, err)
			}
			subject.Consent = consent
		}

		for i, name := range header {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == colActive || key == colConsent || key == colSubjectID {
				continue
			}
			ids := parseSourceCell(row[i])
			if len(ids) > 0 {
				subject.Sources[key] = ids
			}
		}

		subjects = append(subjects, subject)
	}

	return subjects, nil
}

// parseActive accepts 1/0, true/false, yes/no. Anything else reads as
// inactive.
func parseActive(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// parseSourceCell splits "label:id;label:id" cells. A bare identifier
// without a colon gets an empty label.
func parseSourceCell(cell string) []SourceID {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}

	var ids []SourceID
	for _, part := range strings.Split(cell, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if label, id, found := strings.Cut(part, ":"); found {
			ids = append(ids, SourceID{Label: strings.TrimSpace(label), ID: strings.TrimSpace(id)})
		} else {
			ids = append(ids, SourceID{ID: part})
		}
	}
	return ids
}

// Subjects loads the metadata file for a study and returns its active
// subjects.
func (p *Phoenix) Subjects(study string) ([]Subject, error) {
	all, err := LoadMetadata(p.MetadataPath(study), study)
	if err != nil {
		return nil, err
	}

	var active []Subject
	for _, s := range all {
		if s.Active {
			active = append(active, s)
		}
	}
	return active, nil
}
