// Package deidentify strips identifying fields from REDCap records before
// they are written into PHOENIX.
//
// A field counts as an identifier when its name matches a built-in pattern
// deny list (names, dates of birth, contact details, record identifiers
// like SSN or MRN), when it was marked as an identifier in the study's
// REDCap data dictionary, or when the study config lists it explicitly.
// Identifier values are blanked rather than removed so record shape stays
// stable across exports.
package deidentify

import (
	"sort"
	"strings"
)

// builtinPatterns match identifying field names by substring,
// case-insensitive.
var builtinPatterns = []string{
	"name",
	"dob",
	"birth",
	"address",
	"phone",
	"email",
	"ssn",
	"mrn",
	"contact",
	"initials",
	"zipcode",
	"postal",
}

// keepFields are never scrubbed even if a pattern matches: they key the
// record to the (already pseudonymous) study identifiers.
var keepFields = map[string]bool{
	"record_id":  true,
	"subject_id": true,
	"study_id":   true,
}

// Scrubber blanks identifying fields in REDCap records.
type Scrubber struct {
	exact    map[string]bool
	patterns []string
}

// New creates a Scrubber with the built-in pattern list plus any
// study-specific extra field names (matched exactly, case-insensitive).
func New(extraFields ...string) *Scrubber {
	s := &Scrubber{
		exact:    make(map[string]bool),
		patterns: builtinPatterns,
	}
	for _, f := range extraFields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			s.exact[f] = true
		}
	}
	return s
}

// MarkIdentifiers adds field names flagged as identifiers in the REDCap
// data dictionary to the exact deny list.
func (s *Scrubber) MarkIdentifiers(fields []string) {
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			s.exact[f] = true
		}
	}
}

// IsIdentifier reports whether a field name should be scrubbed.
func (s *Scrubber) IsIdentifier(field string) bool {
	f := strings.ToLower(strings.TrimSpace(field))
	if keepFields[f] {
		return false
	}
	if s.exact[f] {
		return true
	}
	for _, p := range s.patterns {
		if strings.Contains(f, p) {
			return true
		}
	}
	return false
}

// Record returns a scrubbed copy of one record. The original is not
// modified.
func (s *Scrubber) Record(rec map[string]string) map[string]string {
	out := make(map[string]string, len(rec))
	for field, value := range rec {
		if s.IsIdentifier(field) {
			out[field] = ""
		} else {
			out[field] = value
		}
	}
	return out
}

// Records scrubs a full export. Returns the scrubbed records and the
// sorted set of field names that were blanked anywhere in the export.
func (s *Scrubber) Records(records []map[string]string) ([]map[string]string, []string) {
	scrubbedFields := make(map[string]bool)
	out := make([]map[string]string, len(records))

	for i, rec := range records {
		out[i] = make(map[string]string, len(rec))
		for field, value := range rec {
			if s.IsIdentifier(field) {
				out[i][field] = ""
				scrubbedFields[field] = true
			} else {
				out[i][field] = value
			}
		}
	}

	fields := make([]string, 0, len(scrubbedFields))
	for f := range scrubbedFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	return out, fields
}
