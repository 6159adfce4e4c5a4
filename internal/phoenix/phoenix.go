// Package phoenix models the PHOENIX filesystem hierarchy that receives
// downloaded study data.
//
// The layout has two branches under the root: GENERAL for data that may be
// shared, and PROTECTED for data requiring restricted access. Each branch
// holds per-study, per-subject, per-datatype directories:
//
//	PHOENIX/
//	  GENERAL/
//	    StudyA/
//	      StudyA_metadata.csv
//	      SUB001/
//	        phone/
//	        redcap/
//	  PROTECTED/
//	    StudyA/
//	      SUB001/
//	        ...
package phoenix

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	generalDir   = "GENERAL"
	protectedDir = "PROTECTED"
)

// Phoenix provides path construction and discovery over a PHOENIX root.
type Phoenix struct {
	root string
}

// New creates a Phoenix over the given root directory.
func New(root string) *Phoenix {
	return &Phoenix{root: root}
}

// Root returns the PHOENIX root directory.
func (p *Phoenix) Root() string {
	return p.root
}

// GeneralPath returns the GENERAL branch directory for a study, subject and
// datatype. Empty trailing segments are allowed to address the study or
// subject level.
func (p *Phoenix) GeneralPath(parts ...string) string {
	return filepath.Join(append([]string{p.root, generalDir}, parts...)...)
}

// ProtectedPath returns the PROTECTED branch directory for a study, subject
// and datatype.
func (p *Phoenix) ProtectedPath(parts ...string) string {
	return filepath.Join(append([]string{p.root, protectedDir}, parts...)...)
}

// MetadataPath returns the study metadata CSV path:
// GENERAL/<study>/<study>_metadata.csv
func (p *Phoenix) MetadataPath(study string) string {
	return p.GeneralPath(study, fmt.Sprintf("%s_metadata.csv", study))
}

// Studies lists study names by scanning the GENERAL branch for directories
// that carry a metadata file.
func (p *Phoenix) Studies() ([]string, error) {
	entries, err := os.ReadDir(p.GeneralPath())
	if err != nil {
		return nil, fmt.Errorf("failed to list studies under %s: %w", p.GeneralPath(), err)
	}

	var studies []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(p.MetadataPath(e.Name())); err != nil {
			continue
		}
		studies = append(studies, e.Name())
	}

	sort.Strings(studies)
	return studies, nil
}

// EnsureLayout creates the GENERAL and PROTECTED branch directories for a
// study and subject.
func (p *Phoenix) EnsureLayout(study, subject string) error {
	for _, dir := range []string{
		p.GeneralPath(study, subject),
		p.ProtectedPath(study, subject),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
