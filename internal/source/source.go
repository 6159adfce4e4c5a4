// Package source defines the interface external data sources implement and
// the error types shared by their downloaders.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/moolen/lochness/internal/phoenix"
)

// Source pulls one subject's data from an external system into PHOENIX.
//
// Name must match the source column in the study metadata file
// (lowercase, e.g. "dropbox"). Sync is called once per subject per poll
// cycle and must be safe to call concurrently for different subjects.
// When dry is true the source logs what it would download without
// writing anything locally or mutating anything remotely.
type Source interface {
	Name() string
	Sync(ctx context.Context, subject phoenix.Subject, dry bool) error
}

// Registry holds the configured sources by name.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Duplicate names are an error.
func (r *Registry) Register(s Source) error {
	if s == nil {
		return fmt.Errorf("cannot register nil source")
	}
	if s.Name() == "" {
		return fmt.Errorf("source must have a non-empty name")
	}
	if _, exists := r.sources[s.Name()]; exists {
		return fmt.Errorf("source %q is already registered", s.Name())
	}
	r.sources[s.Name()] = s
	return nil
}

// Get returns the source with the given name, or nil.
func (r *Registry) Get(name string) Source {
	return r.sources[name]
}

// Filter returns a registry restricted to the named sources. Unknown
// names are an error so a typo does not silently sync nothing.
func (r *Registry) Filter(names ...string) (*Registry, error) {
	out := NewRegistry()
	for _, name := range names {
		s := r.sources[name]
		if s == nil {
			return nil, fmt.Errorf("no such source %q, configured: %s", name, strings.Join(r.Names(), ", "))
		}
		out.sources[name] = s
	}
	return out, nil
}

// Names returns the sorted registered source names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DownloadError marks a failure to fetch a remote file.
type DownloadError struct {
	Path string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("error downloading %s: %v", e.Path, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// HashMismatchError marks a downloaded file whose content hash did not
// match the remote metadata. The download is retried a bounded number of
// times before giving up.
type HashMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: want %s, got %s", e.Path, e.Want, e.Got)
}

// DeletionError marks a failed remote delete after a verified download.
// The local copy is kept; the remote file is retried next cycle.
type DeletionError struct {
	Path string
	Err  error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("error deleting remote file %s: %v", e.Path, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }
