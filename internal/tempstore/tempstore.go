// Package tempstore owns the on-disk temp root: one isolated directory per
// session, capacity accounting, and orphan sweeping.
package tempstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"media-gateway/internal/media"
)

var (
	// ErrExists is returned when a resource directory is already present.
	ErrExists = errors.New("temp resource already exists")

	// ErrInvalidName is returned for names that would escape the root.
	ErrInvalidName = errors.New("invalid temp resource name")
)

// Resource is one session's directory under the root.
type Resource struct {
	Name     string
	Dir      string
	Reserved int64
}

// Path joins file under the resource directory.
func (r Resource) Path(file string) string {
	return filepath.Join(r.Dir, file)
}

// Store manages <root>/<name> directories.
type Store struct {
	root     string
	maxBytes int64

	mu       sync.Mutex
	reserved map[string]int64
	total    int64
}

// New creates the root directory if needed. maxBytes <= 0 disables the
// capacity ceiling.
func New(root string, maxBytes int64) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("temp root: %w", ErrInvalidName)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	return &Store{root: root, maxBytes: maxBytes, reserved: make(map[string]int64)}, nil
}

// Root returns the temp root directory.
func (s *Store) Root() string { return s.root }

// Create makes a fresh directory for name and reserves reserve bytes against
// the capacity ceiling. It never reuses an existing directory.
func (s *Store) Create(name string, reserve int64) (Resource, error) {
	if !validName(name) {
		return Resource{}, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if reserve < 0 {
		reserve = 0
	}

	s.mu.Lock()
	if _, ok := s.reserved[name]; ok {
		s.mu.Unlock()
		return Resource{}, fmt.Errorf("%s: %w", name, ErrExists)
	}
	if s.maxBytes > 0 && s.total+reserve > s.maxBytes {
		s.mu.Unlock()
		return Resource{}, fmt.Errorf("temp storage full (%d of %d bytes reserved): %w", s.total, s.maxBytes, media.ErrResourceExhausted)
	}
	s.reserved[name] = reserve
	s.total += reserve
	s.mu.Unlock()

	dir := filepath.Join(s.root, name)
	if err := os.Mkdir(dir, 0o700); err != nil {
		s.release(name)
		if errors.Is(err, os.ErrExist) {
			return Resource{}, fmt.Errorf("%s: %w", name, ErrExists)
		}
		return Resource{}, fmt.Errorf("create temp resource: %w", err)
	}
	return Resource{Name: name, Dir: dir, Reserved: reserve}, nil
}

// Remove deletes name's directory and releases its reservation. Removing a
// missing resource is a no-op.
func (s *Store) Remove(name string) (removed bool, err error) {
	if !validName(name) {
		return false, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	dir := filepath.Join(s.root, name)
	_, statErr := os.Lstat(dir)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove temp resource %s: %w", name, err)
	}
	s.release(name)
	return statErr == nil, nil
}

// Sweep removes every subtree under the root for which keep returns false.
// Entries modified after notAfter are skipped so that directories created
// concurrently with the sweep survive; a zero notAfter removes regardless of
// age. It returns the names removed.
func (s *Store) Sweep(keep func(name string) bool, notAfter time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read temp root: %w", err)
	}

	var removed []string
	var errs *multierror.Error
	for _, e := range entries {
		name := e.Name()
		if keep != nil && keep(name) {
			continue
		}
		if !notAfter.IsZero() {
			info, err := e.Info()
			if err != nil || info.ModTime().After(notAfter) {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		s.release(name)
		removed = append(removed, name)
	}
	return removed, errs.ErrorOrNil()
}

// Reserved returns the total bytes reserved by live resources.
func (s *Store) Reserved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Store) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.reserved[name]; ok {
		s.total -= n
		delete(s.reserved, name)
	}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
