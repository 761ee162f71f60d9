package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

const (
	journalExt = ".json"
	lockExt    = ".lock"
)

var (
	// ErrLocked is returned when another process holds an experiment's
	// journal lock.
	ErrLocked = errors.New("experiment journal is locked by another process")
	// ErrNoJournal is returned when an experiment has never been recorded.
	ErrNoJournal = errors.New("no journal for experiment")
)

// Journal is the on-disk form of a Registry.
type Journal struct {
	Experiment string                 `json:"experiment"`
	Tag        string                 `json:"tag"`
	Phase      model.Phase            `json:"phase,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Records    []model.ResourceRecord `json:"records"`
}

// Live counts records without a removal mark.
func (j *Journal) Live() int {
	n := 0
	for i := range j.Records {
		if j.Records[i].Live() {
			n++
		}
	}
	return n
}

// Store keeps one journal and one lock file per experiment in a directory.
type Store struct {
	dir string
}

// NewStore creates dir if needed and returns a store rooted there.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// JournalPath returns the journal file for experiment.
func (s *Store) JournalPath(experiment string) string {
	return filepath.Join(s.dir, experiment+journalExt)
}

func (s *Store) lockPath(experiment string) string {
	return filepath.Join(s.dir, experiment+lockExt)
}

// Open acquires the experiment's lock without blocking and loads its
// journal, creating an empty one if none exists. The caller must Close the
// returned registry.
func (s *Store) Open(experiment string) (*Registry, error) {
	if err := model.ValidateExperimentName(experiment); err != nil {
		return nil, err
	}
	lock := flock.New(s.lockPath(experiment))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock journal for %s: %w", experiment, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, experiment)
	}

	reg := newRegistry(experiment, s, lock)
	j, err := s.Load(experiment)
	switch {
	case errors.Is(err, ErrNoJournal):
	case err != nil:
		_ = lock.Unlock()
		return nil, err
	default:
		if j.Experiment != experiment {
			_ = lock.Unlock()
			return nil, fmt.Errorf("journal %s belongs to experiment %q", s.JournalPath(experiment), j.Experiment)
		}
		reg.load(j)
	}
	return reg, nil
}

// Load reads a journal without taking the lock.
func (s *Store) Load(experiment string) (*Journal, error) {
	data, err := os.ReadFile(s.JournalPath(experiment))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w %q", ErrNoJournal, experiment)
	}
	if err != nil {
		return nil, fmt.Errorf("read journal for %s: %w", experiment, err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode journal for %s: %w", experiment, err)
	}
	return &j, nil
}

// Locked reports whether another process currently holds experiment's lock.
func (s *Store) Locked(experiment string) (bool, error) {
	lock := flock.New(s.lockPath(experiment))
	ok, err := lock.TryLock()
	if err != nil {
		return false, err
	}
	if ok {
		return false, lock.Unlock()
	}
	return true, nil
}

// List returns the names of every experiment with a journal, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list state directory %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), journalExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), journalExt)
		if model.ValidateExperimentName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TagOwner returns another experiment whose journal uses tag, if any.
func (s *Store) TagOwner(tag, except string) (string, bool, error) {
	names, err := s.List()
	if err != nil {
		return "", false, err
	}
	for _, name := range names {
		if name == except {
			continue
		}
		j, err := s.Load(name)
		if err != nil {
			continue
		}
		if j.Tag == tag && j.Live() > 0 {
			return name, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) write(j *Journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal for %s: %w", j.Experiment, err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(s.JournalPath(j.Experiment), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write journal for %s: %w", j.Experiment, err)
	}
	return nil
}
