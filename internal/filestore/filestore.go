// Package filestore keeps every document as a JSON file under a data directory:
//
//	users/<user_id>/config.json
//	configs/<name>.json
//	tests/<run_id>.json
//	events.jsonl
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"parity/internal/domain"
	"parity/internal/store"
)

type Store struct {
	Dir string
	Now func() time.Time

	mu     sync.RWMutex
	lastID int64
	loaded bool
}

var _ store.Store = (*Store)(nil)

// Open prepares dir and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"users", "configs", "tests"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s", sub)
		}
	}
	return &Store{Dir: dir, Now: time.Now}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) SaveUser(_ context.Context, u domain.User) error {
	if !safeName(u.UserID) {
		return errors.Newf("invalid user id %q", u.UserID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.Dir, "users", u.UserID, "config.json"), u)
}

func (s *Store) GetUser(_ context.Context, userID string) (domain.User, error) {
	var u domain.User
	if !safeName(userID) {
		return u, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := readJSON(filepath.Join(s.Dir, "users", userID, "config.json"), &u); err != nil {
		return domain.User{}, errors.Wrapf(err, "user %s", userID)
	}
	return u, nil
}

func (s *Store) SaveConfig(_ context.Context, name string, doc any) error {
	if !safeName(name) {
		return errors.Newf("invalid config name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.Dir, "configs", name+".json"), doc)
}

func (s *Store) LoadConfig(_ context.Context, name string, out any) error {
	if !safeName(name) {
		return store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := readJSON(filepath.Join(s.Dir, "configs", name+".json"), out); err != nil {
		return errors.Wrapf(err, "config %s", name)
	}
	return nil
}

func (s *Store) SaveTestResult(_ context.Context, doc domain.TestResult) error {
	if !safeName(doc.RunID) {
		return errors.Newf("invalid run id %q", doc.RunID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.Dir, "tests", doc.RunID+".json"), doc)
}

func (s *Store) GetTestResult(_ context.Context, runID string) (domain.TestResult, error) {
	var doc domain.TestResult
	if !safeName(runID) {
		return doc, store.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := readJSON(filepath.Join(s.Dir, "tests", runID+".json"), &doc); err != nil {
		return domain.TestResult{}, errors.Wrapf(err, "test result %s", runID)
	}
	return doc, nil
}

func (s *Store) ListTestResults(_ context.Context, filter store.ResultFilter) ([]domain.TestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(filepath.Join(s.Dir, "tests"))
	if err != nil {
		return nil, errors.Wrap(err, "list tests")
	}
	res := []domain.TestResult{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var doc domain.TestResult
		if err := readJSON(filepath.Join(s.Dir, "tests", e.Name()), &doc); err != nil {
			// half-written or foreign files are skipped
			continue
		}
		if filter.Match(doc) {
			res = append(res, doc)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i].TestMetadata.StartedAt, res[j].TestMetadata.StartedAt
		if a.Equal(b) {
			return res[i].RunID > res[j].RunID
		}
		return a.After(b)
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (s *Store) AppendEvent(_ context.Context, evt domain.RunEvent) (domain.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLastIDLocked(); err != nil {
		return evt, err
	}
	if evt.TS.IsZero() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		evt.TS = now().UTC()
	}
	evt.ID = s.lastID + 1
	line, err := json.Marshal(evt)
	if err != nil {
		return evt, errors.Wrap(err, "marshal event")
	}
	f, err := os.OpenFile(s.eventsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return evt, errors.Wrap(err, "open events log")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return evt, errors.Wrap(err, "append event")
	}
	s.lastID = evt.ID
	return evt, nil
}

func (s *Store) ListEvents(_ context.Context, runID string) ([]domain.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanEvents(func(evt domain.RunEvent) bool { return evt.RunID == runID }, 0)
}

func (s *Store) EventsAfter(_ context.Context, afterID int64, limit int) ([]domain.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanEvents(func(evt domain.RunEvent) bool { return evt.ID > afterID }, limit)
}

func (s *Store) LatestEventID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLastIDLocked(); err != nil {
		return 0, err
	}
	return s.lastID, nil
}

func (s *Store) eventsPath() string {
	return filepath.Join(s.Dir, "events.jsonl")
}

func (s *Store) loadLastIDLocked() error {
	if s.loaded {
		return nil
	}
	evts, err := s.scanEvents(func(domain.RunEvent) bool { return true }, 0)
	if err != nil {
		return err
	}
	if n := len(evts); n > 0 {
		s.lastID = evts[n-1].ID
	}
	s.loaded = true
	return nil
}

func (s *Store) scanEvents(keep func(domain.RunEvent) bool, limit int) ([]domain.RunEvent, error) {
	res := []domain.RunEvent{}
	f, err := os.Open(s.eventsPath())
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open events log")
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var evt domain.RunEvent
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			return nil, errors.Wrap(err, "decode event")
		}
		if !keep(evt) {
			continue
		}
		res = append(res, evt)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, sc.Err()
}

// writeJSON replaces path atomically via a temp file in the same directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", filepath.Base(path))
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "rename %s", path)
	}
	return nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func safeName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}
