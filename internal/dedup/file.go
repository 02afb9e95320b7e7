package dedup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskplanner/internal/reminder"
	logx "taskplanner/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.fired.snapshot.json (periodic snapshot)
//   - <prefix>.fired.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot. Invalidations
// are journaled as tombstones so a crash between mark and compact replays
// to the same state.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	fired        map[reminder.Key]int64 // unix milli

	writes int
}

type firedRecord struct {
	// Op is "" (mark) or "invalidate".
	Op      string `json:"op,omitempty"`
	Task    string `json:"task"`
	Due     int64  `json:"due,omitempty"`
	Off     string `json:"off,omitempty"`
	FiredAt int64  `json:"at,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("dedup.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".fired.snapshot.json"
	journalPath := prefix + ".fired.journal.jsonl"

	fired := map[reminder.Key]int64{}
	_ = loadSnapshot(snapPath, fired)
	_ = replayJournal(journalPath, fired)
	pruneExpired(fired, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		fired:        fired,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) HasFired(ctx context.Context, k reminder.Key) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired == nil {
		return false, nil
	}
	_, ok := s.fired[k]
	return ok, nil
}

func (s *fileStore) MarkFired(ctx context.Context, k reminder.Key, firedAt time.Time) error {
	_ = ctx
	if strings.TrimSpace(k.TaskID) == "" {
		return nil
	}
	ms := firedAt.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("dedup journal closed")
	}
	if _, ok := s.fired[k]; ok {
		// Keep the first firing time.
		return nil
	}
	s.fired[k] = ms

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(firedRecord{Task: k.TaskID, Due: k.DueUnix, Off: k.Offset.Code(), FiredAt: ms}); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) Invalidate(ctx context.Context, taskID string) error {
	_ = ctx
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("dedup journal closed")
	}
	for k := range s.fired {
		if k.TaskID == taskID {
			delete(s.fired, k)
		}
	}
	enc := json.NewEncoder(s.journalFile)
	return enc.Encode(firedRecord{Op: "invalidate", Task: taskID})
}

func (s *fileStore) compactLocked() error {
	if s.fired == nil {
		return nil
	}
	pruneExpired(s.fired, time.Now())

	snap := make([]firedRecord, 0, len(s.fired))
	for k, ms := range s.fired {
		snap = append(snap, firedRecord{Task: k.TaskID, Due: k.DueUnix, Off: k.Offset.Code(), FiredAt: ms})
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[reminder.Key]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []firedRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		applyRecord(out, r)
	}
	return nil
}

func replayJournal(path string, out map[reminder.Key]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r firedRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		applyRecord(out, r)
	}
	return sc.Err()
}

func applyRecord(out map[reminder.Key]int64, r firedRecord) {
	if r.Task == "" {
		return
	}
	if r.Op == "invalidate" {
		for k := range out {
			if k.TaskID == r.Task {
				delete(out, k)
			}
		}
		return
	}
	off, ok := reminder.ParseOffset(r.Off)
	if !ok {
		return
	}
	k := reminder.Key{TaskID: r.Task, DueUnix: r.Due, Offset: off}
	if _, exists := out[k]; !exists {
		out[k] = r.FiredAt
	}
}

func pruneExpired(m map[reminder.Key]int64, now time.Time) {
	cutoff := now.Add(-Retention).Unix()
	for k := range m {
		if k.DueUnix < cutoff {
			delete(m, k)
		}
	}
}
