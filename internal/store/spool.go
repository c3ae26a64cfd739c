package store

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Spool file layout: one record per line, "<checksum> <kind> <json>".
// The checksum is the first 16 hex chars of blake3(kind + " " + json);
// lines that fail the check are skipped on replay and counted.
const (
	spoolChecksumLen = 16
	kindExecution    = "execution"
	kindEvents       = "events"
)

// Spool is the append-only fallback used while the backend is down.
type Spool struct {
	mu      sync.Mutex
	dir     string
	logger  *zap.Logger
	skipped uint64
	now     func() time.Time
}

func NewSpool(dir string, logger *zap.Logger) (*Spool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", dir, err)
	}
	return &Spool{dir: dir, logger: logger, now: time.Now}, nil
}

func (s *Spool) file() string {
	return filepath.Join(s.dir, "pending.jsonl")
}

func spoolChecksum(kind string, payload []byte) string {
	sum := blake3.Sum256(append([]byte(kind+" "), payload...))
	return hex.EncodeToString(sum[:])[:spoolChecksumLen]
}

func (s *Spool) append(kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line := spoolChecksum(kind, payload) + " " + kind + " " + string(payload) + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.file(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Spool) AppendExecution(rec ExecutionRecord) error {
	return s.append(kindExecution, rec)
}

func (s *Spool) AppendEvents(events []model.ObservedEvent) error {
	return s.append(kindEvents, events)
}

// Pending reports how many records are waiting and the age of the oldest
// write, from the spool file's modification time.
func (s *Spool) Pending() (count int, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi, err := os.Stat(s.file())
	if err != nil {
		return 0, 0
	}
	f, err := os.Open(s.file())
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			count++
		}
	}
	return count, s.now().Sub(fi.ModTime())
}

// Skipped counts corrupt lines discarded during replay.
func (s *Spool) Skipped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// Replay feeds every valid spooled record back into dst and truncates the
// spool on full success. On partial failure the unreplayed tail is kept.
func (s *Spool) Replay(ctx context.Context, dst Store) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.file())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var remainder []string
	replayed := 0
	var replayErr error
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if replayErr != nil {
			remainder = append(remainder, line)
			continue
		}
		kind, payload, ok := s.verifyLine(line)
		if !ok {
			s.skipped++
			s.logger.Warn("skipping corrupt spool line", zap.Int("length", len(line)))
			continue
		}
		if err := s.replayOne(ctx, dst, kind, payload); err != nil {
			replayErr = err
			remainder = append(remainder, line)
			continue
		}
		replayed++
	}
	if err := sc.Err(); err != nil && replayErr == nil {
		replayErr = err
	}
	f.Close()

	if len(remainder) == 0 {
		if err := os.Remove(s.file()); err != nil && !os.IsNotExist(err) {
			return replayed, err
		}
		return replayed, replayErr
	}
	tmp := s.file() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(remainder, "\n")+"\n"), 0o644); err != nil {
		return replayed, err
	}
	if err := os.Rename(tmp, s.file()); err != nil {
		return replayed, err
	}
	return replayed, replayErr
}

func (s *Spool) verifyLine(line string) (kind string, payload []byte, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || len(parts[0]) != spoolChecksumLen {
		return "", nil, false
	}
	if spoolChecksum(parts[1], []byte(parts[2])) != parts[0] {
		return "", nil, false
	}
	return parts[1], []byte(parts[2]), true
}

func (s *Spool) replayOne(ctx context.Context, dst Store, kind string, payload []byte) error {
	switch kind {
	case kindExecution:
		var rec ExecutionRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			s.skipped++
			return nil
		}
		return dst.SaveExecution(ctx, rec)
	case kindEvents:
		var events []model.ObservedEvent
		if err := json.Unmarshal(payload, &events); err != nil {
			s.skipped++
			return nil
		}
		return dst.SaveEventBatch(ctx, events)
	default:
		s.skipped++
		return nil
	}
}
