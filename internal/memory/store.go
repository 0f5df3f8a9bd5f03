// Package memory holds the bounded conversation history and the registry of
// files generated during the current session.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/miles/internal/domain"
)

// DefaultHistoryLimit is the number of turns kept when no limit is given.
const DefaultHistoryLimit = 50

type document struct {
	History []domain.ConversationTurn `json:"history"`
}

// Store is a capped conversation history persisted to a JSON file after
// every write. It is safe for concurrent use within one process.
type Store struct {
	path   string
	limit  int
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	turns []domain.ConversationTurn
}

// Open loads the history at path. A missing or unreadable file starts an
// empty history rather than failing.
func Open(path string, limit int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s := &Store{path: path, limit: limit, logger: logger, now: time.Now}
	s.turns = s.load()
	return s
}

func (s *Store) load() []domain.ConversationTurn {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read memory file, starting empty", "path", s.path, "error", err)
		}
		return nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("corrupt memory file, starting empty", "path", s.path, "error", err)
		return nil
	}
	if len(doc.History) > s.limit {
		doc.History = doc.History[len(doc.History)-s.limit:]
	}
	return doc.History
}

// AddMessage appends a turn, evicts the oldest turns beyond the limit and
// flushes the whole history to disk before returning.
func (s *Store) AddMessage(role domain.Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, domain.NewConversationTurn(role, content, s.now()))
	if over := len(s.turns) - s.limit; over > 0 {
		s.turns = append([]domain.ConversationTurn(nil), s.turns[over:]...)
	}
	return s.flush()
}

// History returns the turns in chronological order as role/parts messages.
func (s *Store) History() []domain.HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.HistoryMessage, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, domain.HistoryMessage{Role: t.Role, Parts: []string{t.Content}})
	}
	return out
}

// Turns returns a copy of the raw turns.
func (s *Store) Turns() []domain.ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConversationTurn(nil), s.turns...)
}

// Len returns the number of stored turns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// flush must be called with mu held.
func (s *Store) flush() error {
	turns := s.turns
	if turns == nil {
		turns = []domain.ConversationTurn{}
	}
	data, err := json.MarshalIndent(document{History: turns}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.json")
	if err != nil {
		return fmt.Errorf("create temp memory file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write memory file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close memory file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace memory file: %w", err)
	}
	return nil
}
