package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"loopcast/internal/models"
)

type dataset struct {
	Streams map[string]models.StreamRecord     `json:"streams"`
	Logs    map[string][]models.StreamLogEntry `json:"logs"`
	Tokens  map[string]models.AccountToken     `json:"tokens"`
}

func newDataset() dataset {
	return dataset{
		Streams: make(map[string]models.StreamRecord),
		Logs:    make(map[string][]models.StreamLogEntry),
		Tokens:  make(map[string]models.AccountToken),
	}
}

// Storage keeps the dataset in memory and, when a file path is set, writes
// it back atomically after every mutation.
type Storage struct {
	mu           sync.RWMutex
	filePath     string
	data         dataset
	sealer       *Sealer
	logRetention int
}

// NewMemory returns a Storage that is never written to disk.
func NewMemory(opts ...Option) *Storage {
	store := &Storage{data: newDataset(), logRetention: defaultLogRetention}
	for _, opt := range opts {
		if opt != nil {
			opt.applyFile(store)
		}
	}
	return store
}

// NewJSONRepository loads or creates the JSON file at path.
func NewJSONRepository(path string, opts ...Option) (*Storage, error) {
	if path == "" {
		return nil, errors.New("json store path required")
	}
	store := NewMemory(opts...)
	store.filePath = path
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	data := newDataset()
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("decode store file: %w", err)
	}
	if data.Streams == nil {
		data.Streams = make(map[string]models.StreamRecord)
	}
	if data.Logs == nil {
		data.Logs = make(map[string][]models.StreamLogEntry)
	}
	if data.Tokens == nil {
		data.Tokens = make(map[string]models.AccountToken)
	}
	s.data = data
	return nil
}

// persist must be called with mu held for writing.
func (s *Storage) persist() error {
	if s.filePath == "" {
		return nil
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) GetStream(_ context.Context, streamID string) (models.StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Streams[streamID]
	if !ok {
		return models.StreamRecord{}, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}
	return record, nil
}

func (s *Storage) SaveStream(_ context.Context, record models.StreamRecord) error {
	if record.StreamID == "" {
		return errors.New("stream id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Streams[record.StreamID]
	s.data.Streams[record.StreamID] = record
	if err := s.persist(); err != nil {
		if existed {
			s.data.Streams[record.StreamID] = previous
		} else {
			delete(s.data.Streams, record.StreamID)
		}
		return err
	}
	return nil
}

func (s *Storage) ListStreams(_ context.Context, filter StreamFilter) ([]models.StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StreamRecord, 0, len(s.data.Streams))
	for _, record := range s.data.Streams {
		if filter.matches(record) {
			out = append(out, record)
		}
	}
	sortStreams(out)
	return out, nil
}

func (s *Storage) AppendLog(_ context.Context, entry models.StreamLogEntry) error {
	if entry.StreamID == "" {
		return errors.New("stream id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.data.Logs[entry.StreamID]
	entries := append(append([]models.StreamLogEntry(nil), previous...), entry)
	if len(entries) > s.logRetention {
		entries = entries[len(entries)-s.logRetention:]
	}
	s.data.Logs[entry.StreamID] = entries
	if err := s.persist(); err != nil {
		s.data.Logs[entry.StreamID] = previous
		return err
	}
	return nil
}

func (s *Storage) ListLogs(_ context.Context, streamID string, limit int) ([]models.StreamLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tailLogs(s.data.Logs[streamID], limit), nil
}

func (s *Storage) GetAccountToken(_ context.Context, accountID string) (models.AccountToken, error) {
	s.mu.RLock()
	token, ok := s.data.Tokens[accountID]
	s.mu.RUnlock()
	if !ok {
		return models.AccountToken{}, fmt.Errorf("account %s token: %w", accountID, ErrNotFound)
	}
	return openToken(s.sealer, token)
}

func (s *Storage) SaveAccountToken(_ context.Context, token models.AccountToken) error {
	if token.AccountID == "" {
		return errors.New("account id required")
	}
	sealed, err := sealToken(s.sealer, token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.data.Tokens[token.AccountID]
	s.data.Tokens[token.AccountID] = sealed
	if err := s.persist(); err != nil {
		if existed {
			s.data.Tokens[token.AccountID] = previous
		} else {
			delete(s.data.Tokens, token.AccountID)
		}
		return err
	}
	return nil
}

func (s *Storage) Ping(context.Context) error {
	if s.filePath == "" {
		return nil
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

func (s *Storage) Close(context.Context) error {
	return nil
}
