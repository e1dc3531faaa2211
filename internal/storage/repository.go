// Package storage holds the durable stream records, per-stream event logs and
// account tokens. The durable record is the authoritative view of a stream.
package storage

import (
	"context"
	"errors"
	"sort"

	"loopcast/internal/models"
)

var (
	// ErrNotFound is returned when a stream record or account token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSealed is returned when a sealed token is read without the passphrase.
	ErrSealed = errors.New("token is sealed and no passphrase is configured")
)

// StreamFilter narrows ListStreams. Empty fields match everything.
type StreamFilter struct {
	AccountID string
	Statuses  []models.StreamStatus
}

func (f StreamFilter) matches(record models.StreamRecord) bool {
	if f.AccountID != "" && record.AccountID != f.AccountID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if record.Status == status {
			return true
		}
	}
	return false
}

// Repository is the durable store contract shared by every driver.
type Repository interface {
	GetStream(ctx context.Context, streamID string) (models.StreamRecord, error)
	SaveStream(ctx context.Context, record models.StreamRecord) error
	ListStreams(ctx context.Context, filter StreamFilter) ([]models.StreamRecord, error)

	// AppendLog records an event; ListLogs returns the newest limit entries
	// oldest first. A non-positive limit returns every retained entry.
	AppendLog(ctx context.Context, entry models.StreamLogEntry) error
	ListLogs(ctx context.Context, streamID string, limit int) ([]models.StreamLogEntry, error)

	GetAccountToken(ctx context.Context, accountID string) (models.AccountToken, error)
	SaveAccountToken(ctx context.Context, token models.AccountToken) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

const defaultLogRetention = 500

func sortStreams(records []models.StreamRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].StreamID < records[j].StreamID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func tailLogs(entries []models.StreamLogEntry, limit int) []models.StreamLogEntry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.StreamLogEntry, len(entries))
	copy(out, entries)
	return out
}
