// Package store defines the durable JSON document store shared by the engine and the API.
//
// Documents are namespaced by kind (users, configs, tests) and keyed by id. Two drivers implement it:
// internal/repo (SQLite) and internal/filestore (one JSON file per document).
package store

import (
	"context"

	"github.com/cockroachdb/errors"

	"parity/internal/domain"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistent store collaborator.
type Store interface {
	SaveUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, userID string) (domain.User, error)

	// SaveConfig stores a named configuration document such as "environments" or "products".
	SaveConfig(ctx context.Context, name string, doc any) error
	// LoadConfig decodes the named configuration document into out.
	LoadConfig(ctx context.Context, name string, out any) error

	SaveTestResult(ctx context.Context, doc domain.TestResult) error
	GetTestResult(ctx context.Context, runID string) (domain.TestResult, error)
	// ListTestResults returns documents newest first by start time.
	ListTestResults(ctx context.Context, filter ResultFilter) ([]domain.TestResult, error)

	AppendEvent(ctx context.Context, evt domain.RunEvent) (domain.RunEvent, error)
	ListEvents(ctx context.Context, runID string) ([]domain.RunEvent, error)
	// EventsAfter returns up to limit events with an id greater than afterID, oldest first.
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.RunEvent, error)
	LatestEventID(ctx context.Context) (int64, error)

	Close() error
}

// ResultFilter narrows ListTestResults. Zero values match everything; Limit 0 means no limit.
type ResultFilter struct {
	OwnerID string
	Status  string
	Limit   int
}

// Match reports whether doc passes the filter.
func (f ResultFilter) Match(doc domain.TestResult) bool {
	if f.OwnerID != "" && doc.TestMetadata.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && doc.TestMetadata.Status != f.Status {
		return false
	}
	return true
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
