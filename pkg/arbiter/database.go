package arbiter

import (
	"context"
	"time"
)

// Pinger checks connectivity to the local database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseObserver is an optional observer that agrees while the local
// database answers. A node whose own replica is gone should not be host.
type DatabaseObserver struct {
	db      Pinger
	timeout time.Duration
	weight  int
}

// NewDatabaseObserver creates an observer over db.
func NewDatabaseObserver(db Pinger, timeout time.Duration, weight int) *DatabaseObserver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DatabaseObserver{db: db, timeout: timeout, weight: weight}
}

func (o *DatabaseObserver) Name() string   { return "database" }
func (o *DatabaseObserver) Weight() int    { return o.weight }
func (o *DatabaseObserver) Optional() bool { return true }

func (o *DatabaseObserver) Observable(ctx context.Context, _ bool, _ string, _ []string) bool {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.db.Ping(ctx) == nil
}
