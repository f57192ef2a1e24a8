// Package storage persists the table of live ephemeral channels.
//
// The store is the only shared mutable state in the service. Every mutation
// of a single row is atomic, so concurrent occupancy updates and
// reconciliation writes for the same channel never lose each other.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by Insert when the resource id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Resource is one tracked ephemeral channel.
type Resource struct {
	ID             string    `json:"resource_id"`
	GuildID        string    `json:"owner_group_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Occupancy      int       `json:"occupancy_count"`
}

// IdleFor reports how long the resource has been idle at now.
func (r Resource) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastActivityAt)
}

// ResourceStore persists ephemeral resources keyed by resource id.
type ResourceStore interface {
	// Insert adds a new row. It returns ErrAlreadyExists if the id is present.
	Insert(ctx context.Context, res Resource) error
	// Get returns the row for id or ErrNotFound.
	Get(ctx context.Context, id string) (Resource, error)
	// List returns every row ordered by id.
	List(ctx context.Context) ([]Resource, error)
	// IncrementOccupancy adds one occupant and refreshes the activity time.
	// Absent ids are ignored.
	IncrementOccupancy(ctx context.Context, id string) error
	// DecrementOccupancy removes one occupant, never going below zero, and
	// refreshes the activity time. Absent ids are ignored.
	DecrementOccupancy(ctx context.Context, id string) error
	// SetOccupancy overwrites the cached count. The activity time is reset
	// only when a non-zero count drops to zero. Absent ids are ignored.
	SetOccupancy(ctx context.Context, id string, count int) error
	// ScanIdleCandidates yields empty rows idle for longer than timeout,
	// oldest first.
	ScanIdleCandidates(ctx context.Context, timeout time.Duration) iter.Seq2[Resource, error]
	// Delete removes the row. Absent ids are not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Clock returns the current time. Stores take one so tests can move time.
type Clock func() time.Time

func epoch(t time.Time) int64 {
	return t.Unix()
}

func fromEpoch(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func timeoutSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
