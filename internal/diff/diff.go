// Package diff computes structural differences between two snapshots of
// versioned entities. Entities are matched by a stable identity that survives
// across versions; two matched entities with different version numbers count
// as an update, entities present on only one side count as created or deleted.
package diff

import (
	"errors"
	"fmt"
)

// Versioned is an identity-bearing, versioned item. EntityID must be unique
// within a single snapshot; VersionNumber identifies the particular revision.
type Versioned interface {
	EntityID() string
	VersionNumber() int
}

// Pair holds the two revisions of an entity that changed between snapshots.
type Pair[T Versioned] struct {
	Before T
	After  T
}

// Result partitions the two input snapshots. Every input item lands in at
// most one bucket; items with equal id and equal version appear in none.
type Result[T Versioned] struct {
	Created []T
	Updated []Pair[T]
	Deleted []T
}

// Empty reports whether the two snapshots were identical.
func (r Result[T]) Empty() bool {
	return len(r.Created) == 0 && len(r.Updated) == 0 && len(r.Deleted) == 0
}

// ErrDuplicateEntity is returned when one input snapshot contains the same
// entity id twice. The partitioning is undefined for such inputs, so the
// computation refuses them instead of guessing.
var ErrDuplicateEntity = errors.New("duplicate entity id in snapshot")

// Compute diffs target against source. Deleted and Updated follow the
// iteration order of source, Created follows the iteration order of target.
// Runs in O(len(source)+len(target)).
func Compute[T Versioned](source, target []T) (Result[T], error) {
	byID := make(map[string]T, len(target))
	for _, item := range target {
		id := item.EntityID()
		if _, ok := byID[id]; ok {
			return Result[T]{}, fmt.Errorf("target %q: %w", id, ErrDuplicateEntity)
		}
		byID[id] = item
	}

	result := Result[T]{}
	seen := make(map[string]struct{}, len(source))
	for _, item := range source {
		id := item.EntityID()
		if _, ok := seen[id]; ok {
			return Result[T]{}, fmt.Errorf("source %q: %w", id, ErrDuplicateEntity)
		}
		seen[id] = struct{}{}

		match, ok := byID[id]
		if !ok {
			result.Deleted = append(result.Deleted, item)
			continue
		}
		if match.VersionNumber() != item.VersionNumber() {
			result.Updated = append(result.Updated, Pair[T]{Before: item, After: match})
		}
	}

	for _, item := range target {
		if _, ok := seen[item.EntityID()]; !ok {
			result.Created = append(result.Created, item)
		}
	}

	return result, nil
}
