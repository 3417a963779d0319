package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Resource is a service template assembled from blocks.
type Resource struct {
	ID          string
	Name        string
	Slug        string
	Description string
	Kind        string
	Status      string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Block is a named sub-entity of a resource. CurrentVersion points at the
// latest BlockVersion; history is append-only.
type Block struct {
	ID             string
	ResourceID     string
	Name           string
	Type           string
	SortOrder      int
	CurrentVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BlockVersion is one immutable revision of a block's payload.
type BlockVersion struct {
	ID        string
	BlockID   string
	Version   int
	Payload   json.RawMessage
	CreatedBy string
	CreatedAt time.Time
	// Joined from blocks for API responses and manifests.
	BlockName string
	BlockType string
}

// EntityID and VersionNumber let snapshots of block versions be diffed
// directly: the block id is the stable identity across revisions.
func (v BlockVersion) EntityID() string   { return v.BlockID }
func (v BlockVersion) VersionNumber() int { return v.Version }

// ResourceVersion is a named, published snapshot of a resource's current
// block versions. Name is a semantic version string; CommitHash points at
// the git commit that carries the snapshot manifest.
type ResourceVersion struct {
	ID         string
	ResourceID string
	Name       string
	CommitHash string
	Status     string
	CreatedBy  string
	CreatedAt  time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type PullRequest struct {
	ID           string
	ResourceID   string
	VersionName  string
	RepoFullName string
	Number       int
	URL          string
	State        string
	CreatedBy    string
	CreatedAt    time.Time
}

type AuditEvent struct {
	ID         int64
	EventType  string
	ActorName  string
	ResourceID string
	Payload    map[string]any
	CreatedAt  time.Time
}
