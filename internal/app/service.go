package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"stencil/api/internal/auth"
	"stencil/api/internal/authpw"
	"stencil/api/internal/config"
	"stencil/api/internal/diff"
	"stencil/api/internal/gitrepo"
	"stencil/api/internal/githost"
	"stencil/api/internal/rbac"
	"stencil/api/internal/search"
	"stencil/api/internal/store"
	"stencil/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// CreateBlockInput is the request body for adding a block to a resource.
type CreateBlockInput struct {
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SortOrder int             `json:"sortOrder"`
}

// OpenPullRequestInput describes the pull request to open on the git provider.
type OpenPullRequestInput struct {
	VersionName  string `json:"versionName"`
	RepoFullName string `json:"repoFullName"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Head         string `json:"head"`
	Base         string `json:"base"`
}

var allowedBlockTypes = map[string]struct{}{
	"markdown": {},
	"config":   {},
	"script":   {},
	"template": {},
	"secret":   {},
}

var (
	errResourceNotFound = domainError(http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	errBlockNotFound    = domainError(http.StatusNotFound, "BLOCK_NOT_FOUND", "Block not found", nil)
	errVersionNotFound  = domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil)
	// A first published version has nothing to compare against; callers that
	// omit `from` must be told apart from callers that named a missing version.
	errNoPriorVersion = domainError(http.StatusUnprocessableEntity, "NO_PRIOR_VERSION", "Version has no prior version to compare against", nil)
)

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error

	ListResources(context.Context) ([]store.Resource, error)
	GetResource(context.Context, string) (store.Resource, error)
	InsertResource(context.Context, store.Resource) error
	UpdateResource(ctx context.Context, resourceID, name, description, kind string) error
	ArchiveResource(context.Context, string) error
	TouchResource(context.Context, string) error

	ListBlocks(context.Context, string) ([]store.Block, error)
	GetBlock(context.Context, string) (store.Block, error)
	InsertBlock(context.Context, store.Block, store.BlockVersion) error
	AppendBlockVersion(ctx context.Context, blockID, versionID string, payload json.RawMessage, author string) (int, error)
	UpdateBlockMeta(ctx context.Context, blockID, name string, sortOrder int) error
	DeleteBlock(context.Context, string) error
	CurrentBlockVersions(context.Context, string) ([]store.BlockVersion, error)
	GetBlockVersion(ctx context.Context, blockID string, version int) (store.BlockVersion, error)

	InsertResourceVersion(context.Context, store.ResourceVersion, []string) error
	ListResourceVersions(context.Context, string) ([]store.ResourceVersion, error)
	GetResourceVersion(ctx context.Context, resourceID, name string) (store.ResourceVersion, error)
	VersionEntries(context.Context, string) ([]store.BlockVersion, error)

	InsertPullRequest(context.Context, store.PullRequest) error
	ListPullRequests(context.Context, string) ([]store.PullRequest, error)

	InsertAuditEvent(context.Context, store.AuditEvent) error
	ListAuditEvents(ctx context.Context, resourceID string, limit int) ([]store.AuditEvent, error)
}

type gitService interface {
	EnsureResourceRepo(resourceID string, initial gitrepo.Manifest, author string) error
	CommitManifest(resourceID string, m gitrepo.Manifest, author, message string) (store.CommitInfo, error)
	TagVersion(resourceID, hash, name string) error
	ManifestAtRef(resourceID, ref string) (gitrepo.Manifest, error)
	HeadManifest(resourceID string) (gitrepo.Manifest, store.CommitInfo, error)
	History(resourceID string, limit int) ([]store.CommitInfo, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexResource(rec search.ResourceRecord)
	IndexBlock(rec search.BlockRecord)
	DeleteResource(id string)
	DeleteBlock(id string)
}

type artifactStore interface {
	PutBundle(ctx context.Context, slug, versionName string, payload []byte) (string, error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// sessionCache is the Redis surface: refresh sessions and compare-result
// caching. The Postgres refresh_sessions table is the fallback when Redis is
// not configured.
type sessionCache interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	CacheCompareResult(ctx context.Context, resourceID, from, to string, payload []byte) error
	LookupCompareResult(ctx context.Context, resourceID, from, to string) ([]byte, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	git       gitService
	host      githost.Client
	search    searchService
	artifacts artifactStore
	cache     sessionCache
	authpw    *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service) *Service {
	svc := &Service{
		cfg:   cfg,
		store: dataStore,
		git:   gitService,
	}
	if dataStore != nil {
		svc.authpw = authpw.NewService(dataStore)
	}
	return svc
}

// UseHost wires the git provider client. Optional; GitHub endpoints return
// 503 without it.
func (s *Service) UseHost(client githost.Client) { s.host = client }

// UseSearch wires the search facade. Optional; search returns empty results
// without it.
func (s *Service) UseSearch(svc searchService) { s.search = svc }

// UseArtifacts wires the bundle object store. Optional; export returns 503
// without it.
func (s *Service) UseArtifacts(store artifactStore) { s.artifacts = store }

// UseSessionCache wires Redis. Optional; refresh sessions fall back to
// Postgres and compare results go uncached.
func (s *Service) UseSessionCache(cache sessionCache) { s.cache = cache }

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports Redis connectivity, or nil when Redis is not configured.
func (s *Service) PingCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}

// --- Sessions ---

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.lookupRefresh(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.revokeRefresh(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.saveRefresh(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.revokeRefresh(ctx, auth.HashToken(refreshToken))
}

func (s *Service) saveRefresh(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	if s.cache != nil {
		err := s.cache.SaveRefreshSession(ctx, tokenHash, user, expiresAt)
		if err == nil {
			return nil
		}
		log.Printf("session: redis save failed, using postgres: %v", err)
	}
	return s.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (s *Service) lookupRefresh(ctx context.Context, tokenHash string) (store.User, error) {
	if s.cache != nil {
		user, err := s.cache.LookupRefreshSession(ctx, tokenHash)
		if err == nil {
			return user, nil
		}
	}
	return s.store.LookupRefreshSession(ctx, tokenHash)
}

func (s *Service) revokeRefresh(ctx context.Context, tokenHash string) error {
	if s.cache != nil {
		_ = s.cache.RevokeRefreshSession(ctx, tokenHash)
	}
	return s.store.RevokeRefreshSession(ctx, tokenHash)
}

// --- Resources ---

func (s *Service) ListResources(ctx context.Context) (map[string]any, error) {
	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		items = append(items, resourcePayload(r))
	}
	return map[string]any{"resources": items}, nil
}

func (s *Service) CreateResource(ctx context.Context, session Session, name, description, kind string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "service"
	}

	resource := store.Resource{
		ID:          util.NewID("res"),
		Name:        name,
		Slug:        util.Slugify(name),
		Description: strings.TrimSpace(description),
		Kind:        kind,
		Status:      "draft",
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertResource(ctx, resource); err != nil {
		return nil, err
	}

	if err := s.git.EnsureResourceRepo(resource.ID, gitrepo.Manifest{
		Name:        resource.Name,
		Slug:        resource.Slug,
		Description: resource.Description,
		Kind:        resource.Kind,
	}, session.UserName); err != nil {
		return nil, fmt.Errorf("init resource repo: %w", err)
	}

	s.indexResource(resource)
	s.audit(ctx, "resource.created", session.UserName, resource.ID, map[string]any{"name": resource.Name})

	return map[string]any{"resource": resourcePayload(resource)}, nil
}

func (s *Service) GetResourceDetail(ctx context.Context, resourceID string) (map[string]any, error) {
	resource, err := s.getResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	blocks, err := s.store.ListBlocks(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	blockItems := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		blockItems = append(blockItems, blockPayload(b))
	}

	versions, err := s.store.ListResourceVersions(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	sortVersionsDescending(versions)
	versionItems := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		versionItems = append(versionItems, versionPayload(v))
	}

	payload := map[string]any{
		"resource": resourcePayload(resource),
		"blocks":   blockItems,
		"versions": versionItems,
	}
	if _, head, err := s.git.HeadManifest(resourceID); err == nil {
		payload["head"] = commitPayload(head)
	}
	return payload, nil
}

func (s *Service) UpdateResource(ctx context.Context, session Session, resourceID, name, description, kind string) (map[string]any, error) {
	resource, err := s.getResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = resource.Name
	}
	description = strings.TrimSpace(description)
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = resource.Kind
	}

	if err := s.store.UpdateResource(ctx, resourceID, name, description, kind); err != nil {
		return nil, err
	}
	resource.Name = name
	resource.Description = description
	resource.Kind = kind

	if _, err := s.commitManifest(ctx, resource, session.UserName, "Update resource metadata"); err != nil {
		return nil, err
	}

	s.indexResource(resource)
	s.audit(ctx, "resource.updated", session.UserName, resourceID, map[string]any{"name": name})

	return map[string]any{"resource": resourcePayload(resource)}, nil
}

func (s *Service) ArchiveResource(ctx context.Context, session Session, resourceID string) error {
	if _, err := s.getResource(ctx, resourceID); err != nil {
		return err
	}
	if err := s.store.ArchiveResource(ctx, resourceID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteResource(resourceID)
	}
	s.audit(ctx, "resource.archived", session.UserName, resourceID, nil)
	return nil
}

// --- Blocks ---

func (s *Service) CreateBlock(ctx context.Context, session Session, resourceID string, input CreateBlockInput) (map[string]any, error) {
	resource, err := s.getResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	blockType := strings.TrimSpace(input.Type)
	if _, ok := allowedBlockTypes[blockType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown block type", map[string]any{"type": blockType})
	}
	payload := input.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	block := store.Block{
		ID:             util.NewID("blk"),
		ResourceID:     resourceID,
		Name:           name,
		Type:           blockType,
		SortOrder:      input.SortOrder,
		CurrentVersion: 1,
	}
	initial := store.BlockVersion{
		ID:        util.NewID("bv"),
		BlockID:   block.ID,
		Version:   1,
		Payload:   payload,
		CreatedBy: session.UserName,
	}
	if err := s.store.InsertBlock(ctx, block, initial); err != nil {
		return nil, err
	}
	_ = s.store.TouchResource(ctx, resourceID)

	commit, err := s.commitManifest(ctx, resource, session.UserName, "Add block "+name)
	if err != nil {
		return nil, err
	}

	s.indexBlock(block, resource.Kind)
	s.audit(ctx, "block.created", session.UserName, resourceID, map[string]any{"blockId": block.ID, "name": name})

	return map[string]any{
		"block":  blockPayload(block),
		"commit": commitPayload(commit),
	}, nil
}

func (s *Service) UpdateBlockPayload(ctx context.Context, session Session, blockID string, payload json.RawMessage) (map[string]any, error) {
	block, err := s.getBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	resource, err := s.getResource(ctx, block.ResourceID)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "payload is required", nil)
	}

	version, err := s.store.AppendBlockVersion(ctx, blockID, util.NewID("bv"), payload, session.UserName)
	if err != nil {
		return nil, err
	}
	block.CurrentVersion = version
	_ = s.store.TouchResource(ctx, block.ResourceID)

	commit, err := s.commitManifest(ctx, resource, session.UserName, fmt.Sprintf("Update block %s to v%d", block.Name, version))
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "block.updated", session.UserName, block.ResourceID, map[string]any{"blockId": blockID, "version": version})

	return map[string]any{
		"block":  blockPayload(block),
		"commit": commitPayload(commit),
	}, nil
}

func (s *Service) UpdateBlockMeta(ctx context.Context, session Session, blockID, name string, sortOrder int) (map[string]any, error) {
	block, err := s.getBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	resource, err := s.getResource(ctx, block.ResourceID)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = block.Name
	}
	if err := s.store.UpdateBlockMeta(ctx, blockID, name, sortOrder); err != nil {
		return nil, err
	}
	block.Name = name
	block.SortOrder = sortOrder

	if _, err := s.commitManifest(ctx, resource, session.UserName, "Rename block to "+name); err != nil {
		return nil, err
	}

	s.indexBlock(block, resource.Kind)
	s.audit(ctx, "block.renamed", session.UserName, block.ResourceID, map[string]any{"blockId": blockID, "name": name})

	return map[string]any{"block": blockPayload(block)}, nil
}

func (s *Service) DeleteBlock(ctx context.Context, session Session, blockID string) error {
	block, err := s.getBlock(ctx, blockID)
	if err != nil {
		return err
	}
	resource, err := s.getResource(ctx, block.ResourceID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteBlock(ctx, blockID); err != nil {
		return err
	}
	_ = s.store.TouchResource(ctx, block.ResourceID)

	if _, err := s.commitManifest(ctx, resource, session.UserName, "Remove block "+block.Name); err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteBlock(blockID)
	}
	s.audit(ctx, "block.deleted", session.UserName, block.ResourceID, map[string]any{"blockId": blockID})
	return nil
}

func (s *Service) GetBlockDetail(ctx context.Context, blockID string) (map[string]any, error) {
	block, err := s.getBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetBlockVersion(ctx, blockID, block.CurrentVersion)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"block":   blockPayload(block),
		"current": blockVersionPayload(current),
	}, nil
}

// --- Published versions ---

func (s *Service) PublishVersion(ctx context.Context, session Session, resourceID, name string) (map[string]any, error) {
	resource, err := s.getResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	candidate, err := semver.NewVersion(name)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_VERSION", "version name must be a semantic version", map[string]any{"name": name})
	}

	if _, err := s.store.GetResourceVersion(ctx, resourceID, name); err == nil {
		return nil, domainError(http.StatusConflict, "VERSION_EXISTS", "version already published", map[string]any{"name": name})
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	existing, err := s.store.ListResourceVersions(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if latest := latestVersion(existing); latest != nil && !candidate.GreaterThan(latest) {
		return nil, domainError(http.StatusUnprocessableEntity, "VERSION_NOT_INCREASING", "version must be greater than the latest published version", map[string]any{"latest": latest.Original()})
	}

	entries, err := s.store.CurrentBlockVersions(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "EMPTY_RESOURCE", "resource has no blocks to publish", nil)
	}

	manifest := manifestFor(resource, entries, true)
	commit, err := s.git.CommitManifest(resourceID, manifest, session.UserName, "Publish "+name)
	if err != nil {
		return nil, err
	}
	if err := s.git.TagVersion(resourceID, commit.Hash, name); err != nil {
		return nil, err
	}

	version := store.ResourceVersion{
		ID:         util.NewID("rv"),
		ResourceID: resourceID,
		Name:       name,
		CommitHash: commit.Hash,
		Status:     "published",
		CreatedBy:  session.UserID,
	}
	entryIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		entryIDs = append(entryIDs, entry.ID)
	}
	if err := s.store.InsertResourceVersion(ctx, version, entryIDs); err != nil {
		return nil, err
	}

	if s.artifacts != nil {
		if bundle, err := json.Marshal(bundlePayload(resource, version, entries)); err == nil {
			if _, err := s.artifacts.PutBundle(ctx, resource.Slug, name, bundle); err != nil {
				log.Printf("publish: bundle upload for %s@%s failed: %v", resource.Slug, name, err)
			}
		}
	}

	s.audit(ctx, "version.published", session.UserName, resourceID, map[string]any{"name": name, "commit": commit.Hash})

	return map[string]any{
		"version": versionPayload(version),
		"commit":  commitPayload(commit),
	}, nil
}

func (s *Service) ListVersions(ctx context.Context, resourceID string) (map[string]any, error) {
	if _, err := s.getResource(ctx, resourceID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListResourceVersions(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	sortVersionsDescending(versions)
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v))
	}
	return map[string]any{"versions": items}, nil
}

func (s *Service) GetVersionDetail(ctx context.Context, resourceID, name string) (map[string]any, error) {
	if _, err := s.getResource(ctx, resourceID); err != nil {
		return nil, err
	}
	version, err := s.getVersion(ctx, resourceID, name)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.VersionEntries(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	entryItems := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		entryItems = append(entryItems, blockVersionPayload(entry))
	}
	return map[string]any{
		"version": versionPayload(version),
		"entries": entryItems,
	}, nil
}

// Compare diffs the block snapshots of two published versions. When `from` is
// empty the version preceding `to` is used; the first published version has
// no predecessor and is rejected.
func (s *Service) Compare(ctx context.Context, resourceID, from, to string) (map[string]any, error) {
	if _, err := s.getResource(ctx, resourceID); err != nil {
		return nil, err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "to version is required", nil)
	}
	from = strings.TrimSpace(from)
	if from == "" {
		prior, err := s.priorVersionName(ctx, resourceID, to)
		if err != nil {
			return nil, err
		}
		from = prior
	}
	if from == to {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to must differ", nil)
	}

	if s.cache != nil {
		if raw, err := s.cache.LookupCompareResult(ctx, resourceID, from, to); err == nil {
			var payload map[string]any
			if err := json.Unmarshal(raw, &payload); err == nil {
				return payload, nil
			}
		}
	}

	sourceEntries, err := s.versionEntries(ctx, resourceID, from)
	if err != nil {
		return nil, err
	}
	targetEntries, err := s.versionEntries(ctx, resourceID, to)
	if err != nil {
		return nil, err
	}

	result, err := diff.Compute(sourceEntries, targetEntries)
	if err != nil {
		if errors.Is(err, diff.ErrDuplicateEntity) {
			return nil, domainError(http.StatusConflict, "DUPLICATE_BLOCK", err.Error(), nil)
		}
		return nil, err
	}

	payload := comparePayload(resourceID, from, to, result)

	if s.cache != nil {
		if raw, err := json.Marshal(payload); err == nil {
			_ = s.cache.CacheCompareResult(ctx, resourceID, from, to, raw)
		}
	}
	return payload, nil
}

func (s *Service) priorVersionName(ctx context.Context, resourceID, to string) (string, error) {
	versions, err := s.store.ListResourceVersions(ctx, resourceID)
	if err != nil {
		return "", err
	}
	sortVersionsDescending(versions)
	// Descending order: the predecessor is the next entry after `to`.
	for i, v := range versions {
		if v.Name == to {
			if i+1 >= len(versions) {
				return "", errNoPriorVersion
			}
			return versions[i+1].Name, nil
		}
	}
	return "", errVersionNotFound
}

func (s *Service) versionEntries(ctx context.Context, resourceID, name string) ([]store.BlockVersion, error) {
	version, err := s.getVersion(ctx, resourceID, name)
	if err != nil {
		return nil, err
	}
	return s.store.VersionEntries(ctx, version.ID)
}

// ExportVersion uploads the version bundle to object storage and returns a
// time-limited download link. The bundle is rebuilt from the tagged manifest,
// not from live rows.
func (s *Service) ExportVersion(ctx context.Context, session Session, resourceID, name string) (map[string]any, error) {
	if s.artifacts == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARTIFACTS_UNAVAILABLE", "Object storage not configured", nil)
	}
	resource, err := s.getResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	version, err := s.getVersion(ctx, resourceID, name)
	if err != nil {
		return nil, err
	}

	manifest, err := s.git.ManifestAtRef(resourceID, version.Name)
	if err != nil {
		return nil, fmt.Errorf("read tagged manifest: %w", err)
	}
	bundle, err := json.Marshal(map[string]any{
		"resource": resourcePayload(resource),
		"version":  versionPayload(version),
		"manifest": manifest,
	})
	if err != nil {
		return nil, err
	}

	key, err := s.artifacts.PutBundle(ctx, resource.Slug, version.Name, bundle)
	if err != nil {
		return nil, err
	}
	url, err := s.artifacts.PresignedURL(ctx, key, 15*time.Minute)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "version.exported", session.UserName, resourceID, map[string]any{"name": name, "key": key})

	return map[string]any{"key": key, "url": url}, nil
}

// --- Git history ---

func (s *Service) History(ctx context.Context, resourceID string, limit int) (map[string]any, error) {
	if _, err := s.getResource(ctx, resourceID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	commits, err := s.git.History(resourceID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		items = append(items, commitPayload(c))
	}
	return map[string]any{"commits": items}, nil
}

// --- Git provider integration ---

func (s *Service) GitHostStatus(ctx context.Context) (map[string]any, error) {
	if s.host == nil {
		return nil, domainError(http.StatusServiceUnavailable, "GITHOST_UNAVAILABLE", "Git provider not configured", nil)
	}
	installation, err := s.host.Installation(ctx)
	if err != nil {
		if errors.Is(err, githost.ErrNotInstalled) {
			return map[string]any{"installed": false}, nil
		}
		return nil, err
	}
	return map[string]any{"installed": true, "installation": installation}, nil
}

func (s *Service) GitHostRepositories(ctx context.Context) (map[string]any, error) {
	if s.host == nil {
		return nil, domainError(http.StatusServiceUnavailable, "GITHOST_UNAVAILABLE", "Git provider not configured", nil)
	}
	repos, err := s.host.Repositories(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"repositories": repos}, nil
}

// OpenPullRequest publishes a version's manifest as a pull request on the git
// provider. When no repository is named, one is created from the resource
// slug.
func (s *Service) OpenPullRequest(ctx context.Context, session Session, resourceID string, input OpenPullRequestInput) (map[string]any, error) {
	if s.host == nil {
		return nil, domainError(http.StatusServiceUnavailable, "GITHOST_UNAVAILABLE", "Git provider not configured", nil)
	}
	resource, err := s.getResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	version, err := s.getVersion(ctx, resourceID, input.VersionName)
	if err != nil {
		return nil, err
	}

	repoFullName := strings.TrimSpace(input.RepoFullName)
	if repoFullName == "" {
		repo, err := s.host.CreateRepository(ctx, resource.Slug, true)
		if err != nil {
			return nil, err
		}
		repoFullName = repo.FullName
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = fmt.Sprintf("Release %s %s", resource.Name, version.Name)
	}
	head := strings.TrimSpace(input.Head)
	if head == "" {
		head = "release/" + version.Name
	}
	base := strings.TrimSpace(input.Base)
	if base == "" {
		base = "main"
	}

	created, err := s.host.CreatePullRequest(ctx, githost.PullRequestInput{
		RepoFullName: repoFullName,
		Title:        title,
		Body:         input.Body,
		Head:         head,
		Base:         base,
	})
	if err != nil {
		return nil, err
	}

	record := store.PullRequest{
		ID:           util.NewID("pr"),
		ResourceID:   resourceID,
		VersionName:  version.Name,
		RepoFullName: repoFullName,
		Number:       created.Number,
		URL:          created.URL,
		State:        created.State,
		CreatedBy:    session.UserID,
	}
	if err := s.store.InsertPullRequest(ctx, record); err != nil {
		return nil, err
	}

	s.audit(ctx, "pull_request.opened", session.UserName, resourceID, map[string]any{"repo": repoFullName, "number": created.Number})

	return map[string]any{"pullRequest": pullRequestPayload(record)}, nil
}

func (s *Service) ListPullRequests(ctx context.Context, resourceID string) (map[string]any, error) {
	if _, err := s.getResource(ctx, resourceID); err != nil {
		return nil, err
	}
	records, err := s.store.ListPullRequests(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, pr := range records {
		items = append(items, pullRequestPayload(pr))
	}
	return map[string]any{"pullRequests": items}, nil
}

// --- Search ---

func (s *Service) Search(ctx context.Context, text, filterType, filterKind string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	var resultType search.ResultType
	switch filterType {
	case "":
	case string(search.ResultResource), string(search.ResultBlock):
		resultType = search.ResultType(filterType)
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be resource or block", nil)
	}
	return s.search.Search(search.Query{
		Text:       text,
		FilterType: resultType,
		FilterKind: filterKind,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// --- Audit ---

func (s *Service) AuditLog(ctx context.Context, resourceID string, limit int) (map[string]any, error) {
	if _, err := s.getResource(ctx, resourceID); err != nil {
		return nil, err
	}
	events, err := s.store.ListAuditEvents(ctx, resourceID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"id":        event.ID,
			"type":      event.EventType,
			"actor":     event.ActorName,
			"payload":   event.Payload,
			"createdAt": event.CreatedAt,
		})
	}
	return map[string]any{"events": items}, nil
}

// --- Helpers ---

func (s *Service) getResource(ctx context.Context, resourceID string) (store.Resource, error) {
	resource, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Resource{}, errResourceNotFound
		}
		return store.Resource{}, err
	}
	return resource, nil
}

func (s *Service) getBlock(ctx context.Context, blockID string) (store.Block, error) {
	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Block{}, errBlockNotFound
		}
		return store.Block{}, err
	}
	return block, nil
}

func (s *Service) getVersion(ctx context.Context, resourceID, name string) (store.ResourceVersion, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.ResourceVersion{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version name is required", nil)
	}
	version, err := s.store.GetResourceVersion(ctx, resourceID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ResourceVersion{}, errVersionNotFound
		}
		return store.ResourceVersion{}, err
	}
	return version, nil
}

// commitManifest writes the resource's current block state to its git repo.
func (s *Service) commitManifest(ctx context.Context, resource store.Resource, author, message string) (store.CommitInfo, error) {
	entries, err := s.store.CurrentBlockVersions(ctx, resource.ID)
	if err != nil {
		return store.CommitInfo{}, err
	}
	return s.git.CommitManifest(resource.ID, manifestFor(resource, entries, false), author, message)
}

func manifestFor(resource store.Resource, entries []store.BlockVersion, withPayloads bool) gitrepo.Manifest {
	refs := make([]gitrepo.BlockRef, 0, len(entries))
	for _, entry := range entries {
		ref := gitrepo.BlockRef{
			BlockID: entry.BlockID,
			Name:    entry.BlockName,
			Type:    entry.BlockType,
			Version: entry.Version,
		}
		if withPayloads {
			ref.Payload = entry.Payload
		}
		refs = append(refs, ref)
	}
	return gitrepo.Manifest{
		Name:        resource.Name,
		Slug:        resource.Slug,
		Description: resource.Description,
		Kind:        resource.Kind,
		Blocks:      refs,
	}
}

func (s *Service) indexResource(resource store.Resource) {
	if s.search == nil {
		return
	}
	s.search.IndexResource(search.ResourceRecord{
		ID:          resource.ID,
		Name:        resource.Name,
		Description: resource.Description,
		Kind:        resource.Kind,
		Status:      resource.Status,
	})
}

func (s *Service) indexBlock(block store.Block, kind string) {
	if s.search == nil {
		return
	}
	s.search.IndexBlock(search.BlockRecord{
		ID:         block.ID,
		Name:       block.Name,
		Type:       block.Type,
		ResourceID: block.ResourceID,
		Kind:       kind,
	})
}

func (s *Service) audit(ctx context.Context, eventType, actor, resourceID string, payload map[string]any) {
	if err := s.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventType:  eventType,
		ActorName:  actor,
		ResourceID: resourceID,
		Payload:    payload,
	}); err != nil {
		log.Printf("audit: %s: %v", eventType, err)
	}
}

func latestVersion(versions []store.ResourceVersion) *semver.Version {
	var latest *semver.Version
	for _, v := range versions {
		parsed, err := semver.NewVersion(v.Name)
		if err != nil {
			continue
		}
		if latest == nil || parsed.GreaterThan(latest) {
			latest = parsed
		}
	}
	return latest
}

// sortVersionsDescending orders newest first. Names are validated at publish
// time, but unparseable names are tolerated and sort last.
func sortVersionsDescending(versions []store.ResourceVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		vi, erri := semver.NewVersion(versions[i].Name)
		vj, errj := semver.NewVersion(versions[j].Name)
		if erri != nil || errj != nil {
			if erri == nil {
				return true
			}
			if errj == nil {
				return false
			}
			return versions[i].Name > versions[j].Name
		}
		return vi.GreaterThan(vj)
	})
}

func comparePayload(resourceID, from, to string, result diff.Result[store.BlockVersion]) map[string]any {
	created := make([]map[string]any, 0, len(result.Created))
	for _, entry := range result.Created {
		created = append(created, blockVersionPayload(entry))
	}
	updated := make([]map[string]any, 0, len(result.Updated))
	for _, pair := range result.Updated {
		updated = append(updated, map[string]any{
			"before": blockVersionPayload(pair.Before),
			"after":  blockVersionPayload(pair.After),
		})
	}
	deleted := make([]map[string]any, 0, len(result.Deleted))
	for _, entry := range result.Deleted {
		deleted = append(deleted, blockVersionPayload(entry))
	}
	return map[string]any{
		"resourceId": resourceID,
		"from":       from,
		"to":         to,
		"created":    created,
		"updated":    updated,
		"deleted":    deleted,
		"identical":  result.Empty(),
	}
}

func bundlePayload(resource store.Resource, version store.ResourceVersion, entries []store.BlockVersion) map[string]any {
	blocks := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		blocks = append(blocks, blockVersionPayload(entry))
	}
	return map[string]any{
		"resource": resourcePayload(resource),
		"version":  versionPayload(version),
		"blocks":   blocks,
	}
}

func resourcePayload(r store.Resource) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"name":        r.Name,
		"slug":        r.Slug,
		"description": r.Description,
		"kind":        r.Kind,
		"status":      r.Status,
		"createdBy":   r.CreatedBy,
		"createdAt":   r.CreatedAt,
		"updatedAt":   r.UpdatedAt,
	}
}

func blockPayload(b store.Block) map[string]any {
	return map[string]any{
		"id":             b.ID,
		"resourceId":     b.ResourceID,
		"name":           b.Name,
		"type":           b.Type,
		"sortOrder":      b.SortOrder,
		"currentVersion": b.CurrentVersion,
		"createdAt":      b.CreatedAt,
		"updatedAt":      b.UpdatedAt,
	}
}

func blockVersionPayload(v store.BlockVersion) map[string]any {
	return map[string]any{
		"id":        v.ID,
		"blockId":   v.BlockID,
		"name":      v.BlockName,
		"type":      v.BlockType,
		"version":   v.Version,
		"payload":   v.Payload,
		"createdBy": v.CreatedBy,
		"createdAt": v.CreatedAt,
	}
}

func versionPayload(v store.ResourceVersion) map[string]any {
	return map[string]any{
		"id":         v.ID,
		"resourceId": v.ResourceID,
		"name":       v.Name,
		"commitHash": v.CommitHash,
		"status":     v.Status,
		"createdBy":  v.CreatedBy,
		"createdAt":  v.CreatedAt,
	}
}

func commitPayload(c store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":      c.Hash,
		"message":   c.Message,
		"author":    c.Author,
		"createdAt": c.CreatedAt,
	}
}

func pullRequestPayload(pr store.PullRequest) map[string]any {
	return map[string]any{
		"id":           pr.ID,
		"resourceId":   pr.ResourceID,
		"versionName":  pr.VersionName,
		"repoFullName": pr.RepoFullName,
		"number":       pr.Number,
		"url":          pr.URL,
		"state":        pr.State,
		"createdBy":    pr.CreatedBy,
		"createdAt":    pr.CreatedAt,
	}
}
