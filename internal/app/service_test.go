package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"stencil/api/internal/authpw"
	"stencil/api/internal/config"
	"stencil/api/internal/githost"
	"stencil/api/internal/gitrepo"
	"stencil/api/internal/search"
	"stencil/api/internal/store"
)

// --- fakes ---

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

type fakeStore struct {
	users          map[string]store.User
	usersByEmail   map[string]string
	refresh        map[string]refreshRecord
	resets         map[string]string
	resetsUsed     map[string]bool
	resources      []store.Resource
	blocks         []store.Block
	deletedBlocks  map[string]bool
	blockVersions  []store.BlockVersion
	versions       []store.ResourceVersion
	versionEntries map[string][]string
	pulls          []store.PullRequest
	audits         []store.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:          make(map[string]store.User),
		usersByEmail:   make(map[string]string),
		refresh:        make(map[string]refreshRecord),
		resets:         make(map[string]string),
		resetsUsed:     make(map[string]bool),
		deletedBlocks:  make(map[string]bool),
		versionEntries: make(map[string][]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	id, ok := f.usersByEmail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[id], nil
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	f.users[user.ID] = user
	f.usersByEmail[user.Email] = user.ID
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	user := f.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(ctx context.Context, token string) error {
	for id, user := range f.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return errors.New("invalid or expired verification token")
}

func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if f.resetsUsed[token] {
		return "", sql.ErrNoRows
	}
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	f.resetsUsed[token] = true
	return nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	record, ok := f.refresh[tokenHash]
	if !ok || time.Now().After(record.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return f.GetUserByID(ctx, record.userID)
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) ListResources(ctx context.Context) ([]store.Resource, error) {
	return append([]store.Resource(nil), f.resources...), nil
}

func (f *fakeStore) GetResource(ctx context.Context, resourceID string) (store.Resource, error) {
	for _, r := range f.resources {
		if r.ID == resourceID {
			return r, nil
		}
	}
	return store.Resource{}, sql.ErrNoRows
}

func (f *fakeStore) InsertResource(ctx context.Context, r store.Resource) error {
	f.resources = append(f.resources, r)
	return nil
}

func (f *fakeStore) UpdateResource(ctx context.Context, resourceID, name, description, kind string) error {
	for i, r := range f.resources {
		if r.ID == resourceID {
			f.resources[i].Name = name
			f.resources[i].Description = description
			f.resources[i].Kind = kind
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) ArchiveResource(ctx context.Context, resourceID string) error {
	for i, r := range f.resources {
		if r.ID == resourceID {
			f.resources[i].Status = "archived"
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) TouchResource(ctx context.Context, resourceID string) error { return nil }

func (f *fakeStore) ListBlocks(ctx context.Context, resourceID string) ([]store.Block, error) {
	var out []store.Block
	for _, b := range f.blocks {
		if b.ResourceID == resourceID && !f.deletedBlocks[b.ID] {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (f *fakeStore) GetBlock(ctx context.Context, blockID string) (store.Block, error) {
	for _, b := range f.blocks {
		if b.ID == blockID && !f.deletedBlocks[b.ID] {
			return b, nil
		}
	}
	return store.Block{}, sql.ErrNoRows
}

func (f *fakeStore) InsertBlock(ctx context.Context, b store.Block, initial store.BlockVersion) error {
	f.blocks = append(f.blocks, b)
	initial.BlockName = b.Name
	initial.BlockType = b.Type
	f.blockVersions = append(f.blockVersions, initial)
	return nil
}

func (f *fakeStore) AppendBlockVersion(ctx context.Context, blockID, versionID string, payload json.RawMessage, author string) (int, error) {
	for i, b := range f.blocks {
		if b.ID == blockID {
			next := b.CurrentVersion + 1
			f.blocks[i].CurrentVersion = next
			f.blockVersions = append(f.blockVersions, store.BlockVersion{
				ID:        versionID,
				BlockID:   blockID,
				Version:   next,
				Payload:   payload,
				CreatedBy: author,
				BlockName: b.Name,
				BlockType: b.Type,
			})
			return next, nil
		}
	}
	return 0, sql.ErrNoRows
}

func (f *fakeStore) UpdateBlockMeta(ctx context.Context, blockID, name string, sortOrder int) error {
	for i, b := range f.blocks {
		if b.ID == blockID {
			f.blocks[i].Name = name
			f.blocks[i].SortOrder = sortOrder
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) DeleteBlock(ctx context.Context, blockID string) error {
	f.deletedBlocks[blockID] = true
	return nil
}

func (f *fakeStore) CurrentBlockVersions(ctx context.Context, resourceID string) ([]store.BlockVersion, error) {
	blocks, _ := f.ListBlocks(ctx, resourceID)
	var out []store.BlockVersion
	for _, b := range blocks {
		v, err := f.GetBlockVersion(ctx, b.ID, b.CurrentVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeStore) GetBlockVersion(ctx context.Context, blockID string, version int) (store.BlockVersion, error) {
	for _, v := range f.blockVersions {
		if v.BlockID == blockID && v.Version == version {
			return v, nil
		}
	}
	return store.BlockVersion{}, sql.ErrNoRows
}

func (f *fakeStore) InsertResourceVersion(ctx context.Context, v store.ResourceVersion, entryIDs []string) error {
	f.versions = append(f.versions, v)
	f.versionEntries[v.ID] = append([]string(nil), entryIDs...)
	return nil
}

func (f *fakeStore) ListResourceVersions(ctx context.Context, resourceID string) ([]store.ResourceVersion, error) {
	var out []store.ResourceVersion
	for _, v := range f.versions {
		if v.ResourceID == resourceID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) GetResourceVersion(ctx context.Context, resourceID, name string) (store.ResourceVersion, error) {
	for _, v := range f.versions {
		if v.ResourceID == resourceID && v.Name == name {
			return v, nil
		}
	}
	return store.ResourceVersion{}, sql.ErrNoRows
}

func (f *fakeStore) VersionEntries(ctx context.Context, resourceVersionID string) ([]store.BlockVersion, error) {
	ids, ok := f.versionEntries[resourceVersionID]
	if !ok {
		return nil, nil
	}
	var out []store.BlockVersion
	for _, id := range ids {
		for _, v := range f.blockVersions {
			if v.ID == id {
				out = append(out, v)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPullRequest(ctx context.Context, pr store.PullRequest) error {
	f.pulls = append(f.pulls, pr)
	return nil
}

func (f *fakeStore) ListPullRequests(ctx context.Context, resourceID string) ([]store.PullRequest, error) {
	var out []store.PullRequest
	for _, pr := range f.pulls {
		if pr.ResourceID == resourceID {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAuditEvent(ctx context.Context, event store.AuditEvent) error {
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeStore) ListAuditEvents(ctx context.Context, resourceID string, limit int) ([]store.AuditEvent, error) {
	var out []store.AuditEvent
	for _, event := range f.audits {
		if event.ResourceID == resourceID {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeGit struct {
	commits   map[string][]store.CommitInfo
	manifests map[string]map[string]gitrepo.Manifest
	tags      map[string]map[string]string
	counter   int
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		commits:   make(map[string][]store.CommitInfo),
		manifests: make(map[string]map[string]gitrepo.Manifest),
		tags:      make(map[string]map[string]string),
	}
}

func (g *fakeGit) EnsureResourceRepo(resourceID string, initial gitrepo.Manifest, author string) error {
	if _, ok := g.commits[resourceID]; ok {
		return nil
	}
	_, err := g.CommitManifest(resourceID, initial, author, "Initialize resource")
	return err
}

func (g *fakeGit) CommitManifest(resourceID string, m gitrepo.Manifest, author, message string) (store.CommitInfo, error) {
	g.counter++
	commit := store.CommitInfo{
		Hash:      fmt.Sprintf("c%04d", g.counter),
		Message:   message,
		Author:    author,
		CreatedAt: time.Now(),
	}
	g.commits[resourceID] = append(g.commits[resourceID], commit)
	if g.manifests[resourceID] == nil {
		g.manifests[resourceID] = make(map[string]gitrepo.Manifest)
	}
	g.manifests[resourceID][commit.Hash] = m
	return commit, nil
}

func (g *fakeGit) TagVersion(resourceID, hash, name string) error {
	if g.tags[resourceID] == nil {
		g.tags[resourceID] = make(map[string]string)
	}
	g.tags[resourceID][name] = hash
	return nil
}

func (g *fakeGit) ManifestAtRef(resourceID, ref string) (gitrepo.Manifest, error) {
	if hash, ok := g.tags[resourceID][ref]; ok {
		ref = hash
	}
	m, ok := g.manifests[resourceID][ref]
	if !ok {
		return gitrepo.Manifest{}, fmt.Errorf("ref %q not found", ref)
	}
	return m, nil
}

func (g *fakeGit) HeadManifest(resourceID string) (gitrepo.Manifest, store.CommitInfo, error) {
	commits := g.commits[resourceID]
	if len(commits) == 0 {
		return gitrepo.Manifest{}, store.CommitInfo{}, errors.New("no commits")
	}
	head := commits[len(commits)-1]
	return g.manifests[resourceID][head.Hash], head, nil
}

func (g *fakeGit) History(resourceID string, limit int) ([]store.CommitInfo, error) {
	commits := g.commits[resourceID]
	var out []store.CommitInfo
	for i := len(commits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, commits[i])
	}
	return out, nil
}

type fakeHost struct {
	installed    bool
	createdRepos []string
	prs          []githost.PullRequestInput
}

func (h *fakeHost) Installation(ctx context.Context) (githost.Installation, error) {
	if !h.installed {
		return githost.Installation{}, githost.ErrNotInstalled
	}
	return githost.Installation{ID: 42, Login: "stencil-org", TargetType: "Organization"}, nil
}

func (h *fakeHost) Repositories(ctx context.Context) ([]githost.Repository, error) {
	return []githost.Repository{{ID: 1, Name: "infra", FullName: "stencil-org/infra", DefaultBranch: "main"}}, nil
}

func (h *fakeHost) CreateRepository(ctx context.Context, name string, private bool) (githost.Repository, error) {
	h.createdRepos = append(h.createdRepos, name)
	return githost.Repository{ID: 2, Name: name, FullName: "stencil-org/" + name, DefaultBranch: "main", Private: private}, nil
}

func (h *fakeHost) CreatePullRequest(ctx context.Context, input githost.PullRequestInput) (githost.PullRequest, error) {
	h.prs = append(h.prs, input)
	return githost.PullRequest{Number: len(h.prs), URL: "https://example.test/pr/1", State: "open"}, nil
}

type fakeCache struct {
	refresh map[string]store.User
	compare map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		refresh: make(map[string]store.User),
		compare: make(map[string][]byte),
	}
}

func (c *fakeCache) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	c.refresh[tokenHash] = user
	return nil
}

func (c *fakeCache) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	user, ok := c.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (c *fakeCache) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(c.refresh, tokenHash)
	return nil
}

func (c *fakeCache) CacheCompareResult(ctx context.Context, resourceID, from, to string, payload []byte) error {
	c.compare[resourceID+"|"+from+"|"+to] = payload
	return nil
}

func (c *fakeCache) LookupCompareResult(ctx context.Context, resourceID, from, to string) ([]byte, error) {
	raw, ok := c.compare[resourceID+"|"+from+"|"+to]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return raw, nil
}

func (c *fakeCache) Ping(ctx context.Context) error { return nil }

type fakeSearch struct {
	resources map[string]search.ResourceRecord
	blocks    map[string]search.BlockRecord
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{
		resources: make(map[string]search.ResourceRecord),
		blocks:    make(map[string]search.BlockRecord),
	}
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexResource(rec search.ResourceRecord) { f.resources[rec.ID] = rec }
func (f *fakeSearch) IndexBlock(rec search.BlockRecord)       { f.blocks[rec.ID] = rec }
func (f *fakeSearch) DeleteResource(id string)                { delete(f.resources, id) }
func (f *fakeSearch) DeleteBlock(id string)                   { delete(f.blocks, id) }

// --- helpers ---

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeGit) {
	t.Helper()
	fs := newFakeStore()
	fs.users["usr_1"] = store.User{ID: "usr_1", DisplayName: "Avery", Email: "avery@example.test", Role: "editor", IsEmailVerified: true}
	git := newFakeGit()
	svc := &Service{cfg: testConfig(), store: fs, git: git, authpw: authpw.NewService(fs)}
	return svc, fs, git
}

func editorSession(t *testing.T, svc *Service) Session {
	t.Helper()
	session, err := svc.CreateSession(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func seedResource(t *testing.T, svc *Service, session Session) string {
	t.Helper()
	payload, err := svc.CreateResource(context.Background(), session, "Payment Service", "Payments template", "service")
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	resource := payload["resource"].(map[string]any)
	return resource["id"].(string)
}

func seedBlock(t *testing.T, svc *Service, session Session, resourceID, name string) string {
	t.Helper()
	payload, err := svc.CreateBlock(context.Background(), session, resourceID, CreateBlockInput{
		Name:    name,
		Type:    "config",
		Payload: json.RawMessage(`{"replicas":1}`),
	})
	if err != nil {
		t.Fatalf("CreateBlock %s: %v", name, err)
	}
	block := payload["block"].(map[string]any)
	return block["id"].(string)
}

func wantDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s", code, domainErr.Code)
	}
}

// --- tests ---

func TestSessionLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session := editorSession(t, svc)
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", session)
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "usr_1" || parsed.Role != "editor" {
		t.Fatalf("unexpected session: %+v", parsed)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("expected refresh token rotation")
	}

	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("expected old refresh token to be revoked")
	}

	if err := svc.Logout(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("expected refresh token revoked after logout")
	}
}

func TestSessionRefreshPrefersRedis(t *testing.T) {
	svc, fs, _ := newTestService(t)
	cache := newFakeCache()
	svc.UseSessionCache(cache)
	ctx := context.Background()

	session := editorSession(t, svc)
	if len(cache.refresh) != 1 {
		t.Fatalf("expected refresh session in cache, got %d", len(cache.refresh))
	}
	if len(fs.refresh) != 0 {
		t.Fatalf("expected no postgres fallback rows, got %d", len(fs.refresh))
	}

	if _, err := svc.Refresh(ctx, session.RefreshToken); err != nil {
		t.Fatalf("Refresh via cache: %v", err)
	}
}

func TestResourceLifecycle(t *testing.T) {
	svc, fs, git := newTestService(t)
	idx := newFakeSearch()
	svc.UseSearch(idx)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	if len(git.commits[resourceID]) != 1 {
		t.Fatalf("expected init commit, got %d", len(git.commits[resourceID]))
	}
	if _, ok := idx.resources[resourceID]; !ok {
		t.Fatal("expected resource indexed")
	}

	if _, err := svc.CreateResource(ctx, session, "   ", "", ""); err == nil {
		t.Fatal("expected validation error for blank name")
	}

	if _, err := svc.UpdateResource(ctx, session, resourceID, "Payments v2", "Updated", "service"); err != nil {
		t.Fatalf("UpdateResource: %v", err)
	}
	updated, _ := fs.GetResource(ctx, resourceID)
	if updated.Name != "Payments v2" {
		t.Fatalf("expected renamed resource, got %q", updated.Name)
	}

	if err := svc.ArchiveResource(ctx, session, resourceID); err != nil {
		t.Fatalf("ArchiveResource: %v", err)
	}
	archived, _ := fs.GetResource(ctx, resourceID)
	if archived.Status != "archived" {
		t.Fatalf("expected archived status, got %q", archived.Status)
	}
	if _, ok := idx.resources[resourceID]; ok {
		t.Fatal("expected resource removed from index")
	}

	err := svc.ArchiveResource(ctx, session, "res_missing")
	wantDomainCode(t, err, "RESOURCE_NOT_FOUND")
}

func TestBlockLifecycle(t *testing.T) {
	svc, _, git := newTestService(t)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	blockID := seedBlock(t, svc, session, resourceID, "deployment")

	if _, err := svc.CreateBlock(ctx, session, resourceID, CreateBlockInput{Name: "x", Type: "bogus"}); err == nil {
		t.Fatal("expected unknown block type to be rejected")
	}

	payload, err := svc.UpdateBlockPayload(ctx, session, blockID, json.RawMessage(`{"replicas":3}`))
	if err != nil {
		t.Fatalf("UpdateBlockPayload: %v", err)
	}
	block := payload["block"].(map[string]any)
	if block["currentVersion"].(int) != 2 {
		t.Fatalf("expected version 2, got %v", block["currentVersion"])
	}

	if _, err := svc.UpdateBlockMeta(ctx, session, blockID, "deploy", 5); err != nil {
		t.Fatalf("UpdateBlockMeta: %v", err)
	}

	if err := svc.DeleteBlock(ctx, session, blockID); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	_, err = svc.GetBlockDetail(ctx, blockID)
	wantDomainCode(t, err, "BLOCK_NOT_FOUND")

	// init + add + update + rename + remove
	if got := len(git.commits[resourceID]); got != 5 {
		t.Fatalf("expected 5 commits, got %d", got)
	}
}

func TestPublishVersion(t *testing.T) {
	svc, fs, git := newTestService(t)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)

	_, err := svc.PublishVersion(ctx, session, resourceID, "1.0.0")
	wantDomainCode(t, err, "EMPTY_RESOURCE")

	seedBlock(t, svc, session, resourceID, "deployment")

	_, err = svc.PublishVersion(ctx, session, resourceID, "not-a-version")
	wantDomainCode(t, err, "INVALID_VERSION")

	payload, err := svc.PublishVersion(ctx, session, resourceID, "1.0.0")
	if err != nil {
		t.Fatalf("PublishVersion: %v", err)
	}
	version := payload["version"].(map[string]any)
	if version["name"].(string) != "1.0.0" {
		t.Fatalf("unexpected version payload: %v", version)
	}
	if _, ok := git.tags[resourceID]["1.0.0"]; !ok {
		t.Fatal("expected git tag for published version")
	}
	stored, err := fs.GetResourceVersion(ctx, resourceID, "1.0.0")
	if err != nil {
		t.Fatalf("expected stored version: %v", err)
	}
	if len(fs.versionEntries[stored.ID]) != 1 {
		t.Fatalf("expected one snapshot entry, got %d", len(fs.versionEntries[stored.ID]))
	}

	_, err = svc.PublishVersion(ctx, session, resourceID, "1.0.0")
	wantDomainCode(t, err, "VERSION_EXISTS")

	_, err = svc.PublishVersion(ctx, session, resourceID, "0.9.0")
	wantDomainCode(t, err, "VERSION_NOT_INCREASING")
}

func TestCompareVersions(t *testing.T) {
	svc, _, _ := newTestService(t)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	blockA := seedBlock(t, svc, session, resourceID, "alpha")
	blockB := seedBlock(t, svc, session, resourceID, "beta")

	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.0.0"); err != nil {
		t.Fatalf("publish 1.0.0: %v", err)
	}

	if _, err := svc.UpdateBlockPayload(ctx, session, blockB, json.RawMessage(`{"replicas":5}`)); err != nil {
		t.Fatalf("update beta: %v", err)
	}
	blockC := seedBlock(t, svc, session, resourceID, "gamma")
	if err := svc.DeleteBlock(ctx, session, blockA); err != nil {
		t.Fatalf("delete alpha: %v", err)
	}

	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.1.0"); err != nil {
		t.Fatalf("publish 1.1.0: %v", err)
	}

	payload, err := svc.Compare(ctx, resourceID, "1.0.0", "1.1.0")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}

	created := payload["created"].([]map[string]any)
	updated := payload["updated"].([]map[string]any)
	deleted := payload["deleted"].([]map[string]any)
	if len(created) != 1 || created[0]["blockId"].(string) != blockC {
		t.Fatalf("unexpected created: %v", created)
	}
	if len(updated) != 1 {
		t.Fatalf("unexpected updated: %v", updated)
	}
	before := updated[0]["before"].(map[string]any)
	after := updated[0]["after"].(map[string]any)
	if before["blockId"].(string) != blockB || before["version"].(int) != 1 || after["version"].(int) != 2 {
		t.Fatalf("unexpected updated pair: before=%v after=%v", before, after)
	}
	if len(deleted) != 1 || deleted[0]["blockId"].(string) != blockA {
		t.Fatalf("unexpected deleted: %v", deleted)
	}
	if payload["identical"].(bool) {
		t.Fatal("expected identical=false")
	}

	// Omitting `from` falls back to the predecessor of `to`.
	implicit, err := svc.Compare(ctx, resourceID, "", "1.1.0")
	if err != nil {
		t.Fatalf("Compare implicit from: %v", err)
	}
	if implicit["from"].(string) != "1.0.0" {
		t.Fatalf("expected implicit from=1.0.0, got %v", implicit["from"])
	}

	_, err = svc.Compare(ctx, resourceID, "", "1.0.0")
	wantDomainCode(t, err, "NO_PRIOR_VERSION")

	_, err = svc.Compare(ctx, resourceID, "", "9.9.9")
	wantDomainCode(t, err, "VERSION_NOT_FOUND")

	_, err = svc.Compare(ctx, resourceID, "1.0.0", "")
	wantDomainCode(t, err, "VALIDATION_ERROR")

	_, err = svc.Compare(ctx, resourceID, "1.0.0", "1.0.0")
	wantDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCompareIdenticalVersionsViaSnapshots(t *testing.T) {
	svc, fs, _ := newTestService(t)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	seedBlock(t, svc, session, resourceID, "alpha")

	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.0.0"); err != nil {
		t.Fatalf("publish 1.0.0: %v", err)
	}
	// Re-publish the same snapshot under a new name, no block changes.
	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.0.1"); err != nil {
		t.Fatalf("publish 1.0.1: %v", err)
	}

	payload, err := svc.Compare(ctx, resourceID, "1.0.0", "1.0.1")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !payload["identical"].(bool) {
		t.Fatal("expected identical snapshots")
	}
	if len(fs.versions) != 2 {
		t.Fatalf("expected two stored versions, got %d", len(fs.versions))
	}
}

func TestCompareUsesCache(t *testing.T) {
	svc, _, _ := newTestService(t)
	cache := newFakeCache()
	svc.UseSessionCache(cache)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	blockID := seedBlock(t, svc, session, resourceID, "alpha")
	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.0.0"); err != nil {
		t.Fatalf("publish 1.0.0: %v", err)
	}
	if _, err := svc.UpdateBlockPayload(ctx, session, blockID, json.RawMessage(`{"replicas":2}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.1.0"); err != nil {
		t.Fatalf("publish 1.1.0: %v", err)
	}

	if _, err := svc.Compare(ctx, resourceID, "1.0.0", "1.1.0"); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(cache.compare) != 1 {
		t.Fatalf("expected compare result cached, got %d entries", len(cache.compare))
	}

	// A primed cache short-circuits the diff entirely.
	cache.compare[resourceID+"|1.0.0|1.1.0"] = []byte(`{"fromCache":true}`)
	payload, err := svc.Compare(ctx, resourceID, "1.0.0", "1.1.0")
	if err != nil {
		t.Fatalf("Compare cached: %v", err)
	}
	if payload["fromCache"] != true {
		t.Fatalf("expected cached payload, got %v", payload)
	}
}

func TestListVersionsOrdering(t *testing.T) {
	svc, _, _ := newTestService(t)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	seedBlock(t, svc, session, resourceID, "alpha")

	for _, name := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		if _, err := svc.PublishVersion(ctx, session, resourceID, name); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}

	payload, err := svc.ListVersions(ctx, resourceID)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	versions := payload["versions"].([]map[string]any)
	var names []string
	for _, v := range versions {
		names = append(names, v["name"].(string))
	}
	want := []string{"1.10.0", "1.2.0", "1.0.0"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected semver-descending order %v, got %v", want, names)
		}
	}
}

func TestOpenPullRequest(t *testing.T) {
	svc, fs, _ := newTestService(t)
	host := &fakeHost{installed: true}
	svc.UseHost(host)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	seedBlock(t, svc, session, resourceID, "alpha")
	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.0.0"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	payload, err := svc.OpenPullRequest(ctx, session, resourceID, OpenPullRequestInput{VersionName: "1.0.0"})
	if err != nil {
		t.Fatalf("OpenPullRequest: %v", err)
	}
	if len(host.createdRepos) != 1 || host.createdRepos[0] != "payment-service" {
		t.Fatalf("expected repo created from slug, got %v", host.createdRepos)
	}
	if len(host.prs) != 1 || host.prs[0].Base != "main" || host.prs[0].Head != "release/1.0.0" {
		t.Fatalf("unexpected PR input: %+v", host.prs)
	}
	pr := payload["pullRequest"].(map[string]any)
	if pr["state"].(string) != "open" {
		t.Fatalf("unexpected PR payload: %v", pr)
	}
	if len(fs.pulls) != 1 {
		t.Fatalf("expected PR recorded, got %d", len(fs.pulls))
	}

	_, err = svc.OpenPullRequest(ctx, session, resourceID, OpenPullRequestInput{VersionName: "2.0.0"})
	wantDomainCode(t, err, "VERSION_NOT_FOUND")
}

func TestGitHostStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GitHostStatus(ctx)
	wantDomainCode(t, err, "GITHOST_UNAVAILABLE")

	host := &fakeHost{}
	svc.UseHost(host)
	payload, err := svc.GitHostStatus(ctx)
	if err != nil {
		t.Fatalf("GitHostStatus: %v", err)
	}
	if payload["installed"].(bool) {
		t.Fatal("expected installed=false")
	}

	host.installed = true
	payload, err = svc.GitHostStatus(ctx)
	if err != nil {
		t.Fatalf("GitHostStatus installed: %v", err)
	}
	if !payload["installed"].(bool) {
		t.Fatal("expected installed=true")
	}
}

func TestExportVersion(t *testing.T) {
	svc, _, _ := newTestService(t)
	session := editorSession(t, svc)
	ctx := context.Background()

	resourceID := seedResource(t, svc, session)
	seedBlock(t, svc, session, resourceID, "alpha")
	if _, err := svc.PublishVersion(ctx, session, resourceID, "1.0.0"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_, err := svc.ExportVersion(ctx, session, resourceID, "1.0.0")
	wantDomainCode(t, err, "ARTIFACTS_UNAVAILABLE")

	artifacts := &fakeArtifacts{}
	svc.UseArtifacts(artifacts)
	payload, err := svc.ExportVersion(ctx, session, resourceID, "1.0.0")
	if err != nil {
		t.Fatalf("ExportVersion: %v", err)
	}
	if payload["key"].(string) != "resources/payment-service/1.0.0.json" {
		t.Fatalf("unexpected bundle key: %v", payload["key"])
	}
	if payload["url"].(string) == "" {
		t.Fatal("expected presigned URL")
	}
	if len(artifacts.bundles) != 1 {
		t.Fatalf("expected one uploaded bundle, got %d", len(artifacts.bundles))
	}
}

type fakeArtifacts struct {
	bundles map[string][]byte
}

func (a *fakeArtifacts) PutBundle(ctx context.Context, slug, versionName string, payload []byte) (string, error) {
	if a.bundles == nil {
		a.bundles = make(map[string][]byte)
	}
	key := fmt.Sprintf("resources/%s/%s.json", slug, versionName)
	a.bundles[key] = payload
	return key, nil
}

func (a *fakeArtifacts) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://minio.test/" + key + "?sig=abc", nil
}
