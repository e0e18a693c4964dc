package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/config"
	"workdesk.org/internal/fieldcrypt"
	"workdesk.org/internal/ratelimit"
	"workdesk.org/internal/seclog"
	"workdesk.org/internal/session"
)

// --- in-memory stores ---

type memUsers struct {
	mu    sync.Mutex
	users map[int64]*access.User
	// userID -> role keys
	bindings map[int64]map[string]bool
	// role key -> permission keys
	rolePerms map[string][]string
}

func newMemUsers() *memUsers {
	return &memUsers{
		users:    make(map[int64]*access.User),
		bindings: make(map[int64]map[string]bool),
		rolePerms: map[string][]string{
			access.RoleAdmin: {access.PermAll},
			access.RoleManager: {
				access.PermProjectsViewAny, access.PermProjectsEditAny,
			},
			access.RoleClient: {
				access.PermProjectsViewOwn, access.PermProjectsEditOwn,
			},
		},
	}
}

func (m *memUsers) FindUser(_ context.Context, userID int64) (*access.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, access.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindUserInTenant(_ context.Context, tenantID, userID int64) (*access.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TenantID != tenantID {
		return nil, access.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindUserByEmail(_ context.Context, email string) (*access.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, access.ErrNotFound
}

func (m *memUsers) RoleKeys(_ context.Context, userID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.bindings[userID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memUsers) PermissionKeys(_ context.Context, userID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for role := range m.bindings[userID] {
		for _, p := range m.rolePerms[role] {
			seen[p] = true
		}
	}
	var keys []string
	for k := range seen {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memUsers) EnsureRoleBinding(_ context.Context, userID int64, roleKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[userID] == nil {
		m.bindings[userID] = make(map[string]bool)
	}
	m.bindings[userID][roleKey] = true
	return nil
}

func (m *memUsers) SetLegacyRole(_ context.Context, tenantID, userID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TenantID != tenantID {
		return access.ErrNotFound
	}
	u.LegacyRole = role
	return nil
}

func (m *memUsers) SetUserStatus(_ context.Context, tenantID, userID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TenantID != tenantID {
		return access.ErrNotFound
	}
	u.Status = status
	return nil
}

func (m *memUsers) CommitTOTPSecret(_ context.Context, userID int64, envelope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return access.ErrNotFound
	}
	u.TOTPSecret = envelope
	u.TOTPEnabled = true
	return nil
}

func (m *memUsers) DisableTOTP(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return access.ErrNotFound
	}
	u.TOTPSecret = ""
	u.TOTPEnabled = false
	return nil
}

type memProjects struct {
	mu       sync.Mutex
	projects map[int64]*access.Project
}

func (m *memProjects) FindProject(_ context.Context, tenantID, projectID int64) (*access.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok || p.TenantID != tenantID || p.DeletedAt != nil {
		return nil, access.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) UpdateProjectNotes(_ context.Context, tenantID, projectID int64, envelope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok || p.TenantID != tenantID {
		return access.ErrNotFound
	}
	p.Notes = envelope
	return nil
}

type memSessions struct {
	mu   sync.Mutex
	rows map[string]*session.Session
}

func (m *memSessions) Get(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, session.ErrNoSession
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *memSessions) Rekey(_ context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[oldID]
	if !ok {
		return session.ErrNoSession
	}
	delete(m.rows, oldID)
	s.ID = newID
	m.rows[newID] = s
	return nil
}

func (m *memSessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memSessions) DeleteIdleSince(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.rows {
		if s.LastActivityAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

type memCounters struct {
	mu   sync.Mutex
	rows map[string]*ratelimit.Counter
}

func (m *memCounters) key(action, keyHash string) string { return action + "|" + keyHash }

func (m *memCounters) Get(_ context.Context, action, keyHash string) (*ratelimit.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[m.key(action, keyHash)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCounters) Upsert(_ context.Context, c *ratelimit.Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.rows[m.key(c.Action, c.KeyHash)] = &cp
	return nil
}

func (m *memCounters) Delete(_ context.Context, action, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, m.key(action, keyHash))
	return nil
}

func (m *memCounters) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.rows {
		if c.LastAttempt.Before(cutoff) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

type memEvents struct {
	mu   sync.Mutex
	rows []seclog.Event
}

func (m *memEvents) Append(_ context.Context, ev *seclog.Event, chain func(prevHash string) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := seclog.GenesisHash
	if len(m.rows) > 0 {
		prev = m.rows[len(m.rows)-1].EventHash
	}
	hash, err := chain(prev)
	if err != nil {
		return err
	}
	ev.PrevHash = prev
	ev.EventHash = hash
	ev.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, *ev)
	return nil
}

func (m *memEvents) Events(_ context.Context, afterID int64, limit int) ([]seclog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []seclog.Event
	for _, ev := range m.rows {
		if ev.ID > afterID {
			out = append(out, ev)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memEvents) CountSince(_ context.Context, eventType, subject string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.rows {
		if ev.EventType == eventType && ev.Subject == subject && !ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memEvents) SubjectSeenFromPrefix(_ context.Context, subject, ipPrefix string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := strings.TrimSuffix(ipPrefix, ".0/24")
	for _, ev := range m.rows {
		if ev.Subject == subject && strings.HasPrefix(ev.IP, want) && !ev.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memEvents) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []seclog.Event
	var n int64
	for _, ev := range m.rows {
		if ev.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.rows = kept
	return n, nil
}

func (m *memEvents) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rows))
	for _, ev := range m.rows {
		out = append(out, ev.Action)
	}
	return out
}

// --- harness ---

type testEnv struct {
	users    *memUsers
	projects *memProjects
	sessions *memSessions
	events   *memEvents
	cipher   *fieldcrypt.Cipher
	cfg      *config.Config
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	csrf    string
}

func testAPIConfig() *config.Config {
	return &config.Config{
		Addr:                   ":0",
		CookieName:             "workdesk_session",
		SessionIdleTimeout:     8 * time.Hour,
		SessionAbsoluteTimeout: 7 * 24 * time.Hour,
		PendingTwoFactorWindow: 300 * time.Second,
		SessionRegenerateEvery: 15 * time.Minute,
		CaptchaTTL:             5 * time.Minute,
		CaptchaMaxMisses:       3,
		TokenSecret:            "test-token-secret",
		TokenIssuer:            "workdesk",
		ChainSecret:            "test-chain-secret",
		AdminHoursStart:        0,
		AdminHoursEnd:          24,
	}
}

// testPolicies mirrors the default lock and captcha thresholds but pushes the
// progressive delay out of reach so tests do not sleep.
func testPolicies() map[string]ratelimit.Policy {
	policies := ratelimit.DefaultPolicies()
	for action, pol := range policies {
		pol.DelayAfter = 1000
		policies[action] = pol
	}
	return policies
}

func newTestEnv(t *testing.T) (*testEnv, *apiClient) {
	t.Helper()

	env := &testEnv{
		users:    newMemUsers(),
		projects: &memProjects{projects: make(map[int64]*access.Project)},
		sessions: &memSessions{rows: make(map[string]*session.Session)},
		events:   &memEvents{},
		cfg:      testAPIConfig(),
	}

	key := bytes.Repeat([]byte{0x42}, 32)
	cipher, err := fieldcrypt.New(map[string][]byte{"k1": key}, "k1", zap.NewNop())
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	env.cipher = cipher

	events := seclog.New(env.events, nil, seclog.Config{
		ChainSecret:     env.cfg.ChainSecret,
		AdminHoursStart: env.cfg.AdminHoursStart,
		AdminHoursEnd:   env.cfg.AdminHoursEnd,
	})

	api := New(Deps{
		Cfg:      env.cfg,
		Log:      zap.NewNop(),
		Users:    env.users,
		Projects: env.projects,
		Resolver: access.NewResolver(env.users),
		Guard:    session.NewGuard(env.sessions, events, env.cfg),
		Limiter:  ratelimit.New(&memCounters{rows: make(map[string]*ratelimit.Counter)}, events, ratelimit.Config{Policies: testPolicies()}),
		Events:   events,
		Cipher:   cipher,
		Tokens:   access.NewTokenIssuer(env.cfg.TokenSecret, env.cfg.TokenIssuer),
		Version:  "test",
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar, CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	return env, &apiClient{baseURL: srv.URL, client: client, t: t}
}

func (env *testEnv) addUser(t *testing.T, id, tenantID int64, email, password, role string) *access.User {
	t.Helper()
	hash, err := access.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &access.User{
		ID:           id,
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: hash,
		LegacyRole:   role,
		Status:       access.UserStatusActive,
	}
	env.users.mu.Lock()
	env.users.users[id] = u
	env.users.mu.Unlock()
	_ = env.users.EnsureRoleBinding(context.Background(), id, role)
	return u
}

func (env *testEnv) addProject(id, tenantID, ownerID int64, name string) {
	env.projects.mu.Lock()
	env.projects.projects[id] = &access.Project{ID: id, TenantID: tenantID, OwnerID: ownerID, Name: name}
	env.projects.mu.Unlock()
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrf != "" && method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

// fetchCSRF primes the session cookie and stores the CSRF token for
// subsequent mutating requests.
func (c *apiClient) fetchCSRF() {
	c.t.Helper()
	resp := c.get("/v1/auth/csrf", nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("csrf: status %d", resp.StatusCode)
	}
	body := decodeBody(c.t, resp)
	token, _ := body["csrf_token"].(string)
	if token == "" {
		c.t.Fatal("csrf: empty token")
	}
	c.csrf = token
}

// login runs the full credential flow and refreshes the rotated CSRF token.
func (c *apiClient) login(email, password string) *http.Response {
	c.t.Helper()
	c.fetchCSRF()
	resp := c.post("/v1/auth/login", map[string]string{"email": email, "password": password}, nil)
	if resp.StatusCode == http.StatusOK {
		c.fetchCSRF()
	}
	return resp
}
