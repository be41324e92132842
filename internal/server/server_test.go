package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugspotter/bugspotter/internal/auditlog"
	"github.com/bugspotter/bugspotter/internal/auth"
	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/objstore"
	"github.com/bugspotter/bugspotter/internal/queue"
	"github.com/bugspotter/bugspotter/internal/retention"
	"github.com/bugspotter/bugspotter/internal/server"
	"github.com/bugspotter/bugspotter/internal/storage"
	"github.com/bugspotter/bugspotter/internal/testutil"
)

const (
	testJWTSecret     = "0123456789abcdef0123456789abcdef"
	testAdminEmail    = "admin@example.com"
	testAdminPassword = "correct-horse-battery"
)

var (
	testSrv    *httptest.Server
	testDB     *storage.DB
	testQueue  *queue.Client
	adminToken string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := testutil.TestLogger()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db: %v\n", err)
		os.Exit(1)
	}

	mr, err := miniredis.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniredis: %v\n", err)
		os.Exit(1)
	}
	defer mr.Close()
	testQueue = queue.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)

	dir, err := os.MkdirTemp("", "bugspotter-objstore-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)
	store, err := objstore.NewLocal(dir, "http://localhost:8080/storage", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "objstore: %v\n", err)
		os.Exit(1)
	}

	jwtMgr, err := auth.NewJWTManager(testJWTSecret, time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jwt: %v\n", err)
		os.Exit(1)
	}

	audit := auditlog.NewPipeline(testDB, logger)
	audit.Start(ctx)
	engine := retention.NewEngine(testDB, store, audit, logger)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Store:               store,
		Queue:               testQueue,
		JWTMgr:              jwtMgr,
		Audit:               audit,
		Retention:           engine,
		Logger:              logger,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 25 * 1024 * 1024,
		QueueBackpressure:   1000,
		RefreshExpiry:       7 * 24 * time.Hour,
	})
	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	if err := initializeInstance(); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	adminToken, err = login(testAdminEmail, testAdminPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "admin login: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

type envelope struct {
	Success    bool              `json:"success"`
	Data       json.RawMessage   `json:"data"`
	Error      string            `json:"error"`
	Code       string            `json:"code"`
	Pagination *model.Pagination `json:"pagination"`
}

func doJSON(t *testing.T, method, path, token string, body any) (*http.Response, envelope) {
	t.Helper()
	resp, env, err := request(method, path, token, body)
	require.NoError(t, err)
	return resp, env
}

func request(method, path, token string, body any) (*http.Response, envelope, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, envelope{}, err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, buf)
	if err != nil {
		return nil, envelope{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, envelope{}, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp, envelope{}, err
	}
	return resp, env, nil
}

func initializeInstance() error {
	resp, _, err := request(http.MethodPost, "/api/v1/setup/initialize", "", model.SetupRequest{
		AdminEmail:     testAdminEmail,
		AdminName:      "Admin",
		AdminPassword:  testAdminPassword,
		InstanceName:   "Test Instance",
		StorageBackend: "local",
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("setup returned %d", resp.StatusCode)
	}
	return nil
}

func login(email, password string) (string, error) {
	resp, env, err := request(http.MethodPost, "/api/v1/auth/login", "", model.LoginRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login returned %d: %s", resp.StatusCode, env.Error)
	}
	var lr model.LoginResponse
	if err := json.Unmarshal(env.Data, &lr); err != nil {
		return "", err
	}
	return lr.AccessToken, nil
}

func createProject(t *testing.T, name string) model.Project {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, "/api/v1/projects", adminToken, model.CreateProjectRequest{Name: name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p model.Project
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.NotEmpty(t, p.APIKey)
	return p
}

func tinyPNG(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func ingest(t *testing.T, apiKey string, req model.IngestRequest) (*http.Response, envelope) {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, testSrv.URL+"/api/v1/reports", bytes.NewReader(raw))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestHealthAndReady(t *testing.T) {
	resp, env := doJSON(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)

	resp, _ = doJSON(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupAlreadyInitialized(t *testing.T) {
	resp, env := doJSON(t, http.MethodPost, "/api/v1/setup/initialize", "", model.SetupRequest{
		AdminEmail:     "second@example.com",
		AdminName:      "Second",
		AdminPassword:  "another-long-password",
		StorageBackend: "local",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeAlreadyInitialized, env.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	resp, env := doJSON(t, http.MethodPost, "/api/v1/auth/login", "", model.LoginRequest{
		Email:    testAdminEmail,
		Password: "wrong-password-entirely",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Code)

	resp, _ = doJSON(t, http.MethodPost, "/api/v1/auth/login", "", model.LoginRequest{
		Email:    "nobody@example.com",
		Password: "does-not-matter-here",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshRotation(t *testing.T) {
	// Login directly to capture the refresh cookie.
	raw, _ := json.Marshal(model.LoginRequest{Email: testAdminEmail, Password: testAdminPassword})
	resp, err := http.Post(testSrv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var refresh *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "bugspotter_refresh" {
			refresh = c
		}
	}
	require.NotNil(t, refresh)
	assert.True(t, refresh.HttpOnly)

	// First refresh succeeds.
	req, _ := http.NewRequest(http.MethodPost, testSrv.URL+"/api/v1/auth/refresh", nil)
	req.AddCookie(refresh)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// Replaying the consumed token fails.
	req, _ = http.NewRequest(http.MethodPost, testSrv.URL+"/api/v1/auth/refresh", nil)
	req.AddCookie(refresh)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp3.StatusCode)
}

func TestProjectCRUD(t *testing.T) {
	p := createProject(t, "crud-project")
	assert.True(t, model.ValidAPIKeyFormat(p.APIKey))

	resp, env := doJSON(t, http.MethodGet, "/api/v1/projects/"+p.ID.String(), adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	newName := "crud-renamed"
	resp, env = doJSON(t, http.MethodPatch, "/api/v1/projects/"+p.ID.String(), adminToken, map[string]any{"name": newName})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.Project
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, newName, updated.Name)

	// Key rotation invalidates the old key.
	oldKey := p.APIKey
	resp, env = doJSON(t, http.MethodPost, "/api/v1/projects/"+p.ID.String()+"/rotate-key", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated model.Project
	require.NoError(t, json.Unmarshal(env.Data, &rotated))
	assert.NotEqual(t, oldKey, rotated.APIKey)

	ingestResp, _ := ingest(t, oldKey, model.IngestRequest{Title: "should fail"})
	assert.Equal(t, http.StatusUnauthorized, ingestResp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, "/api/v1/projects/"+p.ID.String(), adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, "/api/v1/projects/"+p.ID.String(), adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestionHappyPath(t *testing.T) {
	p := createProject(t, "ingest-project")

	resp, env := ingest(t, p.APIKey, model.IngestRequest{
		Title: "Button broken",
		Report: model.IngestPayload{
			ConsoleLogs:      []model.ConsoleLog{{Level: "error", Message: "boom"}},
			ScreenshotBase64: tinyPNG(t),
			SessionReplay: &model.SessionReplay{
				Type:           "rrweb",
				RecordedEvents: []map[string]any{{"type": 1}, {"type": 2}},
			},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.ID)

	// Media jobs landed on their queues.
	ctx := context.Background()
	sm, err := testQueue.QueueMetrics(ctx, queue.QueueScreenshots)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sm.Waiting, int64(1))
	rm, err := testQueue.QueueMetrics(ctx, queue.QueueReplays)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rm.Waiting, int64(1))

	// The original's storage key is persisted on the row, so the dashboard
	// gets a signed URL and retention can later delete the object.
	resp, env = doJSON(t, http.MethodGet, "/api/v1/reports/"+created.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		ScreenshotKey *string `json:"screenshot_key"`
		ScreenshotURL string  `json:"screenshot_url"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.NotNil(t, view.ScreenshotKey)
	assert.Contains(t, *view.ScreenshotKey, created.ID)
	assert.NotEmpty(t, view.ScreenshotURL)
}

func TestIngestionRejections(t *testing.T) {
	p := createProject(t, "ingest-reject")

	// Missing key.
	resp, _ := ingest(t, "", model.IngestRequest{Title: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage key.
	resp, _ = ingest(t, "bgs_"+string(bytes.Repeat([]byte("A"), 43)), model.IngestRequest{Title: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Empty title.
	resp, env := ingest(t, p.APIKey, model.IngestRequest{Title: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeValidation, env.Code)

	// Both credentials on one request.
	raw, _ := json.Marshal(model.IngestRequest{Title: "x"})
	req, _ := http.NewRequest(http.MethodPost, testSrv.URL+"/api/v1/reports", bytes.NewReader(raw))
	req.Header.Set("X-API-Key", p.APIKey)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	dualResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dualResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, dualResp.StatusCode)
}

func TestReportLifecycle(t *testing.T) {
	p := createProject(t, "report-lifecycle")
	resp, env := ingest(t, p.APIKey, model.IngestRequest{Title: "lifecycle bug"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	// List scoped to the project.
	resp, env = doJSON(t, http.MethodGet, "/api/v1/reports?project_id="+p.ID.String(), adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, env.Pagination)
	assert.EqualValues(t, 1, env.Pagination.Total)

	// Read, then triage.
	resp, env = doJSON(t, http.MethodGet, "/api/v1/reports/"+created.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report model.BugReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, model.StatusOpen, report.Status)
	assert.Equal(t, model.PriorityMedium, report.Priority)

	status := model.StatusInProgress
	priority := model.PriorityHigh
	resp, env = doJSON(t, http.MethodPatch, "/api/v1/reports/"+created.ID, adminToken, model.UpdateReportRequest{
		Status:   &status,
		Priority: &priority,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, model.StatusInProgress, report.Status)

	// Soft delete hides the row from default listings.
	resp, _ = doJSON(t, http.MethodDelete, "/api/v1/reports/"+created.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, env = doJSON(t, http.MethodGet, "/api/v1/reports?project_id="+p.ID.String(), adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, env.Pagination.Total)

	// Restore brings it back.
	reportID := report.ID
	resp, _ = doJSON(t, http.MethodPost, "/api/v1/reports/restore", adminToken, model.RestoreRequest{
		ReportIDs: []uuid.UUID{reportID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, env = doJSON(t, http.MethodGet, "/api/v1/reports?project_id="+p.ID.String(), adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, env.Pagination.Total)
}

func TestTickets(t *testing.T) {
	p := createProject(t, "tickets-project")
	resp, env := ingest(t, p.APIKey, model.IngestRequest{Title: "ticket bug"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	resp, env = doJSON(t, http.MethodPost, "/api/v1/reports/"+created.ID+"/tickets", adminToken, model.CreateTicketRequest{
		ExternalID: "PROJ-42",
		Platform:   "jira",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ticket model.Ticket
	require.NoError(t, json.Unmarshal(env.Data, &ticket))
	assert.Equal(t, "open", ticket.Status)

	resp, _ = doJSON(t, http.MethodPatch, "/api/v1/tickets/"+ticket.ID.String(), adminToken, map[string]string{"status": "done"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = doJSON(t, http.MethodGet, "/api/v1/reports/"+created.ID+"/tickets", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tickets []model.Ticket
	require.NoError(t, json.Unmarshal(env.Data, &tickets))
	require.Len(t, tickets, 1)
	assert.Equal(t, "done", tickets[0].Status)

	resp, _ = doJSON(t, http.MethodDelete, "/api/v1/tickets/"+ticket.ID.String(), adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRetentionPolicyEndpoint(t *testing.T) {
	p := createProject(t, "retention-project")
	base := "/api/v1/projects/" + p.ID.String() + "/retention-policy"

	// No override yet: the instance default comes back.
	resp, env := doJSON(t, http.MethodGet, base, adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var policy model.RetentionPolicy
	require.NoError(t, json.Unmarshal(env.Data, &policy))
	assert.Equal(t, p.ID, policy.ProjectID)

	// A policy above the free-tier ceiling is rejected without override.
	bad := model.RetentionPolicy{
		BugReportRetentionDays:  400,
		ScreenshotRetentionDays: 90,
		ReplayRetentionDays:     90,
		AttachmentRetentionDays: 90,
		ArchivedRetentionDays:   90,
		DataClassification:      model.ClassGeneral,
		ComplianceRegion:        model.RegionNone,
		Tier:                    model.TierFree,
	}
	resp, env = doJSON(t, http.MethodPut, base, adminToken, bad)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, model.ErrCodeComplianceViolation, env.Code)

	// Admin override lifts the ceiling.
	resp, _ = doJSON(t, http.MethodPut, base+"?admin_override=true", adminToken, bad)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, base, adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// With the override gone, GET reverts to the instance default.
	resp, env = doJSON(t, http.MethodGet, base, adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &policy))
	assert.Equal(t, p.ID, policy.ProjectID)
	assert.Equal(t, model.TierEnterprise, policy.Tier)
}

func TestUserAdminAndRoles(t *testing.T) {
	resp, env := doJSON(t, http.MethodPost, "/api/v1/users", adminToken, model.CreateUserRequest{
		Email:    "plain@example.com",
		Name:     "Plain User",
		Role:     model.RoleUser,
		Password: "plain-user-password",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var user model.User
	require.NoError(t, json.Unmarshal(env.Data, &user))
	assert.Nil(t, user.PasswordHash)

	userToken, err := login("plain@example.com", "plain-user-password")
	require.NoError(t, err)

	// Non-admin cannot reach admin endpoints.
	resp, env = doJSON(t, http.MethodGet, "/api/v1/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, env.Code)

	// Unauthenticated cannot reach anything protected.
	resp, _ = doJSON(t, http.MethodGet, "/api/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuditLogsRecorded(t *testing.T) {
	createProject(t, "audit-project")

	// The pipeline flushes on a 1s interval; wait for the entry to land.
	require.Eventually(t, func() bool {
		resp, env, err := request(http.MethodGet, "/api/v1/audit-logs?action=project.create", adminToken, nil)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		var logs []model.AuditLog
		if err := json.Unmarshal(env.Data, &logs); err != nil {
			return false
		}
		return len(logs) >= 1
	}, 10*time.Second, 200*time.Millisecond)

	resp, env := doJSON(t, http.MethodGet, "/api/v1/audit-logs/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats model.AuditStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Greater(t, stats.Total, int64(0))
}

func TestQueueAdmin(t *testing.T) {
	resp, env := doJSON(t, http.MethodGet, "/api/v1/queues", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var metrics map[string]queue.Metrics
	require.NoError(t, json.Unmarshal(env.Data, &metrics))
	assert.Contains(t, metrics, queue.QueueScreenshots)

	resp, _ = doJSON(t, http.MethodPost, "/api/v1/queues/screenshots/pause", adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, "/api/v1/queues/screenshots/resume", adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, "/api/v1/queues/bogus/pause", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminHealth(t *testing.T) {
	resp, env := doJSON(t, http.MethodGet, "/api/v1/admin/health", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Contains(t, health, "components")
	assert.Contains(t, health, "queue_depth")
}
