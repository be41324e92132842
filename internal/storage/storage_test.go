package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugspotter/bugspotter/internal/model"
	"github.com/bugspotter/bugspotter/internal/storage"
	"github.com/bugspotter/bugspotter/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func mkUser(t *testing.T, email string, role model.Role) model.User {
	t.Helper()
	hash := "c2FsdA==$aGFzaA=="
	u, err := testDB.CreateUser(context.Background(), model.User{
		Email:        email,
		Name:         "Test User",
		Role:         role,
		PasswordHash: &hash,
	})
	require.NoError(t, err)
	return u
}

func mkProject(t *testing.T, owner uuid.UUID, name string) model.Project {
	t.Helper()
	key, err := model.GenerateAPIKey()
	require.NoError(t, err)
	p, err := testDB.CreateProject(context.Background(), model.Project{
		Name:    name,
		APIKey:  key,
		OwnerID: owner,
	})
	require.NoError(t, err)
	return p
}

func mkReport(t *testing.T, projectID uuid.UUID, title string) model.BugReport {
	t.Helper()
	r, err := testDB.CreateReport(context.Background(), model.BugReport{
		ProjectID: projectID,
		Title:     title,
		Status:    model.StatusOpen,
		Priority:  model.PriorityMedium,
	})
	require.NoError(t, err)
	return r
}

func TestUserCRUD(t *testing.T) {
	ctx := context.Background()
	u := mkUser(t, "user-crud@example.com", model.RoleUser)
	assert.True(t, u.Active)

	// Emails are lowercased on insert and lookup.
	got, err := testDB.GetUserByEmail(ctx, "USER-CRUD@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	// Duplicate email is a unique violation.
	hash := "c2FsdA==$aGFzaA=="
	_, err = testDB.CreateUser(ctx, model.User{
		Email:        "user-crud@example.com",
		Name:         "Dup",
		Role:         model.RoleUser,
		PasswordHash: &hash,
	})
	assert.ErrorIs(t, err, storage.ErrUniqueViolation)

	// Partial update.
	newName := "Renamed"
	role := model.RoleAdmin
	got, err = testDB.UpdateUser(ctx, u.ID, &newName, &role)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, model.RoleAdmin, got.Role)

	// Deactivation is a soft flag, not a delete.
	ok, err := testDB.DeactivateUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = testDB.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.NotNil(t, got.DeactivatedAt)
}

func TestCreateUserRejectsBadCredentialShape(t *testing.T) {
	ctx := context.Background()

	// Neither password nor OAuth.
	_, err := testDB.CreateUser(ctx, model.User{
		Email: "no-creds@example.com",
		Name:  "X",
		Role:  model.RoleUser,
	})
	assert.Error(t, err)

	// Both.
	hash := "c2FsdA==$aGFzaA=="
	provider := "github"
	oauthID := "12345"
	_, err = testDB.CreateUser(ctx, model.User{
		Email:         "both-creds@example.com",
		Name:          "X",
		Role:          model.RoleUser,
		PasswordHash:  &hash,
		OAuthProvider: &provider,
		OAuthID:       &oauthID,
	})
	assert.Error(t, err)
}

func TestProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	owner := mkUser(t, "project-owner@example.com", model.RoleUser)
	p := mkProject(t, owner.ID, "lifecycle")

	// Lookup by API key is the ingestion auth path.
	got, err := testDB.GetProjectByAPIKey(ctx, p.APIKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = testDB.GetProjectByAPIKey(ctx, "bgs_definitely-not-a-real-key-aaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Update name and settings.
	newName := "lifecycle-renamed"
	got, err = testDB.UpdateProject(ctx, p.ID, &newName, map[string]any{"theme": "dark"})
	require.NoError(t, err)
	assert.Equal(t, newName, got.Name)
	assert.Equal(t, "dark", got.Settings["theme"])

	// Rotation invalidates the old key immediately.
	newKey, err := model.GenerateAPIKey()
	require.NoError(t, err)
	got, err = testDB.RotateProjectAPIKey(ctx, p.ID, newKey)
	require.NoError(t, err)
	assert.Equal(t, newKey, got.APIKey)
	_, err = testDB.GetProjectByAPIKey(ctx, p.APIKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Owner-scoped listing sees it; another owner does not.
	page := storage.Page{Page: 1, Limit: 50}
	_, total, err := testDB.ListProjects(ctx, &owner.ID, page)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	other := mkUser(t, "other-owner@example.com", model.RoleUser)
	_, total, err = testDB.ListProjects(ctx, &other.ID, page)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)

	// Delete cascades to reports.
	mkReport(t, p.ID, "doomed")
	ok, err := testDB.DeleteProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = testDB.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReportSoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	owner := mkUser(t, "report-owner@example.com", model.RoleUser)
	p := mkProject(t, owner.ID, "soft-delete")
	r := mkReport(t, p.ID, "flaky checkout")

	page := storage.Page{Page: 1, Limit: 50}
	filter := storage.ReportFilter{ProjectID: &p.ID}

	_, total, err := testDB.ListReports(ctx, filter, "created_at", true, page)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	ok, err := testDB.SoftDeleteReport(ctx, r.ID, owner.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Hidden from default listings, visible with IncludeDeleted.
	_, total, err = testDB.ListReports(ctx, filter, "created_at", true, page)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)

	withDeleted := filter
	withDeleted.IncludeDeleted = true
	rows, total, err := testDB.ListReports(ctx, withDeleted, "created_at", true, page)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.NotNil(t, rows[0].DeletedAt)
	require.NotNil(t, rows[0].DeletedBy)
	assert.Equal(t, owner.ID, *rows[0].DeletedBy)

	// Soft-deleting twice is a no-op.
	ok, err = testDB.SoftDeleteReport(ctx, r.ID, owner.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := testDB.RestoreReports(ctx, []uuid.UUID{r.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := testDB.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
}

func TestLegalHold(t *testing.T) {
	ctx := context.Background()
	owner := mkUser(t, "hold-owner@example.com", model.RoleUser)
	p := mkProject(t, owner.ID, "legal-hold")
	r := mkReport(t, p.ID, "held report")

	n, err := testDB.SetLegalHold(ctx, []uuid.UUID{r.ID}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := testDB.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.LegalHold)

	n, err = testDB.SetLegalHold(ctx, []uuid.UUID{r.ID}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestListReportsSortAndFilter(t *testing.T) {
	ctx := context.Background()
	owner := mkUser(t, "sort-owner@example.com", model.RoleUser)
	p := mkProject(t, owner.ID, "sorting")

	for i, title := range []string{"alpha", "bravo", "charlie"} {
		r := mkReport(t, p.ID, title)
		if i == 0 {
			status := model.StatusResolved
			_, err := testDB.UpdateReport(ctx, r.ID, model.UpdateReportRequest{Status: &status})
			require.NoError(t, err)
		}
	}

	page := storage.Page{Page: 1, Limit: 50}
	status := model.StatusResolved
	rows, total, err := testDB.ListReports(ctx, storage.ReportFilter{ProjectID: &p.ID, Status: &status}, "created_at", true, page)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "alpha", rows[0].Title)

	rows, _, err = testDB.ListReports(ctx, storage.ReportFilter{ProjectID: &p.ID}, "title", false, page)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "alpha", rows[0].Title)
	assert.Equal(t, "charlie", rows[2].Title)

	// Sort keys outside the allowlist are rejected, not interpolated.
	_, _, err = testDB.ListReports(ctx, storage.ReportFilter{ProjectID: &p.ID}, "title; DROP TABLE bug_reports", false, page)
	assert.Error(t, err)
}

func TestValidatePage(t *testing.T) {
	_, err := storage.ValidatePage(0, 50)
	assert.ErrorIs(t, err, storage.ErrInvalidPagination)
	_, err = storage.ValidatePage(1, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidPagination)
	_, err = storage.ValidatePage(1, 1001)
	assert.ErrorIs(t, err, storage.ErrInvalidPagination)

	page, err := storage.ValidatePage(3, 20)
	require.NoError(t, err)
	assert.Equal(t, 40, page.Offset())
}

func TestRefreshTokenConsumeIsAtomic(t *testing.T) {
	ctx := context.Background()
	u := mkUser(t, "refresh@example.com", model.RoleUser)

	hash := "a-token-hash-for-consume"
	require.NoError(t, testDB.InsertRefreshToken(ctx, u.ID, hash, time.Now().Add(time.Hour)))

	rec, err := testDB.ConsumeRefreshToken(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, u.ID, rec.UserID)

	// Consumed means gone; a replay fails.
	_, err = testDB.ConsumeRefreshToken(ctx, hash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshTokenExpiryAndRevocation(t *testing.T) {
	ctx := context.Background()
	u := mkUser(t, "refresh-exp@example.com", model.RoleUser)

	// Expired tokens cannot be consumed.
	require.NoError(t, testDB.InsertRefreshToken(ctx, u.ID, "expired-hash", time.Now().Add(-time.Minute)))
	_, err := testDB.ConsumeRefreshToken(ctx, "expired-hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Revoking all of a user's tokens invalidates every session.
	require.NoError(t, testDB.InsertRefreshToken(ctx, u.ID, "revoke-1", time.Now().Add(time.Hour)))
	require.NoError(t, testDB.InsertRefreshToken(ctx, u.ID, "revoke-2", time.Now().Add(time.Hour)))
	n, err := testDB.RevokeUserRefreshTokens(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	_, err = testDB.ConsumeRefreshToken(ctx, "revoke-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstanceSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()

	s, err := testDB.GetInstanceSettings(ctx)
	require.NoError(t, err)

	s.InstanceName = "Round Trip"
	s.RetentionDays = 30
	require.NoError(t, testDB.SaveInstanceSettings(ctx, s))

	got, err := testDB.GetInstanceSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Round Trip", got.InstanceName)
	assert.Equal(t, 30, got.RetentionDays)
}

func TestAuditBatchAndQuery(t *testing.T) {
	ctx := context.Background()
	u := mkUser(t, "audit@example.com", model.RoleAdmin)

	now := time.Now().UTC()
	entries := []model.AuditLog{
		{Timestamp: now, UserID: &u.ID, Action: "widget.create", Resource: "widget", Success: true},
		{Timestamp: now, UserID: &u.ID, Action: "widget.create", Resource: "widget", Success: true},
		{Timestamp: now, UserID: &u.ID, Action: "widget.delete", Resource: "widget", Success: false},
	}
	require.NoError(t, testDB.InsertAuditBatch(ctx, entries))

	action := "widget.create"
	logs, total, err := testDB.QueryAuditLogs(ctx, model.AuditFilter{Action: &action}, storage.Page{Page: 1, Limit: 50})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, l := range logs {
		assert.Equal(t, "widget.create", l.Action)
	}

	stats, err := testDB.AuditLogStats(ctx, model.AuditFilter{UserID: &u.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.Failures)
	assert.EqualValues(t, 2, stats.ByAction["widget.create"])
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	owner := mkUser(t, "tx-owner@example.com", model.RoleUser)

	sentinel := errors.New("abort")
	var insideID uuid.UUID
	err := testDB.WithTx(ctx, func(tx *storage.DB) error {
		key, err := model.GenerateAPIKey()
		if err != nil {
			return err
		}
		p, err := tx.CreateProject(ctx, model.Project{Name: "tx-doomed", APIKey: key, OwnerID: owner.ID})
		if err != nil {
			return err
		}
		insideID = p.ID
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = testDB.GetProject(ctx, insideID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateReportsBatch(t *testing.T) {
	ctx := context.Background()
	owner := mkUser(t, "batch-owner@example.com", model.RoleUser)
	p := mkProject(t, owner.ID, "batching")

	reports := make([]model.BugReport, 5)
	for i := range reports {
		reports[i] = model.BugReport{
			ProjectID: p.ID,
			Title:     fmt.Sprintf("batch %d", i),
			Status:    model.StatusOpen,
			Priority:  model.PriorityLow,
		}
	}
	created, err := testDB.CreateReportsBatch(ctx, reports)
	require.NoError(t, err)
	require.Len(t, created, 5)
	for _, r := range created {
		assert.NotEqual(t, uuid.Nil, r.ID)
	}

	n, err := testDB.CountReportsByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestSetReportMediaKeys(t *testing.T) {
	ctx := context.Background()
	owner := mkUser(t, "media-keys@example.com", model.RoleUser)
	p := mkProject(t, owner.ID, "media-keys")
	r := mkReport(t, p.ID, "with screenshot")

	screenshot := fmt.Sprintf("screenshots/%s/%s/original.png", p.ID, r.ID)
	thumbnail := fmt.Sprintf("screenshots/%s/%s/thumbnail.jpg", p.ID, r.ID)
	require.NoError(t, testDB.SetReportScreenshotKey(ctx, r.ID, screenshot))
	require.NoError(t, testDB.SetReportThumbnailKey(ctx, r.ID, thumbnail))

	got, err := testDB.GetReport(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScreenshotKey)
	assert.Equal(t, screenshot, *got.ScreenshotKey)
	require.NotNil(t, got.ThumbnailKey)
	assert.Equal(t, thumbnail, *got.ThumbnailKey)
}

func TestSaveInstanceSettingsIfUninitialized(t *testing.T) {
	ctx := context.Background()

	// Reset to a known uninitialized state; other tests share the singleton.
	base := model.DefaultInstanceSettings()
	require.NoError(t, testDB.SaveInstanceSettings(ctx, base))

	first := base
	first.InstanceName = "Winner"
	first.Initialized = true
	saved, err := testDB.SaveInstanceSettingsIfUninitialized(ctx, first)
	require.NoError(t, err)
	assert.True(t, saved)

	second := base
	second.InstanceName = "Loser"
	second.Initialized = true
	saved, err = testDB.SaveInstanceSettingsIfUninitialized(ctx, second)
	require.NoError(t, err)
	assert.False(t, saved, "guarded write must refuse once initialized")

	got, err := testDB.GetInstanceSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Winner", got.InstanceName)
	assert.True(t, got.Initialized)

	// Restore so later tests see an uninitialized instance again.
	require.NoError(t, testDB.SaveInstanceSettings(ctx, base))
}
