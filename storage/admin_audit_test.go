package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rusted-workshop-web/utils"
)

func newTestAudit(t *testing.T) (*Database, *AdminAuditLogger) {
	t.Helper()
	db, err := NewDatabase(DriverSQLite, filepath.Join(t.TempDir(), "audit", "audit.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, NewAdminAuditLogger(db.DB(), utils.NewNopLogger())
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	if _, err := NewDatabase("postgres", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestMigrationsAreRecordedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := NewDatabase(DriverSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = NewDatabase(DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(migrations) {
		t.Fatalf("schema_migrations has %d rows, want %d", count, len(migrations))
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRecordAndQueryEntries(t *testing.T) {
	_, audit := newTestAudit(t)
	req := RequestInfo{IPAddress: "10.0.0.1", UserAgent: "curl", TraceID: "trace-1"}

	audit.LogLogin(req, 120*time.Millisecond, nil)
	audit.LogTaskDelete("TASK-9", req, 0, errors.New("backend error (status 500)"))
	audit.LogConfigChange([]string{"max_queue_size"}, req, 0, nil)

	entries, err := audit.GetAuditEntries(AuditFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Action != AdminActionConfigChange {
		t.Errorf("newest entry = %s, want %s", entries[0].Action, AdminActionConfigChange)
	}

	failed, err := audit.GetAuditEntries(AuditFilters{Result: ResultFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("got %d failed entries, want 1", len(failed))
	}
	e := failed[0]
	if e.Resource != "TASK-9" || e.ErrorMsg != "backend error (status 500)" || e.TraceID != "trace-1" || e.IPAddress != "10.0.0.1" {
		t.Errorf("unexpected entry %+v", e)
	}

	logins, _ := audit.GetAuditEntries(AuditFilters{Action: string(AdminActionLogin)})
	if len(logins) != 1 || logins[0].Duration != 120 {
		t.Fatalf("login entries = %+v", logins)
	}

	changes, _ := audit.GetAuditEntries(AuditFilters{Action: string(AdminActionConfigChange)})
	fields, ok := changes[0].Details["fields"].([]any)
	if !ok || len(fields) != 1 || fields[0] != "max_queue_size" {
		t.Errorf("details = %#v", changes[0].Details)
	}
}

func TestGetAuditEntriesLimitAndOffset(t *testing.T) {
	_, audit := newTestAudit(t)
	for i := 0; i < 5; i++ {
		audit.LogCleanup(30, true, RequestInfo{}, 0, nil)
	}

	page, err := audit.GetAuditEntries(AuditFilters{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("got %d entries, want 1", len(page))
	}
}

func TestAuditStatsAndCleanup(t *testing.T) {
	_, audit := newTestAudit(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	audit.now = func() time.Time { return now }

	req := RequestInfo{IPAddress: "1.2.3.4"}
	audit.LogAdminAction(AdminAuditEntry{
		Action:    AdminActionLogin,
		Resource:  "admin/auth/login",
		Result:    ResultSuccess,
		Timestamp: now.Add(-48 * time.Hour),
	})
	audit.LogLogin(req, 0, nil)
	audit.LogUnauthorizedAttempt("/api/admin/config", req)
	audit.LogRateLimitEvent("admin/auth/login", 30*time.Second, req)

	stats, err := audit.GetAuditStats(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 3 || stats.SuccessfulActions != 1 || stats.BlockedActions != 1 || stats.RateLimitedActions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ActionBreakdown[string(AdminActionLogin)] != 1 {
		t.Errorf("breakdown = %v", stats.ActionBreakdown)
	}

	removed, err := audit.CleanupOldEntries(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed %d entries, want 1", removed)
	}
}
