package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"rusted-workshop-web/utils"
)

type AdminAuditAction string

const (
	AdminActionLogin        AdminAuditAction = "LOGIN"
	AdminActionLogout       AdminAuditAction = "LOGOUT"
	AdminActionConfigChange AdminAuditAction = "CONFIG_CHANGE"
	AdminActionTaskDelete   AdminAuditAction = "TASK_DELETE"
	AdminActionCleanup      AdminAuditAction = "CLEANUP"
	AdminActionUnauthorized AdminAuditAction = "UNAUTHORIZED_ATTEMPT"
	AdminActionRateLimit    AdminAuditAction = "RATE_LIMITED"
)

const (
	ResultSuccess     = "SUCCESS"
	ResultFailed      = "FAILED"
	ResultBlocked     = "BLOCKED"
	ResultRateLimited = "RATE_LIMITED"
)

// AdminAuditEntry is one row of the admin audit trail.
type AdminAuditEntry struct {
	ID        int64            `json:"id"`
	Action    AdminAuditAction `json:"action"`
	Resource  string           `json:"resource"`
	Details   map[string]any   `json:"details"`
	Result    string           `json:"result"`
	ErrorMsg  string           `json:"error_message,omitempty"`
	IPAddress string           `json:"ip_address,omitempty"`
	UserAgent string           `json:"user_agent,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Duration  int64            `json:"duration_ms"`
}

// RequestInfo identifies the caller of an admin route.
type RequestInfo struct {
	IPAddress string
	UserAgent string
	TraceID   string
}

type AdminAuditLogger struct {
	db     *sql.DB
	logger *utils.Logger
	now    func() time.Time
}

func NewAdminAuditLogger(db *sql.DB, logger *utils.Logger) *AdminAuditLogger {
	return &AdminAuditLogger{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// LogAdminAction writes entry to the audit trail.
func (aal *AdminAuditLogger) LogAdminAction(entry AdminAuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = aal.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil || entry.Details == nil {
		detailsJSON = []byte("{}")
	}

	_, err = aal.db.Exec(`
		INSERT INTO admin_audit_log (
			action, resource, details, result, error_message,
			ip_address, user_agent, trace_id, timestamp, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Action),
		entry.Resource,
		string(detailsJSON),
		entry.Result,
		entry.ErrorMsg,
		entry.IPAddress,
		entry.UserAgent,
		entry.TraceID,
		entry.Timestamp,
		entry.Duration,
	)
	if err != nil {
		aal.logger.WithError(err).
			WithField("action", entry.Action).
			WithField("resource", entry.Resource).
			Error("Failed to insert admin audit log entry")
		return fmt.Errorf("failed to log admin action: %w", err)
	}

	aal.logger.WithField("action", entry.Action).
		WithField("resource", entry.Resource).
		WithField("result", entry.Result).
		WithField("trace_id", entry.TraceID).
		Debug("Admin action logged to audit trail")

	return nil
}

// Record logs an admin operation whose outcome is err. Failures to write
// the audit row are logged and otherwise ignored.
func (aal *AdminAuditLogger) Record(action AdminAuditAction, resource string, details map[string]any, req RequestInfo, duration time.Duration, err error) {
	entry := AdminAuditEntry{
		Action:    action,
		Resource:  resource,
		Details:   details,
		Result:    ResultSuccess,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		TraceID:   req.TraceID,
		Duration:  duration.Milliseconds(),
	}
	if err != nil {
		entry.Result = ResultFailed
		entry.ErrorMsg = err.Error()
	}

	if logErr := aal.LogAdminAction(entry); logErr != nil {
		aal.logger.WithError(logErr).Error("Failed to record admin audit entry")
	}
}

func (aal *AdminAuditLogger) LogLogin(req RequestInfo, duration time.Duration, err error) {
	aal.Record(AdminActionLogin, "admin/auth/login", nil, req, duration, err)
}

func (aal *AdminAuditLogger) LogConfigChange(fields []string, req RequestInfo, duration time.Duration, err error) {
	aal.Record(AdminActionConfigChange, "admin/config", map[string]any{"fields": fields}, req, duration, err)
}

func (aal *AdminAuditLogger) LogTaskDelete(taskKey string, req RequestInfo, duration time.Duration, err error) {
	aal.Record(AdminActionTaskDelete, taskKey, nil, req, duration, err)
}

func (aal *AdminAuditLogger) LogCleanup(days int, dryRun bool, req RequestInfo, duration time.Duration, err error) {
	details := map[string]any{"days": days, "dry_run": dryRun}
	aal.Record(AdminActionCleanup, "tasks/cleanup", details, req, duration, err)
}

// LogUnauthorizedAttempt records a request to an admin route without a
// usable token.
func (aal *AdminAuditLogger) LogUnauthorizedAttempt(resource string, req RequestInfo) {
	entry := AdminAuditEntry{
		Action:    AdminActionUnauthorized,
		Resource:  resource,
		Result:    ResultBlocked,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		TraceID:   req.TraceID,
	}
	if logErr := aal.LogAdminAction(entry); logErr != nil {
		aal.logger.WithError(logErr).Error("Failed to log unauthorized attempt audit entry")
	}
}

func (aal *AdminAuditLogger) LogRateLimitEvent(resource string, retryAfter time.Duration, req RequestInfo) {
	entry := AdminAuditEntry{
		Action:    AdminActionRateLimit,
		Resource:  resource,
		Details:   map[string]any{"retry_after_seconds": int(retryAfter.Seconds())},
		Result:    ResultRateLimited,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		TraceID:   req.TraceID,
	}
	if logErr := aal.LogAdminAction(entry); logErr != nil {
		aal.logger.WithError(logErr).Error("Failed to log rate limit event audit entry")
	}
}

type AuditFilters struct {
	Action    string
	Resource  string
	Result    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// GetAuditEntries returns matching entries, newest first.
func (aal *AdminAuditLogger) GetAuditEntries(filters AuditFilters) ([]AdminAuditEntry, error) {
	query := `
		SELECT id, action, resource, details, result, error_message,
		       ip_address, user_agent, trace_id, timestamp, duration_ms
		FROM admin_audit_log
		WHERE 1=1`
	var args []any

	if filters.Action != "" {
		query += " AND action = ?"
		args = append(args, filters.Action)
	}
	if filters.Resource != "" {
		query += " AND resource LIKE ?"
		args = append(args, "%"+filters.Resource+"%")
	}
	if filters.Result != "" {
		query += " AND result = ?"
		args = append(args, filters.Result)
	}
	if !filters.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filters.StartTime.UTC())
	}
	if !filters.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filters.EndTime.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	rows, err := aal.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []AdminAuditEntry{}
	for rows.Next() {
		var entry AdminAuditEntry
		var detailsJSON, errorMsg, ip, ua, traceID sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Resource,
			&detailsJSON,
			&entry.Result,
			&errorMsg,
			&ip,
			&ua,
			&traceID,
			&entry.Timestamp,
			&entry.Duration,
		)
		if err != nil {
			aal.logger.WithError(err).Error("Failed to scan audit entry")
			continue
		}
		entry.ErrorMsg = errorMsg.String
		entry.IPAddress = ip.String
		entry.UserAgent = ua.String
		entry.TraceID = traceID.String

		entry.Details = map[string]any{}
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &entry.Details); err != nil {
				aal.logger.WithError(err).Error("Failed to unmarshal details JSON")
				entry.Details = map[string]any{}
			}
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

type AdminAuditStats struct {
	TotalEntries       int            `json:"total_entries"`
	SuccessfulActions  int            `json:"successful_actions"`
	FailedActions      int            `json:"failed_actions"`
	BlockedActions     int            `json:"blocked_actions"`
	RateLimitedActions int            `json:"rate_limited_actions"`
	ActionBreakdown    map[string]int `json:"action_breakdown"`
	TimeRange          time.Duration  `json:"time_range"`
}

func (aal *AdminAuditLogger) GetAuditStats(timeRange time.Duration) (*AdminAuditStats, error) {
	since := aal.now().Add(-timeRange).UTC()

	stats := &AdminAuditStats{ActionBreakdown: make(map[string]int), TimeRange: timeRange}
	rows, err := aal.db.Query(`
		SELECT action, result, COUNT(*)
		FROM admin_audit_log
		WHERE timestamp >= ?
		GROUP BY action, result`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action, result string
		var count int
		if err := rows.Scan(&action, &result, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit stats: %w", err)
		}
		stats.TotalEntries += count
		stats.ActionBreakdown[action] += count
		switch result {
		case ResultSuccess:
			stats.SuccessfulActions += count
		case ResultFailed:
			stats.FailedActions += count
		case ResultBlocked:
			stats.BlockedActions += count
		case ResultRateLimited:
			stats.RateLimitedActions += count
		}
	}

	return stats, rows.Err()
}

// CleanupOldEntries removes entries older than olderThan.
func (aal *AdminAuditLogger) CleanupOldEntries(olderThan time.Duration) (int64, error) {
	cutoff := aal.now().Add(-olderThan).UTC()

	result, err := aal.db.Exec("DELETE FROM admin_audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old audit entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	aal.logger.WithField("rows_deleted", rowsAffected).
		WithField("cutoff_date", cutoff).
		Info("Cleaned up old audit entries")

	return rowsAffected, nil
}
