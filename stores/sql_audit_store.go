package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/guard"
)

// SQLAuditSink persists audit signals in SQL
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) RecordGranted(ctx context.Context, d *guard.Decision) error {
	return s.insert(ctx, guard.NewAuditRecord(d, true, nil))
}

func (s *SQLAuditSink) RecordDenied(ctx context.Context, d *guard.Decision, cause error) error {
	return s.insert(ctx, guard.NewAuditRecord(d, false, cause))
}

func (s *SQLAuditSink) insert(ctx context.Context, rec guard.AuditRecord) error {
	q := `INSERT INTO audit_log(id, timestamp, granted, username, organization_code, group_code, feature, action, row_scope, reason) VALUES(:id, :timestamp, :granted, :username, :organization_code, :group_code, :feature, :action, :row_scope, :reason)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                rec.ID,
		"timestamp":         sqlTimeOrNil(rec.Timestamp),
		"granted":           boolToInt(rec.Granted),
		"username":          rec.Username,
		"organization_code": rec.OrganizationCode,
		"group_code":        rec.GroupCode,
		"feature":           rec.Feature,
		"action":            rec.Action,
		"row_scope":         rec.RowScope,
		"reason":            rec.Reason,
	})
	return err
}

// AuditFilter narrows Query. Zero fields are ignored.
type AuditFilter struct {
	Username  string
	Feature   string
	Action    string
	Granted   *bool
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Query returns stored records oldest first, at most 100 unless Limit is set.
func (s *SQLAuditSink) Query(ctx context.Context, filter AuditFilter) ([]guard.AuditRecord, error) {
	q := `SELECT id, timestamp, granted, username, organization_code, group_code, feature, action, row_scope, reason FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.Username != "" {
		q += " AND username = :username"
		params["username"] = filter.Username
	}
	if filter.Feature != "" {
		q += " AND feature = :feature"
		params["feature"] = filter.Feature
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.Granted != nil {
		q += " AND granted = :granted"
		params["granted"] = boolToInt(*filter.Granted)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = sqlTimeOrNil(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = sqlTimeOrNil(filter.EndTime)
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]guard.AuditRecord, 0)
	for r.Next() {
		var rec guard.AuditRecord
		var timestampRaw any
		var granted int
		if err := r.Scan(&rec.ID, &timestampRaw, &granted, &rec.Username, &rec.OrganizationCode, &rec.GroupCode, &rec.Feature, &rec.Action, &rec.RowScope, &rec.Reason); err != nil {
			return nil, err
		}
		rec.Timestamp = scanTime(timestampRaw)
		rec.Granted = granted != 0
		out = append(out, rec)
	}
	return out, nil
}
