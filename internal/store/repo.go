package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// Repo provides access to the targets table.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a Repo on an open database.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

const targetColumns = `id, user_id, url, name, kind, region,
	interval_minutes, http_method, expected_status_codes_json, headers_json,
	request_body, validator_json, response_time_limit_ms, cache_no_cache,
	status, detailed_status, last_status_code, last_response_time_ms, last_error,
	consecutive_failures, consecutive_successes, first_failure_at_ms,
	last_checked_at_ms, next_check_at_ms, last_history_at_ms,
	disabled, disabled_reason, disabled_at_ms,
	pending_down_alert, pending_up_alert, pending_since_ms,
	meta_json, meta_last_checked_ms, cert_json,
	check_hash, order_index, tier`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*model.Target, error) {
	var (
		t                 model.Target
		expectedCodesJSON string
		validatorJSON     string
		metaJSON          string
		certJSON          string
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.URL, &t.Name, &t.Kind, &t.Region,
		&t.IntervalMinutes, &t.HTTPMethod, &expectedCodesJSON, &t.HeadersJSON,
		&t.RequestBody, &validatorJSON, &t.ResponseTimeLimitMs, &t.CacheNoCache,
		&t.Status, &t.DetailedStatus, &t.LastStatusCode, &t.LastResponseTimeMs, &t.LastError,
		&t.ConsecutiveFailures, &t.ConsecutiveSuccesses, &t.FirstFailureAtMs,
		&t.LastCheckedAtMs, &t.NextCheckAtMs, &t.LastHistoryAtMs,
		&t.Disabled, &t.DisabledReason, &t.DisabledAtMs,
		&t.PendingDownAlert, &t.PendingUpAlert, &t.PendingSinceMs,
		&metaJSON, &t.MetaLastCheckedMs, &certJSON,
		&t.CheckHash, &t.OrderIndex, &t.Tier,
	)
	if err != nil {
		return nil, err
	}

	if expectedCodesJSON != "" {
		if err := json.Unmarshal([]byte(expectedCodesJSON), &t.ExpectedStatusCodes); err != nil {
			return nil, fmt.Errorf("store: decode expected codes for %s: %w", t.ID, err)
		}
	}
	if validatorJSON != "" {
		t.Validator = &model.BodyValidator{}
		if err := json.Unmarshal([]byte(validatorJSON), t.Validator); err != nil {
			return nil, fmt.Errorf("store: decode validator for %s: %w", t.ID, err)
		}
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &t.Meta); err != nil {
			return nil, fmt.Errorf("store: decode meta for %s: %w", t.ID, err)
		}
	}
	if certJSON != "" {
		t.Cert = &model.SSLCertInfo{}
		if err := json.Unmarshal([]byte(certJSON), t.Cert); err != nil {
			return nil, fmt.Errorf("store: decode cert for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// UpsertTarget inserts or fully replaces a target row.
func (r *Repo) UpsertTarget(ctx context.Context, t *model.Target) error {
	expectedCodesJSON := ""
	if len(t.ExpectedStatusCodes) > 0 {
		expectedCodesJSON = marshalOrEmpty(t.ExpectedStatusCodes)
	}
	validatorJSON := ""
	if t.Validator != nil {
		validatorJSON = marshalOrEmpty(t.Validator)
	}
	metaJSON := ""
	if !t.Meta.IsZero() {
		metaJSON = marshalOrEmpty(t.Meta)
	}
	certJSON := ""
	if t.Cert != nil {
		certJSON = marshalOrEmpty(t.Cert)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO targets (`+targetColumns+`)
		VALUES (?,?,?,?,?,?,
			?,?,?,?,
			?,?,?,?,
			?,?,?,?,?,
			?,?,?,
			?,?,?,
			?,?,?,
			?,?,?,
			?,?,?,
			?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, url=excluded.url, name=excluded.name,
			kind=excluded.kind, region=excluded.region,
			interval_minutes=excluded.interval_minutes,
			http_method=excluded.http_method,
			expected_status_codes_json=excluded.expected_status_codes_json,
			headers_json=excluded.headers_json,
			request_body=excluded.request_body,
			validator_json=excluded.validator_json,
			response_time_limit_ms=excluded.response_time_limit_ms,
			cache_no_cache=excluded.cache_no_cache,
			status=excluded.status, detailed_status=excluded.detailed_status,
			last_status_code=excluded.last_status_code,
			last_response_time_ms=excluded.last_response_time_ms,
			last_error=excluded.last_error,
			consecutive_failures=excluded.consecutive_failures,
			consecutive_successes=excluded.consecutive_successes,
			first_failure_at_ms=excluded.first_failure_at_ms,
			last_checked_at_ms=excluded.last_checked_at_ms,
			next_check_at_ms=excluded.next_check_at_ms,
			last_history_at_ms=excluded.last_history_at_ms,
			disabled=excluded.disabled, disabled_reason=excluded.disabled_reason,
			disabled_at_ms=excluded.disabled_at_ms,
			pending_down_alert=excluded.pending_down_alert,
			pending_up_alert=excluded.pending_up_alert,
			pending_since_ms=excluded.pending_since_ms,
			meta_json=excluded.meta_json,
			meta_last_checked_ms=excluded.meta_last_checked_ms,
			cert_json=excluded.cert_json,
			check_hash=excluded.check_hash,
			order_index=excluded.order_index, tier=excluded.tier`,
		t.ID, t.UserID, t.URL, t.Name, string(t.Kind), t.Region,
		t.IntervalMinutes, t.HTTPMethod, expectedCodesJSON, t.HeadersJSON,
		t.RequestBody, validatorJSON, t.ResponseTimeLimitMs, boolToInt(t.CacheNoCache),
		string(t.Status), string(t.DetailedStatus), t.LastStatusCode, t.LastResponseTimeMs, t.LastError,
		t.ConsecutiveFailures, t.ConsecutiveSuccesses, t.FirstFailureAtMs,
		t.LastCheckedAtMs, t.NextCheckAtMs, t.LastHistoryAtMs,
		boolToInt(t.Disabled), t.DisabledReason, t.DisabledAtMs,
		boolToInt(t.PendingDownAlert), boolToInt(t.PendingUpAlert), t.PendingSinceMs,
		metaJSON, t.MetaLastCheckedMs, certJSON,
		t.CheckHash, t.OrderIndex, t.Tier,
	)
	if err != nil {
		return fmt.Errorf("store: upsert target %s: %w", t.ID, err)
	}
	return nil
}

// GetTarget loads one target by id.
func (r *Repo) GetTarget(ctx context.Context, id string) (*model.Target, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+targetColumns+" FROM targets WHERE id = ?", id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get target %s: %w", id, err)
	}
	return t, nil
}

// DeleteTarget removes a target row. Missing ids are not an error.
func (r *Repo) DeleteTarget(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM targets WHERE id = ?", id); err != nil {
		return fmt.Errorf("store: delete target %s: %w", id, err)
	}
	return nil
}

// Cursor is an opaque position in the due-target ordering
// (next_check_at_ms, id). The zero value starts from the beginning.
type Cursor struct {
	NextCheckAtMs int64
	ID            string
}

// IsZero reports whether the cursor is the start position.
func (c Cursor) IsZero() bool { return c.ID == "" && c.NextCheckAtMs == 0 }

// String encodes the cursor for logging.
func (c Cursor) String() string {
	return strconv.FormatInt(c.NextCheckAtMs, 10) + "|" + c.ID
}

// PageDue returns up to limit enabled targets in region whose
// next_check_at_ms is at or before nowMs, ordered by (next_check_at_ms,
// id), resuming after cursor. includeUnassigned also selects targets
// with no region yet (only the canonical region's scheduler passes
// true). more reports whether another page may exist.
func (r *Repo) PageDue(ctx context.Context, region string, includeUnassigned bool, nowMs int64, cursor Cursor, limit int) (targets []model.Target, next Cursor, more bool, err error) {
	regionClause := "region = ?"
	args := []any{region}
	if includeUnassigned {
		regionClause = "(region = ? OR region = '')"
	}
	query := "SELECT " + targetColumns + ` FROM targets
		WHERE ` + regionClause + ` AND disabled = 0 AND next_check_at_ms <= ?`
	args = append(args, nowMs)
	if !cursor.IsZero() {
		query += ` AND (next_check_at_ms > ? OR (next_check_at_ms = ? AND id > ?))`
		args = append(args, cursor.NextCheckAtMs, cursor.NextCheckAtMs, cursor.ID)
	}
	query += " ORDER BY next_check_at_ms, id LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cursor, false, fmt.Errorf("store: page due targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, cursor, false, fmt.Errorf("store: scan due target: %w", err)
		}
		targets = append(targets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, false, fmt.Errorf("store: iterate due targets: %w", err)
	}

	next = cursor
	if len(targets) > 0 {
		last := targets[len(targets)-1]
		next = Cursor{NextCheckAtMs: last.NextCheckAtMs, ID: last.ID}
	}
	return targets, next, len(targets) == limit, nil
}

// fieldColumns whitelists the mutation field keys the store will apply.
// Keys are column names; anything else is dropped with a log line.
var fieldColumns = map[string]struct{}{
	model.FieldStatus:               {},
	model.FieldDetailedStatus:       {},
	model.FieldLastStatusCode:       {},
	model.FieldLastResponseTimeMs:   {},
	model.FieldLastError:            {},
	model.FieldConsecutiveFailures:  {},
	model.FieldConsecutiveSuccesses: {},
	model.FieldFirstFailureAtMs:     {},
	model.FieldLastCheckedAtMs:      {},
	model.FieldNextCheckAtMs:        {},
	model.FieldLastHistoryAtMs:      {},
	model.FieldRegion:               {},
	model.FieldDisabled:             {},
	model.FieldDisabledReason:       {},
	model.FieldDisabledAtMs:         {},
	model.FieldPendingDownAlert:     {},
	model.FieldPendingUpAlert:       {},
	model.FieldPendingSinceMs:       {},
	model.FieldMetaJSON:             {},
	model.FieldMetaLastCheckedMs:    {},
	model.FieldCertJSON:             {},
	model.FieldCheckHash:            {},
}

// ApplyUpdates applies a batch of sparse field updates in one
// transaction. Updates for unknown targets are silently no-ops (the
// target may have been deleted since the probe ran).
func (r *Repo) ApplyUpdates(ctx context.Context, updates []model.MutationUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin update tx: %w", err)
	}
	defer tx.Rollback()

	for _, u := range updates {
		var (
			sets []string
			args []any
		)
		for key, val := range u.Fields {
			if _, ok := fieldColumns[key]; !ok {
				log.Printf("[store] dropping unknown field %q for target %s", key, u.TargetID)
				continue
			}
			sets = append(sets, key+" = ?")
			args = append(args, normalizeValue(val))
		}
		if len(sets) == 0 {
			continue
		}
		args = append(args, u.TargetID)
		query := "UPDATE targets SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: apply update for %s: %w", u.TargetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit update tx: %w", err)
	}
	return nil
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case bool:
		return boolToInt(x)
	case model.Status:
		return string(x)
	case model.DetailedStatus:
		return string(x)
	default:
		return v
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
