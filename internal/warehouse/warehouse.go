// Package warehouse stores probe telemetry in rolling SQLite databases.
// The active database rotates when it outgrows the size cap; only the
// most recent files are retained.
package warehouse

import (
	"context"
	"fmt"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// CreateDDL defines the schema for telemetry databases. Each rolling DB
// gets its own telemetry table.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS telemetry (
	id               TEXT PRIMARY KEY,
	target_id        TEXT NOT NULL,
	user_id          TEXT NOT NULL DEFAULT '',
	timestamp_ms     INTEGER NOT NULL,
	status           TEXT NOT NULL,
	status_code      INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	dns_ms           INTEGER NOT NULL DEFAULT 0,
	connect_ms       INTEGER NOT NULL DEFAULT 0,
	tls_ms           INTEGER NOT NULL DEFAULT 0,
	ttfb_ms          INTEGER NOT NULL DEFAULT 0,
	meta_json        TEXT NOT NULL DEFAULT '',
	hints_json       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_telemetry_target_ts ON telemetry(target_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts        ON telemetry(timestamp_ms);
`

// PartialFailure reports that some rows of an insert batch failed while
// the rest were committed. Indices refer to positions in the submitted
// batch. The caller decides per row whether to retry or drop.
type PartialFailure struct {
	Indices []int
}

func (p *PartialFailure) Error() string {
	return fmt.Sprintf("warehouse: %d rows failed", len(p.Indices))
}

// Client is the telemetry ingestion surface the insert buffer flushes
// to. InsertRows returns nil when every row landed, a *PartialFailure
// when some rows failed, or another error when the whole batch failed.
type Client interface {
	InsertRows(ctx context.Context, rows []model.TelemetryRow) error
}
