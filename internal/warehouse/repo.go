package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
	"github.com/Mopra/exit1.dev-sub001/internal/store"
)

// Repo manages rolling SQLite databases for telemetry. Each DB is named
// telemetry-<unix_ms>.db and lives in dir.
type Repo struct {
	dir         string
	maxBytes    int64
	retainCount int

	mu         sync.Mutex
	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo that manages rolling telemetry databases.
// maxBytes controls when the active DB is rotated; retainCount sets how
// many historical DB files are kept.
func NewRepo(dir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 512 * 1024 * 1024
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{dir: dir, maxBytes: maxBytes, retainCount: retainCount}
}

// Open opens (or creates) the active telemetry database. If a previous
// DB exists in the directory it is reused as active; a new one is
// created only when no existing DB is found.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("warehouse: mkdir %s: %w", r.dir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("warehouse: open: %w", err)
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		if err := r.openDB(latest); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// InsertRows writes a batch in a single transaction. Individual rows
// that fail to insert (malformed, duplicate id) are skipped and their
// positions reported via *PartialFailure; the rest still commit.
func (r *Repo) InsertRows(ctx context.Context, rows []model.TelemetryRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeDB == nil {
		return fmt.Errorf("warehouse: no active db")
	}
	if err := r.maybeRotate(); err != nil {
		return fmt.Errorf("warehouse: rotate: %w", err)
	}

	tx, err := r.activeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("warehouse: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO telemetry (
		id, target_id, user_id, timestamp_ms, status, status_code,
		response_time_ms, error, dns_ms, connect_ms, tls_ms, ttfb_ms,
		meta_json, hints_json
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("warehouse: prepare insert: %w", err)
	}
	defer stmt.Close()

	var failed []int
	for i := range rows {
		row := &rows[i]
		metaJSON := ""
		if !row.Meta.IsZero() {
			if data, err := json.Marshal(row.Meta); err == nil {
				metaJSON = string(data)
			}
		}
		hintsJSON := ""
		if row.Hints != (model.EdgeHints{}) {
			if data, err := json.Marshal(row.Hints); err == nil {
				hintsJSON = string(data)
			}
		}

		_, err := stmt.ExecContext(ctx,
			row.ID, row.TargetID, row.UserID, row.TimestampMs,
			row.Status, row.StatusCode, row.ResponseTimeMs, row.Error,
			row.Timings.DNSMs, row.Timings.ConnectMs, row.Timings.TLSMs, row.Timings.TTFBMs,
			metaJSON, hintsJSON,
		)
		if err != nil {
			log.Printf("[warehouse] warning: skip row id=%q insert failed: %v", row.ID, err)
			failed = append(failed, i)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("warehouse: commit: %w", err)
	}
	if len(failed) > 0 {
		return &PartialFailure{Indices: failed}
	}
	return nil
}

// QueryFilter specifies filters for reading telemetry back.
type QueryFilter struct {
	TargetID string
	Status   string
	BeforeMs int64 // timestamp_ms < BeforeMs (0 means no upper bound)
	AfterMs  int64 // timestamp_ms > AfterMs (0 means no lower bound)
	Limit    int
}

// Query reads rows across all retained DBs ordered by timestamp_ms DESC.
func (r *Repo) Query(ctx context.Context, f QueryFilter) ([]model.TelemetryRow, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}

	var results []model.TelemetryRow
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[warehouse] warning: query open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := queryRows(ctx, db, f, limit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[warehouse] warning: query close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[warehouse] warning: query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	// Row timestamps can be out of order relative to DB filename time
	// (buffered rows flushed after rotation), so sort globally.
	sort.Slice(results, func(i, j int) bool {
		if results[i].TimestampMs != results[j].TimestampMs {
			return results[i].TimestampMs > results[j].TimestampMs
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// --- internal helpers ---

func (r *Repo) openDB(path string) error {
	db, err := store.OpenDB(path)
	if err != nil {
		return err
	}
	if _, err := db.Exec(CreateDDL); err != nil {
		db.Close()
		return fmt.Errorf("warehouse: init schema %s: %w", path, err)
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("telemetry-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.dir, name)
	if err := r.openDB(path); err != nil {
		return fmt.Errorf("warehouse: rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[warehouse] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil // can't stat; skip rotation check
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	if len(files) <= r.retainCount {
		return nil
	}
	for _, f := range files[:len(files)-r.retainCount] {
		os.Remove(f)
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("warehouse: list dir %s: %w", r.dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "telemetry-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.dir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func queryRows(ctx context.Context, db *sql.DB, f QueryFilter, limit int) ([]model.TelemetryRow, error) {
	var where []string
	var args []any

	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.BeforeMs > 0 {
		where = append(where, "timestamp_ms < ?")
		args = append(args, f.BeforeMs)
	}
	if f.AfterMs > 0 {
		where = append(where, "timestamp_ms > ?")
		args = append(args, f.AfterMs)
	}

	q := `SELECT id, target_id, user_id, timestamp_ms, status, status_code,
		response_time_ms, error, dns_ms, connect_ms, tls_ms, ttfb_ms,
		meta_json, hints_json FROM telemetry`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp_ms DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.TelemetryRow
	for rows.Next() {
		var (
			row       model.TelemetryRow
			metaJSON  string
			hintsJSON string
		)
		err := rows.Scan(
			&row.ID, &row.TargetID, &row.UserID, &row.TimestampMs,
			&row.Status, &row.StatusCode, &row.ResponseTimeMs, &row.Error,
			&row.Timings.DNSMs, &row.Timings.ConnectMs, &row.Timings.TLSMs, &row.Timings.TTFBMs,
			&metaJSON, &hintsJSON,
		)
		if err != nil {
			log.Printf("[warehouse] warning: skip malformed row during scan: %v", err)
			continue
		}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &row.Meta) //nolint:errcheck
		}
		if hintsJSON != "" {
			json.Unmarshal([]byte(hintsJSON), &row.Hints) //nolint:errcheck
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// sqliteFilesSize returns the total size of a SQLite database set:
// base db file + optional -wal and -shm sidecar files.
func sqliteFilesSize(basePath string) (int64, error) {
	var total int64
	for _, p := range []string{basePath, basePath + "-wal", basePath + "-shm"} {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
