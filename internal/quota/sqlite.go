package quota

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kitechat/kite/internal/logger"
	_ "modernc.org/sqlite"
)

const createQuotaTableSQL = `
CREATE TABLE IF NOT EXISTS model_quotas (
    model        TEXT PRIMARY KEY,
    quota_limit  INTEGER,
    used         INTEGER,
    remaining    INTEGER,
    reset_at     TEXT,
    last_updated TEXT NOT NULL DEFAULT ''
);
`

// SQLiteBackend persists quota records in the shared kite database.
// It expects an already-open handle (the transcript store owns the file).
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend ensures the quota schema exists on db.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.Exec(createQuotaTableSQL); err != nil {
		return nil, fmt.Errorf("create quota table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load() (map[string]Info, error) {
	rows, err := b.db.Query(`
		SELECT model, quota_limit, used, remaining, reset_at, last_updated
		FROM model_quotas`)
	if err != nil {
		return nil, fmt.Errorf("load quotas: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Info)
	for rows.Next() {
		var (
			model                  string
			limit, used, remaining sql.NullInt64
			resetAt, lastUpdated   sql.NullString
		)
		if err := rows.Scan(&model, &limit, &used, &remaining, &resetAt, &lastUpdated); err != nil {
			// A corrupt row loses one model's history, nothing more.
			logger.Warn("skipping unreadable quota row", "error", err)
			continue
		}

		var info Info
		if limit.Valid {
			v := limit.Int64
			info.Limit = &v
		}
		if used.Valid {
			v := used.Int64
			info.Used = &v
		}
		if remaining.Valid {
			v := remaining.Int64
			info.Remaining = &v
		}
		if resetAt.Valid && resetAt.String != "" {
			info.ResetAt, _ = time.Parse(time.RFC3339Nano, resetAt.String)
		}
		if lastUpdated.Valid && lastUpdated.String != "" {
			info.LastUpdated, _ = time.Parse(time.RFC3339Nano, lastUpdated.String)
		}
		entries[model] = info
	}
	return entries, rows.Err()
}

func (b *SQLiteBackend) Put(model string, info Info) error {
	var resetAt any
	if !info.ResetAt.IsZero() {
		resetAt = info.ResetAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := b.db.Exec(`
		INSERT OR REPLACE INTO model_quotas
			(model, quota_limit, used, remaining, reset_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		model,
		nullableInt(info.Limit),
		nullableInt(info.Used),
		nullableInt(info.Remaining),
		resetAt,
		info.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put quota for %s: %w", model, err)
	}
	return nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
