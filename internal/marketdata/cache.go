package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/riskbatch/internal/database"
)

// Cache is the SQLite-backed market data cache. Writes are idempotent
// upserts keyed by (symbol, date); reads never touch the network.
type Cache struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCache creates a market data cache on top of the cache database
func NewCache(db *database.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: log.With().Str("component", "marketdata_cache").Logger(),
	}
}

// Get returns the row for (symbol, date), or nil when the cache has no entry.
func (c *Cache) Get(ctx context.Context, symbol string, date time.Time) (*Row, error) {
	row := Row{Symbol: symbol}
	var dateStr string

	err := c.db.QueryRowContext(ctx, `
		SELECT date, open, high, low, close, COALESCE(volume, 0)
		FROM market_data
		WHERE symbol = ? AND date = ?`,
		symbol, date.Format(dateFormat),
	).Scan(&dateStr, &row.Open, &row.High, &row.Low, &row.Close, &row.Volume)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read market data for %s: %w", symbol, err)
	}

	row.Date, err = time.Parse(dateFormat, dateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cached date %q: %w", dateStr, err)
	}
	return &row, nil
}

// PutMany upserts a batch of rows in a single transaction. Rows with a
// non-positive close are rejected here rather than tripping the schema
// CHECK mid-transaction; the count of rejects is logged and returned.
func (c *Cache) PutMany(ctx context.Context, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cache write transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO market_data (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare cache upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	rejected := 0
	for _, r := range rows {
		if r.Close <= 0 {
			rejected++
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			r.Symbol, r.Date.Format(dateFormat),
			r.Open, r.High, r.Low, r.Close, r.Volume,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert market data %s/%s: %w",
				r.Symbol, r.Date.Format(dateFormat), err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cache write: %w", err)
	}

	if rejected > 0 {
		c.log.Warn().
			Int("rejected", rejected).
			Int("written", written).
			Msg("Rejected rows with non-positive close during cache write")
	}
	return written, nil
}

// Range returns rows for symbol in [from, to], ascending by date.
func (c *Cache) Range(ctx context.Context, symbol string, from, to time.Time) ([]Row, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, COALESCE(volume, 0)
		FROM market_data
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		symbol, from.Format(dateFormat), to.Format(dateFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query market data range for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r := Row{Symbol: symbol}
		var dateStr string
		if err := rows.Scan(&dateStr, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan market data row: %w", err)
		}
		r.Date, err = time.Parse(dateFormat, dateStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cached date %q: %w", dateStr, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate market data rows: %w", err)
	}
	return out, nil
}

// Coverage returns the number of cached rows for symbol in [from, to].
func (c *Cache) Coverage(ctx context.Context, symbol string, from, to time.Time) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM market_data
		WHERE symbol = ? AND date >= ? AND date <= ?`,
		symbol, from.Format(dateFormat), to.Format(dateFormat)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count market data coverage for %s: %w", symbol, err)
	}
	return count, nil
}

// Checkpoint truncates the cache WAL. Called between run dates to keep
// the rebuildable cache file from bloating during long backfills.
func (c *Cache) Checkpoint() error {
	return c.db.WALCheckpoint("TRUNCATE")
}
