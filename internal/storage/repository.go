package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTickSQL = `INSERT INTO price_ticks (
        symbol,
        price,
        source,
        tick_ts
    ) VALUES (
        $1,$2,$3,$4
    );`

	listTicksBetweenSQL = `SELECT
        symbol,
        price,
        source,
        tick_ts,
        created_at
    FROM price_ticks
    WHERE symbol = $1
      AND tick_ts >= $2
      AND tick_ts < $3
    ORDER BY tick_ts;`

	countTicksSQL = `SELECT COUNT(*) FROM price_ticks;`

	insertAlertSQL = `INSERT INTO alert_log (
        symbol,
        level,
        vol_5m,
        duration_text
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, symbol, level, vol_5m, duration_text, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        symbol,
        level,
        vol_5m,
        duration_text,
        created_at
    FROM alert_log
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteTicksBeforeSQL = `DELETE FROM price_ticks WHERE tick_ts < $1;`
)

// TickStore defines operations for price tick persistence.
type TickStore interface {
	InsertTicks(ctx context.Context, ticks []PriceTick) error
	ListTicksBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceTick, error)
	CountTicks(ctx context.Context) (int64, error)
	DeleteTicksBefore(ctx context.Context, olderThan time.Time) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertEntry) (AlertEntry, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertEntry, error)
}

// Store aggregates access to archived ticks and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTicks archives a batch of ticks in one round-trip.
func (s *Store) InsertTicks(ctx context.Context, ticks []PriceTick) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, tick := range ticks {
		batch.Queue(insertTickSQL, tick.Symbol, tick.Price.String(), tick.Source, tick.TS)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for range ticks {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert tick: %w", execErr)
		}
	}
	return nil
}

// ListTicksBetween lists archived ticks for a symbol within a time window.
func (s *Store) ListTicksBetween(ctx context.Context, symbol string, from, to time.Time) ([]PriceTick, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTicksBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list ticks between: %w", queryErr)
	}
	defer rows.Close()

	ticks := make([]PriceTick, 0)
	for rows.Next() {
		tick, scanErr := scanPriceTick(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

// CountTicks returns the number of archived ticks.
func (s *Store) CountTicks(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var count int64
	if scanErr := pool.QueryRow(ctx, countTicksSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count ticks: %w", scanErr)
	}
	return count, nil
}

// DeleteTicksBefore prunes ticks observed before the given time.
func (s *Store) DeleteTicksBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteTicksBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete ticks before: %w", execErr)
	}
	return nil
}

// InsertAlert archives one relayed alert and returns the stored row.
func (s *Store) InsertAlert(ctx context.Context, alert AlertEntry) (AlertEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEntry{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Symbol,
		alert.Level,
		alert.Vol5m.String(),
		alert.DurationText,
	)
	stored, scanErr := scanAlertEntry(row)
	if scanErr != nil {
		return AlertEntry{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return stored, nil
}

// ListRecentAlerts lists the most recently archived alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertEntry, 0, limit)
	for rows.Next() {
		entry, scanErr := scanAlertEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPriceTick(row rowScanner) (PriceTick, error) {
	var (
		tick     PriceTick
		priceStr string
	)
	if err := row.Scan(&tick.Symbol, &priceStr, &tick.Source, &tick.TS, &tick.CreatedAt); err != nil {
		return PriceTick{}, fmt.Errorf("scan price tick: %w", err)
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceTick{}, fmt.Errorf("parse archived price %q: %w", priceStr, err)
	}
	tick.Price = price
	return tick, nil
}

func scanAlertEntry(row rowScanner) (AlertEntry, error) {
	var (
		entry  AlertEntry
		volStr string
	)
	if err := row.Scan(&entry.ID, &entry.Symbol, &entry.Level, &volStr, &entry.DurationText, &entry.CreatedAt); err != nil {
		return AlertEntry{}, fmt.Errorf("scan alert entry: %w", err)
	}

	vol, err := decimal.NewFromString(volStr)
	if err != nil {
		return AlertEntry{}, fmt.Errorf("parse archived volume %q: %w", volStr, err)
	}
	entry.Vol5m = vol
	return entry, nil
}

var (
	_ TickStore  = (*Store)(nil)
	_ AlertStore = (*Store)(nil)
)
