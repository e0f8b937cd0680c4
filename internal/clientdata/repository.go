// Package clientdata caches provider price histories in client_data.db.
package clientdata

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Entry is one cached price window
type Entry struct {
	Symbol    string
	Start     time.Time
	End       time.Time
	Bars      json.RawMessage
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry has not yet expired at now
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Decode unmarshals the cached bars into v
func (e *Entry) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Bars, v); err != nil {
		return fmt.Errorf("failed to decode cached bars for %s: %w", e.Symbol, err)
	}
	return nil
}

// Stats summarises the cache contents
type Stats struct {
	Entries int `json:"entries"`
	Symbols int `json:"symbols"`
	Expired int `json:"expired"`
}

// Repository reads and writes the price history cache
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new price cache repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func normalize(symbol string, start, end time.Time) (string, string, string) {
	return strings.ToUpper(symbol), start.UTC().Format(dateLayout), end.UTC().Format(dateLayout)
}

// Put stores bars for the window, replacing any previous entry. ttl may be
// negative to store an already expired entry.
func (r *Repository) Put(symbol string, start, end time.Time, bars interface{}, ttl time.Duration) error {
	data, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}

	sym, s, e := normalize(symbol, start, end)
	now := r.now()
	_, err = r.db.Exec(`
		INSERT INTO price_history (symbol, start_date, end_date, bars, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, start_date, end_date) DO UPDATE SET
			bars = excluded.bars,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at
	`, sym, s, e, string(data), now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to cache prices for %s: %w", sym, err)
	}
	return nil
}

// Lookup returns the cached entry for the window whether or not it is fresh.
// Returns nil, nil when nothing is cached.
func (r *Repository) Lookup(symbol string, start, end time.Time) (*Entry, error) {
	sym, s, e := normalize(symbol, start, end)

	var (
		bars               string
		fetchedAt, expires int64
	)
	err := r.db.QueryRow(`
		SELECT bars, fetched_at, expires_at FROM price_history
		WHERE symbol = ? AND start_date = ? AND end_date = ?
	`, sym, s, e).Scan(&bars, &fetchedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached prices for %s: %w", sym, err)
	}

	startDate, _ := time.Parse(dateLayout, s)
	endDate, _ := time.Parse(dateLayout, e)
	return &Entry{
		Symbol:    sym,
		Start:     startDate,
		End:       endDate,
		Bars:      json.RawMessage(bars),
		FetchedAt: time.Unix(fetchedAt, 0),
		ExpiresAt: time.Unix(expires, 0),
	}, nil
}

// DeleteExpired removes expired entries and returns how many were deleted
func (r *Repository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec("DELETE FROM price_history WHERE expires_at <= ?", r.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired prices: %w", err)
	}
	return result.RowsAffected()
}

// Stats counts cached windows, distinct symbols and expired windows
func (r *Repository) Stats() (Stats, error) {
	var st Stats
	err := r.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT symbol), COALESCE(SUM(expires_at <= ?), 0)
		FROM price_history
	`, r.now().Unix()).Scan(&st.Entries, &st.Symbols, &st.Expired)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read cache stats: %w", err)
	}
	return st, nil
}
