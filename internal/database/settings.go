package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Settings is a typed view over the web_settings table. Rows carry a value
// and a type tag; lookups coerce to the requested Go type and fall back to
// the caller's default when the key is absent. Reads are cached per process
// and safe for concurrent use.
type Settings struct {
	db *DB

	mu    sync.RWMutex
	cache map[string]settingRow
}

type settingRow struct {
	value     string
	valueType string
}

func NewSettings(db *DB) *Settings {
	return &Settings{db: db, cache: make(map[string]settingRow)}
}

func (s *Settings) lookup(ctx context.Context, category, key string) (settingRow, bool) {
	cacheKey := category + "." + key

	s.mu.RLock()
	row, ok := s.cache[cacheKey]
	s.mu.RUnlock()
	if ok {
		return row, true
	}

	err := s.db.Pool.QueryRow(ctx,
		`SELECT setting_value, value_type FROM web_settings WHERE category = $1 AND setting_key = $2`,
		category, key,
	).Scan(&row.value, &row.valueType)
	if err != nil {
		if err != pgx.ErrNoRows {
			s.db.log.Warn().Err(err).Str("category", category).Str("key", key).Msg("settings lookup failed")
		}
		return settingRow{}, false
	}

	s.mu.Lock()
	s.cache[cacheKey] = row
	s.mu.Unlock()
	return row, true
}

// GetInt returns the setting coerced to int, or def if absent or malformed.
func (s *Settings) GetInt(ctx context.Context, category, key string, def int) int {
	row, ok := s.lookup(ctx, category, key)
	if !ok {
		return def
	}
	v, err := coerceInt(row.value)
	if err != nil {
		return def
	}
	return v
}

// GetFloat returns the setting coerced to float64, or def if absent or malformed.
func (s *Settings) GetFloat(ctx context.Context, category, key string, def float64) float64 {
	row, ok := s.lookup(ctx, category, key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row.value), 64)
	if err != nil {
		return def
	}
	return v
}

// GetBool returns the setting coerced to bool, or def if absent or malformed.
func (s *Settings) GetBool(ctx context.Context, category, key string, def bool) bool {
	row, ok := s.lookup(ctx, category, key)
	if !ok {
		return def
	}
	v, err := coerceBool(row.value)
	if err != nil {
		return def
	}
	return v
}

// GetString returns the setting as a string, or def if absent.
func (s *Settings) GetString(ctx context.Context, category, key, def string) string {
	row, ok := s.lookup(ctx, category, key)
	if !ok {
		return def
	}
	return row.value
}

// RequireInt returns the setting coerced to int, or an error when the key is
// absent. Used for settings with no sensible default, like
// pipeline.max_episodes_per_run.
func (s *Settings) RequireInt(ctx context.Context, category, key string) (int, error) {
	row, ok := s.lookup(ctx, category, key)
	if !ok {
		return 0, fmt.Errorf("required setting %s.%s is not configured", category, key)
	}
	return coerceInt(row.value)
}

// Invalidate clears the read cache. Long-lived processes call this between
// scheduled runs so operator edits take effect.
func (s *Settings) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]settingRow)
	s.mu.Unlock()
}

func coerceInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if v, err := strconv.Atoi(raw); err == nil {
		return v, nil
	}
	// Tolerate "7.0" style values written by the settings UI.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not an int: %q", raw)
	}
	return int(f), nil
}

func coerceBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a bool: %q", raw)
}
