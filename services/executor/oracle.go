// Copyright (C) 2025 QueryLens
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/sijms/go-ora/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sso312/querylens/pkg/logging"
)

// Error classes surfaced to the API.
const (
	ClassDBError       = "DB_ERROR"
	ClassClientTimeout = "CLIENT_TIMEOUT"
	ClassExecError     = "EXEC_ERROR"
)

// minCallTimeout floors the per-call budget; analytic queries over the
// full ADMISSIONS table routinely run past a minute.
const minCallTimeout = 180 * time.Second

// poolRetryMarkers are connection-level failures worth one pool reset.
var poolRetryMarkers = []string{"DPY-4011", "DPI-1080", "connection was closed", "connection reset"}

var timeoutMarkers = []string{"DPY-4024", "DPI-1067", "ORA-03156", "context deadline exceeded"}

// OracleConfig configures connections and execution budgets.
type OracleConfig struct {
	DSN           string
	DefaultSchema string
	CallTimeout   time.Duration // floored at minCallTimeout
	RowCap        int           // default 1000
	MaxPools      int           // per-user pool LRU bound, default 16
	MaxOpenConns  int           // per pool, default 4
}

func (c OracleConfig) withDefaults() OracleConfig {
	if c.CallTimeout < minCallTimeout {
		c.CallTimeout = minCallTimeout
	}
	if c.RowCap <= 0 {
		c.RowCap = 1000
	}
	if c.MaxPools <= 0 {
		c.MaxPools = 16
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	return c
}

// ExecOptions tunes one execution.
type ExecOptions struct {
	// AccuracyMode fetches the uncapped COUNT(*) alongside capped rows.
	AccuracyMode bool
	TimeoutMs    int
	Tag          string
	UserKey      string // empty uses the global pool
	DSN          string // per-user DSN override
}

// ResultSet is the executor output contract.
type ResultSet struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"rowCount"`
	RowCap     int      `json:"rowCap,omitempty"`
	TotalCount int64    `json:"totalCount,omitempty"`
	ElapsedMs  int64    `json:"elapsedMs"`
	QueryHash  string   `json:"queryHash"`
}

// ExecError carries the classification the repair loop and API need.
type ExecError struct {
	Class     string
	Message   string
	QueryHash string
	ElapsedMs int64
	TimeoutMs int64
}

func (e *ExecError) Error() string { return e.Class + ": " + e.Message }

// PoolKey builds the pool map key for a user.
func PoolKey(userID string) string {
	if userID == "" {
		return "__global__"
	}
	return "user::" + userID
}

type pooledDB struct {
	db       *sql.DB
	dsn      string
	lastUsed time.Time
}

// OracleClient executes read-only SQL with per-user connection pools.
type OracleClient struct {
	cfg OracleConfig
	log *logging.Logger

	mu    sync.Mutex
	pools map[string]*pooledDB
}

func NewOracleClient(cfg OracleConfig, log *logging.Logger) *OracleClient {
	return &OracleClient{cfg: cfg.withDefaults(), log: log, pools: map[string]*pooledDB{}}
}

// Execute runs one SELECT/WITH statement. Errors are always *ExecError.
func (c *OracleClient) Execute(ctx context.Context, sqlText string, opts ExecOptions) (*ResultSet, error) {
	ctx, span := otel.Tracer("querylens.executor").Start(ctx, "oracle.execute")
	defer span.End()

	hash := SQLHash(sqlText)
	timeout := c.cfg.CallTimeout
	if opts.TimeoutMs > 0 {
		requested := time.Duration(opts.TimeoutMs) * time.Millisecond
		if requested > timeout {
			timeout = requested
		}
	}
	span.SetAttributes(
		attribute.String("query.hash", hash),
		attribute.String("query.tag", opts.Tag),
		attribute.Int64("query.timeout_ms", timeout.Milliseconds()),
	)

	start := time.Now()
	res, err := c.executeOnce(ctx, sqlText, opts, timeout)
	if err != nil && retryablePoolError(err) {
		c.log.Warn("pool connection stale, resetting and retrying once",
			"poolKey", PoolKey(opts.UserKey), "error", err)
		c.resetPool(PoolKey(opts.UserKey))
		res, err = c.executeOnce(ctx, sqlText, opts, timeout)
	}
	elapsed := time.Since(start)

	if elapsed > timeout*9/10 {
		c.log.Warn("timeout_near_limit",
			"queryHash", hash,
			"elapsedMs", elapsed.Milliseconds(),
			"timeoutMs", timeout.Milliseconds(),
			"tag", opts.Tag)
	}
	if err != nil {
		execErr := classify(err, hash, elapsed, timeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, execErr.Class)
		return nil, execErr
	}
	res.ElapsedMs = elapsed.Milliseconds()
	res.QueryHash = hash
	return res, nil
}

func (c *OracleClient) executeOnce(ctx context.Context, sqlText string, opts ExecOptions, timeout time.Duration) (*ResultSet, error) {
	db, err := c.acquire(PoolKey(opts.UserKey), opts.DSN)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &ResultSet{Columns: cols, RowCap: c.cfg.RowCap}
	scan := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for rows.Next() {
		if res.RowCount >= c.cfg.RowCap {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, v := range scan {
			row[i] = normalizeCell(v)
		}
		res.Rows = append(res.Rows, row)
		res.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.AccuracyMode && res.RowCount >= c.cfg.RowCap {
		res.TotalCount = c.totalCount(ctx, db, sqlText)
	}
	return res, nil
}

// totalCount wraps the statement to count uncapped rows. Best effort; zero
// means unknown.
func (c *OracleClient) totalCount(ctx context.Context, db *sql.DB, sqlText string) int64 {
	var total int64
	wrapped := fmt.Sprintf("SELECT COUNT(*) FROM (%s)", sqlText)
	if err := db.QueryRowContext(ctx, wrapped).Scan(&total); err != nil {
		c.log.Debug("total count probe failed", "error", err)
		return 0
	}
	return total
}

func (c *OracleClient) acquire(key, dsn string) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dsn == "" {
		dsn = c.cfg.DSN
	}
	if p, ok := c.pools[key]; ok && p.dsn == dsn {
		p.lastUsed = time.Now()
		return p.db, nil
	}
	if p, ok := c.pools[key]; ok {
		p.db.Close()
		delete(c.pools, key)
	}

	db, err := sql.Open("oracle", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	c.pools[key] = &pooledDB{db: db, dsn: dsn, lastUsed: time.Now()}
	c.evictLocked()
	return db, nil
}

// evictLocked closes least-recently-used pools beyond the bound. The
// global pool is never evicted.
func (c *OracleClient) evictLocked() {
	for len(c.pools) > c.cfg.MaxPools {
		oldestKey := ""
		var oldest time.Time
		for k, p := range c.pools {
			if k == PoolKey("") {
				continue
			}
			if oldestKey == "" || p.lastUsed.Before(oldest) {
				oldestKey, oldest = k, p.lastUsed
			}
		}
		if oldestKey == "" {
			return
		}
		c.pools[oldestKey].db.Close()
		delete(c.pools, oldestKey)
		c.log.Info("evicted idle connection pool", "poolKey", oldestKey)
	}
}

func (c *OracleClient) resetPool(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[key]; ok {
		p.db.Close()
		delete(c.pools, key)
	}
}

// PoolStatus reports the live pools for the admin endpoint.
func (c *OracleClient) PoolStatus() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	pools := make(map[string]any, len(c.pools))
	for k, p := range c.pools {
		stats := p.db.Stats()
		pools[k] = map[string]any{
			"open":     stats.OpenConnections,
			"inUse":    stats.InUse,
			"idle":     stats.Idle,
			"lastUsed": p.lastUsed.UTC().Format(time.RFC3339),
		}
	}
	return map[string]any{"pools": pools, "maxPools": c.cfg.MaxPools}
}

// Close shuts every pool down.
func (c *OracleClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.pools {
		p.db.Close()
		delete(c.pools, k)
	}
}

func retryablePoolError(err error) bool {
	msg := err.Error()
	for _, marker := range poolRetryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func classify(err error, hash string, elapsed, timeout time.Duration) *ExecError {
	msg := err.Error()
	class := ClassExecError
	for _, marker := range timeoutMarkers {
		if strings.Contains(msg, marker) {
			class = ClassClientTimeout
			break
		}
	}
	if class != ClassClientTimeout && oraCodeRe.MatchString(msg) {
		class = ClassDBError
	}
	return &ExecError{
		Class:     class,
		Message:   msg,
		QueryHash: hash,
		ElapsedMs: elapsed.Milliseconds(),
		TimeoutMs: timeout.Milliseconds(),
	}
}

var oraCodeRe = regexp.MustCompile(`ORA-\d{5}`)

func normalizeCell(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return v
	}
}
