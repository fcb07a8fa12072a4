// Package db provides the PostgreSQL backend for performance results.
// A Client owns the connection pool; per-call work runs on a PoolConn
// checked out through the resource lease mechanism.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/perfqa/perfhub/internal/resource"
)

// DefaultPoolSize bounds concurrent connections when the config leaves it unset.
const DefaultPoolSize = 5

// DefaultTable is the results table queried when a call names none.
const DefaultTable = "vperf"

// Config describes the PostgreSQL connection and pool limits.
type Config struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	PoolSize int
	// Tables extends the results-table allowlist beyond DefaultTable.
	Tables []string
}

func (c Config) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, sslMode)
}

// Client wraps the *sql.DB pool and the results-table allowlist.
type Client struct {
	pool   *sql.DB
	tables map[string]bool
}

// Open configures the pool without touching the network; the broker's
// liveness ping establishes the first connection.
func Open(cfg Config) (*Client, error) {
	pool, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	pool.SetMaxOpenConns(size)
	pool.SetMaxIdleConns(size)
	pool.SetConnMaxLifetime(5 * time.Minute)

	tables := map[string]bool{DefaultTable: true}
	for _, t := range cfg.Tables {
		tables[t] = true
	}
	return &Client{pool: pool, tables: tables}, nil
}

// Ping verifies connectivity. Part of the resource.Session contract.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

// Close closes the pool. Part of the resource.Session contract.
func (c *Client) Close() error {
	return c.pool.Close()
}

// Lease checks one connection out of the pool. Blocks while the pool is at
// its bound, honoring ctx. Part of the resource.Leaser contract.
func (c *Client) Lease(ctx context.Context) (resource.Lease, error) {
	conn, err := c.pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("db lease: %w", err)
	}
	return &PoolConn{client: c, conn: conn}, nil
}

// PoolConn is one checked-out connection, valid for the duration of a single
// tool invocation.
type PoolConn struct {
	client *Client
	conn   *sql.Conn

	releaseOnce sync.Once
	releaseErr  error
}

// Release returns the connection to the pool. Called when the invocation
// closes; safe to call more than once.
func (pc *PoolConn) Release() error {
	pc.releaseOnce.Do(func() {
		pc.releaseErr = pc.conn.Close()
	})
	return pc.releaseErr
}

// TableNotAllowedError rejects a results table outside the allowlist. The
// table name cannot be a bind parameter, so it never reaches the SQL text
// unvetted.
type TableNotAllowedError struct {
	Table string
}

func (e *TableNotAllowedError) Error() string {
	return fmt.Sprintf("results table %q is not allowed", e.Table)
}

func (e *TableNotAllowedError) ErrorCode() string { return "invalid_parameters" }

// TestResult is one row of the performance-results table.
type TestResult struct {
	Date     time.Time `json:"date"`
	Build    string    `json:"build"`
	TestName string    `json:"test_name"`
	BW       float64   `json:"bw"`
	IOPS     float64   `json:"iops"`
	Latency  float64   `json:"latency"`
	Cluster  string    `json:"cluster"`
	Uniq     string    `json:"uniq"`
}

// FetchTestData returns the result rows recorded under one uniq id. An empty
// table name means DefaultTable.
func (pc *PoolConn) FetchTestData(ctx context.Context, table, uniq string) ([]TestResult, error) {
	if table == "" {
		table = DefaultTable
	}
	if !pc.client.tables[table] {
		return nil, &TableNotAllowedError{Table: table}
	}

	query := fmt.Sprintf(
		`SELECT date, build, test_name, bw, iops, latency, cluster, uniq FROM %s WHERE uniq = $1 ORDER BY test_name`,
		pq.QuoteIdentifier(table),
	)
	rows, err := pc.conn.QueryContext(ctx, query, uniq)
	if err != nil {
		return nil, fmt.Errorf("fetch test data: %w", err)
	}
	defer rows.Close()

	out := make([]TestResult, 0)
	for rows.Next() {
		var r TestResult
		var bw, iops, latency sql.NullFloat64
		if err := rows.Scan(&r.Date, &r.Build, &r.TestName, &bw, &iops, &latency, &r.Cluster, &r.Uniq); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		r.BW = bw.Float64
		r.IOPS = iops.Float64
		r.Latency = latency.Float64
		out = append(out, r)
	}
	return out, rows.Err()
}
