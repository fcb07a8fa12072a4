package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubDriver satisfies database/sql so pool behavior can be exercised
// without a PostgreSQL server.
type stubDriver struct {
	open   atomic.Int32
	closed atomic.Int32
}

func (d *stubDriver) Open(name string) (driver.Conn, error) {
	d.open.Add(1)
	return &stubConn{driver: d}, nil
}

type stubConn struct {
	driver *stubDriver
}

func (c *stubConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("stub: prepare not supported")
}

func (c *stubConn) Close() error {
	c.driver.closed.Add(1)
	return nil
}

func (c *stubConn) Begin() (driver.Tx, error) {
	return nil, errors.New("stub: transactions not supported")
}

var registerStub sync.Once

func newStubClient(t *testing.T, poolSize int) (*Client, *stubDriver) {
	t.Helper()
	d := &stubDriver{}
	registerStub.Do(func() {
		sql.Register("perfhub_stub", stubDriverMux)
	})
	stubDriverMux.current = d

	pool, err := sql.Open("perfhub_stub", "")
	if err != nil {
		t.Fatalf("open stub pool: %v", err)
	}
	pool.SetMaxOpenConns(poolSize)
	pool.SetMaxIdleConns(poolSize)
	c := &Client{pool: pool, tables: map[string]bool{DefaultTable: true}}
	t.Cleanup(func() { c.Close() })
	return c, d
}

// stubDriverMux lets each test swap in a fresh counter behind the single
// registered driver name.
var stubDriverMux = &driverMux{}

type driverMux struct {
	current *stubDriver
}

func (m *driverMux) Open(name string) (driver.Conn, error) {
	return m.current.Open(name)
}

func TestLeaseRespectsPoolBound(t *testing.T) {
	c, d := newStubClient(t, 2)

	first, err := c.Lease(context.Background())
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	second, err := c.Lease(context.Background())
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}

	// The third lease must wait, not open a connection past the bound.
	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Lease(waitCtx); err == nil {
		t.Fatal("third lease should block while the pool is exhausted")
	}
	if n := d.open.Load(); n > 2 {
		t.Fatalf("pool opened %d connections past its bound of 2", n)
	}

	// Returning one lease unblocks the next caller.
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	third, err := c.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	third.Release()
	second.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, _ := newStubClient(t, 1)

	lease, err := c.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// The pool has its connection back.
	again, err := c.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease after double release: %v", err)
	}
	again.Release()
}

func TestFetchTestDataRejectsUnknownTable(t *testing.T) {
	c, _ := newStubClient(t, 1)

	lease, err := c.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	defer lease.Release()

	pc := lease.(*PoolConn)
	_, err = pc.FetchTestData(context.Background(), "vperf; DROP TABLE vperf", "1700000000")
	var notAllowed *TableNotAllowedError
	if !errors.As(err, &notAllowed) {
		t.Fatalf("expected TableNotAllowedError, got %v", err)
	}
	if notAllowed.ErrorCode() != "invalid_parameters" {
		t.Fatalf("want invalid_parameters, got %s", notAllowed.ErrorCode())
	}
}

func TestConfigDSNDefaultsSSLMode(t *testing.T) {
	cfg := Config{Host: "db.local", Port: "5432", Name: "perf", User: "qa", Password: "secret"}
	dsn := cfg.dsn()
	want := "host=db.local port=5432 dbname=perf user=qa password=secret sslmode=disable"
	if dsn != want {
		t.Fatalf("want %q, got %q", want, dsn)
	}
}
