package db

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestNewPoolValidation(t *testing.T) {
	cases := []struct {
		name   string
		config PoolConfig
	}{
		{"empty dsn", PoolConfig{DriverName: "sqlite3", MaxOpenConns: 1}},
		{"empty driver", PoolConfig{DSN: "x", MaxOpenConns: 1}},
		{"zero open conns", PoolConfig{DSN: "x", DriverName: "sqlite3"}},
		{"idle above open", PoolConfig{DSN: "x", DriverName: "sqlite3", MaxOpenConns: 1, MaxIdleConns: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPool(tc.config); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestNewPoolSQLite(t *testing.T) {
	pool, err := NewPool(PoolConfig{
		DriverName:   "sqlite3",
		DSN:          filepath.Join(t.TempDir(), "pool.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	if pool.DriverName() != "sqlite3" {
		t.Errorf("unexpected driver name %s", pool.DriverName())
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	if stats := pool.Stats(); stats.MaxOpenConnections != 2 {
		t.Errorf("pool limits not applied: %+v", stats)
	}
}

func TestRebind(t *testing.T) {
	query := "INSERT INTO t (a, b) VALUES (?, ?) ON CONFLICT DO UPDATE SET a = ?"
	want := "INSERT INTO t (a, b) VALUES ($1, $2) ON CONFLICT DO UPDATE SET a = $3"
	for _, driver := range []string{"postgres", "pgx"} {
		if got := Rebind(driver, query); got != want {
			t.Errorf("%s: got %q", driver, got)
		}
	}
	if got := Rebind("sqlite3", query); got != query {
		t.Errorf("sqlite3 query must pass through, got %q", got)
	}
}
