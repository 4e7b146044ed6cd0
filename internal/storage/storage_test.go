package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/retry"
)

var fastConnect = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "chainwatch.db"),
		Timeout:      5 * time.Second,
		ConnectRetry: fastConnect,
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(height int64) chain.BlockObservation {
	return chain.BlockObservation{
		Height:          height,
		Hash:            "00000000000000000001abc",
		Timestamp:       1700000000 + height,
		TxCount:         3120,
		SizeBytes:       1543210,
		Difficulty:      83148355189239.77,
		ConnectionCount: 8,
	}
}

// sameFields compares everything but ObservedAt, which storage assigns.
func sameFields(a, b chain.BlockObservation) bool {
	a.ObservedAt, b.ObservedAt = time.Time{}, time.Time{}
	return a == b
}

// runStoreTests checks the write and read contract shared by every driver.
func runStoreTests(t *testing.T, s Store, base int64) {
	ctx := context.Background()

	t.Run("idempotent upsert", func(t *testing.T) {
		o := sample(base + 1)
		for i := 0; i < 2; i++ {
			if err := s.Upsert(ctx, o); err != nil {
				t.Fatalf("Upsert #%d: %v", i, err)
			}
		}
		got, err := s.Recent(ctx, 100)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, g := range got {
			if g.Height == o.Height {
				n++
				if !sameFields(g, o) {
					t.Errorf("row = %+v, want %+v", g, o)
				}
				if g.ObservedAt.IsZero() {
					t.Error("observed_at not set")
				}
			}
		}
		if n != 1 {
			t.Errorf("rows at height %d = %d, want 1", o.Height, n)
		}
	})

	t.Run("last write wins", func(t *testing.T) {
		o := sample(base + 2)
		if err := s.Upsert(ctx, o); err != nil {
			t.Fatal(err)
		}
		first, err := s.Latest(ctx)
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)

		o.Hash = "00000000000000000002def"
		o.TxCount = 1
		o.Difficulty = 1.25
		o.ConnectionCount = chain.ConnectionCountUnavailable
		if err := s.Upsert(ctx, o); err != nil {
			t.Fatal(err)
		}
		got, err := s.Latest(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !sameFields(got, o) {
			t.Errorf("row = %+v, want %+v", got, o)
		}
		if got.HasConnectionCount() {
			t.Errorf("connection count = %d, want unavailable", got.ConnectionCount)
		}
		if !got.ObservedAt.After(first.ObservedAt) {
			t.Errorf("observed_at = %v, want refreshed after %v", got.ObservedAt, first.ObservedAt)
		}
	})

	t.Run("recent order and limit", func(t *testing.T) {
		for h := base + 3; h <= base+6; h++ {
			if err := s.Upsert(ctx, sample(h)); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.Recent(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		for i, want := range []int64{base + 6, base + 5, base + 4} {
			if got[i].Height != want {
				t.Errorf("recent[%d].Height = %d, want %d", i, got[i].Height, want)
			}
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, openTestSQLite(t), 800000)
}

func TestSQLiteLatestEmpty(t *testing.T) {
	s := openTestSQLite(t)
	if _, err := s.Latest(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest = %v, want ErrNotFound", err)
	}
	got, err := s.Recent(context.Background(), 0)
	if err != nil || len(got) != 0 {
		t.Errorf("Recent(0) = %v, %v; want empty", got, err)
	}
}

func TestSQLiteStoresUnavailableConnectionCountAsNull(t *testing.T) {
	s := openTestSQLite(t)
	o := sample(10)
	o.ConnectionCount = chain.ConnectionCountUnavailable
	if err := s.Upsert(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	var isNull bool
	if err := s.db.QueryRow(`SELECT connection_count IS NULL FROM blockchain_metrics WHERE height = 10`).Scan(&isNull); err != nil {
		t.Fatal(err)
	}
	if !isNull {
		t.Error("connection_count stored as a value, want NULL")
	}
}

func TestSQLiteDifficultyIsDecimalText(t *testing.T) {
	s := openTestSQLite(t)
	if err := s.Upsert(context.Background(), sample(11)); err != nil {
		t.Fatal(err)
	}
	var text string
	if err := s.db.QueryRow(`SELECT difficulty FROM blockchain_metrics WHERE height = 11`).Scan(&text); err != nil {
		t.Fatal(err)
	}
	if text != "83148355189239.77" {
		t.Errorf("difficulty = %q, want 83148355189239.77", text)
	}
}

func TestSQLiteWriteAfterCloseFails(t *testing.T) {
	s := openTestSQLite(t)
	s.Close()
	if err := s.Upsert(context.Background(), sample(1)); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Upsert = %v, want ErrWriteFailed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mysql"}); err == nil {
		t.Error("Open(mysql) succeeded, want error")
	}
}

func TestOpenPostgresBadURL(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{URL: "postgres://%zz", ConnectRetry: fastConnect})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("OpenPostgres = %v, want ErrConnectionFailed", err)
	}
}

func TestOpenPostgresUnreachableExhaustsRetry(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{
		URL:          "postgres://chainwatch@127.0.0.1:1/chainwatch?sslmode=disable&connect_timeout=1",
		Timeout:      time.Second,
		ConnectRetry: fastConnect,
	})
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, retry.ErrMaxRetriesExceeded) {
		t.Errorf("OpenPostgres = %v, want connection failure after retries", err)
	}
}

// Runs against a real server when CHAINWATCH_TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CHAINWATCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHAINWATCH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, PostgresConfig{URL: url, Timeout: 5 * time.Second, ConnectRetry: fastConnect})
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer s.Close()

	const base = 9_000_000_000
	cleanup := func() {
		s.pool.Exec(ctx, `DELETE FROM blockchain_metrics WHERE height > $1`, int64(base))
	}
	cleanup()
	defer cleanup()
	runStoreTests(t, s, base)
}
