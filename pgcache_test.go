package pgcache_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bklug/pgcache"
	"github.com/bklug/pgcache/internal/store"
)

// faultStore simulates a backend whose every operation fails, for testing
// the fail-open policy. A cancelled context still wins over the fault.
type faultStore struct {
	err error
}

var _ store.Store = (*faultStore)(nil)

func (s *faultStore) Get(ctx context.Context, key string, extend bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, s.err
}

func (s *faultStore) Put(ctx context.Context, e store.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.err
}

func (s *faultStore) Refresh(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.err
}

func (s *faultStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.err
}

func (s *faultStore) Provision(ctx context.Context) error { return s.err }

func (s *faultStore) Sweep(ctx context.Context) (int64, error) { return 0, s.err }

func (s *faultStore) Close() error { return nil }

// recordStore wraps a Memory store and records how the facade drives it.
type recordStore struct {
	*store.Memory
	gets    int
	extends []bool
	puts    []store.Entry
}

func newRecordStore() *recordStore {
	return &recordStore{Memory: store.NewMemory()}
}

func (s *recordStore) Get(ctx context.Context, key string, extend bool) ([]byte, error) {
	s.gets++
	s.extends = append(s.extends, extend)
	return s.Memory.Get(ctx, key, extend)
}

func (s *recordStore) Put(ctx context.Context, e store.Entry) error {
	s.puts = append(s.puts, e)
	return s.Memory.Put(ctx, e)
}

// quietLogger discards log output so masked-fault tests stay silent.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMemoryCache builds a facade over a fresh in-memory store.
func newMemoryCache(t *testing.T, cfg pgcache.Config) *pgcache.Cache {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	c := pgcache.NewWithStore(store.NewMemory(), cfg)
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return c
}

// TestCache_ArgumentValidation tests that bad arguments surface and are
// never masked.
func TestCache_ArgumentValidation(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(t, pgcache.Config{})
	ctx := context.Background()

	if _, err := c.Get(ctx, ""); !errors.Is(err, pgcache.ErrInvalidArgument) {
		t.Errorf("Get(\"\") error = %v, want ErrInvalidArgument", err)
	}
	if err := c.Set(ctx, "", []byte("v"), pgcache.Options{}); !errors.Is(err, pgcache.ErrInvalidArgument) {
		t.Errorf("Set(\"\") error = %v, want ErrInvalidArgument", err)
	}
	if err := c.Set(ctx, "k", nil, pgcache.Options{}); !errors.Is(err, pgcache.ErrInvalidArgument) {
		t.Errorf("Set(nil value) error = %v, want ErrInvalidArgument", err)
	}
	if err := c.Refresh(ctx, ""); !errors.Is(err, pgcache.ErrInvalidArgument) {
		t.Errorf("Refresh(\"\") error = %v, want ErrInvalidArgument", err)
	}
	if err := c.Remove(ctx, ""); !errors.Is(err, pgcache.ErrInvalidArgument) {
		t.Errorf("Remove(\"\") error = %v, want ErrInvalidArgument", err)
	}
}

// TestCache_SetGetRoundtrip tests the basic write/read contract.
func TestCache_SetGetRoundtrip(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(t, pgcache.Config{})
	ctx := context.Background()

	value := []byte{0xde, 0xad, 0x00, 0xbe, 0xef}
	if err := c.Set(ctx, "k", value, pgcache.Options{Sliding: time.Minute}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get() = %v, want %v", got, value)
	}

	// An empty (non-nil) value is legal and distinguishable from a miss.
	if err := c.Set(ctx, "empty", []byte{}, pgcache.Options{Sliding: time.Minute}); err != nil {
		t.Fatalf("Set(empty) error = %v", err)
	}
	got, err = c.Get(ctx, "empty")
	if err != nil {
		t.Fatalf("Get(empty) error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Get(empty) = %v, want empty non-nil slice", got)
	}
}

// TestCache_GetAbsent tests that absence is a nil value, not an error.
func TestCache_GetAbsent(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(t, pgcache.Config{})

	got, err := c.Get(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil", got)
	}
}

// TestCache_DefaultSlidingApplied tests that a write with no expiration
// signal gets the configured default sliding window.
func TestCache_DefaultSlidingApplied(t *testing.T) {
	t.Parallel()

	rec := newRecordStore()
	c := pgcache.NewWithStore(rec, pgcache.Config{
		DefaultSlidingExpiration: 7 * time.Minute,
		Logger:                   quietLogger(),
	})
	defer c.Close()

	if err := c.Set(context.Background(), "k", []byte("v"), pgcache.Options{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if len(rec.puts) != 1 {
		t.Fatalf("store received %d puts, want 1", len(rec.puts))
	}
	if got := rec.puts[0].Deadline.Sliding; got != 7*time.Minute {
		t.Errorf("stored sliding window = %v, want %v", got, 7*time.Minute)
	}

	// An explicit expiration is passed through untouched.
	if err := c.Set(context.Background(), "k", []byte("v"), pgcache.Options{Sliding: time.Minute}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := rec.puts[1].Deadline.Sliding; got != time.Minute {
		t.Errorf("stored sliding window = %v, want %v", got, time.Minute)
	}
}

// TestCache_InvalidExpirationSurfaces tests that a past absolute expiration
// fails the write and writes nothing.
func TestCache_InvalidExpirationSurfaces(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(t, pgcache.Config{})
	ctx := context.Background()

	err := c.Set(ctx, "k", []byte("v"), pgcache.Options{Absolute: time.Now().Add(-time.Hour)})
	if !errors.Is(err, pgcache.ErrExpirationInPast) {
		t.Fatalf("Set() error = %v, want ErrExpirationInPast", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after failed Set = %v, want nil", got)
	}
}

// TestCache_RemoveIdempotent tests remove semantics.
func TestCache_RemoveIdempotent(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(t, pgcache.Config{})
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), pgcache.Options{Sliding: time.Minute}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after Remove() = %v, want nil", got)
	}

	if err := c.Remove(ctx, "k"); err != nil {
		t.Errorf("Remove() again error = %v", err)
	}
	if err := c.Remove(ctx, "never-existed"); err != nil {
		t.Errorf("Remove() on absent key error = %v", err)
	}
}

// TestCache_SlidingScenario runs the end-to-end sliding lifecycle through
// the facade with short real-time windows: reads and refreshes keep the
// entry alive, idleness expires it.
func TestCache_SlidingScenario(t *testing.T) {
	t.Parallel()

	c := newMemoryCache(t, pgcache.Config{})
	ctx := context.Background()

	if err := c.Set(ctx, "greeting", []byte("hello"), pgcache.Options{Sliding: 300 * time.Millisecond}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := c.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Get() = %q, want %q", got, "hello")
	}

	// Refresh midway through the window renews it.
	time.Sleep(150 * time.Millisecond)
	if err := c.Refresh(ctx, "greeting"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// Past the original deadline but inside the renewed window.
	time.Sleep(200 * time.Millisecond)
	got, err = c.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Get() after refresh = %q, want %q", got, "hello")
	}

	// Idle past the window: absent.
	time.Sleep(400 * time.Millisecond)
	got, err = c.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after idle window = %q, want nil", got)
	}
}

// TestCache_FailOpen tests that transient storage faults degrade to misses
// and dropped writes instead of surfacing.
func TestCache_FailOpen(t *testing.T) {
	t.Parallel()

	c := pgcache.NewWithStore(&faultStore{err: errors.New("connection refused")}, pgcache.Config{
		Logger: quietLogger(),
	})
	defer c.Close()
	ctx := context.Background()

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Errorf("Get() error = %v, want masked miss", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil", got)
	}

	if err := c.Set(ctx, "k", []byte("v"), pgcache.Options{Sliding: time.Minute}); err != nil {
		t.Errorf("Set() error = %v, want swallowed fault", err)
	}
	if err := c.Refresh(ctx, "k"); err != nil {
		t.Errorf("Refresh() error = %v, want swallowed fault", err)
	}
	if err := c.Remove(ctx, "k"); err != nil {
		t.Errorf("Remove() error = %v, want swallowed fault", err)
	}

	// Sweep is an operational call, not the data path; it reports faults.
	if _, err := c.Sweep(ctx); err == nil {
		t.Error("Sweep() error = nil, want fault")
	}
}

// TestCache_StorageTimeoutMasked tests that a storage-side timeout is a
// transient fault, not a caller cancellation.
func TestCache_StorageTimeoutMasked(t *testing.T) {
	t.Parallel()

	c := pgcache.NewWithStore(&faultStore{err: context.DeadlineExceeded}, pgcache.Config{
		Logger: quietLogger(),
	})
	defer c.Close()

	// The caller's context is live, so the deadline error came from the
	// storage layer and must be masked.
	got, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Errorf("Get() error = %v, want masked miss", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil", got)
	}
}

// TestCache_CancellationPropagates tests that the caller's cancellation is
// never masked as a miss.
func TestCache_CancellationPropagates(t *testing.T) {
	t.Parallel()

	c := pgcache.NewWithStore(&faultStore{err: errors.New("connection refused")}, pgcache.Config{
		Logger: quietLogger(),
	})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want context.Canceled", err)
	}
	if err := c.Set(ctx, "k", []byte("v"), pgcache.Options{Sliding: time.Minute}); !errors.Is(err, context.Canceled) {
		t.Errorf("Set() error = %v, want context.Canceled", err)
	}
	if err := c.Refresh(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Refresh() error = %v, want context.Canceled", err)
	}
	if err := c.Remove(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Errorf("Remove() error = %v, want context.Canceled", err)
	}
}

// TestCache_ReadOnly tests that a read-only cache never writes: mutations
// are no-ops and reads do not extend.
func TestCache_ReadOnly(t *testing.T) {
	t.Parallel()

	rec := newRecordStore()
	c := pgcache.NewWithStore(rec, pgcache.Config{ReadOnly: true, Logger: quietLogger()})
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), pgcache.Options{Sliding: time.Minute}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Refresh(ctx, "k"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := c.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(rec.puts) != 0 {
		t.Errorf("store received %d puts in read-only mode, want 0", len(rec.puts))
	}

	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.extends) != 1 || rec.extends[0] {
		t.Errorf("Get() extend flags = %v, want [false]", rec.extends)
	}

	if removed, err := c.Sweep(ctx); err != nil || removed != 0 {
		t.Errorf("Sweep() = (%d, %v), want no-op", removed, err)
	}
}

// TestCache_DisableExtendOnGet tests the extend-on-read switch.
func TestCache_DisableExtendOnGet(t *testing.T) {
	t.Parallel()

	rec := newRecordStore()
	c := pgcache.NewWithStore(rec, pgcache.Config{DisableExtendOnGet: true, Logger: quietLogger()})
	defer c.Close()

	if _, err := c.Get(context.Background(), "k"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.extends) != 1 || rec.extends[0] {
		t.Errorf("Get() extend flags = %v, want [false]", rec.extends)
	}
}

// TestNew_RequiresConnString tests construction validation.
func TestNew_RequiresConnString(t *testing.T) {
	t.Parallel()

	if _, err := pgcache.New(context.Background(), pgcache.Config{}); !errors.Is(err, pgcache.ErrInvalidArgument) {
		t.Fatalf("New() error = %v, want ErrInvalidArgument", err)
	}
}

// TestTyped tests the JSON convenience layer.
func TestTyped(t *testing.T) {
	t.Parallel()

	type session struct {
		User  string   `json:"user"`
		Roles []string `json:"roles"`
	}

	c := newMemoryCache(t, pgcache.Config{})
	typed := pgcache.NewTyped[session](c)
	ctx := context.Background()

	t.Run("roundtrip", func(t *testing.T) {
		want := session{User: "ada", Roles: []string{"admin", "author"}}
		if err := typed.Set(ctx, "sess", want, pgcache.Options{Sliding: time.Minute}); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		got, found, err := typed.Get(ctx, "sess")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !found {
			t.Fatal("Get() found = false, want true")
		}
		if got.User != want.User || len(got.Roles) != len(want.Roles) {
			t.Errorf("Get() = %+v, want %+v", got, want)
		}
	})

	t.Run("absent key", func(t *testing.T) {
		_, found, err := typed.Get(ctx, "no-such-session")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if found {
			t.Error("Get() found = true, want false")
		}
	})

	t.Run("wrong shape surfaces", func(t *testing.T) {
		if err := c.Set(ctx, "raw", []byte("not json"), pgcache.Options{Sliding: time.Minute}); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if _, _, err := typed.Get(ctx, "raw"); err == nil {
			t.Error("Get() on non-JSON payload error = nil, want decode error")
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := typed.Set(ctx, "tmp", session{User: "x"}, pgcache.Options{Sliding: time.Minute}); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := typed.Remove(ctx, "tmp"); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if _, found, err := typed.Get(ctx, "tmp"); err != nil || found {
			t.Errorf("Get() after Remove() = (found=%v, err=%v), want absent", found, err)
		}
	})
}
