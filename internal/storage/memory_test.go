package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

func newTestStorage() (*MemoryStorage, *clock.VirtualClock) {
	vc := clock.NewVirtualClock(epoch)
	return NewMemoryStorage(vc), vc
}

func TestMemoryStorage_Expiration(t *testing.T) {
	s, vc := newTestStorage()

	if err := s.Set(ctx, "lease", []byte("runner-1"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	vc.Advance(9 * time.Second)
	if val, _ := s.Get(ctx, "lease"); string(val) != "runner-1" {
		t.Fatalf("Get before expiry = %q, want runner-1", val)
	}

	// Expired at exactly the deadline.
	vc.Advance(time.Second)
	if val, _ := s.Get(ctx, "lease"); val != nil {
		t.Errorf("Get at expiry = %q, want nil", val)
	}
}

func TestMemoryStorage_LeaseRenewal(t *testing.T) {
	s, vc := newTestStorage()
	owner := []byte("runner-1")

	if ok, _ := s.SetNX(ctx, "lease", owner, 10*time.Second); !ok {
		t.Fatal("SetNX on a free key = false")
	}
	vc.Advance(8 * time.Second)
	if ok, _ := s.SetNX(ctx, "lease", []byte("runner-2"), 10*time.Second); ok {
		t.Fatal("SetNX on a held key = true")
	}
	if ok, _ := s.CompareAndExpire(ctx, "lease", owner, 10*time.Second); !ok {
		t.Fatal("CompareAndExpire by the owner = false")
	}

	// Renewed at 8s, so still held at 15s.
	vc.Advance(7 * time.Second)
	if val, _ := s.Get(ctx, "lease"); string(val) != "runner-1" {
		t.Fatalf("Get after renewal = %q, want runner-1", val)
	}

	vc.Advance(3 * time.Second)
	if ok, _ := s.CompareAndExpire(ctx, "lease", owner, 10*time.Second); ok {
		t.Error("CompareAndExpire on an expired lease = true")
	}
	if ok, _ := s.SetNX(ctx, "lease", []byte("runner-2"), 10*time.Second); !ok {
		t.Error("SetNX after expiry = false")
	}
}

func TestMemoryStorage_Cleanup(t *testing.T) {
	s, vc := newTestStorage()

	s.Set(ctx, "short", []byte("v"), 5*time.Second)
	s.Set(ctx, "long", []byte("v"), 10*time.Second)
	s.Set(ctx, "forever", []byte("v"), 0)

	vc.Advance(7 * time.Second)
	s.Cleanup()
	if s.Len() != 2 {
		t.Errorf("Len() after cleanup = %d, want 2", s.Len())
	}

	vc.Advance(5 * time.Second)
	s.Cleanup()
	if s.Len() != 1 {
		t.Errorf("Len() after second cleanup = %d, want 1", s.Len())
	}
}

func TestMemoryStorage_Janitor(t *testing.T) {
	s, vc := newTestStorage()
	s.StartJanitor(time.Minute)
	vc.BlockUntil(1)

	s.Set(ctx, "lease", []byte("v"), 10*time.Second)
	s.Set(ctx, "forever", []byte("v"), 0)
	vc.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Len() = %d after sweep, want 1", s.Len())
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if val, _ := s.Get(ctx, "forever"); string(val) != "v" {
		t.Errorf("Get after Close = %q, want v", val)
	}
}

func TestMemoryStorage_GetReturnsCopy(t *testing.T) {
	s, _ := newTestStorage()

	s.Set(ctx, "key", []byte("original"), 0)
	val, _ := s.Get(ctx, "key")
	val[0] = 'X'

	if val2, _ := s.Get(ctx, "key"); string(val2) != "original" {
		t.Errorf("Get() returned mutable reference, got %q", val2)
	}
}

func TestNew(t *testing.T) {
	s, err := New(Config{}, clock.NewRealClock())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStorage); !ok {
		t.Errorf("New(default) = %T, want *MemoryStorage", s)
	}

	if _, err := New(Config{Backend: "etcd"}, clock.NewRealClock()); err == nil {
		t.Error("New(etcd) should fail")
	}
	if _, err := New(Config{Backend: BackendRedis}, clock.NewRealClock()); err == nil {
		t.Error("New(redis) without config should fail")
	}
}

type storageFactory struct {
	name string
	new  func(t *testing.T) Storage
}

func TestStorageContract(t *testing.T) {
	factories := []storageFactory{
		{
			name: "memory",
			new: func(t *testing.T) Storage {
				return NewMemoryStorage(clock.NewRealClock())
			},
		},
		{
			name: "redis",
			new:  newRedisStorageForTest,
		},
	}

	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)
			contractSetGetDelete(t, s)
			contractCompareOps(t, s)
			contractConcurrentSetNX(t, s)
		})
	}
}

func contractSetGetDelete(t *testing.T, s Storage) {
	t.Helper()

	if val, err := s.Get(ctx, "contract-missing"); err != nil || val != nil {
		t.Fatalf("Get(missing) = %q, %v, want nil, nil", val, err)
	}
	if err := s.Set(ctx, "contract-key", []byte("v1"), 0); err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, "contract-key", []byte("v2"), 0)
	if val, _ := s.Get(ctx, "contract-key"); string(val) != "v2" {
		t.Errorf("Get after overwrite = %q, want v2", val)
	}
	if err := s.Delete(ctx, "contract-key"); err != nil {
		t.Fatal(err)
	}
	if val, _ := s.Get(ctx, "contract-key"); val != nil {
		t.Errorf("Get after Delete = %q, want nil", val)
	}
	if err := s.Delete(ctx, "contract-key"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func contractCompareOps(t *testing.T, s Storage) {
	t.Helper()

	mine, theirs := []byte("mine"), []byte("theirs")
	if ok, err := s.SetNX(ctx, "contract-lease", mine, time.Minute); err != nil || !ok {
		t.Fatalf("SetNX(free) = %v, %v, want true", ok, err)
	}
	if ok, _ := s.SetNX(ctx, "contract-lease", theirs, time.Minute); ok {
		t.Error("SetNX(held) = true")
	}
	if ok, _ := s.CompareAndExpire(ctx, "contract-lease", theirs, time.Minute); ok {
		t.Error("CompareAndExpire by a non-owner = true")
	}
	if ok, _ := s.CompareAndExpire(ctx, "contract-lease", mine, time.Minute); !ok {
		t.Error("CompareAndExpire by the owner = false")
	}
	if ok, _ := s.CompareAndDelete(ctx, "contract-lease", theirs); ok {
		t.Error("CompareAndDelete by a non-owner = true")
	}
	if val, _ := s.Get(ctx, "contract-lease"); string(val) != "mine" {
		t.Errorf("Get after foreign delete = %q, want mine", val)
	}
	if ok, _ := s.CompareAndDelete(ctx, "contract-lease", mine); !ok {
		t.Error("CompareAndDelete by the owner = false")
	}
	if ok, _ := s.CompareAndDelete(ctx, "contract-lease", mine); ok {
		t.Error("CompareAndDelete(missing) = true")
	}
}

func contractConcurrentSetNX(t *testing.T, s Storage) {
	t.Helper()

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.SetNX(ctx, "contract-race", []byte("x"), time.Minute); ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("%d concurrent SetNX calls won, want 1", won)
	}
}
