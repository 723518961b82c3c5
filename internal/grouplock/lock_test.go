package grouplock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	l := NewMemoryLocker()
	key := Key("0xAbC", "0xDeF")

	var inCritical int32
	var maxSeen int32
	var writes int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), key)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&inCritical, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&writes, 1)
			atomic.AddInt32(&inCritical, -1)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("saw %d goroutines in critical section, want 1", maxSeen)
	}
	if writes != 16 {
		t.Fatalf("writes = %d, want 16", writes)
	}
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	l := NewMemoryLocker()

	releaseA, err := l.Acquire(context.Background(), Key("0xaa", "0xt1"))
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := l.Acquire(ctx, Key("0xbb", "0xt1"))
	if err != nil {
		t.Fatalf("distinct key blocked: %v", err)
	}
	releaseB()
}

func TestAcquireHonorsContext(t *testing.T) {
	l := NewMemoryLocker()
	key := "k"

	release, err := l.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, key); err == nil {
		t.Fatal("second acquire should fail when context expires")
	}

	release()

	releaseAgain, err := l.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	releaseAgain()
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // second call must not unlock someone else's hold

	releaseB, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer releaseB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k"); err == nil {
		t.Fatal("key should still be held after double release of prior hold")
	}
}

func TestKeyNormalizesCase(t *testing.T) {
	if Key("0xAB", "0xCd") != "0xab:0xcd" {
		t.Fatalf("unexpected key: %s", Key("0xAB", "0xCd"))
	}
	if WithdrawKey("0xAB", "0xCD") != "withdraw:0xab:0xcd" {
		t.Fatalf("unexpected withdraw key: %s", WithdrawKey("0xAB", "0xCD"))
	}
}
