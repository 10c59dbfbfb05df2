package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := New()

	var order []int
	var mu sync.Mutex

	kl.Lock("cus_1")

	done := make(chan struct{})
	go func() {
		kl.Lock("cus_1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		kl.Unlock("cus_1")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	kl.Unlock("cus_1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second locker never acquired the lock")
	}

	assert.Equal(t, []int{1, 2}, order)
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	kl := New()
	kl.Lock("cus_1")
	defer kl.Unlock("cus_1")

	acquired := make(chan struct{})
	go func() {
		kl.Lock("cus_2")
		defer kl.Unlock("cus_2")
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyLock_ReuseAfterUnlock(t *testing.T) {
	kl := New()
	for range 100 {
		kl.Lock("cus_1")
		kl.Unlock("cus_1")
	}
	require.NotPanics(t, func() {
		kl.Lock("cus_1")
		kl.Unlock("cus_1")
	})
}
