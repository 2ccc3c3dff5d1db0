package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockConn struct {
	id     int
	closed bool
}

func newTestPool(max int) (*Pool[*mockConn], *int) {
	created := 0
	p := New(func() (*mockConn, error) {
		created++
		return &mockConn{id: created}, nil
	}, func(c *mockConn) {
		c.closed = true
	}, Config{MaxIdle: 1, MaxActive: max})
	return p, &created
}

func TestPoolReuse(t *testing.T) {
	p, created := newTestPool(2)
	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Put(c1)
	c2, _ := p.Get(context.Background())
	if c2 != c1 || *created != 1 {
		t.Errorf("expected idle reuse, created=%d", *created)
	}
}

func TestPoolWaitAndCancel(t *testing.T) {
	p, _ := newTestPool(1)
	c1, _ := p.Get(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	got := make(chan *mockConn, 1)
	go func() {
		c, _ := p.Get(context.Background())
		got <- c
	}()
	time.Sleep(10 * time.Millisecond)
	p.Put(c1)
	select {
	case c := <-got:
		if c != c1 {
			t.Error("expected handed over connection")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestPoolClose(t *testing.T) {
	p, _ := newTestPool(2)
	c1, _ := p.Get(context.Background())
	p.Put(c1)
	p.Close()
	if !c1.closed {
		t.Error("idle object should be finalized")
	}
	if _, err := p.Get(context.Background()); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
