/*
Package pool 提供一个可复用对象的资源池，用于节点之间的 peer 连接。

支持：
- 设置最大空闲数（MaxIdle）和最大活跃数（MaxActive）。
- 获取对象时优先复用空闲对象，超出限制时阻塞等待，等待可被 ctx 取消。
- 放回对象时若有人等待则直接移交，否则入池或销毁。
- 并发安全，支持多 goroutine 使用。

调用 Close 会关闭池并释放所有空闲资源。
*/
package pool

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed  = errors.New("pool closed")
	ErrMaxConn = errors.New("reach max connection limit")
)

type Config struct {
	MaxIdle   int
	MaxActive int
}

type Pool[T any] struct {
	Config
	factory     func() (T, error) // 创建新对象的工厂函数
	finalizer   func(x T)         // 用于销毁对象
	idles       []T               // 空闲对象
	waitingReqs []chan T          // 等待获取对象的请求队列
	activeCount int               // 已创建且未销毁的对象数量
	mu          sync.Mutex
	closed      bool
}

func New[T any](factory func() (T, error), finalizer func(x T), cfg Config) *Pool[T] {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	return &Pool[T]{
		Config:    cfg,
		factory:   factory,
		finalizer: finalizer,
	}
}

// Get 从池中获取一个对象，空闲为空且达到上限时等待归还
func (pool *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return zero, ErrClosed
	}
	if n := len(pool.idles); n > 0 {
		x := pool.idles[n-1]
		pool.idles = pool.idles[:n-1]
		pool.mu.Unlock()
		return x, nil
	}
	if pool.activeCount >= pool.MaxActive {
		req := make(chan T, 1)
		pool.waitingReqs = append(pool.waitingReqs, req)
		pool.mu.Unlock()
		select {
		case x, ok := <-req:
			if !ok {
				return zero, ErrMaxConn
			}
			return x, nil
		case <-ctx.Done():
			pool.cancelWaiting(req)
			return zero, ctx.Err()
		}
	}

	pool.activeCount++
	pool.mu.Unlock()
	x, err := pool.factory()
	if err != nil {
		pool.mu.Lock()
		pool.activeCount--
		pool.mu.Unlock()
		return zero, err
	}
	return x, nil
}

// 等待被取消：若对象已经移交过来则放回池中
func (pool *Pool[T]) cancelWaiting(req chan T) {
	pool.mu.Lock()
	for i, r := range pool.waitingReqs {
		if r == req {
			pool.waitingReqs = append(pool.waitingReqs[:i], pool.waitingReqs[i+1:]...)
			pool.mu.Unlock()
			return
		}
	}
	pool.mu.Unlock()
	if x, ok := <-req; ok {
		pool.Put(x)
	}
}

// Put 向池中归还一个对象
func (pool *Pool[T]) Put(x T) {
	pool.mu.Lock()
	if pool.closed {
		pool.activeCount--
		pool.mu.Unlock()
		pool.finalizer(x)
		return
	}
	// 优先移交给等待者
	if len(pool.waitingReqs) > 0 {
		req := pool.waitingReqs[0]
		pool.waitingReqs = pool.waitingReqs[1:]
		req <- x
		pool.mu.Unlock()
		return
	}
	if len(pool.idles) < pool.MaxIdle {
		pool.idles = append(pool.idles, x)
		pool.mu.Unlock()
		return
	}
	pool.activeCount--
	pool.mu.Unlock()
	pool.finalizer(x)
}

// Discard 销毁一个已损坏的对象，不再放回池中
func (pool *Pool[T]) Discard(x T) {
	pool.mu.Lock()
	pool.activeCount--
	pool.mu.Unlock()
	pool.finalizer(x)
}

func (pool *Pool[T]) Close() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}
	pool.closed = true
	idles := pool.idles
	pool.idles = nil
	// 唤醒所有等待中的 Get 请求
	for _, req := range pool.waitingReqs {
		close(req)
	}
	pool.waitingReqs = nil
	pool.activeCount -= len(idles)
	pool.mu.Unlock()

	for _, x := range idles {
		pool.finalizer(x)
	}
}
