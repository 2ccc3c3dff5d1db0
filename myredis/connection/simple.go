// 不依赖网络的假连接，用于测试和内部回放
package connection

import (
	"io"
	"sync"
)

// SimpleConn 写入的数据保存在内存中，可以通过 Read 按流读出
type SimpleConn struct {
	clientState
	buf     []byte
	offset  int
	closed  bool
	discard bool
	waiting chan struct{}

	mu sync.Mutex
}

func NewSimpleConn() *SimpleConn {
	return &SimpleConn{clientState: newClientState()}
}

// NewInternalConn 返回一个丢弃所有回复的内部连接，用于回放节点间数据流
func NewInternalConn() *SimpleConn {
	c := NewSimpleConn()
	c.discard = true
	c.SetInternal()
	return c
}

func (c *SimpleConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.EOF
	}
	if !c.discard {
		c.buf = append(c.buf, b...)
	}
	c.mu.Unlock()
	c.notify()
	return len(b), nil
}

// Read 没有新数据时阻塞，直到写入或关闭
func (c *SimpleConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		n := copy(p, c.buf[c.offset:])
		c.offset += n
		if n > 0 {
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		if c.waiting == nil {
			c.waiting = make(chan struct{})
		}
		waiting := c.waiting
		c.mu.Unlock()
		<-waiting
	}
}

func (c *SimpleConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *SimpleConn) CloseAsync() {
	_ = c.Close()
}

// IsClosed 测试中用于判断连接是否被服务端关闭
func (c *SimpleConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *SimpleConn) notify() {
	c.mu.Lock()
	if c.waiting != nil {
		close(c.waiting)
		c.waiting = nil
	}
	c.mu.Unlock()
}

// Clean 清空缓冲区
func (c *SimpleConn) Clean() {
	c.mu.Lock()
	c.buf = nil
	c.offset = 0
	c.mu.Unlock()
}

func (c *SimpleConn) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf...)
}

func (c *SimpleConn) PendingBytes() int64 { return 0 }
func (c *SimpleConn) RemoteAddr() string  { return "" }
func (c *SimpleConn) Name() string        { return "simple" }
