// Package connection 提供了对客户端连接的封装：异步发送队列、输出缓冲上限以及各种连接标志。
package connection

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"asmredis/lib/logger"
	"asmredis/lib/sync/wait"
)

const (
	flagSlave = uint64(1 << iota)
	flagMaster
	flagInternal
	flagAsking
	flagReadOnly
	flagTracking
)

var ErrClosed = errors.New("connection closed")

var nextClientID atomic.Uint64

// clientState 连接的状态信息，真实连接和 SimpleConn 共用
type clientState struct {
	id              uint64
	flags           atomic.Uint64
	password        string
	selectedDB      int
	nodeID          string
	lastInteraction atomic.Int64
}

func newClientState() clientState {
	s := clientState{id: nextClientID.Add(1)}
	s.lastInteraction.Store(time.Now().UnixNano())
	return s
}

func (s *clientState) setFlag(flag uint64, on bool) {
	for {
		old := s.flags.Load()
		val := old &^ flag
		if on {
			val = old | flag
		}
		if s.flags.CompareAndSwap(old, val) {
			return
		}
	}
}

func (s *clientState) hasFlag(flag uint64) bool {
	return s.flags.Load()&flag > 0
}

func (s *clientState) ID() uint64 { return s.id }

func (s *clientState) SetPassword(password string) { s.password = password }
func (s *clientState) GetPassword() string         { return s.password }

func (s *clientState) GetDBIndex() int      { return s.selectedDB }
func (s *clientState) SelectDB(dbNum int)   { s.selectedDB = dbNum }
func (s *clientState) SetSlave()            { s.setFlag(flagSlave, true) }
func (s *clientState) IsSlave() bool        { return s.hasFlag(flagSlave) }
func (s *clientState) SetMaster()           { s.setFlag(flagMaster, true) }
func (s *clientState) IsMaster() bool       { return s.hasFlag(flagMaster) }
func (s *clientState) SetInternal()         { s.setFlag(flagInternal, true) }
func (s *clientState) IsInternal() bool     { return s.hasFlag(flagInternal) }
func (s *clientState) SetAsking(on bool)    { s.setFlag(flagAsking, on) }
func (s *clientState) IsAsking() bool       { return s.hasFlag(flagAsking) }
func (s *clientState) SetReadOnly(on bool)  { s.setFlag(flagReadOnly, on) }
func (s *clientState) IsReadOnly() bool     { return s.hasFlag(flagReadOnly) }
func (s *clientState) SetTracking(on bool)  { s.setFlag(flagTracking, on) }
func (s *clientState) IsTracking() bool     { return s.hasFlag(flagTracking) }
func (s *clientState) SetNodeID(id string)  { s.nodeID = id }
func (s *clientState) GetNodeID() string    { return s.nodeID }

func (s *clientState) Touch() {
	s.lastInteraction.Store(time.Now().UnixNano())
}

func (s *clientState) LastInteraction() time.Time {
	return time.Unix(0, s.lastInteraction.Load())
}

// Connection 服务端的一个客户端连接，写入先进入发送队列，由独立 goroutine 写到网络
type Connection struct {
	clientState
	conn        net.Conn
	sendingData wait.Wait // 正在写网络的批次

	mu      sync.Mutex
	queue   [][]byte
	closing bool // 队列写完后关闭
	notify  chan struct{}
	done    chan struct{}
	closed  atomic.Bool

	pending atomic.Int64
	limit   int64 // 输出缓冲上限，0 表示不限制
}

// NewConn 包装 net.Conn 并启动发送协程，limit 为输出缓冲上限
func NewConn(conn net.Conn, limit int64) *Connection {
	c := &Connection{
		clientState: newClientState(),
		conn:        conn,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		limit:       limit,
	}
	go c.writeLoop()
	return c
}

// Write 放入发送队列，超过输出缓冲上限时关闭连接
func (c *Connection) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if c.closed.Load() {
		return 0, ErrClosed
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.queue = append(c.queue, b)
	c.mu.Unlock()
	pending := c.pending.Add(int64(len(b)))
	if c.limit > 0 && pending > c.limit {
		logger.Warnf("Client %s closed for overcoming of output buffer limits.", c.Name())
		_ = c.closeNow()
		return 0, ErrClosed
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return len(b), nil
}

func (c *Connection) writeLoop() {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		closing := c.closing
		c.mu.Unlock()

		if len(batch) > 0 {
			c.sendingData.Add(1)
			for _, b := range batch {
				if _, err := c.conn.Write(b); err != nil {
					c.sendingData.Done()
					_ = c.closeNow()
					return
				}
				c.pending.Add(-int64(len(b)))
			}
			c.sendingData.Done()
			continue
		}
		if closing {
			_ = c.closeNow()
			return
		}
		select {
		case <-c.notify:
		case <-c.done:
			return
		}
	}
}

// Read 直接读取底层连接，供流式解析使用
func (c *Connection) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// PendingBytes 尚未写入网络的字节数
func (c *Connection) PendingBytes() int64 {
	return c.pending.Load()
}

// CloseAsync 发送队列写完后关闭连接，不阻塞调用方
func (c *Connection) CloseAsync() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Close 立即关闭连接，最多等待 1 秒让正在写的批次结束
func (c *Connection) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.sendingData.WaitWithTimeout(time.Second)
	return c.closeNow()
}

// Abort 丢弃发送队列立即关闭
func (c *Connection) Abort() error {
	return c.closeNow()
}

func (c *Connection) closeNow() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}

// Done 连接关闭后可读
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Connection) Name() string {
	if c.conn != nil {
		return c.conn.RemoteAddr().String()
	}
	return ""
}
