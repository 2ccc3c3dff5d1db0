package client

import (
	"context"
	"net"
	"sync"

	"asmredis/myredis/connection"
	"asmredis/parser"
	"asmredis/protocol"
)

// Stream 长连接的 peer 通道：写入走异步发送队列，读取由独立协程解析后回调
//
// 回调在读协程中执行，调用方负责把数据投递回事件循环
type Stream struct {
	*connection.Connection
	addr string

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// Dial 建立到 addr 的 peer 通道
func Dial(ctx context.Context, addr string) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Stream{
		Connection: connection.NewConn(conn, 0),
		addr:       addr,
		resume:     make(chan struct{}),
	}, nil
}

func (s *Stream) RemoteAddress() string {
	return s.addr
}

// Send 以 RESP 数组格式发送一条命令
func (s *Stream) Send(args ...[]byte) error {
	_, err := s.Write(protocol.MakeMultiBulkReply(args).ToBytes())
	return err
}

// Start 启动读协程。出错或连接关闭时回调一次带 Err 的 payload 后退出
func (s *Stream) Start(onPayload func(*parser.Payload)) {
	go func() {
		ch := parser.ParseStream(s.Connection)
		for payload := range ch {
			if !s.waitResumed() {
				go drain(ch)
				return
			}
			onPayload(payload)
			if payload.Err != nil {
				// 协议错误后解析协程仍会继续发送
				go drain(ch)
				return
			}
		}
	}()
}

// drain 读空 ch，让解析协程在连接关闭后退出
func drain(ch <-chan *parser.Payload) {
	for range ch {
	}
}

// Pause 暂停读取，已经解析出的数据会在恢复后交付
func (s *Stream) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Stream) Resume() {
	s.mu.Lock()
	if s.paused {
		s.paused = false
		close(s.resume)
		s.resume = make(chan struct{})
	}
	s.mu.Unlock()
}

func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// 暂停期间阻塞，连接关闭时返回 false
func (s *Stream) waitResumed() bool {
	for {
		s.mu.Lock()
		paused, resume := s.paused, s.resume
		s.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-resume:
		case <-s.Done():
			return false
		}
	}
}
