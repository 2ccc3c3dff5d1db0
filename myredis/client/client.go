// Package client 节点之间使用的 Redis 客户端。
//
// Client 是请求/响应式的客户端，用于转发 raft 提议、加入集群等短命令；
// Stream 是流式的 peer 通道，用于槽位迁移和主从复制。
package client

/*
+------------------+
|   Send(ctx,...)  |
+--------+---------+
         |
         v
+------------------+     +------------------+
|  pendingReqs     | --> |  handleWrite     | --> 写入 conn
+------------------+     +--------+---------+
                                   |
                                   v
                              对端节点
                                   |
                                   v
+------------------+     +------------------+
|  handleRead      | <-- |   ParseStream    | <-- 读取 conn
+--------+---------+     +------------------+
         |
         v
+------------------+
|  waitingReqs     | <-- 按发送顺序匹配响应并唤醒
+------------------+

+------------------+
|   heartbeat      | --每10s--> PING
+------------------+
*/

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/sync/wait"
	"asmredis/parser"
	"asmredis/protocol"
)

const (
	created = iota
	running
	closed
)

const (
	maxWait        = 3 * time.Second
	chanSize       = 256
	heartbeatEvery = 10 * time.Second
)

type Client struct {
	conn        net.Conn
	pendingReqs chan *request // 待发送请求
	waitingReqs chan *request // 已发送、等待响应的请求

	addr   string
	status atomic.Int32

	ticker    *time.Ticker
	working   sync.WaitGroup // 正在处理的请求
	done      chan struct{}
	closeOnce sync.Once
}

type request struct {
	args      [][]byte
	reply     myredis.Reply
	heartbeat bool
	waiting   *wait.Wait
	err       error
}

// NewClient 连接到 addr，需要调用 Start 后才能发送命令
func NewClient(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, maxWait)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:        conn,
		addr:        addr,
		pendingReqs: make(chan *request, chanSize),
		waitingReqs: make(chan *request, chanSize),
		done:        make(chan struct{}),
	}, nil
}

func (client *Client) RemoteAddress() string {
	return client.addr
}

func (client *Client) Start() {
	client.ticker = time.NewTicker(heartbeatEvery)
	client.status.Store(running)
	go client.handleWrite()
	go client.handleRead()
	go client.heartbeat()
}

// Send 发送命令并同步等待回复
func (client *Client) Send(args [][]byte) myredis.Reply {
	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()
	return client.SendContext(ctx, args)
}

// SendContext 发送命令并等待回复，ctx 结束时返回超时错误
func (client *Client) SendContext(ctx context.Context, args [][]byte) myredis.Reply {
	if client.status.Load() != running {
		return protocol.MakeErrReply("ERR client closed")
	}
	req := &request{
		args:    args,
		waiting: &wait.Wait{},
	}
	req.waiting.Add(1)
	client.working.Add(1)
	defer client.working.Done()
	select {
	case client.pendingReqs <- req:
	case <-client.done:
		return protocol.MakeErrReply("ERR client closed")
	}
	if req.waiting.WaitContext(ctx) {
		return protocol.MakeErrReply("ERR server time out")
	}
	if req.err != nil {
		return protocol.MakeErrReply("ERR request failed " + req.err.Error())
	}
	return req.reply
}

// Healthy 连接是否仍可用，连接池据此丢弃坏连接
func (client *Client) Healthy() bool {
	return client.status.Load() == running
}

// Close 关闭客户端，等待进行中的请求结束
func (client *Client) Close() {
	client.status.Store(closed)
	client.shutdown()
	client.working.Wait()
}

func (client *Client) shutdown() {
	client.closeOnce.Do(func() {
		if client.ticker != nil {
			client.ticker.Stop()
		}
		close(client.done)
		_ = client.conn.Close()
	})
}

func (client *Client) handleWrite() {
	for {
		select {
		case req := <-client.pendingReqs:
			client.doRequest(req)
		case <-client.done:
			return
		}
	}
}

func (client *Client) doRequest(req *request) {
	if req == nil || len(req.args) == 0 {
		return
	}
	msg := protocol.MakeMultiBulkReply(req.args).ToBytes()
	// 必须先入等待队列，否则响应可能先于入队到达
	client.waitingReqs <- req
	if _, err := client.conn.Write(msg); err != nil {
		// 连接已坏，读协程会把等待队列里的请求全部失败掉
		client.fail(err)
	}
}

func (client *Client) heartbeat() {
	for {
		select {
		case <-client.ticker.C:
		case <-client.done:
			return
		}
		req := &request{
			args:      [][]byte{[]byte("PING")},
			heartbeat: true,
			waiting:   &wait.Wait{},
		}
		req.waiting.Add(1)
		select {
		case client.pendingReqs <- req:
			req.waiting.WaitWithTimeout(maxWait)
		case <-client.done:
			return
		}
	}
}

func (client *Client) handleRead() {
	ch := parser.ParseStream(client.conn)
	for payload := range ch {
		if payload.Err != nil {
			client.fail(payload.Err)
			return
		}
		client.finishRequest(payload.Data)
	}
}

// fail 标记客户端不可用并唤醒所有等待中的请求
func (client *Client) fail(err error) {
	if client.status.CompareAndSwap(running, closed) {
		logger.Warnf("peer client %s broken: %v", client.addr, err)
	}
	client.shutdown()
	for {
		select {
		case req := <-client.waitingReqs:
			req.err = err
			req.waiting.Done()
		default:
			return
		}
	}
}

func (client *Client) finishRequest(reply myredis.Reply) {
	select {
	case req := <-client.waitingReqs:
		req.reply = reply
		req.waiting.Done()
	default:
		logger.Warnf("unexpected reply from %s", client.addr)
	}
}
