package core

import (
	"context"
	"net"
	"strings"
	"sync"

	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/myredis/connection"
	"asmredis/parser"
	"asmredis/protocol"
)

// request 一条等待事件循环执行的客户端命令
type request struct {
	client myredis.Connection
	args   CmdLine
	done   chan struct{}
	once   sync.Once
}

func newRequest(c myredis.Connection, args CmdLine) *request {
	return &request{client: c, args: args, done: make(chan struct{})}
}

func (req *request) finish() {
	req.once.Do(func() { close(req.done) })
}

// Handle 实现 tcp.Handler：解析请求，交给事件循环执行并等待完成
//
// 回复由事件循环写入连接的发送队列，因此同一连接上的输出总是有序的
func (cluster *Cluster) Handle(ctx context.Context, conn net.Conn) {
	if cluster.closing.Load() {
		_ = conn.Close()
		return
	}
	client := connection.NewConn(conn, cluster.props.ClientOutputBufferLimit)
	cluster.Post(func() { cluster.clients[client.ID()] = client })
	ch := parser.ParseStream(client)
	defer func() {
		_ = client.Close()
		// 让解析协程退出
		go func() {
			for range ch {
			}
		}()
		cluster.Post(func() { cluster.afterClientClose(client) })
	}()

	for payload := range ch {
		if payload.Err != nil {
			if !isProtocolError(payload.Err) {
				return
			}
			errReply := protocol.MakeErrReply(payload.Err.Error())
			cluster.Post(func() { _, _ = client.Write(errReply.ToBytes()) })
			continue
		}
		r, ok := payload.Data.(*protocol.MultiBulkReply)
		if !ok || len(r.Args) == 0 {
			logger.Error("require multi bulk protocol")
			continue
		}
		client.Touch()
		if isRaftCommand(r.Args) {
			reply := cluster.execRaftCommand(ctx, client, r.Args)
			cluster.Post(func() { _, _ = client.Write(reply.ToBytes()) })
			continue
		}
		req := newRequest(client, r.Args)
		cluster.Post(func() { cluster.serve(req) })
		select {
		case <-req.done:
		case <-client.Done():
			return
		case <-cluster.stopped:
			return
		}
	}
}

func isProtocolError(err error) bool {
	return strings.HasPrefix(err.Error(), "protocol error")
}

// serve 在事件循环中执行一条命令，暂停期间挂起
func (cluster *Cluster) serve(req *request) {
	c := req.client
	if cluster.shouldPark(c, req.args) {
		cluster.pause.parked = append(cluster.pause.parked, req)
		return
	}
	reply := cluster.Exec(c, req.args)
	if reply != nil {
		if b := reply.ToBytes(); len(b) > 0 {
			_, _ = c.Write(b)
		}
	}
	req.finish()
}

func (cluster *Cluster) afterClientClose(c myredis.Connection) {
	if _, ok := cluster.clients[c.ID()]; !ok {
		return
	}
	delete(cluster.clients, c.ID())
	delete(cluster.replicas, c.ID())
	if c.IsTracking() {
		cluster.tracking--
	}
	cluster.dropParked(c)
	cluster.asm.OnClientClosed(c)
	cluster.db.AfterClientClose(c)
}
