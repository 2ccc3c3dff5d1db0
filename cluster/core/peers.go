/*
peers 管理到集群中其他节点的短命令连接，用于转发 raft 提议和加入集群。

	peerFactory.pools
	│
	├── "127.0.0.1:7001" → *pool.Pool[*client.Client]
	│                        ├── conn1（已经通过 internal AUTH）
	│                        └── ...（最多 16 个）
	│
	└── "127.0.0.1:7002" → ...

槽位迁移和主从复制使用 client.Stream 长连接，不经过这里。
*/
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/pool"
	"asmredis/lib/utils"
	"asmredis/myredis/client"
	"asmredis/protocol"
)

var peerPoolConfig = pool.Config{
	MaxIdle:   1,
	MaxActive: 16,
}

const peerWait = 5 * time.Second

type peerFactory struct {
	mu     sync.Mutex
	pools  map[string]*pool.Pool[*client.Client]
	secret string
	closed bool
}

func newPeerFactory(secret string) *peerFactory {
	return &peerFactory{
		pools:  make(map[string]*pool.Pool[*client.Client]),
		secret: secret,
	}
}

// newPeerClient 建立连接并以内部连接身份认证
func (factory *peerFactory) newPeerClient(addr string) (*client.Client, error) {
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, err
	}
	c.Start()
	reply := c.Send(utils.ToCmdLine("AUTH", internalAuthUser, factory.secret))
	if err := protocol.Try2ErrorReply(reply); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (factory *peerFactory) getPool(addr string) (*pool.Pool[*client.Client], error) {
	factory.mu.Lock()
	defer factory.mu.Unlock()
	if factory.closed {
		return nil, pool.ErrClosed
	}
	p, ok := factory.pools[addr]
	if !ok {
		p = pool.New(func() (*client.Client, error) {
			return factory.newPeerClient(addr)
		}, func(c *client.Client) {
			logger.Debugf("destroy peer client %s", c.RemoteAddress())
			c.Close()
		}, peerPoolConfig)
		factory.pools[addr] = p
	}
	return p, nil
}

// Send 借一个连接发送命令，连接损坏时丢弃
func (factory *peerFactory) Send(ctx context.Context, addr string, args [][]byte) myredis.Reply {
	if addr == "" {
		return protocol.MakeErrReply("ERR peer address unknown")
	}
	p, err := factory.getPool(addr)
	if err != nil {
		return protocol.MakeErrReply("ERR " + err.Error())
	}
	c, err := p.Get(ctx)
	if err != nil {
		return protocol.MakeErrReply("ERR " + err.Error())
	}
	reply := c.SendContext(ctx, args)
	if c.Healthy() {
		p.Put(c)
	} else {
		p.Discard(c)
	}
	return reply
}

func (factory *peerFactory) Close() error {
	factory.mu.Lock()
	pools := factory.pools
	factory.pools = nil
	factory.closed = true
	factory.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
	return nil
}

var errNoLeader = errors.New("no raft leader")

func sendWithTimeout(factory *peerFactory, addr string, args [][]byte) myredis.Reply {
	ctx, cancel := context.WithTimeout(context.Background(), peerWait)
	defer cancel()
	return factory.Send(ctx, addr, args)
}
