package tcp

import (
	"context"
	"net"
)

// Handler 处理一个 tcp 连接上的所有请求
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
	Close() error
}
