package myredis

import "time"

// Connection 是服务端视角下的一个客户端连接
type Connection interface {
	// Write 将数据放入发送队列，不阻塞调用方
	Write([]byte) (int, error)
	Close() error
	// CloseAsync 在发送队列写完之前就标记连接关闭，供事件循环使用
	CloseAsync()
	RemoteAddr() string
	Name() string
	ID() uint64

	SetPassword(string)
	GetPassword() string

	GetDBIndex() int
	SelectDB(dbNum int)

	SetSlave()
	IsSlave() bool

	SetMaster()
	IsMaster() bool

	// 内部连接：通过 AUTH "internal connection" <secret> 认证的节点间连接
	SetInternal()
	IsInternal() bool

	SetAsking(bool)
	IsAsking() bool

	SetReadOnly(bool)
	IsReadOnly() bool

	SetTracking(bool)
	IsTracking() bool

	// 对端在 CLUSTER SYNCSLOTS CONF NODE-ID 中声明的节点 ID
	SetNodeID(string)
	GetNodeID() string

	// 尚未写入网络的字节数
	PendingBytes() int64
	LastInteraction() time.Time
	Touch()
}
