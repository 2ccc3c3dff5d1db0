package database

import (
	"time"

	"asmredis/interface/myredis"
)

type CmdLine = [][]byte

// DB 命令执行与连接关闭的处理，由事件循环独占调用
type DB interface {
	Exec(client myredis.Connection, cmdLine [][]byte) myredis.Reply
	AfterClientClose(c myredis.Connection)
	Close()
}

// DataEntity 存储的值：[]byte / *List / *Set / *Hash
type DataEntity struct {
	Data interface{}
}

// SlotEntry 槽位快照中的一个键值
type SlotEntry struct {
	Key      string
	Entity   *DataEntity
	ExpireAt *time.Time
}

// SlotSnapshot 某个槽位在某一时刻的完整拷贝
type SlotSnapshot struct {
	Slot    int
	Expires int
	Entries []SlotEntry
}
