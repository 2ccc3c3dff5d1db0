package protocol

import (
	"bytes"
	"fmt"

	"asmredis/interface/myredis"
)

/*
	如果这个结构体永远不会携带任何状态
	（比如 OkReply 只返回固定的 +OK\r\n 字节）
	那么可以只创建一个实例，重复使用。
*/

// 处理 PING 命令的响应
type PongReply struct{}

var PongBytes = []byte("+PONG\r\n")

func (r *PongReply) ToBytes() []byte {
	return PongBytes
}

var thePongReply = new(PongReply)

func MakePongReply() *PongReply {
	return thePongReply
}

// 执行成功
type OkReply struct{}

var OkBytes = []byte("+OK\r\n")

func (r *OkReply) ToBytes() []byte {
	return OkBytes
}

var theOkReply = new(OkReply)

func MakeOkReply() *OkReply {
	return theOkReply
}

// 访问一个不存在的键时返回此响应
type NullBulkReply struct{}

var nullBulkBytes = []byte("$-1\r\n")

func (r *NullBulkReply) ToBytes() []byte {
	return nullBulkBytes
}

func MakeNullBulkReply() *NullBulkReply {
	return &NullBulkReply{}
}

// 用于表示空列表或空集合等数据结构
var emptyMultiBulkBytes = []byte("*0\r\n")

type EmptyMultiBulkReply struct{}

func (r *EmptyMultiBulkReply) ToBytes() []byte {
	return emptyMultiBulkBytes
}

func MakeEmptyMultiBulkReply() *EmptyMultiBulkReply {
	return &EmptyMultiBulkReply{}
}

func IsEmptyMultiBulkReply(reply myredis.Reply) bool {
	return bytes.Equal(reply.ToBytes(), emptyMultiBulkBytes)
}

// 有些命令不返回任何内容，例如被挂起的写命令和内部流
type NoReply struct{}

var noBytes = []byte("")

func (r *NoReply) ToBytes() []byte {
	return noBytes
}

var theNoReply = new(NoReply)

func MakeNoReply() *NoReply {
	return theNoReply
}

// RawReply 原样写回的字节，例如 +RDBCHANNELSYNCSLOTS
type RawReply struct {
	Raw []byte
}

func MakeRawReply(raw []byte) *RawReply {
	return &RawReply{Raw: raw}
}

func (r *RawReply) ToBytes() []byte {
	return r.Raw
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
