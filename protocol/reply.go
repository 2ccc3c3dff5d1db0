package protocol

import (
	"bytes"
	"errors"
	"strconv"

	"asmredis/interface/myredis"
)

var CRLF = "\r\n"

/*
BulkReply: 批量字符串回复
*/
type BulkReply struct {
	Arg []byte
}

func MakeBulkReply(arg []byte) *BulkReply {
	return &BulkReply{
		Arg: arg,
	}
}

// $5\r\nmamba\r\n
func (r *BulkReply) ToBytes() []byte {
	if r.Arg == nil {
		return nullBulkBytes
	}
	buf := make([]byte, 0, len(r.Arg)+16)
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(r.Arg)), 10)
	buf = append(buf, CRLF...)
	buf = append(buf, r.Arg...)
	return append(buf, CRLF...)
}

/*
MultiBulkReply: 多个 Bulk 字符串组成的数组，也是节点之间传输命令的编码
*/
type MultiBulkReply struct {
	Args [][]byte
}

func MakeMultiBulkReply(args [][]byte) *MultiBulkReply {
	return &MultiBulkReply{
		Args: args,
	}
}

// *2\r\n$5\r\nhello\r\n$5\r\nworld\r\n
func (r *MultiBulkReply) ToBytes() []byte {
	var buf bytes.Buffer
	buf.Grow(MultiBulkLen(r.Args))
	buf.WriteString("*")
	buf.WriteString(strconv.Itoa(len(r.Args)))
	buf.WriteString(CRLF)
	for _, arg := range r.Args {
		if arg == nil {
			buf.WriteString("$-1")
			buf.WriteString(CRLF)
			continue
		}
		buf.WriteString("$")
		buf.WriteString(strconv.Itoa(len(arg)))
		buf.WriteString(CRLF)
		buf.Write(arg)
		buf.WriteString(CRLF)
	}
	return buf.Bytes()
}

// MultiBulkLen 返回命令编码后的字节数，用于计算复制偏移量
func MultiBulkLen(args [][]byte) int {
	n := 1 + len(strconv.Itoa(len(args))) + 2
	for _, arg := range args {
		if arg == nil {
			n += 5
			continue
		}
		n += 1 + len(strconv.Itoa(len(arg))) + 2 + len(arg) + 2
	}
	return n
}

// 存储已经完成解析的 RESP 协议
type MultiRawReply struct {
	Replies []myredis.Reply
}

func MakeMultiRawReply(replies []myredis.Reply) *MultiRawReply {
	return &MultiRawReply{
		Replies: replies,
	}
}

func (r *MultiRawReply) ToBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("*" + strconv.Itoa(len(r.Replies)) + CRLF)
	for _, arg := range r.Replies {
		buf.Write(arg.ToBytes())
	}
	return buf.Bytes()
}

/* ---- Status Reply ---- */

type StatusReply struct {
	Status string
}

func MakeStatusReply(status string) *StatusReply {
	return &StatusReply{
		Status: status,
	}
}

// +OK\r\n
func (r *StatusReply) ToBytes() []byte {
	return []byte("+" + r.Status + CRLF)
}

func IsOKReply(reply myredis.Reply) bool {
	return string(reply.ToBytes()) == "+OK\r\n"
}

/* ---- Int Reply ---- */

type IntReply struct {
	Code int64
}

func MakeIntReply(code int64) *IntReply {
	return &IntReply{
		Code: code,
	}
}

// :1000\r\n
func (r *IntReply) ToBytes() []byte {
	return []byte(":" + strconv.FormatInt(r.Code, 10) + CRLF)
}

/* ---- Error Reply ---- */

// ErrorReply 既是 error 也是 myredis.Reply
type ErrorReply interface {
	Error() string
	ToBytes() []byte
}

type StandardErrReply struct {
	Status string
}

// MakeErrReply status 原样作为错误信息，需要时自带错误码前缀
func MakeErrReply(status string) *StandardErrReply {
	return &StandardErrReply{
		Status: status,
	}
}

// MakeErrReplyf 以 "ERR " 开头格式化错误
func MakeErrReplyf(format string, args ...interface{}) *StandardErrReply {
	return &StandardErrReply{
		Status: "ERR " + sprintf(format, args...),
	}
}

func IsErrorReply(reply myredis.Reply) bool {
	b := reply.ToBytes()
	return len(b) > 0 && b[0] == '-'
}

func Try2ErrorReply(reply myredis.Reply) error {
	str := string(reply.ToBytes())
	if len(str) == 0 {
		return errors.New("empty reply")
	}
	if str[0] != '-' {
		return nil
	}
	return errors.New(str[1 : len(str)-2])
}

func (r *StandardErrReply) ToBytes() []byte {
	return []byte("-" + r.Status + CRLF)
}

func (r *StandardErrReply) Error() string {
	return r.Status
}
