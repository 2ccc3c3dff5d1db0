package protocol

import "strconv"

type UnknownErrReply struct{}

var unknownErrBytes = []byte("-Err unknown\r\n")

func (r *UnknownErrReply) ToBytes() []byte {
	return unknownErrBytes
}

func (r *UnknownErrReply) Error() string {
	return "Err unknown"
}

// 错误的参数数量
type ArgNumErrReply struct {
	Cmd string
}

func (r *ArgNumErrReply) ToBytes() []byte {
	return []byte("-ERR wrong number of arguments for '" + r.Cmd + "' command\r\n")
}

func (r *ArgNumErrReply) Error() string {
	return "ERR wrong number of arguments for '" + r.Cmd + "' command"
}

func MakeArgNumErrReply(cmd string) *ArgNumErrReply {
	return &ArgNumErrReply{
		Cmd: cmd,
	}
}

// SyntaxErrReply 代表遇到不期望的参数
type SyntaxErrReply struct{}

var syntaxErrBytes = []byte("-ERR syntax error\r\n")
var theSyntaxErrReply = &SyntaxErrReply{}

func (r *SyntaxErrReply) ToBytes() []byte {
	return syntaxErrBytes
}

func (r *SyntaxErrReply) Error() string {
	return "ERR syntax error"
}

func MakeSyntaxErrReply() *SyntaxErrReply {
	return theSyntaxErrReply
}

type WrongTypeErrReply struct{}

var wrongTypeErrBytes = []byte("-WRONGTYPE Operation against a key holding the wrong kind of value\r\n")
var theWrongTypeErrReply = &WrongTypeErrReply{}

func (r *WrongTypeErrReply) ToBytes() []byte {
	return wrongTypeErrBytes
}

func (r *WrongTypeErrReply) Error() string {
	return "WRONGTYPE Operation against a key holding the wrong kind of value"
}

func MakeWrongTypeErrReply() *WrongTypeErrReply {
	return theWrongTypeErrReply
}

/* ---- 集群重定向与拒绝 ---- */

// MovedErrReply 槽位已由其他节点负责
type MovedErrReply struct {
	Slot int
	Addr string
}

func MakeMovedReply(slot int, addr string) *MovedErrReply {
	return &MovedErrReply{Slot: slot, Addr: addr}
}

func (r *MovedErrReply) Error() string {
	return "MOVED " + strconv.Itoa(r.Slot) + " " + r.Addr
}

func (r *MovedErrReply) ToBytes() []byte {
	return []byte("-" + r.Error() + CRLF)
}

// AskErrReply 槽位正在迁移，本次请求去目标节点
type AskErrReply struct {
	Slot int
	Addr string
}

func MakeAskReply(slot int, addr string) *AskErrReply {
	return &AskErrReply{Slot: slot, Addr: addr}
}

func (r *AskErrReply) Error() string {
	return "ASK " + strconv.Itoa(r.Slot) + " " + r.Addr
}

func (r *AskErrReply) ToBytes() []byte {
	return []byte("-" + r.Error() + CRLF)
}

type CrossSlotErrReply struct{}

var crossSlotErrBytes = []byte("-CROSSSLOT Keys in request don't hash to the same slot\r\n")
var theCrossSlotErrReply = &CrossSlotErrReply{}

func MakeCrossSlotReply() *CrossSlotErrReply {
	return theCrossSlotErrReply
}

func (r *CrossSlotErrReply) Error() string {
	return "CROSSSLOT Keys in request don't hash to the same slot"
}

func (r *CrossSlotErrReply) ToBytes() []byte {
	return crossSlotErrBytes
}

type TryAgainErrReply struct{}

var tryAgainErrBytes = []byte("-TRYAGAIN Multiple keys request during rehashing of slot\r\n")
var theTryAgainErrReply = &TryAgainErrReply{}

func MakeTryAgainReply() *TryAgainErrReply {
	return theTryAgainErrReply
}

func (r *TryAgainErrReply) Error() string {
	return "TRYAGAIN Multiple keys request during rehashing of slot"
}

func (r *TryAgainErrReply) ToBytes() []byte {
	return tryAgainErrBytes
}

// ClusterDownErrReply 集群不可用的几种情况
type ClusterDownErrReply struct {
	Msg string
}

const (
	ClusterDownUnbound = "Hash slot not served"
	ClusterDownState   = "The cluster is down"
	ClusterDownRO      = "The cluster is down and only accepts read commands"
)

func MakeClusterDownReply(msg string) *ClusterDownErrReply {
	return &ClusterDownErrReply{Msg: msg}
}

func (r *ClusterDownErrReply) Error() string {
	return "CLUSTERDOWN " + r.Msg
}

func (r *ClusterDownErrReply) ToBytes() []byte {
	return []byte("-" + r.Error() + CRLF)
}
