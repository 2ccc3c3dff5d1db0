package myredis

// Reply 是 RESP 协议中所有回复的抽象
type Reply interface {
	ToBytes() []byte
}
