package asm

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"asmredis/database"
	dbface "asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

const (
	// 元素不超过该数量的容器以 RESTORE 发送，字符串和大容器以重放命令发送
	restoreMaxItems = 512
	// 发送队列积压超过该值时暂停编码
	snapshotMaxPending = 4 << 20
)

var errSnapshotAborted = errors.New("snapshot aborted")

// Snapshot 迁移开始时刻槽位数据的拷贝
type Snapshot struct {
	Functions []byte // FUNCTION DUMP 的载荷，为空时不发送
	Slots     []dbface.SlotSnapshot
}

// Keys 快照中的 key 数量
func (s *Snapshot) Keys() int {
	n := 0
	for _, slot := range s.Slots {
		n += len(slot.Entries)
	}
	return n
}

// snapshotWriter 将快照编码为命令流写入 RDB 通道
type snapshotWriter struct {
	conn  myredis.Connection
	abort *atomic.Bool
}

func (w *snapshotWriter) write(b []byte) error {
	for w.conn.PendingBytes() > snapshotMaxPending {
		if w.abort.Load() {
			return errSnapshotAborted
		}
		time.Sleep(time.Millisecond)
	}
	if w.abort.Load() {
		return errSnapshotAborted
	}
	_, err := w.conn.Write(b)
	return err
}

func (w *snapshotWriter) send(args [][]byte) error {
	return w.write(protocol.MakeMultiBulkReply(args).ToBytes())
}

// writeSnapshot 依次发送：SLOTSSNAPSHOT 状态行、扩展命令、函数库、SELECT 0、
// 每个槽位的 SLOT-INFO 与其中的 key，最后是 SNAPSHOT-EOF
func writeSnapshot(conn myredis.Connection, pre [][][]byte, snap *Snapshot, abort *atomic.Bool) error {
	w := &snapshotWriter{conn: conn, abort: abort}
	if err := w.write([]byte("+SLOTSSNAPSHOT" + protocol.CRLF)); err != nil {
		return err
	}
	for _, cmd := range pre {
		if err := w.send(cmd); err != nil {
			return err
		}
	}
	if len(snap.Functions) > 0 {
		if err := w.send(utils.ToCmdLine3("FUNCTION", []byte("RESTORE"), snap.Functions, []byte("REPLACE"))); err != nil {
			return err
		}
	}
	if len(snap.Slots) > 0 {
		if err := w.send(utils.ToCmdLine("SELECT", "0")); err != nil {
			return err
		}
	}
	for _, slot := range snap.Slots {
		if len(slot.Entries) == 0 {
			continue
		}
		info := strconv.Itoa(slot.Slot) + ":" + strconv.Itoa(len(slot.Entries)) + ":" + strconv.Itoa(slot.Expires)
		if err := w.send(utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "SLOT-INFO", info)); err != nil {
			return err
		}
		for _, entry := range slot.Entries {
			cmds, err := entryCmds(entry)
			if err != nil {
				return err
			}
			for _, cmd := range cmds {
				if err := w.send(cmd); err != nil {
					return err
				}
			}
		}
	}
	return w.send(utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SNAPSHOT-EOF"))
}

// entryCmds 单个 key 的编码
func entryCmds(entry dbface.SlotEntry) ([][][]byte, error) {
	if database.IsString(entry.Entity) || database.ItemCount(entry.Entity) > restoreMaxItems {
		return database.EntityToCmds(entry), nil
	}
	payload, err := database.DumpEntity(entry.Key, entry.Entity)
	if err != nil {
		return nil, err
	}
	ttl := "0"
	if entry.ExpireAt != nil {
		ttl = strconv.FormatInt(entry.ExpireAt.UnixMilli(), 10)
	}
	return [][][]byte{
		utils.ToCmdLine3("RESTORE", []byte(entry.Key), []byte(ttl), payload, []byte("ABSTTL")),
	}, nil
}
