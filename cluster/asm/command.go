package asm

import (
	"strings"

	"asmredis/cluster/slots"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/protocol"
)

// SyncSlots CLUSTER SYNCSLOTS <subcommand> ...，args 从 CLUSTER 开始
func (m *Manager) SyncSlots(c myredis.Connection, args [][]byte) myredis.Reply {
	if len(args) < 3 {
		return protocol.MakeArgNumErrReply("cluster|syncslots")
	}
	if !c.IsInternal() && !c.IsMaster() {
		return replyAndClose(c, protocol.MakeErrReply(
			"ERR CLUSTER SYNCSLOTS subcommands are only allowed for internal clients"))
	}
	sub := strings.ToLower(string(args[2]))
	if !m.host.IsMaster() {
		if !c.IsMaster() {
			return replyAndClose(c, protocol.MakeErrReply(
				"ERR CLUSTER SYNCSLOTS subcommands are only allowed for master"))
		}
		// 副本只处理主节点同步过来的 CONF
		if sub != "conf" {
			return protocol.MakeNoReply()
		}
	}
	switch sub {
	case "sync":
		return m.handleSync(c, args)
	case "rdbchannel":
		return m.handleRDBChannel(c, args)
	case "snapshot-eof", "stream-eof":
		// 只应出现在源节点发来的数据流中
		logger.Warnf("Unexpected CLUSTER SYNCSLOTS %s command from client %s", strings.ToUpper(sub), c.RemoteAddr())
		c.CloseAsync()
		return protocol.MakeNoReply()
	case "ack":
		return m.handleAck(c, args)
	case "fail":
		if len(args) != 4 {
			return protocol.MakeArgNumErrReply("cluster|syncslots")
		}
		return protocol.MakeNoReply()
	case "conf":
		return m.handleConf(c, args)
	}
	return protocol.MakeSyntaxErrReply()
}

func replyAndClose(c myredis.Connection, reply myredis.Reply) myredis.Reply {
	_, _ = c.Write(reply.ToBytes())
	c.CloseAsync()
	return protocol.MakeNoReply()
}

// Migration MIGRATION IMPORT|CANCEL|STATUS ...，args 从 MIGRATION 开始
func (m *Manager) Migration(args [][]byte) myredis.Reply {
	if len(args) < 3 {
		return protocol.MakeArgNumErrReply("cluster|migration")
	}
	switch strings.ToLower(string(args[1])) {
	case "import":
		ranges := args[2:]
		if len(ranges)%2 != 0 {
			return protocol.MakeArgNumErrReply("cluster|migration")
		}
		sra, err := slots.ParseRanges(ranges)
		if err != nil {
			return protocol.MakeErrReply("ERR " + strings.TrimPrefix(err.Error(), "ERR "))
		}
		task, err := m.CreateImport("", sra)
		if err != nil {
			return protocol.MakeErrReply("ERR " + err.Error())
		}
		return protocol.MakeBulkReply([]byte(task.ID))
	case "cancel":
		switch {
		case len(args) == 4 && strings.EqualFold(string(args[2]), "id"):
			return protocol.MakeIntReply(int64(m.Cancel(string(args[3]), "user request")))
		case len(args) == 3 && strings.EqualFold(string(args[2]), "all"):
			return protocol.MakeIntReply(int64(m.Cancel("", "user request")))
		}
		return protocol.MakeErrReply("ERR unknown argument")
	case "status":
		switch {
		case len(args) == 4 && strings.EqualFold(string(args[2]), "id"):
			id := string(args[3])
			for _, t := range m.Status(true) {
				if t.ID == id {
					return protocol.MakeMultiRawReply([]myredis.Reply{statusReply(t)})
				}
			}
			return protocol.MakeEmptyMultiBulkReply()
		case len(args) == 3 && strings.EqualFold(string(args[2]), "all"):
			tasks := m.Status(true)
			replies := make([]myredis.Reply, 0, len(tasks))
			for _, t := range tasks {
				replies = append(replies, statusReply(t))
			}
			return protocol.MakeMultiRawReply(replies)
		}
		return protocol.MakeErrReply("ERR unknown argument")
	}
	return protocol.MakeErrReplyf("unknown subcommand '%s'", string(args[1]))
}

// Status 运行中的任务在前，其后是从新到旧的归档任务
func (m *Manager) Status(withArchive bool) []*Task {
	result := append([]*Task(nil), m.tasks...)
	if withArchive {
		result = append(result, m.archived()...)
	}
	return result
}

// WritePauseMs 完成的迁移任务暂停写入的时长
func (t *Task) WritePauseMs() int64 {
	if t.Operation == OpMigrate && t.State == StateCompleted && t.PausedTime > 0 && t.EndTime >= t.PausedTime {
		return t.EndTime - t.PausedTime
	}
	return 0
}

func statusReply(t *Task) myredis.Reply {
	field := func(name string) myredis.Reply { return protocol.MakeBulkReply([]byte(name)) }
	str := func(v string) myredis.Reply { return protocol.MakeBulkReply([]byte(v)) }
	num := func(v int64) myredis.Reply { return protocol.MakeIntReply(v) }
	return protocol.MakeMultiRawReply([]myredis.Reply{
		field("id"), str(t.ID),
		field("slots"), str(t.Slots.String()),
		field("source"), str(t.Source),
		field("dest"), str(t.Dest),
		field("operation"), str(t.Operation.String()),
		field("state"), str(t.State.String()),
		field("last_error"), str(t.Error),
		field("retries"), num(t.Retries),
		field("create_time"), num(t.CreateTime),
		field("start_time"), num(t.StartTime),
		field("end_time"), num(t.EndTime),
		field("write_pause_ms"), num(t.WritePauseMs()),
	})
}
