package asm

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"asmredis/cluster/slots"
	"asmredis/lib/utils"
	"asmredis/myredis/connection"
	"asmredis/parser"
	"asmredis/protocol"
	"asmredis/protocol/assert"

	"github.com/stretchr/testify/require"
)

var migrateTaskID = strings.Repeat("7", slots.NodeIDLen)

func newClientConn() *connection.SimpleConn {
	return connection.NewSimpleConn()
}

func newInternalConn() *connection.SimpleConn {
	c := connection.NewSimpleConn()
	c.SetInternal()
	return c
}

func newMasterConn() *connection.SimpleConn {
	c := connection.NewSimpleConn()
	c.SetMaster()
	return c
}

// startMigration 源节点 A 向目标节点 B 迁出 0-99，返回主连接与 RDB 连接
func startMigration(t *testing.T, h *fakeHost, m *Manager) (*Task, *connection.SimpleConn, *connection.SimpleConn) {
	t.Helper()
	main := newInternalConn()
	main.SetNodeID(nodeB)
	reply := m.SyncSlots(main, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", migrateTaskID, "0", "99"))
	require.Equal(t, "+RDBCHANNELSYNCSLOTS\r\n", string(reply.ToBytes()))
	task := m.Current()
	require.Equal(t, StateWaitRDBChannel, task.State)
	require.Equal(t, OpMigrate, task.Operation)

	rdb := newInternalConn()
	reply = m.SyncSlots(rdb, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "RDBCHANNEL", migrateTaskID))
	require.Empty(t, reply.ToBytes())
	require.Equal(t, StateSendBulkAndStream, task.State)
	h.runUntil(t, func() bool { return task.State == StateSendStream })
	return task, main, rdb
}

func newSourceHost() *fakeHost {
	h := newFakeHost(nodeA)
	h.own(0, 199, nodeA)
	h.keySlots["k1"] = 5
	h.keySlots["k2"] = 6
	h.keySlots["far"] = 150
	h.snapshot = sampleSnapshot()
	return h
}

func TestMigrateSnapshotContent(t *testing.T) {
	h := newSourceHost()
	m, _ := newTestManager(h)
	obs := &recordingObserver{pre: [][][]byte{
		utils.ToCmdLine("PING"),
		utils.ToCmdLine("SET", "far", "x"),
		utils.ToCmdLine("SET", "k2", "y"),
	}}
	m.Subscribe(obs)
	task, _, rdb := startMigration(t, h, m)
	require.Equal(t, StateCompleted, task.rdbState)

	replies, err := parser.ParseBytes(rdb.Bytes())
	require.NoError(t, err)
	var lines []string
	for _, r := range replies {
		if mb, ok := r.(*protocol.MultiBulkReply); ok {
			line := strings.ToUpper(string(mb.Args[0]))
			if len(mb.Args) > 1 {
				line += " " + string(mb.Args[1])
			}
			lines = append(lines, line)
		} else {
			lines = append(lines, string(r.ToBytes()))
		}
	}
	require.Equal(t, []string{
		"+SLOTSSNAPSHOT\r\n",
		"PING",
		"SET k2",
		"FUNCTION RESTORE",
		"SELECT 0",
		"CLUSTER SYNCSLOTS",
		"SET k1",
		"PEXPIREAT k1",
		"RESTORE list",
		"CLUSTER SYNCSLOTS",
	}, lines)
	last := replies[len(replies)-1].(*protocol.MultiBulkReply)
	require.Equal(t, "SNAPSHOT-EOF", string(last.Args[2]))
	info := replies[5].(*protocol.MultiBulkReply)
	require.Equal(t, "5:2:1", string(info.Args[4]))
}

func TestMigrateHandoff(t *testing.T) {
	h := newSourceHost()
	m, tr := newTestManager(h)
	task, main, rdb := startMigration(t, h, m)
	require.True(t, h.hasEvent(EventMigrateStarted))

	m.FeedMigrationClient(utils.ToCmdLine("SET", "k1", "v2"))
	m.FeedMigrationClient(utils.ToCmdLine("SET", "far", "v2"))
	m.FeedMigrationClient(utils.ToCmdLine("PING"))
	fed := protocol.MakeMultiBulkReply(utils.ToCmdLine("SET", "k1", "v2")).ToBytes()
	require.Equal(t, string(fed), string(main.Bytes()))
	require.Equal(t, int64(len(fed)), task.mig.sourceOffset)

	// 落后量超过阈值时不进入交接
	for i := 0; i < 10; i++ {
		m.FeedMigrationClient(utils.ToCmdLine("SET", "k1", strconv.Itoa(i)))
	}
	ack := func(state string, offset int64) {
		reply := m.SyncSlots(main, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "ACK", state, strconv.FormatInt(offset, 10)))
		require.Empty(t, reply.ToBytes())
	}
	ack("streaming-buffer", 10)
	require.Equal(t, StateSendStream, task.State)
	ack("streaming-buffer", 5)
	require.Equal(t, int64(10), task.mig.destOffset)
	ack("accumulate-buffer", 100)
	require.Equal(t, int64(10), task.mig.destOffset)

	ack("wait-stream-eof", task.mig.sourceOffset-10)
	require.Equal(t, StateHandoffPrep, task.State)
	require.True(t, h.hasEvent(EventHandoffPrep))
	require.NotZero(t, task.mig.accumAppliedTime)

	_, err := m.Process(task.ID, EventHandoff, nil)
	require.NoError(t, err)
	require.Equal(t, StateHandoff, task.State)

	m.BeforeSleep()
	require.Equal(t, StateStreamEOF, task.State)
	require.True(t, strings.HasSuffix(string(main.Bytes()),
		string(protocol.MakeMultiBulkReply(utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "STREAM-EOF")).ToBytes())))
	require.True(t, rdb.IsClosed())
	require.False(t, main.IsClosed())

	// 主连接已交给目标节点，关闭不影响任务
	m.OnClientClosed(main)
	require.Equal(t, StateStreamEOF, task.State)

	time.Sleep(2 * time.Millisecond)
	h.own(0, 99, nodeB)
	m.OnTopologyChanged()
	require.Nil(t, m.Current())
	require.Equal(t, StateCompleted, task.State)
	require.True(t, h.hasEvent(EventMigrateCompleted))
	require.Len(t, tr.scheduled, 1)
	require.Equal(t, "0-99", tr.scheduled[0].String())
	require.GreaterOrEqual(t, task.WritePauseMs(), int64(0))
}

func TestMigrateFailures(t *testing.T) {
	h := newSourceHost()
	m, _ := newTestManager(h)

	c := newInternalConn()
	assert.AssertErrReply(t, m.SyncSlots(c, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "RDBCHANNEL", "short")), "ERR Invalid task id")
	assert.AssertErrReply(t, m.SyncSlots(c, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "RDBCHANNEL", migrateTaskID)),
		"ERR No slot migration task in progress")
	assert.AssertErrReply(t, m.SyncSlots(c, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", migrateTaskID, "0", "99")),
		"ERR Destination node  is not a master")
	c.SetNodeID(nodeB)
	assert.AssertErrReply(t, m.SyncSlots(c, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", migrateTaskID, "0", "299")),
		"ERR slot has no owner: 200")
	h.own(300, 310, nodeC)
	assert.AssertErrReply(t, m.SyncSlots(c, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", migrateTaskID, "300", "310")),
		"ERR This node is not the owner of the slots")
	h.prepErr = errNotReady
	assert.AssertErrReply(t, m.SyncSlots(c, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", migrateTaskID, "0", "99")),
		"ERR Cluster is not ready right now, please retry later")
	h.prepErr = nil

	task, main, _ := startMigration(t, h, m)
	other := newInternalConn()
	other.SetNodeID(nodeC)
	assert.AssertErrReply(t, m.SyncSlots(other, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", migrateTaskID, "100", "120")),
		"ERR Another ASM task is already in progress")

	// 跨槽命令会取消任务
	m.FeedMigrationClient(utils.ToCmdLine("MSET", "k1", "a", "far", "b"))
	m.BeforeSleep()
	require.Equal(t, StateCanceled, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Cancelled due to propagating cross slot command"))
	require.True(t, main.IsClosed())

	// 主连接断开
	task, main, _ = startMigration(t, h, m)
	m.OnClientClosed(main)
	require.Equal(t, StateFailed, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Main channel - Connection is closed"))

	// 目标节点用同一个 id 重试，复用失败的任务
	task2, _, _ := startMigration(t, h, m)
	require.Same(t, task, task2)
	require.Equal(t, int64(1), task2.Retries)
	require.Equal(t, "0-99", task2.Slots.String())
}

func TestMigrateFailPoints(t *testing.T) {
	h := newSourceHost()
	m, _ := newTestManager(h)
	require.NoError(t, m.SetFailPoint("migrate-rdb-channel", "wait-bgsave-start"))

	main := newInternalConn()
	main.SetNodeID(nodeB)
	m.SyncSlots(main, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", migrateTaskID, "0", "99"))
	rdb := newInternalConn()
	m.SyncSlots(rdb, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "RDBCHANNEL", migrateTaskID))
	require.True(t, rdb.IsClosed())
	m.OnClientClosed(rdb)
	task := m.Current()
	require.Equal(t, StateFailed, task.State)
	require.True(t, strings.HasPrefix(task.Error, "RDB channel - Connection is closed"))

	require.NoError(t, m.SetFailPoint("migrate-main-channel", "handoff-prep"))
	task, main, _ = startMigration(t, h, m)
	m.SyncSlots(main, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "ACK", "wait-stream-eof", "0"))
	require.Equal(t, StateSendStream, task.State)
}

func TestMigrateDrainTimeout(t *testing.T) {
	h := newSourceHost()
	m, _ := newTestManager(h)
	now := time.Now()
	m.cfg.Now = func() time.Time { return now }
	m.cfg.SyncBufferDrainTimeout = time.Second

	task, main, _ := startMigration(t, h, m)
	for i := 0; i < 100; i++ {
		m.FeedMigrationClient(utils.ToCmdLine("SET", "k1", strconv.Itoa(i)))
	}
	m.SyncSlots(main, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "ACK", "wait-stream-eof", "1"))
	require.Equal(t, StateSendStream, task.State)
	main.Touch()

	now = now.Add(500 * time.Millisecond)
	m.Cron()
	require.Equal(t, StateSendStream, task.State)
	now = now.Add(time.Second)
	main.Touch()
	m.Cron()
	require.Equal(t, StateFailed, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Sync buffer drain timeout"))
}

// handoffMigration 推进到 HANDOFF，写暂停从 now 开始计时
func handoffMigration(t *testing.T, h *fakeHost, m *Manager) (*Task, *connection.SimpleConn) {
	t.Helper()
	task, main, _ := startMigration(t, h, m)
	m.SyncSlots(main, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "ACK", "wait-stream-eof", "0"))
	require.Equal(t, StateHandoffPrep, task.State)
	_, err := m.Process(task.ID, EventHandoff, nil)
	require.NoError(t, err)
	require.Equal(t, StateHandoff, task.State)
	return task, main
}

func TestMigrateWritePauseTimeout(t *testing.T) {
	h := newSourceHost()
	m, _ := newTestManager(h)
	now := time.Now()
	m.cfg.Now = func() time.Time { return now }

	task, _ := handoffMigration(t, h, m)
	now = now.Add(m.cfg.WritePauseTimeout - time.Millisecond)
	m.BeforeSleep()
	require.Equal(t, StateStreamEOF, task.State)
	require.False(t, h.hasEvent(EventMigrateFailed))

	// 暂停时长恰好等于超时时间
	now = now.Add(time.Millisecond)
	m.BeforeSleep()
	require.Equal(t, StateFailed, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Server paused timeout"))
	require.True(t, h.hasEvent(EventMigrateFailed))

	// 还在 HANDOFF 排空命令流时超时
	h = newSourceHost()
	m, _ = newTestManager(h)
	m.cfg.Now = func() time.Time { return now }
	task, main := handoffMigration(t, h, m)
	now = now.Add(2 * m.cfg.WritePauseTimeout)
	m.BeforeSleep()
	require.Equal(t, StateFailed, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Server paused timeout"))
	require.True(t, h.hasEvent(EventMigrateFailed))
	require.True(t, main.IsClosed())
}

func TestMigrateMainChannelFailPointWhileStreaming(t *testing.T) {
	h := newSourceHost()
	m, _ := newTestManager(h)
	require.NoError(t, m.SetFailPoint("migrate-main-channel", "send-stream"))
	task, main, _ := startMigration(t, h, m)

	// 槽位范围之外的命令不触发
	m.FeedMigrationClient(utils.ToCmdLine("SET", "far", "v"))
	require.Equal(t, StateSendStream, task.State)

	m.FeedMigrationClient(utils.ToCmdLine("SET", "k1", "v"))
	require.Equal(t, StateFailed, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Main channel - Connection is closed"))
	require.True(t, main.IsClosed())
	require.Empty(t, main.Bytes())
	require.True(t, h.hasEvent(EventMigrateFailed))
}
