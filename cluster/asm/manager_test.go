package asm

import (
	"strings"
	"testing"

	"asmredis/cluster/slots"
	"asmredis/lib/utils"
	"asmredis/protocol/assert"

	"github.com/stretchr/testify/require"
)

func TestCreateImportValidation(t *testing.T) {
	h := newFakeHost(nodeB)
	m, _ := newTestManager(h)

	_, err := m.CreateImport("", slots.FromRange(0, 10))
	require.EqualError(t, err, "slot has no owner: 0")

	h.own(0, 10, nodeA)
	h.own(11, 20, nodeC)
	_, err = m.CreateImport("", slots.FromRange(0, 20))
	require.EqualError(t, err, "slots belong to different source nodes")

	h.own(30, 40, nodeB)
	_, err = m.CreateImport("", slots.FromRange(30, 40))
	require.EqualError(t, err, "this node is already the owner of the slot range")

	h.legacy = true
	_, err = m.CreateImport("", slots.FromRange(0, 10))
	require.EqualError(t, err, "all slot states must be STABLE to start a slot migration task.")
	h.legacy = false

	h.isMaster = false
	_, err = m.CreateImport("", slots.FromRange(0, 10))
	require.EqualError(t, err, "slot migration not allowed on replica.")
	h.isMaster = true

	task, err := m.CreateImport("", slots.FromRange(0, 10))
	require.NoError(t, err)
	require.Equal(t, nodeA, task.Source)
	require.Equal(t, nodeB, task.Dest)

	_, err = m.CreateImport("", slots.FromRange(5, 8))
	require.EqualError(t, err, "overlapping import exists for slot range: 5-8")
	_, err = m.CreateImport("", slots.FromRange(11, 20))
	require.EqualError(t, err, "another ASM task is already in progress")

	// 失败的任务会被新任务替换
	task.State = StateFailed
	next, err := m.CreateImport("", slots.FromRange(11, 20))
	require.NoError(t, err)
	require.Equal(t, next, m.Current())
	require.Equal(t, StateCanceled, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Cancelled due to new import requested"))
}

func TestMigrationCommand(t *testing.T) {
	h := newFakeHost(nodeB)
	h.own(0, 99, nodeA)
	m, _ := newTestManager(h)

	assert.AssertErrReply(t, m.Migration(utils.ToCmdLine("MIGRATION", "IMPORT")),
		"ERR wrong number of arguments for 'cluster|migration' command")
	assert.AssertErrReply(t, m.Migration(utils.ToCmdLine("MIGRATION", "IMPORT", "0")),
		"ERR wrong number of arguments for 'cluster|migration' command")
	assert.AssertErrReply(t, m.Migration(utils.ToCmdLine("MIGRATION", "IMPORT", "0", "99999")),
		"ERR Invalid or out of range slot")

	reply := m.Migration(utils.ToCmdLine("MIGRATION", "IMPORT", "0", "99"))
	id := m.Current().ID
	assert.AssertBulkReply(t, reply, id)

	status := m.Migration(utils.ToCmdLine("MIGRATION", "STATUS", "ID", id))
	require.Contains(t, string(status.ToBytes()), "import")
	assert.AssertMultiBulkReplySize(t, m.Migration(utils.ToCmdLine("MIGRATION", "STATUS", "ID", "nope")), 0)

	assert.AssertErrReply(t, m.Migration(utils.ToCmdLine("MIGRATION", "CANCEL", "SOME")), "ERR unknown argument")
	assert.AssertIntReply(t, m.Migration(utils.ToCmdLine("MIGRATION", "CANCEL", "ID", "nope")), 0)
	assert.AssertIntReply(t, m.Migration(utils.ToCmdLine("MIGRATION", "CANCEL", "ALL")), 1)

	require.Nil(t, m.Current())
	archived := m.Status(true)
	require.Len(t, archived, 1)
	require.Equal(t, StateCanceled, archived[0].State)
	require.True(t, strings.HasPrefix(archived[0].Error, "Cancelled due to user request (state: none"))
	require.NotEqual(t, int64(-1), archived[0].EndTime)
}

func TestArchiveBounded(t *testing.T) {
	h := newFakeHost(nodeB)
	h.own(0, 99, nodeA)
	m, _ := newTestManager(h)

	var ids []string
	for i := 0; i < 6; i++ {
		task, err := m.CreateImport("", slots.FromRange(i, i))
		require.NoError(t, err)
		ids = append(ids, task.ID)
		require.Equal(t, 1, m.Cancel(task.ID, "user request"))
	}
	tasks := m.Status(true)
	require.Len(t, tasks, 4)
	// 从新到旧
	require.Equal(t, ids[5], tasks[0].ID)
	require.Equal(t, ids[2], tasks[3].ID)
}

func TestProcessErrors(t *testing.T) {
	h := newFakeHost(nodeB)
	h.own(0, 99, nodeA)
	m, _ := newTestManager(h)

	_, err := m.Process("x", Event(99), nil)
	require.EqualError(t, err, "Unknown operation: 99")
	_, err = m.Process("x", EventHandoff, nil)
	require.EqualError(t, err, "No suitable ASM task found for id: x, task_state: null")
	_, err = m.Process("x", EventDone, nil)
	require.EqualError(t, err, "No ASM task found for id: x")

	n, err := m.Process("", EventImportStart, slots.FromRange(0, 9))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	task := m.Current()
	_, err = m.Process(task.ID, EventHandoff, nil)
	require.EqualError(t, err, "No suitable ASM task found for id: "+task.ID+", task_state: none")

	// 不在接管状态时配置更新会取消任务
	_, err = m.Process(task.ID, EventDone, nil)
	require.Error(t, err)
	require.Equal(t, StateCanceled, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Cancelled due to slots configuration updated"))
}

func TestStartImportBlocked(t *testing.T) {
	h := newFakeHost(nodeB)
	h.own(0, 99, nodeA)
	m, tr := newTestManager(h)
	task, err := m.CreateImport("", slots.FromRange(0, 9))
	require.NoError(t, err)

	tr.overlap = true
	m.BeforeSleep()
	require.Equal(t, StateNone, task.State)
	tr.overlap = false

	h.paused = true
	m.BeforeSleep()
	require.Equal(t, StateNone, task.State)
	h.paused = false

	h.prepErr = errNotReady
	m.BeforeSleep()
	require.Equal(t, StateNone, task.State)
	h.prepErr = nil

	// 等待期间槽位归属变为自己
	h.own(0, 9, nodeB)
	m.BeforeSleep()
	require.Equal(t, StateCanceled, task.State)
	require.True(t, strings.HasPrefix(task.Error, "Cancelled due to slots owned by myself now"))
}

func TestImportConnectFailureRetries(t *testing.T) {
	h := newFakeHost(nodeB)
	h.own(0, 99, nodeA)
	m, _ := newTestManager(h)
	task, err := m.CreateImport("", slots.FromRange(0, 9))
	require.NoError(t, err)

	m.BeforeSleep()
	require.Equal(t, StateConnecting, task.State)
	require.True(t, h.hasEvent(EventImportStarted))
	// 127.0.0.1:1 拒绝连接
	h.runUntil(t, func() bool { return task.State == StateFailed })
	require.True(t, strings.HasPrefix(task.Error, "Main channel - Failed to connect to source node"))
	require.True(t, h.hasEvent(EventImportFailed))
	require.Contains(t, string(h.propagated[len(h.propagated)-1][4]), ":failed:")

	for i := 0; i < 10; i++ {
		m.Cron()
	}
	require.Equal(t, int64(1), task.Retries)
	require.Equal(t, StateConnecting, task.State)
	m.Cancel("", "user request")
}

func TestTrimSlotsIfNotOwned(t *testing.T) {
	h := newFakeHost(nodeB)
	h.own(0, 9, nodeA)
	h.own(10, 19, nodeB)
	h.keys[3] = 2
	h.keys[15] = 1
	m, tr := newTestManager(h)

	m.TrimSlotsIfNotOwned(slots.FromRange(0, 19))
	require.Len(t, tr.scheduled, 1)
	require.Equal(t, "3-3", tr.scheduled[0].String())

	// 已在清理中的槽位不会重复安排
	m.TrimSlotsIfNotOwned(slots.FromRange(0, 19))
	require.Len(t, tr.scheduled, 1)
}

func TestReplicaMasterTask(t *testing.T) {
	h := newFakeHost(nodeC)
	h.isMaster = false
	h.master = nodeB
	h.own(0, 9, nodeA)
	m, _ := newTestManager(h)
	obs := &recordingObserver{}
	m.Subscribe(obs)

	task := newTask("", 1)
	task.Operation = OpImport
	task.Source, task.Dest = nodeA, nodeB
	task.Slots = slots.FromRange(0, 9)
	task.State = StateAccumulateBuf

	require.NoError(t, m.ReplicaHandleMasterTask(task.Serialize()))
	task.State = StateStreamingBuf
	require.NoError(t, m.ReplicaHandleMasterTask(task.Serialize()))
	require.Equal(t, []Event{EventImportStarted}, obs.events)

	// 主节点任务结束，槽位已归属主节点
	h.own(0, 9, nodeB)
	require.NoError(t, m.ReplicaHandleMasterTask(""))
	require.Equal(t, []Event{EventImportStarted, EventImportCompleted}, obs.events)
	require.Nil(t, m.MasterTask())

	require.Error(t, m.ReplicaHandleMasterTask("garbage"))

	reply := m.SyncSlots(newMasterConn(), utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "ASM-TASK", task.Serialize()))
	assert.AssertStatusReply(t, reply, "OK")
	require.NotNil(t, m.MasterTask())

	// 提升为主节点
	h.isMaster = true
	h.keys[1] = 1
	h.own(0, 9, nodeA)
	m.FinalizeMasterTask()
	require.Nil(t, m.MasterTask())
	require.Equal(t, EventImportFailed, obs.events[len(obs.events)-1])
}

func TestSyncSlotsPermissions(t *testing.T) {
	h := newFakeHost(nodeA)
	m, _ := newTestManager(h)

	c := newClientConn()
	reply := m.SyncSlots(c, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "FAIL", "x"))
	require.Empty(t, reply.ToBytes())
	require.Contains(t, string(c.Bytes()), "only allowed for internal clients")
	require.True(t, c.IsClosed())

	internal := newInternalConn()
	assert.AssertErrReply(t, m.SyncSlots(internal, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "BOGUS", "x")), "ERR syntax error")
	assert.AssertErrReply(t, m.SyncSlots(internal, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "NODE-ID", "short")),
		"ERR Invalid node id length 5")
	assert.AssertErrReply(t, m.SyncSlots(internal, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "NODE-ID", strings.Repeat("d", 40))),
		"ERR Node "+strings.Repeat("d", 40)+" not found in cluster")
	assert.AssertErrReply(t, m.SyncSlots(internal, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "SLOT-INFO", "1:2")),
		"ERR Invalid slot info: 1:2")
	assert.AssertErrReply(t, m.SyncSlots(internal, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "ASM-TASK", "x")),
		"ERR CLUSTER SYNCSLOTS CONF ASM-TASK only allowed on replica")
	assert.AssertErrReply(t, m.SyncSlots(internal, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "COLOR", "red")),
		"ERR Unknown option COLOR")
	assert.AssertStatusReply(t, m.SyncSlots(internal, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "NODE-ID", nodeB, "CAPA", "x")), "OK")
	require.Equal(t, nodeB, internal.GetNodeID())

	// 副本只接受主节点的 CONF
	h.isMaster = false
	other := newInternalConn()
	m.SyncSlots(other, utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "ACK", "wait-stream-eof", "1"))
	require.Contains(t, string(other.Bytes()), "only allowed for master")
	reply = m.SyncSlots(newMasterConn(), utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", "id", "0", "1"))
	require.Empty(t, reply.ToBytes())
}

func TestSetFailPoint(t *testing.T) {
	h := newFakeHost(nodeA)
	m, _ := newTestManager(h)
	require.NoError(t, m.SetFailPoint("migrate-rdb-channel", "wait-bgsave-start"))
	require.True(t, m.failPointActive(ChannelMigrateRDB, StateWaitBgsaveStart))
	require.Error(t, m.SetFailPoint("nope", "handoff"))
	require.Error(t, m.SetFailPoint("import-main-channel", "nope"))
	// 参数非法时保留原有的故障点
	require.True(t, m.failPointActive(ChannelMigrateRDB, StateWaitBgsaveStart))
	require.NoError(t, m.SetFailPoint("", ""))
	require.False(t, m.failPointActive(ChannelMigrateRDB, StateWaitBgsaveStart))
}

func TestInfoString(t *testing.T) {
	h := newFakeHost(nodeB)
	h.own(0, 99, nodeA)
	m, _ := newTestManager(h)
	_, err := m.CreateImport("", slots.FromRange(0, 9))
	require.NoError(t, err)
	info := m.InfoString()
	require.Contains(t, info, "cluster_slot_migration_active_tasks:1\r\n")
	require.Contains(t, info, "cluster_slot_migration_stats_active_trim_started:0\r\n")
}
