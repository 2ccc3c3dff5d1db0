package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"asmredis/cluster/slots"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

var syncSlotsReply = []byte("+RDBCHANNELSYNCSLOTS" + protocol.CRLF)

// handleSync CLUSTER SYNCSLOTS SYNC <taskid> <start end>...
func (m *Manager) handleSync(c myredis.Connection, args [][]byte) myredis.Reply {
	if len(args) < 6 || len(args)%2 == 1 {
		return protocol.MakeArgNumErrReply("cluster|syncslots")
	}
	taskID := string(args[3])
	sra, err := slots.ParseRanges(args[4:])
	if err != nil {
		return protocol.MakeErrReply("ERR " + strings.TrimPrefix(err.Error(), "ERR "))
	}
	source, err := m.validateImportSlotRanges(sra, nil)
	if err != nil {
		return protocol.MakeErrReply("ERR " + err.Error())
	}
	myself := m.host.MyID()
	if source != myself {
		return protocol.MakeErrReply("ERR This node is not the owner of the slots")
	}
	dest := c.GetNodeID()
	if dest == "" || !m.host.IsMasterNode(dest) {
		return protocol.MakeErrReplyf("Destination node %s is not a master", dest)
	}

	info := TaskInfo{ID: taskID, Source: myself, Dest: dest, Slots: sra.Dup()}
	if err := m.prepare(info, EventMigratePrep); err != nil {
		return protocol.MakeErrReply("ERR Cluster is not ready right now, please retry later")
	}

	task := m.current()
	if task != nil {
		if task.State == StateFailed && task.Operation == OpMigrate && task.ID == taskID &&
			task.Slots.Equal(sra) && task.Dest == dest {
			task.reset()
			task.Retries++
		} else if task.State == StateFailed {
			m.cancelTask(task, "new migration requested")
			task = nil
		} else {
			return protocol.MakeErrReply("ERR Another ASM task is already in progress")
		}
	}
	if task == nil {
		task = newTask(taskID, m.now())
		task.Operation = OpMigrate
		task.reset()
		task.StartTime = task.CreateTime
		m.tasks = append(m.tasks, task)
	}
	task.Slots = sra.Dup()
	task.Source = myself
	task.Dest = dest
	task.mig.main = c
	task.State = StateWaitRDBChannel

	logger.Infof("Migrate task %s created: src=%s, dest=%s, slots=%s",
		task.ID, task.Source, task.Dest, task.Slots.String())
	m.notifyStateChange(task, EventMigrateStarted)
	return protocol.MakeRawReply(syncSlotsReply)
}

// handleRDBChannel CLUSTER SYNCSLOTS RDBCHANNEL <taskid>
func (m *Manager) handleRDBChannel(c myredis.Connection, args [][]byte) myredis.Reply {
	if len(args) != 4 {
		return protocol.MakeArgNumErrReply("cluster|syncslots")
	}
	id := string(args[3])
	if len(id) != slots.NodeIDLen {
		return protocol.MakeErrReply("ERR Invalid task id")
	}
	task := m.current()
	if task == nil {
		return protocol.MakeErrReply("ERR No slot migration task in progress")
	}
	if task.Operation != OpMigrate || task.State != StateWaitRDBChannel || task.ID != id {
		return protocol.MakeErrReply("ERR Another migration task is already in progress")
	}
	mig := task.mig
	if m.failPointActive(ChannelMigrateMain, StateWaitRDBChannel) && mig.main != nil {
		main := mig.main
		mig.main = nil
		main.CloseAsync()
		m.setFailed(task, "Main channel - Connection is closed")
	}
	if mig.main == nil {
		return protocol.MakeErrReply("ERR Main channel connection is not established")
	}
	task.State = StateWaitBgsaveStart
	task.rdbState = StateWaitBgsaveStart
	mig.rdb = c
	m.startSnapshot(task)
	return protocol.MakeNoReply()
}

// startSnapshot 在事件循环中拷贝槽位数据，编码与写入在独立协程中进行
func (m *Manager) startSnapshot(task *Task) {
	mig := task.mig
	if m.failPointActive(ChannelMigrateRDB, StateWaitBgsaveStart) {
		mig.rdb.CloseAsync()
		return
	}
	task.State = StateSendBulkAndStream
	task.rdbState = StateRDBChannelTransfer
	mig.destState = StateAccumulateBuf
	mig.snapshotTime = m.now()

	info := task.Info()
	var pre [][][]byte
	for _, o := range m.subscribers {
		for _, cmd := range o.PreSnapshotCommands(info) {
			if err := m.validatePreSnapshotCmd(task, cmd); err != nil {
				logger.Warnf("Skip pre-snapshot command %s: %v", string(cmd[0]), err)
				continue
			}
			pre = append(pre, cmd)
		}
	}
	snap := m.host.Snapshot(task.Slots)
	logger.Infof("Migrate task %s: sending slots snapshot, slots=%s, keys=%d",
		task.ID, task.Slots.String(), snap.Keys())

	abort := &atomic.Bool{}
	mig.abort = abort
	rdb := mig.rdb
	go func() {
		err := writeSnapshot(rdb, pre, snap, abort)
		m.host.Post(func() { m.onSnapshotWritten(task, rdb, err) })
	}()
}

// validatePreSnapshotCmd 扩展命令只能访问本任务的槽位
func (m *Manager) validatePreSnapshotCmd(task *Task, cmd [][]byte) error {
	if len(cmd) == 0 {
		return errors.New("empty command")
	}
	slot := m.host.CommandSlot(cmd)
	switch {
	case slot == SlotNoKeys:
		return nil
	case slot == SlotCrossSlot:
		return errors.New("cross slot command")
	case !task.Slots.Contains(slot):
		return fmt.Errorf("slot %d is not in the task", slot)
	}
	return nil
}

func (m *Manager) onSnapshotWritten(task *Task, rdb myredis.Connection, err error) {
	if m.current() != task || task.mig == nil || task.mig.rdb != rdb {
		return
	}
	if err != nil {
		m.setFailed(task, "RDB channel - Failed to send slots snapshot: %s", err.Error())
		return
	}
	if task.mig.main != nil {
		task.mig.main.Touch()
	}
	task.State = StateSendStream
	task.rdbState = StateCompleted
	logger.Infof("Migrate task %s: slots snapshot sent, streaming commands", task.ID)
}

// handleAck CLUSTER SYNCSLOTS ACK <state> <offset>，不回复
func (m *Manager) handleAck(c myredis.Connection, args [][]byte) myredis.Reply {
	if len(args) != 5 {
		return protocol.MakeArgNumErrReply("cluster|syncslots")
	}
	task := m.current()
	if task == nil || task.Operation != OpMigrate || task.mig.main != c {
		return protocol.MakeNoReply()
	}
	state, ok := ParseState(string(args[3]))
	if !ok || (state != StateStreamingBuf && state != StateWaitStreamEOF) {
		return protocol.MakeNoReply()
	}
	offset, err := strconv.ParseInt(string(args[4]), 10, 64)
	if err != nil {
		return protocol.MakeNoReply()
	}
	mig := task.mig
	c.Touch()
	mig.destState = state
	if offset < mig.destOffset {
		logger.Warnf("Received an ACK with a decreasing offset: %d, current: %d", offset, mig.destOffset)
		return protocol.MakeNoReply()
	}
	mig.destOffset = offset
	if state == StateWaitStreamEOF && mig.accumAppliedTime == 0 {
		mig.accumAppliedTime = m.now()
	}

	if task.State != StateSendBulkAndStream && task.State != StateSendStream {
		return protocol.MakeNoReply()
	}
	if mig.destOffset+m.cfg.HandoffMaxLagBytes >= mig.sourceOffset {
		if m.failPointActive(ChannelMigrateMain, StateHandoffPrep) {
			return protocol.MakeNoReply()
		}
		logger.Infof("The applied offset lag %d is less than the threshold %d, pausing writes for slot handoff",
			mig.sourceOffset-mig.destOffset, m.cfg.HandoffMaxLagBytes)
		task.State = StateHandoffPrep
		if err := m.prepare(task.Info(), EventHandoffPrep); err != nil {
			logger.Warnf("Migrate task %s handoff preparation failed: %v", task.ID, err)
		}
	}
	return protocol.MakeNoReply()
}

// parseSlotInfo 解析 "slot:keys:expires"
func parseSlotInfo(s string) (slot, keys, expires int, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	slot, err := slots.ParseSlot([]byte(parts[0]))
	if err != nil {
		return 0, 0, 0, false
	}
	keys, err1 := strconv.Atoi(parts[1])
	expires, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || keys < 0 || expires < 0 {
		return 0, 0, 0, false
	}
	return slot, keys, expires, true
}

// handleConf CLUSTER SYNCSLOTS CONF <option> <value> [<option> <value>...]
func (m *Manager) handleConf(c myredis.Connection, args [][]byte) myredis.Reply {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return protocol.MakeArgNumErrReply("cluster|syncslots")
	}
	for i := 3; i+1 < len(args); i += 2 {
		value := string(args[i+1])
		switch strings.ToLower(string(args[i])) {
		case "node-id":
			if len(value) != slots.NodeIDLen {
				return protocol.MakeErrReplyf("Invalid node id length %d", len(value))
			}
			if !m.host.NodeExists(value) {
				return protocol.MakeErrReplyf("Node %s not found in cluster", value)
			}
			c.SetNodeID(value)
		case "slot-info":
			slot, keys, expires, ok := parseSlotInfo(value)
			if !ok {
				return protocol.MakeErrReplyf("Invalid slot info: %s", value)
			}
			logger.Debugf("Slot %d snapshot: keys=%d, expires=%d", slot, keys, expires)
		case "asm-task":
			if m.host.IsMaster() {
				return protocol.MakeErrReply("ERR CLUSTER SYNCSLOTS CONF ASM-TASK only allowed on replica")
			}
			if err := m.ReplicaHandleMasterTask(value); err != nil {
				return protocol.MakeErrReplyf("Failed to handle master task: %s", err.Error())
			}
		case "capa":
		default:
			return protocol.MakeErrReplyf("Unknown option %s", string(args[i]))
		}
	}
	return protocol.MakeOkReply()
}

// FeedMigrationClient 把传播的写命令转发给目标节点
func (m *Manager) FeedMigrationClient(cmdLine [][]byte) {
	task := m.current()
	if task == nil || task.Operation != OpMigrate || task.mig.main == nil {
		return
	}
	switch task.State {
	case StateSendBulkAndStream, StateSendStream, StateHandoffPrep, StateHandoff:
	default:
		return
	}
	slot := m.host.CommandSlot(cmdLine)
	if slot == SlotNoKeys {
		return
	}
	if slot == SlotCrossSlot {
		task.mig.crossSlot = true
		return
	}
	if !task.Slots.Contains(slot) {
		return
	}
	if m.failPointActive(ChannelMigrateMain, task.State) {
		main := task.mig.main
		task.mig.main = nil
		main.CloseAsync()
		m.setFailed(task, "Main channel - Connection is closed")
		return
	}
	b := protocol.MakeMultiBulkReply(cmdLine).ToBytes()
	if _, err := task.mig.main.Write(b); err != nil {
		return
	}
	task.mig.sourceOffset += int64(len(b))
}

// drain 命令流全部发出后发送 STREAM-EOF，主连接交给目标节点关闭
func (m *Manager) drain(task *Task) {
	mig := task.mig
	if mig.main == nil || mig.main.PendingBytes() > 0 {
		return
	}
	logger.Info("Slot migration command stream drained, sending STREAM-EOF to the destination")
	if m.failPointActive(ChannelMigrateMain, StateHandoff) {
		return
	}
	eof := protocol.MakeMultiBulkReply(utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "STREAM-EOF")).ToBytes()
	if _, err := mig.main.Write(eof); err != nil {
		m.setFailed(task, "Main channel - Failed to send STREAM-EOF: %s", err.Error())
		return
	}
	mig.main = nil
	if mig.rdb != nil {
		mig.rdb.CloseAsync()
		mig.rdb = nil
	}
	task.rdbState = StateCompleted
	task.State = StateStreamEOF
}

// OnClientClosed 服务端连接关闭时调用
func (m *Manager) OnClientClosed(c myredis.Connection) {
	task := m.current()
	if task == nil || task.Operation != OpMigrate || task.mig == nil {
		return
	}
	mig := task.mig
	switch {
	case mig.rdb != nil && mig.rdb == c:
		mig.rdb = nil
		if task.rdbState == StateCompleted {
			return
		}
		m.setFailed(task, "RDB channel - Connection is closed")
	case mig.main != nil && mig.main == c:
		mig.main = nil
		if mig.rdb == nil {
			logger.Info("Main and RDB channel clients are disconnected.")
		}
		m.setFailed(task, "Main channel - Connection is closed")
	}
}
