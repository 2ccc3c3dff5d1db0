package asm

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/metrics"
	"asmredis/lib/utils"
	"asmredis/myredis/client"
	"asmredis/myredis/connection"
	"asmredis/parser"
	"asmredis/protocol"
)

const (
	defaultDialTimeout = 5 * time.Second
	// 每轮事件循环回放缓冲区的时间上限
	streamBatchTime = 2 * time.Millisecond
)

// stepResult 握手状态机一步的结果
type stepResult struct {
	next State
	send [][]byte
	err  string
}

// stepImportMain 主通道握手：根据当前状态与源节点的回复，给出下一状态和要发送的命令
//
// StateConnecting 时 reply 为 nil
func stepImportMain(state State, reply myredis.Reply, task *Task, myID, secret string) stepResult {
	switch state {
	case StateConnecting:
		return stepResult{
			next: StateAuthReply,
			send: utils.ToCmdLine("AUTH", "internal connection", secret),
		}
	case StateAuthReply:
		if !protocol.IsOKReply(reply) {
			return stepResult{err: "Error reply to AUTH from the source: " + replyText(reply)}
		}
		return stepResult{
			next: StateHandshakeReply,
			send: utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "NODE-ID", myID),
		}
	case StateHandshakeReply:
		if !protocol.IsOKReply(reply) {
			return stepResult{err: "Error reply to CLUSTER SYNCSLOTS CONF from the source: " + replyText(reply)}
		}
		return stepResult{
			next: StateSyncSlotsReply,
			send: syncCmd(task),
		}
	case StateSyncSlotsReply:
		if !isStatus(reply, "RDBCHANNELSYNCSLOTS") {
			return stepResult{err: "Error reply to CLUSTER SYNCSLOTS SYNC from the source: " + replyText(reply)}
		}
		return stepResult{next: StateInitRDBChannel}
	}
	return stepResult{err: "Unexpected reply in state " + state.String() + ": " + replyText(reply)}
}

// stepImportRDB RDB 通道握手，状态保存在 rdbState 中
func stepImportRDB(state State, reply myredis.Reply, taskID, secret string) stepResult {
	switch state {
	case StateConnecting:
		return stepResult{
			next: StateAuthReply,
			send: utils.ToCmdLine("AUTH", "internal connection", secret),
		}
	case StateAuthReply:
		if !protocol.IsOKReply(reply) {
			return stepResult{err: "Error reply to AUTH from source: " + replyText(reply)}
		}
		return stepResult{
			next: StateRDBChannelReply,
			send: utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "RDBCHANNEL", taskID),
		}
	case StateRDBChannelReply:
		if !isStatus(reply, "SLOTSSNAPSHOT") {
			return stepResult{err: "Error reply to CLUSTER SYNCSLOTS RDBCHANNEL from the source: " + replyText(reply)}
		}
		return stepResult{next: StateRDBChannelTransfer}
	}
	return stepResult{err: "Unexpected reply in state " + state.String() + ": " + replyText(reply)}
}

func syncCmd(task *Task) [][]byte {
	args := utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "SYNC", task.ID)
	for _, r := range task.Slots.Ranges {
		args = append(args, []byte(strconv.Itoa(r.Start)), []byte(strconv.Itoa(r.End)))
	}
	return args
}

func replyText(reply myredis.Reply) string {
	if reply == nil {
		return "no reply"
	}
	b := bytes.TrimSuffix(reply.ToBytes(), []byte(protocol.CRLF))
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		b = b[1:]
	}
	return string(b)
}

func isStatus(reply myredis.Reply, status string) bool {
	r, ok := reply.(*protocol.StatusReply)
	return ok && r.Status == status
}

func closeStream(s *client.Stream) {
	if s != nil {
		_ = s.Abort()
	}
}

func (m *Manager) dialTimeout() time.Duration {
	if m.cfg.ReplTimeout > 0 && m.cfg.ReplTimeout < defaultDialTimeout {
		return m.cfg.ReplTimeout
	}
	return defaultDialTimeout
}

// dial 在独立协程中建立连接，结果投递回事件循环
func (m *Manager) dial(addr string, done func(*client.Stream, error)) {
	timeout := m.dialTimeout()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s, err := client.Dial(ctx, addr)
		m.host.Post(func() { done(s, err) })
	}()
}

// ******************** Import: start ********************

func (m *Manager) startImport(task *Task) {
	if task.State != StateNone {
		return
	}
	m.TrimSlotsIfNotOwned(task.Slots)

	reason := ""
	if m.trim.AnyJobOverlaps(task.Slots) {
		reason = "trim in progress for some of the slots"
	} else if m.host.WritesPaused() {
		reason = "server paused"
	} else if err := m.prepare(task.Info(), EventImportPrep); err != nil {
		reason = "cluster is not ready"
	}
	if reason != "" {
		if !m.startBlockedLogged {
			logger.Infof("Can not start import task %s for slots: %s due to %s",
				task.ID, task.Slots.String(), reason)
			m.startBlockedLogged = true
		}
		return
	}
	m.startBlockedLogged = false

	// 等待期间拓扑可能已经变化
	source, err := m.validateImportSlotRanges(task.Slots, task)
	if err != nil {
		m.cancelTask(task, err.Error())
		return
	}
	if source == m.host.MyID() {
		m.cancelTask(task, "slots owned by myself now")
		return
	}
	if source != task.Source {
		logger.Infof("Import task %s source node changed: slots=%s, old_src=%s, new_src=%s",
			task.ID, task.Slots.String(), task.Source, source)
		task.Source = source
	}

	logger.Infof("Import task %s starting: src=%s, dest=%s, slots=%s",
		task.ID, task.Source, task.Dest, task.Slots.String())
	task.State = StateConnecting
	task.StartTime = m.now()
	m.notifyStateChange(task, EventImportStarted)

	attempt := task.imp.attempt
	m.dial(m.host.NodeAddr(task.Source), func(s *client.Stream, err error) {
		m.onMainConnected(task, attempt, s, err)
	})
}

// importAlive 回调所属的任务仍在运行同一次尝试
func (m *Manager) importAlive(task *Task, attempt int) bool {
	return m.current() == task && task.imp != nil && task.imp.attempt == attempt
}

func (m *Manager) onMainConnected(task *Task, attempt int, s *client.Stream, err error) {
	if !m.importAlive(task, attempt) || task.State != StateConnecting {
		closeStream(s)
		return
	}
	if err != nil {
		m.setFailed(task, "Main channel - Failed to connect to source node: %s", err.Error())
		return
	}
	imp := task.imp
	imp.main = s
	imp.mainClient = newSourceClient()
	s.Start(func(p *parser.Payload) {
		m.host.Post(func() { m.onMainPayload(task, s, p) })
	})
	m.advanceMain(task, nil)
}

func newSourceClient() myredis.Connection {
	c := connection.NewInternalConn()
	c.SetMaster()
	return c
}

func (m *Manager) advanceMain(task *Task, reply myredis.Reply) {
	res := stepImportMain(task.State, reply, task, m.host.MyID(), m.host.InternalSecret())
	if res.err != "" {
		m.setFailed(task, "Main channel - Failed to sync with source node: %s", res.err)
		return
	}
	if res.send != nil {
		if err := task.imp.main.Send(res.send...); err != nil {
			m.setFailed(task, "Main channel - Failed to sync with source node: %s", err.Error())
			return
		}
	}
	task.State = res.next
	if task.State == StateInitRDBChannel {
		// 快照开始之前主通道不读取数据
		task.imp.main.Pause()
		m.connectRDB(task)
	}
}

// ******************** Import: main channel ********************

func (m *Manager) onMainPayload(task *Task, s *client.Stream, p *parser.Payload) {
	if m.current() != task || task.imp == nil || task.imp.main != s {
		return
	}
	imp := task.imp
	if p.Err != nil {
		if task.State == StateAccumulateBuf {
			m.setFailed(task, "Main channel - Read error: %s", p.Err.Error())
		} else {
			m.setFailed(task, "Main channel - Connection is closed")
		}
		return
	}
	s.Touch()

	switch task.State {
	case StateAuthReply, StateHandshakeReply, StateSyncSlotsReply:
		m.advanceMain(task, p.Data)
	case StateInitRDBChannel, StateAccumulateBuf, StateReadyToStream:
		if task.State == StateAccumulateBuf && m.failPointActive(ChannelImportMain, StateAccumulateBuf) {
			_ = s.Abort()
			return
		}
		imp.buffer.push(commandArgs(p.Data), p.Size)
		metrics.SyncBufferBytes.Set(float64(imp.buffer.used))
	case StateStreamingBuf:
		if m.failPointActive(ChannelImportMain, StateStreamingBuf) {
			_ = s.Abort()
			return
		}
		imp.buffer.push(commandArgs(p.Data), p.Size)
		metrics.SyncBufferBytes.Set(float64(imp.buffer.used))
		// 回放追上之前不再读取
		s.Pause()
	case StateWaitStreamEOF:
		args := commandArgs(p.Data)
		if args == nil {
			m.setFailed(task, "Main channel - Failed to stream into the DB")
			return
		}
		if isSyncSlots(args, "STREAM-EOF") {
			m.onStreamEOF(task)
			return
		}
		m.applyFromSource(imp.mainClient, args)
		imp.destOffset += int64(p.Size)
	}
}

// commandArgs 源节点发来的必须是命令数组
func commandArgs(reply myredis.Reply) [][]byte {
	if r, ok := reply.(*protocol.MultiBulkReply); ok && len(r.Args) > 0 {
		return r.Args
	}
	return nil
}

func isSyncSlots(args [][]byte, sub string) bool {
	return len(args) >= 3 &&
		strings.EqualFold(string(args[0]), "cluster") &&
		strings.EqualFold(string(args[1]), "syncslots") &&
		strings.EqualFold(string(args[2]), sub)
}

// applyFromSource 执行源节点的命令，错误只记录日志
func (m *Manager) applyFromSource(c myredis.Connection, args [][]byte) {
	reply := m.host.Apply(c, args)
	if reply != nil && protocol.IsErrorReply(reply) {
		logger.Warnf("Error applying command '%s' from source node: %s", string(args[0]), replyText(reply))
	}
}

func (m *Manager) onStreamEOF(task *Task) {
	switch task.State {
	case StateStreamingBuf:
		task.imp.streamEOF = true
		logger.Info("Received STREAM-EOF while streaming the accumulated buffer, takeover after streaming")
	case StateWaitStreamEOF:
		m.takeover(task)
	default:
		logger.Warnf("Unexpected CLUSTER SYNCSLOTS STREAM-EOF, task state: %s", task.State)
		closeStream(task.imp.main)
	}
}

func (m *Manager) sendAck(task *Task, state State, offset int64) {
	imp := task.imp
	if imp == nil || imp.main == nil {
		return
	}
	err := imp.main.Send(utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "ACK",
		state.String(), strconv.FormatInt(offset, 10))...)
	if err != nil {
		m.setFailed(task, "Main channel - Failed to send ACK: %s", err.Error())
	}
}

// streamBuffer 回放累积的命令，每轮事件循环最多执行 streamBatchTime
func (m *Manager) streamBuffer(task *Task) {
	imp := task.imp
	if task.State == StateReadyToStream {
		logger.Infof("Starting to stream accumulated buffer for the import task (%d bytes)", imp.buffer.used)
		task.State = StateStreamingBuf
		imp.buffer.markWatermark()
	}
	deadline := time.Now().Add(streamBatchTime)
	for !imp.buffer.empty() {
		cmd := imp.buffer.pop()
		if cmd.args == nil {
			m.setFailed(task, "Main channel - Failed to stream into the DB")
			return
		}
		imp.applied += int64(cmd.size)
		if isSyncSlots(cmd.args, "STREAM-EOF") {
			m.onStreamEOF(task)
		} else {
			m.applyFromSource(imp.mainClient, cmd.args)
		}
		if m.current() != task || task.State != StateStreamingBuf {
			return
		}
		if time.Now().After(deadline) {
			break
		}
	}
	metrics.SyncBufferBytes.Set(float64(imp.buffer.used))

	if !imp.buffer.empty() {
		m.sendAck(task, StateStreamingBuf, imp.applied)
		if imp.main != nil && imp.main.Paused() && imp.buffer.MayReadMore(true) {
			imp.main.Resume()
		}
		return
	}
	if imp.streamEOF {
		m.takeover(task)
		return
	}
	imp.destOffset = imp.applied
	task.State = StateWaitStreamEOF
	logger.Infof("Successfully streamed accumulated buffer for the import task, applied offset: %d", imp.destOffset)
	if m.failPointActive(ChannelImportMain, StateWaitStreamEOF) {
		closeStream(imp.main)
		return
	}
	imp.main.Resume()
	m.sendAck(task, StateWaitStreamEOF, imp.destOffset)
}

// takeover 命令流已经全部应用，等待集群把槽位分配给自己
func (m *Manager) takeover(task *Task) {
	if task.State != StateWaitStreamEOF && task.State != StateStreamingBuf {
		return
	}
	imp := task.imp
	closeStream(imp.main)
	imp.main = nil
	imp.mainClient = nil
	task.State = StateTakeover
	logger.Infof("Import task %s is taking over slots: %s", task.ID, task.Slots.String())
	if err := m.prepare(task.Info(), EventTakeover); err != nil {
		logger.Warnf("Import task %s takeover rejected: %v", task.ID, err)
	}
}

// ******************** Import: RDB channel ********************

func (m *Manager) connectRDB(task *Task) {
	attempt := task.imp.attempt
	task.rdbState = StateConnecting
	m.dial(m.host.NodeAddr(task.Source), func(s *client.Stream, err error) {
		m.onRDBConnected(task, attempt, s, err)
	})
}

func (m *Manager) onRDBConnected(task *Task, attempt int, s *client.Stream, err error) {
	if !m.importAlive(task, attempt) || task.State != StateInitRDBChannel {
		closeStream(s)
		return
	}
	if err != nil {
		m.setFailed(task, "RDB channel - Failed to sync with the source node: %s", err.Error())
		return
	}
	imp := task.imp
	imp.rdb = s
	imp.rdbClient = newSourceClient()
	s.Start(func(p *parser.Payload) {
		m.host.Post(func() { m.onRDBPayload(task, s, p) })
	})
	m.advanceRDB(task, nil)
}

func (m *Manager) advanceRDB(task *Task, reply myredis.Reply) {
	res := stepImportRDB(task.rdbState, reply, task.ID, m.host.InternalSecret())
	if res.err != "" {
		m.setFailed(task, "RDB channel - Failed to sync with the source node: %s", res.err)
		return
	}
	if task.rdbState == StateAuthReply {
		logger.Info("Source node replied to AUTH command, syncslots rdb channel operation can continue...")
	}
	if res.send != nil {
		if err := task.imp.rdb.Send(res.send...); err != nil {
			m.setFailed(task, "RDB channel - Failed to sync with the source node: %s", err.Error())
			return
		}
	}
	task.rdbState = res.next
	if task.rdbState == StateRDBChannelTransfer {
		task.State = StateAccumulateBuf
		task.imp.main.Resume()
		logger.Infof("Import task %s: slots snapshot transfer started", task.ID)
	}
}

func (m *Manager) onRDBPayload(task *Task, s *client.Stream, p *parser.Payload) {
	if m.current() != task || task.imp == nil || task.imp.rdb != s {
		return
	}
	if p.Err != nil {
		m.setFailed(task, "RDB channel - Connection is closed")
		return
	}
	s.Touch()
	if task.rdbState != StateRDBChannelTransfer {
		m.advanceRDB(task, p.Data)
		return
	}
	args := commandArgs(p.Data)
	if args == nil {
		m.setFailed(task, "RDB channel - Failed to sync with the source node: %s", "unexpected reply "+replyText(p.Data))
		return
	}
	switch {
	case isSyncSlots(args, "SNAPSHOT-EOF"):
		m.onSnapshotEOF(task)
	case isSyncSlots(args, "CONF"):
		if reply := m.handleConf(task.imp.rdbClient, args); protocol.IsErrorReply(reply) {
			logger.Warnf("Error applying snapshot option: %s", replyText(reply))
		}
	default:
		m.applyFromSource(task.imp.rdbClient, args)
	}
}

func (m *Manager) onSnapshotEOF(task *Task) {
	imp := task.imp
	if task.rdbState != StateRDBChannelTransfer || task.State != StateAccumulateBuf {
		logger.Warnf("Unexpected CLUSTER SYNCSLOTS SNAPSHOT-EOF command: rdb_channel_state=%s", task.rdbState)
		closeStream(imp.rdb)
		return
	}
	if m.failPointActive(ChannelImportRDB, StateRDBChannelTransfer) {
		closeStream(imp.rdb)
		return
	}
	task.rdbState = StateCompleted
	logger.Info("RDB channel snapshot transfer completed for the import task.")
	closeStream(imp.rdb)
	imp.rdb = nil
	imp.rdbClient = nil
	task.State = StateReadyToStream
}
