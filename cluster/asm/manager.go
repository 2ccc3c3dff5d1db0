/*
Package asm 实现原子槽位迁移（Atomic Slot Migration）。

目标节点（导入端）通过两条连接从源节点拉取槽位：RDB 通道传输某一时刻的槽位快照，
主通道在此期间累积增量命令流。快照应用完成后回放累积的命令，
落后量小于阈值时源节点暂停写入，发送 STREAM-EOF，目标节点接管槽位。

所有状态只在事件循环中修改，网络读写在独立协程中，通过 Host.Post 投递回事件循环。
*/
package asm

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"asmredis/cluster/slots"
	"asmredis/cluster/trim"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/metrics"
)

const (
	SlotNoKeys    = -1
	SlotCrossSlot = -2
)

// Host 事件循环提供给迁移管理器的集群视图与存储操作
type Host interface {
	MyID() string
	IsMaster() bool
	// MyMaster 本节点为从节点时返回主节点 ID
	MyMaster() string
	// SlotOwner 槽位归属的主节点，未分配时为空
	SlotOwner(slot int) string
	NodeAddr(id string) string
	NodeExists(id string) bool
	IsMasterNode(id string) bool
	// HasLegacyMarkers 是否存在 SETSLOT IMPORTING/MIGRATING 标记
	HasLegacyMarkers() bool
	// WritesPaused 客户端写入处于暂停中
	WritesPaused() bool
	InternalSecret() string

	// Post 投递到事件循环执行，可在任意协程调用
	Post(fn func())
	// Apply 执行从源节点收到的命令
	Apply(c myredis.Connection, cmdLine [][]byte) myredis.Reply
	// CommandSlot 命令访问的槽位，无 key 时为 SlotNoKeys，跨槽时为 SlotCrossSlot
	CommandSlot(cmdLine [][]byte) int
	// Snapshot 拷贝槽位当前的数据
	Snapshot(sra *slots.SlotRangeArray) *Snapshot
	CountKeysInSlot(slot int) int
	DeleteKeysInSlot(slot int) int
	PropagateToReplicas(cmdLine [][]byte)

	// OnTaskEvent 集群实现处理任务事件，PREP 事件返回错误表示暂不能继续
	OnTaskEvent(info TaskInfo, event Event) error
}

// Observer 任务事件的订阅者
type Observer interface {
	OnTaskEvent(info TaskInfo, event Event) error
	// PreSnapshotCommands 在快照数据之前发送给目标节点的命令
	PreSnapshotCommands(info TaskInfo) [][][]byte
}

// Trimmer 槽位清理，由 trim.Engine 实现
type Trimmer interface {
	Schedule(sra *slots.SlotRangeArray)
	ProcessPending()
	IsSlotInTrimJob(slot int) bool
	AnyJobOverlaps(sra *slots.SlotRangeArray) bool
	SetMethod(method trim.Method, delayMicros int) trim.Method
	Stats() trim.Stats
}

type Config struct {
	HandoffMaxLagBytes     int64
	WritePauseTimeout      time.Duration
	SyncBufferDrainTimeout time.Duration
	ReplTimeout            time.Duration
	MaxArchivedTasks       int
	// Now 测试中可替换
	Now func() time.Time
}

type Manager struct {
	host Host
	trim Trimmer
	cfg  Config

	// 同一时间只运行一个任务
	tasks      []*Task
	archive    *lru.Cache
	archiveSeq uint64

	// 副本记录主节点上正在进行的导入任务
	masterTask *Task

	syncBufferPeak int64

	failChannel Channel
	failState   State

	cronRuns           uint64
	startBlockedLogged bool

	subscribers []Observer
}

func NewManager(host Host, trimmer Trimmer, cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	size := cfg.MaxArchivedTasks
	if size <= 0 {
		size = 1
	}
	archive, _ := lru.New(size)
	return &Manager{
		host:    host,
		trim:    trimmer,
		cfg:     cfg,
		archive: archive,
	}
}

// Subscribe 注册扩展的事件订阅
func (m *Manager) Subscribe(o Observer) {
	m.subscribers = append(m.subscribers, o)
}

func (m *Manager) now() int64 {
	return m.cfg.Now().UnixMilli()
}

func (m *Manager) current() *Task {
	if len(m.tasks) == 0 {
		return nil
	}
	return m.tasks[0]
}

// Current 正在运行的任务
func (m *Manager) Current() *Task {
	return m.current()
}

func (m *Manager) LookupTask(id string) *Task {
	for _, t := range m.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// archived 按从新到旧的顺序返回归档任务
func (m *Manager) archived() []*Task {
	keys := m.archive.Keys()
	result := make([]*Task, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := m.archive.Peek(keys[i]); ok {
			result = append(result, v.(*Task))
		}
	}
	return result
}

func (m *Manager) lookupBySlot(slot int) *Task {
	for _, t := range m.tasks {
		if t.Slots.Contains(slot) {
			return t
		}
	}
	return nil
}

func (m *Manager) lookupByRange(r slots.SlotRange) *Task {
	for _, t := range m.tasks {
		if t.Slots.Overlaps(r) {
			return t
		}
	}
	return nil
}

func (m *Manager) inProgress(op Operation) bool {
	for _, t := range m.tasks {
		if t.Operation == op {
			return true
		}
	}
	return false
}

func (m *Manager) ImportInProgress() bool  { return m.inProgress(OpImport) }
func (m *Manager) MigrateInProgress() bool { return m.inProgress(OpMigrate) }

// IsSlotInTask 槽位是否属于正在运行的任务
func (m *Manager) IsSlotInTask(slot int) bool {
	return m.lookupBySlot(slot) != nil
}

// validateImportSlotRanges 校验槽位可以被迁移，返回槽位当前的唯一归属节点
func (m *Manager) validateImportSlotRanges(sra *slots.SlotRangeArray, current *Task) (string, error) {
	if !m.host.IsMaster() {
		return "", errors.New("slot migration not allowed on replica.")
	}
	if m.host.HasLegacyMarkers() {
		return "", errors.New("all slot states must be STABLE to start a slot migration task.")
	}
	source := ""
	for _, r := range sra.Ranges {
		if t := m.lookupByRange(r); t != nil && t != current && t.Operation == OpImport {
			return "", fmt.Errorf("overlapping import exists for slot range: %d-%d", r.Start, r.End)
		}
		for slot := r.Start; slot <= r.End; slot++ {
			owner := m.host.SlotOwner(slot)
			if owner == "" {
				return "", fmt.Errorf("slot has no owner: %d", slot)
			}
			if source == "" {
				source = owner
			} else if source != owner {
				return "", errors.New("slots belong to different source nodes")
			}
		}
	}
	return source, nil
}

// CreateImport 创建导入任务，id 为空时随机生成
func (m *Manager) CreateImport(id string, sra *slots.SlotRangeArray) (*Task, error) {
	source, err := m.validateImportSlotRanges(sra, nil)
	if err != nil {
		return nil, err
	}
	if source == m.host.MyID() {
		return nil, errors.New("this node is already the owner of the slot range")
	}
	if current := m.current(); current != nil {
		if current.State != StateFailed {
			return nil, errors.New("another ASM task is already in progress")
		}
		m.cancelTask(current, "new import requested")
	}

	task := newTask(id, m.now())
	task.Operation = OpImport
	task.Slots = sra.Dup()
	task.Source = source
	task.Dest = m.host.MyID()
	task.reset()
	m.tasks = append(m.tasks, task)
	logger.Infof("Import task %s created: src=%s, dest=%s, slots=%s",
		task.ID, task.Source, task.Dest, task.Slots.String())
	return task, nil
}

// Cancel 取消指定任务，id 为空时取消全部，返回取消的数量
func (m *Manager) Cancel(id string, reason string) int {
	if id != "" {
		task := m.LookupTask(id)
		if task == nil {
			return 0
		}
		m.cancelTask(task, reason)
		return 1
	}
	n := 0
	for _, task := range append([]*Task(nil), m.tasks...) {
		m.cancelTask(task, reason)
		n++
	}
	return n
}

// CancelBySlotRangeArray 取消与 sra 重叠的任务，sra 为 nil 时取消全部
func (m *Manager) CancelBySlotRangeArray(sra *slots.SlotRangeArray, reason string) int {
	n := 0
	for _, task := range append([]*Task(nil), m.tasks...) {
		if sra == nil || task.Slots.OverlapsArray(sra) {
			m.cancelTask(task, reason)
			n++
		}
	}
	return n
}

func (m *Manager) CancelBySlot(slot int, reason string) int {
	task := m.lookupBySlot(slot)
	if task == nil {
		return 0
	}
	m.cancelTask(task, reason)
	return 1
}

// CancelByNode 取消涉及该节点的任务，节点是自己时取消全部
func (m *Manager) CancelByNode(nodeID string, reason string) int {
	if nodeID == "" {
		return 0
	}
	if nodeID == m.host.MyID() {
		return m.Cancel("", reason)
	}
	n := 0
	for _, task := range append([]*Task(nil), m.tasks...) {
		if task.Source == nodeID || task.Dest == nodeID {
			m.cancelTask(task, reason)
			n++
		}
	}
	return n
}

// Process 外部入口：开始导入、取消、进入交接、完成
func (m *Manager) Process(id string, event Event, sra *slots.SlotRangeArray) (int, error) {
	switch event {
	case EventImportStart:
		if _, err := m.CreateImport(id, sra); err != nil {
			return 0, err
		}
		return 1, nil
	case EventCancel:
		return m.Cancel(id, "user request"), nil
	case EventHandoff:
		return 0, m.handoff(id)
	case EventDone:
		task := m.LookupTask(id)
		if task == nil {
			return 0, fmt.Errorf("No ASM task found for id: %s", id)
		}
		return 0, m.NotifyConfigUpdated(task)
	}
	return 0, fmt.Errorf("Unknown operation: %d", int(event))
}

func (m *Manager) handoff(id string) error {
	task := m.LookupTask(id)
	if task == nil || task.State != StateHandoffPrep {
		state := "null"
		if task != nil {
			state = task.State.String()
		}
		return fmt.Errorf("No suitable ASM task found for id: %s, task_state: %s", id, state)
	}
	task.State = StateHandoff
	task.PausedTime = m.now()
	return nil
}

// NotifyConfigUpdated 槽位归属已更新：接管中的导入任务与 STREAM-EOF 之后的迁移任务完成，其余任务被取消
func (m *Manager) NotifyConfigUpdated(task *Task) error {
	var event Event
	switch {
	case task.Operation == OpImport && task.State == StateTakeover:
		event = EventImportCompleted
	case task.Operation == OpMigrate && task.State == StateStreamEOF:
		event = EventMigrateCompleted
	default:
		err := fmt.Errorf("ASM task is not in the correct state for config update: %s", task.State)
		m.cancelTask(task, "slots configuration updated")
		return err
	}
	task.Error = ""
	task.State = StateCompleted
	m.notifyStateChange(task, event)
	m.finalize(task)
	if event == EventMigrateCompleted {
		m.trim.Schedule(task.Slots)
	}
	return nil
}

// OnTopologyChanged 拓扑变化后检查当前任务的槽位归属
func (m *Manager) OnTopologyChanged() {
	task := m.current()
	if task == nil || task.State == StateNone || task.State == StateFailed {
		return
	}
	myself := m.host.MyID()
	if task.Operation == OpImport {
		ownedByMe, moved := true, false
		task.Slots.ForEach(func(slot int) bool {
			owner := m.host.SlotOwner(slot)
			if owner != myself {
				ownedByMe = false
			}
			if owner != myself && owner != task.Source {
				moved = true
			}
			return true
		})
		if ownedByMe || moved {
			if err := m.NotifyConfigUpdated(task); err != nil {
				logger.Warnf("Import task %s: %v", task.ID, err)
			}
		}
		return
	}
	ownedByDest, moved := true, false
	task.Slots.ForEach(func(slot int) bool {
		owner := m.host.SlotOwner(slot)
		if owner != task.Dest {
			ownedByDest = false
		}
		if owner != myself && owner != task.Dest {
			moved = true
		}
		return true
	})
	if ownedByDest || moved {
		if err := m.NotifyConfigUpdated(task); err != nil {
			logger.Warnf("Migrate task %s: %v", task.ID, err)
		}
	}
}

// ******************** Failure & Cancellation ********************

func (m *Manager) setFailed(task *Task, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	task.Error = fmt.Sprintf("%s (state: %s, rdb_channel_state: %s)", msg, task.State, task.rdbState)
	kind := "Import"
	if task.Operation == OpMigrate {
		kind = "Migrate"
	}
	logger.Warnf("%s task %s failed: slots=%s, err=%s", kind, task.ID, task.Slots.String(), task.Error)
	if task.Operation == OpImport {
		m.importSetFailed(task)
	} else {
		m.migrateSetFailed(task)
	}
}

func (m *Manager) importSetFailed(task *Task) {
	if task.State == StateFailed {
		return
	}
	imp := task.imp
	if imp != nil {
		closeStream(imp.rdb)
		closeStream(imp.main)
		imp.rdb, imp.main = nil, nil
		imp.mainClient, imp.rdbClient = nil, nil
		if imp.buffer.peak > m.syncBufferPeak {
			m.syncBufferPeak = imp.buffer.peak
		}
		imp.buffer.clear()
		metrics.SyncBufferBytes.Set(0)
	}
	task.State = StateFailed
	m.notifyStateChange(task, EventImportFailed)
	if m.host.IsMaster() {
		m.TrimSlotsIfNotOwned(task.Slots)
	}
}

func (m *Manager) migrateSetFailed(task *Task) {
	if task.State == StateFailed {
		return
	}
	if mig := task.mig; mig != nil {
		if mig.abort != nil {
			mig.abort.Store(true)
		}
		if mig.rdb != nil {
			mig.rdb.CloseAsync()
			mig.rdb = nil
		}
		if mig.main != nil {
			mig.main.CloseAsync()
			mig.main = nil
		}
	}
	task.State = StateFailed
	m.notifyStateChange(task, EventMigrateFailed)
}

func (m *Manager) cancelTask(task *Task, reason string) {
	if task.State == StateCanceled {
		return
	}
	m.setFailed(task, "Cancelled due to %s", reason)
	task.State = StateCanceled
	m.finalize(task)
}

// finalize 任务结束，移入归档
func (m *Manager) finalize(task *Task) {
	task.EndTime = m.now()
	if task.imp != nil {
		if task.imp.buffer.peak > m.syncBufferPeak {
			m.syncBufferPeak = task.imp.buffer.peak
		}
		task.imp.buffer.clear()
	}
	for i, t := range m.tasks {
		if t == task {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			break
		}
	}
	m.archiveSeq++
	m.archive.Add(m.archiveSeq, task)
}

// ******************** Notification ********************

func (m *Manager) notifyStateChange(task *Task, event Event) {
	info := task.Info()
	for _, o := range m.subscribers {
		_ = o.OnTaskEvent(info, event)
	}
	switch event {
	case EventImportStarted, EventMigrateStarted:
		metrics.TaskEvent(task.Operation.String(), "started")
	case EventImportFailed, EventMigrateFailed:
		metrics.TaskEvent(task.Operation.String(), "failed")
	case EventImportCompleted, EventMigrateCompleted:
		metrics.TaskEvent(task.Operation.String(), "completed")
	}
	logger.Debugf("Fire cluster asm event, task %s: state=%s", task.ID, task.State)

	if m.host.IsMaster() {
		// 副本同步过来的任务不通知集群实现
		if task != m.masterTask {
			_ = m.host.OnTaskEvent(info, event)
		}
		m.notifyReplicas(task)
	}
}

// prepare 询问集群实现和订阅者是否可以继续
func (m *Manager) prepare(info TaskInfo, event Event) error {
	if err := m.host.OnTaskEvent(info, event); err != nil {
		return err
	}
	for _, o := range m.subscribers {
		if err := o.OnTaskEvent(info, event); err != nil {
			return err
		}
	}
	return nil
}

// TrimSlotsIfNotOwned 为不属于本节点但仍有数据的槽位安排清理
func (m *Manager) TrimSlotsIfNotOwned(sra *slots.SlotRangeArray) {
	if !m.host.IsMaster() {
		return
	}
	myself := m.host.MyID()
	var trimSlots *slots.SlotRangeArray
	keys := 0
	sra.ForEach(func(slot int) bool {
		n := m.host.CountKeysInSlot(slot)
		if m.host.SlotOwner(slot) == myself || n == 0 || m.trim.IsSlotInTrimJob(slot) {
			return true
		}
		trimSlots = slots.Append(trimSlots, slot)
		keys += n
		return true
	})
	if trimSlots == nil {
		return
	}
	logger.Infof("Detected keys in slots that do not belong to this node. Scheduling trim for %d keys in slots: %s",
		keys, trimSlots.String())
	m.trim.Schedule(trimSlots)
}

// ******************** Debug ********************

// SetFailPoint 设置故障注入点，二者都为空时清除
func (m *Manager) SetFailPoint(channel, state string) error {
	if channel == "" && state == "" {
		m.failChannel, m.failState = 0, StateNone
		logger.Warn("ASM fail point is cleared")
		return nil
	}
	ch, ok := parseChannel(channel)
	if !ok {
		return errors.New("unknown channel")
	}
	st, ok := ParseState(state)
	if !ok || st == StateNone {
		return errors.New("unknown state")
	}
	m.failChannel, m.failState = ch, st
	logger.Infof("ASM fail point set: channel=%s, state=%s", channel, state)
	return nil
}

func (m *Manager) failPointActive(ch Channel, state State) bool {
	if m.failChannel == ch && m.failState == state {
		logger.Infof("ASM fail point active: channel=%s, state=%s", ch, state)
		return true
	}
	return false
}

// SetTrimMethod 设置清理方式，从 none 切换到其他方式时删除所有不属于本节点的槽位数据
func (m *Manager) SetTrimMethod(name string, delayMicros int) error {
	method, ok := trim.ParseMethod(name)
	if !ok {
		return errors.New("unknown trim method")
	}
	prev := m.trim.SetMethod(method, delayMicros)
	if prev == trim.MethodNone && method != trim.MethodNone {
		myself := m.host.MyID()
		for slot := 0; slot < slots.SlotCount; slot++ {
			if m.host.SlotOwner(slot) != myself {
				m.host.DeleteKeysInSlot(slot)
			}
		}
	}
	logger.Infof("ASM trim method was set=%s, active_trim_delay=%d", name, delayMicros)
	return nil
}

// ******************** Info ********************

// InfoString INFO cluster 中的迁移相关字段
func (m *Manager) InfoString() string {
	active := 0
	for _, t := range m.tasks {
		if t.Operation == OpImport || t.State != StateFailed {
			active++
		}
	}
	st := m.trim.Stats()
	return fmt.Sprintf("cluster_slot_migration_active_tasks:%d\r\n"+
		"cluster_slot_migration_active_trim_running:%d\r\n"+
		"cluster_slot_migration_active_trim_current_job_keys:%d\r\n"+
		"cluster_slot_migration_active_trim_current_job_trimmed:%d\r\n"+
		"cluster_slot_migration_stats_active_trim_started:%d\r\n"+
		"cluster_slot_migration_stats_active_trim_completed:%d\r\n"+
		"cluster_slot_migration_stats_active_trim_cancelled:%d\r\n",
		active, st.Running, st.CurrentJobKeys, st.CurrentJobTrimmed,
		st.Started, st.Completed, st.Cancelled)
}

// PeakSyncBufferSize 历史最大的累积缓冲区
func (m *Manager) PeakSyncBufferSize() int64 {
	peak := m.syncBufferPeak
	if t := m.current(); t != nil && t.imp != nil && t.imp.buffer.peak > peak {
		peak = t.imp.buffer.peak
	}
	return peak
}

func (m *Manager) ImportInputBufferSize() int64 {
	if t := m.current(); t != nil && t.imp != nil {
		return t.imp.buffer.used
	}
	return 0
}

func (m *Manager) MigrateOutputBufferSize() int64 {
	if t := m.current(); t != nil && t.mig != nil && t.mig.main != nil {
		return t.mig.main.PendingBytes()
	}
	return 0
}
