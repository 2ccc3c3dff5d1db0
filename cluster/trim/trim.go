// Package trim 删除本节点已不再负责的槽位中的数据。
//
// 两种方式：
//   - background：把槽位分区整体摘下，在独立协程中释放，O(槽位数)，没有逐 key 通知
//   - active：每个调度周期按时间片逐个删除 key，并逐个通知
//
// 任务先进入 pending 队列，在 before-sleep 中确认没有写暂停后才真正执行。
package trim

import (
	"strconv"
	"time"

	"asmredis/cluster/slots"
	"asmredis/lib/logger"
	"asmredis/lib/metrics"
	"asmredis/lib/utils"
)

// Store 清理所需的存储接口
type Store interface {
	CountKeysInSlot(slot int) int
	GetKeysInSlot(slot int, count int) []string
	// Remove 删除 key，不产生复制流
	Remove(key string) bool
	// DetachSlots 摘下槽位分区，返回 key 数以及真正释放内存的函数
	DetachSlots(sra *slots.SlotRangeArray) (int, func())
}

// Host 清理引擎依赖的事件循环状态
type Host interface {
	// WritesPaused 客户端写入（WRITE 或 ALL）处于暂停状态
	WritesPaused() bool
	// ReplicasPaused 复制流处于暂停状态，此时无法传播 TRIMSLOTS
	ReplicasPaused() bool
	TrackingClients() int
	// Propagate 把命令传播给从节点
	Propagate(cmdLine [][]byte)
	// UnblockMaster 恢复因等待清理而被挂起的主节点连接
	UnblockMaster()
	Hz() int
}

type Event int

const (
	EventBackground Event = iota + 1
	EventStarted
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventBackground:
		return "background"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	}
	return "unknown"
}

// Observer 清理事件的订阅者
type Observer interface {
	OnTrimEvent(event Event, sra *slots.SlotRangeArray)
	OnKeyTrimmed(key string)
	// KeyTrimmedSubscribed 是否有订阅者需要逐 key 通知，有则使用 active 方式
	KeyTrimmedSubscribed() bool
}

type Method int

const (
	MethodDefault Method = iota
	MethodNone
	MethodBackground
	MethodActive
)

var methodNames = map[string]Method{
	"default": MethodDefault,
	"none":    MethodNone,
	"bg":      MethodBackground,
	"active":  MethodActive,
}

// ParseMethod 解析 DEBUG ASM-TRIM-METHOD 的参数
func ParseMethod(name string) (Method, bool) {
	m, ok := methodNames[name]
	return m, ok
}

const (
	cycleTimePerc  = 25
	checkTimeEvery = 32
)

// Stats active 清理的统计
type Stats struct {
	Running           int
	CurrentJobKeys    uint64
	CurrentJobTrimmed uint64
	Started           uint64
	Completed         uint64
	Cancelled         uint64
}

type Engine struct {
	store    Store
	host     Host
	observer Observer

	pending []*slots.SlotRangeArray
	active  []*slots.SlotRangeArray

	it       *slots.Iterator // 当前 active 任务的槽位游标
	slotKeys []string        // 当前槽位待删除的 key
	slotPos  int

	method             Method
	delay              time.Duration
	disabled           bool // delay 为负时暂停 active 清理
	allowAccessTrimmed bool

	pendingLogged bool
	cycleBlocked  bool
	stats         Stats
}

func NewEngine(store Store, host Host, observer Observer) *Engine {
	return &Engine{
		store:    store,
		host:     host,
		observer: observer,
	}
}

// SetAllowAccessTrimmed 允许访问等待清理的 key，关闭访问时惰性删除
func (e *Engine) SetAllowAccessTrimmed(allow bool) {
	e.allowAccessTrimmed = allow
}

// SetMethod 设置清理方式，delayMicros 为 active 删除每个 key 前的等待，返回之前的方式
func (e *Engine) SetMethod(method Method, delayMicros int) Method {
	prev := e.method
	e.method = method
	e.disabled = delayMicros < 0
	e.delay = 0
	if delayMicros > 0 {
		e.delay = time.Duration(delayMicros) * time.Microsecond
	}
	return prev
}

func (e *Engine) Method() Method {
	return e.method
}

// Schedule 加入 pending 队列，实际执行在 ProcessPending 中
func (e *Engine) Schedule(sra *slots.SlotRangeArray) {
	e.pending = append(e.pending, sra.Dup())
}

// ProcessPending 在 before-sleep 中调用，没有写暂停时执行所有 pending 任务
func (e *Engine) ProcessPending() {
	if len(e.pending) == 0 || e.method == MethodNone {
		return
	}
	if e.host.WritesPaused() || e.host.ReplicasPaused() {
		if !e.pendingLogged {
			e.pendingLogged = true
			logger.Info("Trim job will start after the write pause is lifted.")
		}
		return
	}
	e.pendingLogged = false
	jobs := e.pending
	e.pending = nil
	for _, sra := range jobs {
		e.TrimSlots(sra)
		e.host.Propagate(TrimSlotsCmd(sra))
	}
}

// TrimSlotsCmd 构造 TRIMSLOTS RANGES <n> <start end>...
func TrimSlotsCmd(sra *slots.SlotRangeArray) [][]byte {
	args := []string{"RANGES", strconv.Itoa(sra.Len())}
	for _, r := range sra.Ranges {
		args = append(args, strconv.Itoa(r.Start), strconv.Itoa(r.End))
	}
	return utils.ToCmdLine2("TRIMSLOTS", args...)
}

// TrimSlots 立即按当前方式清理槽位
func (e *Engine) TrimSlots(sra *slots.SlotRangeArray) {
	if e.method == MethodNone {
		return
	}
	active := e.host.TrackingClients() > 0 ||
		e.method == MethodActive ||
		(e.method == MethodDefault && e.observer.KeyTrimmedSubscribed())
	if active {
		e.triggerActive(sra)
	} else {
		e.triggerBackground(sra)
	}
}

func (e *Engine) triggerBackground(sra *slots.SlotRangeArray) {
	e.observer.OnTrimEvent(EventBackground, sra)
	total, free := e.store.DetachSlots(sra)
	go free()
	logger.Infof("Background trim started for slots: %s to trim %d keys.", sra.String(), total)
	metrics.TrimEvent("background", "started")
	metrics.TrimmedKeys.Add(float64(total))
	e.host.UnblockMaster()
}

func (e *Engine) triggerActive(sra *slots.SlotRangeArray) {
	e.active = append(e.active, sra.Dup())
	logger.Infof("Active trim scheduled for slots: %s", sra.String())
	if e.it == nil {
		e.startActive()
	}
}

func (e *Engine) startActive() {
	sra := e.active[0]
	e.it = sra.Iter()
	e.slotKeys = nil
	e.slotPos = 0
	e.stats.Started++
	e.stats.CurrentJobKeys = 0
	e.stats.CurrentJobTrimmed = 0
	sra.ForEach(func(slot int) bool {
		e.stats.CurrentJobKeys += uint64(e.store.CountKeysInSlot(slot))
		return true
	})
	e.observer.OnTrimEvent(EventStarted, sra)
	metrics.TrimEvent("active", "started")
	logger.Infof("Active trim initiated for slots: %s, to trim %d keys.", sra.String(), e.stats.CurrentJobKeys)
}

func (e *Engine) endActive() {
	sra := e.active[0]
	e.it = nil
	e.slotKeys = nil
	e.host.UnblockMaster()
	e.observer.OnTrimEvent(EventCompleted, sra)
	metrics.TrimEvent("active", "completed")
	logger.Infof("Active trim completed for slots: %s, %d keys trimmed.", sra.String(), e.stats.CurrentJobTrimmed)
	e.active = e.active[1:]
	e.stats.Completed++
}

func (e *Engine) deleteKey(key string) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.store.Remove(key) {
		e.observer.OnKeyTrimmed(key)
		metrics.TrimmedKeys.Inc()
		e.stats.CurrentJobTrimmed++
	}
}

// Cycle 每个调度周期执行一次，在时间片内增量删除
func (e *Engine) Cycle() {
	if e.disabled || len(e.active) == 0 {
		return
	}
	if e.host.WritesPaused() {
		if !e.cycleBlocked {
			e.cycleBlocked = true
			logger.Info("Active trim cycle will continue after the write pause is lifted.")
		}
		return
	}
	if e.cycleBlocked {
		logger.Info("Active trim cycle is resumed after the write pause is lifted.")
	}
	e.cycleBlocked = false

	hz := e.host.Hz()
	if hz <= 0 {
		hz = 10
	}
	limit := time.Duration(1000000*cycleTimePerc/hz/100) * time.Microsecond
	if limit <= 0 {
		limit = time.Microsecond
	}
	start := time.Now()
	deleted := 0
	exceeded := false

	slot := e.it.Current()
	for !exceeded && slot != -1 {
		if e.slotKeys == nil {
			e.slotKeys = e.store.GetKeysInSlot(slot, -1)
			e.slotPos = 0
		}
		for e.slotPos < len(e.slotKeys) {
			e.deleteKey(e.slotKeys[e.slotPos])
			e.slotPos++
			deleted++
			if deleted%checkTimeEvery == 0 && time.Since(start) > limit {
				exceeded = true
				break
			}
		}
		if !exceeded {
			e.slotKeys = nil
			slot = e.it.Next()
		}
	}
	if slot == -1 {
		e.endActive()
		if len(e.active) > 0 {
			e.startActive()
		}
	}
}

// InProgress 是否有 pending 或 active 任务
func (e *Engine) InProgress() bool {
	return len(e.active) > 0 || len(e.pending) > 0
}

// IsSlotInTrimJob 槽位是否在等待或正在清理
func (e *Engine) IsSlotInTrimJob(slot int) bool {
	if !e.InProgress() {
		return false
	}
	for _, sra := range e.pending {
		if sra.Contains(slot) {
			return true
		}
	}
	for _, sra := range e.active {
		if sra.Contains(slot) {
			return true
		}
	}
	return false
}

// AnyJobOverlaps 是否有任务与 sra 重叠
func (e *Engine) AnyJobOverlaps(sra *slots.SlotRangeArray) bool {
	if !e.InProgress() {
		return false
	}
	found := false
	sra.ForEach(func(slot int) bool {
		found = e.IsSlotInTrimJob(slot)
		return !found
	})
	return found
}

// TrimmingSlotForKeys 返回第一个落在清理任务中的 key 的槽位，没有则返回 -1
func (e *Engine) TrimmingSlotForKeys(keys []string) int {
	if !e.InProgress() {
		return -1
	}
	last := -1
	for _, key := range keys {
		slot := slots.KeySlot(key)
		if slot == last {
			continue
		}
		if e.IsSlotInTrimJob(slot) {
			return slot
		}
		last = slot
	}
	return -1
}

// DelIfNeeded 访问 key 时惰性删除等待清理的 key，返回 true 表示已删除
func (e *Engine) DelIfNeeded(key string) bool {
	if e.allowAccessTrimmed || !e.InProgress() {
		return false
	}
	if !e.IsSlotInTrimJob(slots.KeySlot(key)) {
		return false
	}
	e.deleteKey(key)
	return true
}

// CancelAll 取消所有任务，用于节点角色变化
func (e *Engine) CancelAll() {
	e.host.UnblockMaster()
	e.pending = nil
	if len(e.active) == 0 {
		return
	}
	logger.Info("Cancelling all active trim jobs")
	e.stats.Cancelled += uint64(len(e.active))
	e.endActive()
	e.active = nil
}

func (e *Engine) Stats() Stats {
	s := e.stats
	s.Running = len(e.active)
	return s
}
