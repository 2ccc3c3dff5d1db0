package asm

import (
	"errors"
	"strings"
	"sync/atomic"

	"asmredis/cluster/slots"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/myredis/client"
)

// Task 一次槽位迁移任务，导入端与迁移端各自的运行状态放在 imp / mig 中，二者只有一个非空
type Task struct {
	ID        string
	Operation Operation
	Slots     *slots.SlotRangeArray
	State     State
	Source    string
	Dest      string
	Retries   int64
	Error     string

	// 毫秒时间戳，未发生时为 -1
	CreateTime int64
	StartTime  int64
	EndTime    int64
	PausedTime int64

	rdbState State

	imp *importSide
	mig *migrateSide
}

type importSide struct {
	attempt int // 每次启动加一，用于丢弃过期的异步回调

	main *client.Stream
	rdb  *client.Stream
	// 回放源节点命令使用的内部连接
	mainClient myredis.Connection
	rdbClient  myredis.Connection

	buffer     syncBuffer
	applied    int64 // 回放缓冲区时已应用的字节数
	destOffset int64
	streamEOF  bool // 回放缓冲区期间收到了 STREAM-EOF
}

type migrateSide struct {
	main myredis.Connection
	rdb  myredis.Connection

	sourceOffset int64
	destOffset   int64
	destState    State
	crossSlot    bool // 传播过程中遇到跨槽命令

	snapshotTime     int64
	accumAppliedTime int64

	// 快照写协程在任务结束时退出
	abort *atomic.Bool
}

// TaskInfo 提供给观察者的只读视图
type TaskInfo struct {
	ID     string
	Source string
	Dest   string
	Slots  *slots.SlotRangeArray
}

func (t *Task) Info() TaskInfo {
	return TaskInfo{ID: t.ID, Source: t.Source, Dest: t.Dest, Slots: t.Slots.Dup()}
}

func newTask(id string, now int64) *Task {
	if id == "" {
		id = utils.RandHex(slots.NodeIDLen)
	}
	t := &Task{
		ID:         id,
		CreateTime: now,
		StartTime:  -1,
		EndTime:    -1,
	}
	t.reset()
	return t
}

// reset 清空运行状态，保留 id、槽位、源和目标
func (t *Task) reset() {
	t.State = StateNone
	t.rdbState = StateNone
	t.PausedTime = 0
	switch t.Operation {
	case OpImport:
		t.imp = &importSide{attempt: t.attempt() + 1}
	case OpMigrate:
		t.mig = &migrateSide{destState: StateNone}
	}
}

func (t *Task) attempt() int {
	if t.imp == nil {
		return 0
	}
	return t.imp.attempt
}

func (t *Task) finished() bool {
	return t.State == StateFailed || t.State == StateCompleted
}

// StateToEvent 任务状态对应的生命周期事件
func (t *Task) StateToEvent() Event {
	if t.Operation == OpImport {
		switch t.State {
		case StateCompleted:
			return EventImportCompleted
		case StateFailed:
			return EventImportFailed
		}
		return EventImportStarted
	}
	switch t.State {
	case StateCompleted:
		return EventMigrateCompleted
	case StateFailed:
		return EventMigrateFailed
	}
	return EventMigrateStarted
}

// Serialize 编码为 "id:source:dest:operation:state:slots" 发送给副本
func (t *Task) Serialize() string {
	var sb strings.Builder
	sb.WriteString(t.ID)
	sb.WriteByte(':')
	sb.WriteString(t.Source)
	sb.WriteByte(':')
	sb.WriteString(t.Dest)
	sb.WriteByte(':')
	sb.WriteString(t.Operation.String())
	sb.WriteByte(':')
	sb.WriteString(t.State.String())
	sb.WriteByte(':')
	sb.WriteString(t.Slots.String())
	return sb.String()
}

var errBadTaskFormat = errors.New("invalid task format")

// Deserialize 解析 Serialize 的结果，多余的字段被忽略
func Deserialize(data string) (*Task, error) {
	parts := strings.Split(data, ":")
	if len(parts) < 6 || parts[0] == "" {
		return nil, errBadTaskFormat
	}
	if len(parts[1]) != slots.NodeIDLen || len(parts[2]) != slots.NodeIDLen {
		return nil, errBadTaskFormat
	}
	t := &Task{
		ID:         parts[0],
		Source:     parts[1],
		Dest:       parts[2],
		StartTime:  -1,
		EndTime:    -1,
		CreateTime: -1,
	}
	switch strings.ToLower(parts[3]) {
	case "import":
		t.Operation = OpImport
	case "migrate":
		t.Operation = OpMigrate
	default:
		return nil, errBadTaskFormat
	}
	// 未知状态按 none 处理
	t.State, _ = ParseState(parts[4])
	t.Slots = slots.FromString(parts[5])
	if t.Slots == nil {
		return nil, errBadTaskFormat
	}
	return t, nil
}
