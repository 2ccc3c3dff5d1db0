// fsm.go 基于 Hashicorp Raft 的集群拓扑状态机，保存：
//
//   - 槽位（slot）到节点的归属
//   - 节点地址与主从关系
//
// 槽位迁移本身由各节点的 ASM 任务完成，状态机只在迁移完成时裁决归属变更
// （EventAsmTakeover），因此同一个槽位任何时刻只有一个归属。
//
// 所有状态变更通过 Raft 日志复制；快照中只保存核心状态，派生字段在恢复时重建。
package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"asmredis/cluster/slots"
	"asmredis/lib/logger"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
)

type FSM struct {
	mu           sync.RWMutex
	Nodes        map[string]*NodeInfo    // 节点 ID -> 地址信息
	Node2Slot    map[string][]uint32     // 节点 -> 槽位（派生）
	Slot2Node    map[uint32]string       // 槽位 -> 节点
	MasterSlaves map[string]*MasterSlave // 主节点 -> 主从关系
	SlaveMasters map[string]string       // 从节点 -> 主节点（派生）
	Epoch        uint64                  // 每次成功变更递增
	changed      func(*FSM)
}

// NodeInfo 节点对外服务地址以及 raft 通信地址
type NodeInfo struct {
	ID       string
	Addr     string
	RaftAddr string
}

// 主节点及其从节点列表
type MasterSlave struct {
	MasterID string
	Slaves   []string
}

// 初始化集群的种子节点
type InitTask struct {
	Leader NodeInfo
}

// 一个新节点加入集群（主或者从）
type JoinTask struct {
	Node   NodeInfo
	Master string // 主节点 ID，为空表示作为主节点加入
}

// 槽位归属变更：ADDSLOTSRANGE / SETSLOT NODE / 迁移完成
type SlotTask struct {
	TaskID string `json:",omitempty"`
	NodeID string
	Source string `json:",omitempty"` // 迁移完成时槽位必须仍属于 Source
	Ranges string
}

// 一次主节点切换
type FailoverTask struct {
	OldMasterID string
	NewMasterID string
}

const (
	EventSeedStart   = iota + 1 // 初始化集群
	EventJoin                   // 新节点加入
	EventAssignSlots            // 分配空闲槽位
	EventAsmTakeover            // 槽位迁移完成，目标节点接管
	EventSetSlot                // 强制设置槽位归属
	EventFailover               // 从节点提升为主节点
	EventForget                 // 移除节点
)

// Raft 日志条目
type LogEntry struct {
	Event        int           `json:"event"`
	InitTask     *InitTask     `json:"init_task,omitempty"`
	JoinTask     *JoinTask     `json:"join_task,omitempty"`
	SlotTask     *SlotTask     `json:"slot_task,omitempty"`
	FailoverTask *FailoverTask `json:"failover_task,omitempty"`
	ForgetNode   string        `json:"forget_node,omitempty"`
}

func (e *LogEntry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func NewFSM() *FSM {
	return &FSM{
		Nodes:        make(map[string]*NodeInfo),
		Node2Slot:    make(map[string][]uint32),
		Slot2Node:    make(map[uint32]string),
		MasterSlaves: make(map[string]*MasterSlave),
		SlaveMasters: make(map[string]string),
	}
}

// Apply 在 Raft 日志被多数节点提交后调用，返回值为 error 或 nil
func (fsm *FSM) Apply(log *raft.Log) interface{} {
	entry := &LogEntry{}
	if err := json.Unmarshal(log.Data, entry); err != nil {
		panic(err)
	}
	fsm.mu.Lock()
	err := fsm.apply(entry)
	if err == nil {
		fsm.Epoch++
	}
	fsm.mu.Unlock()

	if err != nil {
		logger.Warnf("raft event %d rejected: %v", entry.Event, err)
		return err
	}
	if fsm.changed != nil {
		fsm.changed(fsm)
	}
	return nil
}

func (fsm *FSM) apply(entry *LogEntry) error {
	switch entry.Event {
	case EventSeedStart:
		leader := entry.InitTask.Leader
		fsm.Nodes[leader.ID] = &leader
		return fsm.addNode(leader.ID, "")

	case EventJoin:
		task := entry.JoinTask
		node := task.Node
		fsm.Nodes[node.ID] = &node
		return fsm.addNode(node.ID, task.Master)

	case EventAssignSlots:
		task := entry.SlotTask
		list, err := fsm.checkSlotTask(task)
		if err != nil {
			return err
		}
		for _, slot := range list {
			if owner, ok := fsm.Slot2Node[slot]; ok && owner != task.NodeID {
				return fmt.Errorf("Slot %d is already busy", slot)
			}
		}
		fsm.addSlots(task.NodeID, list)

	case EventAsmTakeover:
		task := entry.SlotTask
		list, err := fsm.checkSlotTask(task)
		if err != nil {
			return err
		}
		for _, slot := range list {
			owner := fsm.Slot2Node[slot]
			if owner != task.Source && owner != task.NodeID {
				return fmt.Errorf("slot %d is not owned by %s", slot, task.Source)
			}
		}
		fsm.removeSlots(task.Source, list)
		fsm.addSlots(task.NodeID, list)

	case EventSetSlot:
		task := entry.SlotTask
		list, err := fsm.checkSlotTask(task)
		if err != nil {
			return err
		}
		for _, slot := range list {
			if owner, ok := fsm.Slot2Node[slot]; ok {
				fsm.removeSlots(owner, []uint32{slot})
			}
		}
		fsm.addSlots(task.NodeID, list)

	case EventFailover:
		task := entry.FailoverTask
		if fsm.SlaveMasters[task.NewMasterID] != task.OldMasterID {
			return fmt.Errorf("node %s is not a replica of %s", task.NewMasterID, task.OldMasterID)
		}
		fsm.failover(task.OldMasterID, task.NewMasterID)
		list := append([]uint32(nil), fsm.Node2Slot[task.OldMasterID]...)
		fsm.removeSlots(task.OldMasterID, list)
		fsm.addSlots(task.NewMasterID, list)

	case EventForget:
		return fsm.removeNode(entry.ForgetNode)

	default:
		return fmt.Errorf("unknown event %d", entry.Event)
	}
	return nil
}

func (fsm *FSM) checkSlotTask(task *SlotTask) ([]uint32, error) {
	if task == nil {
		return nil, fmt.Errorf("missing slot task")
	}
	if _, ok := fsm.Nodes[task.NodeID]; !ok {
		return nil, fmt.Errorf("Unknown node %s", task.NodeID)
	}
	sra := slots.FromString(task.Ranges)
	if sra == nil {
		return nil, fmt.Errorf("invalid slot ranges: %s", task.Ranges)
	}
	list := make([]uint32, 0, sra.Count())
	sra.ForEach(func(slot int) bool {
		list = append(list, uint32(slot))
		return true
	})
	return list, nil
}

// 某一时刻 FSM 的快照，只保存核心成员
type FSMSnapshot struct {
	Nodes        map[string]*NodeInfo
	Slot2Node    map[uint32]string
	MasterSlaves map[string]*MasterSlave
	Epoch        uint64
}

// Persist 以 msgpack 编码写入快照
func (snapshot *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	err := codec.NewEncoder(sink, &codec.MsgpackHandle{}).Encode(snapshot)
	if err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (snapshot *FSMSnapshot) Release() {}

func (fsm *FSM) Snapshot() (raft.FSMSnapshot, error) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()

	nodes := make(map[string]*NodeInfo, len(fsm.Nodes))
	for k, v := range fsm.Nodes {
		info := *v
		nodes[k] = &info
	}
	slot2Node := make(map[uint32]string, len(fsm.Slot2Node))
	for k, v := range fsm.Slot2Node {
		slot2Node[k] = v
	}
	masterSlaves := make(map[string]*MasterSlave, len(fsm.MasterSlaves))
	for k, v := range fsm.MasterSlaves {
		masterSlaves[k] = &MasterSlave{
			MasterID: v.MasterID,
			Slaves:   append([]string(nil), v.Slaves...),
		}
	}
	return &FSMSnapshot{
		Nodes:        nodes,
		Slot2Node:    slot2Node,
		MasterSlaves: masterSlaves,
		Epoch:        fsm.Epoch,
	}, nil
}

// Restore 从快照恢复状态并重建派生字段
func (fsm *FSM) Restore(src io.ReadCloser) error {
	defer src.Close()
	snapshot := &FSMSnapshot{}
	if err := codec.NewDecoder(src, &codec.MsgpackHandle{}).Decode(snapshot); err != nil {
		return err
	}
	fsm.mu.Lock()
	fsm.Nodes = snapshot.Nodes
	if fsm.Nodes == nil {
		fsm.Nodes = make(map[string]*NodeInfo)
	}
	fsm.Slot2Node = snapshot.Slot2Node
	if fsm.Slot2Node == nil {
		fsm.Slot2Node = make(map[uint32]string)
	}
	fsm.MasterSlaves = snapshot.MasterSlaves
	if fsm.MasterSlaves == nil {
		fsm.MasterSlaves = make(map[string]*MasterSlave)
	}
	fsm.Epoch = snapshot.Epoch
	fsm.Node2Slot = make(map[string][]uint32)
	for slot, node := range fsm.Slot2Node {
		fsm.Node2Slot[node] = append(fsm.Node2Slot[node], slot)
	}
	for _, list := range fsm.Node2Slot {
		sortSlots(list)
	}
	fsm.SlaveMasters = make(map[string]string)
	for master, ms := range fsm.MasterSlaves {
		for _, slave := range ms.Slaves {
			fsm.SlaveMasters[slave] = master
		}
	}
	fsm.mu.Unlock()

	if fsm.changed != nil {
		fsm.changed(fsm)
	}
	return nil
}
