// Package router 根据命令涉及的 key 决定由本节点执行、重定向还是拒绝
package router

import (
	"asmredis/cluster/slots"
	"asmredis/interface/myredis"
	"asmredis/protocol"
)

// View 路由所需的集群视图，由事件循环提供
type View interface {
	MyID() string
	// MyMaster 本节点为从节点时返回主节点 ID，否则为空
	MyMaster() string
	// SlotOwner 槽位归属，未分配时为空
	SlotOwner(slot int) string
	NodeAddr(id string) string
	// 旧式 SETSLOT 标记，ASM 任务不会设置
	ImportingFrom(slot int) string
	MigratingTo(slot int) string
	ClusterOK() bool
	ReadsWhenDown() bool
	KeyExists(key string) bool
}

// Query 一条待路由的命令
type Query struct {
	Keys     []string
	Write    bool
	Asking   bool // 客户端发送过 ASKING
	ReadOnly bool // 客户端处于 READONLY 模式
}

type Code int

const (
	Local Code = iota
	Moved
	Ask
	CrossSlot
	Unbound
	DownState
	DownRO
	TryAgain
)

type Result struct {
	Code   Code
	Slot   int
	NodeID string
}

// GetNodeByQuery 计算命令应由哪个节点处理
func GetNodeByQuery(view View, q Query) Result {
	myself := view.MyID()
	var (
		owner        string
		firstKey     string
		slot         = -1
		migrating    bool
		importing    bool
		multipleKeys bool
		missing      int
		existing     int
	)
	for i, key := range q.Keys {
		thisSlot := slots.KeySlot(key)
		if i == 0 {
			firstKey = key
			slot = thisSlot
			owner = view.SlotOwner(slot)
			if owner == "" {
				return Result{Code: Unbound, Slot: slot}
			}
			if owner == myself && view.MigratingTo(slot) != "" {
				migrating = true
			} else if view.ImportingFrom(slot) != "" {
				importing = true
			}
		} else {
			if thisSlot != slot {
				return Result{Code: CrossSlot, Slot: slot}
			}
			if importing && key != firstKey {
				multipleKeys = true
			}
		}
		if migrating || importing {
			if view.KeyExists(key) {
				existing++
			} else {
				missing++
			}
		}
	}

	// 没有 key 的命令总是本地执行
	if owner == "" {
		return Result{Code: Local, Slot: -1, NodeID: myself}
	}

	if !view.ClusterOK() {
		if !view.ReadsWhenDown() {
			return Result{Code: DownState, Slot: slot}
		}
		if q.Write {
			return Result{Code: DownRO, Slot: slot}
		}
	}

	if migrating && missing > 0 {
		if existing > 0 {
			return Result{Code: TryAgain, Slot: slot}
		}
		return Result{Code: Ask, Slot: slot, NodeID: view.MigratingTo(slot)}
	}

	if importing && q.Asking {
		if multipleKeys && missing > 0 {
			return Result{Code: TryAgain, Slot: slot}
		}
		return Result{Code: Local, Slot: slot, NodeID: myself}
	}

	if q.ReadOnly && !q.Write && view.MyMaster() != "" && view.MyMaster() == owner {
		return Result{Code: Local, Slot: slot, NodeID: myself}
	}

	if owner != myself {
		return Result{Code: Moved, Slot: slot, NodeID: owner}
	}
	return Result{Code: Local, Slot: slot, NodeID: myself}
}

// Reply 将路由结果转换为客户端可见的错误，本地执行时返回 nil
func (r Result) Reply(view View) myredis.Reply {
	switch r.Code {
	case Moved:
		return protocol.MakeMovedReply(r.Slot, view.NodeAddr(r.NodeID))
	case Ask:
		return protocol.MakeAskReply(r.Slot, view.NodeAddr(r.NodeID))
	case CrossSlot:
		return protocol.MakeCrossSlotReply()
	case Unbound:
		return protocol.MakeClusterDownReply(protocol.ClusterDownUnbound)
	case DownState:
		return protocol.MakeClusterDownReply(protocol.ClusterDownState)
	case DownRO:
		return protocol.MakeClusterDownReply(protocol.ClusterDownRO)
	case TryAgain:
		return protocol.MakeTryAgainReply()
	}
	return nil
}
