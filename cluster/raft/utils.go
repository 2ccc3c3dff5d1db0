package raft

import "github.com/hashicorp/raft"

// 返回 raft 节点自身 ID
func (node *Node) Self() string {
	return node.Cfg.ID()
}

func (node *Node) State() raft.RaftState {
	return node.inner.State()
}

func (node *Node) IsLeader() bool {
	return node.inner.State() == raft.Leader
}

// LeaderID 当前 leader 的节点 ID，未知时为空
func (node *Node) LeaderID() string {
	_, id := node.inner.LeaderWithID()
	return string(id)
}

// LeaderAddr 当前 leader 的对外服务地址
func (node *Node) LeaderAddr() string {
	id := node.LeaderID()
	if id == "" {
		return ""
	}
	return node.FSM.View().Addr(id)
}

// GetSlaves 返回主节点的从节点列表拷贝
func (node *Node) GetSlaves(id string) []string {
	node.FSM.mu.RLock()
	defer node.FSM.mu.RUnlock()
	ms := node.FSM.MasterSlaves[id]
	if ms == nil {
		return nil
	}
	return append([]string(nil), ms.Slaves...)
}

// RaftAddr 本节点 raft 传输层地址
func (node *Node) RaftAddr() string {
	return string(node.transport.LocalAddr())
}
