package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"asmredis/cluster/raft"
	"asmredis/cluster/slots"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

const (
	joinAttempts       = 10
	joinRetryDelay     = time.Second
	takeoverAttempts   = 3
	takeoverRetryDelay = 200 * time.Millisecond
)

// isRaftCommand 需要等待 raft 提交的命令在连接协程中执行，不阻塞事件循环
func isRaftCommand(args CmdLine) bool {
	if len(args) < 2 || !strings.EqualFold(string(args[0]), "cluster") {
		return false
	}
	switch strings.ToLower(string(args[1])) {
	case "addslots", "addslotsrange", "failover", "forget", "join-request", "propose":
		return true
	case "setslot":
		return len(args) >= 4 && strings.EqualFold(string(args[3]), "node")
	}
	return false
}

// execRaftCommand 认证状态等连接属性只读取，不修改
func (cluster *Cluster) execRaftCommand(ctx context.Context, c myredis.Connection, args CmdLine) myredis.Reply {
	if !cluster.isAuthenticated(c) {
		return protocol.MakeErrReply("NOAUTH Authentication required.")
	}
	sub := strings.ToLower(string(args[1]))
	switch sub {
	case "addslots", "addslotsrange":
		return cluster.clusterAddSlots(sub, args)
	case "setslot":
		return cluster.clusterSetSlotNode(args)
	case "failover":
		return cluster.clusterFailover()
	case "forget":
		return cluster.clusterForget(args)
	case "join-request":
		if !c.IsInternal() {
			return protocol.MakeErrReply("ERR CLUSTER JOIN-REQUEST is only allowed for internal clients")
		}
		return cluster.handleJoin(args)
	case "propose":
		if !c.IsInternal() {
			return protocol.MakeErrReply("ERR CLUSTER PROPOSE is only allowed for internal clients")
		}
		if len(args) != 3 {
			return protocol.MakeArgNumErrReply("cluster|propose")
		}
		if err := cluster.raft.ProposeRaw(args[2]); err != nil {
			return protocol.MakeErrReply("ERR " + err.Error())
		}
		return protocol.MakeOkReply()
	}
	return protocol.MakeErrReplyf("unknown subcommand '%s'", sub)
}

// propose 提交日志，本节点不是 leader 时转发给 leader
func (cluster *Cluster) propose(entry *raft.LogEntry) error {
	err := cluster.raft.Propose(entry)
	if !errors.Is(err, raft.ErrNotLeader) {
		return err
	}
	leader := cluster.raft.LeaderAddr()
	if leader == "" {
		return errNoLeader
	}
	data, err := entry.Marshal()
	if err != nil {
		return err
	}
	reply := sendWithTimeout(cluster.peers, leader, utils.ToCmdLine3("CLUSTER", []byte("PROPOSE"), data))
	return protocol.Try2ErrorReply(reply)
}

func proposeReply(err error) myredis.Reply {
	if err != nil {
		return protocol.MakeErrReply("ERR " + strings.TrimPrefix(err.Error(), "ERR "))
	}
	return protocol.MakeOkReply()
}

// clusterAddSlots CLUSTER ADDSLOTS <slot>... | CLUSTER ADDSLOTSRANGE <start> <end>...
func (cluster *Cluster) clusterAddSlots(sub string, args CmdLine) myredis.Reply {
	if len(args) < 3 {
		return protocol.MakeArgNumErrReply("cluster|" + sub)
	}
	var sra *slots.SlotRangeArray
	if sub == "addslotsrange" {
		var err error
		if sra, err = slots.ParseRanges(args[2:]); err != nil {
			return protocol.MakeErrReply("ERR " + strings.TrimPrefix(err.Error(), "ERR "))
		}
	} else {
		list := make([]int, 0, len(args)-2)
		for _, arg := range args[2:] {
			slot, errReply := slotArg(arg)
			if errReply != nil {
				return errReply
			}
			list = append(list, slot)
		}
		sra = slots.FromSlots(list)
	}
	if view := cluster.raft.FSM.View(); view.MasterOf(cluster.self) != "" {
		return protocol.MakeErrReply("ERR Please use ADDSLOTS only with masters.")
	}
	return proposeReply(cluster.propose(&raft.LogEntry{
		Event:    raft.EventAssignSlots,
		SlotTask: &raft.SlotTask{NodeID: cluster.self, Ranges: sra.String()},
	}))
}

// clusterSetSlotNode CLUSTER SETSLOT <slot> NODE <node>，强制修改归属
func (cluster *Cluster) clusterSetSlotNode(args CmdLine) myredis.Reply {
	if len(args) != 5 {
		return protocol.MakeArgNumErrReply("cluster|setslot")
	}
	slot, errReply := slotArg(args[2])
	if errReply != nil {
		return errReply
	}
	nodeID := string(args[4])
	view := cluster.raft.FSM.View()
	if !view.IsMaster(nodeID) {
		return protocol.MakeErrReplyf("I don't know about node %s", nodeID)
	}
	err := cluster.propose(&raft.LogEntry{
		Event:    raft.EventSetSlot,
		SlotTask: &raft.SlotTask{NodeID: nodeID, Ranges: slots.FromRange(slot, slot).String()},
	})
	if err != nil {
		return proposeReply(err)
	}
	cluster.call(func() {
		delete(cluster.importing, slot)
		delete(cluster.migrating, slot)
	})
	return protocol.MakeOkReply()
}

// clusterFailover 在从节点上执行，提升为主节点
func (cluster *Cluster) clusterFailover() myredis.Reply {
	master := cluster.raft.FSM.View().MasterOf(cluster.self)
	if master == "" {
		return protocol.MakeErrReply("ERR You should send CLUSTER FAILOVER to a replica")
	}
	return proposeReply(cluster.propose(&raft.LogEntry{
		Event:        raft.EventFailover,
		FailoverTask: &raft.FailoverTask{OldMasterID: master, NewMasterID: cluster.self},
	}))
}

func (cluster *Cluster) clusterForget(args CmdLine) myredis.Reply {
	if len(args) != 3 {
		return protocol.MakeArgNumErrReply("cluster|forget")
	}
	nodeID := string(args[2])
	if nodeID == cluster.self {
		return protocol.MakeErrReply("ERR I tried hard but I can't forget myself...")
	}
	if _, ok := cluster.raft.FSM.View().Nodes[nodeID]; !ok {
		return protocol.MakeErrReplyf("Unknown node %s", nodeID)
	}
	if err := cluster.propose(&raft.LogEntry{Event: raft.EventForget, ForgetNode: nodeID}); err != nil {
		return proposeReply(err)
	}
	if cluster.raft.IsLeader() {
		if err := cluster.raft.RemovePeer(nodeID); err != nil {
			logger.Warnf("remove raft peer %s failed: %v", nodeID, err)
		}
	}
	return protocol.MakeOkReply()
}

// handleJoin CLUSTER JOIN-REQUEST <id> <addr> <raft-addr> [master]，由 leader 处理
func (cluster *Cluster) handleJoin(args CmdLine) myredis.Reply {
	if len(args) != 5 && len(args) != 6 {
		return protocol.MakeArgNumErrReply("cluster|join-request")
	}
	if !cluster.raft.IsLeader() {
		leader := cluster.raft.LeaderAddr()
		if leader == "" {
			return protocol.MakeErrReply("ERR " + errNoLeader.Error())
		}
		return sendWithTimeout(cluster.peers, leader, args)
	}
	node := raft.NodeInfo{ID: string(args[2]), Addr: string(args[3]), RaftAddr: string(args[4])}
	if !utils.IsHexID(node.ID, slots.NodeIDLen) {
		return protocol.MakeErrReplyf("Invalid node id %s", node.ID)
	}
	var master string
	if len(args) == 6 {
		master = string(args[5])
	}
	if err := cluster.raft.AddPeer(node.ID, node.RaftAddr); err != nil {
		return protocol.MakeErrReply("ERR " + err.Error())
	}
	logger.Infof("node %s (%s) joined raft group, master=%q", node.ID, node.Addr, master)
	return proposeReply(cluster.raft.Propose(&raft.LogEntry{
		Event:    raft.EventJoin,
		JoinTask: &raft.JoinTask{Node: node, Master: master},
	}))
}

// Join 向种子节点申请加入集群，replicaOf 不为空时作为其从节点
func (cluster *Cluster) Join(seed, replicaOf string) error {
	if _, ok := cluster.raft.FSM.View().Nodes[cluster.self]; ok {
		return nil
	}
	args := utils.ToCmdLine("CLUSTER", "JOIN-REQUEST", cluster.self,
		cluster.raft.Cfg.RedisAdvertiseAddr, cluster.raft.RaftAddr())
	if replicaOf != "" {
		args = append(args, []byte(replicaOf))
	}
	var err error
	for i := 0; i < joinAttempts; i++ {
		if err = protocol.Try2ErrorReply(sendWithTimeout(cluster.peers, seed, args)); err == nil {
			logger.Infof("joined cluster via %s", seed)
			return nil
		}
		logger.Warnf("join cluster via %s failed: %v", seed, err)
		if cluster.closing.Load() {
			break
		}
		time.Sleep(joinRetryDelay)
	}
	return err
}
