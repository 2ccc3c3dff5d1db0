package core

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"asmredis/cluster/slots"
	"asmredis/interface/myredis"
	"asmredis/protocol"
)

// execCluster CLUSTER 子命令中在事件循环执行的部分，需要 raft 提议的子命令见 raft_cmd.go
func execCluster(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	if len(args) < 2 {
		return protocol.MakeArgNumErrReply("cluster")
	}
	switch strings.ToLower(string(args[1])) {
	case "myid":
		return protocol.MakeBulkReply([]byte(cluster.self))
	case "keyslot":
		if len(args) != 3 {
			return protocol.MakeArgNumErrReply("cluster|keyslot")
		}
		return protocol.MakeIntReply(int64(slots.KeySlot(string(args[2]))))
	case "countkeysinslot":
		if len(args) != 3 {
			return protocol.MakeArgNumErrReply("cluster|countkeysinslot")
		}
		slot, errReply := slotArg(args[2])
		if errReply != nil {
			return errReply
		}
		return protocol.MakeIntReply(int64(cluster.db.CountKeysInSlot(slot)))
	case "getkeysinslot":
		return clusterGetKeysInSlot(cluster, args)
	case "info":
		return protocol.MakeBulkReply([]byte(cluster.clusterInfo()))
	case "nodes":
		return protocol.MakeBulkReply([]byte(cluster.clusterNodes()))
	case "slots":
		return cluster.clusterSlots()
	case "setslot":
		return clusterSetSlot(cluster, args)
	case "migration":
		return cluster.asm.Migration(args[1:])
	case "syncslots":
		return cluster.asm.SyncSlots(c, args)
	}
	return protocol.MakeErrReplyf("unknown subcommand '%s'", string(args[1]))
}

func clusterGetKeysInSlot(cluster *Cluster, args CmdLine) myredis.Reply {
	if len(args) != 4 {
		return protocol.MakeArgNumErrReply("cluster|getkeysinslot")
	}
	slot, errReply := slotArg(args[2])
	if errReply != nil {
		return errReply
	}
	count, err := strconv.Atoi(string(args[3]))
	if err != nil || count < 0 {
		return protocol.MakeErrReply("ERR Invalid number of keys")
	}
	keys := cluster.db.GetKeysInSlot(slot, count)
	result := make([][]byte, len(keys))
	for i, key := range keys {
		result[i] = []byte(key)
	}
	return protocol.MakeMultiBulkReply(result)
}

// clusterSetSlot CLUSTER SETSLOT <slot> IMPORTING|MIGRATING <node> | STABLE，只修改本节点的标记
func clusterSetSlot(cluster *Cluster, args CmdLine) myredis.Reply {
	if len(args) < 4 {
		return protocol.MakeArgNumErrReply("cluster|setslot")
	}
	if !cluster.IsMaster() {
		return protocol.MakeErrReply("ERR Please use SETSLOT only with masters.")
	}
	slot, errReply := slotArg(args[2])
	if errReply != nil {
		return errReply
	}
	action := strings.ToLower(string(args[3]))
	var nodeID string
	if action == "importing" || action == "migrating" {
		if len(args) != 5 {
			return protocol.MakeSyntaxErrReply()
		}
		nodeID = string(args[4])
		if !cluster.NodeExists(nodeID) {
			return protocol.MakeErrReplyf("I don't know about node %s", nodeID)
		}
		if nodeID == cluster.self {
			return protocol.MakeErrReplyf("I'm the node %s", nodeID)
		}
	}
	switch action {
	case "importing":
		if cluster.SlotOwner(slot) == cluster.self {
			return protocol.MakeErrReplyf("I'm already the owner of hash slot %d", slot)
		}
		cluster.cancelSlotTask(slot, "slot marked as importing")
		cluster.importing[slot] = nodeID
	case "migrating":
		if cluster.SlotOwner(slot) != cluster.self {
			return protocol.MakeErrReplyf("I'm not the owner of hash slot %d", slot)
		}
		cluster.cancelSlotTask(slot, "slot marked as migrating")
		cluster.migrating[slot] = nodeID
	case "stable":
		delete(cluster.importing, slot)
		delete(cluster.migrating, slot)
	default:
		return protocol.MakeErrReply("ERR Invalid CLUSTER SETSLOT action or number of arguments. Try CLUSTER HELP")
	}
	return protocol.MakeOkReply()
}

// cancelSlotTask 手动修改槽位状态时取消涉及该槽位的迁移任务
func (cluster *Cluster) cancelSlotTask(slot int, reason string) {
	if cluster.asm.IsSlotInTask(slot) {
		cluster.asm.CancelBySlot(slot, reason)
	}
}

func (cluster *Cluster) clusterInfo() string {
	t := cluster.topo
	assigned := 0
	for _, owner := range t.Owners {
		if owner != "" {
			assigned++
		}
	}
	size := 0
	for id := range t.Nodes {
		if t.IsMaster(id) && t.SlotsOf(id).Len() > 0 {
			size++
		}
	}
	state := "ok"
	if !cluster.ClusterOK() {
		state = "fail"
	}
	var b strings.Builder
	b.WriteString("cluster_enabled:1\r\n")
	b.WriteString("cluster_state:" + state + "\r\n")
	b.WriteString("cluster_slots_assigned:" + strconv.Itoa(assigned) + "\r\n")
	b.WriteString("cluster_known_nodes:" + strconv.Itoa(len(t.Nodes)) + "\r\n")
	b.WriteString("cluster_size:" + strconv.Itoa(size) + "\r\n")
	b.WriteString("cluster_current_epoch:" + strconv.FormatUint(t.Epoch, 10) + "\r\n")
	b.WriteString("cluster_raft_state:" + strings.ToLower(cluster.raft.State().String()) + "\r\n")
	b.WriteString("cluster_raft_leader:" + cluster.raft.LeaderID() + "\r\n")
	b.WriteString(cluster.asm.InfoString())
	return b.String()
}

func (cluster *Cluster) sortedNodeIDs() []string {
	ids := make([]string, 0, len(cluster.topo.Nodes))
	for id := range cluster.topo.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// clusterNodes 每行：<id> <addr>@<raft> <flags> <master> 0 0 <epoch> connected <slots...>
func (cluster *Cluster) clusterNodes() string {
	t := cluster.topo
	var b strings.Builder
	for _, id := range cluster.sortedNodeIDs() {
		info := t.Nodes[id]
		var flags []string
		if id == cluster.self {
			flags = append(flags, "myself")
		}
		master := t.MasterOf(id)
		if master == "" {
			flags = append(flags, "master")
			master = "-"
		} else {
			flags = append(flags, "slave")
		}
		b.WriteString(id + " " + info.Addr + "@" + info.RaftAddr + " " + strings.Join(flags, ",") + " " + master)
		b.WriteString(" 0 0 " + strconv.FormatUint(t.Epoch, 10) + " connected")
		if master == "-" {
			for _, r := range t.SlotsOf(id).Ranges {
				if r.Start == r.End {
					b.WriteString(" " + strconv.Itoa(r.Start))
				} else {
					b.WriteString(" " + strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End))
				}
			}
		}
		if id == cluster.self {
			for slot, to := range cluster.migrating {
				b.WriteString(" [" + strconv.Itoa(slot) + "->-" + to + "]")
			}
			for slot, from := range cluster.importing {
				b.WriteString(" [" + strconv.Itoa(slot) + "-<-" + from + "]")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// clusterSlots 每个槽位区间：start end [host port id] [replica...]
func (cluster *Cluster) clusterSlots() myredis.Reply {
	t := cluster.topo
	var replies []myredis.Reply
	for _, id := range cluster.sortedNodeIDs() {
		if !t.IsMaster(id) {
			continue
		}
		nodes := []myredis.Reply{nodeEntry(id, t.Addr(id))}
		for _, replica := range cluster.raft.GetSlaves(id) {
			nodes = append(nodes, nodeEntry(replica, t.Addr(replica)))
		}
		for _, r := range t.SlotsOf(id).Ranges {
			item := []myredis.Reply{
				protocol.MakeIntReply(int64(r.Start)),
				protocol.MakeIntReply(int64(r.End)),
			}
			item = append(item, nodes...)
			replies = append(replies, protocol.MakeMultiRawReply(item))
		}
	}
	if len(replies) == 0 {
		return protocol.MakeEmptyMultiBulkReply()
	}
	return protocol.MakeMultiRawReply(replies)
}

func nodeEntry(id, addr string) myredis.Reply {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host, portStr = addr, "0"
	}
	port, _ := strconv.Atoi(portStr)
	return protocol.MakeMultiRawReply([]myredis.Reply{
		protocol.MakeBulkReply([]byte(host)),
		protocol.MakeIntReply(int64(port)),
		protocol.MakeBulkReply([]byte(id)),
	})
}
