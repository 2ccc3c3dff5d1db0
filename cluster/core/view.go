package core

import (
	"asmredis/cluster/asm"
	"asmredis/cluster/slots"
	"asmredis/cluster/trim"
	"asmredis/database"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/protocol"
)

// 事件循环对外提供的节点视图，同时满足 router.View、asm.Host 和 trim.Host

// ******************** Topology ********************

func (cluster *Cluster) MyID() string { return cluster.self }

// MyMaster 本节点为从节点时返回主节点 ID
func (cluster *Cluster) MyMaster() string { return cluster.topo.MasterOf(cluster.self) }

// IsMaster 尚未加入集群的节点也按主节点处理
func (cluster *Cluster) IsMaster() bool { return cluster.MyMaster() == "" }

func (cluster *Cluster) SlotOwner(slot int) string   { return cluster.topo.Owner(slot) }
func (cluster *Cluster) NodeAddr(id string) string   { return cluster.topo.Addr(id) }
func (cluster *Cluster) IsMasterNode(id string) bool { return cluster.topo.IsMaster(id) }

func (cluster *Cluster) NodeExists(id string) bool {
	_, ok := cluster.topo.Nodes[id]
	return ok
}

func (cluster *Cluster) ImportingFrom(slot int) string { return cluster.importing[slot] }
func (cluster *Cluster) MigratingTo(slot int) string   { return cluster.migrating[slot] }

func (cluster *Cluster) HasLegacyMarkers() bool {
	return len(cluster.importing) > 0 || len(cluster.migrating) > 0
}

// ClusterOK 要求全覆盖时，所有槽位都分配后集群才可用
func (cluster *Cluster) ClusterOK() bool {
	if !cluster.props.RequireFullCoverage {
		return true
	}
	return cluster.topo.FullCoverage()
}

func (cluster *Cluster) ReadsWhenDown() bool { return cluster.props.AllowReadsWhenDown }

func (cluster *Cluster) KeyExists(key string) bool {
	_, ok := cluster.db.GetEntity(key)
	return ok
}

func (cluster *Cluster) InternalSecret() string { return cluster.props.InternalSecret }

func (cluster *Cluster) Hz() int {
	if cluster.props.Hz <= 0 {
		return 10
	}
	return cluster.props.Hz
}

// ******************** Storage ********************

// Apply 执行源节点发来的命令，c 带有 master 标志，不经过路由
func (cluster *Cluster) Apply(c myredis.Connection, cmdLine [][]byte) myredis.Reply {
	return cluster.Exec(c, cmdLine)
}

// CommandSlot 命令访问的槽位
func (cluster *Cluster) CommandSlot(cmdLine [][]byte) int {
	info, ok := database.LookupCommand(cmdLine)
	if !ok || len(info.Keys) == 0 {
		return asm.SlotNoKeys
	}
	slot := slots.KeySlot(info.Keys[0])
	for _, key := range info.Keys[1:] {
		if slots.KeySlot(key) != slot {
			return asm.SlotCrossSlot
		}
	}
	return slot
}

// Snapshot 拷贝槽位数据和函数库
func (cluster *Cluster) Snapshot(sra *slots.SlotRangeArray) *asm.Snapshot {
	snap := &asm.Snapshot{Slots: cluster.db.SnapshotSlots(sra)}
	if cluster.db.FunctionCount() > 0 {
		payload, err := cluster.db.DumpFunctions()
		if err != nil {
			logger.Warnf("dump functions failed: %v", err)
		} else {
			snap.Functions = payload
		}
	}
	return snap
}

func (cluster *Cluster) CountKeysInSlot(slot int) int {
	return cluster.db.CountKeysInSlot(slot)
}

func (cluster *Cluster) DeleteKeysInSlot(slot int) int {
	return cluster.db.DeleteKeysInSlots(slots.FromRange(slot, slot))
}

// ******************** Replication ********************

// PropagateToReplicas 只发给从节点，不喂给迁移连接
func (cluster *Cluster) PropagateToReplicas(cmdLine [][]byte) {
	if len(cluster.replicas) == 0 {
		return
	}
	b := protocol.MakeMultiBulkReply(cmdLine).ToBytes()
	for _, c := range cluster.replicas {
		_, _ = c.Write(b)
	}
}

func (cluster *Cluster) Propagate(cmdLine [][]byte) {
	cluster.PropagateToReplicas(cmdLine)
}

// propagate 写命令执行成功后由存储回调：复制给从节点，并转发给进行中的迁移
func (cluster *Cluster) propagate(cmdLine CmdLine) {
	if !cluster.IsMaster() {
		return
	}
	cluster.PropagateToReplicas(cmdLine)
	cluster.asm.FeedMigrationClient(cmdLine)
}

// ReplicasPaused CLIENT PAUSE ALL 同时暂停复制流
func (cluster *Cluster) ReplicasPaused() bool {
	return cluster.pause.active(cluster.now()) && cluster.pause.mode == pauseAll
}

func (cluster *Cluster) TrackingClients() int { return cluster.tracking }

// ******************** Trim ********************

func (cluster *Cluster) OnTrimEvent(event trim.Event, sra *slots.SlotRangeArray) {
	logger.Debugf("trim %s: slots=%s", event, sra.String())
}

// OnKeyTrimmed 通知开启了 tracking 的客户端 key 已失效
func (cluster *Cluster) OnKeyTrimmed(key string) {
	if cluster.tracking == 0 {
		return
	}
	b := invalidateMessage(key)
	for _, c := range cluster.clients {
		if c.IsTracking() {
			_, _ = c.Write(b)
		}
	}
}

func (cluster *Cluster) KeyTrimmedSubscribed() bool { return false }

// invalidateMessage RESP3 推送 >2 invalidate [key]
func invalidateMessage(key string) []byte {
	return []byte(">2" + protocol.CRLF +
		"$10" + protocol.CRLF + "invalidate" + protocol.CRLF +
		string(protocol.MakeMultiBulkReply([][]byte{[]byte(key)}).ToBytes()))
}
