package core

import (
	"asmredis/cluster/raft"
	"asmredis/lib/logger"
)

// onTopology raft 提交了新的拓扑，在事件循环中生效
func (cluster *Cluster) onTopology(t *raft.Topology) {
	prev := cluster.topo
	if t.Epoch < prev.Epoch {
		return
	}
	cluster.topo = t

	for id := range prev.Nodes {
		if _, ok := t.Nodes[id]; !ok {
			logger.Infof("node %s removed from cluster", id)
			cluster.asm.CancelByNode(id, "node removed from cluster")
		}
	}
	// 归属已经落定的槽位不再需要旧式标记
	for slot := range cluster.importing {
		if t.Owner(slot) == cluster.self {
			delete(cluster.importing, slot)
		}
	}
	for slot := range cluster.migrating {
		if t.Owner(slot) != cluster.self {
			delete(cluster.migrating, slot)
		}
	}

	cluster.syncRole()
	cluster.asm.OnTopologyChanged()
	// 等待路由结果变化的挂起命令
	cluster.releaseParked()
}

// syncRole 按拓扑调整复制关系
func (cluster *Cluster) syncRole() {
	master := cluster.MyMaster()
	if master == cluster.following {
		return
	}
	old := cluster.following
	cluster.following = master
	if master == "" {
		logger.Infof("promoted to master, previous master %s", old)
		cluster.stopReplication()
		cluster.blockedMaster = nil
		cluster.asm.FinalizeMasterTask()
		return
	}
	if old == "" {
		logger.Infof("turning into a replica of %s", master)
		cluster.asm.Cancel("", "node turned into a replica")
		cluster.trim.CancelAll()
		for id, c := range cluster.replicas {
			c.CloseAsync()
			delete(cluster.replicas, id)
		}
	} else {
		logger.Infof("switching master from %s to %s", old, master)
	}
	cluster.stopReplication()
	cluster.connectMaster()
}
