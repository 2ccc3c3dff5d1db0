package core

import (
	"context"
	"strings"
	"time"

	"asmredis/cluster/slots"
	"asmredis/database"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/utils"
	"asmredis/myredis/client"
	"asmredis/myredis/connection"
	"asmredis/parser"
	"asmredis/protocol"
)

// masterLink 从节点到主节点的复制连接
//
// 握手：AUTH internal connection <secret>，REPLCONF LISTEN <myid>，
// 之后主节点先发送全量数据，再持续发送传播的写命令
type masterLink struct {
	id      string
	addr    string
	stream  *client.Stream
	conn    myredis.Connection // 执行主节点命令使用的内部连接
	pending int                // 握手阶段尚未收到的回复数
}

func newMasterClient() myredis.Connection {
	c := connection.NewInternalConn()
	c.SetMaster()
	return c
}

// connectMaster 异步连接主节点，失败时由 replicationCron 重试
func (cluster *Cluster) connectMaster() {
	id := cluster.following
	addr := cluster.NodeAddr(id)
	if addr == "" {
		logger.Warnf("address of master %s is unknown", id)
		return
	}
	link := &masterLink{id: id, addr: addr}
	cluster.master = link
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), peerWait)
		defer cancel()
		s, err := client.Dial(ctx, addr)
		cluster.Post(func() { cluster.onMasterConnected(link, s, err) })
	}()
}

func (cluster *Cluster) onMasterConnected(link *masterLink, s *client.Stream, err error) {
	if cluster.master != link {
		if s != nil {
			_ = s.Close()
		}
		return
	}
	if err != nil {
		logger.Warnf("connect to master %s failed: %v", link.addr, err)
		cluster.master = nil
		return
	}
	link.stream = s
	link.conn = newMasterClient()
	link.pending = 2
	s.Start(func(p *parser.Payload) {
		cluster.Post(func() { cluster.onMasterPayload(link, p) })
	})
	_ = s.Send(utils.ToCmdLine("AUTH", internalAuthUser, cluster.props.InternalSecret)...)
	_ = s.Send(utils.ToCmdLine("REPLCONF", "LISTEN", cluster.self)...)
}

func (cluster *Cluster) onMasterPayload(link *masterLink, p *parser.Payload) {
	if cluster.master != link {
		return
	}
	if p.Err != nil {
		logger.Warnf("replication link to %s broken: %v", link.addr, p.Err)
		cluster.stopReplication()
		return
	}
	link.stream.Touch()
	if r, ok := p.Data.(*protocol.MultiBulkReply); ok {
		if len(r.Args) > 0 {
			cluster.applyFromMaster(r.Args)
		}
		return
	}
	if err := protocol.Try2ErrorReply(p.Data); err != nil {
		logger.Warnf("master %s refused replication: %v", link.addr, err)
		cluster.stopReplication()
		return
	}
	if link.pending > 0 {
		link.pending--
		if link.pending == 0 {
			logger.Infof("replication link to master %s established", link.id)
		}
	}
}

// stopReplication 关闭到主节点的连接
func (cluster *Cluster) stopReplication() {
	link := cluster.master
	if link == nil {
		return
	}
	cluster.master = nil
	if link.stream != nil {
		_ = link.stream.Close()
	}
}

// replicationCron 每秒执行：从节点检查复制连接，主节点向从节点发送心跳
func (cluster *Cluster) replicationCron() {
	if cluster.following == "" {
		if len(cluster.replicas) > 0 && !cluster.ReplicasPaused() {
			cluster.PropagateToReplicas(utils.ToCmdLine("PING"))
		}
		return
	}
	link := cluster.master
	if link == nil {
		cluster.connectMaster()
		return
	}
	timeout := cluster.props.ReplTimeoutDuration()
	if link.stream != nil && timeout > 0 && time.Since(link.stream.LastInteraction()) > timeout {
		logger.Warnf("replication link to %s timed out", link.addr)
		cluster.stopReplication()
	}
}

// applyFromMaster 执行主节点传播的命令，涉及清理中的槽位时挂起，之后的命令保持顺序
func (cluster *Cluster) applyFromMaster(args CmdLine) {
	if len(cluster.blockedMaster) > 0 || cluster.masterBlocked(args) {
		if len(cluster.blockedMaster) == 0 {
			logger.Info("master client blocked until active trim completes")
		}
		cluster.blockedMaster = append(cluster.blockedMaster, args)
		return
	}
	cluster.execFromMaster(args)
}

func (cluster *Cluster) execFromMaster(args CmdLine) {
	reply := cluster.Exec(cluster.master.conn, args)
	if reply != nil && protocol.IsErrorReply(reply) {
		logger.Warnf("error applying command '%s' from master: %s",
			string(args[0]), strings.TrimSpace(string(reply.ToBytes())))
	}
}

func (cluster *Cluster) masterBlocked(args CmdLine) bool {
	info, ok := database.LookupCommand(args)
	if !ok || len(info.Keys) == 0 {
		return false
	}
	return cluster.trim.TrimmingSlotForKeys(info.Keys) >= 0
}

// UnblockMaster 清理完成后回放挂起的主节点命令
func (cluster *Cluster) UnblockMaster() {
	if len(cluster.blockedMaster) == 0 {
		return
	}
	blocked := cluster.blockedMaster
	cluster.blockedMaster = nil
	if cluster.master == nil || cluster.master.conn == nil {
		return
	}
	logger.Info("unblocking master client after active trim")
	for i, args := range blocked {
		if cluster.masterBlocked(args) {
			cluster.blockedMaster = append(cluster.blockedMaster, blocked[i:]...)
			return
		}
		cluster.execFromMaster(args)
	}
}

// execReplConf REPLCONF LISTEN <node-id>，从节点注册到主节点
func execReplConf(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	if len(args) < 2 {
		return protocol.MakeArgNumErrReply("replconf")
	}
	switch strings.ToLower(string(args[1])) {
	case "listen":
		if len(args) != 3 {
			return protocol.MakeArgNumErrReply("replconf")
		}
		if !c.IsInternal() {
			return protocol.MakeErrReply("ERR REPLCONF LISTEN is only allowed for internal clients")
		}
		if !cluster.IsMaster() {
			return protocol.MakeErrReply("ERR replica can not serve replicas")
		}
		c.SetSlave()
		c.SetNodeID(string(args[2]))
		_, _ = c.Write(protocol.MakeOkReply().ToBytes())
		cluster.fullSync(c)
		cluster.replicas[c.ID()] = c
		return protocol.MakeNoReply()
	case "ack":
		return protocol.MakeNoReply()
	}
	return protocol.MakeSyntaxErrReply()
}

// fullSync 把全部数据以命令形式发给新的从节点
func (cluster *Cluster) fullSync(c myredis.Connection) {
	write := func(args CmdLine) {
		_, _ = c.Write(protocol.MakeMultiBulkReply(args).ToBytes())
	}
	write(utils.ToCmdLine("FLUSHALL"))
	if cluster.db.FunctionCount() > 0 {
		if payload, err := cluster.db.DumpFunctions(); err == nil {
			write(utils.ToCmdLine3("FUNCTION", []byte("RESTORE"), payload, []byte("REPLACE")))
		}
	}
	keys := 0
	if list := cluster.db.SlotsWithKeys(); len(list) > 0 {
		for _, snap := range cluster.db.SnapshotSlots(slots.FromSlots(list)) {
			for _, entry := range snap.Entries {
				for _, cmd := range database.EntityToCmds(entry) {
					write(cmd)
				}
				keys++
			}
		}
	}
	if dump := cluster.asm.DumpActiveImportTask(); dump != "" {
		write(utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "ASM-TASK", dump))
	}
	logger.Infof("full sync to replica %s finished, %d keys", c.GetNodeID(), keys)
}
