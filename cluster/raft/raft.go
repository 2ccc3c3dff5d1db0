package raft

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"asmredis/lib/logger"

	"github.com/boltdb/bolt"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const (
	applyTimeout   = 5 * time.Second
	leaderWaitTime = 10 * time.Second
)

var ErrNotLeader = errors.New("not leader")

type RaftConfig struct {
	NodeID             string // 节点 ID，同时作为 raft ServerID
	RedisAdvertiseAddr string // 对外服务地址
	RaftListenAddr     string // Raft 内部通信监听地址
	RaftAdvertiseAddr  string // Raft 广播地址，为空时使用监听地址
	Dir                string // 数据存储目录
	LogLevel           string
}

func (cfg *RaftConfig) ID() string {
	return cfg.NodeID
}

func (cfg *RaftConfig) advertise() string {
	if cfg.RaftAdvertiseAddr != "" {
		return cfg.RaftAdvertiseAddr
	}
	return cfg.RaftListenAddr
}

// Node 完整的 Raft 节点实例
type Node struct {
	Cfg           *RaftConfig
	FSM           *FSM
	inner         *raft.Raft
	logStore      raft.LogStore
	stableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
	transport     raft.Transport
	watcher       watcher
	closers       []func() error
}

// watcher 监听拓扑变化，本节点的主节点变化时回调
type watcher struct {
	currentMaster string
	onChanged     func(*Topology)
	onMaster      func(newMaster string)
}

func newRaftConfig(cfg *RaftConfig) *raft.Config {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: logger.Writer(logger.INFO),
	})
	return conf
}

// StartNode 使用 boltdb 日志存储、文件快照和 TCP 传输启动节点
func StartNode(cfg *RaftConfig) (*Node, error) {
	dir := filepath.Join(cfg.Dir, "raft")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	store, err := raftboltdb.New(raftboltdb.Options{
		Path:        filepath.Join(dir, "raft.db"),
		BoltOptions: &bolt.Options{Timeout: time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("open raft store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(dir, 2, logger.Writer(logger.INFO))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	addr, err := net.ResolveTCPAddr("tcp", cfg.advertise())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftListenAddr, addr, 3, 10*time.Second, logger.Writer(logger.INFO))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	node, err := NewNode(cfg, newRaftConfig(cfg), store, store, snapshots, transport)
	if err != nil {
		_ = transport.Close()
		_ = store.Close()
		return nil, err
	}
	node.closers = append(node.closers, transport.Close, store.Close)
	return node, nil
}

// NewNode 使用给定的存储和传输层创建节点，测试中传入内存实现
func NewNode(cfg *RaftConfig, conf *raft.Config, logs raft.LogStore, stable raft.StableStore,
	snapshots raft.SnapshotStore, transport raft.Transport) (*Node, error) {
	if conf == nil {
		conf = newRaftConfig(cfg)
	}
	node := &Node{
		Cfg:           cfg,
		FSM:           NewFSM(),
		logStore:      logs,
		stableStore:   stable,
		SnapshotStore: snapshots,
		transport:     transport,
	}
	node.FSM.changed = node.onFSMChanged
	inner, err := raft.NewRaft(conf, node.FSM, logs, stable, snapshots, transport)
	if err != nil {
		return nil, err
	}
	node.inner = inner
	return node, nil
}

func (node *Node) onFSMChanged(fsm *FSM) {
	view := fsm.View()
	master := view.MasterOf(node.Self())
	if master != node.watcher.currentMaster {
		node.watcher.currentMaster = master
		if node.watcher.onMaster != nil {
			node.watcher.onMaster(master)
		}
	}
	if node.watcher.onChanged != nil {
		node.watcher.onChanged(view)
	}
}

// Watch 注册拓扑变化回调，回调在 raft 的 FSM 协程中执行
func (node *Node) Watch(onChanged func(*Topology), onMaster func(newMaster string)) {
	node.watcher.onChanged = onChanged
	node.watcher.onMaster = onMaster
}

// BootstrapCluster 以本节点为唯一成员初始化集群，并提交种子事件
func (node *Node) BootstrapCluster() error {
	conf := raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(node.Cfg.NodeID),
			Address: node.transport.LocalAddr(),
		}},
	}
	if err := node.inner.BootstrapCluster(conf).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return err
	}
	if err := node.WaitLeader(leaderWaitTime); err != nil {
		return err
	}
	if _, ok := node.FSM.View().Nodes[node.Self()]; ok {
		return nil
	}
	return node.Propose(&LogEntry{
		Event: EventSeedStart,
		InitTask: &InitTask{Leader: NodeInfo{
			ID:       node.Cfg.NodeID,
			Addr:     node.Cfg.RedisAdvertiseAddr,
			RaftAddr: string(node.transport.LocalAddr()),
		}},
	})
}

// WaitLeader 等待集群选出 leader
func (node *Node) WaitLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := node.inner.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("wait leader timeout")
}

// Propose 提交一条日志，非 leader 返回 ErrNotLeader
func (node *Node) Propose(entry *LogEntry) error {
	if node.inner.State() != raft.Leader {
		return ErrNotLeader
	}
	data, err := entry.Marshal()
	if err != nil {
		return err
	}
	return node.ProposeRaw(data)
}

// ProposeRaw 提交已经编码好的日志
func (node *Node) ProposeRaw(data []byte) error {
	future := node.inner.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return ErrNotLeader
		}
		return err
	}
	if err, ok := future.Response().(error); ok {
		return err
	}
	return nil
}

// AddPeer 把新节点加入 raft 成员
func (node *Node) AddPeer(id, raftAddr string) error {
	if node.inner.State() != raft.Leader {
		return ErrNotLeader
	}
	return node.inner.AddVoter(raft.ServerID(id), raft.ServerAddress(raftAddr), 0, applyTimeout).Error()
}

// RemovePeer 从 raft 成员中移除节点
func (node *Node) RemovePeer(id string) error {
	if node.inner.State() != raft.Leader {
		return ErrNotLeader
	}
	return node.inner.RemoveServer(raft.ServerID(id), 0, applyTimeout).Error()
}

func (node *Node) Close() error {
	err := node.inner.Shutdown().Error()
	for _, closer := range node.closers {
		if e := closer(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
