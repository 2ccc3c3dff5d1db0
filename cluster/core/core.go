// Package core 把存储、拓扑、槽位迁移和清理组装成一个集群节点。
//
// 每个节点只有一个事件循环协程，下面这些状态都只在其中修改：
//   - 槽位视图和旧式 SETSLOT 标记
//   - 存储
//   - 迁移管理器和清理引擎
//   - 写暂停
//
// 客户端连接、peer 通道、快照编码、raft 回调等其他协程只能通过 Post 把闭包投递进来。
// 每处理完一批事件执行一次 BeforeSleep，另有一个 hz 频率的定时器驱动 Cron。
package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"asmredis/cluster/asm"
	"asmredis/cluster/raft"
	"asmredis/cluster/slots"
	"asmredis/cluster/trim"
	"asmredis/config"
	"asmredis/database"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/utils"
)

type CmdLine = [][]byte

type Cluster struct {
	props *config.ServerProperties
	self  string
	raft  *raft.Node
	peers *peerFactory

	db   *database.DB
	asm  *asm.Manager
	trim *trim.Engine

	// 事件队列
	mu        sync.Mutex
	queue     []func()
	notify    chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	started   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once

	// 以下只在事件循环中访问
	topo      *raft.Topology
	importing map[int]string
	migrating map[int]string
	pause     pauseState
	clients   map[uint64]myredis.Connection
	replicas  map[uint64]myredis.Connection
	tracking  int

	// 复制：跟随的主节点以及因清理而挂起的主节点命令
	following     string
	master        *masterLink
	blockedMaster []CmdLine

	startTime time.Time
	cronLoops uint64
}

// MakeCluster 使用已经创建的 raft 节点组装集群节点，调用 Start 后开始工作
func MakeCluster(props *config.ServerProperties, node *raft.Node) *Cluster {
	cluster := &Cluster{
		props:     props,
		self:      node.Self(),
		raft:      node,
		peers:     newPeerFactory(props.InternalSecret),
		db:        database.MakeDB(),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		topo:      node.FSM.View(),
		importing: make(map[int]string),
		migrating: make(map[int]string),
		clients:   make(map[uint64]myredis.Connection),
		replicas:  make(map[uint64]myredis.Connection),
		startTime: time.Now(),
	}
	cluster.trim = trim.NewEngine(cluster.db, cluster, cluster)
	cluster.trim.SetAllowAccessTrimmed(props.AllowAccessTrimmed)
	cluster.asm = asm.NewManager(cluster, cluster.trim, asm.Config{
		HandoffMaxLagBytes:     props.HandoffMaxLagBytes,
		WritePauseTimeout:      props.WritePauseTimeout(),
		SyncBufferDrainTimeout: time.Duration(props.SyncBufferDrainTimeout) * time.Millisecond,
		ReplTimeout:            props.ReplTimeoutDuration(),
		MaxArchivedTasks:       props.MaxArchivedTasks,
	})
	cluster.db.SetPropagate(cluster.propagate)
	cluster.db.SetTrimHook(cluster.trim.DelIfNeeded)
	node.Watch(func(t *raft.Topology) {
		cluster.Post(func() { cluster.onTopology(t) })
	}, nil)
	return cluster
}

// Setup 按配置启动 raft 节点并创建集群节点
func Setup(props *config.ServerProperties) (*Cluster, error) {
	id, err := loadNodeID(props)
	if err != nil {
		return nil, err
	}
	node, err := raft.StartNode(&raft.RaftConfig{
		NodeID:             id,
		RedisAdvertiseAddr: props.AnnounceAddr(),
		RaftListenAddr:     props.RaftListen,
		Dir:                props.Dir,
		LogLevel:           props.LogLevel,
	})
	if err != nil {
		return nil, err
	}
	return MakeCluster(props, node), nil
}

// loadNodeID 配置中没有节点 ID 时读取 dir 下保存的 ID，都没有则生成新的
func loadNodeID(props *config.ServerProperties) (string, error) {
	if props.NodeID != "" {
		if !utils.IsHexID(props.NodeID, slots.NodeIDLen) {
			return "", errInvalidNodeID
		}
		return props.NodeID, nil
	}
	file := filepath.Join(props.Dir, "node.id")
	if data, err := os.ReadFile(file); err == nil {
		id := strings.TrimSpace(string(data))
		if utils.IsHexID(id, slots.NodeIDLen) {
			return id, nil
		}
	}
	id := utils.RandHex(slots.NodeIDLen)
	if err := os.MkdirAll(props.Dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(file, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}
	return id, nil
}

// Start 启动事件循环，并按配置初始化集群或加入已有集群
func (cluster *Cluster) Start() error {
	if cluster.started.CompareAndSwap(false, true) {
		go cluster.loop()
	}
	props := cluster.props
	switch {
	case props.ClusterBootstrap:
		if err := cluster.raft.BootstrapCluster(); err != nil {
			return err
		}
	case props.ClusterSeed != "":
		if err := cluster.Join(props.ClusterSeed, props.ReplicaOf); err != nil {
			return err
		}
	}
	cluster.Post(cluster.syncRole)
	return nil
}

// ******************** Event Loop ********************

// Post 投递到事件循环，可在任意协程调用，包括事件循环自身
func (cluster *Cluster) Post(fn func()) {
	cluster.mu.Lock()
	cluster.queue = append(cluster.queue, fn)
	cluster.mu.Unlock()
	select {
	case cluster.notify <- struct{}{}:
	default:
	}
}

// call 在事件循环中执行 fn 并等待完成，节点关闭时返回 false
func (cluster *Cluster) call(fn func()) bool {
	done := make(chan struct{})
	cluster.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-cluster.stopped:
		return false
	}
}

func (cluster *Cluster) loop() {
	defer close(cluster.stopped)
	ticker := time.NewTicker(time.Second / time.Duration(cluster.Hz()))
	defer ticker.Stop()
	for {
		select {
		case <-cluster.notify:
			cluster.processEvents()
		case <-ticker.C:
			cluster.cron()
		case <-cluster.done:
			return
		}
		cluster.beforeSleep()
	}
}

// processEvents 每轮只处理一批，新投递的事件留到下一轮，保证 BeforeSleep 能及时执行
func (cluster *Cluster) processEvents() {
	cluster.mu.Lock()
	batch := cluster.queue
	cluster.queue = nil
	cluster.mu.Unlock()
	for _, fn := range batch {
		cluster.safeRun(fn)
	}
}

func (cluster *Cluster) safeRun(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			logger.Errorf("event loop panic: %v", err)
		}
	}()
	fn()
}

func (cluster *Cluster) beforeSleep() {
	cluster.asm.BeforeSleep()
	cluster.checkPauseExpired()
}

func (cluster *Cluster) cron() {
	cluster.cronLoops++
	cluster.asm.Cron()
	cluster.trim.Cycle()
	cluster.checkPauseExpired()
	if cluster.IsMaster() {
		cluster.db.ActiveExpire(20)
	}
	// 每秒检查一次复制连接
	if cluster.cronLoops%uint64(cluster.Hz()) == 0 {
		cluster.replicationCron()
	}
}

// Close 停止事件循环，关闭所有连接、raft 节点以及 peer 连接池
func (cluster *Cluster) Close() error {
	var err error
	cluster.closeOnce.Do(func() {
		cluster.closing.Store(true)
		if cluster.started.Load() {
			cluster.call(func() {
				cluster.asm.Cancel("", "server shutdown")
				cluster.stopReplication()
				for _, c := range cluster.clients {
					c.CloseAsync()
				}
			})
			close(cluster.done)
			<-cluster.stopped
		}
		_ = cluster.peers.Close()
		err = cluster.raft.Close()
		cluster.db.Close()
		logger.Info("cluster node closed")
	})
	return err
}

// Self 本节点 ID
func (cluster *Cluster) Self() string {
	return cluster.self
}

var errInvalidNodeID = errors.New("invalid cluster-node-id, expect 40 hex characters")
