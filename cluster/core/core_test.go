package core

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"asmredis/cluster/asm"
	"asmredis/cluster/raft"
	"asmredis/cluster/slots"
	"asmredis/config"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/myredis/connection"
	"asmredis/protocol"
	"asmredis/protocol/assert"
	"asmredis/tcp"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testNode struct {
	cluster  *Cluster
	id       string
	addr     string
	raftAddr hraft.ServerAddress
	trans    *hraft.InmemTransport
	conn     *connection.SimpleConn
}

func testRaftConf(id string) *hraft.Config {
	c := hraft.DefaultConfig()
	c.LocalID = hraft.ServerID(id)
	c.HeartbeatTimeout = 50 * time.Millisecond
	c.ElectionTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 50 * time.Millisecond
	c.CommitTimeout = 5 * time.Millisecond
	c.Logger = hclog.NewNullLogger()
	return c
}

// newTestNode 创建监听本地端口、使用内存 raft 的节点，尚未 Start
func newTestNode(t *testing.T, opts func(props *config.ServerProperties)) *testNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	props := config.Default()
	props.Bind = "127.0.0.1"
	props.Port = ln.Addr().(*net.TCPAddr).Port
	props.Dir = t.TempDir()
	props.Hz = 100
	props.InternalSecret = testSecret
	props.NodeID = utils.RandHex(slots.NodeIDLen)
	if opts != nil {
		opts(props)
	}

	raftAddr, trans := hraft.NewInmemTransport("")
	store := hraft.NewInmemStore()
	node, err := raft.NewNode(&raft.RaftConfig{
		NodeID:             props.NodeID,
		RedisAdvertiseAddr: ln.Addr().String(),
		RaftListenAddr:     string(raftAddr),
	}, testRaftConf(props.NodeID), store, store, hraft.NewInmemSnapshotStore(), trans)
	require.NoError(t, err)

	cluster := MakeCluster(props, node)
	go tcp.ListenAndServe(ln, cluster, nil, 0)
	t.Cleanup(func() {
		_ = cluster.Close()
		_ = ln.Close()
	})
	return &testNode{
		cluster:  cluster,
		id:       props.NodeID,
		addr:     ln.Addr().String(),
		raftAddr: raftAddr,
		trans:    trans,
		conn:     connection.NewSimpleConn(),
	}
}

// connectAll 连通所有节点的内存 raft 传输
func connectAll(nodes ...*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.trans.Connect(b.raftAddr, b.trans)
			}
		}
	}
}

func (n *testNode) exec(args ...string) myredis.Reply {
	return n.execWith(n.conn, args...)
}

func (n *testNode) execWith(c myredis.Connection, args ...string) myredis.Reply {
	var reply myredis.Reply
	n.cluster.call(func() { reply = n.cluster.Exec(c, utils.ToCmdLine(args...)) })
	return reply
}

func (n *testNode) execRaft(args ...string) myredis.Reply {
	return n.cluster.execRaftCommand(context.Background(), n.conn, utils.ToCmdLine(args...))
}

func (n *testNode) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var ok bool
		n.cluster.call(func() { ok = cond() })
		return ok
	}, 10*time.Second, 20*time.Millisecond, msg)
}

// bootstrapNode 初始化单节点集群并分配给定槽位
func bootstrapNode(t *testing.T, start, end int, opts func(props *config.ServerProperties)) *testNode {
	t.Helper()
	n := newTestNode(t, func(props *config.ServerProperties) {
		props.ClusterBootstrap = true
		if opts != nil {
			opts(props)
		}
	})
	require.NoError(t, n.cluster.Start())
	assert.AssertStatusReply(t, n.execRaft("CLUSTER", "ADDSLOTSRANGE", strconv.Itoa(start), strconv.Itoa(end)), "OK")
	n.eventually(t, func() bool { return n.cluster.SlotOwner(start) == n.id }, "slots not assigned")
	return n
}

func keysInSlotRange(start, end, count int) []string {
	var keys []string
	for i := 0; len(keys) < count; i++ {
		key := "key:" + strconv.Itoa(i)
		if s := slots.KeySlot(key); s >= start && s <= end {
			keys = append(keys, key)
		}
	}
	return keys
}

func TestIsRaftCommand(t *testing.T) {
	cases := map[string]bool{
		"CLUSTER ADDSLOTS 1":           true,
		"CLUSTER ADDSLOTSRANGE 1 2":    true,
		"CLUSTER SETSLOT 1 NODE abc":   true,
		"CLUSTER SETSLOT 1 STABLE":     false,
		"CLUSTER FAILOVER":             true,
		"CLUSTER INFO":                 false,
		"CLUSTER MIGRATION IMPORT 1 2": false,
		"GET foo":                      false,
		"cluster join-request a b c":   true,
	}
	for line, expected := range cases {
		if got := isRaftCommand(utils.ToCmdLine(strings.Fields(line)...)); got != expected {
			t.Errorf("isRaftCommand(%q) = %v, want %v", line, got, expected)
		}
	}
}

func TestPingSelectAndClusterInfo(t *testing.T) {
	n := bootstrapNode(t, 0, 16383, nil)
	assert.AssertStatusReply(t, n.exec("PING"), "PONG")
	assert.AssertBulkReply(t, n.exec("PING", "hi"), "hi")
	assert.AssertStatusReply(t, n.exec("SELECT", "0"), "OK")
	assert.AssertErrReply(t, n.exec("SELECT", "1"), "ERR SELECT is not allowed in cluster mode")

	assert.AssertBulkReply(t, n.exec("CLUSTER", "MYID"), n.id)
	assert.AssertIntReply(t, n.exec("CLUSTER", "KEYSLOT", "foo"), slots.KeySlot("foo"))

	info := string(n.exec("CLUSTER", "INFO").ToBytes())
	require.Contains(t, info, "cluster_state:ok")
	require.Contains(t, info, "cluster_slots_assigned:16384")

	nodes := string(n.exec("CLUSTER", "NODES").ToBytes())
	require.Contains(t, nodes, n.id+" "+n.addr)
	require.Contains(t, nodes, "myself,master")
	require.Contains(t, nodes, "0-16383")
}

func TestAuth(t *testing.T) {
	n := newTestNode(t, func(props *config.ServerProperties) {
		props.RequirePass = "pass"
	})
	require.NoError(t, n.cluster.Start())

	assert.AssertErrReply(t, n.exec("GET", "foo"), "NOAUTH Authentication required.")
	assert.AssertErrReply(t, n.execRaft("CLUSTER", "ADDSLOTS", "1"), "NOAUTH Authentication required.")
	assert.AssertErrReply(t, n.exec("AUTH", "wrong"), "WRONGPASS invalid username-password pair or user is disabled.")
	assert.AssertStatusReply(t, n.exec("AUTH", "pass"), "OK")
	assert.AssertStatusReply(t, n.exec("PING"), "PONG")

	internal := connection.NewSimpleConn()
	assert.AssertErrReply(t, n.execWith(internal, "AUTH", internalAuthUser, "bad"),
		"WRONGPASS invalid username-password pair or user is disabled.")
	assert.AssertStatusReply(t, n.execWith(internal, "AUTH", internalAuthUser, testSecret), "OK")
	require.True(t, internal.IsInternal())
}

func TestRoutingErrors(t *testing.T) {
	n := bootstrapNode(t, 0, 8191, func(props *config.ServerProperties) {
		props.RequireFullCoverage = false
	})
	owned := keysInSlotRange(0, 8191, 1)[0]
	unbound := keysInSlotRange(8192, 16383, 1)[0]

	assert.AssertStatusReply(t, n.exec("SET", owned, "v"), "OK")
	assert.AssertBulkReply(t, n.exec("GET", owned), "v")
	require.Equal(t, protocol.MakeClusterDownReply(protocol.ClusterDownUnbound).ToBytes(),
		n.exec("GET", unbound).ToBytes())

	// 主节点传播的命令不做路由检查
	assert.AssertStatusReply(t, n.execWith(newMasterClient(), "SET", unbound, "v"), "OK")
	n.eventually(t, func() bool { return n.cluster.KeyExists(unbound) }, "key not written")
}

func TestClientPauseParksWrites(t *testing.T) {
	n := bootstrapNode(t, 0, 16383, nil)
	assert.AssertStatusReply(t, n.exec("CLIENT", "PAUSE", "10000", "WRITE"), "OK")

	writer := connection.NewSimpleConn()
	write := newRequest(writer, utils.ToCmdLine("SET", "foo", "bar"))
	n.cluster.call(func() { n.cluster.serve(write) })
	select {
	case <-write.done:
		t.Fatal("write should be parked while clients are paused")
	default:
	}

	reader := connection.NewSimpleConn()
	read := newRequest(reader, utils.ToCmdLine("GET", "foo"))
	n.cluster.call(func() { n.cluster.serve(read) })
	select {
	case <-read.done:
	default:
		t.Fatal("read should not be parked by CLIENT PAUSE WRITE")
	}

	info := string(n.exec("INFO", "clients").ToBytes())
	require.Contains(t, info, "paused_reason:client-pause")
	require.Contains(t, info, "blocked_clients:1")

	assert.AssertStatusReply(t, n.exec("CLIENT", "UNPAUSE"), "OK")
	select {
	case <-write.done:
	case <-time.After(5 * time.Second):
		t.Fatal("parked write not released")
	}
	require.Equal(t, "+OK\r\n", string(writer.Bytes()))
	assert.AssertBulkReply(t, n.exec("GET", "foo"), "bar")
}

func TestTrimSlotsCommand(t *testing.T) {
	n := bootstrapNode(t, 0, 8191, func(props *config.ServerProperties) {
		props.RequireFullCoverage = false
	})
	assert.AssertErrReply(t, n.exec("TRIMSLOTS", "RANGES", "1"), "ERR wrong number of arguments for 'trimslots' command")
	assert.AssertErrReply(t, n.exec("TRIMSLOTS", "RANGES", "1", "100", "100"), "ERR the slot 100 is served by this node")

	keys := keysInSlotRange(9000, 9100, 5)
	master := newMasterClient()
	for _, key := range keys {
		assert.AssertStatusReply(t, n.execWith(master, "SET", key, "v"), "OK")
	}
	assert.AssertStatusReply(t, n.exec("TRIMSLOTS", "RANGES", "1", "9000", "9100"), "OK")
	n.eventually(t, func() bool {
		for _, key := range keys {
			if n.cluster.CountKeysInSlot(slots.KeySlot(key)) > 0 {
				return false
			}
		}
		return true
	}, "keys not trimmed")
}

// joinedPair a 拥有全部槽位，b 作为空的主节点加入
func joinedPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()
	a := newTestNode(t, func(props *config.ServerProperties) { props.ClusterBootstrap = true })
	b := newTestNode(t, func(props *config.ServerProperties) { props.ClusterSeed = a.addr })
	connectAll(a, b)

	require.NoError(t, a.cluster.Start())
	assert.AssertStatusReply(t, a.execRaft("CLUSTER", "ADDSLOTSRANGE", "0", "16383"), "OK")
	require.NoError(t, b.cluster.Start())
	b.eventually(t, func() bool {
		return b.cluster.SlotOwner(150) == a.id && b.cluster.NodeExists(b.id)
	}, "node b did not join")
	return a, b
}

func countKeys(n *testNode, start, end int) int {
	total := 0
	for slot := start; slot <= end; slot++ {
		total += n.cluster.CountKeysInSlot(slot)
	}
	return total
}

func TestAtomicSlotMigration(t *testing.T) {
	a, b := joinedPair(t)

	keys := keysInSlotRange(100, 199, 20)
	for _, key := range keys {
		assert.AssertStatusReply(t, a.exec("SET", key, "value:"+key), "OK")
	}
	// 迁移过程中持续写入的数据也要到达目标节点
	other := keysInSlotRange(100, 199, 21)[20]

	reply := b.exec("CLUSTER", "MIGRATION", "IMPORT", "100", "199")
	require.False(t, protocol.IsErrorReply(reply), string(reply.ToBytes()))
	assert.AssertStatusReply(t, a.exec("SET", other, "late"), "OK")

	b.eventually(t, func() bool { return b.cluster.SlotOwner(100) == b.id }, "slots not taken over")
	a.eventually(t, func() bool { return a.cluster.SlotOwner(199) == b.id }, "source did not see takeover")

	for _, key := range keys {
		assert.AssertBulkReply(t, b.exec("GET", key), "value:"+key)
		require.Equal(t, protocol.MakeMovedReply(slots.KeySlot(key), b.addr).ToBytes(),
			a.exec("GET", key).ToBytes())
	}
	assert.AssertBulkReply(t, b.exec("GET", other), "late")

	a.eventually(t, func() bool { return countKeys(a, 100, 199) == 0 }, "source did not trim migrated slots")

	status := string(b.exec("CLUSTER", "MIGRATION", "STATUS", "ALL").ToBytes())
	require.Contains(t, status, "completed")
}

func TestCanceledImportLeavesNoKeys(t *testing.T) {
	for _, method := range []string{"bg", "active"} {
		t.Run(method, func(t *testing.T) {
			a, b := joinedPair(t)
			keys := keysInSlotRange(100, 199, 50)
			for _, key := range keys {
				assert.AssertStatusReply(t, a.exec("SET", key, "v"), "OK")
			}
			// 源节点不进入交接，导入停在 wait-stream-eof
			assert.AssertStatusReply(t, a.exec("DEBUG", "ASM-FAILPOINT", "migrate-main-channel", "handoff-prep"), "OK")
			assert.AssertStatusReply(t, b.exec("DEBUG", "ASM-TRIM-METHOD", method), "OK")

			reply := b.exec("CLUSTER", "MIGRATION", "IMPORT", "100", "199")
			require.False(t, protocol.IsErrorReply(reply), string(reply.ToBytes()))
			b.eventually(t, func() bool {
				task := b.cluster.asm.Current()
				return task != nil && task.State == asm.StateWaitStreamEOF && countKeys(b, 100, 199) == len(keys)
			}, "snapshot not applied on importing node")

			assert.AssertIntReply(t, b.exec("CLUSTER", "MIGRATION", "CANCEL", "ALL"), 1)
			b.eventually(t, func() bool {
				return b.cluster.asm.Current() == nil && countKeys(b, 100, 199) == 0
			}, "imported keys not trimmed after cancel")

			var owner string
			var left int
			a.cluster.call(func() {
				owner = a.cluster.SlotOwner(150)
				left = countKeys(a, 100, 199)
			})
			require.Equal(t, a.id, owner)
			require.Equal(t, len(keys), left)
			b.cluster.call(func() { owner = b.cluster.SlotOwner(150) })
			require.Equal(t, a.id, owner)
		})
	}
}

func TestReplicaSyncAndFailover(t *testing.T) {
	a := newTestNode(t, func(props *config.ServerProperties) { props.ClusterBootstrap = true })
	masterID := a.id
	r := newTestNode(t, func(props *config.ServerProperties) {
		props.ClusterSeed = a.addr
		props.ReplicaOf = masterID
	})
	connectAll(a, r)

	require.NoError(t, a.cluster.Start())
	assert.AssertStatusReply(t, a.execRaft("CLUSTER", "ADDSLOTSRANGE", "0", "16383"), "OK")
	assert.AssertStatusReply(t, a.exec("SET", "before", "1"), "OK")

	require.NoError(t, r.cluster.Start())
	r.eventually(t, func() bool { return !r.cluster.IsMaster() }, "replica role not applied")
	r.eventually(t, func() bool { return r.cluster.KeyExists("before") }, "full sync not received")

	assert.AssertStatusReply(t, a.exec("SET", "after", "2"), "OK")
	r.eventually(t, func() bool { return r.cluster.KeyExists("after") }, "write not propagated")

	// 只读连接可以在从节点读取
	reader := connection.NewSimpleConn()
	assert.AssertStatusReply(t, r.execWith(reader, "READONLY"), "OK")
	assert.AssertBulkReply(t, r.execWith(reader, "GET", "after"), "2")
	require.Equal(t, protocol.MakeMovedReply(slots.KeySlot("after"), a.addr).ToBytes(),
		r.exec("GET", "after").ToBytes())

	assert.AssertStatusReply(t, r.execRaft("CLUSTER", "FAILOVER"), "OK")
	r.eventually(t, func() bool {
		return r.cluster.IsMaster() && r.cluster.SlotOwner(0) == r.id
	}, "failover not applied")
	a.eventually(t, func() bool { return !a.cluster.IsMaster() }, "old master not demoted")

	assert.AssertStatusReply(t, r.exec("SET", "promoted", "3"), "OK")
	a.eventually(t, func() bool { return a.cluster.KeyExists("promoted") }, "old master not following new master")
}
