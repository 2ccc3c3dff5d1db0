package raft

import (
	"bytes"
	"io"
	"testing"
	"time"

	"asmredis/lib/utils"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyEntry(t *testing.T, fsm *FSM, entry *LogEntry) interface{} {
	t.Helper()
	data, err := entry.Marshal()
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: data})
}

func seededFSM(t *testing.T) (*FSM, string, string) {
	fsm := NewFSM()
	a, b := utils.RandHex(40), utils.RandHex(40)
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventSeedStart,
		InitTask: &InitTask{Leader: NodeInfo{ID: a, Addr: "127.0.0.1:7001"}}}))
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventJoin,
		JoinTask: &JoinTask{Node: NodeInfo{ID: b, Addr: "127.0.0.1:7002"}}}))
	return fsm, a, b
}

func TestFSMAssignAndTakeover(t *testing.T) {
	fsm, a, b := seededFSM(t)
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventAssignSlots,
		SlotTask: &SlotTask{NodeID: a, Ranges: "0-8191"}}))
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventAssignSlots,
		SlotTask: &SlotTask{NodeID: b, Ranges: "8192-16383"}}))

	res := applyEntry(t, fsm, &LogEntry{Event: EventAssignSlots,
		SlotTask: &SlotTask{NodeID: b, Ranges: "100-100"}})
	require.Error(t, res.(error))

	view := fsm.View()
	assert.True(t, view.FullCoverage())
	assert.Equal(t, "0-8191", view.SlotsOf(a).String())

	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventAsmTakeover,
		SlotTask: &SlotTask{NodeID: b, Source: a, Ranges: "100-199"}}))
	view = fsm.View()
	assert.Equal(t, b, view.Owner(150))
	assert.Equal(t, "0-99 200-8191", view.SlotsOf(a).String())

	// 槽位已不属于 source
	res = applyEntry(t, fsm, &LogEntry{Event: EventAsmTakeover,
		SlotTask: &SlotTask{NodeID: a, Source: a, Ranges: "150-150"}})
	_, isErr := res.(error)
	assert.True(t, isErr)
}

func TestFSMFailover(t *testing.T) {
	fsm, a, _ := seededFSM(t)
	replica := utils.RandHex(40)
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventJoin,
		JoinTask: &JoinTask{Node: NodeInfo{ID: replica, Addr: "127.0.0.1:7003"}, Master: a}}))
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventAssignSlots,
		SlotTask: &SlotTask{NodeID: a, Ranges: "0-99"}}))
	view := fsm.View()
	assert.False(t, view.IsMaster(replica))
	assert.Equal(t, a, view.MasterOf(replica))

	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventFailover,
		FailoverTask: &FailoverTask{OldMasterID: a, NewMasterID: replica}}))
	view = fsm.View()
	assert.True(t, view.IsMaster(replica))
	assert.Equal(t, replica, view.MasterOf(a))
	assert.Equal(t, "0-99", view.SlotsOf(replica).String())
}

func TestFSMForget(t *testing.T) {
	fsm, a, b := seededFSM(t)
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventAssignSlots,
		SlotTask: &SlotTask{NodeID: a, Ranges: "0-10"}}))
	_, isErr := applyEntry(t, fsm, &LogEntry{Event: EventForget, ForgetNode: a}).(error)
	assert.True(t, isErr)
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventForget, ForgetNode: b}))
	_, known := fsm.View().Nodes[b]
	assert.False(t, known)
}

type memSink struct {
	bytes.Buffer
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { return nil }
func (s *memSink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	fsm, a, b := seededFSM(t)
	require.Nil(t, applyEntry(t, fsm, &LogEntry{Event: EventAssignSlots,
		SlotTask: &SlotTask{NodeID: a, Ranges: "0-5 10-20"}}))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))

	restored := NewFSM()
	changed := 0
	restored.changed = func(*FSM) { changed++ }
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))
	assert.Equal(t, 1, changed)

	view := restored.View()
	assert.Equal(t, fsm.View().Epoch, view.Epoch)
	assert.Equal(t, "0-5 10-20", view.SlotsOf(a).String())
	assert.Equal(t, "127.0.0.1:7002", view.Addr(b))
	assert.True(t, view.IsMaster(b))
}

func TestInmemCluster(t *testing.T) {
	conf := func(id string) *raft.Config {
		c := raft.DefaultConfig()
		c.LocalID = raft.ServerID(id)
		c.HeartbeatTimeout = 50 * time.Millisecond
		c.ElectionTimeout = 50 * time.Millisecond
		c.LeaderLeaseTimeout = 50 * time.Millisecond
		c.CommitTimeout = 5 * time.Millisecond
		return c
	}
	id := utils.RandHex(40)
	addr, trans := raft.NewInmemTransport("")
	store := raft.NewInmemStore()
	node, err := NewNode(&RaftConfig{NodeID: id, RedisAdvertiseAddr: "127.0.0.1:7001", RaftListenAddr: string(addr)},
		conf(id), store, store, raft.NewInmemSnapshotStore(), trans)
	require.NoError(t, err)
	defer node.Close()

	views := make(chan *Topology, 8)
	node.Watch(func(t *Topology) { views <- t }, nil)
	require.NoError(t, node.BootstrapCluster())
	require.True(t, node.IsLeader())
	require.NoError(t, node.Propose(&LogEntry{Event: EventAssignSlots,
		SlotTask: &SlotTask{NodeID: id, Ranges: "0-16383"}}))
	assert.Equal(t, "127.0.0.1:7001", node.LeaderAddr())

	var last *Topology
	for len(views) > 0 {
		last = <-views
	}
	require.NotNil(t, last)
	assert.True(t, last.FullCoverage())
}
