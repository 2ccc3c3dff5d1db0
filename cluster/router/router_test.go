package router

import (
	"strconv"
	"testing"

	"asmredis/cluster/slots"
	"asmredis/protocol/assert"
)

type fakeView struct {
	me        string
	master    string
	owners    map[int]string
	importing map[int]string
	migrating map[int]string
	down      bool
	readsDown bool
	keys      map[string]bool
}

func newFakeView() *fakeView {
	return &fakeView{
		me:        "A",
		owners:    map[int]string{},
		importing: map[int]string{},
		migrating: map[int]string{},
		keys:      map[string]bool{},
	}
}

func (v *fakeView) MyID() string                  { return v.me }
func (v *fakeView) MyMaster() string              { return v.master }
func (v *fakeView) SlotOwner(slot int) string     { return v.owners[slot] }
func (v *fakeView) NodeAddr(id string) string     { return id + ":6379" }
func (v *fakeView) ImportingFrom(slot int) string { return v.importing[slot] }
func (v *fakeView) MigratingTo(slot int) string   { return v.migrating[slot] }
func (v *fakeView) ClusterOK() bool               { return !v.down }
func (v *fakeView) ReadsWhenDown() bool           { return v.readsDown }
func (v *fakeView) KeyExists(key string) bool     { return v.keys[key] }

func TestLocalAndMoved(t *testing.T) {
	v := newFakeView()
	foo := slots.KeySlot("foo")
	v.owners[foo] = "A"
	if r := GetNodeByQuery(v, Query{Keys: []string{"foo"}}); r.Code != Local {
		t.Fatalf("expected local, got %d", r.Code)
	}
	v.owners[foo] = "B"
	r := GetNodeByQuery(v, Query{Keys: []string{"foo"}})
	assert.AssertErrReply(t, r.Reply(v), "MOVED 12182 B:6379")

	// 没有 key 的命令
	if r := GetNodeByQuery(v, Query{}); r.Code != Local {
		t.Error("keyless command should be local")
	}
}

func TestCrossSlotAndUnbound(t *testing.T) {
	v := newFakeView()
	r := GetNodeByQuery(v, Query{Keys: []string{"foo"}})
	assert.AssertErrReply(t, r.Reply(v), "CLUSTERDOWN Hash slot not served")

	v.owners[slots.KeySlot("foo")] = "A"
	v.owners[slots.KeySlot("bar")] = "A"
	r = GetNodeByQuery(v, Query{Keys: []string{"foo", "bar"}})
	assert.AssertErrReply(t, r.Reply(v), "CROSSSLOT Keys in request don't hash to the same slot")

	r = GetNodeByQuery(v, Query{Keys: []string{"{foo}1", "{foo}2"}})
	if r.Code != Local {
		t.Error("hash tag keys should share the slot")
	}
}

func TestClusterDown(t *testing.T) {
	v := newFakeView()
	v.owners[slots.KeySlot("foo")] = "A"
	v.down = true
	r := GetNodeByQuery(v, Query{Keys: []string{"foo"}})
	assert.AssertErrReply(t, r.Reply(v), "CLUSTERDOWN The cluster is down")

	v.readsDown = true
	if r := GetNodeByQuery(v, Query{Keys: []string{"foo"}}); r.Code != Local {
		t.Error("read should be served when reads-when-down is on")
	}
	r = GetNodeByQuery(v, Query{Keys: []string{"foo"}, Write: true})
	assert.AssertErrReply(t, r.Reply(v), "CLUSTERDOWN The cluster is down and only accepts read commands")
}

func TestLegacyMigrating(t *testing.T) {
	v := newFakeView()
	slot := slots.KeySlot("{t}a")
	v.owners[slot] = "A"
	v.migrating[slot] = "B"
	v.keys["{t}a"] = true

	if r := GetNodeByQuery(v, Query{Keys: []string{"{t}a"}}); r.Code != Local {
		t.Error("existing key should be served by the migrating node")
	}
	r := GetNodeByQuery(v, Query{Keys: []string{"{t}b"}})
	assert.AssertErrReply(t, r.Reply(v), "ASK "+strconv.Itoa(slot)+" B:6379")

	r = GetNodeByQuery(v, Query{Keys: []string{"{t}a", "{t}b"}})
	assert.AssertErrReply(t, r.Reply(v), "TRYAGAIN Multiple keys request during rehashing of slot")
}

func TestLegacyImporting(t *testing.T) {
	v := newFakeView()
	slot := slots.KeySlot("{t}a")
	v.owners[slot] = "B"
	v.importing[slot] = "B"
	v.keys["{t}a"] = true

	if r := GetNodeByQuery(v, Query{Keys: []string{"{t}a"}}); r.Code != Moved {
		t.Error("without ASKING the importing node redirects")
	}
	if r := GetNodeByQuery(v, Query{Keys: []string{"{t}a"}, Asking: true}); r.Code != Local {
		t.Error("ASKING should be served locally")
	}
	r := GetNodeByQuery(v, Query{Keys: []string{"{t}a", "{t}b"}, Asking: true})
	if r.Code != TryAgain {
		t.Error("multi key with missing keys should try again")
	}
}

// ASM 任务不设置旧式标记，迁移过程中路由始终指向源节点
func TestMidTaskResolvesToSource(t *testing.T) {
	v := newFakeView()
	for s := 100; s <= 199; s++ {
		v.owners[s] = "B"
	}
	key := keyInSlotRange(100, 199)
	r := GetNodeByQuery(v, Query{Keys: []string{key}, Asking: true})
	if r.Code != Moved || r.NodeID != "B" {
		t.Errorf("expected MOVED to the source, got %+v", r)
	}
}

func TestReadOnlyReplica(t *testing.T) {
	v := newFakeView()
	v.master = "B"
	v.owners[slots.KeySlot("foo")] = "B"
	if r := GetNodeByQuery(v, Query{Keys: []string{"foo"}, ReadOnly: true}); r.Code != Local {
		t.Error("readonly replica should serve reads")
	}
	if r := GetNodeByQuery(v, Query{Keys: []string{"foo"}, ReadOnly: true, Write: true}); r.Code != Moved {
		t.Error("writes are redirected to the master")
	}
}

func keyInSlotRange(start, end int) string {
	for i := 0; ; i++ {
		key := "key:" + strconv.Itoa(i)
		if s := slots.KeySlot(key); s >= start && s <= end {
			return key
		}
	}
}
