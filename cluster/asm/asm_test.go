package asm

import (
	"errors"
	"strings"
	"testing"
	"time"

	"asmredis/cluster/slots"
	"asmredis/cluster/trim"
	"asmredis/database"
	dbface "asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/protocol"
)

var (
	nodeA = strings.Repeat("a", slots.NodeIDLen)
	nodeB = strings.Repeat("b", slots.NodeIDLen)
	nodeC = strings.Repeat("c", slots.NodeIDLen)
)

type fakeHost struct {
	me       string
	master   string
	isMaster bool
	owners   map[int]string
	masters  map[string]bool
	legacy   bool
	paused   bool
	prepErr  error

	keySlots   map[string]int
	keys       map[int]int
	snapshot   *Snapshot
	applied    [][][]byte
	propagated [][][]byte
	events     []Event
	posted     chan func()
}

func newFakeHost(me string) *fakeHost {
	h := &fakeHost{
		me:       me,
		isMaster: true,
		owners:   map[int]string{},
		masters:  map[string]bool{nodeA: true, nodeB: true, nodeC: true},
		keySlots: map[string]int{},
		keys:     map[int]int{},
		snapshot: &Snapshot{},
		posted:   make(chan func(), 128),
	}
	return h
}

func (h *fakeHost) own(start, end int, node string) {
	for s := start; s <= end; s++ {
		h.owners[s] = node
	}
}

func (h *fakeHost) MyID() string                 { return h.me }
func (h *fakeHost) IsMaster() bool               { return h.isMaster }
func (h *fakeHost) MyMaster() string             { return h.master }
func (h *fakeHost) SlotOwner(slot int) string    { return h.owners[slot] }
func (h *fakeHost) NodeAddr(id string) string    { return "127.0.0.1:1" }
func (h *fakeHost) NodeExists(id string) bool    { return h.masters[id] }
func (h *fakeHost) IsMasterNode(id string) bool  { return h.masters[id] }
func (h *fakeHost) HasLegacyMarkers() bool       { return h.legacy }
func (h *fakeHost) WritesPaused() bool           { return h.paused }
func (h *fakeHost) InternalSecret() string       { return "secret" }
func (h *fakeHost) Post(fn func())               { h.posted <- fn }
func (h *fakeHost) CountKeysInSlot(slot int) int { return h.keys[slot] }
func (h *fakeHost) DeleteKeysInSlot(slot int) int {
	n := h.keys[slot]
	delete(h.keys, slot)
	return n
}
func (h *fakeHost) PropagateToReplicas(cmdLine [][]byte) {
	h.propagated = append(h.propagated, cmdLine)
}
func (h *fakeHost) Snapshot(sra *slots.SlotRangeArray) *Snapshot { return h.snapshot }

func (h *fakeHost) Apply(c myredis.Connection, cmdLine [][]byte) myredis.Reply {
	h.applied = append(h.applied, cmdLine)
	return protocol.MakeOkReply()
}

func (h *fakeHost) CommandSlot(cmdLine [][]byte) int {
	if len(cmdLine) < 2 {
		return SlotNoKeys
	}
	slot := h.keySlots[string(cmdLine[1])]
	if strings.EqualFold(string(cmdLine[0]), "mset") && len(cmdLine) >= 4 {
		if h.keySlots[string(cmdLine[3])] != slot {
			return SlotCrossSlot
		}
	}
	return slot
}

func (h *fakeHost) OnTaskEvent(info TaskInfo, event Event) error {
	h.events = append(h.events, event)
	if event == EventImportPrep || event == EventMigratePrep {
		return h.prepErr
	}
	return nil
}

// runUntil 模拟事件循环执行投递的回调
func (h *fakeHost) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case fn := <-h.posted:
			fn()
		case <-deadline:
			t.Fatal("condition not reached")
		}
	}
}

func (h *fakeHost) hasEvent(e Event) bool {
	for _, ev := range h.events {
		if ev == e {
			return true
		}
	}
	return false
}

type fakeTrimmer struct {
	scheduled []*slots.SlotRangeArray
	overlap   bool
	method    trim.Method
}

func (f *fakeTrimmer) Schedule(sra *slots.SlotRangeArray) { f.scheduled = append(f.scheduled, sra.Dup()) }
func (f *fakeTrimmer) ProcessPending()                    {}
func (f *fakeTrimmer) IsSlotInTrimJob(slot int) bool {
	for _, sra := range f.scheduled {
		if sra.Contains(slot) {
			return true
		}
	}
	return false
}
func (f *fakeTrimmer) AnyJobOverlaps(sra *slots.SlotRangeArray) bool { return f.overlap }
func (f *fakeTrimmer) SetMethod(method trim.Method, delay int) trim.Method {
	prev := f.method
	f.method = method
	return prev
}
func (f *fakeTrimmer) Stats() trim.Stats { return trim.Stats{} }

type recordingObserver struct {
	events []Event
	pre    [][][]byte
}

func (o *recordingObserver) OnTaskEvent(info TaskInfo, event Event) error {
	o.events = append(o.events, event)
	return nil
}

func (o *recordingObserver) PreSnapshotCommands(info TaskInfo) [][][]byte { return o.pre }

func newTestManager(h *fakeHost) (*Manager, *fakeTrimmer) {
	tr := &fakeTrimmer{}
	m := NewManager(h, tr, Config{
		HandoffMaxLagBytes:     64,
		WritePauseTimeout:      time.Second,
		SyncBufferDrainTimeout: time.Minute,
		ReplTimeout:            time.Minute,
		MaxArchivedTasks:       4,
	})
	return m, tr
}

var errNotReady = errors.New("not ready")

func sampleSnapshot() *Snapshot {
	expire := time.Now().Add(time.Hour)
	return &Snapshot{
		Functions: []byte("fn-payload"),
		Slots: []dbface.SlotSnapshot{
			{
				Slot:    5,
				Expires: 1,
				Entries: []dbface.SlotEntry{
					{Key: "k1", Entity: &dbface.DataEntity{Data: []byte("v1")}, ExpireAt: &expire},
					{Key: "list", Entity: &dbface.DataEntity{Data: &database.List{Values: [][]byte{[]byte("x")}}}},
				},
			},
		},
	}
}
