package raft

import (
	"errors"
	"fmt"
	"sort"

	"asmredis/cluster/slots"
)

// 给指定节点添加一批 slot，Node2Slot 保持有序
func (fsm *FSM) addSlots(nodeID string, list []uint32) {
	for _, slotID := range list {
		owned := fsm.Node2Slot[nodeID]
		index := sort.Search(len(owned), func(i int) bool {
			return owned[i] >= slotID
		})
		if !(index < len(owned) && owned[index] == slotID) {
			owned = append(owned, 0)
			copy(owned[index+1:], owned[index:])
			owned[index] = slotID
			fsm.Node2Slot[nodeID] = owned
		}
		fsm.Slot2Node[slotID] = nodeID
	}
}

// 从指定节点移除一批 slot
func (fsm *FSM) removeSlots(nodeID string, list []uint32) {
	for _, slotID := range list {
		owned := fsm.Node2Slot[nodeID]
		index := sort.Search(len(owned), func(i int) bool {
			return owned[i] >= slotID
		})
		if index < len(owned) && owned[index] == slotID {
			fsm.Node2Slot[nodeID] = append(owned[:index], owned[index+1:]...)
		}
		if fsm.Slot2Node[slotID] == nodeID {
			delete(fsm.Slot2Node, slotID)
		}
	}
	if len(fsm.Node2Slot[nodeID]) == 0 {
		delete(fsm.Node2Slot, nodeID)
	}
}

func sortSlots(list []uint32) {
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
}

// addNode 设置节点的主从关系，masterID 为空表示主节点
func (fsm *FSM) addNode(id, masterID string) error {
	if masterID == "" {
		if _, ok := fsm.MasterSlaves[id]; !ok {
			fsm.MasterSlaves[id] = &MasterSlave{MasterID: id}
		}
		return nil
	}
	master := fsm.MasterSlaves[masterID]
	if master == nil {
		return errors.New("master not found")
	}
	for _, slave := range master.Slaves {
		if slave == id {
			fsm.SlaveMasters[id] = masterID
			return nil
		}
	}
	master.Slaves = append(master.Slaves, id)
	fsm.SlaveMasters[id] = masterID
	return nil
}

// removeNode 移除一个不持有槽位的节点
func (fsm *FSM) removeNode(id string) error {
	if _, ok := fsm.Nodes[id]; !ok {
		return fmt.Errorf("Unknown node %s", id)
	}
	if len(fsm.Node2Slot[id]) > 0 {
		return fmt.Errorf("node %s still serves slots", id)
	}
	if ms, ok := fsm.MasterSlaves[id]; ok && len(ms.Slaves) > 0 {
		return fmt.Errorf("node %s still has replicas", id)
	}
	delete(fsm.MasterSlaves, id)
	if master, ok := fsm.SlaveMasters[id]; ok {
		if ms := fsm.MasterSlaves[master]; ms != nil {
			for i, slave := range ms.Slaves {
				if slave == id {
					ms.Slaves = append(ms.Slaves[:i], ms.Slaves[i+1:]...)
					break
				}
			}
		}
		delete(fsm.SlaveMasters, id)
	}
	delete(fsm.Nodes, id)
	return nil
}

// failover 将 oldMaster 的主从关系转移到 newMaster，旧主节点成为新主节点的从节点
func (fsm *FSM) failover(oldMasterID, newMasterID string) {
	oldSlaves := fsm.MasterSlaves[oldMasterID].Slaves
	newSlaves := make([]string, 0, len(oldSlaves))
	for _, slave := range oldSlaves {
		if slave != newMasterID {
			fsm.SlaveMasters[slave] = newMasterID
			newSlaves = append(newSlaves, slave)
		}
	}
	delete(fsm.MasterSlaves, oldMasterID)
	fsm.SlaveMasters[oldMasterID] = newMasterID
	newSlaves = append(newSlaves, oldMasterID)

	delete(fsm.SlaveMasters, newMasterID)
	fsm.MasterSlaves[newMasterID] = &MasterSlave{
		MasterID: newMasterID,
		Slaves:   newSlaves,
	}
}

// Topology 拓扑的只读拷贝，交给事件循环使用
type Topology struct {
	Epoch   uint64
	Owners  [slots.SlotCount]string // 槽位归属，空串表示未分配
	Nodes   map[string]NodeInfo
	Masters map[string]string // 从节点 -> 主节点
}

// View 生成当前状态的拓扑拷贝
func (fsm *FSM) View() *Topology {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	t := &Topology{
		Epoch:   fsm.Epoch,
		Nodes:   make(map[string]NodeInfo, len(fsm.Nodes)),
		Masters: make(map[string]string, len(fsm.SlaveMasters)),
	}
	for slot, node := range fsm.Slot2Node {
		t.Owners[slot] = node
	}
	for id, info := range fsm.Nodes {
		t.Nodes[id] = *info
	}
	for slave, master := range fsm.SlaveMasters {
		t.Masters[slave] = master
	}
	return t
}

func (t *Topology) Owner(slot int) string {
	if slot < 0 || slot >= slots.SlotCount {
		return ""
	}
	return t.Owners[slot]
}

// MasterOf 返回从节点的主节点，主节点返回空串
func (t *Topology) MasterOf(id string) string {
	return t.Masters[id]
}

func (t *Topology) IsMaster(id string) bool {
	_, known := t.Nodes[id]
	_, slave := t.Masters[id]
	return known && !slave
}

func (t *Topology) Addr(id string) string {
	return t.Nodes[id].Addr
}

// SlotsOf 返回节点持有的全部槽位
func (t *Topology) SlotsOf(id string) *slots.SlotRangeArray {
	sra := slots.New(0)
	for slot, owner := range t.Owners {
		if owner == id {
			sra = slots.Append(sra, slot)
		}
	}
	return sra
}

// FullCoverage 全部槽位都已分配
func (t *Topology) FullCoverage() bool {
	for _, owner := range t.Owners {
		if owner == "" {
			return false
		}
	}
	return true
}
