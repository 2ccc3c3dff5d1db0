package asm

import (
	"errors"

	"asmredis/lib/logger"
	"asmredis/lib/utils"
)

// notifyReplicas 导入任务的状态变化同步给副本
func (m *Manager) notifyReplicas(task *Task) {
	if task.Operation != OpImport {
		return
	}
	m.host.PropagateToReplicas(utils.ToCmdLine("CLUSTER", "SYNCSLOTS", "CONF", "ASM-TASK", task.Serialize()))
}

// DumpActiveImportTask 新副本全量同步时发送的任务信息，没有导入任务时为空
func (m *Manager) DumpActiveImportTask() string {
	task := m.current()
	if task == nil || task.Operation != OpImport {
		return ""
	}
	return task.Serialize()
}

// MasterTask 副本记录的主节点导入任务
func (m *Manager) MasterTask() *Task {
	return m.masterTask
}

// ReplicaHandleMasterTask 副本收到主节点的任务状态，每个事件只通知一次
func (m *Manager) ReplicaHandleMasterTask(data string) error {
	if data == "" {
		task := m.masterTask
		if task == nil {
			return nil
		}
		if !task.finished() {
			// 主节点已经没有任务，根据槽位归属推断结果
			master := m.host.MyMaster()
			owned := true
			task.Slots.ForEach(func(slot int) bool {
				if m.host.SlotOwner(slot) != master {
					owned = false
					return false
				}
				return true
			})
			if owned {
				task.State = StateCompleted
			} else {
				task.State = StateFailed
			}
			m.notifyStateChange(task, task.StateToEvent())
		}
		m.masterTask = nil
		return nil
	}

	task, err := Deserialize(data)
	if err != nil {
		return err
	}
	if task.Operation != OpImport {
		return errors.New("only import task is expected")
	}
	prev := m.masterTask
	m.masterTask = task
	if prev == nil {
		if !task.finished() {
			m.notifyStateChange(task, task.StateToEvent())
		}
		return nil
	}
	if prev.ID != task.ID || prev.StateToEvent() != task.StateToEvent() {
		m.notifyStateChange(task, task.StateToEvent())
	}
	return nil
}

// FinalizeMasterTask 副本被提升为主节点时结束旧主节点的任务
func (m *Manager) FinalizeMasterTask() {
	task := m.masterTask
	if task == nil {
		return
	}
	if !task.finished() {
		logger.Infof("Import task %s from old master failed: slots=%s", task.ID, task.Slots.String())
		task.State = StateFailed
		m.notifyStateChange(task, EventImportFailed)
	}
	if m.host.IsMaster() && task.State == StateFailed {
		m.TrimSlotsIfNotOwned(task.Slots)
	}
	m.masterTask = nil
}
