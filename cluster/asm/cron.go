package asm

import (
	"time"
)

// BeforeSleep 每批事件处理完之后调用
func (m *Manager) BeforeSleep() {
	m.trim.ProcessPending()

	task := m.current()
	if task == nil {
		return
	}
	if task.Operation == OpImport {
		switch task.State {
		case StateNone:
			m.startImport(task)
		case StateReadyToStream, StateStreamingBuf:
			m.streamBuffer(task)
		}
		return
	}

	if task.mig.crossSlot {
		m.cancelTask(task, "propagating cross slot command")
		return
	}
	switch task.State {
	case StateHandoff:
		if m.pauseTimedOut(task) {
			m.setFailed(task, "Server paused timeout")
			return
		}
		m.drain(task)
	case StateStreamEOF:
		if m.pauseTimedOut(task) {
			m.setFailed(task, "Server paused timeout")
		}
	}
}

func (m *Manager) pauseTimedOut(task *Task) bool {
	if task.PausedTime <= 0 || m.cfg.WritePauseTimeout <= 0 {
		return false
	}
	return m.now()-task.PausedTime >= m.cfg.WritePauseTimeout.Milliseconds()
}

// timedOut 连接超过 repl-timeout 没有交互
func (m *Manager) timedOut(last time.Time) bool {
	if m.cfg.ReplTimeout <= 0 {
		return false
	}
	return m.cfg.Now().Sub(last) > m.cfg.ReplTimeout
}

// Cron 按 hz 周期调用
func (m *Manager) Cron() {
	m.cronRuns++
	task := m.current()
	if task == nil {
		return
	}
	if task.Operation == OpImport {
		m.importCron(task)
	} else {
		m.migrateCron(task)
	}
}

func (m *Manager) importCron(task *Task) {
	imp := task.imp
	switch task.State {
	case StateFailed:
		if m.cronRuns%10 == 0 {
			task.reset()
			task.Retries++
			m.startImport(task)
		}
	case StateWaitStreamEOF:
		m.sendAck(task, StateWaitStreamEOF, imp.destOffset)
		if task.State == StateWaitStreamEOF && imp.main != nil && m.timedOut(imp.main.LastInteraction()) {
			m.setFailed(task, "Main channel - Connection timeout")
		}
	case StateAccumulateBuf:
		if task.rdbState == StateRDBChannelTransfer && imp.rdb != nil && m.timedOut(imp.rdb.LastInteraction()) {
			m.setFailed(task, "RDB channel - Connection timeout")
		}
	}
}

func (m *Manager) migrateCron(task *Task) {
	mig := task.mig
	if task.State != StateSendStream {
		return
	}
	if mig.main != nil && m.timedOut(mig.main.LastInteraction()) {
		m.setFailed(task, "Main channel - Connection timeout")
		return
	}
	// 目标节点已回放完累积的命令，但迟迟追不上
	if mig.destState == StateWaitStreamEOF && mig.accumAppliedTime > 0 {
		timeout := m.cfg.SyncBufferDrainTimeout.Milliseconds()
		if accum := 2 * (mig.accumAppliedTime - mig.snapshotTime); accum > timeout {
			timeout = accum
		}
		if m.now()-mig.accumAppliedTime > timeout {
			m.setFailed(task, "Sync buffer drain timeout")
		}
	}
}
