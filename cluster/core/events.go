package core

import (
	"time"

	"asmredis/cluster/asm"
	"asmredis/cluster/raft"
	"asmredis/lib/logger"
)

// OnTaskEvent 迁移任务的状态变化，PREP 事件返回错误时任务暂缓
func (cluster *Cluster) OnTaskEvent(info asm.TaskInfo, event asm.Event) error {
	switch event {
	case asm.EventImportPrep, asm.EventMigratePrep:
		// 拿不到 leader 就无法提交接管
		if cluster.raft.LeaderID() == "" {
			return errNoLeader
		}
	case asm.EventHandoffPrep:
		cluster.pauseForHandoff(info.ID)
		id := info.ID
		cluster.Post(func() {
			if _, err := cluster.asm.Process(id, asm.EventHandoff, nil); err != nil {
				logger.Warnf("Migrate task %s handoff failed: %v", id, err)
				cluster.resumeFromHandoff(id)
			}
		})
	case asm.EventTakeover:
		cluster.proposeTakeover(info)
	case asm.EventMigrateCompleted, asm.EventMigrateFailed:
		cluster.resumeFromHandoff(info.ID)
	case asm.EventImportCompleted:
		logger.Infof("Import task %s completed, slots %s are served by this node", info.ID, info.Slots.String())
	}
	return nil
}

// proposeTakeover 提交槽位接管，多次失败后取消任务
func (cluster *Cluster) proposeTakeover(info asm.TaskInfo) {
	entry := &raft.LogEntry{
		Event: raft.EventAsmTakeover,
		SlotTask: &raft.SlotTask{
			TaskID: info.ID,
			NodeID: cluster.self,
			Source: info.Source,
			Ranges: info.Slots.String(),
		},
	}
	go func() {
		var err error
		for i := 0; i < takeoverAttempts; i++ {
			if err = cluster.propose(entry); err == nil {
				return
			}
			logger.Warnf("Import task %s takeover proposal failed: %v", info.ID, err)
			time.Sleep(takeoverRetryDelay)
		}
		cluster.Post(func() {
			task := cluster.asm.LookupTask(info.ID)
			if task != nil && task.State == asm.StateTakeover {
				cluster.asm.Cancel(info.ID, "takeover proposal failed: "+err.Error())
			}
		})
	}()
}
