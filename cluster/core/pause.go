package core

import (
	"strings"
	"time"

	"asmredis/database"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
)

type pauseMode int

const (
	pauseOff pauseMode = iota
	pauseWrite
	pauseAll
)

// pauseState 写暂停，CLIENT PAUSE 与迁移交接共用
//
// 暂停期间普通客户端的命令被挂起，解除后按到达顺序重新执行
type pauseState struct {
	mode    pauseMode
	until   time.Time
	handoff string // 交接中的迁移任务，非空时暂停写入
	parked  []*request
}

func (p *pauseState) active(now time.Time) bool {
	return p.mode != pauseOff && now.Before(p.until)
}

func (cluster *Cluster) now() time.Time {
	return time.Now()
}

// WritesPaused 客户端写入处于暂停中
func (cluster *Cluster) WritesPaused() bool {
	return cluster.pause.handoff != "" || cluster.pause.active(cluster.now())
}

// pauseClients CLIENT PAUSE，新的暂停只会延长截止时间或者升级为 ALL
func (cluster *Cluster) pauseClients(mode pauseMode, d time.Duration) {
	now := cluster.now()
	until := now.Add(d)
	p := &cluster.pause
	if !p.active(now) {
		p.mode = mode
		p.until = until
		return
	}
	if mode > p.mode {
		p.mode = mode
	}
	if until.After(p.until) {
		p.until = until
	}
}

func (cluster *Cluster) unpauseClients() {
	cluster.pause.mode = pauseOff
	cluster.pause.until = time.Time{}
	cluster.releaseParked()
}

func (cluster *Cluster) pauseForHandoff(taskID string) {
	logger.Infof("Pausing client writes for slot handoff, task %s", taskID)
	cluster.pause.handoff = taskID
}

func (cluster *Cluster) resumeFromHandoff(taskID string) {
	if cluster.pause.handoff != taskID {
		return
	}
	logger.Infof("Resuming client writes after slot handoff, task %s", taskID)
	cluster.pause.handoff = ""
	cluster.releaseParked()
}

func (cluster *Cluster) checkPauseExpired() {
	p := &cluster.pause
	if p.mode != pauseOff && !p.active(cluster.now()) {
		p.mode = pauseOff
		cluster.releaseParked()
	}
}

// shouldPark 普通客户端的命令是否需要等待暂停解除
func (cluster *Cluster) shouldPark(c myredis.Connection, cmdLine CmdLine) bool {
	if c.IsMaster() || c.IsSlave() || c.IsInternal() {
		return false
	}
	name := strings.ToLower(string(cmdLine[0]))
	// 解除暂停的命令本身不能被挂起
	if name == "client" {
		return false
	}
	p := &cluster.pause
	if p.active(cluster.now()) && p.mode == pauseAll {
		return true
	}
	if !cluster.WritesPaused() {
		return false
	}
	return isWriteCommand(cmdLine)
}

func isWriteCommand(cmdLine CmdLine) bool {
	if strings.EqualFold(string(cmdLine[0]), "trimslots") {
		return true
	}
	info, ok := database.LookupCommand(cmdLine)
	return ok && info.Write
}

// releaseParked 暂停解除后按顺序重新执行挂起的命令，仍需暂停的会再次挂起
func (cluster *Cluster) releaseParked() {
	if cluster.WritesPaused() || len(cluster.pause.parked) == 0 {
		return
	}
	parked := cluster.pause.parked
	cluster.pause.parked = nil
	for _, req := range parked {
		cluster.serve(req)
	}
}

// dropParked 连接关闭时放弃它挂起的命令
func (cluster *Cluster) dropParked(c myredis.Connection) {
	kept := cluster.pause.parked[:0]
	for _, req := range cluster.pause.parked {
		if req.client == c {
			req.finish()
			continue
		}
		kept = append(kept, req)
	}
	cluster.pause.parked = kept
}
