package core

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"asmredis/cluster/router"
	"asmredis/cluster/slots"
	"asmredis/cluster/trim"
	"asmredis/database"
	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/lib/metrics"
	"asmredis/protocol"
)

// 节点间连接使用的用户名
const internalAuthUser = "internal connection"

type CmdFunc func(cluster *Cluster, c myredis.Connection, cmdLine CmdLine) myredis.Reply

// commands 由集群层处理的命令，其余命令交给存储
var commands = make(map[string]CmdFunc)

func RegisterCmd(name string, cmd CmdFunc) {
	commands[strings.ToLower(name)] = cmd
}

func init() {
	RegisterCmd("ping", execPing)
	RegisterCmd("select", execSelect)
	RegisterCmd("info", execInfo)
	RegisterCmd("client", execClient)
	RegisterCmd("debug", execDebug)
	RegisterCmd("cluster", execCluster)
	RegisterCmd("migration", execMigration)
	RegisterCmd("trimslots", execTrimSlots)
	RegisterCmd("replconf", execReplConf)
	RegisterCmd("asking", execAsking)
	RegisterCmd("readonly", execReadOnly)
	RegisterCmd("readwrite", execReadWrite)
}

// Exec 在事件循环中执行一条命令
func (cluster *Cluster) Exec(c myredis.Connection, cmdLine [][]byte) (result myredis.Reply) {
	defer func() {
		if err := recover(); err != nil {
			logger.Warn(fmt.Sprintf("error occurs: %v\n%s", err, string(debug.Stack())))
			result = &protocol.UnknownErrReply{}
		}
	}()
	if len(cmdLine) == 0 {
		return protocol.MakeErrReply("ERR empty command")
	}
	cmdName := strings.ToLower(string(cmdLine[0]))
	defer metrics.MeasureCommand(cmdName, time.Now())
	if cmdName == "auth" {
		return cluster.auth(c, cmdLine[1:])
	}
	if !cluster.isAuthenticated(c) {
		return protocol.MakeErrReply("NOAUTH Authentication required.")
	}
	// ASKING 只对紧随其后的一条命令有效
	if cmdName != "asking" {
		defer c.SetAsking(false)
	}
	if cmd, ok := commands[cmdName]; ok {
		return cmd(cluster, c, cmdLine)
	}
	return cluster.execData(c, cmdLine)
}

// execData 按槽位路由数据命令，主节点同步过来的命令不做检查
func (cluster *Cluster) execData(c myredis.Connection, cmdLine CmdLine) myredis.Reply {
	info, ok := database.LookupCommand(cmdLine)
	if !ok {
		return cluster.db.Exec(c, cmdLine)
	}
	if !c.IsMaster() {
		res := router.GetNodeByQuery(cluster, router.Query{
			Keys:     info.Keys,
			Write:    info.Write,
			Asking:   c.IsAsking(),
			ReadOnly: c.IsReadOnly(),
		})
		if reply := res.Reply(cluster); reply != nil {
			return reply
		}
	}
	return cluster.db.Exec(c, cmdLine)
}

// auth AUTH [username] password，用户名为 internal connection 时校验节点间密钥
func (cluster *Cluster) auth(c myredis.Connection, args CmdLine) myredis.Reply {
	switch len(args) {
	case 1:
		if cluster.props.RequirePass == "" {
			return protocol.MakeErrReply("ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
		}
		c.SetPassword(string(args[0]))
		if !cluster.isAuthenticated(c) {
			return protocol.MakeErrReply("WRONGPASS invalid username-password pair or user is disabled.")
		}
		return protocol.MakeOkReply()
	case 2:
		user, password := string(args[0]), string(args[1])
		if user == internalAuthUser {
			if password != cluster.props.InternalSecret {
				return protocol.MakeErrReply("WRONGPASS invalid username-password pair or user is disabled.")
			}
			c.SetInternal()
			return protocol.MakeOkReply()
		}
		if user != "default" {
			return protocol.MakeErrReply("WRONGPASS invalid username-password pair or user is disabled.")
		}
		c.SetPassword(password)
		if !cluster.isAuthenticated(c) {
			return protocol.MakeErrReply("WRONGPASS invalid username-password pair or user is disabled.")
		}
		return protocol.MakeOkReply()
	}
	return protocol.MakeArgNumErrReply("auth")
}

func (cluster *Cluster) isAuthenticated(c myredis.Connection) bool {
	if cluster.props.RequirePass == "" || c.IsInternal() || c.IsMaster() {
		return true
	}
	return c.GetPassword() == cluster.props.RequirePass
}

// ******************** Server Commands ********************

func execPing(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	switch len(args) {
	case 1:
		return protocol.MakePongReply()
	case 2:
		return protocol.MakeBulkReply(args[1])
	}
	return protocol.MakeArgNumErrReply("ping")
}

// 集群模式只有 0 号数据库
func execSelect(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	if len(args) != 2 {
		return protocol.MakeArgNumErrReply("select")
	}
	if string(args[1]) != "0" {
		return protocol.MakeErrReply("ERR SELECT is not allowed in cluster mode")
	}
	return protocol.MakeOkReply()
}

// execClient CLIENT PAUSE|UNPAUSE|TRACKING|ID
func execClient(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	if len(args) < 2 {
		return protocol.MakeArgNumErrReply("client")
	}
	switch strings.ToLower(string(args[1])) {
	case "pause":
		if len(args) != 3 && len(args) != 4 {
			return protocol.MakeArgNumErrReply("client|pause")
		}
		ms, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil || ms < 0 {
			return protocol.MakeErrReply("ERR timeout is not an integer or out of range")
		}
		mode := pauseAll
		if len(args) == 4 {
			switch strings.ToLower(string(args[3])) {
			case "write":
				mode = pauseWrite
			case "all":
			default:
				return protocol.MakeSyntaxErrReply()
			}
		}
		cluster.pauseClients(mode, time.Duration(ms)*time.Millisecond)
		return protocol.MakeOkReply()
	case "unpause":
		cluster.unpauseClients()
		return protocol.MakeOkReply()
	case "tracking":
		if len(args) != 3 {
			return protocol.MakeArgNumErrReply("client|tracking")
		}
		on := strings.EqualFold(string(args[2]), "on")
		if !on && !strings.EqualFold(string(args[2]), "off") {
			return protocol.MakeSyntaxErrReply()
		}
		if on != c.IsTracking() {
			if on {
				cluster.tracking++
			} else {
				cluster.tracking--
			}
			c.SetTracking(on)
		}
		return protocol.MakeOkReply()
	case "id":
		return protocol.MakeIntReply(int64(c.ID()))
	}
	return protocol.MakeErrReplyf("unknown subcommand '%s'", string(args[1]))
}

// execDebug DEBUG ASM-FAILPOINT <channel> <state> | DEBUG ASM-TRIM-METHOD <method> [delay]
func execDebug(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	if len(args) < 2 {
		return protocol.MakeArgNumErrReply("debug")
	}
	switch strings.ToLower(string(args[1])) {
	case "asm-failpoint":
		if len(args) != 4 {
			return protocol.MakeArgNumErrReply("debug|asm-failpoint")
		}
		if err := cluster.asm.SetFailPoint(string(args[2]), string(args[3])); err != nil {
			return protocol.MakeErrReply("ERR " + err.Error())
		}
		return protocol.MakeOkReply()
	case "asm-trim-method":
		if len(args) != 3 && len(args) != 4 {
			return protocol.MakeArgNumErrReply("debug|asm-trim-method")
		}
		delay := 0
		if len(args) == 4 {
			n, err := strconv.Atoi(string(args[3]))
			if err != nil || n < 0 {
				return protocol.MakeErrReply("ERR invalid delay")
			}
			delay = n
		}
		if err := cluster.asm.SetTrimMethod(string(args[2]), delay); err != nil {
			return protocol.MakeErrReply("ERR " + err.Error())
		}
		return protocol.MakeOkReply()
	}
	return protocol.MakeErrReplyf("unknown subcommand '%s'", string(args[1]))
}

func execMigration(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	return cluster.asm.Migration(args)
}

// execTrimSlots TRIMSLOTS RANGES <numranges> <start> <end> ...
func execTrimSlots(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	if len(args) < 5 {
		return protocol.MakeArgNumErrReply("trimslots")
	}
	sra, err := trim.ParseCommand(args)
	if err != nil {
		return protocol.MakeErrReply(err.Error())
	}
	if cluster.IsMaster() {
		var owned = -1
		sra.ForEach(func(slot int) bool {
			if cluster.SlotOwner(slot) == cluster.self {
				owned = slot
				return false
			}
			return true
		})
		if owned >= 0 {
			return protocol.MakeErrReplyf("the slot %d is served by this node", owned)
		}
	}
	cluster.trim.TrimSlots(sra)
	cluster.Propagate(trim.TrimSlotsCmd(sra))
	return protocol.MakeOkReply()
}

func execAsking(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	c.SetAsking(true)
	return protocol.MakeOkReply()
}

func execReadOnly(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	c.SetReadOnly(true)
	return protocol.MakeOkReply()
}

func execReadWrite(cluster *Cluster, c myredis.Connection, args CmdLine) myredis.Reply {
	c.SetReadOnly(false)
	return protocol.MakeOkReply()
}

// slotArg 解析槽位参数
func slotArg(arg []byte) (int, myredis.Reply) {
	slot, err := slots.ParseSlot(arg)
	if err != nil {
		return 0, protocol.MakeErrReply("ERR " + strings.TrimPrefix(err.Error(), "ERR "))
	}
	return slot, nil
}
