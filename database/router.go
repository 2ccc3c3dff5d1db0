package database

import (
	"strings"
)

var cmdTable = make(map[string]*command)

type command struct {
	name     string
	executor ExecFunc
	prepare  PreFunc

	arity int
	flags int
}

const flagWrite = 0

const (
	flagReadOnly = 1 << iota
)

func registerCommand(name string, executor ExecFunc, prepare PreFunc, arity int, flags int) *command {
	name = strings.ToLower(name)
	cmd := &command{
		name:     name,
		executor: executor,
		prepare:  prepare,
		arity:    arity,
		flags:    flags,
	}
	cmdTable[name] = cmd
	return cmd
}

// CommandInfo 供路由层使用：命令涉及的 key 以及是否为写命令
type CommandInfo struct {
	Keys  []string
	Write bool
}

// LookupCommand 分析命令行，未知命令或参数数量错误时 ok 为 false
func LookupCommand(cmdLine [][]byte) (info CommandInfo, ok bool) {
	if len(cmdLine) == 0 {
		return info, false
	}
	cmd, exists := cmdTable[strings.ToLower(string(cmdLine[0]))]
	if !exists || !validateArity(cmd.arity, cmdLine) {
		return info, false
	}
	write, read := cmd.prepare(cmdLine[1:])
	info.Keys = append(write, read...)
	info.Write = cmd.flags&flagReadOnly == 0
	return info, true
}

func IsReadOnlyCommand(name string) bool {
	cmd := cmdTable[strings.ToLower(name)]
	if cmd == nil {
		return false
	}
	return cmd.flags&flagReadOnly > 0
}
