package database

import (
	"strconv"

	"asmredis/interface/database"
	"asmredis/lib/utils"
)

// 大容器按批拆成多条命令，避免单条命令过大
const itemsPerCmd = 64

var (
	setCmd    = []byte("SET")
	rPushCmd  = []byte("RPUSH")
	sAddCmd   = []byte("SADD")
	hSetCmd   = []byte("HSET")
	pExpireAt = []byte("PEXPIREAT")
)

// EntityToCmds 将一个 key 编码为可重放的命令序列，带过期时间时追加 PEXPIREAT
func EntityToCmds(entry database.SlotEntry) []CmdLine {
	key := []byte(entry.Key)
	var cmds []CmdLine
	switch v := entry.Entity.Data.(type) {
	case []byte:
		cmds = append(cmds, CmdLine{setCmd, key, v})
	case *List:
		for i := 0; i < len(v.Values); i += itemsPerCmd {
			end := min(i+itemsPerCmd, len(v.Values))
			cmds = append(cmds, utils.ToCmdLine3(string(rPushCmd), append([][]byte{key}, v.Values[i:end]...)...))
		}
	case *Set:
		line := CmdLine{sAddCmd, key}
		for m := range v.Members {
			line = append(line, []byte(m))
			if len(line)-2 == itemsPerCmd {
				cmds = append(cmds, line)
				line = CmdLine{sAddCmd, key}
			}
		}
		if len(line) > 2 {
			cmds = append(cmds, line)
		}
	case *Hash:
		line := CmdLine{hSetCmd, key}
		for f, val := range v.Fields {
			line = append(line, []byte(f), val)
			if (len(line)-2)/2 == itemsPerCmd {
				cmds = append(cmds, line)
				line = CmdLine{hSetCmd, key}
			}
		}
		if len(line) > 2 {
			cmds = append(cmds, line)
		}
	}
	if entry.ExpireAt != nil && len(cmds) > 0 {
		cmds = append(cmds, CmdLine{pExpireAt, key, []byte(strconv.FormatInt(entry.ExpireAt.UnixMilli(), 10))})
	}
	return cmds
}

// ItemCount 容器中的元素个数，字符串视为 1
func ItemCount(entity *database.DataEntity) int {
	return itemCount(entity)
}

// IsString 是否为字符串值
func IsString(entity *database.DataEntity) bool {
	_, ok := entity.Data.([]byte)
	return ok
}
