package database

import (
	"strconv"

	"asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

func (db *DB) getAsList(key string) (*List, protocol.ErrorReply) {
	entity, ok := db.GetEntity(key)
	if !ok {
		return nil, nil
	}
	list, ok := entity.Data.(*List)
	if !ok {
		return nil, protocol.MakeWrongTypeErrReply()
	}
	return list, nil
}

func (db *DB) getOrInitList(key string) (*List, protocol.ErrorReply) {
	list, err := db.getAsList(key)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = &List{}
		db.PutEntity(key, &database.DataEntity{Data: list})
	}
	return list, nil
}

// RPUSH key element [element ...]
func execRPush(db *DB, args [][]byte) myredis.Reply {
	list, err := db.getOrInitList(string(args[0]))
	if err != nil {
		return err
	}
	list.Values = append(list.Values, args[1:]...)
	db.propagate(utils.ToCmdLine3("RPUSH", args...))
	return protocol.MakeIntReply(int64(len(list.Values)))
}

// LPUSH key element [element ...]
func execLPush(db *DB, args [][]byte) myredis.Reply {
	list, err := db.getOrInitList(string(args[0]))
	if err != nil {
		return err
	}
	values := make([][]byte, 0, len(list.Values)+len(args)-1)
	for i := len(args) - 1; i >= 1; i-- {
		values = append(values, args[i])
	}
	list.Values = append(values, list.Values...)
	db.propagate(utils.ToCmdLine3("LPUSH", args...))
	return protocol.MakeIntReply(int64(len(list.Values)))
}

// LRANGE key start stop
func execLRange(db *DB, args [][]byte) myredis.Reply {
	start, err1 := strconv.ParseInt(string(args[1]), 10, 64)
	stop, err2 := strconv.ParseInt(string(args[2]), 10, 64)
	if err1 != nil || err2 != nil {
		return protocol.MakeErrReply("ERR value is not an integer or out of range")
	}
	list, errReply := db.getAsList(string(args[0]))
	if errReply != nil {
		return errReply
	}
	if list == nil {
		return protocol.MakeEmptyMultiBulkReply()
	}
	from, to := utils.ConvertRange(start, stop, int64(len(list.Values)))
	if from < 0 {
		return protocol.MakeEmptyMultiBulkReply()
	}
	return protocol.MakeMultiBulkReply(list.Values[from:to])
}

// LLEN key
func execLLen(db *DB, args [][]byte) myredis.Reply {
	list, err := db.getAsList(string(args[0]))
	if err != nil {
		return err
	}
	if list == nil {
		return protocol.MakeIntReply(0)
	}
	return protocol.MakeIntReply(int64(len(list.Values)))
}

func init() {
	registerCommand("RPush", execRPush, writeFirstKey, -3, flagWrite)
	registerCommand("LPush", execLPush, writeFirstKey, -3, flagWrite)
	registerCommand("LRange", execLRange, readFirstKey, 4, flagReadOnly)
	registerCommand("LLen", execLLen, readFirstKey, 2, flagReadOnly)
}
