package database

import (
	"strconv"
	"strings"
	"time"

	"asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

/*
upsertPolicy:

	SET 命令默认行为: 键不存在就创建，存在就更新

insertPolicy:

	SET NX: 当 key 不存在时才设置

updatePolicy:

	SET XX: 当 key 已经存在时才更新
*/
const (
	upsertPolicy = iota // default
	insertPolicy        // set nx
	updatePolicy        // set xx
)

// 获取 key 对应的字符串，类型不符时返回 WRONGTYPE
func (db *DB) getAsString(key string) ([]byte, protocol.ErrorReply) {
	entity, ok := db.GetEntity(key)
	if !ok {
		return nil, nil
	}
	bytes, ok := entity.Data.([]byte)
	if !ok {
		return nil, protocol.MakeWrongTypeErrReply()
	}
	return bytes, nil
}

// GET key
func execGet(db *DB, args [][]byte) myredis.Reply {
	bytes, err := db.getAsString(string(args[0]))
	if err != nil {
		return err
	}
	if bytes == nil {
		return protocol.MakeNullBulkReply()
	}
	return protocol.MakeBulkReply(bytes)
}

// SET key value [NX|XX] [EX seconds|PX milliseconds|PXAT unix-ms]
func execSet(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	value := args[1]
	policy := upsertPolicy
	var expireAt *time.Time

	for i := 2; i < len(args); i++ {
		arg := strings.ToUpper(string(args[i]))
		switch arg {
		case "NX":
			if policy == updatePolicy {
				return protocol.MakeSyntaxErrReply()
			}
			policy = insertPolicy
		case "XX":
			if policy == insertPolicy {
				return protocol.MakeSyntaxErrReply()
			}
			policy = updatePolicy
		case "EX", "PX", "PXAT":
			if expireAt != nil || i+1 >= len(args) {
				return protocol.MakeSyntaxErrReply()
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil {
				return protocol.MakeErrReply("ERR value is not an integer or out of range")
			}
			if n <= 0 {
				return protocol.MakeErrReply("ERR invalid expire time in set")
			}
			var at time.Time
			switch arg {
			case "EX":
				at = db.now().Add(time.Duration(n) * time.Second)
			case "PX":
				at = db.now().Add(time.Duration(n) * time.Millisecond)
			default:
				at = time.UnixMilli(n)
			}
			expireAt = &at
			i++
		default:
			return protocol.MakeSyntaxErrReply()
		}
	}

	_, exists := db.GetEntity(key)
	if (policy == insertPolicy && exists) || (policy == updatePolicy && !exists) {
		return protocol.MakeNullBulkReply()
	}
	db.PutEntity(key, &database.DataEntity{Data: value})
	if expireAt != nil {
		db.Expire(key, *expireAt)
		db.propagate(utils.ToCmdLine3("SET", args[0], value,
			[]byte("PXAT"), []byte(strconv.FormatInt(expireAt.UnixMilli(), 10))))
	} else {
		db.Persist(key)
		db.propagate(utils.ToCmdLine3("SET", args[0], value))
	}
	return protocol.MakeOkReply()
}

// INCR key
func execIncr(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	bytes, errReply := db.getAsString(key)
	if errReply != nil {
		return errReply
	}
	var value int64
	if bytes != nil {
		n, err := strconv.ParseInt(string(bytes), 10, 64)
		if err != nil {
			return protocol.MakeErrReply("ERR value is not an integer or out of range")
		}
		value = n
	}
	value++
	db.PutEntity(key, &database.DataEntity{Data: []byte(strconv.FormatInt(value, 10))})
	db.propagate(utils.ToCmdLine3("INCR", args...))
	return protocol.MakeIntReply(value)
}

// MSET key value [key value ...]
func execMSet(db *DB, args [][]byte) myredis.Reply {
	if len(args)%2 != 0 {
		return protocol.MakeArgNumErrReply("mset")
	}
	for i := 0; i < len(args); i += 2 {
		key := string(args[i])
		db.PutEntity(key, &database.DataEntity{Data: args[i+1]})
		db.Persist(key)
	}
	db.propagate(utils.ToCmdLine3("MSET", args...))
	return protocol.MakeOkReply()
}

// MGET key [key ...]
func execMGet(db *DB, args [][]byte) myredis.Reply {
	result := make([][]byte, len(args))
	for i, arg := range args {
		bytes, err := db.getAsString(string(arg))
		if err != nil {
			// 类型不符的 key 返回 nil
			continue
		}
		result[i] = bytes
	}
	return protocol.MakeMultiBulkReply(result)
}

func init() {
	registerCommand("Get", execGet, readFirstKey, 2, flagReadOnly)
	registerCommand("Set", execSet, writeFirstKey, -3, flagWrite)
	registerCommand("Incr", execIncr, writeFirstKey, 2, flagWrite)
	registerCommand("MSet", execMSet, prepareMSet, -3, flagWrite)
	registerCommand("MGet", execMGet, readAllKeys, -2, flagReadOnly)
}
