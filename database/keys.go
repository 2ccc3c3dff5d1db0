package database

import (
	"path"
	"strconv"
	"time"

	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

// DEL key [key ...]
func execDel(db *DB, args [][]byte) myredis.Reply {
	keys := make([]string, len(args))
	for i, v := range args {
		keys[i] = string(v)
	}
	deleted := db.Removes(keys...)
	if deleted > 0 {
		db.propagate(utils.ToCmdLine3("DEL", args...))
	}
	return protocol.MakeIntReply(int64(deleted))
}

// EXISTS key [key ...]
func execExists(db *DB, args [][]byte) myredis.Reply {
	result := int64(0)
	for _, arg := range args {
		if _, exists := db.GetEntity(string(arg)); exists {
			result++
		}
	}
	return protocol.MakeIntReply(result)
}

// FLUSHALL
func execFlushAll(db *DB, args [][]byte) myredis.Reply {
	db.Flush()
	db.propagate(utils.ToCmdLine("FLUSHALL"))
	return protocol.MakeOkReply()
}

// TYPE key
func execType(db *DB, args [][]byte) myredis.Reply {
	entity, exists := db.GetEntity(string(args[0]))
	if !exists {
		return protocol.MakeStatusReply("none")
	}
	return protocol.MakeStatusReply(typeName(entity))
}

// expireAt 统一处理 EXPIRE/PEXPIRE/PEXPIREAT，传播时改写为 PEXPIREAT
func (db *DB) expireAt(key string, at time.Time) myredis.Reply {
	if _, exists := db.GetEntity(key); !exists {
		return protocol.MakeIntReply(0)
	}
	if !at.After(db.now()) {
		db.Remove(key)
		db.propagate(utils.ToCmdLine("DEL", key))
		return protocol.MakeIntReply(1)
	}
	db.Expire(key, at)
	db.propagate(utils.ToCmdLine("PEXPIREAT", key, strconv.FormatInt(at.UnixMilli(), 10)))
	return protocol.MakeIntReply(1)
}

func parseInt(arg []byte) (int64, protocol.ErrorReply) {
	n, err := strconv.ParseInt(string(arg), 10, 64)
	if err != nil {
		return 0, protocol.MakeErrReply("ERR value is not an integer or out of range")
	}
	return n, nil
}

// EXPIRE key seconds
func execExpire(db *DB, args [][]byte) myredis.Reply {
	n, err := parseInt(args[1])
	if err != nil {
		return err
	}
	return db.expireAt(string(args[0]), db.now().Add(time.Duration(n)*time.Second))
}

// PEXPIRE key milliseconds
func execPExpire(db *DB, args [][]byte) myredis.Reply {
	n, err := parseInt(args[1])
	if err != nil {
		return err
	}
	return db.expireAt(string(args[0]), db.now().Add(time.Duration(n)*time.Millisecond))
}

// PEXPIREAT key unix-time-milliseconds
func execPExpireAt(db *DB, args [][]byte) myredis.Reply {
	n, err := parseInt(args[1])
	if err != nil {
		return err
	}
	return db.expireAt(string(args[0]), time.UnixMilli(n))
}

// 返回值: >=0 (剩余时间), -1 (永不过期), -2 (键不存在)
func (db *DB) ttl(key string, unit time.Duration) myredis.Reply {
	if _, exists := db.GetEntity(key); !exists {
		return protocol.MakeIntReply(-2)
	}
	expireAt := db.GetExpiration(key)
	if expireAt == nil {
		return protocol.MakeIntReply(-1)
	}
	left := expireAt.Sub(db.now())
	return protocol.MakeIntReply(int64((left + unit/2) / unit))
}

// TTL key
func execTTL(db *DB, args [][]byte) myredis.Reply {
	return db.ttl(string(args[0]), time.Second)
}

// PTTL key
func execPTTL(db *DB, args [][]byte) myredis.Reply {
	return db.ttl(string(args[0]), time.Millisecond)
}

// PERSIST key
func execPersist(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	if _, exists := db.GetEntity(key); !exists {
		return protocol.MakeIntReply(0)
	}
	if !db.Persist(key) {
		return protocol.MakeIntReply(0)
	}
	db.propagate(utils.ToCmdLine3("PERSIST", args...))
	return protocol.MakeIntReply(1)
}

// DBSIZE
func execDBSize(db *DB, args [][]byte) myredis.Reply {
	keys, _ := db.DBSize()
	return protocol.MakeIntReply(int64(keys))
}

// KEYS pattern
func execKeys(db *DB, args [][]byte) myredis.Reply {
	pattern := string(args[0])
	if _, err := path.Match(pattern, ""); err != nil {
		return protocol.MakeErrReply("ERR invalid pattern")
	}
	result := make([][]byte, 0)
	for _, sd := range db.slots {
		if sd == nil {
			continue
		}
		for key := range sd.data {
			if matched, _ := path.Match(pattern, key); !matched {
				continue
			}
			if _, ok := db.GetEntity(key); ok {
				result = append(result, []byte(key))
			}
		}
	}
	return protocol.MakeMultiBulkReply(result)
}

func init() {
	registerCommand("Del", execDel, writeAllKeys, -2, flagWrite)
	registerCommand("Exists", execExists, readAllKeys, -2, flagReadOnly)
	registerCommand("FlushAll", execFlushAll, noPrepare, 1, flagWrite)
	registerCommand("Type", execType, readFirstKey, 2, flagReadOnly)
	registerCommand("Expire", execExpire, writeFirstKey, 3, flagWrite)
	registerCommand("PExpire", execPExpire, writeFirstKey, 3, flagWrite)
	registerCommand("PExpireAt", execPExpireAt, writeFirstKey, 3, flagWrite)
	registerCommand("TTL", execTTL, readFirstKey, 2, flagReadOnly)
	registerCommand("PTTL", execPTTL, readFirstKey, 2, flagReadOnly)
	registerCommand("Persist", execPersist, writeFirstKey, 2, flagWrite)
	registerCommand("DBSize", execDBSize, noPrepare, 1, flagReadOnly)
	registerCommand("Keys", execKeys, noPrepare, 2, flagReadOnly)
}
