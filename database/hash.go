package database

import (
	"asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

func (db *DB) getAsHash(key string) (*Hash, protocol.ErrorReply) {
	entity, exists := db.GetEntity(key)
	if !exists {
		return nil, nil
	}
	hash, ok := entity.Data.(*Hash)
	if !ok {
		return nil, protocol.MakeWrongTypeErrReply()
	}
	return hash, nil
}

// HSET key field value [field value ...]
func execHSet(db *DB, args [][]byte) myredis.Reply {
	if len(args)%2 != 1 {
		return protocol.MakeArgNumErrReply("hset")
	}
	key := string(args[0])
	hash, err := db.getAsHash(key)
	if err != nil {
		return err
	}
	if hash == nil {
		hash = newHash()
		db.PutEntity(key, &database.DataEntity{Data: hash})
	}
	added := 0
	for i := 1; i < len(args); i += 2 {
		field := string(args[i])
		if _, ok := hash.Fields[field]; !ok {
			added++
		}
		hash.Fields[field] = args[i+1]
	}
	db.propagate(utils.ToCmdLine3("HSET", args...))
	return protocol.MakeIntReply(int64(added))
}

// HGET key field
func execHGet(db *DB, args [][]byte) myredis.Reply {
	hash, err := db.getAsHash(string(args[0]))
	if err != nil {
		return err
	}
	if hash == nil {
		return protocol.MakeNullBulkReply()
	}
	value, ok := hash.Fields[string(args[1])]
	if !ok {
		return protocol.MakeNullBulkReply()
	}
	return protocol.MakeBulkReply(value)
}

// HDEL key field [field ...]
func execHDel(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	hash, err := db.getAsHash(key)
	if err != nil {
		return err
	}
	if hash == nil {
		return protocol.MakeIntReply(0)
	}
	deleted := 0
	for _, field := range args[1:] {
		if _, ok := hash.Fields[string(field)]; ok {
			delete(hash.Fields, string(field))
			deleted++
		}
	}
	if len(hash.Fields) == 0 {
		db.Remove(key)
	}
	if deleted > 0 {
		db.propagate(utils.ToCmdLine3("HDEL", args...))
	}
	return protocol.MakeIntReply(int64(deleted))
}

// HGETALL key
func execHGetAll(db *DB, args [][]byte) myredis.Reply {
	hash, err := db.getAsHash(string(args[0]))
	if err != nil {
		return err
	}
	if hash == nil {
		return protocol.MakeEmptyMultiBulkReply()
	}
	result := make([][]byte, 0, 2*len(hash.Fields))
	for field, value := range hash.Fields {
		result = append(result, []byte(field), value)
	}
	return protocol.MakeMultiBulkReply(result)
}

// HLEN key
func execHLen(db *DB, args [][]byte) myredis.Reply {
	hash, err := db.getAsHash(string(args[0]))
	if err != nil {
		return err
	}
	if hash == nil {
		return protocol.MakeIntReply(0)
	}
	return protocol.MakeIntReply(int64(len(hash.Fields)))
}

func init() {
	registerCommand("HSet", execHSet, writeFirstKey, -4, flagWrite)
	registerCommand("HGet", execHGet, readFirstKey, 3, flagReadOnly)
	registerCommand("HDel", execHDel, writeFirstKey, -3, flagWrite)
	registerCommand("HGetAll", execHGetAll, readFirstKey, 2, flagReadOnly)
	registerCommand("HLen", execHLen, readFirstKey, 2, flagReadOnly)
}
