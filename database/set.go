package database

import (
	"asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

func (db *DB) getAsSet(key string) (*Set, protocol.ErrorReply) {
	entity, exists := db.GetEntity(key)
	if !exists {
		return nil, nil
	}
	set, ok := entity.Data.(*Set)
	if !ok {
		return nil, protocol.MakeWrongTypeErrReply()
	}
	return set, nil
}

// SADD key member [member ...]
func execSAdd(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	set, err := db.getAsSet(key)
	if err != nil {
		return err
	}
	if set == nil {
		set = newSet()
		db.PutEntity(key, &database.DataEntity{Data: set})
	}
	added := 0
	for _, member := range args[1:] {
		if _, ok := set.Members[string(member)]; !ok {
			set.Members[string(member)] = struct{}{}
			added++
		}
	}
	db.propagate(utils.ToCmdLine3("SADD", args...))
	return protocol.MakeIntReply(int64(added))
}

// SREM key member [member ...]
func execSRem(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	set, err := db.getAsSet(key)
	if err != nil {
		return err
	}
	if set == nil {
		return protocol.MakeIntReply(0)
	}
	removed := 0
	for _, member := range args[1:] {
		if _, ok := set.Members[string(member)]; ok {
			delete(set.Members, string(member))
			removed++
		}
	}
	if len(set.Members) == 0 {
		db.Remove(key)
	}
	if removed > 0 {
		db.propagate(utils.ToCmdLine3("SREM", args...))
	}
	return protocol.MakeIntReply(int64(removed))
}

// SMEMBERS key
func execSMembers(db *DB, args [][]byte) myredis.Reply {
	set, err := db.getAsSet(string(args[0]))
	if err != nil {
		return err
	}
	if set == nil {
		return protocol.MakeEmptyMultiBulkReply()
	}
	members := make([][]byte, 0, len(set.Members))
	for m := range set.Members {
		members = append(members, []byte(m))
	}
	return protocol.MakeMultiBulkReply(members)
}

// SCARD key
func execSCard(db *DB, args [][]byte) myredis.Reply {
	set, err := db.getAsSet(string(args[0]))
	if err != nil {
		return err
	}
	if set == nil {
		return protocol.MakeIntReply(0)
	}
	return protocol.MakeIntReply(int64(len(set.Members)))
}

func init() {
	registerCommand("SAdd", execSAdd, writeFirstKey, -3, flagWrite)
	registerCommand("SRem", execSRem, writeFirstKey, -3, flagWrite)
	registerCommand("SMembers", execSMembers, readFirstKey, 2, flagReadOnly)
	registerCommand("SCard", execSCard, readFirstKey, 2, flagReadOnly)
}
