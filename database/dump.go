package database

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/hdt3213/rdb/encoder"
	rdb "github.com/hdt3213/rdb/parser"

	"asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

/*
DUMP 的载荷是只包含一个对象的 RDB 流：

	header | db header(0) | object | end(crc64)

RESTORE 用 rdb 解析器读回，类型完全由 rdb 编码决定
*/

// DumpEntity 将一个值编码为 DUMP 载荷，过期时间不写入
func DumpEntity(key string, entity *database.DataEntity) ([]byte, error) {
	var buf bytes.Buffer
	enc := encoder.NewEncoder(&buf)
	if err := enc.WriteHeader(); err != nil {
		return nil, err
	}
	if err := enc.WriteDBHeader(0, 1, 0); err != nil {
		return nil, err
	}
	var err error
	switch v := entity.Data.(type) {
	case []byte:
		err = enc.WriteStringObject(key, v)
	case *List:
		err = enc.WriteListObject(key, v.Values)
	case *Set:
		members := make([][]byte, 0, len(v.Members))
		for m := range v.Members {
			members = append(members, []byte(m))
		}
		err = enc.WriteSetObject(key, members)
	case *Hash:
		err = enc.WriteHashMapObject(key, v.Fields)
	default:
		err = errors.New("unsupported value type")
	}
	if err != nil {
		return nil, err
	}
	if err := enc.WriteEnd(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadEntity 解析 DUMP 载荷
func LoadEntity(payload []byte) (*database.DataEntity, error) {
	var entity *database.DataEntity
	dec := rdb.NewDecoder(bytes.NewReader(payload))
	err := dec.Parse(func(object rdb.RedisObject) bool {
		switch object.GetType() {
		case rdb.StringType:
			entity = &database.DataEntity{Data: object.(*rdb.StringObject).Value}
		case rdb.ListType:
			entity = &database.DataEntity{Data: &List{Values: object.(*rdb.ListObject).Values}}
		case rdb.SetType:
			set := newSet()
			for _, m := range object.(*rdb.SetObject).Members {
				set.Members[string(m)] = struct{}{}
			}
			entity = &database.DataEntity{Data: set}
		case rdb.HashType:
			hash := newHash()
			for f, v := range object.(*rdb.HashObject).Hash {
				hash.Fields[f] = v
			}
			entity = &database.DataEntity{Data: hash}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if entity == nil {
		return nil, errors.New("DUMP payload version or checksum are wrong")
	}
	return entity, nil
}

// DUMP key
func execDump(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	entity, exists := db.GetEntity(key)
	if !exists {
		return protocol.MakeNullBulkReply()
	}
	payload, err := DumpEntity(key, entity)
	if err != nil {
		return protocol.MakeErrReply("ERR " + err.Error())
	}
	return protocol.MakeBulkReply(payload)
}

// RESTORE key ttl serialized-value [REPLACE] [ABSTTL]
func execRestore(db *DB, args [][]byte) myredis.Reply {
	key := string(args[0])
	ttl, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil || ttl < 0 {
		return protocol.MakeErrReply("ERR Invalid TTL value, must be >= 0")
	}
	replace, absTTL := false, false
	for _, arg := range args[3:] {
		switch strings.ToUpper(string(arg)) {
		case "REPLACE":
			replace = true
		case "ABSTTL":
			absTTL = true
		default:
			return protocol.MakeSyntaxErrReply()
		}
	}
	if _, exists := db.GetEntity(key); exists && !replace {
		return protocol.MakeErrReply("BUSYKEY Target key name already exists.")
	}
	entity, err := LoadEntity(args[2])
	if err != nil {
		return protocol.MakeErrReply("ERR Bad data format")
	}

	var expireAt time.Time
	if ttl > 0 {
		if absTTL {
			expireAt = time.UnixMilli(ttl)
		} else {
			expireAt = db.now().Add(time.Duration(ttl) * time.Millisecond)
		}
		// 已经过期的 key 直接丢弃
		if !expireAt.After(db.now()) {
			if db.Remove(key) {
				db.propagate(utils.ToCmdLine("DEL", key))
			}
			return protocol.MakeOkReply()
		}
	}
	db.Remove(key)
	db.PutEntity(key, entity)
	line := utils.ToCmdLine3("RESTORE", args[0], []byte("0"), args[2], []byte("REPLACE"))
	if ttl > 0 {
		db.Expire(key, expireAt)
		line = utils.ToCmdLine3("RESTORE", args[0],
			[]byte(strconv.FormatInt(expireAt.UnixMilli(), 10)), args[2], []byte("REPLACE"), []byte("ABSTTL"))
	}
	db.propagate(line)
	return protocol.MakeOkReply()
}

func init() {
	registerCommand("Dump", execDump, readFirstKey, 2, flagReadOnly)
	registerCommand("Restore", execRestore, writeFirstKey, -4, flagWrite)
}
