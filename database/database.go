package database

import (
	"strings"
	"time"

	"asmredis/cluster/slots"
	"asmredis/interface/database"
	"asmredis/interface/myredis"
	"asmredis/protocol"
)

type CmdLine = [][]byte

// slotDict 单个槽位的数据分区
type slotDict struct {
	data    map[string]*database.DataEntity
	expires map[string]time.Time
}

func newSlotDict() *slotDict {
	return &slotDict{
		data:    make(map[string]*database.DataEntity),
		expires: make(map[string]time.Time),
	}
}

// DB 按槽位分区的单库存储，只由事件循环访问，因此不加锁
type DB struct {
	slots    [slots.SlotCount]*slotDict
	keyCount int

	functions map[string]string

	// 写命令执行成功后的传播（复制给副本、喂给迁移连接）
	propagate func(CmdLine)

	// 访问 key 前调用，返回 true 表示 key 位于清理中的槽位并已被删除
	trimHook func(key string) bool

	now func() time.Time
}

// 执行命令的接口
type ExecFunc func(db *DB, args [][]byte) myredis.Reply

// PreFunc 分析命令行，返回写键和读键
type PreFunc func(args [][]byte) ([]string, []string)

func MakeDB() *DB {
	return &DB{
		functions: make(map[string]string),
		propagate: func(line CmdLine) {},
		now:       time.Now,
	}
}

func (db *DB) SetPropagate(fn func(CmdLine)) {
	db.propagate = fn
}

func (db *DB) SetTrimHook(fn func(key string) bool) {
	db.trimHook = fn
}

func (db *DB) Exec(c myredis.Connection, cmdLine [][]byte) myredis.Reply {
	if len(cmdLine) == 0 {
		return protocol.MakeErrReply("ERR empty command")
	}
	cmdName := strings.ToLower(string(cmdLine[0]))
	cmd, ok := cmdTable[cmdName]
	if !ok {
		return protocol.MakeErrReply("ERR unknown command '" + cmdName + "'")
	}
	if !validateArity(cmd.arity, cmdLine) {
		return protocol.MakeArgNumErrReply(cmdName)
	}
	return cmd.executor(db, cmdLine[1:])
}

var _ database.DB = (*DB)(nil)

func (db *DB) AfterClientClose(c myredis.Connection) {}

func (db *DB) Close() {
	db.Flush()
}

func validateArity(arity int, cmdArgs [][]byte) bool {
	argNum := len(cmdArgs)
	// 固定数量参数
	if arity >= 0 {
		return argNum == arity
	}
	// 不定长参数（至少需要xx个参数）
	return argNum >= -arity
}

// ******************** Data Access ********************

func (db *DB) slotOf(key string) *slotDict {
	slot := slots.KeySlot(key)
	if db.slots[slot] == nil {
		db.slots[slot] = newSlotDict()
	}
	return db.slots[slot]
}

// peekSlot 不创建分区
func (db *DB) peekSlot(key string) *slotDict {
	return db.slots[slots.KeySlot(key)]
}

// GetEntity 获取数据实体，同时处理惰性过期和清理中的槽位
func (db *DB) GetEntity(key string) (*database.DataEntity, bool) {
	sd := db.peekSlot(key)
	if sd == nil {
		return nil, false
	}
	entity, ok := sd.data[key]
	if !ok {
		return nil, false
	}
	if db.trimHook != nil && db.trimHook(key) {
		return nil, false
	}
	if db.IsExpired(key) {
		return nil, false
	}
	return entity, true
}

// PutEntity 写入数据实体，返回新增的 key 数
func (db *DB) PutEntity(key string, entity *database.DataEntity) int {
	sd := db.slotOf(key)
	_, existed := sd.data[key]
	sd.data[key] = entity
	if existed {
		return 0
	}
	db.keyCount++
	return 1
}

// Remove 从存储中移除 key 及其过期时间
func (db *DB) Remove(key string) bool {
	sd := db.peekSlot(key)
	if sd == nil {
		return false
	}
	if _, ok := sd.data[key]; !ok {
		return false
	}
	delete(sd.data, key)
	delete(sd.expires, key)
	db.keyCount--
	return true
}

// Removes 批量移除 key，返回移除的 key 数量
func (db *DB) Removes(keys ...string) (deleted int) {
	for _, key := range keys {
		if _, exists := db.GetEntity(key); exists {
			db.Remove(key)
			deleted++
		}
	}
	return deleted
}

func (db *DB) Flush() {
	for i := range db.slots {
		db.slots[i] = nil
	}
	db.keyCount = 0
}

// DBSize 返回 key 总数和设置了过期时间的 key 数
func (db *DB) DBSize() (int, int) {
	ttl := 0
	for _, sd := range db.slots {
		if sd != nil {
			ttl += len(sd.expires)
		}
	}
	return db.keyCount, ttl
}

// ******************** TTL Functions ********************

func (db *DB) Expire(key string, expireTime time.Time) {
	db.slotOf(key).expires[key] = expireTime
}

func (db *DB) Persist(key string) bool {
	sd := db.peekSlot(key)
	if sd == nil {
		return false
	}
	if _, ok := sd.expires[key]; !ok {
		return false
	}
	delete(sd.expires, key)
	return true
}

// GetExpiration 返回 key 的过期时间，未设置时为 nil
func (db *DB) GetExpiration(key string) *time.Time {
	sd := db.peekSlot(key)
	if sd == nil {
		return nil
	}
	t, ok := sd.expires[key]
	if !ok {
		return nil
	}
	return &t
}

// IsExpired 检查 key 是否过期，过期时删除
func (db *DB) IsExpired(key string) bool {
	sd := db.peekSlot(key)
	if sd == nil {
		return false
	}
	expireTime, ok := sd.expires[key]
	if !ok {
		return false
	}
	expired := db.now().After(expireTime)
	if expired {
		db.Remove(key)
	}
	return expired
}

// ActiveExpire 定期抽查过期 key，每次最多检查 limit 个
func (db *DB) ActiveExpire(limit int) int {
	now := db.now()
	removed := 0
	for _, sd := range db.slots {
		if sd == nil || len(sd.expires) == 0 {
			continue
		}
		for key, at := range sd.expires {
			if limit <= 0 {
				return removed
			}
			limit--
			if now.After(at) {
				db.Remove(key)
				removed++
			}
		}
	}
	return removed
}
