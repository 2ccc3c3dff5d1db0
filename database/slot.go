package database

import (
	"asmredis/cluster/slots"
	"asmredis/interface/database"
)

// CountKeysInSlot 槽位中的 key 数
func (db *DB) CountKeysInSlot(slot int) int {
	if sd := db.slots[slot]; sd != nil {
		return len(sd.data)
	}
	return 0
}

// CountKeysInSlots 一组槽位中的 key 总数
func (db *DB) CountKeysInSlots(sra *slots.SlotRangeArray) int {
	n := 0
	sra.ForEach(func(slot int) bool {
		n += db.CountKeysInSlot(slot)
		return true
	})
	return n
}

// GetKeysInSlot 返回槽位中最多 count 个 key，count < 0 时返回全部
func (db *DB) GetKeysInSlot(slot int, count int) []string {
	sd := db.slots[slot]
	if sd == nil {
		return nil
	}
	keys := make([]string, 0, len(sd.data))
	for key := range sd.data {
		if count >= 0 && len(keys) >= count {
			break
		}
		keys = append(keys, key)
	}
	return keys
}

// SlotsWithKeys 返回所有非空的槽位
func (db *DB) SlotsWithKeys() []int {
	var result []int
	for slot, sd := range db.slots {
		if sd != nil && len(sd.data) > 0 {
			result = append(result, slot)
		}
	}
	return result
}

// SnapshotSlots 深拷贝槽位数据，得到某一时刻的快照，已过期的 key 被跳过
func (db *DB) SnapshotSlots(sra *slots.SlotRangeArray) []database.SlotSnapshot {
	now := db.now()
	var result []database.SlotSnapshot
	sra.ForEach(func(slot int) bool {
		sd := db.slots[slot]
		if sd == nil || len(sd.data) == 0 {
			return true
		}
		snap := database.SlotSnapshot{
			Slot:    slot,
			Entries: make([]database.SlotEntry, 0, len(sd.data)),
		}
		for key, entity := range sd.data {
			entry := database.SlotEntry{Key: key, Entity: copyEntity(entity)}
			if at, ok := sd.expires[key]; ok {
				if now.After(at) {
					continue
				}
				t := at
				entry.ExpireAt = &t
				snap.Expires++
			}
			snap.Entries = append(snap.Entries, entry)
		}
		result = append(result, snap)
		return true
	})
	return result
}

// DetachSlots 摘下槽位分区，返回摘下的 key 数和一个释放函数，释放可在其他 goroutine 执行
func (db *DB) DetachSlots(sra *slots.SlotRangeArray) (int, func()) {
	var detached []*slotDict
	n := 0
	sra.ForEach(func(slot int) bool {
		sd := db.slots[slot]
		if sd == nil {
			return true
		}
		db.slots[slot] = nil
		n += len(sd.data)
		detached = append(detached, sd)
		return true
	})
	db.keyCount -= n
	return n, func() {
		for _, sd := range detached {
			for k := range sd.data {
				delete(sd.data, k)
			}
			sd.expires = nil
		}
	}
}

// DeleteKeysInSlots 逐个删除槽位中的 key，触发删除回调
func (db *DB) DeleteKeysInSlots(sra *slots.SlotRangeArray) int {
	n := 0
	sra.ForEach(func(slot int) bool {
		for _, key := range db.GetKeysInSlot(slot, -1) {
			if db.Remove(key) {
				n++
			}
		}
		return true
	})
	return n
}
