package database

import "asmredis/interface/database"

// List 列表值
type List struct {
	Values [][]byte
}

// Set 集合值
type Set struct {
	Members map[string]struct{}
}

func newSet() *Set {
	return &Set{Members: make(map[string]struct{})}
}

// Hash 哈希值
type Hash struct {
	Fields map[string][]byte
}

func newHash() *Hash {
	return &Hash{Fields: make(map[string][]byte)}
}

// itemCount 容器中的元素个数，字符串视为 1
func itemCount(entity *database.DataEntity) int {
	switch v := entity.Data.(type) {
	case *List:
		return len(v.Values)
	case *Set:
		return len(v.Members)
	case *Hash:
		return len(v.Fields)
	}
	return 1
}

// typeName 对应 TYPE 命令的返回
func typeName(entity *database.DataEntity) string {
	switch entity.Data.(type) {
	case []byte:
		return "string"
	case *List:
		return "list"
	case *Set:
		return "set"
	case *Hash:
		return "hash"
	}
	return "none"
}

// copyEntity 深拷贝，用于生成快照
func copyEntity(entity *database.DataEntity) *database.DataEntity {
	switch v := entity.Data.(type) {
	case []byte:
		return &database.DataEntity{Data: append([]byte(nil), v...)}
	case *List:
		values := make([][]byte, len(v.Values))
		for i, b := range v.Values {
			values[i] = append([]byte(nil), b...)
		}
		return &database.DataEntity{Data: &List{Values: values}}
	case *Set:
		s := &Set{Members: make(map[string]struct{}, len(v.Members))}
		for m := range v.Members {
			s.Members[m] = struct{}{}
		}
		return &database.DataEntity{Data: s}
	case *Hash:
		h := &Hash{Fields: make(map[string][]byte, len(v.Fields))}
		for f, b := range v.Fields {
			h.Fields[f] = append([]byte(nil), b...)
		}
		return &database.DataEntity{Data: h}
	}
	return entity
}
