package database

// 获取 write keys / read keys，路由层据此计算槽位

// 命令只读取其第一个参数作为键
// for example: GET <key>, TTL <key>
func readFirstKey(args [][]byte) ([]string, []string) {
	key := string(args[0])
	return nil, []string{key}
}

// 命令会读取其所有参数作为键
// for example: MGET key1 key2 key3
func readAllKeys(args [][]byte) ([]string, []string) {
	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg)
	}
	return nil, keys
}

// 命令只写入其第一个参数作为键
// for example: SET <key> <value>, INCR <key>
func writeFirstKey(args [][]byte) ([]string, []string) {
	key := string(args[0])
	return []string{key}, nil
}

// 命令会写入其所有参数作为键
// for example: DEL key1 key2 key3
func writeAllKeys(args [][]byte) ([]string, []string) {
	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg)
	}
	return keys, nil
}

// MSET key1 val1 key2 val2
func prepareMSet(args [][]byte) ([]string, []string) {
	size := len(args) / 2
	keys := make([]string, size)
	for i := 0; i < size; i++ {
		keys[i] = string(args[2*i])
	}
	return keys, nil
}

// 命令不涉及对任何特定键的读写操作
// for example: DBSIZE, KEYS, FUNCTION
func noPrepare(args [][]byte) ([]string, []string) {
	return nil, nil
}
