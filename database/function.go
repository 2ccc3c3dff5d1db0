package database

import (
	"sort"
	"strings"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"asmredis/interface/myredis"
	"asmredis/lib/utils"
	"asmredis/protocol"
)

// 只保存函数库代码，不执行

// 库名取自首行 "#!<engine> name=<library>"
func parseLibraryName(code string) (string, protocol.ErrorReply) {
	firstLine := code
	if i := strings.IndexByte(code, '\n'); i >= 0 {
		firstLine = code[:i]
	}
	if !strings.HasPrefix(firstLine, "#!") {
		return "", protocol.MakeErrReply("ERR Missing library metadata")
	}
	for _, field := range strings.Fields(firstLine[2:]) {
		if strings.HasPrefix(field, "name=") && len(field) > len("name=") {
			return field[len("name="):], nil
		}
	}
	return "", protocol.MakeErrReply("ERR Library name was not given")
}

// DumpFunctions 将所有函数库编码为 FUNCTION RESTORE 可用的载荷
func (db *DB) DumpFunctions() ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{})
	if err := enc.Encode(db.functions); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeFunctions(payload []byte) (map[string]string, error) {
	libs := make(map[string]string)
	dec := codec.NewDecoderBytes(payload, &codec.MsgpackHandle{})
	if err := dec.Decode(&libs); err != nil {
		return nil, err
	}
	return libs, nil
}

// FunctionCount 已加载的函数库数量
func (db *DB) FunctionCount() int {
	return len(db.functions)
}

func execFunction(db *DB, args [][]byte) myredis.Reply {
	sub := strings.ToUpper(string(args[0]))
	switch sub {
	case "LOAD":
		return functionLoad(db, args[1:])
	case "DELETE":
		if len(args) != 2 {
			return protocol.MakeArgNumErrReply("function|delete")
		}
		name := string(args[1])
		if _, ok := db.functions[name]; !ok {
			return protocol.MakeErrReply("ERR Library not found")
		}
		delete(db.functions, name)
		db.propagate(utils.ToCmdLine3("FUNCTION", args...))
		return protocol.MakeOkReply()
	case "LIST":
		names := make([]string, 0, len(db.functions))
		for name := range db.functions {
			names = append(names, name)
		}
		sort.Strings(names)
		return protocol.MakeMultiBulkReply(utils.ToCmdLine(names...))
	case "DUMP":
		payload, err := db.DumpFunctions()
		if err != nil {
			return protocol.MakeErrReply("ERR " + err.Error())
		}
		return protocol.MakeBulkReply(payload)
	case "RESTORE":
		return functionRestore(db, args[1:])
	case "FLUSH":
		db.functions = make(map[string]string)
		db.propagate(utils.ToCmdLine("FUNCTION", "FLUSH"))
		return protocol.MakeOkReply()
	}
	return protocol.MakeErrReply("ERR unknown subcommand '" + string(args[0]) + "'")
}

// FUNCTION LOAD [REPLACE] code
func functionLoad(db *DB, args [][]byte) myredis.Reply {
	replace := false
	if len(args) == 2 && strings.ToUpper(string(args[0])) == "REPLACE" {
		replace = true
		args = args[1:]
	}
	if len(args) != 1 {
		return protocol.MakeArgNumErrReply("function|load")
	}
	code := string(args[0])
	name, err := parseLibraryName(code)
	if err != nil {
		return err
	}
	if _, exists := db.functions[name]; exists && !replace {
		return protocol.MakeErrReply("ERR Library '" + name + "' already exists")
	}
	db.functions[name] = code
	db.propagate(utils.ToCmdLine("FUNCTION", "LOAD", "REPLACE", code))
	return protocol.MakeBulkReply([]byte(name))
}

// FUNCTION RESTORE payload [FLUSH|APPEND|REPLACE]
func functionRestore(db *DB, args [][]byte) myredis.Reply {
	if len(args) < 1 || len(args) > 2 {
		return protocol.MakeArgNumErrReply("function|restore")
	}
	policy := "APPEND"
	if len(args) == 2 {
		policy = strings.ToUpper(string(args[1]))
		if policy != "FLUSH" && policy != "APPEND" && policy != "REPLACE" {
			return protocol.MakeErrReply("ERR Wrong restore policy given, value should be either FLUSH, APPEND or REPLACE.")
		}
	}
	libs, err := decodeFunctions(args[0])
	if err != nil {
		return protocol.MakeErrReply("ERR payload version or checksum are wrong")
	}
	if policy == "APPEND" {
		for name := range libs {
			if _, exists := db.functions[name]; exists {
				return protocol.MakeErrReply("ERR Library " + name + " already exists")
			}
		}
	}
	if policy == "FLUSH" {
		db.functions = make(map[string]string)
	}
	for name, code := range libs {
		db.functions[name] = code
	}
	db.propagate(utils.ToCmdLine3("FUNCTION", []byte("RESTORE"), args[0], []byte(policy)))
	return protocol.MakeOkReply()
}

func init() {
	registerCommand("Function", execFunction, noPrepare, -2, flagWrite)
}
