package trim

import (
	"errors"
	"strconv"
	"strings"

	"asmredis/cluster/slots"
)

var (
	errMissingRanges = errors.New("ERR missing ranges argument")
	errRangeCount    = errors.New("ERR invalid number of ranges")
)

// ParseCommand 解析 TRIMSLOTS RANGES <n> <start end>...
func ParseCommand(args [][]byte) (*slots.SlotRangeArray, error) {
	if len(args) < 3 || !strings.EqualFold(string(args[1]), "ranges") {
		return nil, errMissingRanges
	}
	n, err := strconv.Atoi(string(args[2]))
	if err != nil || n <= 0 || n > slots.SlotCount || len(args) != 3+2*n {
		return nil, errRangeCount
	}
	sra, err := slots.ParseRanges(args[3:])
	if err != nil {
		return nil, errors.New("ERR " + err.Error())
	}
	return sra, nil
}
