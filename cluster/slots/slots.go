// Package slots 槽位区间集合：有序、互不重叠的闭区间列表
package slots

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

const (
	SlotCount = 16384
	// NodeIDLen 节点 id 与任务 id 的长度
	NodeIDLen = 40
)

var ErrInvalidSlot = errors.New("Invalid or out of range slot")

// SlotRange 闭区间 [Start, End]
type SlotRange struct {
	Start int
	End   int
}

func (r SlotRange) Overlaps(o SlotRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r SlotRange) Count() int {
	return r.End - r.Start + 1
}

type SlotRangeArray struct {
	Ranges []SlotRange
}

func New(n int) *SlotRangeArray {
	return &SlotRangeArray{Ranges: make([]SlotRange, n)}
}

// FromRange 单个区间
func FromRange(start, end int) *SlotRangeArray {
	return &SlotRangeArray{Ranges: []SlotRange{{start, end}}}
}

func (a *SlotRangeArray) Dup() *SlotRangeArray {
	if a == nil {
		return nil
	}
	return &SlotRangeArray{Ranges: slices.Clone(a.Ranges)}
}

func (a *SlotRangeArray) Set(i, start, end int) {
	a.Ranges[i] = SlotRange{Start: start, End: end}
}

func (a *SlotRangeArray) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Ranges)
}

// Append 追加一个槽位，slot 必须大于最后一个区间的 End，相邻时合并
func Append(a *SlotRangeArray, slot int) *SlotRangeArray {
	if a == nil || len(a.Ranges) == 0 {
		return &SlotRangeArray{Ranges: []SlotRange{{slot, slot}}}
	}
	last := &a.Ranges[len(a.Ranges)-1]
	if slot <= last.End {
		panic(fmt.Sprintf("slot %d appended after %d", slot, last.End))
	}
	if slot == last.End+1 {
		last.End = slot
		return a
	}
	a.Ranges = append(a.Ranges, SlotRange{slot, slot})
	return a
}

// FromSlots 由任意顺序的槽位集合构造
func FromSlots(list []int) *SlotRangeArray {
	sorted := slices.Clone(list)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	var a *SlotRangeArray
	for _, slot := range sorted {
		a = Append(a, slot)
	}
	return a
}

func (a *SlotRangeArray) Contains(slot int) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Ranges {
		if r.Start <= slot && slot <= r.End {
			return true
		}
	}
	return false
}

// Count 槽位总数
func (a *SlotRangeArray) Count() int {
	n := 0
	for _, r := range a.Ranges {
		n += r.Count()
	}
	return n
}

// String 格式为 "1000-2000 3000-4000"
func (a *SlotRangeArray) String() string {
	if a == nil {
		return ""
	}
	var sb strings.Builder
	for i, r := range a.Ranges {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(r.Start))
		sb.WriteByte('-')
		sb.WriteString(strconv.Itoa(r.End))
	}
	return sb.String()
}

// FromString 解析 String 的输出，格式错误或校验失败时返回 nil
func FromString(s string) *SlotRangeArray {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, " ")
	a := New(len(parts))
	for i, part := range parts {
		dash := strings.IndexByte(part, '-')
		if dash < 0 {
			return nil
		}
		start, err1 := strconv.Atoi(part[:dash])
		end, err2 := strconv.Atoi(part[dash+1:])
		if err1 != nil || err2 != nil {
			return nil
		}
		a.Set(i, start, end)
	}
	if err := a.Validate(); err != nil {
		return nil
	}
	return a
}

func compareRange(x, y SlotRange) int {
	if x.Start != y.Start {
		return x.Start - y.Start
	}
	return x.End - y.End
}

// Equal 与区间顺序无关的比较，不修改原数组
func (a *SlotRangeArray) Equal(b *SlotRangeArray) bool {
	if a.Len() != b.Len() {
		return false
	}
	if a.Len() == 0 {
		return true
	}
	x, y := slices.Clone(a.Ranges), slices.Clone(b.Ranges)
	slices.SortFunc(x, compareRange)
	slices.SortFunc(y, compareRange)
	return slices.Equal(x, y)
}

// Validate 检查区间数量、范围、起止顺序以及重复的槽位
func (a *SlotRangeArray) Validate() error {
	n := a.Len()
	if n <= 0 || n >= SlotCount {
		return fmt.Errorf("invalid number of slot ranges: %d", n)
	}
	var used [SlotCount]bool
	for _, r := range a.Ranges {
		if r.Start < 0 || r.End < 0 || r.Start >= SlotCount || r.End >= SlotCount {
			return fmt.Errorf("slot range is out of range: %d-%d", r.Start, r.End)
		}
		if r.Start > r.End {
			return fmt.Errorf("start slot number %d is greater than end slot number %d", r.Start, r.End)
		}
		for s := r.Start; s <= r.End; s++ {
			if used[s] {
				return fmt.Errorf("Slot %d specified multiple times", s)
			}
			used[s] = true
		}
	}
	return nil
}

func (a *SlotRangeArray) Overlaps(r SlotRange) bool {
	if a == nil {
		return false
	}
	for _, x := range a.Ranges {
		if x.Overlaps(r) {
			return true
		}
	}
	return false
}

func (a *SlotRangeArray) OverlapsArray(b *SlotRangeArray) bool {
	if b == nil {
		return false
	}
	for _, r := range b.Ranges {
		if a.Overlaps(r) {
			return true
		}
	}
	return false
}

// ParseSlot 解析单个槽位参数
func ParseSlot(arg []byte) (int, error) {
	slot, err := strconv.Atoi(string(arg))
	if err != nil || slot < 0 || slot >= SlotCount {
		return -1, ErrInvalidSlot
	}
	return slot, nil
}

// ParseRanges 解析成对的 start end 参数
func ParseRanges(args [][]byte) (*SlotRangeArray, error) {
	if len(args)%2 != 0 {
		return nil, errors.New("ERR syntax error")
	}
	a := &SlotRangeArray{Ranges: make([]SlotRange, 0, len(args)/2)}
	for i := 0; i < len(args); i += 2 {
		start, err := ParseSlot(args[i])
		if err != nil {
			return nil, err
		}
		end, err := ParseSlot(args[i+1])
		if err != nil {
			return nil, err
		}
		a.Ranges = append(a.Ranges, SlotRange{start, end})
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Iterator 按递增顺序遍历槽位，不可重置
type Iterator struct {
	a     *SlotRangeArray
	index int
	cur   int
}

// Iter 返回的迭代器已指向第一个槽位
func (a *SlotRangeArray) Iter() *Iterator {
	it := &Iterator{a: a, cur: -1}
	if a.Len() > 0 {
		it.cur = a.Ranges[0].Start
	}
	return it
}

func (it *Iterator) Current() int {
	return it.cur
}

// Next 前进一个槽位，结束后返回 -1
func (it *Iterator) Next() int {
	if it.index >= it.a.Len() {
		return -1
	}
	if it.cur < it.a.Ranges[it.index].End {
		it.cur++
	} else {
		it.index++
		if it.index < len(it.a.Ranges) {
			it.cur = it.a.Ranges[it.index].Start
		} else {
			it.cur = -1
		}
	}
	return it.cur
}

// ForEach 依次访问每个槽位，fn 返回 false 时停止
func (a *SlotRangeArray) ForEach(fn func(slot int) bool) {
	for it := a.Iter(); it.Current() != -1; it.Next() {
		if !fn(it.Current()) {
			return
		}
	}
}
