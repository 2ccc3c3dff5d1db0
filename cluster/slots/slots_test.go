package slots

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMerges(t *testing.T) {
	var a *SlotRangeArray
	for _, s := range []int{1000, 1001, 1003, 1004, 1005} {
		a = Append(a, s)
	}
	assert.Equal(t, "1000-1001 1003-1005", a.String())
	assert.Panics(t, func() { Append(a, 1005) })
}

func TestStringRoundTrip(t *testing.T) {
	a := &SlotRangeArray{Ranges: []SlotRange{{3000, 4000}, {0, 10}, {16383, 16383}}}
	require.NoError(t, a.Validate())
	b := FromString(a.String())
	require.NotNil(t, b)
	assert.True(t, a.Equal(b))
	// Equal 不修改原数组顺序
	assert.Equal(t, 3000, a.Ranges[0].Start)

	for _, bad := range []string{"", "1-", "a-b", "5-1", "1-2 2-3", "0-16384", "10"} {
		assert.Nil(t, FromString(bad), bad)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]*SlotRangeArray{
		"invalid number of slot ranges: 0":                    New(0),
		"slot range is out of range: 0-16384":                 FromRange(0, 16384),
		"start slot number 9 is greater than end slot number 1": FromRange(9, 1),
		"Slot 5 specified multiple times":                     {Ranges: []SlotRange{{0, 5}, {5, 6}}},
	}
	for want, a := range cases {
		err := a.Validate()
		if assert.Error(t, err) {
			assert.Equal(t, want, err.Error())
		}
	}
}

func TestParseRanges(t *testing.T) {
	a, err := ParseRanges([][]byte{[]byte("100"), []byte("199"), []byte("300"), []byte("300")})
	require.NoError(t, err)
	assert.Equal(t, "100-199 300-300", a.String())
	assert.True(t, a.Contains(150))
	assert.False(t, a.Contains(200))
	assert.Equal(t, 101, a.Count())

	_, err = ParseRanges([][]byte{[]byte("x"), []byte("1")})
	assert.Equal(t, ErrInvalidSlot, err)
}

func TestOverlaps(t *testing.T) {
	a := &SlotRangeArray{Ranges: []SlotRange{{0, 10}, {20, 30}}}
	assert.True(t, a.Overlaps(SlotRange{10, 15}))
	assert.False(t, a.Overlaps(SlotRange{11, 19}))
	assert.True(t, a.OverlapsArray(FromRange(25, 40)))
	assert.False(t, a.OverlapsArray(nil))
}

func TestIterator(t *testing.T) {
	a := &SlotRangeArray{Ranges: []SlotRange{{1, 2}, {5, 5}}}
	var got []int
	for it := a.Iter(); it.Current() != -1; it.Next() {
		got = append(got, it.Current())
	}
	assert.Equal(t, []int{1, 2, 5}, got)

	it := a.Iter()
	it.Next()
	it.Next()
	assert.Equal(t, -1, it.Next())
	assert.Equal(t, -1, it.Next())
}

func TestFromSlots(t *testing.T) {
	a := FromSlots([]int{7, 3, 4, 5, 7, 9})
	assert.Equal(t, "3-5 7-7 9-9", a.String())
}

func TestKeySlot(t *testing.T) {
	assert.Equal(t, uint16(0x31C3), CRC16([]byte("123456789")))
	assert.Equal(t, 12182, KeySlot("foo"))
	assert.Equal(t, 5061, KeySlot("bar"))
	assert.Equal(t, 866, KeySlot("hello"))
	assert.Equal(t, KeySlot("{user:1000}.name"), KeySlot("{user:1000}.email"))
	assert.Equal(t, KeySlot("user:1000"), KeySlot("{user:1000}.email"))
	// 空 tag 按整个 key 计算
	assert.Equal(t, int(CRC16([]byte("{}foo"))&(SlotCount-1)), KeySlot("{}foo"))
}
