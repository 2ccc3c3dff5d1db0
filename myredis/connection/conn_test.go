package connection

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionFlags(t *testing.T) {
	c := NewSimpleConn()
	c.SetMaster()
	c.SetAsking(true)
	assert.True(t, c.IsMaster())
	assert.True(t, c.IsAsking())
	assert.False(t, c.IsSlave())
	c.SetAsking(false)
	assert.False(t, c.IsAsking())
	assert.True(t, c.IsMaster())

	other := NewSimpleConn()
	assert.NotEqual(t, c.ID(), other.ID())
}

func TestConnectionAsyncWrite(t *testing.T) {
	server, client := net.Pipe()
	c := NewConn(server, 0)
	defer c.Close()

	_, err := c.Write([]byte("+OK\r\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", line)
}

func TestConnectionOutputLimit(t *testing.T) {
	server, _ := net.Pipe()
	// 对端不读，数据会堆积在队列里
	c := NewConn(server, 16)
	_, _ = c.Write([]byte("0123456789"))
	_, _ = c.Write([]byte("0123456789"))
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection should be closed after exceeding the limit")
	}
	_, err := c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectionCloseAsyncFlushes(t *testing.T) {
	server, client := net.Pipe()
	c := NewConn(server, 0)
	_, _ = c.Write([]byte("-ERR bye\r\n"))
	c.CloseAsync()
	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "-ERR bye\r\n", line)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
}

func TestSimpleConnRead(t *testing.T) {
	c := NewSimpleConn()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Write([]byte("abc"))
	}()
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))
	_ = c.Close()
	_, err = c.Read(buf)
	assert.Error(t, err)
}
