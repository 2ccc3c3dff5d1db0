package parser

import (
	"bytes"
	"io"
	"testing"

	"asmredis/interface/myredis"
	"asmredis/protocol"
)

func TestParseStream(t *testing.T) {
	replies := []myredis.Reply{
		protocol.MakeIntReply(1),
		protocol.MakeStatusReply("OK"),
		protocol.MakeErrReply("ERR unknown"),
		protocol.MakeBulkReply([]byte("a\r\nb")), // test binary safe
		protocol.MakeNullBulkReply(),
		protocol.MakeMultiBulkReply([][]byte{
			[]byte("a"),
			[]byte("\r\n"),
		}),
		protocol.MakeEmptyMultiBulkReply(),
	}
	reqs := bytes.Buffer{}
	for _, re := range replies {
		reqs.Write(re.ToBytes())
		// 心跳空行不产生数据
		reqs.Write([]byte("\n"))
	}
	reqs.Write([]byte("set a a" + protocol.CRLF))

	expected := make([]myredis.Reply, len(replies))
	copy(expected, replies)
	expected = append(expected, protocol.MakeMultiBulkReply([][]byte{
		[]byte("set"), []byte("a"), []byte("a"),
	}))

	ch := ParseStream(bytes.NewReader(reqs.Bytes()))
	i := 0
	for payload := range ch {
		if payload.Err != nil {
			if payload.Err == io.EOF {
				break
			}
			t.Fatal(payload.Err)
		}
		if payload.Data == nil {
			t.Fatal("empty data")
		}
		exp := expected[i]
		i++
		if !bytes.Equal(exp.ToBytes(), payload.Data.ToBytes()) {
			t.Errorf("parse failed: %q, expected %q", payload.Data.ToBytes(), exp.ToBytes())
		}
		if payload.Size != len(exp.ToBytes()) {
			t.Errorf("size of %q: %d, expected %d", exp.ToBytes(), payload.Size, len(exp.ToBytes()))
		}
	}
	if i != len(expected) {
		t.Errorf("parsed %d payloads, expected %d", i, len(expected))
	}
}

func TestParseOne(t *testing.T) {
	replies := []myredis.Reply{
		protocol.MakeIntReply(1),
		protocol.MakeStatusReply("OK"),
		protocol.MakeErrReply("ERR unknown"),
		protocol.MakeBulkReply([]byte("a\r\nb")),
		protocol.MakeNullBulkReply(),
		protocol.MakeMultiBulkReply([][]byte{
			[]byte("a"),
			[]byte("\r\n"),
		}),
	}
	for _, re := range replies {
		result, err := ParseOne(re.ToBytes())
		if err != nil {
			t.Error(err)
			continue
		}
		if !bytes.Equal(result.ToBytes(), re.ToBytes()) {
			t.Errorf("parse failed: %q, expected %q", result.ToBytes(), re.ToBytes())
		}
	}
}

func TestParseBytes(t *testing.T) {
	cmd := protocol.MakeMultiBulkReply([][]byte{[]byte("PING")}).ToBytes()
	replies, err := ParseBytes(append(cmd, cmd...))
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 2 {
		t.Errorf("expected 2 replies, got %d", len(replies))
	}
}
