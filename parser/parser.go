package parser

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"runtime/debug"
	"strconv"

	"asmredis/interface/myredis"
	"asmredis/lib/logger"
	"asmredis/protocol"
)

// Payload 一次解析的结果，Size 为该条数据在流中占用的原始字节数
type Payload struct {
	Data myredis.Reply
	Size int
	Err  error
}

func ParseStream(reader io.Reader) <-chan *Payload {
	ch := make(chan *Payload)
	go parse0(reader, ch)
	return ch
}

func ParseBytes(data []byte) ([]myredis.Reply, error) {
	ch := make(chan *Payload)
	reader := bytes.NewReader(data)
	go parse0(reader, ch)
	var results []myredis.Reply

	// 循环读取channel解析结果
	for payload := range ch {
		if payload == nil {
			return nil, errors.New("no protocol")
		}
		if payload.Err != nil {
			if payload.Err == io.EOF {
				break
			}
			return nil, payload.Err
		}
		results = append(results, payload.Data)
	}
	return results, nil
}

// reads data from []byte and return the first payload
func ParseOne(data []byte) (myredis.Reply, error) {
	ch := make(chan *Payload)
	reader := bytes.NewReader(data)
	go parse0(reader, ch)
	payload := <-ch
	if payload == nil {
		return nil, errors.New("no protocol")
	}
	if payload.Err != nil {
		return nil, payload.Err
	}
	// 读完剩余数据，让解析协程退出
	go func() {
		for range ch {
		}
	}()
	return payload.Data, nil
}

func parse0(rawReader io.Reader, ch chan<- *Payload) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error(err, string(debug.Stack()))
		}
	}()
	reader := bufio.NewReader(rawReader)
	fail := func(err error) {
		ch <- &Payload{Err: err}
		close(ch)
	}
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			fail(err)
			return
		}
		length := len(line)
		// 空行作为心跳，直接跳过
		if length <= 2 || line[length-2] != '\r' {
			continue
		}
		line = bytes.TrimSuffix(line, []byte{'\r', '\n'})
		switch line[0] {
		case '+':
			ch <- &Payload{
				Data: protocol.MakeStatusReply(string(line[1:])),
				Size: length,
			}
		case '-':
			ch <- &Payload{
				Data: protocol.MakeErrReply(string(line[1:])),
				Size: length,
			}
		case ':':
			value, err := strconv.ParseInt(string(line[1:]), 10, 64)
			if err != nil {
				protocolError(ch, "illegal number "+string(line[1:]))
				continue
			}
			ch <- &Payload{
				Data: protocol.MakeIntReply(value),
				Size: length,
			}
		case '$':
			if err = parseBulkString(line, length, reader, ch); err != nil {
				fail(err)
				return
			}
		case '*':
			if err = parseArray(line, length, reader, ch); err != nil {
				fail(err)
				return
			}
		default:
			// inline 命令
			args := bytes.Split(line, []byte{' '})
			ch <- &Payload{
				Data: protocol.MakeMultiBulkReply(args),
				Size: length,
			}
		}
	}
}

// $3\r\nSET\r\n
func parseBulkString(header []byte, size int, reader *bufio.Reader, ch chan<- *Payload) error {
	strlen, err := strconv.ParseInt(string(header[1:]), 10, 64)
	if err != nil || strlen < -1 {
		protocolError(ch, "illegal bulk string header: "+string(header))
		return nil
	} else if strlen == -1 {
		ch <- &Payload{
			Data: protocol.MakeNullBulkReply(),
			Size: size,
		}
		return nil
	}
	body := make([]byte, strlen+2)
	if _, err = io.ReadFull(reader, body); err != nil {
		return err
	}
	ch <- &Payload{
		Data: protocol.MakeBulkReply(body[:len(body)-2]),
		Size: size + len(body),
	}
	return nil
}

func parseArray(header []byte, size int, reader *bufio.Reader, ch chan<- *Payload) error {
	nStrs, err := strconv.ParseInt(string(header[1:]), 10, 64)
	if err != nil || nStrs < 0 {
		protocolError(ch, "illegal array header "+string(header[1:]))
		return nil
	} else if nStrs == 0 {
		ch <- &Payload{
			Data: protocol.MakeEmptyMultiBulkReply(),
			Size: size,
		}
		return nil
	}
	lines := make([][]byte, 0, nStrs)
	for i := int64(0); i < nStrs; i++ {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return err
		}
		length := len(line)
		size += length
		if length < 4 || line[length-2] != '\r' || line[0] != '$' {
			return errors.New("protocol error: illegal bulk string header " + string(line))
		}
		strLen, err := strconv.ParseInt(string(line[1:length-2]), 10, 64)
		if err != nil || strLen < -1 {
			return errors.New("protocol error: illegal bulk string length " + string(line))
		} else if strLen == -1 {
			lines = append(lines, []byte{})
			continue
		}
		body := make([]byte, strLen+2)
		if _, err := io.ReadFull(reader, body); err != nil {
			return err
		}
		size += len(body)
		lines = append(lines, body[:len(body)-2])
	}
	ch <- &Payload{
		Data: protocol.MakeMultiBulkReply(lines),
		Size: size,
	}
	return nil
}

// 封装错误，通过 chan 传递到 PayLoad
func protocolError(ch chan<- *Payload, msg string) {
	err := errors.New("protocol error: " + msg)
	ch <- &Payload{Err: err}
}
