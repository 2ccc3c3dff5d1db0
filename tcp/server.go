package tcp

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"asmredis/interface/tcp"
	"asmredis/lib/logger"
)

type Config struct {
	Address    string
	MaxConnect uint32 // 为 0 时不限制
	Timeout    time.Duration
}

// ClientCount 当前连接数
var ClientCount atomic.Int32

func ListenAndServeWithSignal(cfg *Config, handler tcp.Handler) error {
	closeChan := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	// 监听操作系统信号，实现优雅关闭
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Infof("received signal %s", sig)
		close(closeChan)
	}()
	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return err
	}
	logger.Infof("bind: %s, start listening...", cfg.Address)
	ListenAndServe(listener, handler, closeChan, cfg.MaxConnect)
	return nil
}

// ListenAndServe 接受连接直到 closeChan 关闭或 Accept 出错，然后关闭 handler 并等待所有连接退出
func ListenAndServe(listener net.Listener, handler tcp.Handler, closeChan <-chan struct{}, maxConnect uint32) {
	errCh := make(chan error, 1)
	go func() {
		select {
		case <-closeChan:
			logger.Info("get exit signal")
		case err := <-errCh:
			logger.Infof("accept error: %s", err.Error())
		}
		logger.Info("shutting down...")
		_ = listener.Close()
		_ = handler.Close()
	}()

	ctx := context.Background()
	var waitDone sync.WaitGroup
	// 每一个连接由一个独立的 goroutine 处理
	for {
		conn, err := listener.Accept()
		if err != nil {
			// 如果是超时错误，重新尝试
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logger.Infof("accept occurs timeout error: %v", err)
				time.Sleep(5 * time.Millisecond)
				continue
			}
			errCh <- err
			break
		}
		if maxConnect > 0 && uint32(ClientCount.Load()) >= maxConnect {
			logger.Warnf("max number of clients reached, reject %s", conn.RemoteAddr())
			_, _ = conn.Write([]byte("-ERR max number of clients reached\r\n"))
			_ = conn.Close()
			continue
		}
		logger.Debugf("accept link %s", conn.RemoteAddr())
		ClientCount.Add(1)
		waitDone.Add(1)
		go func() {
			defer func() {
				waitDone.Done()
				ClientCount.Add(-1)
			}()
			handler.Handle(ctx, conn)
		}()
	}
	waitDone.Wait()
}
