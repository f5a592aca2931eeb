package runtime

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDefaultDialContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	rt := Default()
	conn, err := rt.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

func TestGoRunsFunc(t *testing.T) {
	rt := Default()
	done := make(chan struct{})
	rt.Go(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Go-scheduled function")
	}
}

func TestSleepRespectsCancellation(t *testing.T) {
	rt := Default()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	rt.Sleep(ctx, time.Hour)
	if time.Since(start) > time.Second {
		t.Fatal("Sleep did not return promptly on cancelled context")
	}
}
