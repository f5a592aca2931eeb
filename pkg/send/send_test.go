package send

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/corehttp/agent/pkg/body"
	agentconn "github.com/corehttp/agent/pkg/conn"
	"github.com/corehttp/agent/pkg/runtime"
	"github.com/corehttp/agent/pkg/timing"
	"github.com/corehttp/agent/pkg/uri"
)

func startHTTP1Server(t *testing.T, handler func(conn net.Conn)) uri.PoolKey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		handler(c)
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return uri.PoolKey{Scheme: "http", Host: host, Port: port}
}

func dialKey(t *testing.T, key uri.PoolKey) *agentconn.Connection {
	t.Helper()
	c, err := agentconn.Dial(context.Background(), key, agentconn.Config{ConnectTimeout: time.Second}, timing.NewTimer(), runtime.Default())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestDoH1FixedLengthBody(t *testing.T) {
	key := startHTTP1Server(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\nhello")
	})
	c := dialKey(t, key)
	defer c.Close()

	target, err := uri.Parse("http://" + key.Host + ":" + strconv.Itoa(key.Port) + "/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	resp, err := Do(context.Background(), c, &Request{
		Method: "GET",
		Target: target,
	}, body.PipelineConfig{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if !resp.ConnectionReusable {
		t.Error("expected connection to be reusable")
	}
}

func TestDoH1ChunkedBody(t *testing.T) {
	key := startHTTP1Server(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		io.WriteString(c, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	})
	c := dialKey(t, key)
	defer c.Close()

	target, err := uri.Parse("http://" + key.Host + ":" + strconv.Itoa(key.Port) + "/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	resp, err := Do(context.Background(), c, &Request{
		Method: "GET",
		Target: target,
	}, body.PipelineConfig{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestDoH1WritesRequestBody(t *testing.T) {
	reqLine := make(chan string, 1)
	reqBody := make(chan string, 1)
	key := startHTTP1Server(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		line, _ := r.ReadString('\n')
		reqLine <- line
		var contentLength int
		for {
			hl, err := r.ReadString('\n')
			if err != nil || hl == "\r\n" {
				break
			}
			if n, err := strconv.Atoi(headerValue(hl, "Content-Length")); err == nil {
				contentLength = n
			}
		}
		buf := make([]byte, contentLength)
		io.ReadFull(r, buf)
		reqBody <- string(buf)
		io.WriteString(c, "HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
	})
	c := dialKey(t, key)
	defer c.Close()

	target, err := uri.Parse("http://" + key.Host + ":" + strconv.Itoa(key.Port) + "/submit")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	resp, err := Do(context.Background(), c, &Request{
		Method: "POST",
		Target: target,
		Body:   body.FromBytes([]byte("payload")),
	}, body.PipelineConfig{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := <-reqBody; got != "payload" {
		t.Errorf("expected request body %q, got %q", "payload", got)
	}
	if resp.ConnectionReusable {
		t.Error("expected Connection: close to mark connection non-reusable")
	}
}

func TestDoH1DiscardsInterimResponses(t *testing.T) {
	key := startHTTP1Server(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		io.WriteString(c, "HTTP/1.1 100 Continue\r\n\r\n")
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: keep-alive\r\n\r\nok")
	})
	c := dialKey(t, key)
	defer c.Close()

	target, err := uri.Parse("http://" + key.Host + ":" + strconv.Itoa(key.Port) + "/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	resp, err := Do(context.Background(), c, &Request{
		Method: "GET",
		Target: target,
	}, body.PipelineConfig{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected the 100 Continue to be discarded and the final 200 reported, got %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "ok" {
		t.Errorf("expected %q, got %q", "ok", got)
	}
}

func TestDoH1EarlyResponseDoesNotDeadlockOnLargeBody(t *testing.T) {
	key := startHTTP1Server(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		// Answer immediately without reading the request body at all.
		io.WriteString(c, "HTTP/1.1 413 Payload Too Large\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	})
	c := dialKey(t, key)
	defer c.Close()

	target, err := uri.Parse("http://" + key.Host + ":" + strconv.Itoa(key.Port) + "/upload")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	large := make([]byte, 4<<20)
	done := make(chan struct{})
	var resp *Response
	go func() {
		defer close(done)
		resp, err = Do(context.Background(), c, &Request{
			Method: "PUT",
			Target: target,
			Body:   body.FromBytes(large),
		}, body.PipelineConfig{})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("doH1 deadlocked writing the request body instead of reading the early response")
	}
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != 413 {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if resp.ConnectionReusable {
		t.Error("expected a response that arrived before the body finished writing to mark the connection non-reusable")
	}
}

func headerValue(line, key string) string {
	prefix := key + ":"
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	return strings.TrimSpace(line[len(prefix):])
}
