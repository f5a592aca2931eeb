package agent

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
)

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func addrOf(ln net.Listener) (string, int) {
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func readRequestLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	for {
		l, err := r.ReadString('\n')
		if err != nil || l == "\r\n" {
			break
		}
	}
	return line
}

func TestAgentDoFollowsRedirectToNewOrigin(t *testing.T) {
	final := listenTCP(t)
	fhost, fport := addrOf(final)
	go func() {
		c, err := final.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		readRequestLine(r)
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	}()

	first := listenTCP(t)
	go func() {
		c, err := first.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		readRequestLine(r)
		location := "http://" + fhost + ":" + strconv.Itoa(fport) + "/dest"
		io.WriteString(c, "HTTP/1.1 302 Found\r\nLocation: "+location+"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	}()
	_, fport2 := addrOf(first)

	a := New(DefaultConfig())
	defer a.Close()

	req := NewRequest("GET", "http://127.0.0.1:"+strconv.Itoa(fport2)+"/start")
	resp, err := a.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 after redirect, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "ok" {
		t.Errorf("expected %q, got %q", "ok", got)
	}
}

func TestAgentDoReusesConnection(t *testing.T) {
	ln := listenTCP(t)
	host, port := addrOf(ln)

	var accepts int
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepts++
		defer c.Close()
		r := bufio.NewReader(c)
		for i := 0; i < 2; i++ {
			readRequestLine(r)
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\nConnection: keep-alive\r\n\r\nx")
		}
	}()

	a := New(DefaultConfig())
	defer a.Close()

	target := "http://" + host + ":" + strconv.Itoa(port) + "/"
	for i := 0; i < 2; i++ {
		resp, err := a.Do(context.Background(), NewRequest("GET", target))
		if err != nil {
			t.Fatalf("do %d: %v", i, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server goroutine never finished")
	}
	if accepts != 1 {
		t.Errorf("expected exactly one accepted connection (reuse), got %d", accepts)
	}
	stats := a.PoolStats()
	if stats.TotalReused == 0 {
		t.Error("expected pool to report at least one reuse")
	}
}

func TestAgentDoPostsBody(t *testing.T) {
	ln := listenTCP(t)
	host, port := addrOf(ln)

	gotBody := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		r.ReadString('\n')
		var length int
		for {
			l, err := r.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
			if n, err := strconv.Atoi(headerVal(l, "Content-Length")); err == nil {
				length = n
			}
		}
		buf := make([]byte, length)
		io.ReadFull(r, buf)
		gotBody <- string(buf)
		io.WriteString(c, "HTTP/1.1 201 Created\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	}()

	a := New(DefaultConfig())
	defer a.Close()

	req := NewRequest("POST", "http://"+host+":"+strconv.Itoa(port)+"/items").
		WithBody(body.FromBytes([]byte(`{"name":"widget"}`)))
	resp, err := a.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if got := <-gotBody; got != `{"name":"widget"}` {
		t.Errorf("unexpected request body: %q", got)
	}
}

func TestAgentDoClosingBeforeEOFDiscardsConnection(t *testing.T) {
	ln := listenTCP(t)
	host, port := addrOf(ln)

	var accepts int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepts++
			r := bufio.NewReader(c)
			readRequestLine(r)
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\nhello")
			c.Close()
		}
	}()

	a := New(DefaultConfig())
	defer a.Close()

	target := "http://" + host + ":" + strconv.Itoa(port) + "/"

	resp, err := a.Do(context.Background(), NewRequest("GET", target))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	// Close before reading any of the body: the connection must not be
	// returned to the pool, even though the response declared keep-alive.
	resp.Body.Close()

	resp2, err := a.Do(context.Background(), NewRequest("GET", target))
	if err != nil {
		t.Fatalf("do 2: %v", err)
	}
	io.Copy(io.Discard, resp2.Body)
	resp2.Body.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server goroutine never finished")
	}
	if accepts != 2 {
		t.Errorf("expected the second request to dial a fresh connection instead of reusing the unread one, got %d accepts", accepts)
	}
}

func headerVal(line, key string) string {
	prefix := key + ":"
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	return strings.TrimSpace(line[len(prefix):])
}
