package stream

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/ripstream/ripstream/internal/config"
	"github.com/ripstream/ripstream/internal/rstats"
	"github.com/ripstream/ripstream/internal/status"
)

func TestEqualFold(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"Icy-MetaData", "icy-metadata", true},
		{"abc", "abd", false},
		{"abc", "ab", false},
		{"", "", true},
	}
	for _, c := range cases {
		if got := equalFold(c.a, c.b); got != c.want {
			t.Errorf("equalFold(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestIndexFold(t *testing.T) {
	if got := indexFold("GET / HTTP/1.0\r\nIcy-MetaData: 1\r\n", "icy-metadata: 1"); got < 0 {
		t.Error("expected a case-insensitive match to be found")
	}
	if got := indexFold("nothing here", "icy-metadata: 1"); got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}

func TestContainsHeader(t *testing.T) {
	req := "GET / HTTP/1.0\r\nIcy-MetaData: 1\r\n\r\n"
	if !containsHeader(req, "Icy-MetaData: 1") {
		t.Error("expected the header to be found verbatim")
	}
	if !containsHeader(req, "icy-metadata: 1") {
		t.Error("expected the header to be found case-insensitively")
	}
	if containsHeader(req, "icy-br: 1") {
		t.Error("expected an absent header to not be found")
	}
}

func TestBindWithSearchSinglePort(t *testing.T) {
	r := &RelayServer{cfg: config.RelayConfig{BindIP: "127.0.0.1", Port: 0}}
	ln, port, err := r.bindWithSearch()
	if err != nil {
		t.Fatalf("bindWithSearch: %v", err)
	}
	defer ln.Close()
	if port == 0 {
		t.Error("expected the OS to assign a nonzero ephemeral port")
	}
}

func TestBindWithSearchExhaustsRange(t *testing.T) {
	// Occupy a port, then ask bindWithSearch to search only that one port.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	r := &RelayServer{cfg: config.RelayConfig{BindIP: "127.0.0.1", Port: port, SearchPorts: false}}
	if _, _, err := r.bindWithSearch(); err == nil {
		t.Error("expected bindWithSearch to fail when the only candidate port is taken")
	}
}

func TestRelayServerStartAndServeListener(t *testing.T) {
	rb := NewRingBuffer(4096, 64)
	sched := &TrackScheduler{}
	sink := status.NewSink(16)
	stats := rstats.NewSession()
	headers := SourceHeaders{RawMIME: "audio/mpeg", Name: "Test Radio", Genre: "Rock", StationURL: "http://example.com", Bitrate: 128}

	r := NewRelayServer(config.RelayConfig{BindIP: "127.0.0.1", Port: 0}, rb, sched, sink, stats, headers)
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if r.BoundPort() == 0 {
		t.Fatal("expected Start to bind to a nonzero port")
	}

	rb.InsertChunk([]byte("some audio bytes"), nil, nil)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", itoa(r.BoundPort())), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.0\r\nIcy-MetaData: 0\r\n\r\n")); err != nil {
		t.Fatalf("Write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	rdr := bufio.NewReader(conn)
	statusLine, err := rdr.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if statusLine != "ICY 200 OK\r\n" {
		t.Errorf("status line = %q", statusLine)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		n := len(r.listeners)
		r.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected one tracked listener after a successful handshake")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
