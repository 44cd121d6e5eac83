package stream

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ripstream/ripstream/internal/config"
	"github.com/ripstream/ripstream/internal/rerrors"
	"github.com/ripstream/ripstream/internal/rstats"
	"github.com/ripstream/ripstream/internal/status"
)

// RelayListener is one connected relay client, per spec.md §3's
// "Relay listener records" entity: created on accept, destroyed on
// disconnect. Grounded on gocast/internal/stream/mount.go's Listener.
type RelayListener struct {
	ID        string
	conn      net.Conn
	cursorID  int
	connected time.Time
}

// RelayServer listens on a local port range, accepts ICY listener
// connections, and serves each from the shared RingBuffer with the
// currently active composed metadata interleaved, per spec.md §4.7.
type RelayServer struct {
	cfg     config.RelayConfig
	rb      *RingBuffer
	sched   *TrackScheduler
	sink    *status.Sink
	stats   *rstats.Session
	headers SourceHeaders

	mu        sync.Mutex
	listeners map[string]*RelayListener
	listener  net.Listener
	boundPort int

	stopCh chan struct{}
}

// NewRelayServer builds a RelayServer that mirrors headers and serves
// audio from rb, with the currently-playing track taken from sched.
func NewRelayServer(cfg config.RelayConfig, rb *RingBuffer, sched *TrackScheduler, sink *status.Sink, stats *rstats.Session, headers SourceHeaders) *RelayServer {
	return &RelayServer{
		cfg:       cfg,
		rb:        rb,
		sched:     sched,
		sink:      sink,
		stats:     stats,
		headers:   headers,
		listeners: make(map[string]*RelayListener),
		stopCh:    make(chan struct{}),
	}
}

// Start binds the acceptor (searching [Port, MaxPort] when
// cfg.SearchPorts is set, per spec.md §4.7) and begins accepting
// connections in a background goroutine.
func (r *RelayServer) Start() error {
	ln, port, err := r.bindWithSearch()
	if err != nil {
		return err
	}

	if r.cfg.AutoSSL {
		tlsLn, err := wrapAutoSSL(ln, r.cfg)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tlsLn
	}

	r.mu.Lock()
	r.listener = ln
	r.boundPort = port
	r.mu.Unlock()

	go r.acceptLoop()
	return nil
}

func (r *RelayServer) bindWithSearch() (net.Listener, int, error) {
	addr := r.cfg.BindIP
	port := r.cfg.Port
	maxPort := r.cfg.Port
	if r.cfg.SearchPorts {
		maxPort = r.cfg.MaxPort
	}

	for p := port; p <= maxPort; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, p))
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
	}
	return nil, 0, rerrors.New("relay", rerrors.KindPortRangeExhausted)
}

// BoundPort returns the port the acceptor ended up bound to.
func (r *RelayServer) BoundPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundPort
}

func (r *RelayServer) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				r.sink.Error("relay", err, false)
				return
			}
		}
		optimizeTCP(conn)
		go r.serveListener(conn)
	}
}

// serveListener performs the ICY handshake and then streams audio plus
// interleaved metadata until the client disconnects or falls behind,
// per spec.md §4.7.
func (r *RelayServer) serveListener(conn net.Conn) {
	defer conn.Close()

	wantsMeta, err := readClientRequest(conn)
	if err != nil {
		return
	}

	const metaInterval = 65536 // bytes of audio per relay metadata block, when enabled
	if err := r.writeICYHeaders(conn, wantsMeta, metaInterval); err != nil {
		return
	}

	id := uuid.NewString()
	cursorID := r.rb.NewCursor(true, true)
	rl := &RelayListener{ID: id, conn: conn, cursorID: cursorID, connected: time.Now()}

	r.mu.Lock()
	r.listeners[id] = rl
	r.mu.Unlock()
	r.stats.IncListeners()

	defer func() {
		r.rb.CloseCursor(cursorID)
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
		r.stats.DecListeners()
	}()

	r.sendLoop(rl, wantsMeta, metaInterval)
}

func readClientRequest(conn net.Conn) (wantsMeta bool, err error) {
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		return false, err
	}
	conn.SetReadDeadline(time.Time{})
	req := string(buf[:n])
	wantsMeta = containsHeader(req, "Icy-MetaData: 1") || containsHeader(req, "icy-metadata: 1")
	return wantsMeta, nil
}

func containsHeader(req, header string) bool {
	return len(req) >= len(header) && indexFold(req, header) >= 0
}

func indexFold(s, substr string) int {
	sl, bl := len(s), len(substr)
	if bl == 0 || bl > sl {
		return -1
	}
	for i := 0; i+bl <= sl; i++ {
		if equalFold(s[i:i+bl], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// writeICYHeaders mirrors the source headers exactly, per spec.md §6's
// "Relay wire protocol."
func (r *RelayServer) writeICYHeaders(conn net.Conn, wantsMeta bool, metaInterval int) error {
	var b []byte
	b = append(b, "ICY 200 OK\r\n"...)
	b = append(b, fmt.Sprintf("content-type: %s\r\n", r.headers.RawMIME)...)
	if wantsMeta {
		b = append(b, fmt.Sprintf("icy-metaint: %d\r\n", metaInterval)...)
	}
	b = append(b, fmt.Sprintf("icy-name: %s\r\n", r.headers.Name)...)
	b = append(b, fmt.Sprintf("icy-genre: %s\r\n", r.headers.Genre)...)
	b = append(b, fmt.Sprintf("icy-url: %s\r\n", r.headers.StationURL)...)
	b = append(b, fmt.Sprintf("icy-br: %d\r\n", r.headers.Bitrate)...)
	b = append(b, "\r\n"...)
	_, err := conn.Write(b)
	return err
}

// sendLoop copies audio from the listener's RingBuffer cursor to the
// socket, interleaving composed metadata at metaInterval when the
// client asked for it, per spec.md §4.7. The metadata length byte is 0
// when the active track hasn't changed since the listener's last block.
func (r *RelayServer) sendLoop(rl *RelayListener, wantsMeta bool, metaInterval int) {
	buf := make([]byte, 4096)
	sinceMeta := 0
	var lastSent TrackInfo

	for {
		res := r.rb.Read(rl.cursorID, buf)
		if res.Evicted {
			return
		}
		if res.N == 0 && res.Marker == nil {
			return // buffer closed, no more data
		}

		data := buf[:res.N]
		for len(data) > 0 {
			toBoundary := metaInterval - sinceMeta
			chunk := data
			if wantsMeta && len(chunk) > toBoundary {
				chunk = data[:toBoundary]
			}
			if _, err := rl.conn.Write(chunk); err != nil {
				return
			}
			r.stats.AddBytesWritten(int64(len(chunk)))
			sinceMeta += len(chunk)
			data = data[len(chunk):]

			if wantsMeta && sinceMeta >= metaInterval {
				sinceMeta = 0
				cur := r.sched.CurrentTrack()
				var block []byte
				if sameTitle(cur, lastSent) {
					block = []byte{0}
				} else {
					block = cur.ComposedMetadata
					if block == nil {
						block = ComposeMetadata(cur, r.headers.StationURL)
					}
					lastSent = cur
				}
				if _, err := rl.conn.Write(block); err != nil {
					return
				}
			}
		}
	}
}

// Stop closes the acceptor and every connected listener.
func (r *RelayServer) Stop() {
	close(r.stopCh)
	r.mu.Lock()
	if r.listener != nil {
		r.listener.Close()
	}
	for _, rl := range r.listeners {
		rl.conn.Close()
	}
	r.mu.Unlock()
}

// ListenerCount returns the number of currently connected relay listeners.
func (r *RelayServer) ListenerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
