package stream

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ripstream/ripstream/internal/rerrors"
	"github.com/ripstream/ripstream/internal/stream/frame"
)

const maxRedirects = 5

// ConnectOptions carries the per-session settings Connection needs,
// mirroring spec.md §3's stream configuration fields.
type ConnectOptions struct {
	URL            string
	ProxyURL       string
	UserAgent      string
	Interface      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	HTTP10         bool
}

// SourceHeaders is everything Connection extracts from the response
// headers that downstream components need, per spec.md §4.1's contract.
type SourceHeaders struct {
	ContentType  frame.ContentType
	RawMIME      string
	MetaInt      int // 0 means "none"
	Bitrate      int // kbps, from icy-br
	Name         string
	Genre        string
	StationURL   string
	Server       string
	Location     string // set on a 3xx response
}

// Connection is a live, already-negotiated source connection: a
// blocking byte reader plus the parsed response headers.
type Connection struct {
	conn    net.Conn
	reader  *bufio.Reader
	Headers SourceHeaders
}

// Connect issues the Shoutcast/Icecast request described by opts,
// following redirects and PLS/M3U playlist indirection, and returns a
// ready-to-read Connection. Matches spec.md §4.1's contract.
func Connect(opts ConnectOptions) (*Connection, error) {
	return connectFollowing(opts, opts.URL, 0, 0)
}

func connectFollowing(opts ConnectOptions, target string, redirects, playlistDepth int) (*Connection, error) {
	if redirects > maxRedirects {
		return nil, rerrors.New("connect", rerrors.KindHTTPRedirectLoop)
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, rerrors.Wrap("connect", rerrors.KindInvalidURL, err)
	}

	c, err := dial(opts, u)
	if err != nil {
		return nil, err
	}

	if err := c.sendRequest(opts, u); err != nil {
		c.conn.Close()
		return nil, err
	}

	headers, err := c.readHeaders()
	if err != nil {
		c.conn.Close()
		return nil, err
	}
	c.Headers = headers

	if headers.Location != "" {
		c.conn.Close()
		next, err := resolveRedirect(u, headers.Location)
		if err != nil {
			return nil, err
		}
		return connectFollowing(opts, next, redirects+1, playlistDepth)
	}

	switch c.Headers.ContentType {
	case frame.PLS, frame.M3U:
		if playlistDepth >= 2 {
			return nil, rerrors.New("connect", rerrors.KindHTTPRedirectLoop)
		}
		next, err := c.resolvePlaylist()
		c.conn.Close()
		if err != nil {
			return nil, err
		}
		return connectFollowing(opts, next, redirects, playlistDepth+1)
	case frame.Unknown:
		return nil, rerrors.New("connect", rerrors.KindUnknownContentType)
	}

	return c, nil
}

func resolveRedirect(base *url.URL, location string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", rerrors.Wrap("redirect", rerrors.KindBadHTTPResponse, err)
	}
	resolved := base.ResolveReference(loc)
	if base.Scheme == "https" && resolved.Scheme == "http" {
		return "", rerrors.New("redirect", rerrors.KindHTTPRedirectLoop)
	}
	return resolved.String(), nil
}

// dial opens the transport (direct, HTTP-proxied, or SOCKS5-proxied)
// and wraps it in TLS when the URL scheme calls for it, using
// sourceTLSConfig (minimum TLS 1.2, curated curve preferences, SNI set
// to the request host).
func dial(opts ConnectOptions, u *url.URL) (*Connection, error) {
	host := u.Hostname()
	port := u.Port()
	useTLS := u.Scheme == "https"
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "80"
		}
	}
	addr := net.JoinHostPort(host, port)

	rawConn, err := dialTransport(opts, addr)
	if err != nil {
		return nil, err
	}

	if useTLS {
		tlsConn := tls.Client(rawConn, sourceTLSConfig(host))
		if err := tlsConn.Handshake(); err != nil {
			rawConn.Close()
			return nil, rerrors.Wrap("connect", rerrors.KindTLSHandshake, err)
		}
		rawConn = tlsConn
	}

	optimizeTCP(rawConn)
	return &Connection{conn: rawConn, reader: bufio.NewReaderSize(rawConn, 8192)}, nil
}

func dialTransport(opts ConnectOptions, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	if opts.Interface != "" {
		if ip := net.ParseIP(opts.Interface); ip != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}

	if opts.ProxyURL == "" {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, classifyDialErr(err)
		}
		return conn, nil
	}

	proxyURL, err := url.Parse(opts.ProxyURL)
	if err != nil {
		return nil, rerrors.Wrap("connect", rerrors.KindInvalidURL, err)
	}

	if proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h" {
		d, err := proxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, rerrors.Wrap("connect", rerrors.KindConnectFailed, err)
		}
		conn, err := d.Dial("tcp", addr)
		if err != nil {
			return nil, classifyDialErr(err)
		}
		return conn, nil
	}

	// HTTP CONNECT proxy.
	conn, err := dialer.Dial("tcp", proxyURL.Host)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if proxyURL.User != nil {
		connectReq += "Proxy-Authorization: Basic " + basicAuth(proxyURL.User) + "\r\n"
	}
	connectReq += "\r\n"
	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, rerrors.Wrap("connect", rerrors.KindSendFailed, err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err != nil || resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, rerrors.New("connect", rerrors.KindConnectFailed)
	}
	return conn, nil
}

func basicAuth(u *url.Userinfo) string {
	pass, _ := u.Password()
	return basicAuthEncode(u.Username(), pass)
}

func classifyDialErr(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return rerrors.Wrap("connect", rerrors.KindTimeout, err)
	}
	if strings.Contains(err.Error(), "refused") {
		return rerrors.Wrap("connect", rerrors.KindConnectFailed, err)
	}
	if strings.Contains(err.Error(), "no such host") {
		return rerrors.Wrap("connect", rerrors.KindNameResolution, err)
	}
	return rerrors.Wrap("connect", rerrors.KindConnectFailed, err)
}

// sourceTLSConfig is the client TLS config for the source connection:
// TLS 1.2 minimum, X25519/P-256 curve preferences, HTTP/1.1 ALPN, and
// SNI set explicitly to the request host, since Go's client does not
// infer ServerName from a manually-dialed net.Conn.
func sourceTLSConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		NextProtos: []string{"http/1.1"},
	}
}

// optimizeTCP applies the same low-latency socket tuning the relay
// server uses on accepted connections (SetNoDelay, SetKeepAlive),
// unwrapping a *tls.Conn to reach the underlying *net.TCPConn.
func optimizeTCP(conn net.Conn) {
	var tcpConn *net.TCPConn
	switch c := conn.(type) {
	case *net.TCPConn:
		tcpConn = c
	case *tls.Conn:
		if tc, ok := c.NetConn().(*net.TCPConn); ok {
			tcpConn = tc
		}
	}
	if tcpConn == nil {
		return
	}
	tcpConn.SetNoDelay(true)
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(30 * time.Second)
}

// sendRequest writes the Shoutcast GET request, per spec.md §6.
func (c *Connection) sendRequest(opts ConnectOptions, u *url.URL) error {
	proto := "HTTP/1.1"
	if opts.HTTP10 {
		proto = "HTTP/1.0"
	}
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s %s\r\n", path, proto)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", opts.UserAgent)
	b.WriteString("Icy-MetaData: 1\r\n")
	if u.User != nil {
		pass, _ := u.User.Password()
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", basicAuthEncode(u.User.Username(), pass))
	}
	b.WriteString("Connection: close\r\n\r\n")

	if d, ok := c.conn.(interface{ SetWriteDeadline(time.Time) error }); ok && opts.ReadTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(opts.ReadTimeout))
	}
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return rerrors.Wrap("connect", rerrors.KindSendFailed, err)
	}
	return nil
}

// readHeaders reads the status line and header block, tolerating both
// "ICY 200 OK" and standard "HTTP/1.x 2xx" status lines (spec.md §4.1).
func (c *Connection) readHeaders() (SourceHeaders, error) {
	var h SourceHeaders

	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return h, rerrors.Wrap("connect", rerrors.KindBadHTTPResponse, err)
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")

	ok, statusCode := parseStatusLine(statusLine)
	if !ok {
		return h, rerrors.New("connect", rerrors.KindBadHTTPResponse)
	}

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return h, rerrors.Wrap("connect", rerrors.KindBadHTTPResponse, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		applyHeader(&h, strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(val))
	}

	if statusCode >= 300 && statusCode < 400 && h.Location != "" {
		return h, nil
	}
	if statusCode < 200 || statusCode >= 300 {
		return h, rerrors.New("connect", rerrors.KindBadHTTPResponse)
	}
	return h, nil
}

func parseStatusLine(line string) (ok bool, code int) {
	if strings.HasPrefix(line, "ICY ") {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			return false, 0
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, 0
		}
		return true, n
	}
	if strings.HasPrefix(line, "HTTP/") {
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 {
			return false, 0
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, 0
		}
		return true, n
	}
	return false, 0
}

func applyHeader(h *SourceHeaders, key, val string) {
	switch key {
	case "content-type":
		h.RawMIME = val
		h.ContentType = frame.ContentTypeFromMIME(strings.ToLower(val))
	case "icy-metaint":
		if n, err := strconv.Atoi(val); err == nil {
			h.MetaInt = n
		}
	case "icy-br":
		if n, err := strconv.Atoi(val); err == nil {
			h.Bitrate = n
		}
	case "icy-name":
		h.Name = val
	case "icy-genre":
		h.Genre = val
	case "icy-url":
		h.StationURL = val
	case "server", "icy-server":
		h.Server = val
	case "location":
		h.Location = val
	}
}

// resolvePlaylist reads a small PLS or M3U body and returns the first
// usable URL entry (spec.md §6: "the first usable entry is followed").
func (c *Connection) resolvePlaylist() (string, error) {
	const maxPlaylistBytes = 64 * 1024
	buf := make([]byte, maxPlaylistBytes)
	n, _ := c.reader.Read(buf)
	body := string(buf[:n])

	if c.Headers.ContentType == frame.PLS {
		for _, line := range strings.Split(body, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(strings.ToLower(line), "file") {
				if _, val, ok := strings.Cut(line, "="); ok && val != "" {
					return strings.TrimSpace(val), nil
				}
			}
		}
		return "", rerrors.New("connect", rerrors.KindBadHTTPResponse)
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return "", rerrors.New("connect", rerrors.KindBadHTTPResponse)
}

// Read implements io.Reader over the negotiated connection.
func (c *Connection) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// SetReadDeadline propagates a deadline to the underlying connection,
// used by Supervisor to bound a read that should not block forever.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func basicAuthEncode(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
