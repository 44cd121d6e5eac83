package stream

import (
	"bufio"
	"net/url"
	"strings"
	"testing"

	"github.com/ripstream/ripstream/internal/rerrors"
	"github.com/ripstream/ripstream/internal/stream/frame"
)

func TestParseStatusLineICY(t *testing.T) {
	ok, code := parseStatusLine("ICY 200 OK")
	if !ok || code != 200 {
		t.Errorf("ok=%v code=%d, want true/200", ok, code)
	}
}

func TestParseStatusLineHTTP(t *testing.T) {
	ok, code := parseStatusLine("HTTP/1.1 302 Found")
	if !ok || code != 302 {
		t.Errorf("ok=%v code=%d, want true/302", ok, code)
	}
}

func TestParseStatusLineMalformed(t *testing.T) {
	ok, _ := parseStatusLine("garbage line")
	if ok {
		t.Error("expected a malformed status line to be rejected")
	}
	ok, _ = parseStatusLine("ICY")
	if ok {
		t.Error("expected a status line missing the code to be rejected")
	}
}

func TestApplyHeader(t *testing.T) {
	var h SourceHeaders
	applyHeader(&h, "content-type", "audio/mpeg")
	applyHeader(&h, "icy-metaint", "8192")
	applyHeader(&h, "icy-br", "128")
	applyHeader(&h, "icy-name", "Test Radio")
	applyHeader(&h, "icy-genre", "Rock")
	applyHeader(&h, "icy-url", "http://example.com")
	applyHeader(&h, "server", "Icecast 2.4")
	applyHeader(&h, "location", "http://elsewhere.example.com/stream")

	if h.ContentType != frame.MP3 || h.RawMIME != "audio/mpeg" {
		t.Errorf("ContentType=%v RawMIME=%q", h.ContentType, h.RawMIME)
	}
	if h.MetaInt != 8192 {
		t.Errorf("MetaInt = %d, want 8192", h.MetaInt)
	}
	if h.Bitrate != 128 {
		t.Errorf("Bitrate = %d, want 128", h.Bitrate)
	}
	if h.Name != "Test Radio" || h.Genre != "Rock" || h.StationURL != "http://example.com" {
		t.Errorf("Name=%q Genre=%q StationURL=%q", h.Name, h.Genre, h.StationURL)
	}
	if h.Server != "Icecast 2.4" {
		t.Errorf("Server = %q", h.Server)
	}
	if h.Location != "http://elsewhere.example.com/stream" {
		t.Errorf("Location = %q", h.Location)
	}
}

func TestApplyHeaderIgnoresUnknownKeys(t *testing.T) {
	var h SourceHeaders
	applyHeader(&h, "x-custom", "whatever")
	if h != (SourceHeaders{}) {
		t.Errorf("expected unknown headers to leave SourceHeaders untouched, got %+v", h)
	}
}

func TestApplyHeaderIgnoresNonIntMetaInt(t *testing.T) {
	var h SourceHeaders
	applyHeader(&h, "icy-metaint", "not-a-number")
	if h.MetaInt != 0 {
		t.Errorf("MetaInt = %d, want 0 for an unparsable value", h.MetaInt)
	}
}

func TestResolvePlaylistPLS(t *testing.T) {
	body := "[playlist]\nNumberOfEntries=1\nFile1=http://stream.example.com:8000/\nTitle1=Example\n"
	c := &Connection{
		reader:  bufio.NewReader(strings.NewReader(body)),
		Headers: SourceHeaders{ContentType: frame.PLS},
	}
	url, err := c.resolvePlaylist()
	if err != nil {
		t.Fatalf("resolvePlaylist: %v", err)
	}
	if url != "http://stream.example.com:8000/" {
		t.Errorf("got %q", url)
	}
}

func TestResolvePlaylistM3U(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:-1,Example\nhttp://stream.example.com:8000/\n"
	c := &Connection{
		reader:  bufio.NewReader(strings.NewReader(body)),
		Headers: SourceHeaders{ContentType: frame.M3U},
	}
	url, err := c.resolvePlaylist()
	if err != nil {
		t.Fatalf("resolvePlaylist: %v", err)
	}
	if url != "http://stream.example.com:8000/" {
		t.Errorf("got %q", url)
	}
}

func TestResolvePlaylistPLSNoEntry(t *testing.T) {
	c := &Connection{
		reader:  bufio.NewReader(strings.NewReader("[playlist]\nNumberOfEntries=0\n")),
		Headers: SourceHeaders{ContentType: frame.PLS},
	}
	if _, err := c.resolvePlaylist(); err == nil {
		t.Error("expected an error for a playlist with no usable entry")
	}
}

func TestResolveRedirectRejectsHTTPSToHTTPDowngrade(t *testing.T) {
	base, _ := url.Parse("https://stream.example.com/live")
	_, err := resolveRedirect(base, "http://stream.example.com/live")
	if !rerrors.Is(err, rerrors.KindHTTPRedirectLoop) {
		t.Errorf("expected KindHTTPRedirectLoop for an https->http redirect, got %v", err)
	}
}

func TestResolveRedirectAllowsSameSchemeAndUpgrade(t *testing.T) {
	base, _ := url.Parse("http://stream.example.com/live")
	resolved, err := resolveRedirect(base, "https://stream.example.com/live")
	if err != nil {
		t.Fatalf("resolveRedirect: %v", err)
	}
	if resolved != "https://stream.example.com/live" {
		t.Errorf("got %q", resolved)
	}

	base, _ = url.Parse("http://stream.example.com/live")
	resolved, err = resolveRedirect(base, "http://other.example.com/live")
	if err != nil {
		t.Fatalf("resolveRedirect: %v", err)
	}
	if resolved != "http://other.example.com/live" {
		t.Errorf("got %q", resolved)
	}
}

func TestBasicAuthEncode(t *testing.T) {
	if got := basicAuthEncode("user", "pass"); got != "dXNlcjpwYXNz" {
		t.Errorf("got %q", got)
	}
}
