package stream

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/ripstream/ripstream/internal/codeset"
	"github.com/ripstream/ripstream/internal/config"
	"github.com/ripstream/ripstream/internal/rerrors"
	"github.com/ripstream/ripstream/internal/rstats"
	"github.com/ripstream/ripstream/internal/status"
	"github.com/ripstream/ripstream/internal/stream/frame"
)

const (
	reconnectInitialBackoff = time.Second
	reconnectMaxBackoff     = 60 * time.Second
)

// Supervisor owns a session's full lifecycle: connect, wire up
// MetaStripper → RingBuffer → {TrackScheduler, RelayServer}, reconnect
// on recoverable failures, and tear everything down on Stop, per
// spec.md §5's thread model (Reader, TrackWriter, Acceptor/RelaySender,
// optional ExternalCmd reader, all under one shared stop signal).
type Supervisor struct {
	cfg   *config.Config
	sink  *status.Sink
	stats *rstats.Session

	codec  *codeset.Converter
	engine *ParseEngine

	mu    sync.Mutex
	rb    *RingBuffer
	sched *TrackScheduler
	relay *RelayServer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor builds a Supervisor for cfg. userRules, if non-nil, is
// the parsed contents of cfg.RulesFile; pass nil to run with the
// compiled-in default rules only.
func NewSupervisor(cfg *config.Config, userRules []ParseRule) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		sink:   status.NewSink(500),
		stats:  rstats.NewSession(),
		codec:  codeset.New(cfg.Codeset.From, cfg.Codeset.AutoDetect),
		engine: NewParseEngine(userRules),
	}
}

// Sink exposes the status event sink for CLI/status-API subscribers.
func (s *Supervisor) Sink() *status.Sink { return s.sink }

// Stats exposes the session counters for the status API.
func (s *Supervisor) Stats() *rstats.Session { return s.stats }

// ReloadRules replaces the active ParseEngine rule set, for a SIGHUP
// reload without restarting the session (spec.md's rules-file reload).
func (s *Supervisor) ReloadRules(rules []ParseRule) {
	s.engine.SetRules(rules)
}

// Start launches the Reader thread in the background and returns
// immediately; connection failures and reconnects are reported through
// the status Sink rather than as a return value.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop signals cancellation and waits up to 2×ReadTimeout for every
// thread to exit, per spec.md §5's cancellation bound.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	timeout := 2 * s.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-s.done:
	case <-time.After(timeout):
	}

	s.mu.Lock()
	if s.sched != nil {
		s.sched.Stop()
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	if s.rb != nil {
		s.rb.Close()
	}
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	backoff := reconnectInitialBackoff
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return // clean EOF with no auto-reconnect configured
		}
		if !s.cfg.AutoReconnect || !isReconnectable(err) {
			s.sink.Error("supervisor", err, true)
			return
		}

		s.stats.IncReconnects()
		s.sink.Emit(status.Event{Kind: status.KindUpdate, Code: status.CodeReconnecting, Source: "supervisor", Message: err.Error()})

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}
	}
}

func isReconnectable(err error) bool {
	var e *rerrors.Error
	if as, ok := err.(*rerrors.Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind.Tier() != rerrors.TierFatal
}

// runOnce performs one connect-through-disconnect cycle: connects,
// builds the RingBuffer/TrackScheduler/RelayServer for the detected
// content type, and runs the Reader and TrackWriter loops until the
// connection drops or ctx is cancelled.
func (s *Supervisor) runOnce(ctx context.Context) error {
	conn, err := Connect(ConnectOptions{
		URL:            s.cfg.SourceURL,
		ProxyURL:       s.cfg.ProxyURL,
		UserAgent:      s.cfg.UserAgent,
		Interface:      s.cfg.Interface,
		ConnectTimeout: s.cfg.ConnectTimeout,
		ReadTimeout:    s.cfg.ReadTimeout,
		HTTP10:         s.cfg.HTTP10,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	ext := extForContentType(conn.Headers.ContentType)

	chunkSize := conn.Headers.MetaInt
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	windowMs := s.cfg.Splitpoint.SearchWindow1Ms + s.cfg.Splitpoint.SearchWindow2Ms
	bitrateBytesPerSec := conn.Headers.Bitrate * 1000 / 8
	minChunks := 30
	if bitrateBytesPerSec > 0 && windowMs > 0 {
		needed := (bitrateBytesPerSec*windowMs/1000)/chunkSize + 4
		if needed > minChunks {
			minChunks = needed
		}
	}

	rb := NewRingBuffer(chunkSize, minChunks)
	sched := NewTrackScheduler(s.cfg, s.sink, s.stats, ext, stationName(conn.Headers, s.cfg.SourceURL))
	detector := NewSilenceDetector(conn.Headers.ContentType)

	s.mu.Lock()
	s.rb = rb
	s.sched = sched
	if s.cfg.Relay.Enabled {
		s.relay = NewRelayServer(s.cfg.Relay, rb, sched, s.sink, s.stats, conn.Headers)
		if err := s.relay.Start(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	writerCursor := rb.NewCursor(false, false)
	defer rb.CloseCursor(writerCursor)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.trackWriterLoop(ctx, rb, sched, detector, writerCursor, bitrateOrDefault(conn.Headers.Bitrate))
	}()

	extDone := s.startExternalCmd(ctx, sched)

	s.sink.Emit(status.Event{Kind: status.KindStarted, Source: "supervisor", Message: s.cfg.SourceURL})
	err = s.readerLoop(ctx, conn, rb)

	rb.Close()
	<-writerDone
	if extDone != nil {
		<-extDone
	}
	return err
}

// startExternalCmd launches the optional external metadata command as
// its own reader thread (spec.md §4.8, §5), feeding its TrackInfo
// records into sched through the same OnMetadataEvent entry point the
// TrackWriter thread uses. Unlike an in-band ICY marker, an external
// record carries no associated audio offset, so data is always nil:
// the audio pipeline keeps flowing through OnAudio independently.
// Returns nil if the external command is not configured.
func (s *Supervisor) startExternalCmd(ctx context.Context, sched *TrackScheduler) <-chan struct{} {
	if !s.cfg.ExternalCmd.Enabled {
		return nil
	}
	ext, err := NewExternalCmd(s.cfg.ExternalCmd.Command)
	if err != nil {
		s.sink.Error("externalcmd", err, false)
		return nil
	}

	done := make(chan struct{})
	events := make(chan TrackInfo, 8)

	go func() {
		for {
			select {
			case info, ok := <-events:
				if !ok {
					return
				}
				if err := sched.OnMetadataEvent(info, nil, nil, 0); err != nil {
					s.sink.Error("externalcmd", err, false)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(done)
		defer close(events)
		if err := ext.Run(ctx, events); err != nil && ctx.Err() == nil {
			s.sink.Error("externalcmd", err, false)
		}
	}()
	return done
}

// stationName derives the {station_name_or_sanitized_url} token (spec.md
// §4.6) from the source's icy-name header, falling back to the source
// URL's host when the server doesn't advertise one.
func stationName(headers SourceHeaders, sourceURL string) string {
	if headers.Name != "" {
		return headers.Name
	}
	if u, err := url.Parse(sourceURL); err == nil && u.Host != "" {
		return u.Host
	}
	return sourceURL
}

func bitrateOrDefault(kbps int) int {
	if kbps <= 0 {
		return 128
	}
	return kbps
}

// readerLoop drives Connection → MetaStripper → RingBuffer.InsertChunk,
// the single producer thread in spec.md §5's thread model.
func (s *Supervisor) readerLoop(ctx context.Context, conn *Connection, rb *RingBuffer) error {
	stripper := NewMetaStripper(conn, conn.Headers.MetaInt)
	buf := make([]byte, rb.chunkSize)

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		n, ev, err := stripper.Next(buf)
		if err != nil {
			if n > 0 {
				rb.InsertChunk(buf[:n], nil, nil)
			}
			return rerrors.Wrap("reader", rerrors.KindRecvFailed, err)
		}

		s.stats.AddBytesRead(int64(n))

		var marker *MetaMarker
		if ev != nil {
			raw := s.codec.ToUTF8([]byte(ev.RawMetadata))
			info := s.engine.Parse(raw)
			info.ComposedMetadata = ComposeMetadata(info, conn.Headers.StationURL)
			marker = &MetaMarker{Offset: n, Info: &info}
		}

		if n > 0 || marker != nil {
			if !rb.InsertChunk(buf[:n], marker, nil) {
				return nil
			}
		}
	}
}

// trackWriterLoop consumes audio from the RingBuffer and drives
// TrackScheduler's state machine, invoking SilenceDetector around
// metadata markers per spec.md §4.5. pendingSkip carries bytes that
// were already reassigned to the outgoing track (via the lookahead
// branch of applySplitAndPadding) across loop iterations, so the same
// audio is never also handed to the next track through an ordinary
// OnAudio call.
func (s *Supervisor) trackWriterLoop(ctx context.Context, rb *RingBuffer, sched *TrackScheduler, detector *SilenceDetector, cursorID int, bitrateKbps int) {
	buf := make([]byte, rb.chunkSize)
	var consumedPos int64
	var pendingSkip int64

	for {
		if ctx.Err() != nil {
			return
		}
		res := rb.Read(cursorID, buf)
		if res.Evicted {
			return
		}
		if res.N == 0 && res.Marker == nil {
			return
		}
		consumedPos += int64(res.N)

		data := buf[:res.N]
		var err error
		if res.Marker != nil {
			markerAbs := consumedPos
			cutAbs := markerAbs
			if s.cfg.Splitpoint.Enabled {
				cutAbs = s.refineSplitPoint(rb, detector, markerAbs, bitrateKbps)
			}
			oldData, carry, trimTail, skip := s.applySplitAndPadding(rb, data, markerAbs, cutAbs, bitrateKbps)
			pendingSkip += skip
			err = sched.OnMetadataEvent(*res.Marker.Info, oldData, carry, trimTail)
			rb.ClearSplitPoint()
		} else {
			if pendingSkip > 0 {
				skip := pendingSkip
				if skip > int64(len(data)) {
					skip = int64(len(data))
				}
				data = data[skip:]
				pendingSkip -= skip
			}
			err = sched.OnAudio(data)
		}
		if err != nil {
			s.sink.Error("trackwriter", err, false)
		}
	}
}

// refineSplitPoint inspects the buffer region around the raw metadata
// marker (at absolute offset markerAbs) and returns the absolute byte
// offset SilenceDetector chose for the track boundary, recording it
// via SetSplitPoint for the status API; the caller clears it once the
// boundary has actually been applied.
func (s *Supervisor) refineSplitPoint(rb *RingBuffer, detector *SilenceDetector, markerAbs int64, bitrateKbps int) int64 {
	window1 := msToBytes(s.cfg.Splitpoint.SearchWindow1Ms, bitrateKbps)
	window2 := msToBytes(s.cfg.Splitpoint.SearchWindow2Ms, bitrateKbps)
	region := make([]byte, window1+window2)

	regionStart := markerAbs - int64(window1)
	if regionStart < 0 {
		regionStart = 0
	}
	n := rb.PeekRegion(regionStart, region)
	if n == 0 {
		return markerAbs
	}

	markerRel := int(markerAbs - regionStart)
	res := detector.FindSplit(region[:n], markerRel, bitrateKbps, s.cfg.Splitpoint.MinVolume, s.cfg.Splitpoint.SilenceLengthMs, s.cfg.Splitpoint.OffsetMs)
	cutAbs := regionStart + int64(res.SplitOffset)
	rb.SetSplitPoint(cutAbs)
	return cutAbs
}

// applySplitAndPadding reconciles the raw metadata-marker boundary
// (markerAbs) with the silence-refined split point (cutAbs, equal to
// markerAbs when splitting is disabled) and the configured
// xs_padding_1/xs_padding_2 overlap (spec.md §4.5), given data, the
// audio this Read delivered up to markerAbs.
//
// It returns:
//   - oldData: bytes to finish the outgoing track with (data, possibly
//     extended with lookahead audio for a pad1 duplicate)
//   - carry: bytes to seed the start of the incoming track with
//   - trimTail: bytes to truncate off the outgoing track's file,
//     covering a split point or pad1 trim that reaches back before
//     this Read's data (and so may span file writes from prior
//     iterations)
//   - skip: bytes of upcoming ordinary audio the caller must withhold
//     from the incoming track, because they were already reassigned
//     (not duplicated) to the outgoing track via lookahead
//
// Padding that trims more than the bytes already buffered in data is
// clamped to what's available rather than reaching back across file
// writes; only the silence-refinement path needs that generality, and
// xs_padding windows are expected to be short relative to a chunk.
func (s *Supervisor) applySplitAndPadding(rb *RingBuffer, data []byte, markerAbs, cutAbs int64, bitrateKbps int) (oldData, carry []byte, trimTail, skip int64) {
	oldData = data

	reassign := cutAbs - markerAbs
	switch {
	case reassign > 0:
		extra := make([]byte, reassign)
		n := rb.PeekRegion(markerAbs, extra)
		oldData = append(oldData, extra[:n]...)
		skip += int64(n)
	case reassign < 0:
		want := -reassign
		extra := make([]byte, want)
		n := rb.PeekRegion(cutAbs, extra)
		carry = append(carry, extra[:n]...)
		trimTail += int64(n)
	}

	pad1 := msToBytes(s.cfg.Splitpoint.Padding1Ms, bitrateKbps)
	switch {
	case pad1 > 0:
		dup := make([]byte, pad1)
		n := rb.PeekRegion(cutAbs, dup)
		oldData = append(oldData, dup[:n]...)
	case pad1 < 0:
		trim := int64(-pad1)
		if trim > int64(len(oldData)) {
			trim = int64(len(oldData))
		}
		oldData = oldData[:int64(len(oldData))-trim]
	}

	pad2 := msToBytes(s.cfg.Splitpoint.Padding2Ms, bitrateKbps)
	switch {
	case pad2 > 0:
		start := cutAbs - int64(pad2)
		if start < 0 {
			start = 0
		}
		dup := make([]byte, cutAbs-start)
		n := rb.PeekRegion(start, dup)
		carry = append(dup[:n:n], carry...)
	case pad2 < 0:
		skip += int64(-pad2)
	}

	return oldData, carry, trimTail, skip
}

func extForContentType(ct frame.ContentType) string {
	switch ct {
	case frame.MP3:
		return "mp3"
	case frame.AAC:
		return "aac"
	case frame.OGG:
		return "ogg"
	default:
		return "dat"
	}
}
