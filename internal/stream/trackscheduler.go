package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bogem/id3v2/v2"

	"github.com/ripstream/ripstream/internal/config"
	"github.com/ripstream/ripstream/internal/rstats"
	"github.com/ripstream/ripstream/internal/status"
)

// SchedulerState is TrackScheduler's state machine position, per
// spec.md §4.6.
type SchedulerState int

const (
	StateBuffering SchedulerState = iota
	StateRipping
	StateCompleting
	StateReconnecting
	StateStopped
)

func (s SchedulerState) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StateRipping:
		return "ripping"
	case StateCompleting:
		return "completing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TrackScheduler owns the state machine, partial-track files, dropcount,
// size caps and track numbering, per spec.md §4.6. State-machine calls
// are serialized by callMu (see below); a dedicated statusMu guards the small set of fields the status
// callback reads, mirroring spec.md §5's "dedicated status lock used
// solely for reads by the status callback."
type TrackScheduler struct {
	cfg     *config.Config
	sink    *status.Sink
	stats   *rstats.Session
	ext     string // file extension, derived from content type
	station string // icy-name or sanitized source URL, for %S and separate-dirs
	active  atomic.Bool

	// callMu serializes state-machine transitions. The TrackWriter
	// thread is the usual caller, but an enabled external metadata
	// command feeds events from its own reader thread, so the
	// single-goroutine assumption no longer holds unconditionally.
	callMu sync.Mutex

	statusMu    sync.RWMutex
	state       SchedulerState
	currentInfo TrackInfo

	dropped      int
	nextTrackNum int
	bytesWritten int64

	curFile     *os.File
	curPath     string // final destination; untouched until completeCurrentFile decides
	curTempPath string
	curBytes    int64
	singleFile  *os.File
}

// tempSuffix names the staging file a track is streamed into. Writing
// to the final path directly would mean completeCurrentFile's
// exists-stat always sees the file currently being written, never the
// pre-existing file at that path (if any) — so every overwrite policy
// needs a pristine destination to check before it touches it.
const tempSuffix = ".ripstream-part"

// NewTrackScheduler builds a scheduler for a session, with track
// numbering starting at cfg.CountStart. station names the source
// (icy-name header or a sanitized fallback) used for %S and
// separate-dirs, per spec.md §4.6.
func NewTrackScheduler(cfg *config.Config, sink *status.Sink, stats *rstats.Session, ext, station string) *TrackScheduler {
	return &TrackScheduler{
		cfg:          cfg,
		sink:         sink,
		stats:        stats,
		ext:          ext,
		station:      station,
		state:        StateBuffering,
		nextTrackNum: cfg.CountStart,
	}
}

// State returns the current state (safe for the status callback to call
// concurrently with the driving goroutine).
func (t *TrackScheduler) State() SchedulerState {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return t.state
}

func (t *TrackScheduler) setState(s SchedulerState) {
	t.statusMu.Lock()
	t.state = s
	t.statusMu.Unlock()
}

// CurrentTrack returns a copy of the currently active TrackInfo.
func (t *TrackScheduler) CurrentTrack() TrackInfo {
	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return t.currentInfo
}

// OnMetadataEvent advances the state machine on a new TrackInfo arriving
// from the RingBuffer's metadata marker, per spec.md §4.6's transitions.
// data is the audio accumulated since the previous call, written to the
// currently open file (if any) before the transition is evaluated. carry
// is audio the caller has already reassigned or duplicated across the
// boundary (split-point refinement and xs_padding, per spec.md §4.5);
// it is written to the newly opened file immediately after startTrack,
// ahead of any ordinary OnAudio call. trimTail shortens the file that's
// about to be completed by that many bytes, when the refined split
// point landed before the raw metadata marker.
func (t *TrackScheduler) OnMetadataEvent(info TrackInfo, data, carry []byte, trimTail int64) error {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	if t.State() == StateStopped {
		return nil
	}

	if err := t.writeChunk(data); err != nil {
		return err
	}
	t.trimCurrentTail(trimTail)

	switch t.State() {
	case StateBuffering:
		if t.dropped < t.cfg.DropCount {
			t.dropped++
			return nil
		}
		if err := t.startTrack(info); err != nil {
			return err
		}
		return t.writeChunk(carry)

	case StateRipping:
		prior := t.CurrentTrack()
		if !sameTitle(prior, info) {
			t.setState(StateCompleting)
			if prior.Save {
				if err := t.completeCurrentFile(); err != nil {
					return err
				}
			} else {
				t.discardCurrentFile()
			}
			if err := t.startTrack(info); err != nil {
				return err
			}
			return t.writeChunk(carry)
		}
		return nil
	}
	return nil
}

func sameTitle(a, b TrackInfo) bool {
	return a.Artist == b.Artist && a.Title == b.Title
}

// OnAudio is called on every audio chunk that does not carry a
// metadata marker (the common case): it just appends to the open file
// and checks the size cap.
func (t *TrackScheduler) OnAudio(data []byte) error {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	if t.State() == StateStopped {
		return nil
	}
	if t.State() == StateBuffering && !t.cfg.Files.SingleFileOut {
		return nil
	}
	return t.writeChunk(data)
}

func (t *TrackScheduler) writeChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if t.cfg.Files.SingleFileOut {
		if t.singleFile == nil {
			if err := t.openSingleFile(); err != nil {
				return err
			}
		}
		if _, err := t.singleFile.Write(data); err != nil {
			return err
		}
	} else if t.curFile != nil {
		if _, err := t.curFile.Write(data); err != nil {
			return err
		}
		t.curBytes += int64(len(data))
	}

	t.bytesWritten += int64(len(data))
	t.stats.AddBytesWritten(int64(len(data)))

	if t.cfg.MaxRipMB > 0 && t.bytesWritten >= int64(t.cfg.MaxRipMB)*1024*1024 {
		t.setState(StateStopped)
		t.sink.Emit(status.Event{Kind: status.KindDone, Source: "trackscheduler", Message: "size cap reached"})
	}
	return nil
}

// trimCurrentTail truncates the currently open per-track file by n
// bytes, applying a silence-refined split point that landed before the
// raw metadata marker (spec.md §4.5). A no-op in single-file-out mode,
// where there is no per-track file to shorten.
func (t *TrackScheduler) trimCurrentTail(n int64) {
	if n <= 0 || t.curFile == nil {
		return
	}
	newSize := t.curBytes - n
	if newSize < 0 {
		newSize = 0
	}
	trimmed := t.curBytes - newSize
	if err := t.curFile.Truncate(newSize); err != nil {
		return
	}
	t.curFile.Seek(newSize, 0)
	t.curBytes = newSize
	t.bytesWritten -= trimmed
	t.stats.AddBytesWritten(-trimmed)
}

func (t *TrackScheduler) startTrack(info TrackInfo) error {
	info.TrackAssign = t.nextTrackNum
	t.nextTrackNum++

	t.statusMu.Lock()
	t.currentInfo = info
	t.state = StateRipping
	t.statusMu.Unlock()

	if t.cfg.Files.SingleFileOut {
		t.sink.Emit(status.Event{Kind: status.KindNewTrack, Source: "trackscheduler", Message: info.Title})
		return nil
	}

	path, err := t.resolveTargetPath(info)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempPath := path + tempSuffix
	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	t.curFile = f
	t.curPath = path
	t.curTempPath = tempPath
	t.curBytes = 0

	t.sink.Emit(status.Event{Kind: status.KindNewTrack, Source: "trackscheduler", Message: info.Title, Fields: map[string]any{
		"path": path, "track": info.TrackAssign,
	}})
	return nil
}

func (t *TrackScheduler) completeCurrentFile() error {
	if t.curFile == nil {
		return nil
	}
	info := t.CurrentTrack()
	path := t.curPath
	tempPath := t.curTempPath
	size := t.curBytes

	if err := t.curFile.Close(); err != nil {
		return err
	}
	t.curFile = nil

	// path was never touched by this pass, so it still reflects whatever
	// genuinely pre-existed at the destination (or nothing at all).
	final, skip, err := t.applyOverwritePolicy(path, size)
	if err != nil {
		return err
	}
	if skip {
		os.Remove(tempPath)
	} else {
		if err := os.Rename(tempPath, final); err != nil {
			return err
		}
		path = final
		t.tagID3(path, info)
	}

	t.stats.IncTracksRipped()
	t.sink.Emit(status.Event{Kind: status.KindTrackDone, Source: "trackscheduler", Message: info.Title, Fields: map[string]any{"path": path}})
	return nil
}

func (t *TrackScheduler) discardCurrentFile() {
	if t.curFile == nil {
		return
	}
	t.curFile.Close()
	os.Remove(t.curTempPath)
	t.curFile = nil
}

// Stop transitions to Stopped, closing/finalizing any in-flight file
// per the keep-incomplete policy (spec.md §5's cancellation behavior).
func (t *TrackScheduler) Stop() {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	if t.curFile != nil {
		t.curFile.Close()
		if t.cfg.Files.KeepIncomplete {
			os.Rename(t.curTempPath, t.curPath+".partial")
		} else {
			os.Remove(t.curTempPath)
		}
		t.curFile = nil
	}
	if t.singleFile != nil {
		t.singleFile.Close()
		t.singleFile = nil
	}
	t.setState(StateStopped)
}

// applyOverwritePolicy decides the final path for a just-completed
// track file of the given size, per spec.md §4.6's four policies.
func (t *TrackScheduler) applyOverwritePolicy(path string, size int64) (final string, skip bool, err error) {
	switch t.cfg.Files.Overwrite {
	case config.OverwriteAlways:
		return path, false, nil
	case config.OverwriteNever:
		if _, statErr := os.Stat(path); statErr == nil {
			return path, true, nil
		}
		return path, false, nil
	case config.OverwriteLarger:
		if fi, statErr := os.Stat(path); statErr == nil && fi.Size() >= size {
			return path, true, nil
		}
		return path, false, nil
	case config.OverwriteVersion:
		if _, statErr := os.Stat(path); statErr != nil {
			return path, false, nil
		}
		ext := filepath.Ext(path)
		stem := strings.TrimSuffix(path, ext)
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
			if _, statErr := os.Stat(candidate); statErr != nil {
				return candidate, false, nil
			}
		}
	}
	return path, false, nil
}

var filenameSanitizer = regexp.MustCompile(`[\\/:*?"<>|]`)

// resolveTargetPath substitutes file-naming pattern tokens and
// sanitizes the result, per spec.md §4.6.
func (t *TrackScheduler) resolveTargetPath(info TrackInfo) (string, error) {
	pattern := t.cfg.Files.FilenamePattern
	name := substituteTokens(pattern, info, t.station)
	name = filenameSanitizer.ReplaceAllString(name, "_")

	dir := t.cfg.Files.OutputDir
	if t.cfg.Files.SeparateDirs {
		station := filenameSanitizer.ReplaceAllString(t.station, "_")
		if station == "" {
			station = "stream"
		}
		dir = filepath.Join(dir, station)
	}
	return filepath.Join(dir, name+"."+t.ext), nil
}

func substituteTokens(pattern string, info TrackInfo, station string) string {
	r := strings.NewReplacer(
		"%A", orDefault(info.Artist, "Unknown"),
		"%T", orDefault(info.Title, "Unknown"),
		"%B", info.Album,
		"%N", fmt.Sprintf("%02d", info.TrackAssign),
		"%n", fmt.Sprintf("%02d", info.TrackParsed),
		"%Y", info.Year,
		"%S", orDefault(station, "stream"),
		"%d", time.Now().UTC().Format("2006-01-02"),
	)
	return r.Replace(pattern)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (t *TrackScheduler) openSingleFile() error {
	dir := t.cfg.Files.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, t.cfg.Files.ShowFilePattern+"."+t.ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	t.singleFile = f
	return nil
}

// tagID3 writes ID3v1/ID3v2 tags onto a completed MP3 file when the
// corresponding flags are set, via github.com/bogem/id3v2.
func (t *TrackScheduler) tagID3(path string, info TrackInfo) {
	if t.ext != "mp3" || (!t.cfg.Files.AddID3V1 && !t.cfg.Files.AddID3V2) {
		return
	}
	tag, err := id3v2.Open(path, id3v2.Options{Parse: false})
	if err != nil {
		return
	}
	defer tag.Close()

	tag.SetArtist(info.Artist)
	tag.SetTitle(info.Title)
	tag.SetAlbum(info.Album)
	tag.SetYear(info.Year)
	tag.Save()
}
