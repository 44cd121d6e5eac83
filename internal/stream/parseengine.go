package stream

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RuleKind distinguishes a Match rule (populates TrackInfo fields) from
// a Substitute rule (rewrites the working buffer), per spec.md §4.3.
type RuleKind int

const (
	RuleMatch RuleKind = iota
	RuleSubstitute
)

// RuleFlag controls what happens after a Match rule fires.
type RuleFlag int

const (
	FlagContinue RuleFlag = iota
	FlagSkip             // stop the chain, keep current save flag
	FlagExclude          // clear save, stop the chain
	FlagSave              // set save=true, stop the chain
)

// ParseRule is one entry in the ordered rule list ParseEngine applies
// to each raw metadata string, per spec.md §3's ParseRule variant.
type ParseRule struct {
	Kind        RuleKind
	Pattern     *regexp.Regexp
	Replacement string              // Substitute only
	CaptureMap  map[string]string   // Match only: capture group name -> TrackInfo field name
	Flag        RuleFlag
	Global      bool // Substitute only: replace all occurrences
}

// DefaultRules are the compiled-in rules applied before any user rules
// file, matching spec.md §4.3's defaults: StreamTitle='(.*)';,
// "Artist - Title", and common station-ID skip patterns.
func DefaultRules() []ParseRule {
	return []ParseRule{
		{
			Kind:        RuleSubstitute,
			Pattern:     regexp.MustCompile(`^StreamTitle='(.*?)';.*$`),
			Replacement: "$1",
		},
		{
			Kind:    RuleMatch,
			Pattern: regexp.MustCompile(`^(?:.*[Ss]tation.*|.*[Aa]dvert.*)$`),
			Flag:    FlagSkip,
		},
		{
			Kind:       RuleMatch,
			Pattern:    regexp.MustCompile(`^(?P<title>.+)$`),
			CaptureMap: map[string]string{"title": "title"},
			Flag:       FlagContinue,
		},
		{
			Kind:       RuleMatch,
			Pattern:    regexp.MustCompile(`^(?P<artist>[^-]+?)\s*-\s*(?P<title>.+)$`),
			CaptureMap: map[string]string{"artist": "artist", "title": "title"},
			Flag:       FlagContinue,
		},
	}
}

// ParseEngine applies an ordered rule list to raw ICY metadata strings,
// producing TrackInfo field assignments, and also builds the
// composed-metadata wire bytes RelayServer sends to its listeners.
type ParseEngine struct {
	rules []ParseRule
}

// NewParseEngine builds a ParseEngine from the compiled-in defaults
// plus any rules loaded from a rules file (nil if none configured).
func NewParseEngine(userRules []ParseRule) *ParseEngine {
	return &ParseEngine{rules: mergeWithDefaults(userRules)}
}

// SetRules replaces the user rule list, re-merged after the compiled-in
// defaults, used for a SIGHUP rules-file reload without restarting the
// session.
func (p *ParseEngine) SetRules(userRules []ParseRule) {
	p.rules = mergeWithDefaults(userRules)
}

func mergeWithDefaults(userRules []ParseRule) []ParseRule {
	rules := append([]ParseRule{}, DefaultRules()...)
	return append(rules, userRules...)
}

// Parse walks the rule chain over raw and returns a populated TrackInfo.
// raw is expected to already be codeset-converted to UTF-8; ParseEngine
// treats it as an opaque string and never attempts its own charset
// detection (spec.md §4.3, §9).
func (p *ParseEngine) Parse(raw string) TrackInfo {
	info := TrackInfo{RawMetadata: raw, Save: true}
	working := raw

	for _, rule := range p.rules {
		switch rule.Kind {
		case RuleSubstitute:
			if rule.Global {
				working = rule.Pattern.ReplaceAllString(working, rule.Replacement)
			} else {
				working = replaceFirst(rule.Pattern, working, rule.Replacement)
			}
			continue
		case RuleMatch:
			m := rule.Pattern.FindStringSubmatch(working)
			if m == nil {
				continue
			}
			applyCaptures(&info, rule.Pattern, m, rule.CaptureMap)
			if rule.Flag != FlagSkip {
				info.HaveInfo = true
			}

			switch rule.Flag {
			case FlagSkip:
				return info
			case FlagExclude:
				info.Save = false
				return info
			case FlagSave:
				info.Save = true
				return info
			case FlagContinue:
				continue
			}
		}
	}
	return info
}

func replaceFirst(re *regexp.Regexp, s, repl string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	expanded := re.ReplaceAllString(s[loc[0]:loc[1]], repl)
	return s[:loc[0]] + expanded + s[loc[1]:]
}

func applyCaptures(info *TrackInfo, re *regexp.Regexp, match []string, captureMap map[string]string) {
	names := re.SubexpNames()
	for i, name := range names {
		if i == 0 || name == "" {
			continue
		}
		field, ok := captureMap[name]
		if !ok {
			continue
		}
		val := strings.TrimSpace(match[i])
		switch field {
		case "artist":
			info.Artist = val
		case "title":
			info.Title = val
		case "album":
			info.Album = val
		case "year":
			info.Year = val
		case "track":
			if n, err := strconv.Atoi(val); err == nil {
				info.TrackParsed = n
			}
		}
	}
}

// maxComposedBlocks is the hard 255-block cap (spec.md §4.3, §7): the
// ICY length byte is unsigned, so the block count must saturate rather
// than overflow.
const maxComposedBlocks = 255

// ComposeMetadata builds the relay wire bytes for info: a length byte
// (in 16-byte blocks, saturating at 255) followed by
// StreamTitle='{artist} - {title}';[StreamUrl='{url}';], NUL-padded to
// the block boundary. Grounded on gocast's ICYMetadataWriter.writeMetadata
// and independently on GoStream's BuildIcecastMetadata — both retrieved
// examples build the identical wire format.
func ComposeMetadata(info TrackInfo, streamURL string) []byte {
	title := info.Title
	if info.Artist != "" {
		title = info.Artist + " - " + info.Title
	}
	meta := fmt.Sprintf("StreamTitle='%s';", title)
	if streamURL != "" {
		meta += fmt.Sprintf("StreamUrl='%s';", streamURL)
	}

	blocks := (len(meta) + 15) / 16
	if blocks > maxComposedBlocks {
		blocks = maxComposedBlocks
		meta = meta[:maxComposedBlocks*16]
	}

	out := make([]byte, 1+blocks*16)
	out[0] = byte(blocks)
	copy(out[1:], meta)
	return out
}
