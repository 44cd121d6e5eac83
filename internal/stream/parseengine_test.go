package stream

import (
	"regexp"
	"strings"
	"testing"
)

func TestParseEngineDefaultArtistTitle(t *testing.T) {
	p := NewParseEngine(nil)
	info := p.Parse("Daft Punk - One More Time")

	if info.Artist != "Daft Punk" || info.Title != "One More Time" {
		t.Errorf("got Artist=%q Title=%q", info.Artist, info.Title)
	}
	if !info.Save {
		t.Error("expected Save=true by default")
	}
}

func TestParseEngineStripsStreamTitleWrapper(t *testing.T) {
	p := NewParseEngine(nil)
	info := p.Parse(`StreamTitle='Daft Punk - One More Time';`)

	if info.Artist != "Daft Punk" || info.Title != "One More Time" {
		t.Errorf("got Artist=%q Title=%q", info.Artist, info.Title)
	}
}

func TestParseEngineStripsStreamTitleWrapperWithStreamUrl(t *testing.T) {
	p := NewParseEngine(nil)
	info := p.Parse(`StreamTitle='Daft Punk - One More Time';StreamUrl='http://example.com';`)

	if info.Artist != "Daft Punk" || info.Title != "One More Time" {
		t.Errorf("got Artist=%q Title=%q", info.Artist, info.Title)
	}
}

func TestParseEngineTitleOnlyFallback(t *testing.T) {
	p := NewParseEngine(nil)
	info := p.Parse("Just A Title With No Dash")

	if info.Artist != "" {
		t.Errorf("expected no artist, got %q", info.Artist)
	}
	if info.Title != "Just A Title With No Dash" {
		t.Errorf("Title = %q", info.Title)
	}
}

func TestParseEngineStationSkip(t *testing.T) {
	p := NewParseEngine(nil)
	info := p.Parse("Your Favorite Station - Top Hits")

	if info.HaveInfo {
		t.Error("a skip rule should stop before setting HaveInfo")
	}
}

func TestParseEngineUserRulesAppendAfterDefaults(t *testing.T) {
	extra := []ParseRule{{
		Kind:    RuleMatch,
		Pattern: regexp.MustCompile(`^ADVERT BREAK$`),
		Flag:    FlagExclude,
	}}
	p := NewParseEngine(extra)
	info := p.Parse("ADVERT BREAK")
	if info.Save {
		t.Error("expected Save=false from the custom exclude rule")
	}
}

func TestParseEngineSetRulesKeepsDefaults(t *testing.T) {
	p := NewParseEngine(nil)
	p.SetRules([]ParseRule{{
		Kind:        RuleSubstitute,
		Pattern:     regexp.MustCompile(`\s+`),
		Replacement: " ",
		Global:      true,
	}})

	// The compiled-in artist/title default rule must still fire after a
	// reload that only supplies a substitute rule.
	info := p.Parse("Artist  -   Title")
	if info.Artist != "Artist" || info.Title != "Title" {
		t.Errorf("defaults lost after SetRules: Artist=%q Title=%q", info.Artist, info.Title)
	}
}

func TestComposeMetadataBlockLength(t *testing.T) {
	info := TrackInfo{Artist: "A", Title: "B"}
	out := ComposeMetadata(info, "")

	wantMeta := "StreamTitle='A - B';"
	wantBlocks := (len(wantMeta) + 15) / 16
	if int(out[0]) != wantBlocks {
		t.Errorf("length byte = %d, want %d", out[0], wantBlocks)
	}
	if len(out) != 1+wantBlocks*16 {
		t.Errorf("composed length = %d, want %d", len(out), 1+wantBlocks*16)
	}
}

func TestComposeMetadataWithStationURL(t *testing.T) {
	info := TrackInfo{Title: "Solo Title"}
	out := ComposeMetadata(info, "http://example.com")

	body := string(out[1:])
	if !strings.Contains(body, "StreamTitle='Solo Title';") || !strings.Contains(body, "StreamUrl='http://example.com';") {
		t.Errorf("composed body = %q", body)
	}
}

func TestComposeMetadataSaturatesAt255Blocks(t *testing.T) {
	info := TrackInfo{Title: strings.Repeat("x", 5000)}
	out := ComposeMetadata(info, "")

	if out[0] != 255 {
		t.Errorf("length byte = %d, want 255 (saturated)", out[0])
	}
	if len(out) != 1+255*16 {
		t.Errorf("composed length = %d, want %d", len(out), 1+255*16)
	}
}
