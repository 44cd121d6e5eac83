package stream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ripstream/ripstream/pkg/vibe"
)

func writeRulesFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.vibe")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadRulesFileEmptyPath(t *testing.T) {
	rules, err := LoadRulesFile("")
	if err != nil || rules != nil {
		t.Errorf("got rules=%v err=%v, want nil/nil", rules, err)
	}
}

func TestLoadRulesFileMatchAndSubstitute(t *testing.T) {
	path := writeRulesFile(t, `
rules {
	skip_station {
		pattern "Ad Break"
		flag "exclude"
	}
	clean_whitespace {
		type "substitute"
		pattern "\\s+"
		replacement " "
		global true
	}
}
`)
	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].Kind != RuleMatch || rules[0].Flag != FlagExclude {
		t.Errorf("rules[0] = %+v", rules[0])
	}
	if rules[1].Kind != RuleSubstitute || rules[1].Replacement != " " || !rules[1].Global {
		t.Errorf("rules[1] = %+v", rules[1])
	}
}

func TestLoadRulesFileNoRulesObject(t *testing.T) {
	path := writeRulesFile(t, `unrelated "value"`)
	rules, err := LoadRulesFile(path)
	if err != nil || rules != nil {
		t.Errorf("got rules=%v err=%v, want nil/nil", rules, err)
	}
}

func TestLoadRulesFileMissingPatternErrors(t *testing.T) {
	path := writeRulesFile(t, `
rules {
	bad_rule {
		flag "skip"
	}
}
`)
	if _, err := LoadRulesFile(path); err == nil {
		t.Error("expected an error for a rule missing its pattern")
	}
}

func TestLoadRulesFileInvalidRegexErrors(t *testing.T) {
	path := writeRulesFile(t, `
rules {
	bad_rule {
		pattern "(unclosed"
	}
}
`)
	if _, err := LoadRulesFile(path); err == nil {
		t.Error("expected an error for an invalid regular expression")
	}
}

func TestCompileRuleWithCaptures(t *testing.T) {
	v := vibe.MustParseString(`
pattern "^(?P<artist>[^-]+) - (?P<title>.+)$"
captures {
	artist "artist"
	title "title"
}
flag "save"
`)
	rule, err := compileRule(v)
	if err != nil {
		t.Fatalf("compileRule: %v", err)
	}
	if rule.Kind != RuleMatch || rule.Flag != FlagSave {
		t.Errorf("rule = %+v", rule)
	}
	if rule.CaptureMap["artist"] != "artist" || rule.CaptureMap["title"] != "title" {
		t.Errorf("captures = %v", rule.CaptureMap)
	}
}

func TestCompileRuleCaseInsensitive(t *testing.T) {
	v := vibe.MustParseString(`
pattern "hello"
case_insensitive true
`)
	rule, err := compileRule(v)
	if err != nil {
		t.Fatalf("compileRule: %v", err)
	}
	if !rule.Pattern.MatchString("HELLO") {
		t.Error("expected a case-insensitive match")
	}
}

func TestParseRuleFlagValues(t *testing.T) {
	cases := map[string]RuleFlag{
		"skip":    FlagSkip,
		"exclude": FlagExclude,
		"save":    FlagSave,
		"":        FlagContinue,
		"bogus":   FlagContinue,
	}
	for in, want := range cases {
		if got := parseRuleFlag(in); got != want {
			t.Errorf("parseRuleFlag(%q) = %v, want %v", in, got, want)
		}
	}
}
