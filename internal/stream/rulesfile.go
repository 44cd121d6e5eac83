package stream

import (
	"fmt"
	"regexp"

	"github.com/ripstream/ripstream/pkg/vibe"
)

// LoadRulesFile parses a VIBE-format rules file into a ParseRule list
// appended after the compiled-in defaults, per spec.md §4.3's "user
// rules file appended/merged." VIBE has no array-of-objects syntax
// (its parser rejects "{" inside "["), so rules are named objects
// nested under a top-level "rules" object, applied in declaration
// order:
//
//	rules {
//	  skip_station {
//	    pattern "Your Favorite Station"
//	    flag "skip"
//	  }
//	  clean_whitespace {
//	    type "substitute"
//	    pattern "\\s+"
//	    replacement " "
//	    global true
//	  }
//	}
func LoadRulesFile(path string) ([]ParseRule, error) {
	if path == "" {
		return nil, nil
	}

	v, err := vibe.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("ripstream: parse rules file: %w", err)
	}

	obj := v.GetObject("rules")
	if obj == nil {
		return nil, nil
	}
	rules := make([]ParseRule, 0, obj.Len())
	for _, name := range obj.Keys {
		rule, err := compileRule(obj.Get(name))
		if err != nil {
			return nil, fmt.Errorf("ripstream: rules file entry %q: %w", name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(item *vibe.Value) (ParseRule, error) {
	patternStr := item.GetString("pattern")
	if patternStr == "" {
		return ParseRule{}, fmt.Errorf("missing pattern")
	}
	caseInsensitive := item.GetBool("case_insensitive")
	if caseInsensitive {
		patternStr = "(?i)" + patternStr
	}
	pattern, err := regexp.Compile(patternStr)
	if err != nil {
		return ParseRule{}, fmt.Errorf("invalid pattern %q: %w", patternStr, err)
	}

	switch item.GetString("type") {
	case "substitute":
		return ParseRule{
			Kind:        RuleSubstitute,
			Pattern:     pattern,
			Replacement: item.GetString("replacement"),
			Global:      item.GetBool("global"),
		}, nil

	default: // "match" is the default when type is omitted
		captures := make(map[string]string)
		if obj := item.GetObject("captures"); obj != nil {
			for _, key := range obj.Keys {
				captures[key] = obj.Get(key).String
			}
		}
		return ParseRule{
			Kind:       RuleMatch,
			Pattern:    pattern,
			CaptureMap: captures,
			Flag:       parseRuleFlag(item.GetString("flag")),
		}, nil
	}
}

func parseRuleFlag(s string) RuleFlag {
	switch s {
	case "skip":
		return FlagSkip
	case "exclude":
		return FlagExclude
	case "save":
		return FlagSave
	default:
		return FlagContinue
	}
}
