package nmapai

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/pkg/errors"
)

// The scanner parameter string is split the way a shell would: whitespace
// separated words, with double quotes grouping a single argument.
type paramLine struct {
	Words []string `parser:"(@String | @Word)*"`
}

var paramLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Word", Pattern: `[^\s"]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var paramParser = participle.MustBuild[paramLine](
	participle.Lexer(paramLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
)

// Pasted parameter strings often carry typographic dashes.
func normalizeDashes(s string) string {
	return strings.NewReplacer("—", "--", "–", "--").Replace(s)
}

// SplitParams tokenizes the free-form scanner parameter string into argv
// words. Unicode en/em dashes are normalized to "--" first.
func SplitParams(s string) ([]string, error) {
	s = strings.TrimSpace(normalizeDashes(s))
	if s == "" {
		return nil, nil
	}

	line, err := paramParser.ParseString("", s)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "bad scanner parameters %q: %v", s, err)
	}
	return line.Words, nil
}
