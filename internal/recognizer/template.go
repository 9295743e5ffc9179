// Package recognizer matches localized server log messages against
// configured templates and turns the ones it understands into typed
// queue items: checkpoint completion, autovacuum/autoanalyze runs, and
// the control sentinels that request a snapshot, a maintenance sweep,
// or a restart.
package recognizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// templateCacheSize bounds the compiled-template cache. A SIGHUP
// config reload rebuilds the LogTailer's recognizers from whatever
// templates are configured, which are almost always one of the small
// set of defaults or a handful of site-specific overrides, so this
// stays far below the cache's capacity in practice.
const templateCacheSize = 64

var templateCache = mustNewTemplateCache()

func mustNewTemplateCache() *lru.Cache[string, *Template] {
	c, err := lru.New[string, *Template](templateCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}

// Template is a compiled localized message pattern. Placeholders %s,
// %d and %f are turned into capture groups; %s matches greedily up to
// whatever literal text follows it, matching the source's own
// greedy-up-to-the-next-literal semantics. %% in the configured
// template is a literal percent sign.
type Template struct {
	raw  string
	re   *regexp.Regexp
	kind []placeholderKind
}

type placeholderKind int

const (
	placeholderString placeholderKind = iota
	placeholderInt
	placeholderFloat
)

// Compile builds a Template from a configured message pattern such as
// `"automatic analyze of table \"%s.%s.%s\" system usage: %s"`, serving
// an already-compiled Template from cache when this exact pattern has
// been seen before (e.g. across a config reload that didn't touch this
// template).
func Compile(pattern string) (*Template, error) {
	if t, ok := templateCache.Get(pattern); ok {
		return t, nil
	}
	t, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	templateCache.Add(pattern, t)
	return t, nil
}

func compile(pattern string) (*Template, error) {
	var b strings.Builder
	var kinds []placeholderKind
	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '%' && i+1 < len(runes) {
			switch runes[i+1] {
			case 's':
				b.WriteString("(.+)")
				kinds = append(kinds, placeholderString)
				i++
				continue
			case 'd':
				b.WriteString(`(-?\d+)`)
				kinds = append(kinds, placeholderInt)
				i++
				continue
			case 'f':
				b.WriteString(`(-?[0-9]*\.?[0-9]+)`)
				kinds = append(kinds, placeholderFloat)
				i++
				continue
			case '%':
				b.WriteString(regexp.QuoteMeta("%"))
				i++
				continue
			}
		}
		b.WriteString(regexp.QuoteMeta(string(c)))
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("recognizer: invalid template %q: %w", pattern, err)
	}
	return &Template{raw: pattern, re: re, kind: kinds}, nil
}

// Match reports whether line matches the template and, if so, the
// captured placeholder values in order, as strings (callers parse %d
// and %f captures with strconv themselves, since the recognizers need
// specific numeric types).
func (t *Template) Match(line string) ([]string, bool) {
	m := t.re.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	return m[1:], true
}

// ParseFloat and ParseInt are small helpers recognizers use on
// captured numeric groups; errors here indicate a template/line that
// otherwise matched syntactically but carries an unparsable number,
// which the recognizer treats as a mismatch (WARNING, event dropped).
func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func ParseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
