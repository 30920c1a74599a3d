package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const globMeta = "*?["

// pathGlob matches slash-normalized paths, case-insensitively.
// A pattern without wildcards matches the path itself and everything below it.
type pathGlob struct {
	raw     string
	re      *regexp.Regexp
	prefix  string
	literal int
}

func compileGlob(raw string) (pathGlob, error) {
	norm := normalizePath(strings.TrimSpace(raw))
	if norm == "" {
		return pathGlob{}, fmt.Errorf("empty path glob")
	}
	idx := strings.IndexAny(norm, globMeta)
	if idx < 0 {
		return pathGlob{raw: raw, prefix: strings.ToLower(strings.TrimRight(norm, "/")), literal: len(norm)}, nil
	}

	var sb strings.Builder
	sb.WriteString("(?i)^")
	for i := 0; i < len(norm); i++ {
		c := norm[i]
		switch c {
		case '*':
			if i+1 < len(norm) && norm[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(norm[i:], ']')
			if end < 0 {
				return pathGlob{}, fmt.Errorf("unterminated class in glob %q", raw)
			}
			class := norm[i : i+end+1]
			if strings.HasPrefix(class, "[!") {
				class = "[^" + class[2:]
			}
			sb.WriteString(class)
			i += end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return pathGlob{}, fmt.Errorf("compile glob %q: %w", raw, err)
	}
	return pathGlob{raw: raw, re: re, literal: idx}, nil
}

func (g pathGlob) match(path string) bool {
	if g.re != nil {
		return g.re.MatchString(path)
	}
	lower := strings.ToLower(path)
	return lower == g.prefix || strings.HasPrefix(lower, g.prefix+"/")
}

func normalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
