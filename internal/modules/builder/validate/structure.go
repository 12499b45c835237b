package validate

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/yungbote/appforge-backend/internal/modules/builder/artifact"
)

func checkBalanced(f artifact.File) []Finding {
	switch {
	case isScript(f.Path), strings.EqualFold(path.Ext(f.Path), ".css"), strings.EqualFold(path.Ext(f.Path), ".json"):
		if msg, line := scanBrackets(f.Content); msg != "" {
			return []Finding{{Rule: RuleBalanced, Location: fmt.Sprintf("%s:%d", f.Path, line), Message: msg}}
		}
	case isHTML(f.Path):
		if msg, line := scanTags(f.Content); msg != "" {
			return []Finding{{Rule: RuleBalanced, Location: fmt.Sprintf("%s:%d", f.Path, line), Message: msg}}
		}
	}
	return nil
}

var closers = map[byte]byte{')': '(', ']': '[', '}': '{'}

// scanBrackets skips string literals and comments. Quoted strings end at a
// newline so stray apostrophes in JSX text cannot swallow the rest of a file.
func scanBrackets(src string) (string, int) {
	type open struct {
		ch   byte
		line int
	}
	var stack []open
	line := 1
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\n':
			line++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			line++
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				if src[i] == '\n' {
					line++
				}
				i++
			}
			i++
		case c == '\'' || c == '"':
			for i++; i < len(src) && src[i] != c && src[i] != '\n'; i++ {
				if src[i] == '\\' {
					i++
				}
			}
			if i < len(src) && src[i] == '\n' {
				line++
			}
		case c == '`':
			for i++; i < len(src) && src[i] != '`'; i++ {
				if src[i] == '\\' {
					i++
				} else if src[i] == '\n' {
					line++
				}
			}
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, open{ch: c, line: line})
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 {
				return fmt.Sprintf("unexpected %q", c), line
			}
			top := stack[len(stack)-1]
			if top.ch != closers[c] {
				return fmt.Sprintf("%q opened on line %d closed by %q", top.ch, top.line, c), line
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return fmt.Sprintf("%q is never closed", top.ch), top.line
	}
	return "", 0
}

var (
	tagRe     = regexp.MustCompile(`<(/?)([a-zA-Z][a-zA-Z0-9-]*)([^>]*)>`)
	voidElems = map[string]bool{
		"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true, "img": true,
		"input": true, "link": true, "meta": true, "source": true, "track": true, "wbr": true,
	}
)

func scanTags(src string) (string, int) {
	type open struct {
		name string
		line int
	}
	var stack []open
	pos := 0
	for {
		loc := tagRe.FindStringSubmatchIndex(src[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		end := pos + loc[1]
		closing := src[pos+loc[2]:pos+loc[3]] == "/"
		name := strings.ToLower(src[pos+loc[4] : pos+loc[5]])
		attrs := src[pos+loc[6] : pos+loc[7]]
		line := 1 + strings.Count(src[:start], "\n")
		pos = end

		if voidElems[name] || strings.HasSuffix(strings.TrimSpace(attrs), "/") {
			continue
		}
		if closing {
			if len(stack) == 0 {
				return fmt.Sprintf("unexpected </%s>", name), line
			}
			top := stack[len(stack)-1]
			if top.name != name {
				return fmt.Sprintf("<%s> opened on line %d closed by </%s>", top.name, top.line, name), line
			}
			stack = stack[:len(stack)-1]
			continue
		}
		if name == "script" || name == "style" {
			// Raw text: jump to the matching close tag.
			closeTag := "</" + name
			idx := strings.Index(strings.ToLower(src[pos:]), closeTag)
			if idx < 0 {
				return fmt.Sprintf("<%s> is never closed", name), line
			}
			pos += idx
		}
		stack = append(stack, open{name: name, line: line})
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return fmt.Sprintf("<%s> is never closed", top.name), top.line
	}
	return "", 0
}
