package generate

import (
	"regexp"
	"strings"
)

var pathRe = regexp.MustCompile(`"path"\s*:\s*"([^"\\]{1,200})"`)

// progressScanner turns the raw token stream into short, de-duplicated status
// lines. It recognizes "PROGRESS:" and ">> " lines plus file paths as they
// appear inside the JSON document.
type progressScanner struct {
	line     strings.Builder
	tail     string
	seen     map[string]bool
	emit     func(string)
	maxLines int
}

func newProgressScanner(emit func(string)) *progressScanner {
	return &progressScanner{seen: map[string]bool{}, emit: emit, maxLines: 40}
}

func (s *progressScanner) Write(delta string) {
	if delta == "" {
		return
	}
	// Paths can straddle chunk boundaries, so match over a short rolling window.
	window := s.tail + delta
	for _, m := range pathRe.FindAllStringSubmatch(window, -1) {
		s.publish("Writing " + m[1])
	}
	if len(window) > 256 {
		window = window[len(window)-256:]
	}
	s.tail = window

	for _, r := range delta {
		if r == '\n' {
			s.flushLine()
			continue
		}
		if s.line.Len() < 512 {
			s.line.WriteRune(r)
		}
	}
}

func (s *progressScanner) Close() { s.flushLine() }

func (s *progressScanner) flushLine() {
	raw := strings.TrimSpace(s.line.String())
	s.line.Reset()
	switch {
	case strings.HasPrefix(raw, "PROGRESS:"):
		s.publish(strings.TrimSpace(strings.TrimPrefix(raw, "PROGRESS:")))
	case strings.HasPrefix(raw, ">>"):
		s.publish(strings.TrimSpace(strings.TrimPrefix(raw, ">>")))
	}
}

func (s *progressScanner) publish(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" || s.seen[msg] || len(s.seen) >= s.maxLines {
		return
	}
	s.seen[msg] = true
	if s.emit != nil {
		s.emit(msg)
	}
}
