// Package artifact is the structured output of one generation attempt.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"gorm.io/datatypes"
)

var ErrMalformed = errors.New("artifact: malformed document")

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Requirements are the capabilities the artifact declares it needs.
type Requirements struct {
	PersistentStorage bool `json:"persistent_storage"`
	ServerLogic       bool `json:"server_logic"`
	LiveData          bool `json:"live_data"`
}

type Artifact struct {
	Title    string       `json:"title"`
	Entry    string       `json:"entry"`
	Files    []File       `json:"files"`
	Requires Requirements `json:"requires"`
}

// NeedsContainer reports whether the artifact must run as a server.
func (a *Artifact) NeedsContainer() bool {
	return a != nil && (a.Requires.PersistentStorage || a.Requires.ServerLogic)
}

func (a *Artifact) File(p string) (File, bool) {
	if a == nil {
		return File{}, false
	}
	p = cleanPath(p)
	for _, f := range a.Files {
		if cleanPath(f.Path) == p {
			return f, true
		}
	}
	return File{}, false
}

// Contents maps cleaned path to bytes.
func (a *Artifact) Contents() map[string][]byte {
	out := make(map[string][]byte, len(a.Files))
	for _, f := range a.Files {
		out[cleanPath(f.Path)] = []byte(f.Content)
	}
	return out
}

// Body concatenates files in path order; it is what the library stores and
// what the reuse size floor is measured on.
func (a *Artifact) Body() string {
	files := append([]File(nil), a.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	var b strings.Builder
	for _, f := range files {
		b.WriteString("// file: ")
		b.WriteString(cleanPath(f.Path))
		b.WriteString("\n")
		b.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (a *Artifact) JSON() datatypes.JSON {
	if a == nil {
		return datatypes.JSON([]byte("null"))
	}
	b, _ := json.Marshal(a)
	return datatypes.JSON(b)
}

// FromJSON decodes a stored artifact column.
func FromJSON(raw datatypes.JSON) (*Artifact, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, nil
}

// Manifest maps each path to the sha256 of its content.
func (a *Artifact) Manifest() map[string]string {
	out := make(map[string]string, len(a.Files))
	for _, f := range a.Files {
		sum := sha256.Sum256([]byte(f.Content))
		out[cleanPath(f.Path)] = hex.EncodeToString(sum[:])
	}
	return out
}

// Diff returns files whose content differs from prev and paths present in
// prev that the artifact no longer has.
func (a *Artifact) Diff(prev map[string]string) (changed []File, removed []string) {
	cur := a.Manifest()
	for _, f := range a.Files {
		p := cleanPath(f.Path)
		if prev[p] != cur[p] {
			changed = append(changed, File{Path: p, Content: f.Content})
		}
	}
	for p := range prev {
		if _, ok := cur[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Path < changed[j].Path })
	sort.Strings(removed)
	return changed, removed
}

// Parse reads the final generation buffer. Markdown fences and prose around
// the JSON object are tolerated; anything else is ErrMalformed.
func Parse(raw string) (*Artifact, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in output", ErrMalformed)
	}
	var a Artifact
	dec := json.NewDecoder(strings.NewReader(s[start : end+1]))
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(a.Files) == 0 {
		return nil, fmt.Errorf("%w: artifact has no files", ErrMalformed)
	}
	for i := range a.Files {
		p := cleanPath(a.Files[i].Path)
		if p == "" {
			return nil, fmt.Errorf("%w: file %d has an invalid path", ErrMalformed, i)
		}
		a.Files[i].Path = p
	}
	a.Entry = cleanPath(a.Entry)
	a.Title = strings.TrimSpace(a.Title)
	return &a, nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	c := path.Clean("/" + p)
	if c == "/" {
		return ""
	}
	return strings.TrimPrefix(c, "/")
}
