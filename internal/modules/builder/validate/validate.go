// Package validate statically checks a generated artifact against a fixed
// rule set.
package validate

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gorm.io/datatypes"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/artifact"
)

const (
	RuleParse            = "parse"
	RuleTimeout          = "provider-timeout"
	RuleProvider         = "provider-error"
	RuleEntryPoint       = "entry-point"
	RuleBalanced         = "balanced-structure"
	RuleUnresolvedRef    = "unresolved-reference"
	RuleStaticNoStorage  = "static-no-storage"
	RulePersistedStorage = "persisted-storage-calls"
)

// StorageAPIPrefix is the data API persisted apps call.
const StorageAPIPrefix = "/api/data"

type Finding struct {
	Rule     string `json:"rule"`
	Location string `json:"location"`
	Message  string `json:"message"`
}

func (f Finding) String() string {
	if f.Location == "" {
		return fmt.Sprintf("[%s] %s", f.Rule, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Rule, f.Location, f.Message)
}

// Code maps a finding to the error taxonomy.
func (f Finding) Code() builder.ErrorCode {
	switch f.Rule {
	case RuleParse, RuleProvider:
		return builder.CodeGenerationMalformed
	case RuleTimeout:
		return builder.CodeProviderTimeout
	default:
		return builder.CodeGenerationRuleViolation
	}
}

// Format renders findings one per line, verbatim as fed back to the fixer.
func Format(findings []Finding) string {
	lines := make([]string, 0, len(findings))
	for _, f := range findings {
		lines = append(lines, "- "+f.String())
	}
	return strings.Join(lines, "\n")
}

func JSON(findings []Finding) datatypes.JSON {
	if findings == nil {
		findings = []Finding{}
	}
	b, _ := json.Marshal(findings)
	return datatypes.JSON(b)
}

// FromJSON decodes a stored findings column; bad input yields nil.
func FromJSON(raw datatypes.JSON) []Finding {
	if len(raw) == 0 {
		return nil
	}
	var out []Finding
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Malformed wraps a parse error as a single finding so it feeds the same
// retry loop as rule violations.
func Malformed(err error) []Finding {
	return []Finding{{Rule: RuleParse, Message: err.Error()}}
}

func Timeout(err error) []Finding {
	return []Finding{{Rule: RuleTimeout, Message: err.Error()}}
}

// ProviderFailure covers rate limits and transient provider errors.
func ProviderFailure(err error) []Finding {
	return []Finding{{Rule: RuleProvider, Message: err.Error()}}
}

type Validator struct {
	allowed map[string]bool
}

var defaultAllowedImports = []string{
	"react", "react-dom", "react-dom/client", "react/jsx-runtime",
	"http", "https", "fs", "fs/promises", "path", "url", "crypto", "os", "events", "stream", "util", "querystring",
}

func New(extraAllowed ...string) *Validator {
	v := &Validator{allowed: map[string]bool{}}
	for _, m := range append(append([]string(nil), defaultAllowedImports...), extraAllowed...) {
		v.allowed[strings.TrimSpace(m)] = true
	}
	return v
}

// Validate returns findings in a stable order. An empty result accepts the
// artifact.
func (v *Validator) Validate(a *artifact.Artifact, class types.Classification) []Finding {
	if a == nil {
		return []Finding{{Rule: RuleParse, Message: "no artifact"}}
	}
	var out []Finding
	out = append(out, checkEntry(a)...)
	files := append([]artifact.File(nil), a.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	deps := packageDeps(a)
	for _, f := range files {
		out = append(out, checkBalanced(f)...)
		out = append(out, v.checkReferences(a, f, deps)...)
	}
	switch class {
	case types.ClassStatic:
		out = append(out, checkStaticNoStorage(a, files)...)
	case types.ClassPersisted:
		out = append(out, checkPersistedCalls(a, files)...)
	}
	return out
}

func checkEntry(a *artifact.Artifact) []Finding {
	if a.Entry == "" {
		return []Finding{{Rule: RuleEntryPoint, Message: "artifact does not declare an entry point"}}
	}
	if _, ok := a.File(a.Entry); !ok {
		return []Finding{{Rule: RuleEntryPoint, Location: a.Entry, Message: "declared entry point is not among the files"}}
	}
	return nil
}

var (
	importRe  = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w*{}\s,$]+?\s+from\s+)?['"]([^'"]+)['"]`)
	requireRe = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	scriptRe  = regexp.MustCompile(`(?is)<script\b([^>]*)>`)
	srcAttrRe = regexp.MustCompile(`(?i)\bsrc\s*=\s*['"]([^'"]+)['"]`)
	fetchRe   = regexp.MustCompile(`fetch\(\s*['"` + "`" + `]https?://`)
)

func isScript(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx":
		return true
	}
	return false
}

func isHTML(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return ext == ".html" || ext == ".htm"
}

func packageDeps(a *artifact.Artifact) map[string]bool {
	out := map[string]bool{}
	f, ok := a.File("package.json")
	if !ok {
		return out
	}
	var pkg struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(f.Content), &pkg); err != nil {
		return out
	}
	for name := range pkg.Dependencies {
		out[name] = true
	}
	return out
}

func (v *Validator) checkReferences(a *artifact.Artifact, f artifact.File, deps map[string]bool) []Finding {
	var out []Finding
	if isScript(f.Path) {
		var specs []string
		for _, m := range importRe.FindAllStringSubmatch(f.Content, -1) {
			specs = append(specs, m[1])
		}
		for _, m := range requireRe.FindAllStringSubmatch(f.Content, -1) {
			specs = append(specs, m[1])
		}
		for _, spec := range specs {
			if !v.resolves(a, f.Path, spec, deps) {
				out = append(out, Finding{Rule: RuleUnresolvedRef, Location: f.Path, Message: fmt.Sprintf("import %q does not resolve", spec)})
			}
		}
	}
	if isHTML(f.Path) {
		for _, m := range scriptRe.FindAllStringSubmatch(f.Content, -1) {
			attrs := m[1]
			src := srcAttrRe.FindStringSubmatch(attrs)
			if src == nil {
				continue
			}
			ref := src[1]
			if isRemote(ref) {
				if !strings.Contains(strings.ToLower(attrs), "onerror") {
					out = append(out, Finding{Rule: RuleUnresolvedRef, Location: f.Path, Message: fmt.Sprintf("external script %s has no onerror fallback", ref)})
				}
				continue
			}
			if _, ok := a.File(resolveRel(f.Path, ref)); !ok {
				out = append(out, Finding{Rule: RuleUnresolvedRef, Location: f.Path, Message: fmt.Sprintf("script %s is not among the files", ref)})
			}
		}
	}
	if (isScript(f.Path) || isHTML(f.Path)) && fetchRe.MatchString(f.Content) && !hasFallback(f.Content) {
		out = append(out, Finding{Rule: RuleUnresolvedRef, Location: f.Path, Message: "external fetch has no error fallback"})
	}
	return out
}

func hasFallback(src string) bool {
	return strings.Contains(src, ".catch(") || strings.Contains(src, "catch (") || strings.Contains(src, "catch(")
}

func isRemote(ref string) bool {
	l := strings.ToLower(ref)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") || strings.HasPrefix(l, "//")
}

func resolveRel(from, ref string) string {
	if strings.HasPrefix(ref, "/") {
		return strings.TrimPrefix(path.Clean(ref), "/")
	}
	return strings.TrimPrefix(path.Clean("/"+path.Join(path.Dir(from), ref)), "/")
}

func (v *Validator) resolves(a *artifact.Artifact, from, spec string, deps map[string]bool) bool {
	if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		base := resolveRel(from, spec)
		for _, cand := range []string{base, base + ".js", base + ".jsx", base + ".mjs", base + ".json", base + ".css", base + "/index.js", base + "/index.jsx"} {
			if _, ok := a.File(cand); ok {
				return true
			}
		}
		return false
	}
	if strings.HasPrefix(spec, "node:") {
		return true
	}
	name := spec
	if strings.HasPrefix(name, "@") {
		if parts := strings.SplitN(name, "/", 3); len(parts) >= 2 {
			name = parts[0] + "/" + parts[1]
		}
	} else if i := strings.IndexByte(name, '/'); i > 0 && !v.allowed[name] {
		name = name[:i]
	}
	return v.allowed[spec] || v.allowed[name] || deps[name]
}

func checkStaticNoStorage(a *artifact.Artifact, files []artifact.File) []Finding {
	var out []Finding
	if a.Requires.PersistentStorage {
		out = append(out, Finding{Rule: RuleStaticNoStorage, Message: "content should be hardcoded but the artifact declares persistent storage"})
	}
	for _, f := range files {
		if strings.Contains(f.Content, StorageAPIPrefix) {
			out = append(out, Finding{Rule: RuleStaticNoStorage, Location: f.Path, Message: "calls the storage API for content that should be hardcoded"})
		}
	}
	return out
}

var mutationRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)method\s*:\s*['"](POST|PUT|PATCH|DELETE)['"]`),
	regexp.MustCompile(`(?i)\.(post|put|patch|delete)\s*\(\s*['"` + "`" + `]/api`),
	regexp.MustCompile(`(?i)req\.method\s*===?\s*['"](POST|PUT|PATCH|DELETE)['"]`),
}

func checkPersistedCalls(a *artifact.Artifact, files []artifact.File) []Finding {
	var out []Finding
	if !a.Requires.PersistentStorage {
		out = append(out, Finding{Rule: RulePersistedStorage, Message: "user data must be persisted but the artifact does not declare persistent storage"})
	}
	for _, f := range files {
		if !isScript(f.Path) && !isHTML(f.Path) {
			continue
		}
		for _, re := range mutationRes {
			if re.MatchString(f.Content) {
				return out
			}
		}
	}
	return append(out, Finding{Rule: RulePersistedStorage, Message: "no mutation-capable storage calls found; data would only live in memory"})
}
