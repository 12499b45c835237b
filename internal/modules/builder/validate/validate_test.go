package validate

import (
	"strings"
	"testing"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/artifact"
)

const espressoHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Espresso</title></head>
<body>
  <ul id="menu"></ul>
  <script>
    const drinks = [{ name: 'Ristretto', price: 2.5 }, { name: 'Flat white', price: 3.8 }];
    document.getElementById('menu').innerHTML = drinks.map(d => '<li>' + d.name + '</li>').join('');
  </script>
</body>
</html>`

const todoServer = `const http = require('http');
const fs = require('fs');
const items = {};
http.createServer((req, res) => {
  if (req.url.startsWith('/api/data/') && req.method === 'POST') {
    let body = '';
    req.on('data', c => { body += c; });
    req.on('end', () => { res.end(body); });
    return;
  }
  res.end(fs.readFileSync('index.html'));
}).listen(process.env.PORT || 3000);
`

const todoClient = `async function addTodo(text) {
  try {
    await fetch('/api/data/todos', { method: 'POST', body: JSON.stringify({ text }) });
  } catch (e) {
    console.error(e);
  }
}
`

func todoArtifact() *artifact.Artifact {
	return &artifact.Artifact{
		Title: "Todos",
		Entry: "server.js",
		Files: []artifact.File{
			{Path: "server.js", Content: todoServer},
			{Path: "index.html", Content: `<html><body><div id="root"></div><script src="app.js"></script></body></html>`},
			{Path: "app.js", Content: todoClient},
		},
		Requires: artifact.Requirements{PersistentStorage: true, ServerLogic: true},
	}
}

func rules(fs []Finding) string {
	var out []string
	for _, f := range fs {
		out = append(out, f.Rule)
	}
	return strings.Join(out, ",")
}

func TestStaticArtifactDeclaringStorageIsRejectedThenAccepted(t *testing.T) {
	v := New()
	wired := &artifact.Artifact{
		Entry: "index.html",
		Files: []artifact.File{{Path: "index.html", Content: strings.Replace(espressoHTML,
			"const drinks = [{ name: 'Ristretto', price: 2.5 }, { name: 'Flat white', price: 3.8 }];",
			"fetch('/api/data/drinks').then(r => r.json()).catch(() => []);", 1)}},
		Requires: artifact.Requirements{PersistentStorage: true},
	}
	got := v.Validate(wired, types.ClassStatic)
	if rules(got) != "static-no-storage,static-no-storage" {
		t.Fatalf("want two static-no-storage findings got=%v", got)
	}
	for _, f := range got {
		if f.Code() != builder.CodeGenerationRuleViolation {
			t.Fatalf("want rule-violation code got=%s", f.Code())
		}
	}

	fixed := &artifact.Artifact{Entry: "index.html", Files: []artifact.File{{Path: "index.html", Content: espressoHTML}}}
	if got := v.Validate(fixed, types.ClassStatic); len(got) != 0 {
		t.Fatalf("want accepted got=%v", got)
	}
}

func TestPersistedArtifact(t *testing.T) {
	v := New()
	if got := v.Validate(todoArtifact(), types.ClassPersisted); len(got) != 0 {
		t.Fatalf("want accepted got=%v", got)
	}

	inMemory := todoArtifact()
	inMemory.Requires.PersistentStorage = false
	inMemory.Files[0].Content = strings.Replace(todoServer, "req.method === 'POST'", "true", 1)
	inMemory.Files[2].Content = "const todos = [];\nfunction addTodo(t) { todos.push(t); }\n"
	got := v.Validate(inMemory, types.ClassPersisted)
	if rules(got) != "persisted-storage-calls,persisted-storage-calls" {
		t.Fatalf("want declaration and mutation findings got=%v", got)
	}
}

func TestEntryPoint(t *testing.T) {
	v := New()
	a := &artifact.Artifact{Files: []artifact.File{{Path: "index.html", Content: "<p></p>"}}}
	if got := v.Validate(a, types.ClassStatic); rules(got) != RuleEntryPoint {
		t.Fatalf("missing entry: got=%v", got)
	}
	a.Entry = "main.html"
	if got := v.Validate(a, types.ClassStatic); rules(got) != RuleEntryPoint || got[0].Location != "main.html" {
		t.Fatalf("dangling entry: got=%v", got)
	}
}

func TestBalancedStructure(t *testing.T) {
	cases := []struct {
		path, content string
		ok            bool
	}{
		{"app.js", "function f() { return [1, 2, (3)]; }", true},
		{"app.js", "const s = '}' + \"{\" + `)`; // }\n/* ( */", true},
		{"app.js", "function f() { return [1, 2; }", false},
		{"app.js", "if (x) {\n  y();\n", false},
		{"index.html", "<div><p>hi</p><br><img src=\"a.png\"/></div>", true},
		{"index.html", "<div><span></div>", false},
		{"index.html", "<script>if (a < b) { x('<div>'); }</script><p></p>", true},
		{"styles.css", "body { color: red; ", false},
	}
	for _, tc := range cases {
		got := checkBalanced(artifact.File{Path: tc.path, Content: tc.content})
		if (len(got) == 0) != tc.ok {
			t.Fatalf("%s %q: want ok=%v got=%v", tc.path, tc.content, tc.ok, got)
		}
	}
	got := checkBalanced(artifact.File{Path: "app.js", Content: "a();\nb();\nif (x) {\n"})
	if len(got) != 1 || got[0].Location != "app.js:3" {
		t.Fatalf("want location app.js:3 got=%v", got)
	}
}

func TestUnresolvedReferences(t *testing.T) {
	v := New("chart.js")
	a := &artifact.Artifact{
		Entry: "index.html",
		Files: []artifact.File{
			{Path: "index.html", Content: `<html><body>
<script src="https://cdn.example.com/react.js" onerror="fallback()"></script>
<script src="https://cdn.example.com/lodash.js"></script>
<script src="src/main.js"></script>
<script src="missing.js"></script>
</body></html>`},
			{Path: "src/main.js", Content: "import React from 'react';\nimport { util } from './util';\nimport left from 'left-pad';\nimport Chart from 'chart.js/auto';\nimport x from '../nope';\n"},
			{Path: "src/util.js", Content: "export const util = 1;\nfetch('https://api.example.com/x').then(r => r.json());\n"},
		},
	}
	got := v.Validate(a, types.ClassLiveExternal)
	var msgs []string
	for _, f := range got {
		if f.Rule != RuleUnresolvedRef {
			t.Fatalf("unexpected rule: %v", f)
		}
		msgs = append(msgs, f.Location+" "+f.Message)
	}
	want := []string{
		"index.html external script https://cdn.example.com/lodash.js has no onerror fallback",
		"index.html script missing.js is not among the files",
		`src/main.js import "left-pad" does not resolve`,
		`src/main.js import "../nope" does not resolve`,
		"src/util.js external fetch has no error fallback",
	}
	if strings.Join(msgs, "\n") != strings.Join(want, "\n") {
		t.Fatalf("want:\n%s\ngot:\n%s", strings.Join(want, "\n"), strings.Join(msgs, "\n"))
	}
}

func TestPackageJSONDependenciesResolve(t *testing.T) {
	a := todoArtifact()
	a.Files = append(a.Files,
		artifact.File{Path: "package.json", Content: `{"dependencies":{"express":"^4.19.0"}}`},
		artifact.File{Path: "routes.js", Content: "const express = require('express');\nconst path = require('node:path');\n"},
	)
	if got := New().Validate(a, types.ClassPersisted); len(got) != 0 {
		t.Fatalf("want accepted got=%v", got)
	}
}

func TestMalformedAndFormat(t *testing.T) {
	fs := Malformed(artifact.ErrMalformed)
	if fs[0].Code() != builder.CodeGenerationMalformed {
		t.Fatalf("want malformed code got=%s", fs[0].Code())
	}
	out := Format([]Finding{{Rule: "a", Location: "x.js:1", Message: "m"}, {Rule: "b", Message: "n"}})
	if out != "- [a] x.js:1: m\n- [b] n" {
		t.Fatalf("format: got=%q", out)
	}
}
