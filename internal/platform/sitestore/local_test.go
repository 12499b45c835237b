package sitestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLocalRoundTripAndPrefixDelete(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	for _, k := range []string{"sites/a/index.html", "sites/a/js/app.js", "sites/b/index.html"} {
		if err := st.Put(ctx, k, strings.NewReader("<"+k+">")); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	rc, err := st.Open(ctx, "sites/a/js/app.js")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "<sites/a/js/app.js>" {
		t.Fatalf("want body got=%q", b)
	}

	if err := st.DeletePrefix(ctx, "sites/a/"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	keys, err := st.List(ctx, "sites/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "sites/b/index.html" {
		t.Fatalf("want only b left got=%v", keys)
	}
	if _, err := st.Open(ctx, "sites/a/index.html"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("want ErrNotExist got=%v", err)
	}
}

func TestCleanKeyRejectsTraversal(t *testing.T) {
	if k, ok := CleanKey("../../etc/passwd"); !ok || k != "etc/passwd" {
		t.Fatalf("traversal must be clamped to root: got=%q ok=%v", k, ok)
	}
	if _, ok := CleanKey("/"); ok {
		t.Fatalf("root key must be rejected")
	}
}
