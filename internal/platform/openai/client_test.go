package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

func TestStreamSSEJoinsDataAndFlushesTail(t *testing.T) {
	in := ": comment\nevent: a\ndata: one\ndata: two\n\nevent: b\ndata: tail"
	var got []string
	err := streamSSE(strings.NewReader(in), func(ev, data string) error {
		got = append(got, ev+"="+data)
		return nil
	})
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if len(got) != 2 || got[0] != "a=one\ntwo" || got[1] != "b=tail" {
		t.Fatalf("unexpected events: %q", got)
	}
}

func TestHandleResponsesEventRefusal(t *testing.T) {
	err := handleResponsesEvent("", `{"type":"response.refusal.delta","refusal":"no"}`, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("want refusal error got=%v", err)
	}
}

func TestStreamTextCollectsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"{\\\"title\\\"", ":1}"} {
			fmt.Fprintf(w, "event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"%s\"}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewClient(logger.Nop(), Config{APIKey: "k", BaseURL: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	var deltas []string
	out, err := c.StreamText(context.Background(), "", "sys", "user", func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	if out != `{"title":1}` || len(deltas) != 2 {
		t.Fatalf("want={\"title\":1} got=%q deltas=%d", out, len(deltas))
	}
}

func TestEmbedFallsBackToResponseOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"embedding":[1,0],"index":0},{"embedding":[0,1],"index":0}]}`)
	}))
	defer srv.Close()

	c, err := NewClient(logger.Nop(), Config{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][1] != 1 {
		t.Fatalf("unexpected vectors: %v", vecs)
	}
}
