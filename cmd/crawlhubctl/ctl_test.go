package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lzjever/crawlhub/internal/core"
)

func TestRenderFormats(t *testing.T) {
	cat := core.CategoryNetwork
	task := &core.Task{ID: "t1", SpiderID: "sp1", Status: core.TaskFailed, ErrorMessage: "connection reset", ErrorCategory: &cat}

	var buf bytes.Buffer
	if err := render(&buf, "yaml", task); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "error_category: network") {
		t.Errorf("yaml should use API field names:\n%s", buf.String())
	}

	buf.Reset()
	if err := render(&buf, "json", task); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"status": "failed"`) {
		t.Errorf("unexpected json:\n%s", buf.String())
	}

	buf.Reset()
	if err := render(&buf, "table", []*core.Task{task}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "TASK ID") || !strings.Contains(buf.String(), "sp1") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}

	buf.Reset()
	render(&buf, "table", core.Workspace{SpiderID: "sp1"})
	if !strings.Contains(buf.String(), "absent") {
		t.Errorf("expected absent phase:\n%s", buf.String())
	}

	if err := checkOutput("xml"); err == nil {
		t.Error("xml should be rejected")
	}
}

func TestClientErrorAndStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code":"CRAWLHUB_NOT_FOUND","message":"task not found"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "id: 1\nevent: workspace\ndata: {\"n\":1}\n\n")
		fmt.Fprint(w, "id: 2\nevent: workspace\ndata: {\"n\":2}\n\n")
		fmt.Fprint(w, "id: 3\nevent: workspace\ndata: {\"n\":3}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	err := c.Get("/missing", nil)
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "CRAWLHUB_NOT_FOUND" || apiErr.Status != 404 {
		t.Fatalf("unexpected error %#v", err)
	}

	var got []string
	err = c.Stream(context.Background(), "/watch", func(event string, data []byte) bool {
		got = append(got, event+" "+string(data))
		return len(got) < 2
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{`workspace {"n":1}`, `workspace {"n":2}`}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("got %v, want %v", got, want)
	}
}
