package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":         "/",
		"/metrics": "/metrics",
		"/v1/exhibits/0b0c2a5e-51d3-4a4c-9e4b-3f7f7b5e2a11":                 "/v1/exhibits/:id",
		"/v1/exhibits/0b0c2a5e-51d3-4a4c-9e4b-3f7f7b5e2a11/teams":           "/v1/exhibits/:id/teams",
		"/hubs/main/conn_01J9ZZ7Q7S6X3Y1B2C3D4E5F6G/exhibits/x/join":        "/hubs/main/:id/exhibits/x/join",
		"/v1/cards?collection_id=0b0c2a5e-51d3-4a4c-9e4b-3f7f7b5e2a11":      "/v1/cards",
		"/v1/collections/not-a-uuid":                                        "/v1/collections/not-a-uuid",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogWritesJSONWithRequestID(t *testing.T) {
	l := Logger()
	original := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-9")
	Log(ctx, LevelWarn, "send failed", map[string]any{"group": "admin", "error": errors.New("boom"), "msg": "ignored"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["msg"] != "send failed" || entry["level"] != LevelWarn {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-9" || entry["error"] != "boom" || entry["group"] != "admin" {
		t.Fatalf("fields missing: %v", entry)
	}
}

func TestResolveBuildPrefersStampedRevision(t *testing.T) {
	info := &debug.BuildInfo{
		GoVersion: "go1.22.5",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "4f2a9c1"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	b := resolveBuild("0.1.0", "dev", info)
	if b.Version != "0.1.0" || b.Commit != "4f2a9c1" || b.GoVersion != "go1.22.5" || !b.Modified {
		t.Fatalf("unexpected build %+v", b)
	}

	b = resolveBuild("0.1.0", "abc123", info)
	if b.Commit != "abc123" {
		t.Fatalf("linker-set commit must win, got %q", b.Commit)
	}

	b = resolveBuild("", "", nil)
	if b.GoVersion == "" || b.Commit != "" {
		t.Fatalf("without build info expected runtime go version only, got %+v", b)
	}
}
