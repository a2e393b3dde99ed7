package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDescriptor(t *testing.T) {
	out, err := EncodeDescriptor(map[string]any{"language": "en", "target": map[string]any{"url": "https://x"}})
	if err != nil {
		t.Fatalf("EncodeDescriptor: %v", err)
	}
	if strings.Contains(out, "\n") {
		t.Error("descriptor must be a single line")
	}
	if !strings.Contains(out, `"language":"en"`) {
		t.Errorf("unexpected encoding: %s", out)
	}

	if _, err := EncodeDescriptor(map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("expected error for unencodable value")
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"\n\n  \n", ""},
		{"only", "only"},
		{"a\nb\n", "b"},
		{"a\nb\n\n   \n", "b"},
		{"progress 1\r\nprogress 2\r\n{\"ok\":true}\r\n", `{"ok":true}`},
	}
	for _, tt := range tests {
		if got := string(LastLine([]byte(tt.in))); got != tt.want {
			t.Errorf("LastLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		wantErr error
		checkFn func(t *testing.T, r *Result)
	}{
		{
			name:   "success with verification",
			stdout: "starting\nlogged in\n" + `{"ok":true,"publishedUrl":"https://telegra.ph/x","verification":{"linkUrl":"https://example.com","textSample":"hello","supportsLinkCheck":true,"supportsTextCheck":true},"logFile":"logs/x.log"}` + "\n",
			checkFn: func(t *testing.T, r *Result) {
				if !r.Succeeded() {
					t.Error("expected ok")
				}
				if r.PublishedURL != "https://telegra.ph/x" {
					t.Errorf("publishedUrl = %q", r.PublishedURL)
				}
				if r.Verification == nil || !r.Verification.SupportsLinkCheck || r.Verification.TextSample != "hello" {
					t.Errorf("verification = %+v", r.Verification)
				}
				if r.LogFile != "logs/x.log" {
					t.Errorf("logFile = %q", r.LogFile)
				}
			},
		},
		{
			name:   "failure with string details",
			stdout: `{"ok":false,"error":"CAPTCHA_FAILED","details":"solver timeout"}`,
			checkFn: func(t *testing.T, r *Result) {
				if r.Succeeded() {
					t.Error("expected not ok")
				}
				if r.Error != "CAPTCHA_FAILED" || r.DetailText() != "solver timeout" {
					t.Errorf("unexpected %+v / %q", r, r.DetailText())
				}
			},
		},
		{
			name:   "object details flattened",
			stdout: `{"ok":false,"details":{"step":"login"}}`,
			checkFn: func(t *testing.T, r *Result) {
				if r.DetailText() != `{"step":"login"}` {
					t.Errorf("DetailText = %q", r.DetailText())
				}
			},
		},
		{name: "empty", stdout: "", wantErr: ErrEmptyOutput},
		{name: "whitespace only", stdout: "\n \n", wantErr: ErrEmptyOutput},
		{name: "result not last", stdout: "{\"ok\":true}\ndone\n", wantErr: ErrInvalidJSON},
		{name: "broken json", stdout: `{"ok":tru`, wantErr: ErrInvalidJSON},
		{name: "array", stdout: `[{"ok":true}]`, wantErr: ErrInvalidJSON},
		{name: "missing ok", stdout: `{"publishedUrl":"https://x"}`, wantErr: ErrInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseResult([]byte(tt.stdout))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResult: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, r)
			}
		})
	}
}
