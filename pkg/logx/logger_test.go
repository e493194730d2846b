package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestLevelFiltering(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := New(&buf, WARN)
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Fatalf("expected debug/info filtered, got %q", out)
	}
	if !strings.Contains(out, "[WARN] warn 3") || !strings.Contains(out, "[ERROR] error 4") {
		t.Fatalf("expected warn and error lines, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DEBUG, " WARN ": WARN, "warning": WARN, "error": ERROR, "": INFO, "verbose": INFO}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDiscardAndNil(t *testing.T) {
	Discard().Errorf("dropped")
	var l *Logger
	if l.Enabled(ERROR) {
		t.Fatal("nil logger must be disabled")
	}
	l.Errorf("must not panic")
}
