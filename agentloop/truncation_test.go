package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutputUnderLimit(t *testing.T) {
	if got := TruncateOutput("short", 100, TruncateTail); got != "short" {
		t.Errorf("got %q", got)
	}
}

func TestTruncateOutputTail(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := TruncateOutput(long, 100, TruncateTail)
	if !strings.HasPrefix(got, strings.Repeat("x", 100)) {
		t.Error("tail mode should keep the head")
	}
	if !strings.Contains(got, "truncated") {
		t.Error("marker missing")
	}
}

func TestTruncateOutputHeadTail(t *testing.T) {
	long := strings.Repeat("a", 200) + strings.Repeat("z", 200)
	got := TruncateOutput(long, 100, TruncateHeadTail)
	if !strings.HasPrefix(got, "aaa") || !strings.HasSuffix(got, "zzz") {
		t.Error("head_tail mode should keep both ends")
	}
	if !strings.Contains(got, "truncated") {
		t.Error("marker missing")
	}
}

