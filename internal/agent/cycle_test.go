package agent

import (
	"fmt"
	"testing"

	"github.com/allydev/ally/internal/providers"
)

func sig(name string, args map[string]any) string {
	return callSignature(providers.ToolCall{
		Type:     "function",
		Function: providers.ToolFunction{Name: name, Arguments: args},
	})
}

func TestSignatureIgnoresArgumentOrder(t *testing.T) {
	a := sig("grep", map[string]any{"pattern": "x", "path": "/src"})
	b := sig("grep", map[string]any{"path": "/src", "pattern": "x"})
	if a != b {
		t.Errorf("signatures differ: %q vs %q", a, b)
	}
	c := sig("grep", map[string]any{"pattern": "y", "path": "/src"})
	if a == c {
		t.Error("different arguments must produce different signatures")
	}
}

func TestCycleFiresOnceAtThreshold(t *testing.T) {
	var c cycleWindow
	s := sig("read", map[string]any{"path": "/a"})

	if c.observe(s) {
		t.Error("first observation should not fire")
	}
	if c.observe(s) {
		t.Error("second observation should not fire")
	}
	if !c.observe(s) {
		t.Error("third observation should fire")
	}
	if c.observe(s) {
		t.Error("fourth observation should not re-fire")
	}
}

func TestDistinctRunResetsWindow(t *testing.T) {
	var c cycleWindow
	repeated := sig("read", map[string]any{"path": "/a"})

	c.observe(repeated)
	c.observe(repeated)

	// A long run of distinct signatures clears the window.
	for i := 0; i < cycleBreakThreshold; i++ {
		c.observe(sig("read", map[string]any{"path": fmt.Sprintf("/f%d", i)}))
	}

	if c.observe(repeated) {
		t.Error("window should have been reset by the distinct run")
	}
	c.observe(repeated)
	if !c.observe(repeated) {
		t.Error("threshold should fire again after the reset")
	}
}

func TestWindowSlidesOldEntriesOut(t *testing.T) {
	var c cycleWindow
	repeated := sig("read", map[string]any{"path": "/a"})

	c.observe(repeated)
	c.observe(repeated)

	// Alternate two signatures so the distinct run never reaches the break
	// threshold, until the old entries slide out of the window.
	x := sig("read", map[string]any{"path": "/x"})
	for i := 0; i < cycleWindowSize; i++ {
		var other string
		if i%2 == 0 {
			other = x
		} else {
			other = repeated
		}
		c.observe(other)
	}
	// No assertion on firing here beyond termination; the window must have
	// stayed bounded.
	if len(c.window) > cycleWindowSize {
		t.Errorf("window grew to %d, cap is %d", len(c.window), cycleWindowSize)
	}
}
