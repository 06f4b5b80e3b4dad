package agent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/allydev/ally/internal/providers"
)

const (
	cycleWindowSize     = 15
	cycleThreshold      = 3
	cycleBreakThreshold = 5
)

// cycleWindow tracks recent tool-call signatures to catch an agent stuck
// re-issuing the same call. A run of novel signatures long enough to
// suggest forward progress resets the window; mere alternation between
// known signatures does not.
type cycleWindow struct {
	window      []string
	distinctRun int
}

// observe records one signature and reports whether it just reached the
// repetition threshold. The threshold fires once per run-up so a single
// cycle produces a single warning.
func (c *cycleWindow) observe(sig string) bool {
	if c.contains(sig) {
		c.distinctRun = 0
	} else {
		c.distinctRun++
		if c.distinctRun >= cycleBreakThreshold {
			c.window = c.window[:0]
			c.distinctRun = 0
		}
	}

	c.window = append(c.window, sig)
	if len(c.window) > cycleWindowSize {
		c.window = c.window[1:]
	}

	count := 0
	for _, s := range c.window {
		if s == sig {
			count++
		}
	}
	return count == cycleThreshold
}

func (c *cycleWindow) contains(sig string) bool {
	for _, s := range c.window {
		if s == sig {
			return true
		}
	}
	return false
}

// callSignature canonicalizes a tool call as name plus sorted key=value
// argument pairs, so argument ordering differences do not hide a cycle.
func callSignature(call providers.ToolCall) string {
	args := call.Function.Arguments
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(call.Function.Name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		if enc, err := json.Marshal(args[k]); err == nil {
			b.Write(enc)
		}
	}
	return b.String()
}
