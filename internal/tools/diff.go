package tools

import (
	"fmt"
	"strings"
)

const diffPreviewMaxLines = 200

// previewDiff renders a compact minus/plus diff between two file bodies by
// trimming the common prefix and suffix and showing the changed middle.
// It is a preview for the permission prompt, not a patch format.
func previewDiff(path, oldContent, newContent string) string {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	removed := oldLines[prefix : len(oldLines)-suffix]
	added := newLines[prefix : len(newLines)-suffix]
	if len(removed) == 0 && len(added) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n@@ line %d @@\n", path, path, prefix+1)
	emitted := 0
	for _, l := range removed {
		if emitted >= diffPreviewMaxLines {
			fmt.Fprintf(&b, "... (%d more removed lines)\n", len(removed)-emitted)
			break
		}
		b.WriteString("-" + l + "\n")
		emitted++
	}
	emitted = 0
	for _, l := range added {
		if emitted >= diffPreviewMaxLines {
			fmt.Fprintf(&b, "... (%d more added lines)\n", len(added)-emitted)
			break
		}
		b.WriteString("+" + l + "\n")
		emitted++
	}
	return b.String()
}

// splitLines splits on newline without producing a phantom trailing line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

func countLines(s string) int {
	return len(splitLines(s))
}
