package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Here is the fix.", "Here is the fix."},
		{"empty stays empty", "", ""},
		{
			"garbled tool xml drops the response",
			`Let me read that. <tool_call>{"name":"read"}</tool_call>`,
			"",
		},
		{
			"thinking tags stripped",
			"<think>hmm, tricky</think>The answer is 4.",
			"The answer is 4.",
		},
		{
			"final tags removed content kept",
			"<final>Use a mutex.</final>",
			"Use a mutex.",
		},
		{
			"echoed system message removed",
			"[System Message] You have used 50% of the time budget.\n\nStill working on it.",
			"Still working on it.",
		},
		{
			"duplicate blocks collapsed",
			"Done.\n\nDone.",
			"Done.",
		},
		{
			"downgraded tool call text removed",
			"[Tool Call: read]\nArguments:\n{\n}\nThe file has ten lines.",
			"The file has ten lines.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLY.", true},
		{"All good, NO_REPLY", true},
		{"NO_REPLYING", false},
		{"something else", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSilentReply(tt.in); got != tt.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
