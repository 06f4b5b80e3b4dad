package agent

import (
	"fmt"
	"strings"
	"time"
)

// systemReminder wraps guidance so models recognize it as out-of-band. The
// sanitizer strips echoed copies from assistant text.
func systemReminder(text string) string {
	return "[System Message] " + text
}

const emptyResponseReminder = "Your last response was empty. Continue with the task; if you are done, state your conclusion in plain text."

const interruptedReminder = "The previous tool call was interrupted. Take the latest user message into account before continuing."

const activityTimeoutReminder = "There has been no tool activity for a while. If you are stuck, summarize what you have so far and finish; otherwise take the next concrete step now."

const exploratoryGentleReminder = "You have made several exploratory calls in a row. Consider handing this investigation to a sub-agent with the agent tool."

const exploratorySternReminder = "Stop exploring file by file. Delegate the investigation to a sub-agent with the agent tool, or act on what you already know."

func taskContextReminder(taskContext string) string {
	return systemReminder("Task context, keep it in mind for the whole conversation:\n" + taskContext)
}

func validationReminder(errs []string) string {
	if len(errs) == 0 {
		return "Your tool calls failed validation. Fix the arguments and try again."
	}
	return fmt.Sprintf("Your tool calls failed validation:\n- %s\nFix the arguments and try again.", strings.Join(errs, "\n- "))
}

func requirementsReminder(missing []string) string {
	return fmt.Sprintf("Before finishing you must use: %s. Do that now, then give your final answer.", strings.Join(missing, ", "))
}

func cycleReminder(tool string) string {
	return fmt.Sprintf("You are repeating the same %s call with the same arguments. The result will not change; try a different approach.", tool)
}

func thinkingLoopReminder(pattern string) string {
	switch pattern {
	case "stall":
		return "Your response stalled. Stop deliberating and produce the next tool call or your answer."
	default:
		return "You are repeating yourself. Stop, state what you know, and take the next step."
	}
}

func timePressureReminder(pct int, remaining time.Duration) string {
	if pct >= 100 {
		return "The time budget for this task is exhausted. Wrap up immediately with your best answer."
	}
	return fmt.Sprintf("You have used %d%% of the time budget (%s left). Prioritize finishing over further exploration.", pct, remaining.Round(time.Second))
}
