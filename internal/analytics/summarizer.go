package analytics

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zsombor-n/open-webui/internal/db"
)

// Summary bounds keep the estimation prompt cheap and deterministic.
const (
	maxSummaryLength    = 1000
	maxSampleUtterances = 3
	maxUtteranceLength  = 200
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	// Phone-like digit runs: 7+ digits optionally broken by spaces,
	// dashes, dots, or parentheses.
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{5,}\d`)
	urlPattern   = regexp.MustCompile(`https?://[^\s]+`)
	// Long opaque tokens (API keys, hashes) carry no estimation signal
	// and may be secrets.
	tokenPattern = regexp.MustCompile(`\b[A-Za-z0-9_-]{24,}\b`)
)

// Redact strips obvious PII and secret-shaped content from text before it
// leaves the process.
func Redact(text string) string {
	text = emailPattern.ReplaceAllString(text, "[EMAIL]")
	text = urlPattern.ReplaceAllString(text, "[URL]")
	text = tokenPattern.ReplaceAllString(text, "[TOKEN]")
	text = phonePattern.ReplaceAllString(text, "[PHONE]")
	return text
}

// taskTypeKeywords maps a task-type label to the keywords that suggest it.
// Order matters: the first label whose keywords appear wins.
var taskTypeKeywords = []struct {
	label    string
	keywords []string
}{
	{"code assistance", []string{"code", "function", "bug", "error", "debug", "script", "compile", "implement", "api", "sql"}},
	{"writing assistance", []string{"write", "draft", "email", "letter", "article", "blog", "rewrite", "summarize", "essay"}},
	{"translation", []string{"translate", "translation"}},
	{"analysis", []string{"analyze", "analysis", "compare", "evaluate", "review", "explain", "calculate"}},
}

// guessTaskType makes a coarse keyword-based guess at what kind of work the
// conversation represents. The estimation prompt uses it as a hint only.
func guessTaskType(text string) string {
	lower := strings.ToLower(text)
	for _, tt := range taskTypeKeywords {
		for _, kw := range tt.keywords {
			if strings.Contains(lower, kw) {
				return tt.label
			}
		}
	}
	return "general assistance"
}

// Summarize builds a compact, privacy-safe description of a conversation
// for the estimation service. Pure function of its inputs: the same
// conversation always produces the same summary.
func Summarize(title string, messages []db.SourceMessage) string {
	var userMessages []string
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			userMessages = append(userMessages, m.Content)
		}
	}

	var combined strings.Builder
	combined.WriteString(title)
	for _, m := range userMessages {
		combined.WriteString(" ")
		combined.WriteString(m)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task type: %s\n", guessTaskType(combined.String()))
	if t := strings.TrimSpace(title); t != "" {
		fmt.Fprintf(&b, "Title: %s\n", truncate(Redact(t), maxUtteranceLength))
	}
	fmt.Fprintf(&b, "Messages: %d total, %d from the user\n", len(messages), len(userMessages))

	if len(userMessages) > 0 {
		b.WriteString("Sample user requests:\n")
		sample := userMessages
		if len(sample) > maxSampleUtterances {
			sample = sample[:maxSampleUtterances]
		}
		for _, m := range sample {
			fmt.Fprintf(&b, "- %s\n", truncate(Redact(strings.TrimSpace(m)), maxUtteranceLength))
		}
	}

	return truncate(b.String(), maxSummaryLength)
}

// truncate shortens s to at most max bytes, ellipsis included, cutting only
// on a rune boundary so multi-byte text stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
