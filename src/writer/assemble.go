package writer

import (
	"fmt"
	"strings"

	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/session"
)

// Prompt limits. They are fixed so prompt size stays bounded regardless of
// what a request carries.
const (
	maxHistory      = 10
	historyChars    = 200
	maxSummaries    = 3
	summaryChars    = 240
	maxFacts        = 5
	maxSimilar      = 4
	similarChars    = 200
	maxRecentTurns  = 6
	recentTurnChars = 180
)

// Assemble renders the prompt in a fixed order: raw history, attachment
// descriptions, memory (summaries, facts, similar messages, recent turns),
// location and finally the query. Empty sections are omitted. History,
// attachment, summary, similar and recent entries are flattened to one
// line each; the query is written verbatim.
func Assemble(in Input) string {
	var sb strings.Builder
	sb.Grow(2048)

	if lines := historyLines(in.History); len(lines) > 0 {
		section(&sb, "Conversation history:", lines)
	}
	if lines := attachmentLines(in.Attachments); len(lines) > 0 {
		section(&sb, "Attachments:", lines)
	}
	if mem := memoryBlock(in.Bundle); mem != "" {
		sb.WriteString("Memory:\n")
		sb.WriteString(mem)
		sb.WriteString("\n")
	}
	if loc := strings.TrimSpace(in.Location); loc != "" {
		sb.WriteString("Location: ")
		sb.WriteString(loc)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User query:\n")
	sb.WriteString(in.Query)
	return sb.String()
}

func section(sb *strings.Builder, title string, lines []string) {
	sb.WriteString(title)
	sb.WriteString("\n")
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func historyLines(history []model.Message) []string {
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		text := truncate(flatten(m.Content), historyChars)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", roleName(m.Role), text))
	}
	return lines
}

func attachmentLines(descs []string) []string {
	var lines []string
	for _, d := range descs {
		if d = flatten(d); d != "" {
			lines = append(lines, "- "+d)
		}
	}
	return lines
}

func memoryBlock(b memory.Bundle) string {
	if b.Empty() {
		return ""
	}
	var sb strings.Builder

	var sums []string
	for _, s := range firstN(b.Summaries, maxSummaries) {
		if text := truncate(flatten(s.Text), summaryChars); text != "" {
			sums = append(sums, "- "+text)
		}
	}
	if len(sums) > 0 {
		section(&sb, "Summaries:", sums)
	}

	var facts []string
	for _, f := range firstN(b.Facts, maxFacts) {
		if f = strings.TrimSpace(f); f != "" {
			facts = append(facts, "- "+f)
		}
	}
	if len(facts) > 0 {
		section(&sb, "Known facts about the user:", facts)
	}

	var similar []string
	for _, sc := range firstN(b.Similar, maxSimilar) {
		text := truncate(flatten(sc.Record.Text), similarChars)
		if text == "" {
			continue
		}
		similar = append(similar, fmt.Sprintf("- (%.2f) %s: %s", sc.Similarity, roleName(sc.Record.Role), text))
	}
	if len(similar) > 0 {
		section(&sb, "Related earlier messages:", similar)
	}

	if turns := recentLines(b.Recent); len(turns) > 0 {
		section(&sb, "Recent turns:", turns)
	}
	return sb.String()
}

func recentLines(turns []session.Turn) []string {
	if len(turns) > maxRecentTurns {
		turns = turns[len(turns)-maxRecentTurns:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		line := fmt.Sprintf("user: %s | assistant: %s", flatten(t.Prompt.Content), flatten(t.Response.Content))
		lines = append(lines, "- "+truncate(line, recentTurnChars))
	}
	return lines
}

func roleName(r model.Role) string {
	if r == "" {
		return string(model.RoleUser)
	}
	return string(r)
}

// truncate cuts s to at most n runes. No ellipsis is added.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// flatten turns each line break into a single space and trims the ends so
// every entry stays on one line. Spacing inside a line is kept as written.
func flatten(s string) string {
	return strings.TrimSpace(lineBreaks.Replace(s))
}

func firstN[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}
