package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/service/checkpoint"
)

// The strings below are the external contract: deployed clients pattern-match
// on them (the checkpoint tool description even instructs the model to react
// to the overwrite warning). Wording and whitespace are load-bearing.

const quotaErrMsg = "Memory limit reached. Upgrade to premium for unlimited memories."

// checkpointPreviewLen caps the content echo in the save confirmation.
const checkpointPreviewLen = 100

// longDateLayout renders checkpoint timestamps, e.g. "August 24, 2026 at 03:05 PM".
const longDateLayout = "January 02, 2006 at 03:04 PM"

func badCategoryMsg(category string) string {
	names := make([]string, len(model.ValidTags))
	for i, t := range model.ValidTags {
		names[i] = string(t)
	}
	return fmt.Sprintf("I don't recognize the category '%s'. Please use one of: %s",
		category, strings.Join(names, ", "))
}

func formatStoreResult(result model.StoreResult, text, category string) string {
	switch result.Status {
	case model.StoreStatusQuotaExceeded:
		return formatQuotaExceeded(result, text)
	case model.StoreStatusDuplicate:
		return formatDuplicate(result, text, category)
	default:
		return formatStored(result, text, category)
	}
}

func formatStored(result model.StoreResult, text, category string) string {
	var b strings.Builder
	b.WriteString("I'll remember that!\n\n")
	fmt.Fprintf(&b, "Information: %s\n", text)
	fmt.Fprintf(&b, "Category: %s\n", category)
	fmt.Fprintf(&b, "Memory ID: %s\n", result.Memory.ID)

	if len(result.Conflicts) > 0 {
		b.WriteString("\n⚠️ I noticed this conflicts with something I already know:\n")
		for _, c := range result.Conflicts {
			fmt.Fprintf(&b, "- %s\n", c.Text)
		}
	}
	return b.String()
}

func formatQuotaExceeded(result model.StoreResult, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ %s\n\n", quotaErrMsg)
	if result.Quota != nil {
		if result.Quota.UpgradeLink != "" {
			fmt.Fprintf(&b, "Sign up for premium at: %s\n\n", result.Quota.UpgradeLink)
		}
		fmt.Fprintf(&b, "You've used %d/%d memories.\n\n", result.Quota.Used, result.Quota.Limit)
	}
	fmt.Fprintf(&b, "This would have been: %s", text)
	return b.String()
}

func formatDuplicate(result model.StoreResult, text, category string) string {
	var b strings.Builder
	if result.Reason == model.DuplicateSemantic {
		b.WriteString("I already know something nearly identical, so I skipped storing it.\n\n")
		if result.Duplicate != nil {
			fmt.Fprintf(&b, "Existing memory: %s\n", result.Duplicate.Text)
			fmt.Fprintf(&b, "Memory ID: %s\n", result.Duplicate.ID)
		}
		fmt.Fprintf(&b, "Similarity: %.0f%%\n", result.Similarity*100)
		return b.String()
	}

	b.WriteString("I already know that! I skipped storing the duplicate.\n\n")
	fmt.Fprintf(&b, "Information: %s\n", text)
	fmt.Fprintf(&b, "Category: %s\n", category)
	if result.Duplicate != nil {
		fmt.Fprintf(&b, "Memory ID: %s\n", result.Duplicate.ID)
	}
	return b.String()
}

func formatRecallResult(query string, result model.RecallResult) string {
	if len(result.Memories) == 0 {
		return fmt.Sprintf("I don't recall anything about '%s'", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I remember %d things about '%s':\n\n", len(result.Memories), query)
	for i, m := range result.Memories {
		fmt.Fprintf(&b, "%d. %s (ID: %s, Tag: %s, Relevance: %s, Created: %s, Last accessed: %s)\n",
			i+1, m.Text, m.ID, m.Tag, model.Relevance(m.Similarity),
			dateOnly(m.CreatedAt), dateOnly(m.LastAccessed))
	}

	if len(result.Groups) > 0 {
		// Group members carry no similarity of their own; reuse the score a
		// member earned in the result list, zero (low) otherwise.
		similarities := make(map[string]float64, len(result.Memories))
		for _, m := range result.Memories {
			similarities[m.ID] = m.Similarity
		}

		fmt.Fprintf(&b, "\n⚠️ I remember some conflicting information (%d groups):\n", len(result.Groups))
		for i, group := range result.Groups {
			fmt.Fprintf(&b, "Conflict Group %d:\n", i+1)
			for _, m := range group.Memories {
				fmt.Fprintf(&b, "  - %s (ID: %s, Relevance: %s, Created: %s, Last accessed: %s)\n",
					m.Text, m.ID, model.Relevance(similarities[m.ID]),
					dateOnly(m.CreatedAt), dateOnly(m.LastAccessed))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatInventory(category string, memories []model.Memory) string {
	if len(memories) == 0 {
		if category != "" {
			return fmt.Sprintf("I don't know anything in category '%s'", category)
		}
		return "I don't know anything"
	}

	var b strings.Builder
	filter := ""
	if category != "" {
		filter = fmt.Sprintf(" (category: %s)", category)
	}
	fmt.Fprintf(&b, "Here's what I know%s (%d total):\n\n", filter, len(memories))
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s (ID: %s, Tag: %s, Created: %s, Last accessed: %s)\n",
			i+1, m.Text, m.ID, m.Tag, dateOnly(m.CreatedAt), dateOnly(m.LastAccessed))
	}
	return b.String()
}

func formatCheckpointSaved(result checkpoint.SaveResult, text, title string) string {
	var b strings.Builder
	if result.Overwrote {
		if !result.PreviousCreatedAt.IsZero() {
			fmt.Fprintf(&b, "⚠️ IMPORTANT: I overwrote your previous checkpoint from %s. Was this what you intended?\n\n",
				result.PreviousCreatedAt.UTC().Format(longDateLayout))
		} else {
			b.WriteString("⚠️ IMPORTANT: I overwrote your previous checkpoint. Let me know if this wasn't what you intended.\n\n")
		}
	}

	b.WriteString("✅ Checkpoint saved successfully!\n\n")
	fmt.Fprintf(&b, "Content: %s\n", previewText(text, checkpointPreviewLen))
	if title != "" {
		fmt.Fprintf(&b, "Title: %s\n", title)
	}
	fmt.Fprintf(&b, "Checkpoint ID: %s", result.ID)
	return b.String()
}

func formatResume(cp model.Checkpoint) string {
	var b strings.Builder
	b.WriteString("📋 Found your saved checkpoint:\n\n")
	if cp.Title != "" {
		fmt.Fprintf(&b, "**%s**\n\n", cp.Title)
	}
	fmt.Fprintf(&b, "%s\n\n", cp.Content)
	if !cp.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "*Saved on %s*\n", cp.CreatedAt.UTC().Format(longDateLayout))
	}
	fmt.Fprintf(&b, "*Checkpoint ID: %s*", cp.ID)
	return b.String()
}

// dateOnly renders the date part of a timestamp, "unknown" when unset.
func dateOnly(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format("2006-01-02")
}

func previewText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
