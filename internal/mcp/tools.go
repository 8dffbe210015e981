package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/service/checkpoint"
	"github.com/mindmirror/mindmirror/internal/service/memory"
)

func (s *Server) registerTools() {
	// remember — store one memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("remember",
			mcplib.WithDescription(`Store user preferences, facts, and context.

CRITICAL CAPTURE RULES:
- When user says "I prefer X" → remember("User prefers X", category="preference")
- When user says "Actually, I prefer Y" → remember("User prefers Y", category="preference")
- If user contradicts previous preference → store the new preference

MEMORY CATEGORIES: goal, routine, preference, constraint, habit, project, tool, identity, value

PROACTIVE MEMORY SUGGESTIONS (ask permission first):
- Unique workflow/process → "Would you like me to remember this workflow for future reference?"
- Repeated behaviors → "I notice you mention this approach often - should I store this for you?"
- Problem-solving methods → "This seems like a useful technique - want me to remember it?"

PROACTIVE STORAGE MAPPING (with user permission):
- Unique workflows/processes → 'routine' or 'tool'
- Repeated behaviors → 'habit'
- Problem-solving methods → 'tool'
- Personal approaches → 'routine'
- Domain knowledge → 'tool' or 'project'

IMPORTANT: Always ASK before storing non-explicit information. Don't store
AI-generated suggestions as user preferences.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text",
				mcplib.Description("The information to remember"),
				mcplib.Required(),
			),
			mcplib.WithString("category",
				mcplib.Description("Information type (goal, routine, preference, constraint, habit, project, tool, identity, value)"),
				mcplib.Required(),
			),
		),
		s.handleRemember,
	)

	// recall — hybrid search over stored memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("recall",
			mcplib.WithDescription(`Search stored information. ALWAYS call this BEFORE giving personal advice or recommendations.

WHEN TO USE PROACTIVELY (without user asking):
- Questions starting with "How should I..." or "What's the best way to..."
- Questions about "my preferences", "my habits", "my routines", "my goals"
- Questions that assume previous knowledge or context
- Questions using "I" or "my" that might reference stored information
- Before giving advice or recommendations about personal topics
- When user asks about something they might have mentioned before

CRITICAL: Use the most recent preference if no conflicts. If conflicts exist,
present them to user and ask which preference to follow.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("What you're looking for"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
			mcplib.WithString("category_filter",
				mcplib.Description("Optional category to filter results"),
			),
		),
		s.handleRecall,
	)

	// forget — delete one memory by id.
	s.mcpServer.AddTool(
		mcplib.NewTool("forget",
			mcplib.WithDescription(`Remove specific memories by ID.

CONFLICT RESOLUTION:
Use this after identifying conflicts via recall() and after user explicitly
asks to delete specific memories. Always show what you're forgetting before
deletion.

USAGE:
- Only call when user explicitly requests deletion
- Never auto-delete conflicting memories without user consent
- Always confirm what will be deleted before proceeding`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("information_id",
				mcplib.Description("The ID of the information to forget"),
				mcplib.Required(),
			),
		),
		s.handleForget,
	)

	// what_do_you_know — full inventory listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("what_do_you_know",
			mcplib.WithDescription(`Browse all stored memories to understand the full scope of stored information.

USAGE:
- Use when user asks what you know about them
- Use before making comprehensive recommendations to understand context
- Helps provide personalized advice based on complete memory picture
- Present the formatted response from server (includes timestamps)`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("category",
				mcplib.Description("Optional category filter (goal, routine, preference, constraint, habit, project, tool, identity, value)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of items to return"),
				mcplib.Min(1),
				mcplib.DefaultNumber(1000),
			),
		),
		s.handleWhatDoYouKnow,
	)

	// checkpoint — save conversation context for later continuation.
	s.mcpServer.AddTool(
		mcplib.NewTool("checkpoint",
			mcplib.WithDescription(`Save current conversation context for later continuation.

SUMMARY INSTRUCTIONS: Create a detailed summary that allows another AI
(or a new chat) with ZERO prior context to understand exactly what was
discussed, what was accomplished, and what remains to be done.

USE THIS WHEN THE USER:
- Wants to continue this conversation in a new chat
- Is switching to another AI model/platform
- Asks to "save where we left off" or similar
- Needs to pause and resume this discussion later

CRITICAL: This overwrites existing checkpoints. When you see "⚠️" and an
overwrite warning in the response, you MUST immediately tell the user:
"I overwrote your previous checkpoint from [DATE]. Let me know if this
wasn't what you intended." DO NOT proceed without informing the user
about the overwrite.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text",
				mcplib.Description("The conversation summary/context to save"),
				mcplib.Required(),
			),
			mcplib.WithString("title",
				mcplib.Description("Optional title for the checkpoint"),
			),
		),
		s.handleCheckpoint,
	)

	// resume — retrieve the saved checkpoint.
	s.mcpServer.AddTool(
		mcplib.NewTool("resume",
			mcplib.WithDescription(`Retrieve the most recent conversation checkpoint to continue where you left off.

USE THIS WHEN:
- User explicitly asks to "continue from before" or "resume our discussion"
- User references previous work WITHOUT context ("how's that feature coming along?")
- User seems confused about lost context ("wait, what were we working on?")
- User mentions "last time" or "earlier" without providing details

DO NOT use automatically at conversation start. Only check for checkpoints
when there's a clear signal the user wants to continue something.

Returns the saved context with metadata, or indicates no checkpoint exists.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleResume,
	)
}

func (s *Server) handleRemember(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal, denied := s.authorize(ctx, request)
	if denied != nil {
		return denied, nil
	}

	text := request.GetString("text", "")
	category := request.GetString("category", "")
	if strings.TrimSpace(text) == "" {
		return errorResult("text is required"), nil
	}
	if !model.IsValidTag(category) {
		return errorResult(badCategoryMsg(category)), nil
	}

	result, err := s.memories.Remember(ctx, memory.RememberInput{
		UserID: principal.UserID,
		Text:   text,
		Tag:    category,
		Admin:  principal.Admin,
	})
	if err != nil {
		s.logger.Error("mcp: remember failed", "user_id", principal.UserID, "error", err)
		return errorResult(fmt.Sprintf("I couldn't remember that: %v", err)), nil
	}

	return textResult(formatStoreResult(result, text, category)), nil
}

func (s *Server) handleRecall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal, denied := s.authorize(ctx, request)
	if denied != nil {
		return denied, nil
	}

	query := request.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return errorResult("query is required"), nil
	}
	filter := request.GetString("category_filter", "")
	if filter != "" && !model.IsValidTag(filter) {
		return errorResult(badCategoryMsg(filter)), nil
	}
	limit := request.GetInt("limit", 10)

	result, err := s.memories.Recall(ctx, memory.RecallInput{
		UserID: principal.UserID,
		Query:  query,
		Limit:  limit,
		Tag:    filter,
	})
	if err != nil {
		s.logger.Error("mcp: recall failed", "user_id", principal.UserID, "error", err)
		return errorResult(fmt.Sprintf("I couldn't recall that: %v", err)), nil
	}

	return textResult(formatRecallResult(query, result)), nil
}

func (s *Server) handleForget(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal, denied := s.authorize(ctx, request)
	if denied != nil {
		return denied, nil
	}

	id := request.GetString("information_id", "")
	if id == "" {
		return errorResult("information_id is required"), nil
	}

	if _, err := s.memories.Forget(ctx, principal.UserID, id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return textResult("I don't have that information or you don't have permission to remove it"), nil
		}
		s.logger.Error("mcp: forget failed", "user_id", principal.UserID, "error", err)
		return errorResult(fmt.Sprintf("I couldn't forget that: %v", err)), nil
	}

	return textResult("I've forgotten that information"), nil
}

func (s *Server) handleWhatDoYouKnow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal, denied := s.authorize(ctx, request)
	if denied != nil {
		return denied, nil
	}

	category := request.GetString("category", "")
	if category != "" && !model.IsValidTag(category) {
		return errorResult(badCategoryMsg(category)), nil
	}
	limit := request.GetInt("limit", 1000)

	memories, err := s.memories.Inventory(ctx, principal.UserID, category, limit)
	if err != nil {
		s.logger.Error("mcp: inventory failed", "user_id", principal.UserID, "error", err)
		return errorResult(fmt.Sprintf("I couldn't access what I know: %v", err)), nil
	}

	return textResult(formatInventory(category, memories)), nil
}

func (s *Server) handleCheckpoint(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal, denied := s.authorize(ctx, request)
	if denied != nil {
		return denied, nil
	}

	text := request.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return errorResult("text is required"), nil
	}
	title := request.GetString("title", "")

	result, err := s.checkpoints.Save(ctx, principal.UserID, text, title)
	if err != nil {
		s.logger.Error("mcp: checkpoint failed", "user_id", principal.UserID, "error", err)
		return errorResult(fmt.Sprintf("I couldn't save the checkpoint: %v", err)), nil
	}

	return textResult(formatCheckpointSaved(result, text, title)), nil
}

func (s *Server) handleResume(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	principal, denied := s.authorize(ctx, request)
	if denied != nil {
		return denied, nil
	}

	cp, err := s.checkpoints.Load(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return textResult("I don't have any saved checkpoint to resume from."), nil
		}
		s.logger.Error("mcp: resume failed", "user_id", principal.UserID, "error", err)
		return errorResult(fmt.Sprintf("I couldn't retrieve the checkpoint: %v", err)), nil
	}

	return textResult(formatResume(cp)), nil
}
