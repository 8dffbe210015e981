package mcp

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mindmirror/mindmirror/internal/ctxutil"
	"github.com/mindmirror/mindmirror/internal/model"
	"github.com/mindmirror/mindmirror/internal/service/checkpoint"
	"github.com/mindmirror/mindmirror/internal/service/memory"
	"github.com/mindmirror/mindmirror/internal/storage"
	"github.com/mindmirror/mindmirror/internal/testutil"
	"github.com/mindmirror/mindmirror/internal/userlock"
)

const testDims = 1536

const adminTestToken = "mcp-test-admin-token"

var (
	testDB     *storage.DB
	testEmb    *fakeEmbedder
	testLocks  *userlock.Registry
	testMemSvc *memory.Service
	testChkSvc *checkpoint.Service
	testServer *Server
)

func testMemoryConfig() memory.Config {
	return memory.Config{
		Quota:             25,
		DupThreshold:      0.95,
		ConflictThreshold: 0.65,
		UpgradeLink:       "https://usemindmirror.com/premium",
		PruneMinAge:       90 * 24 * time.Hour,
		PruneMinIdle:      30 * 24 * time.Hour,
	}
}

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close()

	if err := testDB.SeedAdminToken(ctx, adminTestToken); err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: seed admin token: %v\n", err)
		return 1
	}

	testEmb = newFakeEmbedder()
	testLocks = userlock.NewRegistry()
	defer testLocks.Close()

	testMemSvc = memory.New(testDB, testEmb, nil, testLocks, logger, testMemoryConfig())
	defer testMemSvc.Close()
	testChkSvc = checkpoint.New(testDB, testLocks, logger)

	testServer = New(Config{
		DB:          testDB,
		Memories:    testMemSvc,
		Checkpoints: testChkSvc,
		Logger:      logger,
		Version:     "test",
		AllowedHosts: []string{
			"localhost", "127.0.0.1", "memory.usemindmirror.com",
		},
	})

	return m.Run()
}

// fakeEmbedder returns canned plane vectors for texts registered with set
// and mutually orthogonal basis vectors for everything else, so unrelated
// texts never trip the similarity thresholds.
type fakeEmbedder struct {
	mu      sync.Mutex
	vecs    map[string][]float32
	nextDim int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: make(map[string][]float32), nextDim: 8}
}

func (f *fakeEmbedder) set(text string, x, y float64) {
	v := make([]float32, testDims)
	v[0] = float32(x)
	v[1] = float32(y)
	f.mu.Lock()
	f.vecs[text] = v
	f.mu.Unlock()
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vecs[text]
	if !ok {
		v = make([]float32, testDims)
		v[f.nextDim%testDims] = 1
		f.nextDim++
		f.vecs[text] = v
	}
	out := make([]float32, testDims)
	copy(out, v)
	return pgvector.NewVector(out), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (f *fakeEmbedder) Dimensions() int { return testDims }

// issueToken mints a fresh token for an isolated test user.
func issueToken(t *testing.T) model.AuthToken {
	t.Helper()
	tok, err := testDB.IssueToken(context.Background(), "mcp-"+uuid.New().String()[:8])
	require.NoError(t, err)
	return tok
}

// callRequest builds a CallToolRequest with the given arguments.
func callRequest(tool string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

var memoryIDPattern = regexp.MustCompile(`Memory ID: (mem_\d+)`)

// mustRemember stores a memory through the tool handler and returns its id.
func mustRemember(t *testing.T, token, text, category string) string {
	t.Helper()
	result, err := testServer.handleRemember(context.Background(), callRequest("remember", map[string]any{
		"user_token": token,
		"text":       text,
		"category":   category,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "remember should succeed: %s", parseToolText(t, result))

	payload := parseToolText(t, result)
	require.True(t, strings.HasPrefix(payload, "I'll remember that!"), "expected stored payload, got: %s", payload)
	match := memoryIDPattern.FindStringSubmatch(payload)
	require.Len(t, match, 2, "stored payload should name the memory id")
	return match[1]
}

// ---------- auth and host policy ----------

func TestAuthRequired(t *testing.T) {
	ctx := context.Background()

	handlers := map[string]func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error){
		"remember":         testServer.handleRemember,
		"recall":           testServer.handleRecall,
		"forget":           testServer.handleForget,
		"what_do_you_know": testServer.handleWhatDoYouKnow,
		"checkpoint":       testServer.handleCheckpoint,
		"resume":           testServer.handleResume,
	}

	for name, handler := range handlers {
		t.Run(name+"/missing_token", func(t *testing.T) {
			result, err := handler(ctx, callRequest(name, map[string]any{}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Equal(t, authRequiredMsg, parseToolText(t, result))
		})

		t.Run(name+"/invalid_token", func(t *testing.T) {
			result, err := handler(ctx, callRequest(name, map[string]any{
				"user_token": "not-a-real-token",
			}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Equal(t, authRequiredMsg, parseToolText(t, result))
		})
	}
}

func TestAuth_DeactivatedToken(t *testing.T) {
	tok := issueToken(t)
	require.NoError(t, testDB.DeactivateToken(context.Background(), tok.Token))

	result, err := testServer.handleResume(context.Background(), callRequest("resume", map[string]any{
		"user_token": tok.Token,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, authRequiredMsg, parseToolText(t, result))
}

func TestAuth_PrincipalFromContext(t *testing.T) {
	// In-process transports authenticate at the HTTP layer and stash the
	// principal on the context instead of injecting user_token.
	ctx := ctxutil.WithPrincipal(context.Background(), &model.Principal{
		UserID:   "user_ctx_" + uuid.New().String()[:8],
		UserName: "ctx",
	})

	result, err := testServer.handleResume(ctx, callRequest("resume", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "I don't have any saved checkpoint to resume from.", parseToolText(t, result))
}

func TestHostAllowList(t *testing.T) {
	tok := issueToken(t)

	t.Run("disallowed host rejected", func(t *testing.T) {
		ctx := ctxutil.WithRequestHost(context.Background(), "evil.example.com")
		result, err := testServer.handleResume(ctx, callRequest("resume", map[string]any{
			"user_token": tok.Token,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Equal(t,
			`Unrecognized host "evil.example.com". Please connect via memory.usemindmirror.com.`,
			parseToolText(t, result))
	})

	t.Run("allowed host passes", func(t *testing.T) {
		ctx := ctxutil.WithRequestHost(context.Background(), "memory.usemindmirror.com")
		result, err := testServer.handleResume(ctx, callRequest("resume", map[string]any{
			"user_token": tok.Token,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})

	t.Run("no host passes", func(t *testing.T) {
		result, err := testServer.handleResume(context.Background(), callRequest("resume", map[string]any{
			"user_token": tok.Token,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})

	t.Run("admin bypasses the check", func(t *testing.T) {
		ctx := ctxutil.WithRequestHost(context.Background(), "evil.example.com")
		result, err := testServer.handleResume(ctx, callRequest("resume", map[string]any{
			"user_token": adminTestToken,
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})
}

// ---------- remember ----------

func TestHandleRemember(t *testing.T) {
	tok := issueToken(t)

	result, err := testServer.handleRemember(context.Background(), callRequest("remember", map[string]any{
		"user_token": tok.Token,
		"text":       "User prefers tabs over spaces",
		"category":   "preference",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text,
		"I'll remember that!\n\nInformation: User prefers tabs over spaces\nCategory: preference\nMemory ID: mem_"))
	assert.NotContains(t, text, "⚠️")
	assert.NotContains(t, text, tok.Token, "payloads must never echo the token")
}

func TestHandleRemember_Validation(t *testing.T) {
	tok := issueToken(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		args    map[string]any
		errText string
	}{
		{
			name:    "missing text",
			args:    map[string]any{"user_token": tok.Token, "category": "goal"},
			errText: "text is required",
		},
		{
			name:    "blank text",
			args:    map[string]any{"user_token": tok.Token, "text": "   ", "category": "goal"},
			errText: "text is required",
		},
		{
			name: "unknown category",
			args: map[string]any{"user_token": tok.Token, "text": "x", "category": "mood"},
			errText: "I don't recognize the category 'mood'. Please use one of: " +
				"goal, routine, preference, constraint, habit, project, tool, identity, value",
		},
		{
			name:    "missing category",
			args:    map[string]any{"user_token": tok.Token, "text": "x"},
			errText: "I don't recognize the category ''.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := testServer.handleRemember(ctx, callRequest("remember", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.errText)
		})
	}
}

func TestHandleRemember_ExactDuplicate(t *testing.T) {
	tok := issueToken(t)
	id := mustRemember(t, tok.Token, "Runs every Tuesday evening", "routine")

	result, err := testServer.handleRemember(context.Background(), callRequest("remember", map[string]any{
		"user_token": tok.Token,
		"text":       "  runs every tuesday EVENING ",
		"category":   "routine",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text, "I already know that! I skipped storing the duplicate.\n\n"))
	assert.Contains(t, text, "Memory ID: "+id)
}

func TestHandleRemember_SemanticDuplicate(t *testing.T) {
	tok := issueToken(t)
	testEmb.set("I like dark mode", 1, 0)
	testEmb.set("I like dark mode.", 0.94, 0.341174) // cosine 0.94 → similarity 0.97

	mustRemember(t, tok.Token, "I like dark mode", "preference")

	result, err := testServer.handleRemember(context.Background(), callRequest("remember", map[string]any{
		"user_token": tok.Token,
		"text":       "I like dark mode.",
		"category":   "preference",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text, "I already know something nearly identical, so I skipped storing it.\n\n"))
	assert.Contains(t, text, "Existing memory: I like dark mode\n")
	assert.Contains(t, text, "Similarity: 97%")
}

func TestHandleRemember_ConflictNotice(t *testing.T) {
	tok := issueToken(t)
	testEmb.set("Prefers deep work in the morning", 1, 0)
	testEmb.set("Prefers deep work late at night", 0.8, 0.6) // cosine 0.8 → similarity 0.9

	mustRemember(t, tok.Token, "Prefers deep work in the morning", "preference")

	result, err := testServer.handleRemember(context.Background(), callRequest("remember", map[string]any{
		"user_token": tok.Token,
		"text":       "Prefers deep work late at night",
		"category":   "preference",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text, "I'll remember that!"))
	assert.Contains(t, text, "\n⚠️ I noticed this conflicts with something I already know:\n- Prefers deep work in the morning\n")
}

func TestHandleRemember_QuotaMessage(t *testing.T) {
	logger := testutil.TestLogger()
	cfg := testMemoryConfig()
	cfg.Quota = 1
	smallSvc := memory.New(testDB, testEmb, nil, testLocks, logger, cfg)
	defer smallSvc.Close()

	srv := New(Config{
		DB:          testDB,
		Memories:    smallSvc,
		Checkpoints: testChkSvc,
		Logger:      logger,
		Version:     "test",
	})

	tok := issueToken(t)
	ctx := context.Background()

	first, err := srv.handleRemember(ctx, callRequest("remember", map[string]any{
		"user_token": tok.Token,
		"text":       "Works from a standing desk",
		"category":   "habit",
	}))
	require.NoError(t, err)
	require.False(t, first.IsError)

	second, err := srv.handleRemember(ctx, callRequest("remember", map[string]any{
		"user_token": tok.Token,
		"text":       "Collects mechanical keyboards",
		"category":   "habit",
	}))
	require.NoError(t, err)
	require.False(t, second.IsError, "quota refusal is a formatted result, not a tool error")

	want := "❌ Memory limit reached. Upgrade to premium for unlimited memories.\n\n" +
		"Sign up for premium at: https://usemindmirror.com/premium\n\n" +
		"You've used 1/1 memories.\n\n" +
		"This would have been: Collects mechanical keyboards"
	assert.Equal(t, want, parseToolText(t, second))
}

// ---------- recall ----------

func TestHandleRecall(t *testing.T) {
	tok := issueToken(t)
	testEmb.set("Drinks oat milk lattes", 0.8, 0.6)
	testEmb.set("what does the user drink", 1, 0)

	mustRemember(t, tok.Token, "Drinks oat milk lattes", "habit")

	result, err := testServer.handleRecall(context.Background(), callRequest("recall", map[string]any{
		"user_token": tok.Token,
		"query":      "what does the user drink",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text, "I remember 1 things about 'what does the user drink':\n\n"))
	assert.Contains(t, text, "1. Drinks oat milk lattes (ID: mem_")
	assert.Contains(t, text, "Tag: habit, Relevance: high, Created: ")
	today := time.Now().UTC().Format("2006-01-02")
	assert.Contains(t, text, "Created: "+today)
}

func TestHandleRecall_Empty(t *testing.T) {
	tok := issueToken(t)

	result, err := testServer.handleRecall(context.Background(), callRequest("recall", map[string]any{
		"user_token": tok.Token,
		"query":      "completely unknown topic",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "I don't recall anything about 'completely unknown topic'", parseToolText(t, result))
}

func TestHandleRecall_Validation(t *testing.T) {
	tok := issueToken(t)
	ctx := context.Background()

	result, err := testServer.handleRecall(ctx, callRequest("recall", map[string]any{
		"user_token": tok.Token,
		"query":      "  ",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "query is required", parseToolText(t, result))

	result, err = testServer.handleRecall(ctx, callRequest("recall", map[string]any{
		"user_token":      tok.Token,
		"query":           "anything",
		"category_filter": "feelings",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "I don't recognize the category 'feelings'.")
}

func TestHandleRecall_CategoryFilter(t *testing.T) {
	tok := issueToken(t)
	testEmb.set("Ship the importer rewrite", 0.8, 0.6)
	testEmb.set("current projects", 1, 0)

	mustRemember(t, tok.Token, "Ship the importer rewrite", "project")
	mustRemember(t, tok.Token, "Never deploys on Fridays", "constraint")

	result, err := testServer.handleRecall(context.Background(), callRequest("recall", map[string]any{
		"user_token":      tok.Token,
		"query":           "current projects",
		"category_filter": "project",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.Contains(t, text, "Ship the importer rewrite")
	assert.NotContains(t, text, "Never deploys on Fridays")
}

func TestHandleRecall_ConflictGroups(t *testing.T) {
	tok := issueToken(t)
	testEmb.set("Wants verbose explanations", 1, 0)
	testEmb.set("Wants terse answers only", 0.8, 0.6) // similarity 0.9 vs first
	testEmb.set("how should I explain things", 0.94, 0.341174)

	mustRemember(t, tok.Token, "Wants verbose explanations", "preference")
	time.Sleep(10 * time.Millisecond)
	mustRemember(t, tok.Token, "Wants terse answers only", "preference")

	result, err := testServer.handleRecall(context.Background(), callRequest("recall", map[string]any{
		"user_token": tok.Token,
		"query":      "how should I explain things",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.Contains(t, text, "⚠️ I remember some conflicting information (1 groups):\n")
	assert.Contains(t, text, "Conflict Group 1:\n")
	// Newest member first, two-space indent.
	idx1 := strings.Index(text, "  - Wants terse answers only")
	idx2 := strings.Index(text, "  - Wants verbose explanations")
	require.Positive(t, idx1)
	require.Positive(t, idx2)
	assert.Less(t, idx1, idx2)
}

// ---------- forget ----------

func TestHandleForget(t *testing.T) {
	tok := issueToken(t)
	id := mustRemember(t, tok.Token, "Uses vim keybindings everywhere", "tool")

	result, err := testServer.handleForget(context.Background(), callRequest("forget", map[string]any{
		"user_token":     tok.Token,
		"information_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "I've forgotten that information", parseToolText(t, result))

	// A second attempt finds nothing.
	result, err = testServer.handleForget(context.Background(), callRequest("forget", map[string]any{
		"user_token":     tok.Token,
		"information_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t,
		"I don't have that information or you don't have permission to remove it",
		parseToolText(t, result))
}

func TestHandleForget_OtherUsersMemory(t *testing.T) {
	owner := issueToken(t)
	other := issueToken(t)
	id := mustRemember(t, owner.Token, "Keeps a paper journal", "habit")

	result, err := testServer.handleForget(context.Background(), callRequest("forget", map[string]any{
		"user_token":     other.Token,
		"information_id": id,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t,
		"I don't have that information or you don't have permission to remove it",
		parseToolText(t, result))
}

func TestHandleForget_MissingID(t *testing.T) {
	tok := issueToken(t)

	result, err := testServer.handleForget(context.Background(), callRequest("forget", map[string]any{
		"user_token": tok.Token,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "information_id is required", parseToolText(t, result))
}

// ---------- what_do_you_know ----------

func TestHandleWhatDoYouKnow(t *testing.T) {
	tok := issueToken(t)

	empty, err := testServer.handleWhatDoYouKnow(context.Background(), callRequest("what_do_you_know", map[string]any{
		"user_token": tok.Token,
	}))
	require.NoError(t, err)
	require.False(t, empty.IsError)
	assert.Equal(t, "I don't know anything", parseToolText(t, empty))

	mustRemember(t, tok.Token, "Learning Rust on weekends", "goal")
	time.Sleep(10 * time.Millisecond)
	mustRemember(t, tok.Token, "Reviews PRs before standup", "routine")

	result, err := testServer.handleWhatDoYouKnow(context.Background(), callRequest("what_do_you_know", map[string]any{
		"user_token": tok.Token,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text, "Here's what I know (2 total):\n\n"))
	// Newest first.
	assert.Contains(t, text, "1. Reviews PRs before standup (ID: mem_")
	assert.Contains(t, text, "2. Learning Rust on weekends (ID: mem_")
	assert.NotContains(t, text, "Relevance:")
}

func TestHandleWhatDoYouKnow_CategoryFilter(t *testing.T) {
	tok := issueToken(t)
	mustRemember(t, tok.Token, "Wants to run a marathon", "goal")
	mustRemember(t, tok.Token, "Prefers tea to coffee", "preference")

	result, err := testServer.handleWhatDoYouKnow(context.Background(), callRequest("what_do_you_know", map[string]any{
		"user_token": tok.Token,
		"category":   "goal",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := parseToolText(t, result)
	assert.True(t, strings.HasPrefix(text, "Here's what I know (category: goal) (1 total):\n\n"))
	assert.Contains(t, text, "Wants to run a marathon")
	assert.NotContains(t, text, "Prefers tea to coffee")

	empty, err := testServer.handleWhatDoYouKnow(context.Background(), callRequest("what_do_you_know", map[string]any{
		"user_token": tok.Token,
		"category":   "value",
	}))
	require.NoError(t, err)
	assert.Equal(t, "I don't know anything in category 'value'", parseToolText(t, empty))
}

func TestHandleWhatDoYouKnow_BadCategory(t *testing.T) {
	tok := issueToken(t)

	result, err := testServer.handleWhatDoYouKnow(context.Background(), callRequest("what_do_you_know", map[string]any{
		"user_token": tok.Token,
		"category":   "wishes",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "I don't recognize the category 'wishes'.")
}

// ---------- checkpoint and resume ----------

var checkpointIDPattern = regexp.MustCompile(`Checkpoint ID: (chk_\d+)`)

func TestHandleCheckpointAndResume(t *testing.T) {
	tok := issueToken(t)
	ctx := context.Background()

	saved, err := testServer.handleCheckpoint(ctx, callRequest("checkpoint", map[string]any{
		"user_token": tok.Token,
		"text":       "We were halfway through the schema migration plan.",
		"title":      "Migration planning",
	}))
	require.NoError(t, err)
	require.False(t, saved.IsError)

	text := parseToolText(t, saved)
	assert.True(t, strings.HasPrefix(text, "✅ Checkpoint saved successfully!\n\n"))
	assert.Contains(t, text, "Content: We were halfway through the schema migration plan.\n")
	assert.Contains(t, text, "Title: Migration planning\n")
	match := checkpointIDPattern.FindStringSubmatch(text)
	require.Len(t, match, 2)

	resumed, err := testServer.handleResume(ctx, callRequest("resume", map[string]any{
		"user_token": tok.Token,
	}))
	require.NoError(t, err)
	require.False(t, resumed.IsError)

	text = parseToolText(t, resumed)
	assert.True(t, strings.HasPrefix(text, "📋 Found your saved checkpoint:\n\n**Migration planning**\n\n"))
	assert.Contains(t, text, "We were halfway through the schema migration plan.\n\n")
	assert.Contains(t, text, "*Saved on ")
	assert.True(t, strings.HasSuffix(text, "*Checkpoint ID: "+match[1]+"*"))
}

func TestHandleCheckpoint_OverwriteWarning(t *testing.T) {
	tok := issueToken(t)
	ctx := context.Background()

	first, err := testServer.handleCheckpoint(ctx, callRequest("checkpoint", map[string]any{
		"user_token": tok.Token,
		"text":       "first version",
	}))
	require.NoError(t, err)
	require.False(t, first.IsError)
	assert.True(t, strings.HasPrefix(parseToolText(t, first), "✅ Checkpoint saved successfully!"))

	second, err := testServer.handleCheckpoint(ctx, callRequest("checkpoint", map[string]any{
		"user_token": tok.Token,
		"text":       "second version",
	}))
	require.NoError(t, err)
	require.False(t, second.IsError)

	text := parseToolText(t, second)
	assert.True(t, strings.HasPrefix(text, "⚠️ IMPORTANT: I overwrote your previous checkpoint from "))
	assert.Contains(t, text, "Was this what you intended?\n\n")
	assert.Contains(t, text, "✅ Checkpoint saved successfully!\n\n")
	assert.Contains(t, text, "Content: second version\n")
}

func TestHandleCheckpoint_MissingText(t *testing.T) {
	tok := issueToken(t)

	result, err := testServer.handleCheckpoint(context.Background(), callRequest("checkpoint", map[string]any{
		"user_token": tok.Token,
		"text":       "  ",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "text is required", parseToolText(t, result))
}

func TestHandleResume_NoCheckpoint(t *testing.T) {
	tok := issueToken(t)

	result, err := testServer.handleResume(context.Background(), callRequest("resume", map[string]any{
		"user_token": tok.Token,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "I don't have any saved checkpoint to resume from.", parseToolText(t, result))
}

// ---------- cross-user isolation through the tool surface ----------

func TestToolIsolationBetweenUsers(t *testing.T) {
	alice := issueToken(t)
	bob := issueToken(t)

	query := "secret project details"
	secret := "Working on the stealth acquisition"
	testEmb.set(secret, 1, 0)
	testEmb.set(query, 0.94, 0.341174)

	mustRemember(t, alice.Token, secret, "project")

	result, err := testServer.handleRecall(context.Background(), callRequest("recall", map[string]any{
		"user_token": bob.Token,
		"query":      query,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "I don't recall anything about '"+query+"'", parseToolText(t, result))

	inventory, err := testServer.handleWhatDoYouKnow(context.Background(), callRequest("what_do_you_know", map[string]any{
		"user_token": bob.Token,
	}))
	require.NoError(t, err)
	assert.NotContains(t, parseToolText(t, inventory), secret)
}

func TestServerMetadata(t *testing.T) {
	require.NotNil(t, testServer.MCPServer())
	assert.Equal(t, "memory.usemindmirror.com", testServer.canonicalHost)
}

func TestCanonicalHost(t *testing.T) {
	assert.Equal(t, "memory.usemindmirror.com",
		canonicalHost([]string{"localhost", "127.0.0.1:8001", "memory.usemindmirror.com"}))
	assert.Equal(t, "localhost", canonicalHost([]string{"localhost"}))
	assert.Equal(t, "", canonicalHost(nil))
}
