package brain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/domain"
	"github.com/ashureev/miles/internal/memory"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	return memory.Open(filepath.Join(t.TempDir(), "memory.json"), 50, nil)
}

func newRemote(t *testing.T, fn func(key string, req GenerateRequest) (string, error), tracker ArtifactSaver) (*Remote, *memory.Store) {
	t.Helper()
	pool, err := NewCredentialPool("k1", "k2")
	require.NoError(t, err)
	ff := &fakeFactory{fn: fn}
	store := newStore(t)
	g := NewGuard(pool, noWait(pool.Len()), ff.factory(), nil)
	return NewRemote(g, Deps{History: store, Artifacts: tracker}), store
}

func TestIntentHeuristics(t *testing.T) {
	tests := []struct {
		prompt   string
		creation bool
		search   bool
	}{
		{"generate a 3d model of a red mug", true, false},
		{"make it blue", true, false},
		{"convert this image", true, false},
		{"when did blender make 3d models popular", false, false},
		{"how to create a mesh in blender", false, false},
		{"capital of India", false, false},
		{"what is the latest news on fusion", false, true},
		{"look up the weather in Pune", false, true},
		{"hi, can you search something", false, false},
		{"help me find a recipe", false, false},
		{"themselves", false, false},
		{"searching for cheap flights to Goa", false, true},
		{"researching quantum batteries", false, true},
		{"stock prices today", false, true},
		{"hey, searching for something", false, false},
		{"this looks great", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			assert.Equal(t, tt.creation, isCreationIntent(tt.prompt), "creation")
			assert.Equal(t, tt.search, isSearchIntent(tt.prompt), "search")
		})
	}
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan("```json\n{\"direct_response\": \"Looking it up.\", \"tasks\": [{\"worker_name\": \"RAG_Search\", \"prompt\": \"fusion\"}]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Looking it up.", plan.Direct())
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, domain.WorkerRAGSearch, plan.Tasks[0].WorkerName)

	plan, err = ParsePlan(`{"direct_response": "Paris."}`)
	require.NoError(t, err)
	assert.NotNil(t, plan.Tasks)
	assert.Empty(t, plan.Tasks)

	_, err = ParsePlan(`{"tasks": []}`)
	assert.ErrorIs(t, err, domain.ErrEmptyPlan)

	_, err = ParsePlan("sure, here you go")
	assert.Error(t, err)
}

func TestRemote_CreationIntentRewrites(t *testing.T) {
	var gotSystem string
	r, store := newRemote(t, func(_ string, req GenerateRequest) (string, error) {
		gotSystem = req.System
		return "\"red mug.\"\n", nil
	}, nil)

	plan := r.Decompose(context.Background(), "generate a 3d model of a red mug")

	assert.Equal(t, rewriteSystemPrompt, gotSystem)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, domain.Worker3DGenerator, plan.Tasks[0].WorkerName)
	assert.Equal(t, "red mug", plan.Tasks[0].Prompt)
	assert.NotContains(t, plan.Tasks[0].Prompt, "generate")
	assert.Equal(t, "Generating 3D model of: red mug", plan.Direct())

	turns := store.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleUser, turns[0].Role)
	assert.Equal(t, plan.Direct(), turns[1].Content)
}

func TestRemote_RewriteFailureUsesPromptVerbatim(t *testing.T) {
	r, _ := newRemote(t, func(string, GenerateRequest) (string, error) {
		return "", errors.New("backend down")
	}, nil)

	plan := r.Decompose(context.Background(), "make it gold")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "make it gold", plan.Tasks[0].Prompt)
}

func TestRemote_BlankRewriteUsesPromptVerbatim(t *testing.T) {
	r, _ := newRemote(t, func(string, GenerateRequest) (string, error) {
		return " \n\t", nil
	}, nil)

	plan := r.Decompose(context.Background(), "make it gold")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "make it gold", plan.Tasks[0].Prompt)
	assert.NoError(t, plan.Validate())
}

func TestRemote_ChatPath(t *testing.T) {
	var got GenerateRequest
	r, store := newRemote(t, func(_ string, req GenerateRequest) (string, error) {
		got = req
		return "New Delhi.", nil
	}, nil)
	require.NoError(t, store.AddMessage(domain.RoleUser, "earlier"))

	plan := r.Decompose(context.Background(), "capital of India")

	assert.Empty(t, plan.Tasks)
	assert.Equal(t, "New Delhi.", plan.Direct())
	assert.False(t, got.JSON)
	// History is snapshotted before the new prompt is recorded.
	require.Len(t, got.History, 1)
	assert.Equal(t, "earlier", got.History[0].Text())
	assert.Equal(t, 3, store.Len())
}

func TestRemote_ChatFailure(t *testing.T) {
	r, store := newRemote(t, func(string, GenerateRequest) (string, error) {
		return "", errors.New("429")
	}, nil)

	plan := r.Decompose(context.Background(), "tell me a joke please")
	assert.Equal(t, chatFailureReply, plan.Direct())
	assert.Empty(t, plan.Tasks)
	assert.Equal(t, 1, store.Len())
}

func TestRemote_BlankChatReplyFallsBack(t *testing.T) {
	r, store := newRemote(t, func(string, GenerateRequest) (string, error) {
		return " \n ", nil
	}, nil)

	plan := r.Decompose(context.Background(), "capital of India")
	assert.Equal(t, chatFailureReply, plan.Direct())
	assert.NoError(t, plan.Validate())
	// Only the user turn is kept.
	assert.Equal(t, 1, store.Len())
}

func TestRemote_SearchUsesJSONPlanner(t *testing.T) {
	var got GenerateRequest
	r, _ := newRemote(t, func(_ string, req GenerateRequest) (string, error) {
		got = req
		return `{"direct_response": "Researching.", "tasks": [{"worker_name": "RAG_Search", "prompt": "fusion news"}]}`, nil
	}, nil)

	plan := r.Decompose(context.Background(), "latest news on fusion")

	assert.True(t, got.JSON)
	assert.True(t, strings.HasPrefix(got.Prompt, "User Request: latest news on fusion"))
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "fusion news", plan.Tasks[0].Prompt)
}

func TestRemote_PlannerParseFailure(t *testing.T) {
	r, _ := newRemote(t, func(string, GenerateRequest) (string, error) {
		return "not json at all", nil
	}, nil)

	plan := r.Decompose(context.Background(), "search for rust jobs")
	assert.Equal(t, plannerFailureText, plan.Direct())
	assert.Empty(t, plan.Tasks)
}

func TestRemote_SaveMemoryPromotesLatestArtifact(t *testing.T) {
	root := t.TempDir()
	tracker := memory.NewTracker(root, filepath.Join(root, "models"), nil)
	mesh := filepath.Join(root, "mug.glb")
	require.NoError(t, os.WriteFile(mesh, []byte("glb"), 0o644))
	tracker.RegisterFile(mesh, true)

	r, store := newRemote(t, func(string, GenerateRequest) (string, error) {
		return `{"direct_response": "Saved.", "save_memory": true}`, nil
	}, tracker)

	plan := r.Decompose(context.Background(), "search my files and save the model")
	assert.True(t, plan.SaveMemory)
	assert.FileExists(t, filepath.Join(root, "models", "mug.glb"))

	turns := store.Turns()
	assert.True(t, strings.HasPrefix(turns[len(turns)-1].Content, savedModelPrefix))
}

func TestRuleBased(t *testing.T) {
	r := NewRuleBased(nil)

	plan := r.Decompose(context.Background(), "Explain transformers and rotate the hologram")
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, domain.WorkerRAGSearch, plan.Tasks[0].WorkerName)
	assert.Equal(t, domain.WorkerHologramManipulator, plan.Tasks[1].WorkerName)
	assert.Equal(t, hologramPrompt, plan.Tasks[1].Prompt)
	assert.False(t, plan.HasDirect())

	plan = r.Decompose(context.Background(), "bananas")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, domain.WorkerRAGSearch, plan.Tasks[0].WorkerName)
	assert.Equal(t, "bananas", plan.Tasks[0].Prompt)
}

func TestLocal_Decompose(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaMessage{
			Role:    "assistant",
			Content: `{"tasks": [{"worker_name": "3D_Generator", "prompt": "teapot"}]}`,
		}})
	}))
	defer srv.Close()

	store := newStore(t)
	require.NoError(t, store.AddMessage(domain.RoleModel, "previous answer"))
	l := NewLocal(srv.URL, "llama3.1:8b", srv.Client(), Deps{History: store})

	plan := l.Decompose(context.Background(), "a teapot please")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "teapot", plan.Tasks[0].Prompt)

	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "a teapot please", got.Messages[2].Content)
}

func TestLocal_FailureFallsBackToSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	l := NewLocal(srv.URL, "missing", srv.Client(), Deps{History: newStore(t)})
	plan := l.Decompose(context.Background(), "what is a quasar")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, domain.WorkerRAGSearch, plan.Tasks[0].WorkerName)
	assert.Equal(t, "what is a quasar", plan.Tasks[0].Prompt)
}

func TestNew(t *testing.T) {
	store := newStore(t)

	cfg := &config.Config{BrainMode: config.BrainGemini}
	d, err := New(cfg, Deps{History: store})
	require.NoError(t, err)
	assert.Equal(t, "unavailable", d.Name())
	plan := d.Decompose(context.Background(), "anything")
	assert.Equal(t, unavailableReply, plan.Direct())

	cfg.Gemini.APIKeys = []string{"k1"}
	ff := &fakeFactory{fn: func(string, GenerateRequest) (string, error) { return "ok", nil }}
	d, err = New(cfg, Deps{History: store, Factory: ff.factory()})
	require.NoError(t, err)
	assert.Equal(t, "gemini", d.Name())

	d, err = New(&config.Config{BrainMode: config.BrainDemo}, Deps{History: store})
	require.NoError(t, err)
	assert.Equal(t, "rule-based", d.Name())

	d, err = New(&config.Config{BrainMode: config.BrainLocal}, Deps{History: store})
	require.NoError(t, err)
	assert.Equal(t, "ollama", d.Name())

	_, err = New(&config.Config{BrainMode: "PSYCHIC"}, Deps{History: store})
	assert.Error(t, err)
}
