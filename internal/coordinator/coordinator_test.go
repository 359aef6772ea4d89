// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/session"
	"github.com/jeranaias/chatwidget/internal/storage"
	"github.com/jeranaias/chatwidget/internal/telemetry"
	"github.com/jeranaias/chatwidget/internal/transport"
)

const testFlow = "flow-1"

// =============================================================================
// FAKE BACKEND
// =============================================================================

// fakeBackend is an httptest server speaking the chatflow API.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	streaming   bool
	chatbot     string
	predict     func(w http.ResponseWriter, req transport.PredictionRequest)
	transferErr bool
	polls       []string
	requests    []transport.PredictionRequest
	transfers   []transport.TransferRequest
	feedback    []transport.FeedbackRequest
	updates     []transport.FeedbackUpdate
	leads       []transport.LeadRequest

	pollCalls atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{t: t, chatbot: `{}`}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/chatflows-streaming/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprintf(w, `{"isStreaming":%v}`, f.streaming)
	})
	mux.HandleFunc("GET /api/v1/public-chatbotConfig/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, f.chatbot)
	})
	mux.HandleFunc("POST /api/v1/prediction/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req transport.PredictionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.requests = append(f.requests, req)
		predict := f.predict
		f.mu.Unlock()
		if predict == nil {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"text":"ok","chatMessageId":"m1"}`)
			return
		}
		predict(w, req)
	})
	mux.HandleFunc("POST /api/v1/autofaq/{id}/transfer", func(w http.ResponseWriter, r *http.Request) {
		var req transport.TransferRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.transfers = append(f.transfers, req)
		fail := f.transferErr
		f.mu.Unlock()
		if fail {
			http.Error(w, `{"error":"desk offline"}`, http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true}`)
	})
	mux.HandleFunc("GET /api/v1/internal-chatmessage/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.pollCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if len(f.polls) == 0 {
			fmt.Fprint(w, `[]`)
			return
		}
		body := f.polls[0]
		if len(f.polls) > 1 {
			f.polls = f.polls[1:]
		}
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("POST /api/v1/feedback/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req transport.FeedbackRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.feedback = append(f.feedback, req)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"fb-1"}`)
	})
	mux.HandleFunc("PUT /api/v1/feedback/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req transport.FeedbackUpdate
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.updates = append(f.updates, req)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("POST /api/v1/leads/", func(w http.ResponseWriter, r *http.Request) {
		var req transport.LeadRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.leads = append(f.leads, req)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBackend) setPredict(fn func(w http.ResponseWriter, req transport.PredictionRequest)) {
	f.mu.Lock()
	f.predict = fn
	f.mu.Unlock()
}

func (f *fakeBackend) lastRequest() transport.PredictionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// writeSSE writes frames as data blocks and flushes after each.
func writeSSE(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, fr := range frames {
		fmt.Fprintf(w, "data: %s\n\n", fr)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	backend *fakeBackend
	store   *storage.Store
	state   *session.State
	coord   *Coordinator
	sounds  atomic.Int32
}

func newHarness(t *testing.T, streaming bool, mutate func(*fakeBackend, *Config)) *harness {
	t.Helper()
	h := &harness{backend: newFakeBackend(t)}
	h.backend.streaming = streaming
	h.store = storage.New(storage.NewMemoryBackend())
	h.state = session.NewState(session.Config{ChatflowID: testFlow, Persister: h.store})

	cfg := Config{
		ChatflowID:   testFlow,
		User:         model.UserData{FIO: "Иван Петров", Email: "ivan@example.com"},
		HandoffDelay: 10 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Notifier:     NotifierFunc(func() { h.sounds.Add(1) }),
		Tracker:      telemetry.NewTracker(testFlow, nil),
	}
	if mutate != nil {
		mutate(h.backend, &cfg)
	}

	client := transport.NewClient(h.backend.server.URL, testFlow)
	h.coord = New(client, h.state, h.store, cfg)
	t.Cleanup(h.coord.Close)

	require.NoError(t, h.coord.Bootstrap(context.Background()))
	return h
}

func (h *harness) submit(t *testing.T, text string) *Turn {
	t.Helper()
	turn, err := h.coord.Submit(context.Background(), Input{Text: text})
	require.NoError(t, err)
	return turn
}

func wait(t *testing.T, turn *Turn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-turn.Done():
	case <-ctx.Done():
		t.Fatalf("turn %d did not finish", turn.ID)
	}
}

func texts(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

// assertNoStackedPlaceholders checks that no two adjacent entries are both
// empty unfinished assistant placeholders.
func assertNoStackedPlaceholders(t *testing.T, msgs []model.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].IsEmptyPlaceholder() && msgs[i].IsEmptyPlaceholder() {
			t.Fatalf("stacked placeholders at %d: %+v", i, msgs)
		}
	}
}

// =============================================================================
// BOOTSTRAP
// =============================================================================

func TestBootstrap_GreetsEmptyTranscript(t *testing.T) {
	h := newHarness(t, true, nil)

	msgs := h.state.Transcript()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Здравствуйте, Иван Петров! "+model.DefaultAssistantGreeting, msgs[0].Text)
	assert.Equal(t, model.ModeLLMStreaming, h.state.Mode())
	assert.NotEmpty(t, h.state.ConversationID())
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestBootstrap_RestoresSavedSession(t *testing.T) {
	backend := newFakeBackend(t)
	backend.chatbot = `{"leads":{"status":true},"chatFeedback":{"status":true},
		"starterPrompts":{"0":{"prompt":"Как дела?"},"1":{"prompt":""}}}`
	store := storage.New(storage.NewMemoryBackend())
	require.NoError(t, store.Save(context.Background(), testFlow, storage.Record{
		ChatID: "saved-chat",
		ChatHistory: []model.Message{
			{Role: model.RoleUser, Text: "q", DateTime: "2025-01-01T10:00:00.000Z"},
			{Role: model.RoleLeadCapture},
			{Role: model.RoleAssistant, Text: "a"},
		},
		Lead: &model.Lead{Email: "lead@example.com"},
	}))

	state := session.NewState(session.Config{ChatflowID: testFlow, Persister: store})
	coord := New(transport.NewClient(backend.server.URL, testFlow), state, store, Config{ChatflowID: testFlow})
	t.Cleanup(coord.Close)
	require.NoError(t, coord.Bootstrap(context.Background()))

	assert.Equal(t, "saved-chat", state.ConversationID())
	assert.Equal(t, []string{"q", "a"}, texts(state.Transcript()))
	assert.Equal(t, model.ModeLLMSync, state.Mode())

	st := coord.Status()
	assert.True(t, st.FeedbackEnabled)
	assert.True(t, st.LeadsEnabled)
	assert.Equal(t, []string{"Как дела?"}, st.StarterPrompts)

	// The saved lead email rides along with predictions.
	turn, err := coord.Submit(context.Background(), Input{Text: "x"})
	require.NoError(t, err)
	wait(t, turn)
	assert.Equal(t, "lead@example.com", backend.lastRequest().LeadEmail)
}

func TestBootstrap_LeadCaptureWhenNoLead(t *testing.T) {
	h := newHarness(t, false, func(b *fakeBackend, _ *Config) {
		b.chatbot = `{"leads":{"status":true}}`
	})
	msgs := h.state.Transcript()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleLeadCapture, msgs[1].Role)
}

func TestBootstrap_StreamingCheckFailureFallsBackToSync(t *testing.T) {
	state := session.NewState(session.Config{ChatflowID: testFlow})
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	coord := New(transport.NewClient(server.URL, testFlow), state, nil, Config{})
	t.Cleanup(coord.Close)
	require.NoError(t, coord.Bootstrap(context.Background()))
	assert.Equal(t, model.ModeLLMSync, state.Mode())
	assert.Equal(t, 1, state.Len())
}

// =============================================================================
// DELIVERY
// =============================================================================

func TestSubmit_StreamingTokens(t *testing.T) {
	h := newHarness(t, true, nil)
	h.backend.setPredict(func(w http.ResponseWriter, req transport.PredictionRequest) {
		assert.True(t, req.Streaming)
		writeSSE(w,
			`{"event":"start","data":""}`,
			`{"event":"token","data":"Hi"}`,
			`{"event":"token","data":" there"}`,
			`{"event":"metadata","data":{"chatId":"c-9","chatMessageId":"m-9"}}`,
			`{"event":"end","data":"[DONE]"}`,
		)
	})

	turn := h.submit(t, "hello")
	assert.Equal(t, RouteStream, turn.Route)
	wait(t, turn)

	msgs := h.state.Transcript()
	require.Len(t, msgs, 3)
	last := msgs[2]
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Equal(t, "Hi there", last.Text)
	assert.Equal(t, "m-9", last.MessageID)
	assert.False(t, last.Pending)
	assert.Equal(t, "c-9", h.state.ConversationID())

	assert.Equal(t, telemetry.OutcomeCompleted, turn.Outcome())
	assert.Equal(t, StateIdle, h.coord.State())
	assert.Equal(t, int32(1), h.sounds.Load(), "one cue per turn")
}

func TestSubmit_SyncAnswer(t *testing.T) {
	h := newHarness(t, false, nil)
	h.backend.setPredict(func(w http.ResponseWriter, req transport.PredictionRequest) {
		assert.False(t, req.Streaming)
		assert.Equal(t, "what?", req.Question)
		assert.Equal(t, "Иван Петров", req.OverrideConfig["userData"].(map[string]any)["fio"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"answer","chatMessageId":"m-1","dateTime":"2025-02-02T10:00:00.000Z",
			"sourceDocuments":"[{\"pageContent\":\"doc\"}]",
			"action":{"type":"buttons","buttons":[{"text":"Да"}]}}`)
	})

	turn := h.submit(t, "what?")
	assert.Equal(t, RouteSync, turn.Route)
	wait(t, turn)

	last, ok := h.state.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "answer", last.Text)
	assert.Equal(t, "m-1", last.Identity())
	assert.Equal(t, "2025-02-02T10:00:00.000Z", last.DateTime)
	assert.JSONEq(t, `[{"pageContent":"doc"}]`, string(last.SourceDocuments))
	require.NotNil(t, last.Action)
	assert.Equal(t, "Да", last.Action.Elements[0].Label)
	assertNoStackedPlaceholders(t, h.state.Transcript())
}

func TestSubmit_SideChannels(t *testing.T) {
	h := newHarness(t, true, nil)
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		writeSSE(w,
			`{"event":"agentReasoning","data":"[{\"agentName\":\"a\"},{\"agentName\":\"b\",\"nextAgent\":\"c\"}]"}`,
			`{"event":"usedTools","data":[{"tool":"search"}]}`,
			`{"event":"agentReasoning","data":"not json"}`,
			`{"event":"token","data":"partial"}`,
			`{"event":"abort","data":""}`,
		)
	})

	turn := h.submit(t, "go")
	wait(t, turn)

	last, _ := h.state.LastMessage()
	assert.Equal(t, "partial", last.Text)
	assert.JSONEq(t, `[{"tool":"search"}]`, string(last.UsedTools))
	assert.JSONEq(t, `[{"agentName":"a"}]`, string(last.AgentReasoning), "abort trims handed-over agents")
	assert.Nil(t, h.coord.ServiceError())
}

func TestSubmit_EmptyQuestionTakesServerEcho(t *testing.T) {
	h := newHarness(t, true, nil)
	h.backend.setPredict(func(w http.ResponseWriter, req transport.PredictionRequest) {
		assert.Empty(t, req.Question)
		assert.JSONEq(t, `{"city":"Москва"}`, string(req.Form))
		writeSSE(w,
			`{"event":"token","data":"ok"}`,
			`{"event":"metadata","data":{"question":"Город: Москва","userMessageDateTime":"2025-01-01T00:00:00.000Z"}}`,
			`{"event":"end","data":""}`,
		)
	})

	turn, err := h.coord.Submit(context.Background(), Input{Form: map[string]string{"city": "Москва"}})
	require.NoError(t, err)
	wait(t, turn)

	msgs := h.state.Transcript()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Город: Москва", msgs[1].Text)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", msgs[1].DateTime)
}

func TestSubmit_EmptyInputRejected(t *testing.T) {
	h := newHarness(t, false, nil)
	_, err := h.coord.Submit(context.Background(), Input{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, h.backend.requestCount())
}

func TestSubmit_FailureKeepsTranscript(t *testing.T) {
	h := newHarness(t, false, nil)
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	turn := h.submit(t, "hello")
	wait(t, turn)

	assert.Equal(t, telemetry.OutcomeFailed, turn.Outcome())
	assert.Error(t, turn.Err())
	assert.Error(t, h.coord.ServiceError())
	assert.Equal(t, StateIdle, h.coord.State())

	msgs := h.state.Transcript()
	require.Len(t, msgs, 2, "placeholder removed, question kept")
	assert.Equal(t, "hello", msgs[1].Text)
	assert.Equal(t, 1, h.backend.requestCount(), "no retry")

	// The next submission clears the error.
	h.backend.setPredict(nil)
	wait(t, h.submit(t, "again"))
	assert.Nil(t, h.coord.ServiceError())
}

func TestSubmit_SupersededTurnIsIsolated(t *testing.T) {
	h := newHarness(t, true, nil)

	release := make(chan struct{})
	var calls atomic.Int32
	h.backend.setPredict(func(w http.ResponseWriter, req transport.PredictionRequest) {
		if calls.Add(1) == 1 {
			writeSSE(w, `{"event":"token","data":"stale"}`)
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
			writeSSE(w, `{"event":"token","data":" more"}`, `{"event":"end","data":""}`)
			return
		}
		writeSSE(w, `{"event":"token","data":"fresh"}`, `{"event":"end","data":""}`)
	})

	first := h.submit(t, "one")
	require.Eventually(t, func() bool {
		last, _ := h.state.LastMessage()
		return last.Text == "stale"
	}, 2*time.Second, 5*time.Millisecond)

	second := h.submit(t, "two")
	close(release)
	wait(t, first)
	wait(t, second)

	assert.Equal(t, telemetry.OutcomeCancelled, first.Outcome())
	assert.Equal(t, telemetry.OutcomeCompleted, second.Outcome())

	msgs := h.state.Transcript()
	assert.Equal(t, []string{h.state.Transcript()[0].Text, "one", "stale", "two", "fresh"}, texts(msgs))
	assertNoStackedPlaceholders(t, msgs)
}

func TestSubmit_NoStackedPlaceholders(t *testing.T) {
	h := newHarness(t, false, nil)
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":""}`)
	})

	var turns []*Turn
	for i := 0; i < 5; i++ {
		turns = append(turns, h.submit(t, fmt.Sprintf("q%d", i)))
	}
	for _, turn := range turns {
		wait(t, turn)
	}
	assertNoStackedPlaceholders(t, h.state.Transcript())
}

// =============================================================================
// OPERATOR HANDOFF
// =============================================================================

func TestRequestOperator_StartsPolling(t *testing.T) {
	h := newHarness(t, true, nil)

	require.NoError(t, h.coord.RequestOperator(context.Background(), ""))

	last, _ := h.state.LastMessage()
	assert.Equal(t, model.TransferNotice, last.Text)
	assert.True(t, strings.HasPrefix(last.ID, model.TransferIDPrefix))
	assert.Equal(t, model.ModeOperatorPolling, h.state.Mode())
	assert.Equal(t, StateOperatorHandoff, h.coord.State())

	require.Eventually(t, func() bool { return h.coord.Status().PollingActive }, 2*time.Second, 5*time.Millisecond)

	h.backend.mu.Lock()
	require.Len(t, h.backend.transfers, 1)
	tr := h.backend.transfers[0]
	h.backend.mu.Unlock()
	assert.Equal(t, model.DefaultHandoffMessage, tr.UserMessage)
	assert.Equal(t, "Иван Петров", tr.OverrideConfig.UserData.FullName)
	assert.Equal(t, h.state.ConversationID(), tr.ChatID)
}

func TestRequestOperator_Failure(t *testing.T) {
	h := newHarness(t, false, func(b *fakeBackend, _ *Config) { b.transferErr = true })

	err := h.coord.RequestOperator(context.Background(), "Оператор")
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, ErrTransferFailed, h.coord.ServiceError())
	assert.Equal(t, model.TransferFailedMessage, h.coord.ServiceError().Error())
	assert.False(t, model.ContainsTransferNotice(h.state.Transcript()))
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestHandoff_ClosingPhraseStopsPolling(t *testing.T) {
	h := newHarness(t, true, func(b *fakeBackend, _ *Config) {
		b.polls = []string{
			`[{"id":"op-1","role":"apiMessage","content":"Спасибо, что воспользовались нашим сервисом!","createdDate":"2030-01-01T00:00:00.000Z"}]`,
			`[]`,
		}
	})

	require.NoError(t, h.coord.RequestOperator(context.Background(), ""))
	require.Eventually(t, func() bool {
		return h.coord.State() == StateIdle && !h.coord.Status().PollingActive
	}, 2*time.Second, 5*time.Millisecond)

	calls := h.backend.pollCalls.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, calls, h.backend.pollCalls.Load(), "no ticks after a closing phrase")

	last, _ := h.state.LastMessage()
	assert.Contains(t, last.Text, "Спасибо")
	assert.GreaterOrEqual(t, h.sounds.Load(), int32(1))

	// Routing stays on the handoff path.
	turn := h.submit(t, "ещё вопрос")
	assert.Equal(t, RouteHandoff, turn.Route)
	wait(t, turn)
	assert.False(t, h.backend.lastRequest().Streaming)
}

func TestHandoff_DuplicatePollsMergeOnce(t *testing.T) {
	h := newHarness(t, false, func(b *fakeBackend, _ *Config) {
		b.polls = []string{
			`[{"id":"op-1","content":"Здравствуйте, я оператор","createdDate":"2030-01-01T00:00:00.000Z"}]`,
		}
	})

	require.NoError(t, h.coord.RequestOperator(context.Background(), ""))
	require.Eventually(t, func() bool { return h.backend.pollCalls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	count := 0
	for _, m := range h.state.Transcript() {
		if m.Identity() == "op-1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandoff_AutofaqModeReply(t *testing.T) {
	h := newHarness(t, true, nil)
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"autofaqMode":true}`)
	})

	turn := h.submit(t, "человека позовите")
	wait(t, turn)

	assert.Equal(t, telemetry.OutcomeHandoff, turn.Outcome())
	assert.Equal(t, model.ModeOperatorPolling, h.state.Mode())
	assert.Equal(t, StateOperatorHandoff, h.coord.State())
	assert.True(t, h.coord.Status().PollingActive)

	last, _ := h.state.LastMessage()
	assert.Equal(t, "человека позовите", last.Text, "empty placeholder dropped")
	assertNoStackedPlaceholders(t, h.state.Transcript())

	// Sticky: the next turn goes through the handoff path.
	h.backend.setPredict(func(w http.ResponseWriter, req transport.PredictionRequest) {
		assert.False(t, req.Streaming)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"autofaqMode":"true"}`)
	})
	next := h.submit(t, "алло")
	assert.Equal(t, RouteHandoff, next.Route)
	wait(t, next)
	assert.Equal(t, StateOperatorHandoff, h.coord.State())
}

func TestHandoff_PollDuringTurnKeepsPlaceholderLast(t *testing.T) {
	h := newHarness(t, false, nil)
	require.NoError(t, h.coord.RequestOperator(context.Background(), ""))
	require.Eventually(t, func() bool { return h.coord.Status().PollingActive }, 2*time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"autofaqMode":true}`)
	})

	turn := h.submit(t, "есть кто?")
	assert.Equal(t, RouteHandoff, turn.Route)

	h.backend.mu.Lock()
	h.backend.polls = []string{
		`[{"id":"op-9","role":"apiMessage","content":"Оператор на связи","createdDate":"2030-01-01T00:00:00.000Z"}]`,
	}
	h.backend.mu.Unlock()

	require.Eventually(t, func() bool {
		for _, m := range h.state.Transcript() {
			if m.Identity() == "op-9" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	last, _ := h.state.LastMessage()
	assert.True(t, last.IsEmptyPlaceholder(), "placeholder stays last while the turn is open")

	close(release)
	wait(t, turn)

	assert.Equal(t, telemetry.OutcomeHandoff, turn.Outcome())
	assert.Equal(t, StateOperatorHandoff, h.coord.State())
	msgs := h.state.Transcript()
	for i, m := range msgs {
		assert.False(t, m.Pending, "message %d still pending: %+v", i, m)
		assert.False(t, m.Role == model.RoleAssistant && m.Text == "", "empty assistant entry at %d", i)
	}
	last, _ = h.state.LastMessage()
	assert.Equal(t, "Оператор на связи", last.Text)
}

func TestHandoff_ModelReturns(t *testing.T) {
	h := newHarness(t, true, nil)
	require.NoError(t, h.coord.RequestOperator(context.Background(), ""))
	require.Eventually(t, func() bool { return h.coord.Status().PollingActive }, 2*time.Second, 5*time.Millisecond)

	h.backend.setPredict(func(w http.ResponseWriter, req transport.PredictionRequest) {
		assert.False(t, req.Streaming)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"снова бот"}`)
	})
	turn := h.submit(t, "вопрос")
	assert.Equal(t, RouteHandoff, turn.Route)
	wait(t, turn)

	st := h.coord.Status()
	assert.False(t, st.PollingActive)
	assert.Equal(t, model.ModeLLMStreaming, st.Mode)
	assert.Equal(t, StateIdle, st.State)

	last, _ := h.state.LastMessage()
	assert.Equal(t, "снова бот", last.Text)

	// The transfer notice keeps later turns on the sync handoff path.
	assert.Equal(t, RouteHandoff, h.submit(t, "ещё").Route)
}

// =============================================================================
// ACTIONS, FEEDBACK, LEADS
// =============================================================================

func TestClickAction(t *testing.T) {
	h := newHarness(t, false, nil)
	h.state.UpdateLastMessage(func(m *model.Message) {
		m.Action = &model.Action{Elements: []model.ActionElement{{Type: "button", Label: "Да"}}}
	})

	action := &model.Action{ID: "a1", Data: json.RawMessage(`{"nodeId":"humanInput_0"}`)}
	turn, err := h.coord.ClickAction(context.Background(), model.ActionElement{Type: "agentflowv2-approve-button", Label: "Yes"}, action, "")
	require.NoError(t, err)
	wait(t, turn)

	req := h.backend.lastRequest()
	require.NotNil(t, req.HumanInput)
	assert.Equal(t, "proceed", req.HumanInput.Type)
	assert.Equal(t, "humanInput_0", req.HumanInput.StartNodeID)
	assert.Equal(t, "Proceed", req.Question)
	assert.Nil(t, h.state.Transcript()[0].Action, "action cleared on click")

	turn, err = h.coord.ClickAction(context.Background(), model.ActionElement{Type: "button", Label: "Да"}, action, "")
	require.NoError(t, err)
	wait(t, turn)
	req = h.backend.lastRequest()
	assert.Equal(t, "Да", req.Question)
	require.NotNil(t, req.Action)
	assert.Equal(t, "a1", req.Action.ID)

	turn, err = h.coord.ClickAction(context.Background(), model.ActionElement{Type: "operator", Label: "Оператор"}, nil, "")
	require.NoError(t, err)
	assert.Nil(t, turn)
	assert.Equal(t, model.ModeOperatorPolling, h.state.Mode())
}

func TestRate(t *testing.T) {
	h := newHarness(t, false, func(b *fakeBackend, _ *Config) {
		b.chatbot = `{"chatFeedback":{"status":true}}`
	})
	wait(t, h.submit(t, "q"))

	require.NoError(t, h.coord.Rate(context.Background(), "m1", model.RatingThumbsUp, "полезно"))
	last, _ := h.state.LastMessage()
	assert.Equal(t, model.RatingThumbsUp, last.Rating)

	h.backend.mu.Lock()
	require.Len(t, h.backend.feedback, 1)
	require.Len(t, h.backend.updates, 1)
	assert.Equal(t, "m1", h.backend.feedback[0].MessageID)
	assert.Equal(t, "полезно", h.backend.updates[0].Content)
	h.backend.mu.Unlock()

	assert.ErrorIs(t, h.coord.Rate(context.Background(), "m1", "MEH", ""), ErrInvalidRating)
}

func TestRate_Disabled(t *testing.T) {
	h := newHarness(t, false, func(b *fakeBackend, _ *Config) {
		b.chatbot = `{"chatFeedback":{"status":false}}`
	})
	assert.ErrorIs(t, h.coord.Rate(context.Background(), "m1", model.RatingThumbsDown, ""), ErrFeedbackDisabled)
}

func TestSubmitLead(t *testing.T) {
	h := newHarness(t, false, func(b *fakeBackend, _ *Config) {
		b.chatbot = `{"leads":{"status":true}}`
	})

	lead := model.Lead{Name: "Мария", Email: "maria@example.com"}
	require.NoError(t, h.coord.SubmitLead(context.Background(), lead))

	for _, m := range h.state.Transcript() {
		assert.NotEqual(t, model.RoleLeadCapture, m.Role)
	}
	rec, err := h.store.Load(context.Background(), testFlow)
	require.NoError(t, err)
	require.NotNil(t, rec.Lead)
	assert.Equal(t, "maria@example.com", rec.Lead.Email)

	wait(t, h.submit(t, "q"))
	assert.Equal(t, "maria@example.com", h.backend.lastRequest().LeadEmail)
}

// =============================================================================
// RESET AND CLOSE
// =============================================================================

func TestReset_AbortsStreamSilently(t *testing.T) {
	h := newHarness(t, true, nil)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		writeSSE(w, `{"event":"token","data":"partial"}`)
		<-stop
	})

	turn := h.submit(t, "hello")
	require.Eventually(t, func() bool {
		last, _ := h.state.LastMessage()
		return last.Text == "partial"
	}, 2*time.Second, 5*time.Millisecond)
	oldID := h.state.ConversationID()

	require.NoError(t, h.coord.Reset(context.Background()))
	wait(t, turn)

	assert.Equal(t, telemetry.OutcomeCancelled, turn.Outcome())
	assert.Nil(t, h.coord.ServiceError())
	assert.Equal(t, 0, h.state.Len())
	assert.NotEqual(t, oldID, h.state.ConversationID())
	assert.Equal(t, StateIdle, h.coord.State())

	rec, err := h.store.Load(context.Background(), testFlow)
	require.NoError(t, err)
	assert.Empty(t, rec.ChatHistory)
}

func TestSubmit_CancelledContextSettles(t *testing.T) {
	h := newHarness(t, true, nil)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	started := make(chan struct{}, 1)
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		writeSSE(w)
		started <- struct{}{}
		<-stop
	})

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := h.coord.Submit(ctx, Input{Text: "hello"})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never opened")
	}
	assert.Equal(t, StateAwaitingResponse, h.coord.State())

	cancel()
	wait(t, turn)

	assert.Equal(t, telemetry.OutcomeCancelled, turn.Outcome())
	assert.Nil(t, h.coord.ServiceError())
	assert.Equal(t, StateIdle, h.coord.State())
	assert.False(t, h.coord.Status().InFlight)
	for _, m := range h.state.Transcript() {
		assert.False(t, m.Pending, "placeholder left waiting: %+v", m)
	}
	last, _ := h.state.LastMessage()
	assert.Equal(t, "hello", last.Text, "empty placeholder dropped")

	// The next turn starts from a clean state.
	h.backend.setPredict(func(w http.ResponseWriter, _ transport.PredictionRequest) {
		writeSSE(w, `{"event":"token","data":"ok"}`, `{"event":"end","data":"[DONE]"}`)
	})
	wait(t, h.submit(t, "again"))
	assertNoStackedPlaceholders(t, h.state.Transcript())
}

func TestReset_StopsPolling(t *testing.T) {
	h := newHarness(t, false, nil)
	require.NoError(t, h.coord.RequestOperator(context.Background(), ""))
	require.Eventually(t, func() bool { return h.coord.Status().PollingActive }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.coord.Reset(context.Background()))
	st := h.coord.Status()
	assert.False(t, st.PollingActive)
	assert.Equal(t, model.ModeLLMSync, st.Mode)
	assert.Equal(t, StateIdle, st.State)

	assert.Equal(t, RouteSync, h.submit(t, "q").Route)
}

func TestClose(t *testing.T) {
	h := newHarness(t, false, nil)
	h.coord.Close()
	h.coord.Close()

	_, err := h.coord.Submit(context.Background(), Input{Text: "q"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.coord.Reset(context.Background()), ErrClosed)
}

// =============================================================================
// UNIT TESTS
// =============================================================================

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateAwaitingResponse, true},
		{StateIdle, StateOperatorHandoff, true},
		{StateIdle, StateIdle, false},
		{StateAwaitingResponse, StateAwaitingResponse, true},
		{StateAwaitingResponse, StateIdle, true},
		{StateOperatorHandoff, StateOperatorHandoff, true},
		{StateOperatorHandoff, StateIdle, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, isValidTransition(tt.from, tt.to))
		})
	}
}

func TestTrimNextAgent(t *testing.T) {
	raw := json.RawMessage(`[{"agentName":"a","nextAgent":""},{"agentName":"b","nextAgent":"c"}]`)
	out, ok := trimNextAgent(raw)
	require.True(t, ok)
	assert.JSONEq(t, `[{"agentName":"a","nextAgent":""}]`, string(out))

	_, ok = trimNextAgent(json.RawMessage(`[{"agentName":"a"}]`))
	assert.False(t, ok)
}

func TestInput_FormDisplay(t *testing.T) {
	display, question := Input{Form: map[string]string{"b": "2", "a": "1"}}.question()
	assert.Equal(t, "a: 1\nb: 2", display)
	assert.Empty(t, question)
}
