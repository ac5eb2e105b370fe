package chat

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/chatledger/internal/metering"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/gin-gonic/gin"
)

const testUserHeader = "X-Test-User"

func init() {
	gin.SetMode(gin.TestMode)
}

func headerIdentity(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.GetHeader(testUserHeader))
	if err != nil {
		return ledger.UserID{}, false
	}
	return userID, true
}

type chatFixture struct {
	router   *gin.Engine
	registry *Registry
	biller   *stubBiller
}

func newChatFixture(test *testing.T, pipeline Pipeline, users Users, threads Threads) chatFixture {
	test.Helper()
	biller := &stubBiller{bill: metering.Bill{Charge: 18_166, Balance: 981_834}}
	runner := newTestRunner(test, pipeline, users, biller)
	registry := NewRegistry()
	handler, err := NewHandler(HandlerConfig{Runner: runner, Registry: registry, Threads: threads, Identity: headerIdentity})
	if err != nil {
		test.Fatalf("new handler: %v", err)
	}
	router := gin.New()
	handler.Register(router)
	return chatFixture{router: router, registry: registry, biller: biller}
}

func (fixture chatFixture) do(method string, path string, body string, user string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if user != "" {
		request.Header.Set(testUserHeader, user)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(test *testing.T, body string) []sseEvent {
	test.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			current.data += strings.TrimPrefix(line, "data:")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	if current.name != "" {
		events = append(events, current)
	}
	return events
}

func TestTurnStreamsChunksThenUsage(test *testing.T) {
	test.Parallel()

	stream := &scriptedStream{chunks: []string{"Hello ", "world"}, input: 1000, perChunk: TokenUsage{OutputTokens: 250}}
	fixture := newChatFixture(test, &stubPipeline{stream: stream}, fundedUsers(), nil)

	recorder := fixture.do(http.MethodPost, "/chat/threads/"+testThreadID+"/turns", `{"question":"hi"}`, testUserID)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.HasPrefix(recorder.Header().Get("Content-Type"), "text/event-stream") {
		test.Fatalf("unexpected content type %q", recorder.Header().Get("Content-Type"))
	}
	events := parseEvents(test, recorder.Body.String())
	if len(events) != 3 {
		test.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].name != eventChunk || events[1].name != eventChunk || events[2].name != eventUsage {
		test.Fatalf("unexpected event order %+v", events)
	}
	var usage usagePayload
	if err := json.Unmarshal([]byte(events[2].data), &usage); err != nil {
		test.Fatalf("decode usage: %v", err)
	}
	if usage.InputTokens != 1000 || usage.OutputTokens != 500 || usage.TotalTokens != 1500 {
		test.Fatalf("unexpected usage %+v", usage)
	}
	if usage.Charge != 18_166 || usage.Balance != 981_834 || !usage.Billed || usage.Cancelled {
		test.Fatalf("unexpected billing fields %+v", usage)
	}
}

func TestTurnRejections(test *testing.T) {
	test.Parallel()

	otherThread := ledger.Thread{ThreadID: mustThreadID(testThreadID), UserID: mustUserID("bob")}
	testCases := []struct {
		name     string
		users    *stubUsers
		threads  Threads
		body     string
		user     string
		expected int
	}{
		{name: "no session", users: fundedUsers(), body: `{"question":"q"}`, expected: http.StatusUnauthorized},
		{name: "empty question", users: fundedUsers(), body: `{"question":"  "}`, user: testUserID, expected: http.StatusUnprocessableEntity},
		{name: "malformed body", users: fundedUsers(), body: `{`, user: testUserID, expected: http.StatusUnprocessableEntity},
		{name: "exhausted balance", users: &stubUsers{balances: map[string]ledger.Micros{testUserID: 0}}, body: `{"question":"q"}`, user: testUserID, expected: http.StatusPaymentRequired},
		{name: "unknown user", users: &stubUsers{balances: map[string]ledger.Micros{}}, body: `{"question":"q"}`, user: testUserID, expected: http.StatusNotFound},
		{name: "foreign thread", users: fundedUsers(), threads: &stubThreads{threads: map[string]ledger.Thread{testThreadID: otherThread}}, body: `{"question":"q"}`, user: testUserID, expected: http.StatusForbidden},
		{name: "thread lookup failure", users: fundedUsers(), threads: &stubThreads{err: errStubPipeline}, body: `{"question":"q"}`, user: testUserID, expected: http.StatusInternalServerError},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newChatFixture(test, &stubPipeline{stream: &scriptedStream{chunks: []string{"x"}}}, testCase.users, testCase.threads)
			recorder := fixture.do(http.MethodPost, "/chat/threads/"+testThreadID+"/turns", testCase.body, testCase.user)
			if recorder.Code != testCase.expected {
				test.Fatalf("expected %d, got %d: %s", testCase.expected, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestTurnPipelineUnavailable(test *testing.T) {
	test.Parallel()

	fixture := newChatFixture(test, &stubPipeline{err: ErrPipelineUnavailable}, fundedUsers(), nil)
	recorder := fixture.do(http.MethodPost, "/chat/threads/"+testThreadID+"/turns", `{"question":"q"}`, testUserID)
	if recorder.Code != http.StatusBadGateway {
		test.Fatalf("expected 502, got %d", recorder.Code)
	}
}

func TestTurnOnOwnExistingThread(test *testing.T) {
	test.Parallel()

	ownThread := ledger.Thread{ThreadID: mustThreadID(testThreadID), UserID: mustUserID(testUserID)}
	threads := &stubThreads{threads: map[string]ledger.Thread{testThreadID: ownThread}}
	fixture := newChatFixture(test, &stubPipeline{stream: &scriptedStream{chunks: []string{"ok"}}}, fundedUsers(), threads)
	recorder := fixture.do(http.MethodPost, "/chat/threads/"+testThreadID+"/turns", `{"question":"q"}`, testUserID)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestStopCancelsActiveTurn(test *testing.T) {
	test.Parallel()

	fixture := newChatFixture(test, &stubPipeline{}, fundedUsers(), nil)
	token := fixture.registry.Begin(testThreadID)

	recorder := fixture.do(http.MethodPost, "/chat/threads/"+testThreadID+"/stop", "", testUserID)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !token.Cancelled() {
		test.Fatalf("expected active turn cancelled")
	}
	if !strings.Contains(recorder.Body.String(), `"stopped":true`) {
		test.Fatalf("unexpected body %s", recorder.Body.String())
	}

	recorder = fixture.do(http.MethodPost, "/chat/threads/"+testThreadID+"/stop", "", testUserID)
	if !strings.Contains(recorder.Body.String(), `"stopped":false`) {
		test.Fatalf("expected nothing to stop, got %s", recorder.Body.String())
	}
}

func TestBalanceEndpoint(test *testing.T) {
	test.Parallel()

	users := &stubUsers{balances: map[string]ledger.Micros{testUserID: 1_250_000, "broke": -5}}
	fixture := newChatFixture(test, &stubPipeline{}, users, nil)

	recorder := fixture.do(http.MethodGet, "/balance", "", testUserID)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		BalanceMicros int64  `json:"balance_micros"`
		Balance       string `json:"balance"`
		Blocked       bool   `json:"blocked"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if payload.BalanceMicros != 1_250_000 || payload.Balance != "1.250000" || payload.Blocked {
		test.Fatalf("unexpected payload %+v", payload)
	}

	recorder = fixture.do(http.MethodGet, "/balance", "", "broke")
	if !strings.Contains(recorder.Body.String(), `"blocked":true`) {
		test.Fatalf("expected blocked balance, got %s", recorder.Body.String())
	}
	if code := fixture.do(http.MethodGet, "/balance", "", "").Code; code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", code)
	}
	if code := fixture.do(http.MethodGet, "/balance", "", "ghost").Code; code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", code)
	}
}
