package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"

	"github.com/calmira-ai/go-calmira/pkg/realtime"
	"github.com/calmira-ai/go-calmira/pkg/trainer"
)

func startRelay(t *testing.T, port int, cfg Config) *Server {
	t.Helper()

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	srv.RegisterRoutes(app)

	go app.Listen(fmt.Sprintf(":%d", port))
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)

	return srv
}

func mockDial(m *realtime.MockSession) func(context.Context, realtime.Config) (realtime.Session, error) {
	return func(context.Context, realtime.Config) (realtime.Session, error) {
		return m, nil
	}
}

func dialSpeech(t *testing.T, port int, id string) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://localhost:%d/ws/speech/%s", port, id)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })

	// The first frame is always session.created.
	msg := readMessage(t, ws)
	if msg.Type != TypeSessionCreated {
		t.Fatalf("first message type = %s, want %s", msg.Type, TypeSessionCreated)
	}
	if msg.SessionID != id {
		t.Fatalf("session id = %s, want %s", msg.SessionID, id)
	}
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) *ServerMessage {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("parse %q: %v", data, err)
	}
	return msg
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ MessageType) *ServerMessage {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, ws)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message received", typ)
	return nil
}

func sendCommand(t *testing.T, ws *websocket.Conn, cmd Command) {
	t.Helper()

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func writeBinary(t *testing.T, ws *websocket.Conn, data []byte) {
	t.Helper()

	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestApp(t *testing.T, cfg Config) (*Server, *fiber.App) {
	t.Helper()

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	srv.RegisterRoutes(app)
	return srv, app
}

func TestServerRequiresCredentials(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("NewServer accepted a config with neither api key nor dialer")
	}
	if _, err := NewServer(Config{APIKey: "sk-test"}); err != nil {
		t.Fatalf("NewServer rejected api key config: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, app := newTestApp(t, Config{APIKey: "sk-test"})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status            string `json:"status"`
		ActiveConnections int    `json:"active_connections"`
		Service           string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %q, want healthy", body.Status)
	}
	if body.Service != "calmira-relay" {
		t.Errorf("service = %q, want calmira-relay", body.Service)
	}
	if body.ActiveConnections != 0 {
		t.Errorf("active_connections = %d, want 0", body.ActiveConnections)
	}
}

func TestScenariosEndpoint(t *testing.T) {
	_, app := newTestApp(t, Config{APIKey: "sk-test"})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/scenarios", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Scenarios []trainer.Scenario `json:"scenarios"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Scenarios) != 3 {
		t.Fatalf("scenarios = %d, want 3", len(body.Scenarios))
	}

	wantDifficulty := map[string]string{
		"agitated_customer":  "Beginner",
		"workplace_conflict": "Intermediate",
		"public_disturbance": "Advanced",
	}
	for _, s := range body.Scenarios {
		if want := wantDifficulty[s.ID]; s.Difficulty != want {
			t.Errorf("scenario %s difficulty = %q, want %q", s.ID, s.Difficulty, want)
		}
		if s.Instructions == "" {
			t.Errorf("scenario %s has no instructions", s.ID)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, app := newTestApp(t, Config{APIKey: "sk-test"})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/stats", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ActiveConnections != 0 || stats.MessagesReceived != 0 {
		t.Errorf("stats = %+v, want zeroes", stats)
	}
}

func TestSpeechAudioBufferingAndCommit(t *testing.T) {
	mock := realtime.NewMockSession()
	startRelay(t, 18090, Config{Dial: mockDial(mock)})
	ws := dialSpeech(t, 18090, "buffering")

	// Below the batching threshold nothing is forwarded.
	writeBinary(t, ws, make([]byte, 2000))
	time.Sleep(50 * time.Millisecond)
	if got := mock.AppendCount(); got != 0 {
		t.Fatalf("appends = %d before threshold, want 0", got)
	}

	// Crossing the threshold flushes the whole batch.
	writeBinary(t, ws, make([]byte, 2800))
	waitFor(t, func() bool { return mock.AppendCount() == 1 }, "no batched append")
	if got := mock.AppendedBytes(); got != 4800 {
		t.Errorf("appended bytes = %d, want 4800", got)
	}

	// Commit flushes the remainder and requests a response.
	writeBinary(t, ws, make([]byte, 1000))
	sendCommand(t, ws, Command{Type: TypeCommitAudio})
	waitFor(t, func() bool { return mock.CommitCount() == 1 }, "no commit")

	if got := mock.AppendedBytes(); got != 5800 {
		t.Errorf("appended bytes = %d, want 5800", got)
	}
	if got := mock.CreateCount(); got != 1 {
		t.Errorf("response creations = %d, want 1", got)
	}

	wantOps := []string{"configure", "append", "append", "commit", "response.create"}
	if got := mock.OpLog(); !reflect.DeepEqual(got, wantOps) {
		t.Errorf("op log = %v, want %v", got, wantOps)
	}
}

func TestSpeechShortTurnHeldBack(t *testing.T) {
	mock := realtime.NewMockSession()
	startRelay(t, 18091, Config{Dial: mockDial(mock)})
	ws := dialSpeech(t, 18091, "short-turn")

	writeBinary(t, ws, make([]byte, 1000))
	sendCommand(t, ws, Command{Type: TypeCommitAudio})
	time.Sleep(80 * time.Millisecond)

	if got := mock.CommitCount(); got != 0 {
		t.Fatalf("commits = %d for short turn, want 0", got)
	}
	if got := mock.AppendCount(); got != 0 {
		t.Fatalf("appends = %d for short turn, want 0", got)
	}

	// More audio pushes the turn over the minimum; now the commit lands.
	writeBinary(t, ws, make([]byte, 1400))
	sendCommand(t, ws, Command{Type: TypeCommitAudio})
	waitFor(t, func() bool { return mock.CommitCount() == 1 }, "no commit once over the minimum")
	if got := mock.AppendedBytes(); got != 2400 {
		t.Errorf("appended bytes = %d, want 2400", got)
	}
}

func TestSpeechCommitSkippedWhileResponseActive(t *testing.T) {
	mock := realtime.NewMockSession()
	startRelay(t, 18092, Config{Dial: mockDial(mock)})
	ws := dialSpeech(t, 18092, "active-guard")

	writeBinary(t, ws, make([]byte, 4800))
	sendCommand(t, ws, Command{Type: TypeCommitAudio})
	waitFor(t, func() bool { return mock.CommitCount() == 1 }, "first commit missing")

	// A second commit while the response is in flight is dropped.
	writeBinary(t, ws, make([]byte, 4800))
	sendCommand(t, ws, Command{Type: TypeCommitAudio})
	waitFor(t, func() bool { return mock.AppendCount() == 2 }, "second batch missing")
	time.Sleep(50 * time.Millisecond)
	if got := mock.CommitCount(); got != 1 {
		t.Fatalf("commits = %d while response active, want 1", got)
	}

	// Completion clears the guard.
	mock.EmitResponseDone()
	readUntil(t, ws, TypeResponseDone)
	sendCommand(t, ws, Command{Type: TypeCommitAudio})
	waitFor(t, func() bool { return mock.CommitCount() == 2 }, "commit after response.done missing")
}

func TestSpeechForwardsEventsAndFeedback(t *testing.T) {
	mock := realtime.NewMockSession()
	srv := startRelay(t, 18093, Config{
		Dial:             mockDial(mock),
		FeedbackInterval: 100 * time.Millisecond,
	})
	ws := dialSpeech(t, 18093, "events")

	pcmChunk := []byte{1, 2, 3, 4}
	transcript := "Good work. **Rating: 8/10** Keep practicing."
	mock.EmitAudioDelta(pcmChunk)
	mock.EmitTranscriptDelta("Good ")
	mock.EmitTranscriptDone(transcript)
	mock.EmitResponseDone()

	audio := readUntil(t, ws, TypeAudioDelta)
	decoded, err := audio.PCM16()
	if err != nil {
		t.Fatalf("PCM16: %v", err)
	}
	if !bytes.Equal(decoded, pcmChunk) {
		t.Errorf("audio payload = %v, want %v", decoded, pcmChunk)
	}

	delta := readUntil(t, ws, TypeTranscriptDelta)
	if delta.Delta != "Good " {
		t.Errorf("delta = %q, want %q", delta.Delta, "Good ")
	}

	done := readUntil(t, ws, TypeTranscriptDone)
	if done.Transcript != transcript {
		t.Errorf("transcript = %q, want %q", done.Transcript, transcript)
	}
	readUntil(t, ws, TypeResponseDone)

	// The extracted grade is served on request.
	sendCommand(t, ws, Command{Type: TypeGetFeedback})
	fb := readUntil(t, ws, TypeTrainingFeedback)
	if fb.Grade == nil || *fb.Grade != 8 {
		t.Fatalf("grade = %v, want 8", fb.Grade)
	}
	if fb.Feedback != transcript {
		t.Errorf("feedback = %q, want %q", fb.Feedback, transcript)
	}
	if fb.FullResponse != transcript {
		t.Errorf("full_response = %q, want %q", fb.FullResponse, transcript)
	}

	// Requests inside the rate-limit window are dropped without a reply.
	stats := srv.GetStats()
	sendCommand(t, ws, Command{Type: TypeGetFeedback})
	waitFor(t, func() bool {
		return srv.GetStats().MessagesReceived == stats.MessagesReceived+1
	}, "rate-limited request never arrived")
	if got := srv.GetStats().MessagesSent; got != stats.MessagesSent {
		t.Fatalf("messages sent = %d during rate-limit window, want %d", got, stats.MessagesSent)
	}

	// After the window the next request is served again.
	time.Sleep(120 * time.Millisecond)
	sendCommand(t, ws, Command{Type: TypeGetFeedback})
	fb = readUntil(t, ws, TypeTrainingFeedback)
	if fb.Grade == nil || *fb.Grade != 8 {
		t.Fatalf("grade after window = %v, want 8", fb.Grade)
	}
}

func TestSpeechToleratesMalformedCommands(t *testing.T) {
	mock := realtime.NewMockSession()
	startRelay(t, 18094, Config{Dial: mockDial(mock)})
	ws := dialSpeech(t, 18094, "garbage")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendCommand(t, ws, Command{Type: "bogus"})

	// The connection is still serving: audio flows after the bad frames.
	writeBinary(t, ws, make([]byte, 4800))
	waitFor(t, func() bool { return mock.AppendCount() == 1 }, "connection dead after malformed command")
}

func TestSpeechUpstreamDialFailure(t *testing.T) {
	startRelay(t, 18095, Config{
		Dial: func(context.Context, realtime.Config) (realtime.Session, error) {
			return nil, errors.New("invalid api key")
		},
	})

	ws, _, err := websocket.DefaultDialer.Dial("ws://localhost:18095/ws/speech/doomed", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	msg := readMessage(t, ws)
	if msg.Type != TypeError {
		t.Fatalf("message type = %s, want %s", msg.Type, TypeError)
	}
	if msg.Error != "Failed to connect to OpenAI" {
		t.Errorf("error = %q, want %q", msg.Error, "Failed to connect to OpenAI")
	}
	if !strings.Contains(msg.Details, "invalid api key") {
		t.Errorf("details = %q, want dial error", msg.Details)
	}

	// The relay closes the connection after reporting the failure.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection still open after upstream failure")
	}
}

func TestSpeechControlCommands(t *testing.T) {
	mock := realtime.NewMockSession()
	startRelay(t, 18096, Config{Dial: mockDial(mock)})
	ws := dialSpeech(t, 18096, "control")

	waitFor(t, func() bool { return mock.ConfigureCount() == 1 }, "connect-time configure missing")

	sendCommand(t, ws, Command{Type: TypeConfigure, Instructions: "Play an angry customer"})
	waitFor(t, func() bool { return mock.ConfigureCount() == 2 }, "configure not forwarded")

	cfg, ok := mock.LastConfigure()
	if !ok || cfg.Instructions != "Play an angry customer" {
		t.Errorf("instructions = %q, want %q", cfg.Instructions, "Play an angry customer")
	}
	if cfg.TurnDetection != nil {
		t.Error("configure enabled server VAD")
	}

	sendCommand(t, ws, Command{Type: TypeClearAudio})
	waitFor(t, func() bool { return mock.ClearCount() == 1 }, "clear not forwarded")

	sendCommand(t, ws, Command{Type: TypeCancelResponse})
	waitFor(t, func() bool { return mock.CancelCount() == 1 }, "cancel not forwarded")
}

func TestActiveConnectionsLifecycle(t *testing.T) {
	mock := realtime.NewMockSession()
	srv := startRelay(t, 18097, Config{Dial: mockDial(mock)})

	if got := srv.ActiveConnections(); got != 0 {
		t.Fatalf("active = %d before connect, want 0", got)
	}

	ws := dialSpeech(t, 18097, "lifecycle")
	waitFor(t, func() bool { return srv.ActiveConnections() == 1 }, "connection not registered")

	ws.Close()
	waitFor(t, func() bool { return srv.ActiveConnections() == 0 }, "connection not cleaned up")

	// The upstream session is torn down with the client.
	waitFor(t, func() bool { return mock.State() == realtime.StateDisconnected }, "upstream not closed")
}
