package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoAIInterviewer/internal/collaborator"
	"GoAIInterviewer/internal/interview"
	"GoAIInterviewer/internal/metrics"
)

var roomSeq atomic.Int64

type frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

type fakeRelay struct {
	mu    sync.Mutex
	rooms []string
	texts []string
}

func (r *fakeRelay) Relay(room string, reply interview.Reply) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room)
	r.texts = append(r.texts, reply.Text)
	return true
}

func (r *fakeRelay) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rooms...), append([]string(nil), r.texts...)
}

type fixture struct {
	hub     *Hub
	engine  *interview.Engine
	metrics *metrics.Metrics
	url     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, collaborator.NewStatic(nil, "Could you expand on that?"), nil)
}

// newFixtureWith configure在任何连接建立之前调用
func newFixtureWith(t *testing.T, collab interview.Collaborator, configure func(*Hub)) *fixture {
	t.Helper()
	m := metrics.NewMetrics()
	engine := interview.NewEngine(interview.NewStore(), collab,
		interview.WithDecider(interview.Always(false)),
		interview.WithMetrics(m),
	)
	h := New(engine, m)
	if configure != nil {
		configure(h)
	}
	engine.OnComplete(h.HandleCompletion)
	go h.Run()
	t.Cleanup(h.Stop)

	ts := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(ts.Close)
	return &fixture{hub: h, engine: engine, metrics: m, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (f *fixture) session(t *testing.T, questions ...string) *interview.Session {
	t.Helper()
	qs := make([]interview.Question, 0, len(questions))
	for _, q := range questions {
		qs = append(qs, interview.Question{Text: q})
	}
	sess, err := f.engine.CreateSession(fmt.Sprintf("room-%d", roomSeq.Add(1)), "cand-1", qs)
	require.NoError(t, err)
	return sess
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event, requestID string, data CommandData) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"event": event, "requestId": requestID, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var fr frame
	require.NoError(t, json.Unmarshal(raw, &fr))
	return fr
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, raw, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected message: %s", raw)
}

func ack(t *testing.T, fr frame) Ack {
	t.Helper()
	require.Equal(t, EventAck, fr.Event)
	var a Ack
	require.NoError(t, json.Unmarshal(fr.Data, &a))
	return a
}

func decode[T any](t *testing.T, fr frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(fr.Data, &v))
	return v
}

func join(t *testing.T, conn *websocket.Conn, id, participant string) {
	t.Helper()
	send(t, conn, CommandJoin, "join-"+participant, CommandData{InterviewID: id, ParticipantID: participant})
	fr := read(t, conn)
	require.Equal(t, EventJoinedInterview, fr.Event)
	assert.Equal(t, id, decode[JoinedInterview](t, fr).InterviewID)
	a := ack(t, read(t, conn))
	require.True(t, a.Success)
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "Q1")

	first := f.dial(t)
	join(t, first, sess.ID, "dashboard-1")

	second := f.dial(t)
	join(t, second, sess.ID, "dashboard-2")

	fr := read(t, first)
	require.Equal(t, EventParticipantJoined, fr.Event)
	assert.Equal(t, "dashboard-2", decode[ParticipantEvent](t, fr).ParticipantID)

	send(t, second, CommandLeave, "leave-1", CommandData{})
	assert.True(t, ack(t, read(t, second)).Success)
	fr = read(t, first)
	require.Equal(t, EventParticipantLeft, fr.Event)
	assert.Equal(t, "dashboard-2", decode[ParticipantEvent](t, fr).ParticipantID)
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "Q1")

	first := f.dial(t)
	join(t, first, sess.ID, "dashboard-1")
	second := f.dial(t)
	join(t, second, sess.ID, "dashboard-2")
	require.Equal(t, EventParticipantJoined, read(t, first).Event)
	require.Equal(t, 2, f.hub.ClientCount())

	require.NoError(t, second.Close())
	fr := read(t, first)
	require.Equal(t, EventParticipantLeft, fr.Event)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, f.metrics.GetSnapshot().HubClients)
}

func TestJoinUnknownInterviewFailsOnlyForInvoker(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, CommandJoin, "r1", CommandData{InterviewID: "missing"})
	fr := read(t, conn)
	assert.Equal(t, "r1", fr.RequestID)
	a := ack(t, fr)
	assert.False(t, a.Success)
	assert.Contains(t, a.Error, "not found")

	send(t, conn, CommandJoin, "r2", CommandData{})
	a = ack(t, read(t, conn))
	assert.False(t, a.Success)
}

func TestCommandsDriveStateMachineAndBroadcast(t *testing.T) {
	f := newFixture(t)
	relay := &fakeRelay{}
	f.hub.SetRelay(relay)
	sess := f.session(t, "Tell me about Go.")

	operator := f.dial(t)
	join(t, operator, sess.ID, "operator")
	watcher := f.dial(t)
	join(t, watcher, sess.ID, "watcher")
	require.Equal(t, EventParticipantJoined, read(t, operator).Event)

	send(t, operator, CommandStartInterview, "start", CommandData{InterviewID: sess.ID})
	for _, conn := range []*websocket.Conn{operator, watcher} {
		fr := read(t, conn)
		require.Equal(t, EventAIInterviewerMessage, fr.Event)
		msg := decode[AIInterviewerMessage](t, fr)
		assert.Equal(t, sess.ID, msg.InterviewID)
		assert.Equal(t, string(interview.ReplyIntroduction), msg.MessageType)
		assert.Equal(t, interview.DefaultScript().Introduction, msg.Message)
	}
	assert.True(t, ack(t, read(t, operator)).Success)

	send(t, operator, CommandCandidateResponse, "turn-1", CommandData{InterviewID: sess.ID, Text: "I have built services in Go for years."})
	fr := read(t, watcher)
	require.Equal(t, EventAIInterviewerMessage, fr.Event)
	msg := decode[AIInterviewerMessage](t, fr)
	assert.Equal(t, "Tell me about Go.", msg.Message)
	assert.Equal(t, string(interview.ReplyQuestion), msg.MessageType)
	require.Equal(t, EventAIInterviewerMessage, read(t, operator).Event)
	assert.True(t, ack(t, read(t, operator)).Success)

	rooms, texts := relay.snapshot()
	assert.Equal(t, []string{sess.RoomName, sess.RoomName}, rooms)
	assert.Equal(t, []string{interview.DefaultScript().Introduction, "Tell me about Go."}, texts)
}

func TestEndInterviewBroadcastsEndedWithSummary(t *testing.T) {
	f := newFixture(t)
	f.hub.SetSummarizer(func(ctx context.Context, id string) (string, error) {
		return "summary for " + id, nil
	})
	sess := f.session(t, "Q1")
	_, err := f.engine.StartInterview(sess.ID)
	require.NoError(t, err)

	operator := f.dial(t)
	join(t, operator, sess.ID, "operator")
	watcher := f.dial(t)
	join(t, watcher, sess.ID, "watcher")
	require.Equal(t, EventParticipantJoined, read(t, operator).Event)

	send(t, operator, CommandEndInterview, "end", CommandData{InterviewID: sess.ID})

	fr := read(t, watcher)
	require.Equal(t, EventInterviewEnded, fr.Event)
	ended := decode[InterviewEnded](t, fr)
	assert.Equal(t, sess.ID, ended.InterviewID)
	assert.Equal(t, interview.DefaultScript().Termination, ended.Message)
	assert.Equal(t, "summary for "+sess.ID, ended.Summary)

	// 操作端收到ack和结束事件，顺序不固定
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[read(t, operator).Event] = true
	}
	assert.True(t, got[EventAck])
	assert.True(t, got[EventInterviewEnded])

	// 重复结束不再广播
	send(t, operator, CommandEndInterview, "end-again", CommandData{InterviewID: sess.ID})
	a := ack(t, read(t, operator))
	assert.True(t, a.Success)
	expectNothing(t, watcher)
}

func TestSummaryFailureStillEnds(t *testing.T) {
	f := newFixture(t)
	f.hub.SetSummarizer(func(ctx context.Context, id string) (string, error) {
		return "", errors.New("collaborator down")
	})
	sess := f.session(t, "Q1")

	watcher := f.dial(t)
	join(t, watcher, sess.ID, "watcher")

	_, _, err := f.engine.EndInterview(sess.ID)
	require.NoError(t, err)
	fr := read(t, watcher)
	require.Equal(t, EventInterviewEnded, fr.Event)
	assert.Empty(t, decode[InterviewEnded](t, fr).Summary)
}

func TestCommandErrorIsNotBroadcast(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "Q1")
	_, _, err := f.engine.EndInterview(sess.ID)
	require.NoError(t, err)

	operator := f.dial(t)
	join(t, operator, sess.ID, "operator")
	watcher := f.dial(t)
	join(t, watcher, sess.ID, "watcher")
	require.Equal(t, EventParticipantJoined, read(t, operator).Event)

	send(t, operator, CommandCandidateResponse, "late", CommandData{InterviewID: sess.ID, Text: "hello?"})
	a := ack(t, read(t, operator))
	assert.False(t, a.Success)
	assert.NotEmpty(t, a.Error)
	expectNothing(t, watcher)

	send(t, operator, "dance", "x", CommandData{InterviewID: sess.ID})
	assert.False(t, ack(t, read(t, operator)).Success)
	expectNothing(t, watcher)
}

func TestMalformedCommand(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	fr := read(t, conn)
	require.Equal(t, EventError, fr.Event)
	assert.Equal(t, "invalid command", decode[ErrorEvent](t, fr).Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"join","data":"oops"}`)))
	fr = read(t, conn)
	assert.NotEmpty(t, fr.RequestID)
	assert.False(t, ack(t, fr).Success)
}

func TestPublishReplyReachesOnlyThatInterview(t *testing.T) {
	f := newFixture(t)
	a := f.session(t, "Q1")
	b := f.session(t, "Q1")

	connA := f.dial(t)
	join(t, connA, a.ID, "a")
	connB := f.dial(t)
	join(t, connB, b.ID, "b")

	f.hub.PublishReply(a.ID, interview.Reply{Text: "only for a", Type: interview.ReplyQuestion})
	fr := read(t, connA)
	require.Equal(t, EventAIInterviewerMessage, fr.Event)
	assert.Equal(t, "only for a", decode[AIInterviewerMessage](t, fr).Message)
	expectNothing(t, connB)
	assert.GreaterOrEqual(t, f.metrics.GetSnapshot().HubEventsBroadcast, int64(1))
}

func untilAck(t *testing.T, conn *websocket.Conn) Ack {
	t.Helper()
	for {
		fr := read(t, conn)
		if fr.Event == EventAck {
			return ack(t, fr)
		}
	}
}

func TestNaturalCompletionBroadcastsFarewellBeforeEnded(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "Q1")

	operator := f.dial(t)
	join(t, operator, sess.ID, "operator")
	watcher := f.dial(t)
	join(t, watcher, sess.ID, "watcher")
	require.Equal(t, EventParticipantJoined, read(t, operator).Event)

	send(t, operator, CommandStartInterview, "start", CommandData{InterviewID: sess.ID})
	require.True(t, untilAck(t, operator).Success)
	for i, text := range []string{"Hello.", "My answer.", "Thanks!"} {
		send(t, operator, CommandCandidateResponse, fmt.Sprintf("turn-%d", i), CommandData{InterviewID: sess.ID, Text: text})
		require.True(t, untilAck(t, operator).Success)
	}

	script := interview.DefaultScript()
	var types []string
	for _, want := range []string{script.Introduction, "Q1", script.Conclusion, script.Farewell} {
		fr := read(t, watcher)
		require.Equal(t, EventAIInterviewerMessage, fr.Event)
		msg := decode[AIInterviewerMessage](t, fr)
		assert.Equal(t, want, msg.Message)
		types = append(types, msg.MessageType)
	}
	assert.Equal(t, string(interview.ReplyFarewell), types[3])

	fr := read(t, watcher)
	require.Equal(t, EventInterviewEnded, fr.Event)
	assert.Equal(t, script.Farewell, decode[InterviewEnded](t, fr).Message)
	expectNothing(t, watcher)
}

type slowCollaborator struct {
	*collaborator.Static
	delay time.Duration
}

func (s slowCollaborator) AnalyzeResponse(ctx context.Context, question, answer string) (string, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.Static.AnalyzeResponse(ctx, question, answer)
}

// 一轮处理时间超过pong等待时间，观察端连接仍然保持
func TestSlowTurnKeepsObserverConnected(t *testing.T) {
	collab := slowCollaborator{Static: collaborator.NewStatic(nil, "More?"), delay: 900 * time.Millisecond}
	f := newFixtureWith(t, collab, func(h *Hub) {
		h.pongWait = 300 * time.Millisecond
		h.pingPeriod = 100 * time.Millisecond
	})
	sess := f.session(t, "Q1", "Q2")
	_, err := f.engine.StartInterview(sess.ID)
	require.NoError(t, err)

	operator := f.dial(t)
	join(t, operator, sess.ID, "operator")

	send(t, operator, CommandCandidateResponse, "slow", CommandData{InterviewID: sess.ID, Text: "Let me think."})
	assert.True(t, untilAck(t, operator).Success)
	assert.Equal(t, 1, f.hub.ClientCount())

	send(t, operator, CommandJoin, "rejoin", CommandData{InterviewID: sess.ID, ParticipantID: "operator"})
	assert.True(t, untilAck(t, operator).Success)
	assert.Equal(t, 1, f.hub.ClientCount())
}
