package bridge_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speaklab/speaklab/internal/bridge"
	"github.com/speaklab/speaklab/internal/models"
	"github.com/speaklab/speaklab/internal/providers/realtime"
	"github.com/speaklab/speaklab/internal/services"
	"github.com/speaklab/speaklab/internal/utils"
)

const goodToken = "good-token"

// ---- fakes ----

type fakeUpstream struct {
	mu       sync.Mutex
	events   chan *realtime.ServerEvent
	closed   bool
	readErr  error  // what ReadEvent returns once the event channel drains
	onConfig string // "ack" (default) or "error"

	calls []string
	audio [][]byte
	items []string
	cfg   realtime.SessionConfig
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events:   make(chan *realtime.ServerEvent, 64),
		onConfig: "ack",
	}
}

func (u *fakeUpstream) record(call string) {
	u.mu.Lock()
	u.calls = append(u.calls, call)
	u.mu.Unlock()
}

func (u *fakeUpstream) Configure(cfg realtime.SessionConfig) error {
	u.mu.Lock()
	u.cfg = cfg
	u.calls = append(u.calls, "configure")
	u.mu.Unlock()

	switch u.onConfig {
	case "error":
		u.emit(`{"type":"error","error":{"message":"bad config"}}`)
	default:
		u.emit(`{"type":"session.created"}`)
		u.emit(`{"type":"session.updated"}`)
	}
	return nil
}

func (u *fakeUpstream) EnableTurnDetection() error {
	u.record("vad")
	return nil
}

func (u *fakeUpstream) AppendAudio(pcm []byte) error {
	u.mu.Lock()
	u.calls = append(u.calls, "append")
	u.audio = append(u.audio, append([]byte(nil), pcm...))
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) CreateSystemItem(text string) error {
	u.mu.Lock()
	u.calls = append(u.calls, "item")
	u.items = append(u.items, text)
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) CreateResponse() error {
	u.record("response")
	return nil
}

func (u *fakeUpstream) ReadEvent() (*realtime.ServerEvent, error) {
	ev, ok := <-u.events
	if !ok {
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.readErr != nil {
			return nil, u.readErr
		}
		return nil, errors.New("use of closed connection")
	}
	return ev, nil
}

func (u *fakeUpstream) SetReadDeadline(time.Time) error { return nil }

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.events)
	}
	return nil
}

// closeFromServer simulates the remote hanging up with the given read error.
func (u *fakeUpstream) closeFromServer(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		u.readErr = err
		close(u.events)
	}
}

func (u *fakeUpstream) emit(raw string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(raw), &head)
	u.events <- &realtime.ServerEvent{Type: head.Type, Raw: json.RawMessage(raw)}
}

func (u *fakeUpstream) callList() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func (u *fakeUpstream) audioFrames() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.audio...)
}

func (u *fakeUpstream) config() realtime.SessionConfig {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cfg
}

func (u *fakeUpstream) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	conn  *fakeUpstream
	err   error
	dials int
}

func (d *fakeDialer) Dial(_ context.Context, _ realtime.Config) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type endCall struct {
	status  models.SessionStatus
	minutes int64
	turns   int
}

type stubSessions struct {
	mu        sync.Mutex
	sess      models.Session
	singleUse bool
	validated int
	marked    []time.Time
	appended  []models.TranscriptTurn
	ends      []endCall
	endCh     chan endCall
}

func newStubSessions(sess models.Session) *stubSessions {
	return &stubSessions{sess: sess, singleUse: true, endCh: make(chan endCall, 4)}
}

func (s *stubSessions) Start(context.Context, string, services.StartSessionInput) (*models.Session, string, error) {
	return nil, "", errors.New("not used")
}

func (s *stubSessions) Get(context.Context, string) (*models.Session, error) {
	return nil, errors.New("not used")
}

func (s *stubSessions) ValidateToken(_ context.Context, sessionID, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != s.sess.ID || token != goodToken {
		return nil, utils.E(utils.CodeUnauthorized, "stub", "invalid token", nil)
	}
	if s.singleUse && s.validated > 0 {
		return nil, utils.E(utils.CodeUnauthorized, "stub", "token already used", nil)
	}
	s.validated++
	cp := s.sess
	return &cp, nil
}

func (s *stubSessions) MarkActive(_ context.Context, _ string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, startedAt)
	return nil
}

func (s *stubSessions) AppendTranscript(_ context.Context, _, _ string, turn models.TranscriptTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, turn)
	return nil
}

func (s *stubSessions) Transcript(context.Context, string, int) ([]models.TranscriptTurn, error) {
	return nil, errors.New("not used")
}

func (s *stubSessions) EndSession(_ context.Context, _, _ string, transcript []models.TranscriptTurn, status models.SessionStatus, _ time.Time, durationMinutes int64) (*services.BillingResult, error) {
	call := endCall{status: status, minutes: durationMinutes, turns: len(transcript)}
	s.mu.Lock()
	s.ends = append(s.ends, call)
	s.mu.Unlock()
	s.endCh <- call
	return &services.BillingResult{MinutesCharged: durationMinutes}, nil
}

func (s *stubSessions) endCalls() []endCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]endCall(nil), s.ends...)
}

func (s *stubSessions) transcriptContents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.appended))
	for i, t := range s.appended {
		out[i] = t.Role + ":" + t.Content
	}
	return out
}

type stubInstructions struct {
	docCtx string
}

func (s *stubInstructions) Build(context.Context, *models.Session) services.Instructions {
	return services.Instructions{
		Instructions:    strings.Repeat("Teach kindly, one idea at a time. ", 8),
		DocumentContext: s.docCtx,
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ---- harness ----

type fixture struct {
	bridge   *bridge.Bridge
	sessions *stubSessions
	dialer   *fakeDialer
	upstream *fakeUpstream
	clock    *fakeClock
	server   *httptest.Server
}

func newFixture(t *testing.T, docCtx string) *fixture {
	t.Helper()

	sess := models.Session{
		ID:          "sess-1",
		OwnerUserID: "owner-1",
		Language:    "en",
		AgeGroup:    "3-5",
		Subject:     "math",
		Status:      models.SessionPending,
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{
		sessions: newStubSessions(sess),
		upstream: newFakeUpstream(),
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.dialer = &fakeDialer{conn: f.upstream}

	f.bridge = &bridge.Bridge{
		Sessions:     f.sessions,
		Instructions: &stubInstructions{docCtx: docCtx},
		Dialer:       f.dialer,
		Upstream: realtime.Config{
			DialTimeout: 2 * time.Second,
			AckTimeout:  2 * time.Second,
		},
		Logger: log,
		Now:    f.clock.Now,
	}
	require.NoError(t, f.bridge.Init())

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.bridge.Handle(conn, strings.TrimPrefix(r.URL.Path, "/realtime/"), r.URL.Query().Get("token"))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) dial(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/realtime/" + sessionID
	if token != "" {
		url += "?token=" + token
	}
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
			return
		}
	}
}

func waitEnd(t *testing.T, s *stubSessions) endCall {
	t.Helper()
	select {
	case call := <-s.endCh:
		return call
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session end")
		return endCall{}
	}
}

// ---- tests ----

func TestMissingTokenIsRejected(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", "")

	expectClose(t, c, websocket.ClosePolicyViolation)
	assert.Zero(t, f.dialer.dialCount())
}

func TestBadTokenRejectedBeforeUpstreamDial(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", "wrong")

	expectClose(t, c, websocket.ClosePolicyViolation)
	assert.Zero(t, f.dialer.dialCount())
	assert.Empty(t, f.sessions.endCalls())
}

func TestSecondConnectionForLiveSessionIsRejected(t *testing.T) {
	f := newFixture(t, "")
	f.sessions.singleUse = false // let auth pass so the registry is what rejects

	first := f.dial(t, "sess-1", goodToken)
	ready := readJSON(t, first)
	require.Equal(t, "session.ready", ready["type"])

	second := f.dial(t, "sess-1", goodToken)
	expectClose(t, second, websocket.ClosePolicyViolation)

	// the live session keeps streaming
	f.upstream.emit(`{"type":"response.audio_transcript.done","transcript":"still here"}`)
	msg := readJSON(t, first)
	assert.Equal(t, "transcript", msg["type"])
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestRelayHappyPath(t *testing.T) {
	f := newFixture(t, "### Worksheet\nsome context")
	c := f.dial(t, "sess-1", goodToken)

	ready := readJSON(t, c)
	require.Equal(t, "session.ready", ready["type"])
	assert.Equal(t, "sage", ready["voice"])

	// handshake order: configure, ack, then context item, VAD, first response
	require.Eventually(t, func() bool {
		return len(f.upstream.callList()) >= 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"configure", "item", "vad", "response"}, f.upstream.callList())
	assert.Contains(t, f.upstream.config().Instructions, "Teach kindly")
	assert.Equal(t, "sage", f.upstream.config().Voice)

	// mic audio goes upstream untouched
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	require.Eventually(t, func() bool {
		return len(f.upstream.audioFrames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.upstream.audioFrames()[0])

	// model audio comes back as binary frames
	pcm := []byte{9, 8, 7}
	f.upstream.emit(`{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	assert.Equal(t, pcm, data)

	// transcript lines arrive in emission order
	f.upstream.emit(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"what is a half"}`)
	f.upstream.emit(`{"type":"response.audio_transcript.done","transcript":"let us find out together"}`)

	first := readJSON(t, c)
	assert.Equal(t, "user", first["role"])
	second := readJSON(t, c)
	assert.Equal(t, "assistant", second["role"])

	require.Eventually(t, func() bool {
		return len(f.sessions.transcriptContents()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"user:what is a half",
		"assistant:let us find out together",
	}, f.sessions.transcriptContents())

	// hang up after 95s of wall clock: rounds up to 2 minutes, bills once
	f.clock.Advance(95 * time.Second)
	require.NoError(t, c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionEnded, end.status)
	assert.Equal(t, int64(2), end.minutes)
	assert.Equal(t, 2, end.turns)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.sessions.endCalls(), 1)
	assert.True(t, f.upstream.isClosed())
	assert.Zero(t, f.bridge.Registry().Len())
}

func TestEndSessionControlFrame(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"end_session"}`)))

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionEnded, end.status)
	expectClose(t, c, websocket.CloseNormalClosure)
}

func TestUpstreamFailureErrorsSession(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	f.upstream.closeFromServer(errors.New("connection reset"))

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionErrored, end.status)
	expectClose(t, c, websocket.CloseInternalServerErr)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.sessions.endCalls(), 1)
}

func TestUpstreamNormalCloseEndsSession(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	f.upstream.closeFromServer(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionEnded, end.status)
	expectClose(t, c, websocket.CloseInternalServerErr)
}

func TestUpstreamErrorEventErrorsSession(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	f.upstream.emit(`{"type":"error","error":{"message":"server exploded"}}`)

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionErrored, end.status)
	expectClose(t, c, websocket.CloseInternalServerErr)
}

func TestDialFailureClosesClient(t *testing.T) {
	f := newFixture(t, "")
	f.dialer.err = errors.New("dns failure")

	c := f.dial(t, "sess-1", goodToken)
	expectClose(t, c, websocket.CloseInternalServerErr)

	// never went active, so nothing is billable
	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionErrored, end.status)
	assert.Zero(t, end.minutes)
}

func TestConfigurationRejectionErrorsSession(t *testing.T) {
	f := newFixture(t, "")
	f.upstream.onConfig = "error"

	c := f.dial(t, "sess-1", goodToken)
	expectClose(t, c, websocket.CloseInternalServerErr)

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionErrored, end.status)
	assert.Zero(t, end.minutes)
}

func TestMalformedControlFrameErrorsSession(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionErrored, end.status)
	expectClose(t, c, websocket.CloseProtocolError)
}

func TestForceClose(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	assert.False(t, f.bridge.ForceClose("no-such-session", "x"))
	assert.True(t, f.bridge.ForceClose("sess-1", "ended by owner"))

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionEnded, end.status)
	expectClose(t, c, websocket.CloseNormalClosure)
	assert.Zero(t, f.bridge.Registry().Len())
}

func TestShutdownClosesActiveSessions(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	f.bridge.Shutdown()

	end := waitEnd(t, f.sessions)
	assert.Equal(t, models.SessionEnded, end.status)
	expectClose(t, c, websocket.CloseGoingAway)
}

func TestNoDocumentContextSkipsItemCreate(t *testing.T) {
	f := newFixture(t, "")
	c := f.dial(t, "sess-1", goodToken)
	readJSON(t, c) // session.ready

	require.Eventually(t, func() bool {
		return len(f.upstream.callList()) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"configure", "vad", "response"}, f.upstream.callList())
}
