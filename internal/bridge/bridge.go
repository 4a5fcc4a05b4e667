// Package bridge relays audio and control frames between a browser WebSocket
// and the remote realtime speech API, one pair of sockets per tutoring
// session, and settles transcript and minute accounting when either side goes
// away.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/speaklab/speaklab/internal/models"
	"github.com/speaklab/speaklab/internal/providers/realtime"
	mongorepo "github.com/speaklab/speaklab/internal/repositories/mongo"
	"github.com/speaklab/speaklab/internal/services"
	"github.com/speaklab/speaklab/internal/storage"
	"github.com/speaklab/speaklab/internal/voice"
)

const (
	clientWriteTimeout = 10 * time.Second
	clientReadTimeout  = 90 * time.Second
	teardownTimeout    = 15 * time.Second
)

// clientConn serializes writes to the browser socket; gorilla conns allow one
// concurrent writer only.
type clientConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *clientConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *clientConn) writeBinary(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w *clientConn) close(code int, reason string) {
	w.mu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	w.mu.Unlock()
	_ = w.c.Close()
}

// ActiveConnection is the in-memory, never-persisted half of a session: the
// live socket pair plus the diagnostics ring. Destroyed unconditionally when
// either socket closes.
type ActiveConnection struct {
	SessionID   string
	OwnerUserID string
	VoiceID     string

	client   *clientConn
	upstream realtime.Conn
	ring     *Ring
	cancel   context.CancelFunc

	closeOnce sync.Once

	mu         sync.Mutex
	startedAt  time.Time
	transcript []models.TranscriptTurn
}

func (ac *ActiveConnection) setStarted(t time.Time) {
	ac.mu.Lock()
	ac.startedAt = t
	ac.mu.Unlock()
}

func (ac *ActiveConnection) started() (time.Time, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.startedAt, !ac.startedAt.IsZero()
}

// appendTurn keeps emission order: only the upstream read loop calls this, so
// there is a single writer even though teardown reads concurrently.
func (ac *ActiveConnection) appendTurn(turn models.TranscriptTurn) {
	ac.mu.Lock()
	ac.transcript = append(ac.transcript, turn)
	ac.mu.Unlock()
}

func (ac *ActiveConnection) snapshotTranscript() []models.TranscriptTurn {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	out := make([]models.TranscriptTurn, len(ac.transcript))
	copy(out, ac.transcript)
	return out
}

// Bridge owns the session registry and runs one relay per connection. Redis,
// Events, and Archive are optional; everything else is required.
type Bridge struct {
	Sessions     services.SessionService
	Instructions services.InstructionService
	Dialer       realtime.Dialer
	Upstream     realtime.Config

	Redis   *redis.Client
	Events  mongorepo.EventRepository
	Archive storage.Uploader

	Logger *logrus.Logger
	Now    func() time.Time

	registry *Registry
}

func (b *Bridge) Init() error {
	if b.Sessions == nil || b.Instructions == nil || b.Dialer == nil {
		return errors.New("Bridge missing dependency: Sessions/Instructions/Dialer must be set")
	}
	if b.Logger == nil {
		b.Logger = logrus.New()
	}
	if b.Now == nil {
		b.Now = time.Now
	}
	b.registry = NewRegistry()
	return nil
}

func (b *Bridge) Registry() *Registry { return b.registry }

// Handle owns conn from the moment it is called. It blocks for the lifetime
// of the session relay.
func (b *Bridge) Handle(conn *websocket.Conn, sessionID, token string) {
	client := &clientConn{c: conn}

	log := b.Logger.WithField("session_id", sessionID)

	if token == "" {
		client.close(websocket.ClosePolicyViolation, "missing token")
		return
	}

	// The relay's lifecycle is not tied to the upgrade request's context:
	// client disconnects surface as read errors, and teardown must be able to
	// persist after the socket is gone.
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := b.Sessions.ValidateToken(ctx, sessionID, token)
	if err != nil {
		log.WithError(err).Warn("websocket auth failed")
		client.close(websocket.ClosePolicyViolation, "invalid or expired token")
		cancel()
		return
	}

	ac := &ActiveConnection{
		SessionID:   sess.ID,
		OwnerUserID: sess.OwnerUserID,
		client:      client,
		ring:        NewRing(DefaultRingSize),
		cancel:      cancel,
	}
	if err := b.registry.Add(ac); err != nil {
		log.Warn("rejected second connection for live session")
		client.close(websocket.ClosePolicyViolation, "session already active")
		cancel()
		return
	}

	// authenticated and registered: from here every exit goes through finish
	vp := voice.Resolve(sess.Language, sess.AgeGroup)
	ac.VoiceID = vp.VoiceID
	instr := b.Instructions.Build(ctx, sess)

	dialCtx, dialCancel := context.WithTimeout(ctx, b.Upstream.DialTimeout)
	up, err := b.Dialer.Dial(dialCtx, b.Upstream)
	dialCancel()
	if err != nil {
		log.WithError(err).Error("upstream dial failed")
		b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service unavailable")
		return
	}
	ac.upstream = up

	if err := b.configure(ac, vp.VoiceID, instr); err != nil {
		log.WithError(err).WithField("recent_events", ac.ring.Types()).Error("upstream configuration failed")
		b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service configuration failed")
		return
	}

	startedAt := b.Now().UTC()
	ac.setStarted(startedAt)
	if err := b.Sessions.MarkActive(ctx, sess.ID, startedAt); err != nil {
		log.WithError(err).Error("failed to mark session active")
	}

	_ = client.writeJSON(map[string]any{"type": "session.ready", "voice": vp.VoiceID})

	// document context goes in as its own conversation item, after the ack,
	// and VAD turn-taking only starts once the opening exchange is set up
	if instr.DocumentContext != "" {
		ac.ring.Record(realtime.EventItemCreate)
		if err := up.CreateSystemItem(instr.DocumentContext); err != nil {
			log.WithError(err).Error("failed to inject document context")
			b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service write failed")
			return
		}
	}
	ac.ring.Record(realtime.EventSessionUpdate)
	if err := up.EnableTurnDetection(); err != nil {
		log.WithError(err).Error("failed to enable turn detection")
		b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service write failed")
		return
	}
	ac.ring.Record(realtime.EventResponseCreate)
	if err := up.CreateResponse(); err != nil {
		log.WithError(err).Error("failed to request opening response")
		b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service write failed")
		return
	}

	b.publish(sess.ID, map[string]any{"type": "status", "status": "active"})
	log.WithField("voice", vp.VoiceID).Info("session streaming")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.clientLoop(ctx, ac, log)
	}()
	b.upstreamLoop(ctx, ac, log)
	wg.Wait()
}

// configure sends the session-configuration message and blocks until the
// remote acks it. Client audio is not forwarded until this returns; the
// ordering is a hard barrier, not a race that usually resolves.
func (b *Bridge) configure(ac *ActiveConnection, voiceID string, instr services.Instructions) error {
	ac.ring.Record(realtime.EventSessionUpdate)
	if err := ac.upstream.Configure(realtime.SessionConfig{
		Voice:        voiceID,
		Instructions: instr.Instructions,
	}); err != nil {
		return err
	}

	_ = ac.upstream.SetReadDeadline(time.Now().Add(b.Upstream.AckTimeout))
	defer func() { _ = ac.upstream.SetReadDeadline(time.Time{}) }()

	for {
		ev, err := ac.upstream.ReadEvent()
		if err != nil {
			return err
		}
		if ev.IsError() {
			return errors.New("upstream rejected configuration: " + ev.ErrorMessage())
		}
		if ev.IsConfigAck() {
			return nil
		}
		// session.created and friends arrive before the ack; skip them
	}
}

func (b *Bridge) clientLoop(ctx context.Context, ac *ActiveConnection, log *logrus.Entry) {
	conn := ac.client.c
	_ = conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// the student hanging up is a normal end
			b.finish(ac, models.SessionEnded, websocket.CloseNormalClosure, "session ended")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(clientReadTimeout))

		switch msgType {
		case websocket.BinaryMessage:
			ac.ring.Record(realtime.EventInputAudioAppend)
			if err := ac.upstream.AppendAudio(data); err != nil {
				log.WithError(err).WithField("recent_events", ac.ring.Types()).Error("upstream audio write failed")
				b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service write failed")
				return
			}
		case websocket.TextMessage:
			var msg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				log.WithField("recent_events", ac.ring.Types()).Warn("malformed client control frame")
				b.finish(ac, models.SessionErrored, websocket.CloseProtocolError, "malformed control frame")
				return
			}
			if msg.Type == "end_session" {
				b.finish(ac, models.SessionEnded, websocket.CloseNormalClosure, "session ended")
				return
			}
			_ = ac.client.writeJSON(map[string]any{"type": "error", "code": "INVALID_ARGUMENT", "message": "unknown message type"})
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (b *Bridge) upstreamLoop(ctx context.Context, ac *ActiveConnection, log *logrus.Entry) {
	for {
		ev, err := ac.upstream.ReadEvent()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.finish(ac, models.SessionEnded, websocket.CloseInternalServerErr, "speech service closed the session")
			} else {
				log.WithError(err).WithField("recent_events", ac.ring.Types()).Error("upstream read failed")
				b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service connection lost")
			}
			return
		}

		if pcm, ok := ev.AudioDelta(); ok {
			if err := ac.client.writeBinary(pcm); err != nil {
				b.finish(ac, models.SessionEnded, websocket.CloseNormalClosure, "session ended")
				return
			}
			continue
		}

		if ev.IsError() {
			log.WithFields(logrus.Fields{
				"upstream_error": ev.ErrorMessage(),
				"recent_events":  ac.ring.Types(),
			}).Error("upstream error event")
			b.finish(ac, models.SessionErrored, websocket.CloseInternalServerErr, "speech service error")
			return
		}

		if role, text, ok := ev.TranscriptTurn(); ok {
			turn := models.TranscriptTurn{Role: role, Content: text, EmittedAt: b.Now().UTC()}
			ac.appendTurn(turn)
			if err := b.Sessions.AppendTranscript(ctx, ac.SessionID, ac.OwnerUserID, turn); err != nil {
				log.WithError(err).Warn("failed to persist transcript turn")
			}
			_ = ac.client.writeJSON(map[string]any{"type": "transcript", "role": role, "content": text})
			b.publish(ac.SessionID, map[string]any{"type": "transcript", "role": role, "content": text})
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ForceClose tears a live session down through the same path as a natural
// close. Safe to call from any goroutine, in any bridge state.
func (b *Bridge) ForceClose(sessionID, reason string) bool {
	ac, ok := b.registry.Get(sessionID)
	if !ok {
		return false
	}
	b.finish(ac, models.SessionEnded, websocket.CloseNormalClosure, reason)
	return true
}

// Shutdown closes every active session; each runs its normal teardown so
// billing still happens.
func (b *Bridge) Shutdown() {
	for _, ac := range b.registry.snapshot() {
		b.finish(ac, models.SessionEnded, websocket.CloseGoingAway, "server shutting down")
	}
}

// finish is the single teardown path. Both close handlers may race here; the
// once guard makes duration accounting and billing run exactly one time.
func (b *Bridge) finish(ac *ActiveConnection, status models.SessionStatus, closeCode int, reason string) {
	ac.closeOnce.Do(func() {
		endedAt := b.Now().UTC()
		ac.cancel()

		ac.client.close(closeCode, reason)
		if ac.upstream != nil {
			_ = ac.upstream.Close()
		}
		b.registry.Remove(ac.SessionID)

		log := b.Logger.WithFields(logrus.Fields{
			"session_id": ac.SessionID,
			"status":     status,
			"reason":     reason,
		})

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		var minutes int64
		if startedAt, ok := ac.started(); ok {
			minutes = ceilMinutes(endedAt.Sub(startedAt))
		}

		transcript := ac.snapshotTranscript()
		res, err := b.Sessions.EndSession(ctx, ac.SessionID, ac.OwnerUserID, transcript, status, endedAt, minutes)
		if err != nil {
			// sockets are already closed, nothing leaks; surface loudly for ops
			log.WithError(err).Error("failed to persist session end")
		} else if res.AlreadyEnded {
			log.Info("session already ended")
		} else {
			log.WithFields(logrus.Fields{
				"minutes_charged": res.MinutesCharged,
				"turns":           len(transcript),
			}).Info("session ended")
		}

		if status == models.SessionErrored {
			b.flushRing(ctx, ac)
		}
		b.archiveTranscript(ctx, ac.SessionID, transcript, log)
		b.publish(ac.SessionID, map[string]any{"type": "status", "status": string(status), "reason": reason})
	})
}

func (b *Bridge) flushRing(ctx context.Context, ac *ActiveConnection) {
	if b.Events == nil {
		return
	}
	snap := ac.ring.Snapshot()
	events := make([]models.ProtocolEvent, len(snap))
	for i, e := range snap {
		events[i] = models.ProtocolEvent{
			SessionID: ac.SessionID,
			Seq:       e.Seq,
			EventType: e.EventType,
			Detail:    e.Detail,
			Timestamp: e.At,
		}
	}
	if err := b.Events.InsertBatch(ctx, events); err != nil {
		b.Logger.WithError(err).WithField("session_id", ac.SessionID).Warn("failed to flush protocol events")
	}
}

func (b *Bridge) archiveTranscript(ctx context.Context, sessionID string, transcript []models.TranscriptTurn, log *logrus.Entry) {
	if b.Archive == nil || len(transcript) == 0 {
		return
	}
	payload, err := json.Marshal(transcript)
	if err != nil {
		return
	}
	if _, err := b.Archive.Upload(ctx, "transcripts/"+sessionID+".json", "application/json", bytes.NewReader(payload)); err != nil {
		log.WithError(err).Warn("transcript archive upload failed")
	}
}

func (b *Bridge) publish(sessionID string, v any) {
	if b.Redis == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.Redis.Publish(ctx, "session:"+sessionID+":events", payload).Err()
}

// ceilMinutes rounds the billable duration up to whole minutes, clamping
// negatives (clock skew) to zero.
func ceilMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Minute - 1) / time.Minute)
}
