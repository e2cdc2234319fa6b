package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/callsignal/internal/auth"
	"github.com/tariel-x/callsignal/internal/models"
	"github.com/tariel-x/callsignal/internal/notify"
	"github.com/tariel-x/callsignal/internal/presence"
	"github.com/tariel-x/callsignal/internal/rooms"
	"github.com/tariel-x/callsignal/internal/storage"
	"github.com/tariel-x/callsignal/internal/turn"
)

const testSecret = "handlers-test-secret"

type fakeStats struct{}

func (fakeStats) Stats() rooms.Stats { return rooms.Stats{TotalRooms: 2, TotalParticipants: 3} }

type fakeCounter int

func (f fakeCounter) ActiveRecordings() int { return int(f) }

type fakeLiveKit struct {
	identity  string
	created   []string
	createErr error
}

func (f *fakeLiveKit) Token(room, identity, name string) (string, error) {
	f.identity = identity
	return "lk-token-" + room, nil
}

func (f *fakeLiveKit) CreateRoom(_ context.Context, room string) error {
	f.created = append(f.created, room)
	return f.createErr
}

type fakePresence struct {
	calls []string
}

func (f *fakePresence) SetBusy(_ context.Context, userID string, busy bool) presence.Result {
	if busy {
		f.calls = append(f.calls, userID+":busy")
	} else {
		f.calls = append(f.calls, userID+":free")
	}
	return presence.Result{UserID: userID, Busy: busy}
}

type fakeICE struct{}

func (fakeICE) ICEConfig(_ context.Context, userID string) turn.ICEConfig {
	return turn.ICEConfig{ICEServers: []turn.ICEServer{{URLs: []string{"turn:relay"}, Username: "1:" + userID, Credential: "x"}}}
}

type fakeNotifier struct {
	userID string
	note   notify.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, userID string, n notify.Notification) (notify.Report, error) {
	f.userID = userID
	f.note = n
	return notify.Report{Sent: 1}, nil
}

func (f *fakeNotifier) PublicKey() string { return "vapid-pub" }

type fakePush struct {
	saved []models.PushSubscription
}

func (f *fakePush) ReplacePushSubscription(_ context.Context, sub *models.PushSubscription) error {
	f.saved = append(f.saved, *sub)
	return nil
}

type fakeUsers struct{}

func (fakeUsers) Lookup(_ context.Context, userID string) (presence.UserInfo, error) {
	if userID == "ann" {
		return presence.UserInfo{UserID: "ann", DisplayName: "Ann", IsBusy: true}, nil
	}
	return presence.UserInfo{}, presence.ErrUserNotFound
}

type fakeBrowser struct {
	room string
	err  error
}

func (f *fakeBrowser) List(_ context.Context, room string) ([]storage.Recording, error) {
	f.room = room
	if f.err != nil {
		return nil, f.err
	}
	return []storage.Recording{{Key: "recordings/" + room + "-1.mp4", Room: room}}, nil
}

type fixture struct {
	router   *gin.Engine
	livekit  *fakeLiveKit
	presence *fakePresence
	notifier *fakeNotifier
	push     *fakePush
	browser  *fakeBrowser
	token    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		livekit:  &fakeLiveKit{},
		presence: &fakePresence{},
		notifier: &fakeNotifier{},
		push:     &fakePush{},
		browser:  &fakeBrowser{},
	}
	h := New(Deps{
		Rooms:      fakeStats{},
		Recordings: fakeCounter(1),
		ICE:        fakeICE{},
		LiveKit:    f.livekit,
		LiveKitURL: "wss://lk.example.org",
		Presence:   f.presence,
		Notifier:   f.notifier,
		Push:       f.push,
		Users:      fakeUsers{},
		Browser:    f.browser,
	})
	h.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }

	v := auth.NewVerifier(testSecret)
	token, err := v.Issue("user-1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	f.token = token

	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/api/client-config", h.GetClientConfig)
	r.GET("/api/users/:id", h.GetUser)
	r.GET("/api/push/vapid-public-key", h.GetVAPIDPublicKey)
	authed := r.Group("/api", auth.Middleware(v, true))
	authed.GET("/turn-credentials", h.GetTURNCredentials)
	authed.POST("/token", NewIPRateLimiter(1, 3).Middleware(), h.CreateToken)
	authed.POST("/send-notification", h.SendNotification)
	authed.POST("/push/subscribe", h.SubscribePush)
	authed.GET("/recordings", h.ListRecordings)
	f.router = r
	return f
}

func (f *fixture) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[healthResponse](t, w)
	if resp.Status != "ok" || resp.Timestamp != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Stats != (healthStats{TotalRooms: 2, TotalParticipants: 3, ActiveRecordings: 1}) {
		t.Fatalf("unexpected stats %+v", resp.Stats)
	}
}

func TestClientConfig(t *testing.T) {
	f := newFixture(t)
	resp := decodeBody[clientConfigResponse](t, f.do(http.MethodGet, "/api/client-config", nil, false))
	if resp.LiveKitURL != "wss://lk.example.org" || resp.VAPIDPublicKey != "vapid-pub" {
		t.Fatalf("unexpected config %+v", resp)
	}
}

func TestCreateToken(t *testing.T) {
	f := newFixture(t)
	f.livekit.createErr = errors.New("livekit down")

	w := f.do(http.MethodPost, "/api/token", tokenRequest{RoomName: "call_1", ParticipantName: "Ann"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[tokenResponse](t, w)
	if resp.Token != "lk-token-call_1" {
		t.Fatalf("unexpected token %q", resp.Token)
	}
	if f.livekit.identity != "user-1" {
		t.Fatalf("token identity must be the authenticated user, got %q", f.livekit.identity)
	}
	if len(f.livekit.created) != 1 || f.livekit.created[0] != "call_1" {
		t.Fatalf("expected room creation attempt, got %v", f.livekit.created)
	}
	if len(f.presence.calls) != 1 || f.presence.calls[0] != "user-1:busy" {
		t.Fatalf("expected busy update, got %v", f.presence.calls)
	}
}

func TestCreateTokenValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  tokenRequest
	}{
		{"empty room", tokenRequest{ParticipantName: "Ann"}},
		{"bad room chars", tokenRequest{RoomName: "room/1", ParticipantName: "Ann"}},
		{"empty participant", tokenRequest{RoomName: "room"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/token", tc.req, true)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
	if len(f.livekit.created) != 0 {
		t.Fatalf("invalid requests must not reach livekit")
	}
}

func TestCreateTokenRequiresAuth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/api/token", tokenRequest{RoomName: "r", ParticipantName: "Ann"}, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateTokenRateLimited(t *testing.T) {
	f := newFixture(t)
	req := tokenRequest{RoomName: "r", ParticipantName: "Ann"}
	for i := 0; i < 3; i++ {
		if w := f.do(http.MethodPost, "/api/token", req, true); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := f.do(http.MethodPost, "/api/token", req, true); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestTURNCredentials(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodGet, "/api/turn-credentials", nil, false); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	cfg := decodeBody[turn.ICEConfig](t, f.do(http.MethodGet, "/api/turn-credentials", nil, true))
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "1:user-1" {
		t.Fatalf("unexpected ice config %+v", cfg)
	}
}

func TestPushSubscribeAndSend(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/push/subscribe", PushSubscribeRequest{
		Endpoint: "https://push.example.org/abc",
		Keys:     PushSubscribeKeys{P256DH: "p", Auth: "a"},
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.push.saved) != 1 || f.push.saved[0].UserID != "user-1" {
		t.Fatalf("unexpected saved subscriptions %+v", f.push.saved)
	}

	if w := f.do(http.MethodPost, "/api/send-notification", map[string]string{"userId": "ann"}, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", w.Code)
	}

	w = f.do(http.MethodPost, "/api/send-notification", sendNotificationRequest{UserID: "ann", Title: "Call", Body: "Ringing"}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.notifier.userID != "ann" || f.notifier.note.Title != "Call" {
		t.Fatalf("unexpected notification %q %+v", f.notifier.userID, f.notifier.note)
	}

	key := decodeBody[map[string]string](t, f.do(http.MethodGet, "/api/push/vapid-public-key", nil, false))
	if key["publicKey"] != "vapid-pub" {
		t.Fatalf("unexpected public key %v", key)
	}
}

func TestGetUser(t *testing.T) {
	f := newFixture(t)
	info := decodeBody[presence.UserInfo](t, f.do(http.MethodGet, "/api/users/ann", nil, false))
	if info.DisplayName != "Ann" || !info.IsBusy {
		t.Fatalf("unexpected user %+v", info)
	}
	if w := f.do(http.MethodGet, "/api/users/bob", nil, false); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListRecordings(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/recordings?room=call_1", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.browser.room != "call_1" {
		t.Fatalf("expected room filter, got %q", f.browser.room)
	}
	if w := f.do(http.MethodGet, "/api/recordings?room=../etc", nil, true); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	f.browser.err = errors.New("s3 down")
	if w := f.do(http.MethodGet, "/api/recordings", nil, true); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestIPRateLimiterDisabled(t *testing.T) {
	l := NewIPRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("disabled limiter must allow everything")
		}
	}
}
