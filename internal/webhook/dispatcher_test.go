package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	testAPIKey    = "APIkey"
	testAPISecret = "a-secret-of-at-least-thirty-two-chars"
)

type call struct {
	kind     string
	room     string
	identity string
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeHandler) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeHandler) ParticipantJoined(_ context.Context, room, identity string) {
	f.record(call{"joined", room, identity})
}

func (f *fakeHandler) ParticipantLeft(_ context.Context, room, identity string) {
	f.record(call{"left", room, identity})
}

func (f *fakeHandler) RoomFinished(_ context.Context, room string) {
	f.record(call{"finished", room, ""})
}

func (f *fakeHandler) EgressEnded(room, egressID string) bool {
	f.record(call{"egress_ended", room, egressID})
	return true
}

func newRouter(d *Dispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/livekit/webhook", d.Handle)
	return r
}

func signedRequest(t *testing.T, event *livekit.WebhookEvent, secret string) *http.Request {
	t.Helper()
	body, err := protojson.Marshal(event)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	token, err := auth.NewAccessToken(testAPIKey, secret).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/livekit/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/webhook+json")
	req.Header.Set("Authorization", token)
	return req
}

func TestSignedEventsAreDispatched(t *testing.T) {
	h := &fakeHandler{}
	d := NewDispatcher(auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), h, nil, nil)
	r := newRouter(d)

	events := []*livekit.WebhookEvent{
		{Event: "room_started", Room: &livekit.Room{Name: "r1"}},
		{Event: "participant_joined", Room: &livekit.Room{Name: "r1"}, Participant: &livekit.ParticipantInfo{Identity: "alice"}},
		{Event: "participant_left", Room: &livekit.Room{Name: "r1"}, Participant: &livekit.ParticipantInfo{Identity: "alice"}},
		{Event: "egress_ended", EgressInfo: &livekit.EgressInfo{EgressId: "EG_1", RoomName: "r1"}},
		{Event: "room_finished", Room: &livekit.Room{Name: "r1"}},
		{Event: "track_published", Room: &livekit.Room{Name: "r1"}},
	}
	for _, ev := range events {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, signedRequest(t, ev, testAPISecret))
		require.Equal(t, http.StatusOK, w.Code, ev.Event)
	}

	assert.Equal(t, []call{
		{"joined", "r1", "alice"},
		{"left", "r1", "alice"},
		{"egress_ended", "r1", "EG_1"},
		{"finished", "r1", ""},
	}, h.calls)
}

func TestWrongSignatureIsRejected(t *testing.T) {
	h := &fakeHandler{}
	d := NewDispatcher(auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), h, nil, nil)
	r := newRouter(d)

	ev := &livekit.WebhookEvent{Event: "participant_joined", Room: &livekit.Room{Name: "r1"}}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, ev, "another-secret-of-thirty-two-chars!!"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, h.calls)
}

func TestTamperedBodyIsRejected(t *testing.T) {
	h := &fakeHandler{}
	d := NewDispatcher(auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), h, nil, nil)
	r := newRouter(d)

	req := signedRequest(t, &livekit.WebhookEvent{Event: "room_finished", Room: &livekit.Room{Name: "r1"}}, testAPISecret)
	tampered := httptest.NewRequest(http.MethodPost, "/livekit/webhook", bytes.NewReader([]byte(`{"event":"room_finished","room":{"name":"r2"}}`)))
	tampered.Header = req.Header

	w := httptest.NewRecorder()
	r.ServeHTTP(w, tampered)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, h.calls)
}

func TestMissingAuthorizationIsRejected(t *testing.T) {
	h := &fakeHandler{}
	d := NewDispatcher(auth.NewSimpleKeyProvider(testAPIKey, testAPISecret), h, nil, nil)
	r := newRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/livekit/webhook", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricLabel(t *testing.T) {
	assert.Equal(t, "participant_joined", metricLabel("participant_joined"))
	assert.Equal(t, "other", metricLabel("track_published"))
}
