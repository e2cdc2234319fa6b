package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tariel-x/callsignal/internal/models"
)

type memSubs struct {
	subs    []models.PushSubscription
	deleted []string
}

func (m *memSubs) PushSubscriptions(_ context.Context, userID string) ([]models.PushSubscription, error) {
	var out []models.PushSubscription
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSubs) DeletePushSubscription(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

func response(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}
}

func TestNotify(t *testing.T) {
	subs := &memSubs{subs: []models.PushSubscription{
		{ID: "ok", UserID: "u1", Endpoint: "https://push/ok", P256DH: "p", Auth: "a"},
		{ID: "gone", UserID: "u1", Endpoint: "https://push/gone", P256DH: "p", Auth: "a"},
		{ID: "err", UserID: "u1", Endpoint: "https://push/err", P256DH: "p", Auth: "a"},
		{ID: "other", UserID: "u2", Endpoint: "https://push/other", P256DH: "p", Auth: "a"},
	}}
	n := NewNotifier(subs, VAPIDKeys{PublicKey: "pub", PrivateKey: "priv", Subject: "mailto:ops@example.org"}, nil)

	var payloads [][]byte
	n.send = func(payload []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error) {
		payloads = append(payloads, payload)
		assert.Equal(t, "mailto:ops@example.org", o.Subscriber)
		assert.Equal(t, 30, o.TTL)
		switch s.Endpoint {
		case "https://push/gone":
			return response(http.StatusGone), nil
		case "https://push/err":
			return nil, errors.New("dial failed")
		}
		return response(http.StatusCreated), nil
	}

	rep, err := n.Notify(context.Background(), "u1", Notification{Title: "Incoming call", Body: "Ann is calling"})
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 1, Failed: 2, Removed: 1}, rep)
	assert.Equal(t, []string{"gone"}, subs.deleted)

	require.Len(t, payloads, 3)
	var got Notification
	require.NoError(t, json.Unmarshal(payloads[0], &got))
	assert.Equal(t, "Incoming call", got.Title)
}
