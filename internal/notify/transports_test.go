package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wt := NewWebhookTransport(srv.URL, time.Second)
	wt.now = func() time.Time { return time.Unix(1700000000, 0) }

	err := wt.Send(context.Background(), Message{Title: "Build", Text: "done", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "done", got["text"])
	assert.Equal(t, "s1", got["session_id"])
	assert.Equal(t, "conductor", got["source"])
	assert.Equal(t, float64(1700000000), got["timestamp"])
}

func TestWebhookRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhookTransport(srv.URL, time.Second).Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestWebhookStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookTransport(srv.URL, time.Second).Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookUnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	wt := NewWebhookTransport(url, 200*time.Millisecond)
	assert.ErrorIs(t, wt.Send(context.Background(), Message{Text: "x"}), ErrOffline)
	assert.ErrorIs(t, wt.Probe(context.Background()), ErrOffline)
}

func TestWebhookProbeAcceptsAnyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	assert.NoError(t, NewWebhookTransport(srv.URL, time.Second).Probe(context.Background()))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	d := parseRetryAfter(time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	assert.Greater(t, d, 50*time.Second)
}

func TestDesktopUsesAlertForUrgent(t *testing.T) {
	var notified, alerted []string
	d := &DesktopTransport{
		notify: func(title, body string) error { notified = append(notified, title+"|"+body); return nil },
		alert:  func(title, body string) error { alerted = append(alerted, title+"|"+body); return nil },
	}
	ctx := context.Background()

	require.NoError(t, d.Send(ctx, Message{Text: "finished"}))
	require.NoError(t, d.Send(ctx, Message{Title: "Error", Text: "crashed", Urgent: true}))

	assert.Equal(t, []string{"Conductor|finished"}, notified)
	assert.Equal(t, []string{"Error|crashed"}, alerted)
	assert.NoError(t, d.Probe(ctx))
}

func TestDesktopTruncatesLongBodies(t *testing.T) {
	var body string
	d := &DesktopTransport{
		notify: func(_, b string) error { body = b; return nil },
	}
	require.NoError(t, d.Send(context.Background(), Message{Text: strings.Repeat("é", maxDesktopBody+50)}))
	assert.Equal(t, maxDesktopBody+3, len([]rune(body)))
	assert.True(t, strings.HasSuffix(body, "..."))
}

func TestDesktopWrapsErrors(t *testing.T) {
	d := &DesktopTransport{notify: func(_, _ string) error { return errors.New("no dbus") }}
	err := d.Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no dbus")
}

func TestSubscriptionStoreUpsertAndRemove(t *testing.T) {
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "push", "subscriptions.json"))

	subs, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, subs)

	sub := Subscription{Endpoint: " https://push.example/a ", Keys: SubscriptionKeys{P256DH: "p", Auth: "a"}}
	require.NoError(t, store.Upsert(sub))
	sub.Keys.Auth = "rotated"
	require.NoError(t, store.Upsert(sub))
	require.NoError(t, store.Upsert(Subscription{Endpoint: "https://push.example/b", Keys: SubscriptionKeys{P256DH: "p", Auth: "a"}}))

	subs, err = store.List()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "https://push.example/a", subs[0].Endpoint)
	assert.Equal(t, "rotated", subs[0].Keys.Auth)
	assert.False(t, subs[0].AddedAt.IsZero())

	require.NoError(t, store.Remove("https://push.example/a"))
	require.NoError(t, store.Remove("https://push.example/unknown"))
	subs, err = store.List()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/b", subs[0].Endpoint)
}

func TestSubscriptionValidate(t *testing.T) {
	assert.Error(t, Subscription{}.Validate())
	assert.Error(t, Subscription{Endpoint: "e"}.Validate())
	assert.Error(t, Subscription{Endpoint: "e", Keys: SubscriptionKeys{P256DH: "p"}}.Validate())
	assert.NoError(t, Subscription{Endpoint: "e", Keys: SubscriptionKeys{P256DH: "p", Auth: "a"}}.Validate())

	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))
	assert.Error(t, store.Upsert(Subscription{Endpoint: "e"}))
}

type fakePushSender struct {
	mu       sync.Mutex
	status   map[string]int
	payloads [][]byte
}

func (f *fakePushSender) Send(payload []byte, sub Subscription) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	status := f.status[sub.Endpoint]
	if status == 0 {
		status = http.StatusCreated
	}
	if status >= 400 {
		return status, errors.New(http.StatusText(status))
	}
	return status, nil
}

func newTestPush(t *testing.T, status map[string]int, endpoints ...string) (*PushTransport, *fakePushSender) {
	t.Helper()
	store := NewSubscriptionStore(filepath.Join(t.TempDir(), "subs.json"))
	for _, ep := range endpoints {
		require.NoError(t, store.Upsert(Subscription{Endpoint: ep, Keys: SubscriptionKeys{P256DH: "p", Auth: "a"}}))
	}
	p := NewPushTransport(store, "pub", "priv", "")
	fs := &fakePushSender{status: status}
	p.sender = fs
	return p, fs
}

func TestPushPrunesGoneSubscriptions(t *testing.T) {
	p, fs := newTestPush(t, map[string]int{"https://gone.example": http.StatusGone},
		"https://gone.example", "https://ok.example")

	require.NoError(t, p.Send(context.Background(), Message{Title: "Waiting", Text: "approve?", SessionID: "s1"}))
	assert.Len(t, fs.payloads, 2)

	subs, err := p.Store().List()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://ok.example", subs[0].Endpoint)

	var payload pushPayload
	require.NoError(t, json.Unmarshal(fs.payloads[1], &payload))
	assert.Equal(t, "Waiting", payload.Title)
	assert.Equal(t, "conductor-s1", payload.Tag)
}

func TestPushFailsWhenNothingDelivered(t *testing.T) {
	p, _ := newTestPush(t, map[string]int{"https://a.example": http.StatusInternalServerError},
		"https://a.example")
	assert.Error(t, p.Send(context.Background(), Message{Text: "x"}))

	p, _ = newTestPush(t, map[string]int{"https://a.example": http.StatusTooManyRequests},
		"https://a.example")
	assert.ErrorIs(t, p.Send(context.Background(), Message{Text: "x"}), ErrRateLimited)
}

func TestPushWithoutSubscribersSucceeds(t *testing.T) {
	p, fs := newTestPush(t, nil)
	assert.NoError(t, p.Send(context.Background(), Message{Text: "x"}))
	assert.Empty(t, fs.payloads)
	assert.Equal(t, "pub", p.PublicKey())
	assert.Equal(t, "mailto:conductor@localhost", p.subject)
}

func TestEnsureVAPIDKeysGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")

	pub, priv, generated, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEmpty(t, pub)
	assert.NotEmpty(t, priv)

	pub2, priv2, generated, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, pub, pub2)
	assert.Equal(t, priv, priv2)
}

type stubTransport struct {
	name     string
	sendErr  error
	probeErr error
	sent     int
}

func (s *stubTransport) Name() string { return s.name }
func (s *stubTransport) Send(context.Context, Message) error {
	s.sent++
	return s.sendErr
}
func (s *stubTransport) Probe(context.Context) error { return s.probeErr }

func TestFanoutSucceedsWhenAnyChildDelivers(t *testing.T) {
	bad := &stubTransport{name: "bad", sendErr: ErrOffline, probeErr: ErrOffline}
	good := &stubTransport{name: "good"}
	f := NewFanout(bad, nil, good)

	assert.Equal(t, 2, f.Len())
	assert.Equal(t, "fanout(bad,good)", f.Name())
	assert.NoError(t, f.Send(context.Background(), Message{Text: "x"}))
	assert.Equal(t, 1, bad.sent)
	assert.Equal(t, 1, good.sent)
	assert.NoError(t, f.Probe(context.Background()))
}

func TestFanoutJoinsErrors(t *testing.T) {
	a := &stubTransport{name: "a", sendErr: ErrOffline, probeErr: ErrOffline}
	b := &stubTransport{name: "b", sendErr: &RateLimitError{}, probeErr: errors.New("nope")}
	f := NewFanout(a, b)

	err := f.Send(context.Background(), Message{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOffline)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "a:")
	assert.Error(t, f.Probe(context.Background()))

	assert.NoError(t, NewFanout().Send(context.Background(), Message{Text: "x"}))
}

func TestFeedBroadcastsToClients(t *testing.T) {
	feed := NewFeedTransport()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		feed.Serve(r.Context(), conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, feed.Send(context.Background(), Message{Text: "hello", SessionID: "s1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev FeedEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "notification", ev.Type)
	assert.Equal(t, "hello", ev.Message.Text)
	assert.Equal(t, "s1", ev.Message.SessionID)

	conn.Close()
	require.Eventually(t, func() bool { return feed.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFeedWithoutClients(t *testing.T) {
	feed := NewFeedTransport()
	assert.NoError(t, feed.Send(context.Background(), Message{Text: "nobody"}))
	assert.NoError(t, feed.Probe(context.Background()))
	assert.Equal(t, "feed", feed.Name())
}
