package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSender struct {
	name string
	err  error
	sent []Message
}

func (r *recordSender) Send(_ context.Context, msg Message) error {
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func titles(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Title
	}
	return out
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventEmergency}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventEmergency, "ltv", "critical"))
	require.NoError(t, n.Notify(context.Background(), EventError, "boom", "filtered"))
	assert.Equal(t, []string{"ltv"}, titles(s.sent))
	assert.Equal(t, "[EMERGENCY] ltv", s.sent[0].Headline())
}

func TestNotifyCooldownSuppressesRepeats(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventEmergency, "aave_v3 LTV breach", "0.81"))
	require.NoError(t, n.Notify(ctx, EventEmergency, "aave_v3 LTV breach", "0.82"))
	require.NoError(t, n.Notify(ctx, EventEmergency, "binance margin breach", "0.1"))
	assert.Len(t, s.sent, 2)

	now = now.Add(DefaultCooldown)
	require.NoError(t, n.Notify(ctx, EventEmergency, "aave_v3 LTV breach", "0.83"))
	assert.Len(t, s.sent, 3)
	assert.Equal(t, "0.83", s.sent[2].Body)
}

func TestNotifyContinuesAfterSenderFailure(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("down")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), EventError, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, []string{"t"}, titles(good.sent))
}

func TestFromConfigWithoutChannelsIsSilent(t *testing.T) {
	n := FromConfig("", "", "", nil, discardLogger())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), EventError, "t", "m"))
}

func TestDiscordSenderPostsContent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	msg := Message{Event: EventTransferStranded, Title: "Stranded", Body: "leg 2 failed"}
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), msg))
	assert.Equal(t, "**[TRANSFER_STRANDED] Stranded**\nleg 2 failed", got["content"])
}

func TestTelegramSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	err := s.Send(context.Background(), Message{Event: EventError, Title: "t", Body: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400: nope")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("é", 20)
	got := truncate(long, 10)
	assert.Equal(t, 10, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
