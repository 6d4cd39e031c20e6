package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-mail/internal/models"
)

var eventTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func sentMail() *models.OutgoingMail {
	return &models.OutgoingMail{
		ID:         "mail-1",
		Status:     models.StatusSent,
		Sender:     "alice@example.com",
		DomainName: "example.com",
		Subject:    "Quarterly report",
		ViaAPI:     true,
		Message:    "Subject: Quarterly report\r\n\r\n...",
	}
}

func TestNewSentEvent(t *testing.T) {
	m := sentMail()
	ev := NewSentEvent(m, eventTime)

	assert.Equal(t, EventOutgoingMailSent, ev.Event)
	assert.Equal(t, "mail-1", ev.Data.ID)
	assert.Empty(t, ev.Data.Message)
	assert.NotEmpty(t, m.Message, "source mail must not be modified")

	payload, err := encode(ev)
	require.NoError(t, err)
	back, err := decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", back.Data.Subject)
	assert.True(t, eventTime.Equal(back.Timestamp))
}

type publisherFunc func(ctx context.Context, m *models.OutgoingMail) error

func (f publisherFunc) PublishSent(ctx context.Context, m *models.OutgoingMail) error {
	return f(ctx, m)
}

func TestFanout(t *testing.T) {
	var calls []string
	ok := publisherFunc(func(_ context.Context, m *models.OutgoingMail) error {
		calls = append(calls, "ok:"+m.ID)
		return nil
	})
	broken := publisherFunc(func(context.Context, *models.OutgoingMail) error {
		calls = append(calls, "broken")
		return errors.New("sink down")
	})

	err := Fanout{broken, ok}.PublishSent(context.Background(), sentMail())
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, []string{"broken", "ok:mail-1"}, calls, "a failing sink must not stop the others")

	assert.NoError(t, Fanout{}.PublishSent(context.Background(), sentMail()))
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	client := &fakeRedis{}
	p := newRedisPublisher(client, "")
	p.now = func() time.Time { return eventTime }

	require.NoError(t, p.PublishSent(context.Background(), sentMail()))
	assert.Equal(t, DefaultRedisChannel, client.channel)

	ev, err := decode(client.payload)
	require.NoError(t, err)
	assert.Equal(t, EventOutgoingMailSent, ev.Event)
	assert.Equal(t, "mail-1", ev.Data.ID)

	client.err = errors.New("connection refused")
	err = p.PublishSent(context.Background(), sentMail())
	assert.ErrorContains(t, err, "failed to publish mail-1 to redis")
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed++
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zap.NewNop())
	p.now = func() time.Time { return eventTime }

	require.NoError(t, p.PublishSent(context.Background(), sentMail()))
	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "mail-1", string(msg.Key))
	assert.Equal(t, eventTime, msg.Time)
	assert.Contains(t, msg.Headers, kafka.Header{Key: "event", Value: []byte(EventOutgoingMailSent)})
	assert.Contains(t, msg.Headers, kafka.Header{Key: "domain", Value: []byte("example.com")})

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, p.PublishSent(context.Background(), sentMail()), "leader not available")

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, w.closed)
	assert.ErrorContains(t, p.PublishSent(context.Background(), sentMail()), "closed")
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "events"}, nil)
	assert.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
}

func TestHubBroadcastsToWebsocketClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil, zap.NewNop())
	hub.now = func() time.Time { return eventTime }
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, hub.ServeWS(w, r, "alice"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.PublishSent(ctx, sentMail()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, EventOutgoingMailSent, ev.Event)
	assert.Equal(t, "mail-1", ev.Data.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"https://mail.example.com"}, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Error(t, hub.ServeWS(w, r, "alice"))
	}))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example.org"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
