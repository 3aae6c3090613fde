package service

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"invoiceq/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHubFanOut(t *testing.T) {
	hub := NewStatusHub(testLogger())

	first, cancelFirst := hub.subscribe()
	second, cancelSecond := hub.subscribe()
	defer cancelFirst()
	defer cancelSecond()

	hub.Publish(models.QueueStats{Pending: 3, Online: true})

	for _, sub := range []chan models.QueueStats{first, second} {
		select {
		case stats := <-sub:
			assert.Equal(t, 3, stats.Pending)
			assert.True(t, stats.Online)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the update")
		}
	}
}

func TestStatusHubReplaysLastStateToNewSubscribers(t *testing.T) {
	hub := NewStatusHub(testLogger())

	hub.Publish(models.QueueStats{Pending: 7})

	sub, cancel := hub.subscribe()
	defer cancel()

	select {
	case stats := <-sub:
		assert.Equal(t, 7, stats.Pending)
	case <-time.After(time.Second):
		t.Fatal("expected a replay of the last published state")
	}
}

func TestStatusHubSubscriberCount(t *testing.T) {
	hub := NewStatusHub(testLogger())
	assert.Equal(t, 0, hub.SubscriberCount())

	_, cancelFirst := hub.subscribe()
	_, cancelSecond := hub.subscribe()
	assert.Equal(t, 2, hub.SubscriberCount())

	cancelFirst()
	assert.Equal(t, 1, hub.SubscriberCount())
	cancelSecond()
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestStatusHubSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewStatusHub(testLogger())

	_, cancel := hub.subscribe()
	defer cancel()

	// Far more updates than the subscription buffer holds
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish(models.QueueStats{Pending: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestStatusHubWebsocketStream(t *testing.T) {
	hub := NewStatusHub(testLogger())

	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, server.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the server side to register the subscription
	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(models.QueueStats{Pending: 2, Online: false})

	var stats models.QueueStats
	require.NoError(t, wsjson.Read(ctx, conn, &stats))
	assert.Equal(t, 2, stats.Pending)
	assert.False(t, stats.Online)
}
