package notify_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/notify"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastsToMatchingOwner(t *testing.T) {
	// GIVEN: One client subscribed to u1 and one to u2
	// WHEN: A u1 balance event is published
	// THEN: Only the u1 client receives it

	hub := notify.NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	c1 := dial(t, srv, "?owner_id=u1")
	c2 := dial(t, srv, "?owner_id=u2")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	err := hub.Publish(context.Background(), ledger.EventBalanceChanged, ledger.BalanceChangedEvent{
		OwnerID: "u1", Balance: ledger.MustMoney("12.5"),
	})
	require.NoError(t, err)

	c1.SetReadDeadline(time.Now().Add(time.Second))
	var msg notify.Message
	require.NoError(t, c1.ReadJSON(&msg))
	assert.Equal(t, ledger.EventBalanceChanged, msg.Event)
	assert.Equal(t, ledger.OwnerID("u1"), msg.OwnerID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "12.50", payload["balance"])

	c2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = c2.ReadMessage()
	assert.Error(t, err, "u2 must not receive u1 events")
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub := notify.NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisPublisher_Publishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := notify.NewRedisPublisher(rdb, "events")
	require.NoError(t, pub.Publish(ctx, ledger.EventDepositSettled, ledger.DepositSettledEvent{
		DepositID: "dep-1", OwnerID: "u1", Sum: ledger.MustMoney("10"),
	}))

	select {
	case m := <-sub.Channel():
		var msg notify.Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &msg))
		assert.Equal(t, ledger.EventDepositSettled, msg.Event)
		assert.Equal(t, ledger.OwnerID("u1"), msg.OwnerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisPublisher_ErrorWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	pub := notify.NewRedisPublisher(rdb, "events")
	err := pub.Publish(context.Background(), "x", map[string]string{})
	assert.Error(t, err)
}
