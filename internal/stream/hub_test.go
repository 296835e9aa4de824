package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

func TestHub_BroadcastsMarketResolved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.MarketResolved(model.MarketKey{MarketID: "KX-1", Source: model.SourceKalshi}, "YES", true, 2)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, TypeMarketResolved, msg.Type)
	assert.Equal(t, "KX-1", msg.MarketID)
	assert.Equal(t, model.SourceKalshi, msg.Source)
	assert.Equal(t, "YES", msg.Winner)
	assert.True(t, msg.Manual)
	assert.Equal(t, 2, msg.BetsSettled)
}

func TestHub_BroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < 1000; i++ {
		hub.Broadcast(Message{Type: TypeMetaMarketBet})
	}
}

func TestHub_HandleWSAfterShutdownReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)

	returned := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		returned <- struct{}{}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// Connected before shutdown: Run closes it and the read pump exits.
	before, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer before.Close()
	<-returned
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-hub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	before.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = before.ReadMessage()
	assert.Error(t, err)

	// Connected after shutdown: the handler returns and the socket is closed.
	after, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer after.Close()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleWS blocked after shutdown")
	}
	after.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = after.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.Clients())
}
