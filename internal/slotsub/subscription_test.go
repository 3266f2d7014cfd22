package slotsub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/leaderprobe/internal/slots"
)

var testUpgrader = websocket.Upgrader{}

// fakeNode upgrades the connection, answers the subscribe call with reply
// and then runs script.
func fakeNode(t *testing.T, reply string, script func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req request
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if req.Method != subscribeMethod {
			t.Errorf("method = %q, want %q", req.Method, subscribeMethod)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			return
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func notify(conn *websocket.Conn, typ string, slot uint64) {
	conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"slotsUpdatesNotification","params":{"result":{"parent":`+
		strconv.FormatUint(slot-1, 10)+`,"slot":`+strconv.FormatUint(slot, 10)+`,"timestamp":1700000000000,"type":"`+typ+`"},"subscription":7}}`))
}

func TestSubscribe_DeliversEventsAndReportsRemoteClose(t *testing.T) {
	url := fakeNode(t, `{"jsonrpc":"2.0","result":7,"id":1}`, func(conn *websocket.Conn) {
		notify(conn, "firstShredReceived", 40)
		notify(conn, "frozen", 40)
		notify(conn, "completed", 43)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
	})

	sub, err := Subscribe(context.Background(), DefaultConfig(url))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	var got []slots.Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}

	want := []struct {
		kind slots.Kind
		slot uint64
	}{
		{slots.KindFirstShredReceived, 40},
		{slots.KindOther, 40},
		{slots.KindCompleted, 43},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].Slot != w.slot {
			t.Errorf("event %d = %+v, want kind %v slot %d", i, got[i], w.kind, w.slot)
		}
	}
	if got[0].Parent != 39 || got[0].Timestamp != 1700000000000 {
		t.Errorf("event 0 lost fields: %+v", got[0])
	}

	if !errors.Is(sub.Err(), ErrFeedClosed) {
		t.Errorf("Err() = %v, want ErrFeedClosed", sub.Err())
	}
}

func TestSubscribe_Rejected(t *testing.T) {
	url := fakeNode(t, `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":1}`,
		func(*websocket.Conn) {})

	_, err := Subscribe(context.Background(), DefaultConfig(url))
	if err == nil || !strings.Contains(err.Error(), "Method not found") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestSubscribe_CancelEndsFeedWithoutError(t *testing.T) {
	url := fakeNode(t, `{"jsonrpc":"2.0","result":3,"id":1}`, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := Subscribe(ctx, DefaultConfig(url))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed after cancel")
	}
	if sub.Err() != nil {
		t.Errorf("Err() = %v, want nil", sub.Err())
	}
}

func TestSubscribe_RequiresURL(t *testing.T) {
	if _, err := Subscribe(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}
