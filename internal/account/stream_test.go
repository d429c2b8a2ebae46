package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type streamServer struct {
	url    string
	frames chan any
	subs   chan map[string]any
}

func newStreamServer(t *testing.T, ctx context.Context) *streamServer {
	t.Helper()
	s := &streamServer{
		frames: make(chan any, 8),
		subs:   make(chan map[string]any, 16),
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		go func() {
			for {
				select {
				case frame := <-s.frames:
					data, err := json.Marshal(frame)
					if err != nil {
						continue
					}
					if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case s.subs <- msg:
			default:
			}
		}
	}))
	t.Cleanup(server.Close)
	s.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestStreamConnectSubscribesAllTopics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	server := newStreamServer(t, ctx)
	stream := NewStream(server.url, time.Second, 0, "0xabc", Handlers{}, zap.NewNop())
	defer stream.Close(ctx)

	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !stream.Connected() {
		t.Fatalf("expected connected after subscribe")
	}
	want := map[string]bool{"webData2": false, "orderUpdates": false, "userEvents": false}
	for i := 0; i < 3; i++ {
		select {
		case msg := <-server.subs:
			if msg["method"] != "subscribe" {
				t.Fatalf("expected subscribe frame, got %v", msg)
			}
			sub, _ := msg["subscription"].(map[string]any)
			typ, _ := sub["type"].(string)
			if _, ok := want[typ]; !ok {
				t.Fatalf("unexpected subscription type %q", typ)
			}
			if sub["user"] != "0xabc" {
				t.Fatalf("expected user 0xabc, got %v", sub["user"])
			}
			want[typ] = true
		case <-ctx.Done():
			t.Fatalf("timed out waiting for subscriptions")
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("missing subscription for %s", typ)
		}
	}
}

func TestStreamSnapshotAndTrigger(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	server := newStreamServer(t, ctx)

	var mu sync.Mutex
	var snaps []Snapshot
	var assets [][]AssetDescriptor
	var triggers []string
	handlers := Handlers{
		OnSnapshot: func(snap Snapshot) {
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
		},
		OnAssets: func(universe []AssetDescriptor) {
			mu.Lock()
			assets = append(assets, universe)
			mu.Unlock()
		},
		OnTrigger: func(_ context.Context, kind string) {
			mu.Lock()
			triggers = append(triggers, kind)
			mu.Unlock()
		},
	}
	stream := NewStream(server.url, time.Second, 0, "0xabc", handlers, zap.NewNop())
	defer stream.Close(ctx)
	stream.Start(ctx)
	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	server.frames <- map[string]any{
		"channel": "webData2",
		"data":    json.RawMessage(webData2Frame),
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 1 && len(assets) == 1 && len(triggers) >= 1
	})
	mu.Lock()
	if snaps[0].Withdrawable.String() != "104.52" {
		t.Fatalf("unexpected snapshot %+v", snaps[0])
	}
	if triggers[0] != "webdata" {
		t.Fatalf("expected webdata trigger, got %v", triggers)
	}
	mu.Unlock()

	server.frames <- map[string]any{"channel": "orderUpdates", "data": []any{}}
	server.frames <- map[string]any{
		"channel": "userEvents",
		"data":    map[string]any{"fills": []any{map[string]any{"coin": "ETH"}}},
	}
	server.frames <- map[string]any{
		"channel": "userEvents",
		"data":    map[string]any{"funding": map[string]any{"usdc": "0.01"}},
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(triggers) >= 3
	})
	mu.Lock()
	for _, kind := range triggers {
		if kind != "webdata" && kind != "order" && kind != "fill" {
			t.Fatalf("unexpected trigger %q", kind)
		}
	}
	mu.Unlock()
}

func TestStreamCloseUnsubscribes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	server := newStreamServer(t, ctx)
	stream := NewStream(server.url, time.Second, 0, "0xabc", Handlers{}, zap.NewNop())
	if err := stream.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		<-server.subs
	}
	stream.Close(ctx)
	if stream.Connected() {
		t.Fatalf("expected disconnected after close")
	}
	unsubs := 0
	deadline := time.After(time.Second)
	for unsubs < 3 {
		select {
		case msg := <-server.subs:
			if msg["method"] == "unsubscribe" {
				unsubs++
			}
		case <-deadline:
			t.Fatalf("expected 3 unsubscribe frames, got %d", unsubs)
		}
	}
}

func TestStreamConnectFailureReported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stream := NewStream("ws://127.0.0.1:1", 200*time.Millisecond, 0, "0xabc", Handlers{}, zap.NewNop())
	err := stream.Connect(ctx)
	if !errors.Is(err, ErrStreamConnect) {
		t.Fatalf("expected ErrStreamConnect, got %v", err)
	}
	if stream.Connected() {
		t.Fatalf("expected disconnected after failed connect")
	}
}

func TestStreamRequiresAddress(t *testing.T) {
	ctx := context.Background()
	stream := NewStream("ws://127.0.0.1:1", time.Second, 0, "", Handlers{}, zap.NewNop())
	if err := stream.Connect(ctx); err == nil {
		t.Fatalf("expected error for missing address")
	}
}
