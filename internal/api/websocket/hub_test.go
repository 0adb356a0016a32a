package websocket

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/logger"
)

func staticFrames(frames ...*models.Frame) iter.Seq2[*models.Frame, error] {
	return func(yield func(*models.Frame, error) bool) {
		for _, f := range frames {
			if !yield(f, nil) {
				return
			}
		}
	}
}

// blockingFrames yields one frame, then waits for ctx like a paced playback would.
func blockingFrames(ctx context.Context, stopped chan<- struct{}) iter.Seq2[*models.Frame, error] {
	return func(yield func(*models.Frame, error) bool) {
		if !yield(&models.Frame{Seq: 1, Kind: models.FrameOutput, Payload: "first"}, nil) {
			return
		}
		<-ctx.Done()
		close(stopped)
		yield(nil, ctx.Err())
	}
}

func serve(t *testing.T, hub *Hub, frames func(ctx context.Context) iter.Seq2[*models.Frame, error]) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		hub.Stream(w, r, frames(ctx), cancel)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestStream_SendsFramesThenEnd(t *testing.T) {
	hub := NewHub([]string{"*"}, logger.Discard())
	url := serve(t, hub, func(context.Context) iter.Seq2[*models.Frame, error] {
		return staticFrames(
			&models.Frame{Seq: 1, Kind: models.FrameInput, Payload: "ls\n"},
			&models.Frame{Seq: 2, OffsetMs: 5, Kind: models.FrameOutput, Payload: "app.env\n"},
		)
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	m := readMessage(t, conn)
	assert.Equal(t, TypeFrame, m.Type)
	assert.Equal(t, "ls\n", m.Frame.Payload)
	m = readMessage(t, conn)
	assert.Equal(t, 2, m.Frame.Seq)
	assert.Equal(t, TypeEnd, readMessage(t, conn).Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	assert.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStream_StopCancelsPlayback(t *testing.T) {
	hub := NewHub(nil, logger.Discard())
	stopped := make(chan struct{})
	url := serve(t, hub, func(ctx context.Context) iter.Seq2[*models.Frame, error] {
		return blockingFrames(ctx, stopped)
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "first", readMessage(t, conn).Frame.Payload)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "stop"}))

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("playback context was not cancelled")
	}
}

func TestCloseAll(t *testing.T) {
	hub := NewHub(nil, logger.Discard())
	stopped := make(chan struct{})
	url := serve(t, hub, func(ctx context.Context) iter.Seq2[*models.Frame, error] {
		return blockingFrames(ctx, stopped)
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	require.Equal(t, 1, hub.Count())

	hub.CloseAll()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("CloseAll did not stop the stream")
	}
}

func TestOriginCheck(t *testing.T) {
	hub := NewHub([]string{"https://console.example.com"}, logger.Discard())
	url := serve(t, hub, func(context.Context) iter.Seq2[*models.Frame, error] { return staticFrames() })

	h := http.Header{}
	h.Set("Origin", "https://evil.example.net")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "https://console.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, TypeEnd, readMessage(t, conn).Type)
}
