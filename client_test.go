package voiceagent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bt-bridge/voice-agent/capture"
	"github.com/bt-bridge/voice-agent/pcm"
	"github.com/bt-bridge/voice-agent/playback"
	"github.com/bt-bridge/voice-agent/shared"
	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// newTestServer runs handle for every accepted connection and returns the
// ws:// URL of the server.
func newTestServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// recordFrames forwards every frame the server reads to the returned channel.
func recordFrames(frames chan<- frame) func(ctx context.Context, conn *websocket.Conn) {
	return func(ctx context.Context, conn *websocket.Conn) {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			frames <- frame{typ: typ, data: data}
		}
	}
}

func newTestClient(t *testing.T, url string, eh EventHandler) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), shared.NewNopLogger(), url, nil)
	require.NoError(t, err)
	if eh == nil {
		eh = func(*ServerEvent) {}
	}
	require.NoError(t, c.RegisterEventHandler(eh))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFrame(t *testing.T, frames <-chan frame) frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), nil, "ws://localhost", nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewClient(context.Background(), shared.NewNopLogger(), "", nil)
	assert.ErrorIs(t, err, shared.ErrNoURL)

	_, err = NewClient(context.Background(), shared.NewNopLogger(), "ftp://localhost", nil)
	assert.Error(t, err)
}

func TestClientConnectRequiresEventHandler(t *testing.T) {
	c, err := NewClient(context.Background(), shared.NewNopLogger(), "ws://localhost", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Connect(context.Background()), shared.ErrNoEventHandler)
	assert.Equal(t, ClientStateNew, c.State())
}

func TestClientRegisterHandlersOnce(t *testing.T) {
	c, err := NewClient(context.Background(), shared.NewNopLogger(), "ws://localhost", nil)
	require.NoError(t, err)
	require.NoError(t, c.RegisterEventHandler(func(*ServerEvent) {}))
	assert.ErrorIs(t, c.RegisterEventHandler(func(*ServerEvent) {}), shared.ErrEHandlerAlreadySet)
	require.NoError(t, c.RegisterAudioHandler(func([]byte) {}))
	assert.ErrorIs(t, c.RegisterAudioHandler(func([]byte) {}), shared.ErrAHandlerAlreadySet)
}

func TestClientDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := newTestClient(t, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.Error(t, c.Connect(ctx))
	assert.Equal(t, ClientStateFailed, c.State())
	assert.False(t, c.IsOpen())
	<-c.Done()
	assert.Error(t, c.Err())
}

func TestClientSendAudioBeforeConnectIsDropped(t *testing.T) {
	c := newTestClient(t, "ws://localhost", nil)
	assert.NoError(t, c.SendAudio([]byte{1, 2}))
	assert.ErrorIs(t, c.SendText(context.Background(), "hi"), shared.ErrNotConnected)
}

func TestClientSendsBinaryAndText(t *testing.T) {
	frames := make(chan frame, 8)
	url := newTestServer(t, recordFrames(frames))
	c := newTestClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, ClientStateConnected, c.State())
	assert.True(t, c.IsOpen())

	require.NoError(t, c.SendAudio([]byte{0xff, 0x7f}))
	f := waitFrame(t, frames)
	assert.Equal(t, websocket.MessageBinary, f.typ)
	assert.Equal(t, []byte{0xff, 0x7f}, f.data)

	require.NoError(t, c.SendText(context.Background(), "hello"))
	f = waitFrame(t, frames)
	assert.Equal(t, websocket.MessageText, f.typ)
	var got map[string]any
	require.NoError(t, sonic.Unmarshal(f.data, &got))
	assert.Equal(t, map[string]any{"type": "text", "text": "hello"}, got)

	require.NoError(t, c.SendSetup(context.Background(), "sys", ""))
	f = waitFrame(t, frames)
	require.NoError(t, sonic.Unmarshal(f.data, &got))
	assert.Equal(t, map[string]any{"type": "setup", "system_prompt": "sys"}, got)
}

func TestClientDeliversInboundInOrder(t *testing.T) {
	url := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"transcript_in","text":"hi"}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1, 0, 2, 0})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"turn_complete"}`))
		_, _, _ = conn.Read(ctx)
	})

	got := make(chan string, 8)
	c := newTestClient(t, url, func(e *ServerEvent) { got <- e.String() })
	require.NoError(t, c.RegisterAudioHandler(func(data []byte) {
		got <- fmt.Sprintf("audio %d", len(data))
	}))
	require.NoError(t, c.Connect(context.Background()))

	var lines []string
	for i := 0; i < 4; i++ {
		select {
		case l := <-got:
			lines = append(lines, l)
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for inbound messages")
		}
	}
	assert.Equal(t, []string{
		"[in ] hi",
		"audio 4",
		"[text] not json",
		"[turn] complete",
	}, lines)
}

func TestClientServerCloseIsDisconnect(t *testing.T) {
	url := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	})
	c := newTestClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("client did not notice the close")
	}
	assert.Equal(t, ClientStateDisconnected, c.State())
	assert.False(t, c.IsOpen())
	assert.NoError(t, c.SendAudio([]byte{0, 0}))
}

func TestClientClose(t *testing.T) {
	status := make(chan websocket.StatusCode, 1)
	url := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_, _, err := conn.Read(ctx)
		status <- websocket.CloseStatus(err)
	})
	c := newTestClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, ClientStateClosed, c.State())
	assert.False(t, c.IsOpen())

	select {
	case code := <-status:
		assert.Equal(t, websocket.StatusNormalClosure, code)
	case <-time.After(testTimeout):
		t.Fatal("server did not see the close")
	}
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("done was not closed")
	}
}

func TestCapturedSilenceReachesServer(t *testing.T) {
	frames := make(chan frame, 8)
	url := newTestServer(t, recordFrames(frames))
	c := newTestClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background()))

	sender, err := capture.NewSender(c, shared.NewNopLogger(), nil)
	require.NoError(t, err)
	p, err := capture.NewPipeline(pcm.TransmitRate, sender)
	require.NoError(t, err)
	p.Enable()
	p.Process([][]float32{make([]float32, 640)})

	f := waitFrame(t, frames)
	assert.Equal(t, websocket.MessageBinary, f.typ)
	assert.Len(t, f.data, 1280)
	assert.Equal(t, make([]byte, 1280), f.data)
}

type recordingContext struct {
	rate      int
	scheduled chan playback.Buffer
}

func (r *recordingContext) SampleRate() int              { return r.rate }
func (r *recordingContext) CurrentTime() float64         { return 0 }
func (r *recordingContext) State() playback.ContextState { return playback.ContextStateRunning }
func (r *recordingContext) Resume(context.Context) error { return nil }
func (r *recordingContext) Close() error                 { return nil }
func (r *recordingContext) Schedule(buf playback.Buffer, _ float64) error {
	r.scheduled <- buf
	return nil
}

func TestInboundAudioIsScheduled(t *testing.T) {
	url := newTestServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageBinary, pcm.EncodeLE(make([]int16, 480)))
		_, _, _ = conn.Read(ctx)
	})

	rc := &recordingContext{rate: 48000, scheduled: make(chan playback.Buffer, 1)}
	s, err := playback.NewScheduler(shared.NewNopLogger(), func() (playback.Context, error) { return rc, nil }, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ensure())

	c := newTestClient(t, url, nil)
	require.NoError(t, c.RegisterAudioHandler(func(data []byte) {
		assert.NoError(t, s.HandleChunk(context.Background(), data))
	}))
	require.NoError(t, c.Connect(context.Background()))

	select {
	case buf := <-rc.scheduled:
		assert.Len(t, buf.Samples, 960)
		assert.Equal(t, 48000, buf.SampleRate)
	case <-time.After(testTimeout):
		t.Fatal("chunk was not scheduled")
	}
	st := s.Stats()
	assert.Equal(t, uint64(1), st.PlayedChunks)
	assert.InDelta(t, playback.InitialLookahead+0.02, st.NextPlayTime, 1e-9)
}

func TestClientShutdownSendsCloseEvent(t *testing.T) {
	frames := make(chan frame, 8)
	url := newTestServer(t, recordFrames(frames))
	c := newTestClient(t, url, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Shutdown(context.Background()))
	f := waitFrame(t, frames)
	assert.Equal(t, websocket.MessageText, f.typ)
	assert.JSONEq(t, `{"type":"close"}`, string(f.data))
	assert.Equal(t, ClientStateClosed, c.State())
}
