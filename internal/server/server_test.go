package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/stmdsp-dash/internal/control"
	"github.com/shaunagostinho/stmdsp-dash/internal/device"
	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/shaunagostinho/stmdsp-dash/internal/simulator"
	"github.com/shaunagostinho/stmdsp-dash/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv  *Server
	ctrl *control.Controller
	sim  *simulator.Device
	http *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/config.yaml"

	opts := cfg.ControlOptions()
	opts.Port = "sim0"
	opts.BufferSize = 100
	opts.SampleRate = 96000
	opts.Dial = func(endpoint string, dopts device.Options) (*device.Session, error) {
		h.sim = simulator.New(simulator.Options{Waveform: simulator.WaveRamp})
		tr, err := transport.New(h.sim, 20*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return device.New(endpoint, tr, dopts)
	}
	h.ctrl = control.New(opts)
	t.Cleanup(h.ctrl.Close)

	web := fstest.MapFS{"index.html": {Data: []byte("<html>dspdash</html>")}}
	h.srv = New(cfg, h.ctrl, web)
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.http.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAPI_ConnectStartStop(t *testing.T) {
	h := newHarness(t)

	code, out := h.post(t, "/api/start", `{"draw":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "error", out["status"])

	code, _ = h.post(t, "/api/connect", "")
	require.Equal(t, http.StatusOK, code)

	code, out = h.post(t, "/api/buffer", `{"size":20}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(protocol.MinBufferSize), out["size"])

	code, _ = h.post(t, "/api/rate", `{"index":4}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post(t, "/api/start", `{"draw":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, h.sim.Running())

	code, _ = h.post(t, "/api/rate", `{"index":1}`)
	assert.Equal(t, http.StatusConflict, code)

	resp, err := http.Get(h.http.URL + "/api/status")
	require.NoError(t, err)
	var st control.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.True(t, st.Connected)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 96000, st.SampleRate)

	code, _ = h.post(t, "/api/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, h.sim.Running())

	code, _ = h.post(t, "/api/disconnect", "")
	require.Equal(t, http.StatusOK, code)
}

func TestAPI_GeneratorAndFilter(t *testing.T) {
	h := newHarness(t)
	code, _ := h.post(t, "/api/connect", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = h.post(t, "/api/generator/samples", "10 20 30")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []protocol.Sample{10, 20, 30, 30}, h.sim.Generator())

	code, _ = h.post(t, "/api/generator/samples", "10 abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.post(t, "/api/generator/start", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, h.sim.Generating())
	code, _ = h.post(t, "/api/generator/stop", "")
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Post(h.http.URL+"/api/filter", "application/octet-stream", bytes.NewReader([]byte{1, 2, 3}))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte{1, 2, 3}, h.sim.Filter())

	req, err := http.NewRequest(http.MethodDelete, h.http.URL+"/api/filter", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, h.sim.Filter())

	resp, err = http.Get(h.http.URL + "/api/stop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPI_Config(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.http.URL+"/api/config", "application/json",
		strings.NewReader(`{"display":{"drawInput":true,"timeframe":0.25}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		Display DisplayConfig `json:"display"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 0.25, got.Display.Timeframe)
	assert.True(t, got.Display.DrawInput)
	assert.True(t, h.ctrl.Snapshot().InputDrawing)
}

func TestStaticFiles(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "dspdash")
}

func TestNextFrame_DrainsAtDeviceRate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Connect())
	require.NoError(t, h.ctrl.Start(control.StartOptions{Draw: true}))

	bufs := h.ctrl.Buffers()
	require.Eventually(t, func() bool { return bufs.Len() >= 5000 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.ctrl.Stop())

	var seq uint64
	queued := bufs.Len()
	frame := h.srv.nextFrame(&seq, false)
	require.NotNil(t, frame)
	assert.Equal(t, 96000, frame.Window)
	_, pacing := h.srv.cfg.Snapshot()
	want := pacing.DrainCount(96000, 1.0, queued)
	assert.InDelta(t, 1640, want, 1, "a 60th of the window plus overdrain") // 96000/60*1.025
	assert.Len(t, frame.Draw, want)
	assert.NotEmpty(t, frame.Events)
	assert.NotNil(t, frame.Status, "new messages carry a status")
	for i := 1; i < len(frame.Draw); i++ {
		require.Equal(t, (frame.Draw[i-1]+1)&protocol.MaxSample, frame.Draw[i])
	}

	// Nothing new: only samples.
	frame = h.srv.nextFrame(&seq, false)
	if frame != nil {
		assert.Empty(t, frame.Events)
		assert.Nil(t, frame.Status)
	}
}

func TestFrameLoop_SendsOnlyNewMessages(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Events().Log("before")

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage() // initial frame with the backlog
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.srv.startFrames(ctx)
	h.ctrl.Events().Log("after")

	var got []string
	for !slices.Contains(got, "after") {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		for _, ev := range f.Events {
			got = append(got, ev.Message)
		}
	}
	assert.Equal(t, []string{"after"}, got)
}

func TestWebSocket_InitialFrame(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Events().Log("hello")

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	require.NotNil(t, f.Config)
	assert.Equal(t, 1.0, f.Config.Timeframe)
	require.NotNil(t, f.Status)
	assert.False(t, f.Status.Connected)
	require.Len(t, f.Events, 1)
	assert.Equal(t, "hello", f.Events[0].Message)

	h.srv.broadcast(Frame{Draw: []protocol.Sample{1, 2}, Stamp: 1})
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, []protocol.Sample{1, 2}, f.Draw)
}
