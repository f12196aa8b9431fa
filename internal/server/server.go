package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/stmdsp-dash/internal/control"
	"github.com/shaunagostinho/stmdsp-dash/internal/device"
	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
)

// Server exposes the controller over HTTP and streams draw frames to
// WebSocket clients.
type Server struct {
	cfg   *Config
	ctrl  *control.Controller
	webFS fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Draw   []protocol.Sample `json:"draw,omitempty"`
	Input  []protocol.Sample `json:"input,omitempty"`
	Window int               `json:"window,omitempty"` // samples per screen
	Events []control.Event   `json:"events,omitempty"`
	Status *control.Status   `json:"status,omitempty"`
	Config *DisplayConfig    `json:"config,omitempty"`
	Stamp  int64             `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, ctrl *control.Controller, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)

	mux.HandleFunc("/api/connect", s.post(func(r *http.Request) (any, error) {
		return nil, s.ctrl.Connect()
	}))
	mux.HandleFunc("/api/disconnect", s.post(func(r *http.Request) (any, error) {
		return nil, s.ctrl.Disconnect()
	}))
	mux.HandleFunc("/api/rate", s.post(func(r *http.Request) (any, error) {
		var req struct {
			Index int `json:"index"`
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, s.ctrl.SetSampleRate(req.Index)
	}))
	mux.HandleFunc("/api/buffer", s.post(func(r *http.Request) (any, error) {
		var req struct {
			Size int `json:"size"`
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		n, err := s.ctrl.SetBufferSize(req.Size)
		return map[string]int{"size": n}, err
	}))
	mux.HandleFunc("/api/start", s.post(func(r *http.Request) (any, error) {
		var req control.StartOptions
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, s.ctrl.Start(req)
	}))
	mux.HandleFunc("/api/stop", s.post(func(r *http.Request) (any, error) {
		return nil, s.ctrl.Stop()
	}))
	mux.HandleFunc("/api/generator/start", s.post(func(r *http.Request) (any, error) {
		return nil, s.ctrl.StartGenerating()
	}))
	mux.HandleFunc("/api/generator/stop", s.post(func(r *http.Request) (any, error) {
		return nil, s.ctrl.StopGenerating()
	}))
	mux.HandleFunc("/api/generator/samples", s.post(func(r *http.Request) (any, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, errBadRequest
		}
		return nil, s.ctrl.LoadGeneratorList(string(body))
	}))
	mux.HandleFunc("/api/filter", s.handleFilter)
	mux.HandleFunc("/api/audio", s.post(func(r *http.Request) (any, error) {
		var req struct {
			Path string `json:"path"`
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		return nil, s.ctrl.LoadAudio(req.Path)
	}))
	mux.HandleFunc("/api/logfile", s.post(func(r *http.Request) (any, error) {
		var req struct {
			Path string `json:"path"`
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		if req.Path == "" {
			req.Path = s.cfg.LogPath()
		}
		return map[string]string{"path": req.Path}, s.ctrl.LoadLogSink(req.Path)
	}))
	mux.HandleFunc("/api/input", s.post(func(r *http.Request) (any, error) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := decode(r, &req); err != nil {
			return nil, err
		}
		s.ctrl.SetInputDrawing(req.Enabled)
		return nil, nil
	}))
	return mux
}

// Run starts the HTTP server and the frame loop.
func (s *Server) Run(ctx context.Context) error {
	s.startFrames(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return errBadRequest
	}
	return nil
}

// httpStatus maps controller errors onto HTTP codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, device.ErrInvalidArgument),
		errors.Is(err, control.ErrBadSampleList), errors.Is(err, control.ErrSampleTooLarge),
		errors.Is(err, control.ErrTooManySamples):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrInvalidState), errors.Is(err, device.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, device.ErrConnectionLost),
		errors.Is(err, device.ErrNoDevice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// reply writes {"status":"ok", ...extra} or {"status":"error","error":...}.
func reply(w http.ResponseWriter, extra any, err error) {
	if err != nil {
		writeJSON(w, httpStatus(err), map[string]string{"status": "error", "error": err.Error()})
		return
	}
	out := map[string]any{"status": "ok"}
	if extra != nil {
		b, _ := json.Marshal(extra)
		json.Unmarshal(b, &out)
	}
	writeJSON(w, http.StatusOK, out)
}

// post wraps a POST-only action.
func (s *Server) post(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", 405)
			return
		}
		extra, err := fn(r)
		reply(w, extra, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		bin, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxUploadSize+1))
		if err != nil {
			reply(w, nil, errBadRequest)
			return
		}
		if len(bin) > protocol.MaxUploadSize {
			reply(w, nil, device.ErrInvalidArgument)
			return
		}
		reply(w, nil, s.ctrl.UploadFilter(bin))
	case http.MethodDelete:
		reply(w, nil, s.ctrl.UnloadFilter())
	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		display, _ := s.cfg.Snapshot()
		s.ctrl.SetInputDrawing(display.DrawInput)
		s.broadcast(Frame{Config: &display, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		id:   uuid.NewString()[:8],
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client %s connected (%d total)", client.id, n)

	// Initial config, status and message backlog
	display, _ := s.cfg.Snapshot()
	st := s.ctrl.Snapshot()
	first := Frame{
		Config: &display,
		Status: &st,
		Events: s.ctrl.Events().Since(0),
		Stamp:  time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive and close detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client %s disconnected (%d total)", client.id, n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// startFrames launches the frame loop. Earlier messages reach each client in
// its initial frame, so the loop starts after the newest one.
func (s *Server) startFrames(ctx context.Context) {
	go s.frameLoop(ctx, s.ctrl.Events().Last())
}

// frameLoop drains the draw queues at the display frame rate. The drain
// count follows the device rate with catch-up when a backlog builds, so
// the picture stays live regardless of chunk size.
func (s *Server) frameLoop(ctx context.Context, lastSeq uint64) {
	_, pacing := s.cfg.Snapshot()
	fps := pacing.FrameRate
	if fps <= 0 {
		fps = 60
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	frames := 0
	statusEvery := max(int(fps), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames++
			frame := s.nextFrame(&lastSeq, frames%statusEvery == 0)
			if frame != nil {
				s.broadcast(*frame)
			}
		}
	}
}

// nextFrame pulls this frame's samples and any new messages. It returns nil
// when there is nothing to send.
func (s *Server) nextFrame(lastSeq *uint64, withStatus bool) *Frame {
	display, pacing := s.cfg.Snapshot()
	bufs := s.ctrl.Buffers()
	st := s.ctrl.Snapshot()

	frame := Frame{Stamp: time.Now().UnixMilli()}
	if st.Connected && display.Timeframe > 0 {
		window := pacing.DrawWindow(st.SampleRate, display.Timeframe)
		frame.Window = window
		if n := pacing.DrainCount(window, display.Timeframe, bufs.Len()); n > 0 {
			frame.Draw = bufs.Pull(n)
		}
		if n := pacing.DrainCount(window, display.Timeframe, bufs.InputLen()); n > 0 {
			frame.Input = bufs.PullInput(n)
		}
	}
	if ev := s.ctrl.Events().Since(*lastSeq); len(ev) > 0 {
		frame.Events = ev
		*lastSeq = ev[len(ev)-1].Seq
		withStatus = true
	}
	if withStatus {
		frame.Status = &st
	}
	if frame.Draw == nil && frame.Input == nil && frame.Events == nil && frame.Status == nil {
		return nil
	}
	return &frame
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
