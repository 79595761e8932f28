// Package gateway exposes the composer over HTTP: health probes, metrics, a
// small REST API for user actions and a websocket that pushes every change.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/fingerspell/internal/composer"
	"github.com/loqalabs/fingerspell/internal/protocol"
)

const (
	maxBodyBytes = 64 << 10
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Server routes requests to the composer.
type Server struct {
	composer *composer.Controller
	metrics  http.Handler
	ready    func() bool
	log      *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New builds the handler tree. metrics may be nil; ready may be nil, meaning
// always ready.
func New(c *composer.Controller, metrics http.Handler, ready func() bool, log *slog.Logger) *Server {
	s := &Server{
		composer: c,
		metrics:  metrics,
		ready:    ready,
		log:      log.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	s.mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.composer.Snapshot())
	})
	s.mux.HandleFunc("POST /api/clear", s.action(s.composer.Clear))
	s.mux.HandleFunc("POST /api/delete", s.action(s.composer.DeleteAtCaret))
	s.mux.HandleFunc("POST /api/delete-selection", s.action(s.composer.DeleteSelection))
	s.mux.HandleFunc("POST /api/space", s.action(s.composer.InsertSpace))
	s.mux.HandleFunc("POST /api/cancel-speech", s.action(s.composer.CancelSpeech))
	s.mux.HandleFunc("POST /api/toggle", s.action(s.composer.ToggleIngestion))
	s.mux.HandleFunc("POST /api/speak", s.handleSpeak)
	s.mux.HandleFunc("POST /api/insert", s.handleInsert)
	s.mux.HandleFunc("PUT /api/text", s.handleText)
	s.mux.HandleFunc("PUT /api/caret", s.handleCaret)
	s.mux.HandleFunc("PUT /api/ingestion", s.handleIngestion)
	s.mux.HandleFunc("GET /ws", s.handleWebsocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) action(fn func() composer.Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, fn())
	}
}

// handleSpeak answers 202 when an utterance started and 200 when the request
// was ignored.
func (s *Server) handleSpeak(w http.ResponseWriter, _ *http.Request) {
	snap, started := s.composer.Speak()
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, snap)
}

type textRequest struct {
	Text       string `json:"text"`
	CaretStart *int   `json:"caret_start"`
	CaretEnd   *int   `json:"caret_end"`
}

type caretRequest struct {
	CaretStart int  `json:"caret_start"`
	CaretEnd   *int `json:"caret_end"`
}

type ingestionRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.composer.Insert(req.Text))
}

// handleText overwrites the transcript. A missing caret lands at the end.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	end := len([]rune(req.Text))
	start := end
	if req.CaretStart != nil {
		start = *req.CaretStart
		end = start
	}
	if req.CaretEnd != nil {
		end = *req.CaretEnd
	}
	writeJSON(w, http.StatusOK, s.composer.EditText(req.Text, start, end))
}

func (s *Server) handleCaret(w http.ResponseWriter, r *http.Request) {
	var req caretRequest
	if !s.decode(w, r, &req) {
		return
	}
	end := req.CaretStart
	if req.CaretEnd != nil {
		end = *req.CaretEnd
	}
	writeJSON(w, http.StatusOK, s.composer.Select(req.CaretStart, end))
}

func (s *Server) handleIngestion(w http.ResponseWriter, r *http.Request) {
	var req ingestionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.composer.SetIngestion(*req.Enabled))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleWebsocket streams composer events to the client, starting with the
// current snapshot. Clients may send protocol.Command messages; their effect
// arrives through the same stream.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	log := s.log.With(slog.String("remote", r.RemoteAddr))
	log.Debug("websocket client connected")

	events, unsubscribe := s.composer.Subscribe()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		s.writeLoop(conn, events, log)
	}()

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd protocol.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read failed", slogError(err))
			}
			break
		}
		if _, err := s.composer.Apply(cmd); err != nil {
			log.Debug("rejected websocket command", slog.String("action", cmd.Action), slogError(err))
		}
	}
	unsubscribe()
	<-writerDone
	log.Debug("websocket client disconnected")
}

func (s *Server) writeLoop(conn *websocket.Conn, events <-chan composer.Event, log *slog.Logger) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	initial := composer.Event{Kind: KindState, Snapshot: s.composer.Snapshot(), At: time.Now().UTC()}
	if err := writeEvent(conn, initial); err != nil {
		log.Debug("websocket write failed", slogError(err))
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				log.Debug("websocket write failed", slogError(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// KindState marks the snapshot sent when a websocket client connects.
const KindState composer.Kind = "state"

func writeEvent(conn *websocket.Conn, ev composer.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
