package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterje/coderunner/internal/terminal"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client → server control messages. Binary messages carry raw keystrokes.
const (
	msgStart = "start"
	msgInput = "input"
	msgStop  = "stop"
)

type clientMsg struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Subscriber hands out frame streams per topic.
type Subscriber interface {
	Subscribe(topic string) (<-chan terminal.Frame, func())
}

type Handler struct {
	controller terminal.Controller
	frames     Subscriber
	logger     *zerolog.Logger
}

func NewHandler(controller terminal.Controller, frames Subscriber, logger *zerolog.Logger) *Handler {
	return &Handler{controller: controller, frames: frames, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "missing session key", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_key", key).Msg("ws: upgrade failed")
		return
	}
	defer conn.Close()

	log := h.logger.With().Str("session_key", key).Logger()
	log.Info().Msg("ws: client connected")

	// Subscribe before reading so no frame of a start we handle is missed.
	frames, unsub := h.frames.Subscribe(terminal.Topic(key))
	defer unsub()

	var wg sync.WaitGroup

	// Frames -> WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		for f := range frames {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Msg("ws: write to client failed")
				// Unblock the reader.
				conn.Close()
				return
			}
		}
	}()

	// WebSocket -> controller
	h.readLoop(r.Context(), conn, key, &log)
	unsub()
	wg.Wait()
	log.Info().Msg("ws: client disconnected")
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, key string, log *zerolog.Logger) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("ws: read from client failed")
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			h.controller.HandleInput(key, string(msg))
		case websocket.TextMessage:
			var m clientMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				log.Warn().Err(err).Msg("ws: bad control message")
				continue
			}
			h.dispatch(ctx, key, m, log)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, key string, m clientMsg, log *zerolog.Logger) {
	switch m.Type {
	case msgStart:
		// Failures are already published to the topic as frames.
		if err := h.controller.Start(ctx, key, m.Code, m.Language); err != nil {
			log.Debug().Err(err).Msg("ws: start failed")
		}
	case msgInput:
		h.controller.HandleInput(key, m.Data)
	case msgStop:
		h.controller.Stop(key)
	default:
		log.Warn().Str("type", m.Type).Msg("ws: unknown message type")
	}
}
