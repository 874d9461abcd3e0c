package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/formcoach/server/models"
	"github.com/san-kum/formcoach/server/pose"
	"github.com/san-kum/formcoach/server/processor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 10 * 1024 * 1024
)

type WebSocketHandler struct {
	processor *processor.FrameProcessor
	pose      *pose.Client
	stats     *SystemStats
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	timeout   time.Duration
}

// ClientMessage is one request from the browser. Frame carries landmarks
// for "frame"; Data carries an encoded image for "image".
type ClientMessage struct {
	Type      string            `json:"type"`
	Exercise  models.ExerciseID `json:"exercise,omitempty"`
	Frame     *models.Frame     `json:"frame,omitempty"`
	Data      string            `json:"data,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(messageType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(ServerMessage{Type: messageType, Data: data})
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func NewWebSocketHandler(proc *processor.FrameProcessor, poseClient *pose.Client, stats *SystemStats, allowedOrigins []string, timeout time.Duration, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = NewSystemStats()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebSocketHandler{
		processor: proc,
		pose:      poseClient,
		stats:     stats,
		logger:    logger,
		timeout:   timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket serves one client. The client joins the session named by
// ?session=, or gets a fresh session (optionally with ?exercise=) that is
// closed when the socket goes away.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	sessionID := c.Query("session")
	owned := sessionID == ""
	if owned {
		info, err := h.processor.CreateSession(c.Request.Context(), models.ExerciseID(c.Query("exercise")))
		if err != nil {
			status, code := errorStatus(err)
			fail(c, status, code, err.Error())
			return
		}
		sessionID = info.ID
	} else if _, err := h.processor.GetSession(sessionID); err != nil {
		status, code := errorStatus(err)
		fail(c, status, code, err.Error())
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		if owned {
			h.processor.CloseSession(sessionID)
		}
		return
	}
	cn := &conn{ws: ws}
	log := h.logger.With(zap.String("session_id", sessionID), zap.String("client_ip", c.ClientIP()))

	h.stats.clientConnected(1)
	log.Info("WebSocket client connected", zap.Bool("owned", owned))
	defer func() {
		h.stats.clientConnected(-1)
		ws.Close()
		if owned {
			if err := h.processor.CloseSession(sessionID); err != nil {
				log.Debug("Session already gone", zap.Error(err))
			}
		}
		log.Info("WebSocket client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingRoutine(cn, done, log)

	if info, err := h.processor.GetSession(sessionID); err == nil {
		cn.write("session", info)
	}

	for {
		var message ClientMessage
		if err := ws.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(cn, sessionID, &message, log)
	}
}

// handleMessage runs inline so a client's frames reach the engine in the
// order they were sent.
func (h *WebSocketHandler) handleMessage(cn *conn, sessionID string, message *ClientMessage, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var (
		result models.Result
		err    error
	)
	switch message.Type {
	case "ping":
		cn.write("pong", map[string]any{"timestamp": time.Now().UnixMilli()})
		return
	case "select":
		result, err = h.processor.Control(ctx, sessionID, processor.Command{Action: processor.ActionSelect, Exercise: message.Exercise})
	case "start", "stop", "reset":
		result, err = h.processor.Control(ctx, sessionID, processor.Command{Action: processor.Action(message.Type)})
	case "snapshot":
		result, err = h.processor.Snapshot(ctx, sessionID)
	case "frame":
		if message.Frame == nil {
			h.sendError(cn, "invalid_request", "frame message without landmarks")
			return
		}
		start := time.Now()
		result, err = h.processor.ProcessFrame(ctx, sessionID, message.Frame)
		h.stats.recordFrame(time.Since(start), err)
	case "image":
		start := time.Now()
		result, err = analyzeImage(ctx, h.processor, h.pose, sessionID, message.Data, message.Timestamp)
		h.stats.recordFrame(time.Since(start), err)
	default:
		log.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(cn, "unknown_message", "Unknown message type: "+message.Type)
		return
	}

	if err != nil {
		_, code := errorStatus(err)
		log.Debug("Message failed", zap.String("type", message.Type), zap.Error(err))
		h.sendError(cn, code, err.Error())
		return
	}
	if err := cn.write("analysis", result); err != nil {
		log.Warn("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(cn *conn, code, msg string) {
	if err := cn.write("error", wsError{Code: code, Message: msg, Timestamp: time.Now().UnixMilli()}); err != nil {
		h.logger.Warn("Failed to send WebSocket error", zap.Error(err))
	}
}

func (h *WebSocketHandler) pingRoutine(cn *conn, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := cn.ping(); err != nil {
				log.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
