package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/audiobot/internal/chatlog"
	"github.com/MrWong99/audiobot/internal/state"
)

// Websocket message types.
const (
	MsgState    = "state"
	MsgMessages = "messages"
	MsgError    = "error"
)

// Websocket command types.
const (
	CmdListen       = "listen"
	CmdStop         = "stop"
	CmdChat         = "chat"
	CmdVoice        = "voice"
	CmdSpeech       = "speech"
	CmdWakeWord     = "wakeword"
	CmdStopPlayback = "stop_playback"
)

const wsWriteTimeout = 5 * time.Second

// Envelope is a message pushed to websocket clients.
type Envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Command is a message received from a websocket client.
type Command struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Detected *bool  `json:"detected,omitempty"`
}

// client is one websocket connection. Outgoing messages are queued on send
// and written by a dedicated goroutine so a slow peer never blocks a
// broadcast.
type client struct {
	id   string
	send chan []byte

	quitOnce sync.Once
	quit     chan struct{}
	status   websocket.StatusCode
	reason   string
}

func (c *client) stop(status websocket.StatusCode, reason string) {
	c.quitOnce.Do(func() {
		c.status = status
		c.reason = reason
		close(c.quit)
	})
}

// enqueue queues msg without blocking and reports whether it fit.
func (c *client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxBodySize)

	c := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, s.sendQueue),
		quit: make(chan struct{}),
	}
	if !s.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	log := slog.With("client", c.id)
	log.Info("websocket client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, c)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("websocket read ended", "err", err)
			}
			break
		}
		s.dispatch(ctx, c, data)
	}

	s.unregister(c)
	c.stop(websocket.StatusNormalClosure, "")
	<-writerDone
	conn.CloseNow()
	log.Info("websocket client disconnected")
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-c.quit:
			conn.Close(c.status, c.reason)
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				conn.CloseNow()
				return
			}
		}
	}
}

// register adds c and queues the current state and chat history for it.
// Both happen under the client lock so no broadcast can overtake the
// snapshot.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	s.metrics.ActiveClients.Add(context.Background(), 1)

	if msg, err := encode(MsgState, s.ctrl.State()); err == nil {
		c.enqueue(msg)
	}
	if msg, err := encode(MsgMessages, s.ctrl.Messages()); err == nil {
		c.enqueue(msg)
	}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.id] == c {
		s.removeLocked(c)
	}
}

func (s *Server) removeLocked(c *client) {
	delete(s.clients, c.id)
	s.metrics.ActiveClients.Add(context.Background(), -1)
}

// closeClients disconnects every client and refuses new ones.
func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.clients {
		s.removeLocked(c)
		c.stop(websocket.StatusGoingAway, "server shutting down")
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// OnStateChanged pushes st to every websocket client.
func (s *Server) OnStateChanged(st state.State) {
	s.publish(MsgState, st)
}

// PublishMessages pushes the chat history to every websocket client.
func (s *Server) PublishMessages(msgs []chatlog.Message) {
	if msgs == nil {
		msgs = []chatlog.Message{}
	}
	s.publish(MsgMessages, msgs)
}

func (s *Server) publish(typ string, v any) {
	msg, err := encode(typ, v)
	if err != nil {
		slog.Error("websocket encode failed", "type", typ, "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.enqueue(msg) {
			continue
		}
		slog.Warn("dropping slow websocket client", "client", c.id, "queue", cap(c.send))
		s.removeLocked(c)
		c.stop(websocket.StatusPolicyViolation, "client too slow")
	}
}

// dispatch executes one client command. Failures are reported back to the
// sending client only.
func (s *Server) dispatch(ctx context.Context, c *client, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.replyError(c, fmt.Errorf("invalid command: %w", err))
		return
	}

	var err error
	switch cmd.Type {
	case CmdListen:
		err = s.ctrl.StartListening(ctx)
	case CmdStop:
		err = s.ctrl.StopListening(ctx)
	case CmdStopPlayback:
		s.ctrl.StopPlayback()
	case CmdChat:
		if strings.TrimSpace(cmd.Content) == "" {
			err = errors.New("content must not be empty")
			break
		}
		err = s.ctrl.SendChat(ctx, cmd.Content)
	case CmdVoice:
		if !slices.Contains(s.ctrl.Voices(), cmd.Voice) {
			err = fmt.Errorf("unknown voice %q", cmd.Voice)
			break
		}
		err = s.ctrl.SetVoice(ctx, cmd.Voice)
	case CmdSpeech:
		if cmd.Enabled == nil {
			err = errors.New("enabled is required")
			break
		}
		s.ctrl.SetSpeechEnabled(*cmd.Enabled)
	case CmdWakeWord:
		if cmd.Detected == nil {
			err = errors.New("detected is required")
			break
		}
		s.ctrl.SetWakeWordDetected(*cmd.Detected)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}
	if err != nil {
		s.replyError(c, err)
	}
}

func (s *Server) replyError(c *client, err error) {
	slog.Debug("websocket command failed", "client", c.id, "err", err)
	msg, encErr := json.Marshal(Envelope{Type: MsgError, Error: err.Error()})
	if encErr != nil {
		return
	}
	c.enqueue(msg)
}

func encode(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}
