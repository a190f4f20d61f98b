package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/overhuman/overhuman/internal/llm"
)

// keepaliveInterval bounds the Events WebSocket's ping cadence to at most
// once per 20s, per spec section 6.
const keepaliveInterval = 20 * time.Second

// Frame is one WebSocket message, shaped after the teacher's WSMessage
// (internal/genui/ws_protocol.go): a type tag plus an arbitrary payload.
// Job frames use type log|progress|status|event|final|error|ping; chat
// frames use chat.init|chat.message|chat.action|chat.status|chat.error|ping.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Broker fans job/chat frames out to WebSocket subscribers keyed by id
// (job id or chat session id). A frame for a subscriber whose buffer is full
// is dropped for that subscriber rather than blocking the publisher; the
// subscriber itself stays registered.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Frame]struct{}
}

func newBroker() *Broker {
	return &Broker{subs: map[string]map[chan Frame]struct{}{}}
}

func (b *Broker) subscribe(id string) chan Frame {
	ch := make(chan Frame, 32)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[id] == nil {
		b.subs[id] = map[chan Frame]struct{}{}
	}
	b.subs[id][ch] = struct{}{}
	return ch
}

func (b *Broker) unsubscribe(id string, ch chan Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[id], ch)
	if len(b.subs[id]) == 0 {
		delete(b.subs, id)
	}
	close(ch)
}

func (b *Broker) publish(id string, f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[id] {
		select {
		case ch <- f:
		default:
		}
	}
}

func (b *Broker) publishJob(jobID string, f Frame) { b.publish("job:"+jobID, f) }
func (b *Broker) publishChat(sessionID string, f Frame) { b.publish("chat:"+sessionID, f) }

// handleJobEvents streams frames for ?job=<job_id> until the client
// disconnects, emitting a ping keepalive at most once every 20s.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.broker.subscribe("job:" + jobID)
	defer s.broker.unsubscribe("job:"+jobID, ch)

	s.streamFrames(conn, ch)
}

// handleChatEvents streams frames for ?session=<session_id>, and relays
// any client-sent chat.message frame through the MCP tool agent, mirroring
// the original chat handler's turn loop over a persistent connection.
func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.broker.subscribe("chat:" + sessionID)
	defer s.broker.unsubscribe("chat:"+sessionID, ch)

	_ = conn.WriteJSON(Frame{Type: "chat.init", Payload: map[string]any{"session": sessionID}})

	go s.readChatMessages(conn, sessionID)
	s.streamFrames(conn, ch)
}

// readChatMessages pumps client frames until the connection closes,
// dispatching chat.message frames to the MCP tool agent and publishing
// the turn's reply (and any tool observations) back onto the broker.
func (s *Server) readChatMessages(conn wsConn, sessionID string) {
	for {
		var in Frame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		if in.Type != "chat.message" {
			continue
		}
		text, _ := in.Payload.(string)
		if m, ok := in.Payload.(map[string]any); ok {
			if t, ok := m["text"].(string); ok {
				text = t
			}
		}
		s.handleChatTurn(sessionID, text)
	}
}

func (s *Server) handleChatTurn(sessionID, text string) {
	if s.Agent == nil {
		s.broker.publishChat(sessionID, Frame{Type: "chat.error", Payload: map[string]any{"error": "no agent configured"}})
		return
	}
	var history []llm.Message
	if s.ChatStore != nil {
		if msgs, err := s.ChatStore.History(sessionID, 50); err == nil {
			for _, m := range msgs {
				history = append(history, llm.Message{Role: m.Role, Content: m.Content})
			}
		}
	}
	result, err := s.Agent.RunTurn(context.Background(), sessionID, history, text)
	if err != nil {
		s.broker.publishChat(sessionID, Frame{Type: "chat.error", Payload: map[string]any{"error": err.Error()}})
		return
	}
	if s.ChatStore != nil {
		_ = s.ChatStore.AppendMessage(sessionID, "user", text, "")
		_ = s.ChatStore.AppendMessage(sessionID, "assistant", result.Reply, "")
	}
	if result.NextAction != nil {
		s.broker.publishChat(sessionID, Frame{Type: "chat.action", Payload: result.NextAction})
	}
	s.broker.publishChat(sessionID, Frame{Type: "chat.message", Payload: map[string]any{
		"reply": result.Reply, "observations": result.Observations,
	}})
}

// wsConn is the narrow surface of *websocket.Conn the streaming helpers
// need, letting tests substitute a lightweight fake where useful.
type wsConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

func (s *Server) streamFrames(conn wsConnWriter, ch <-chan Frame) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(Frame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

type wsConnWriter interface {
	WriteJSON(v any) error
}
