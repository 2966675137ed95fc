package do

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket wraps an accepted WebSocket connection with its tags and any
// configured auto-response pair.
type Socket struct {
	Conn *websocket.Conn
	Tags []string

	mu                   sync.Mutex
	autoRequest          string
	autoResponse         string
	autoResponseAt       time.Time
}

// SetAutoResponse configures an auto-response pair: an incoming text
// message equal to request is answered with response directly, without
// invoking the instance's webSocketMessage handler.
func (s *Socket) SetAutoResponse(request, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRequest = request
	s.autoResponse = response
}

// AutoResponseTimestamp reports when the auto-response pair last fired.
func (s *Socket) AutoResponseTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoResponseAt
}

// tryAutoRespond replies in place and returns true if message matches the
// configured auto-response request string.
func (s *Socket) tryAutoRespond(message []byte) bool {
	s.mu.Lock()
	request, response := s.autoRequest, s.autoResponse
	s.mu.Unlock()

	if request == "" || string(message) != request {
		return false
	}

	s.mu.Lock()
	s.autoResponseAt = time.Now()
	s.mu.Unlock()

	_ = s.Conn.WriteMessage(websocket.TextMessage, []byte(response))
	return true
}

// WebSocketHandler is implemented by DO classes that accept hibernatable
// WebSocket connections.
type WebSocketHandler interface {
	WebSocketMessage(socket *Socket, message []byte) error
	WebSocketClose(socket *Socket, code int, reason string, wasClean bool) error
	WebSocketError(socket *Socket, err error) error
}

type socketRegistry struct {
	mu      sync.Mutex
	sockets map[*Socket]struct{}
}

func newSocketRegistry() *socketRegistry {
	return &socketRegistry{sockets: make(map[*Socket]struct{})}
}

// Accept registers conn for hibernation-style dispatch, tagging it with
// tags, and starts its read loop against handler.
func (r *socketRegistry) Accept(conn *websocket.Conn, tags []string, handler WebSocketHandler) *Socket {
	socket := &Socket{Conn: conn, Tags: tags}

	r.mu.Lock()
	r.sockets[socket] = struct{}{}
	r.mu.Unlock()

	go r.pump(socket, handler)
	return socket
}

func (r *socketRegistry) pump(socket *Socket, handler WebSocketHandler) {
	defer func() {
		r.mu.Lock()
		delete(r.sockets, socket)
		r.mu.Unlock()
	}()

	for {
		_, message, err := socket.Conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := ""
			wasClean := true
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			} else {
				wasClean = false
			}
			_ = handler.WebSocketClose(socket, code, reason, wasClean)
			return
		}

		if socket.tryAutoRespond(message) {
			continue
		}
		if handlerErr := handler.WebSocketMessage(socket, message); handlerErr != nil {
			_ = handler.WebSocketError(socket, handlerErr)
		}
	}
}

// BySockets returns every registered socket carrying tag.
func (r *socketRegistry) BySockets(tag string) []*Socket {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Socket
	for socket := range r.sockets {
		for _, t := range socket.Tags {
			if t == tag {
				matched = append(matched, socket)
				break
			}
		}
	}
	return matched
}
