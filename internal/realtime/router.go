package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Router tracks live connections, the chat rooms they subscribed to, and the
// connections that belong to each user.
type Router struct {
	mu           sync.RWMutex
	sessions     map[string]*Connection
	userSessions map[string]map[string]struct{}
	rooms        map[string]map[string]*Connection
	sessionRooms map[string]map[string]struct{}
}

func NewRouter() *Router {
	return &Router{
		sessions:     make(map[string]*Connection),
		userSessions: make(map[string]map[string]struct{}),
		rooms:        make(map[string]map[string]*Connection),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers conn and starts its writer.
func (r *Router) Attach(conn *Connection) {
	r.mu.Lock()
	r.sessions[conn.ID] = conn
	owned := r.userSessions[conn.UserID]
	if owned == nil {
		owned = make(map[string]struct{})
		r.userSessions[conn.UserID] = owned
	}
	owned[conn.ID] = struct{}{}
	r.sessionRooms[conn.ID] = make(map[string]struct{})
	r.mu.Unlock()

	conn.Start()
}

func (r *Router) Detach(conn *Connection) {
	r.mu.Lock()
	r.detachLocked(conn.ID)
	r.mu.Unlock()
}

func (r *Router) Join(chatID string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[conn.ID]; !ok {
		return
	}

	room := r.rooms[chatID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[chatID] = room
	}
	room[conn.ID] = conn
	r.sessionRooms[conn.ID][chatID] = struct{}{}
}

func (r *Router) Leave(chatID string, conn *Connection) {
	r.mu.Lock()
	r.leaveLocked(chatID, conn.ID)
	r.mu.Unlock()
}

// Broadcast sends payload to every subscriber of chatID and returns how many
// accepted it.
func (r *Router) Broadcast(chatID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.rooms[chatID]))
	for _, conn := range r.rooms[chatID] {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	return deliver(targets, payload)
}

// NotifyUser sends payload to every connection owned by userID.
func (r *Router) NotifyUser(userID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.userSessions[userID]))
	for sessionID := range r.userSessions[userID] {
		if conn := r.sessions[sessionID]; conn != nil {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	return deliver(targets, payload)
}

func (r *Router) RoomSize(chatID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[chatID])
}

// Close drops every connection.
func (r *Router) Close() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		conns = append(conns, conn)
	}
	r.sessions = make(map[string]*Connection)
	r.userSessions = make(map[string]map[string]struct{})
	r.rooms = make(map[string]map[string]*Connection)
	r.sessionRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func deliver(targets []*Connection, payload []byte) int {
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

func (r *Router) detachLocked(sessionID string) {
	conn, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)

	if owned := r.userSessions[conn.UserID]; owned != nil {
		delete(owned, sessionID)
		if len(owned) == 0 {
			delete(r.userSessions, conn.UserID)
		}
	}

	for chatID := range r.sessionRooms[sessionID] {
		r.leaveLocked(chatID, sessionID)
	}
	delete(r.sessionRooms, sessionID)
}

func (r *Router) leaveLocked(chatID, sessionID string) {
	room := r.rooms[chatID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, chatID)
	}
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, chatID)
	}
}
