package ws

import (
	"log"
	"net/http"
)

// Service bundles the room registry and the relay handler.
type Service struct {
	hubManager *HubManager
	handler    *Handler
}

// NewService creates a relay that stores drawn points in store.
func NewService(store PointAppender, cfg Config) *Service {
	hubManager := NewHubManager()
	return &Service{
		hubManager: hubManager,
		handler:    NewHandler(hubManager, store, cfg),
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// HubManager returns the hub manager.
func (s *Service) HubManager() *HubManager {
	return s.hubManager
}

// ServeHTTP serves one Engine.IO websocket session.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.HandleConnection(w, r); err != nil {
		log.Printf("Socket upgrade failed: %v", err)
	}
}

// Close drops all rooms.
func (s *Service) Close() {
	s.hubManager.Close()
}
