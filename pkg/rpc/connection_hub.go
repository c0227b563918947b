package rpc

import (
	"fmt"
	"sync"
)

// ConnectionHub indexes live connections two ways: by connection id and by
// authenticated user. The user index is what lets Notify reach every
// socket a wallet has open, and it follows the connection through
// re-authentication.
type ConnectionHub struct {
	connections map[string]Connection
	// authMapping maps a user to the set of their connection ids.
	authMapping map[string]map[string]bool
	mu          sync.RWMutex
}

// NewConnectionHub returns an empty hub.
func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{
		connections: make(map[string]Connection),
		authMapping: make(map[string]map[string]bool),
	}
}

// Add registers a connection, indexing it under its user when it already
// has one. Nil connections and duplicate ids are errors.
func (hub *ConnectionHub) Add(conn Connection) error {
	if conn == nil {
		return fmt.Errorf("connection cannot be nil")
	}

	connID := conn.ConnectionID()
	userID := conn.UserID()

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[connID]; exists {
		return fmt.Errorf("connection with ID %s already exists", connID)
	}

	hub.connections[connID] = conn

	if userID == "" {
		return nil
	}

	if _, exists := hub.authMapping[userID]; !exists {
		hub.authMapping[userID] = make(map[string]bool)
	}

	hub.authMapping[userID][connID] = true
	return nil
}

// Reauthenticate moves a connection from its old user to userID, updating
// the connection's own UserID as well. Errors when the connection is
// unknown.
func (hub *ConnectionHub) Reauthenticate(connID, userID string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, exists := hub.connections[connID]
	if !exists {
		return fmt.Errorf("connection with ID %s does not exist", connID)
	}

	oldUserID := conn.UserID()
	if oldUserID != "" {
		if userConns, ok := hub.authMapping[oldUserID]; ok {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(hub.authMapping, oldUserID)
			}
		}
	}

	conn.SetUserID(userID)

	if _, ok := hub.authMapping[userID]; !ok {
		hub.authMapping[userID] = make(map[string]bool)
	}
	hub.authMapping[userID][connID] = true

	return nil
}

// Get returns the connection with the given id, or nil.
func (hub *ConnectionHub) Get(connID string) Connection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return nil
	}

	return conn
}

// Remove drops a connection from both indexes. Unknown ids are a no-op.
func (hub *ConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	conn, ok := hub.connections[connID]
	if !ok {
		return
	}

	delete(hub.connections, connID)
	userID := conn.UserID()
	if userID == "" {
		return
	}

	if userConns, exists := hub.authMapping[userID]; exists {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(hub.authMapping, userID)
		}
	}
}

// Publish writes response to every connection the user has. Users with no
// connections lose the message.
func (hub *ConnectionHub) Publish(userID string, response []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	connIDs, ok := hub.authMapping[userID]
	if !ok {
		return
	}

	for connID := range connIDs {
		conn := hub.connections[connID]
		if conn == nil {
			continue
		}

		conn.WriteRawResponse(response)
	}
}
