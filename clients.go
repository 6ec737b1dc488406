package alwaysoffline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is an open client context (e.g. a browser tab) within the scope.
type Client struct {
	ID uuid.UUID `json:"id"`
	// Version of the worker controlling the client, empty if uncontrolled.
	Controller string    `json:"controller"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Clients is the registry of client contexts.
type Clients struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

func NewClients() *Clients {
	return &Clients{clients: map[uuid.UUID]*Client{}}
}

// Register adds a client controlled by the given worker version.
func (c *Clients) Register(controller string) Client {
	client := &Client{
		ID:         uuid.New(),
		Controller: controller,
		CreatedAt:  time.Now(),
	}
	c.mu.Lock()
	c.clients[client.ID] = client
	c.mu.Unlock()
	return *client
}

func (c *Clients) Get(id uuid.UUID) (Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.clients[id]
	if !ok {
		return Client{}, false
	}
	return *client, true
}

// Claim sets the controller of every client and returns how many changed.
func (c *Clients) Claim(controller string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, client := range c.clients {
		if client.Controller != controller {
			client.Controller = controller
			n++
		}
	}
	return n
}

func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}
