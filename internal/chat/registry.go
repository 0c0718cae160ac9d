package chat

import (
	"errors"
	"sync"
)

// ErrDuplicateConnection signals a connection id collision on register.
// Ids are unique for the process lifetime, so this is a programming
// error and is fatal to that connection's setup.
var ErrDuplicateConnection = errors.New("duplicate connection id")

// Registry is the process-wide index of live connections. It is the
// only authority on whether a connection is still live; rooms consult
// it before delivering. Always an explicit instance so tests can build
// isolated registries.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[int]map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		byUser:  make(map[int]map[string]*Client),
	}
}

func (r *Registry) Register(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; ok {
		return ErrDuplicateConnection
	}

	r.clients[c.id] = c
	if r.byUser[c.user.Id] == nil {
		r.byUser[c.user.Id] = make(map[string]*Client)
	}
	r.byUser[c.user.Id][c.id] = c

	return nil
}

// Deregister removes the connection if present. Removing an absent id
// is a no-op, which tolerates the race between explicit close and
// error teardown.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return false
	}

	delete(r.clients, id)
	if userClients, ok := r.byUser[c.user.Id]; ok {
		delete(userClients, id)
		if len(userClients) == 0 {
			delete(r.byUser, c.user.Id)
		}
	}

	return true
}

func (r *Registry) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	return c, ok
}

// ClientsForUser returns all live connections held by one user. A user
// may be connected from several tabs at once.
func (r *Registry) ClientsForUser(userId int) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.byUser[userId]))
	for _, c := range r.byUser[userId] {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}
