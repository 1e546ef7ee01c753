package offlinecache

import (
	"sort"
	"sync"
	"time"
)

// ClientIDHeader carries the identity of the page a request comes from.
const ClientIDHeader = "X-Client-ID"

type client struct {
	controller *Manager
	openedAt   time.Time
}

// Clients is the set of open pages in a registration's scope and the worker controlling each.
type Clients struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewClients() *Clients {
	return &Clients{clients: make(map[string]*client)}
}

// Open records a page. A page that is already open keeps its controller.
func (c *Clients) Open(id string, controller *Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.clients[id]; ok {
		return
	}
	c.clients[id] = &client{controller: controller, openedAt: time.Now()}
}

// Close forgets a page. It reports whether the page was open.
func (c *Clients) Close(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.clients[id]; !ok {
		return false
	}
	delete(c.clients, id)
	return true
}

// Controller returns the worker controlling the page. A nil worker means the page is
// open but uncontrolled.
func (c *Clients) Controller(id string) (*Manager, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cl, ok := c.clients[id]
	if !ok {
		return nil, false
	}
	return cl.controller, true
}

// Claim makes m the controller of every open page and returns how many pages changed hands.
func (c *Clients) Claim(m *Manager) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	claimed := 0
	for _, cl := range c.clients {
		if cl.controller != m {
			cl.controller = m
			claimed++
		}
	}
	return claimed
}

func (c *Clients) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// ControlledBy counts the pages controlled by m.
func (c *Clients) ControlledBy(m *Manager) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, cl := range c.clients {
		if cl.controller == m {
			n++
		}
	}
	return n
}

// IDs lists open pages, oldest first.
func (c *Clients) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.clients[ids[i]], c.clients[ids[j]]
		if a.openedAt.Equal(b.openedAt) {
			return ids[i] < ids[j]
		}
		return a.openedAt.Before(b.openedAt)
	})
	return ids
}
