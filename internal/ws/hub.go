package ws

// Subscriber abstracts a streaming viewer session.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans broker messages out to viewer sessions grouped by project
// slug. A session may join many slugs; joining a slug with no running
// deployment is allowed, and no history is replayed to late joiners.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	joined    map[Subscriber]map[string]struct{}
	join      chan subscription
	leave     chan subscription
	drop      chan Subscriber
	broadcast chan message
}

// message couples payload with a project slug.
type message struct {
	slug    string
	payload []byte
}

// subscription defines join/leave requests.
type subscription struct {
	slug   string
	client Subscriber
}

// NewHub creates an initialized Hub and starts its run loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		joined:    make(map[Subscriber]map[string]struct{}),
		join:      make(chan subscription),
		leave:     make(chan subscription),
		drop:      make(chan Subscriber),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

// run owns all hub state; every mutation goes through its channels.
func (h *Hub) run() {
	for {
		select {
		case sub := <-h.join:
			if _, ok := h.clients[sub.slug]; !ok {
				h.clients[sub.slug] = make(map[Subscriber]struct{})
			}
			h.clients[sub.slug][sub.client] = struct{}{}
			if _, ok := h.joined[sub.client]; !ok {
				h.joined[sub.client] = make(map[string]struct{})
			}
			h.joined[sub.client][sub.slug] = struct{}{}
		case sub := <-h.leave:
			h.detach(sub.slug, sub.client)
		case client := <-h.drop:
			for slug := range h.joined[client] {
				h.detach(slug, client)
			}
			client.Close()
		case msg := <-h.broadcast:
			for c := range h.clients[msg.slug] {
				// Send only enqueues; a slow viewer fails its own
				// delivery without stalling the others.
				if err := c.Send(msg.payload); err != nil {
					h.detach(msg.slug, c)
					c.Close()
				}
			}
		}
	}
}

func (h *Hub) detach(slug string, client Subscriber) {
	if clients, ok := h.clients[slug]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, slug)
		}
	}
	if slugs, ok := h.joined[client]; ok {
		delete(slugs, slug)
		if len(slugs) == 0 {
			delete(h.joined, client)
		}
	}
}

// Join attaches a session to a slug's stream.
func (h *Hub) Join(slug string, client Subscriber) {
	h.join <- subscription{slug: slug, client: client}
}

// Leave detaches a session from one slug.
func (h *Hub) Leave(slug string, client Subscriber) {
	h.leave <- subscription{slug: slug, client: client}
}

// Disconnect detaches a session from every slug it joined and closes it.
func (h *Hub) Disconnect(client Subscriber) {
	h.drop <- client
}

// Broadcast sends payload to all sessions joined to the slug. Publishing
// to a slug with no sessions is a no-op.
func (h *Hub) Broadcast(slug string, payload []byte) {
	h.broadcast <- message{slug: slug, payload: payload}
}
