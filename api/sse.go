package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tinkerlink/tflog"
)

const (
	eventEnumerate = "enumerate"
	eventCallback  = "callback"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type       string
	UID        string // set when event is device-specific (for filtering)
	FunctionID uint8
	HasFID     bool
	Data       interface{}
}

// apiEnumerateUpdate is the JSON payload for enumerate events.
type apiEnumerateUpdate struct {
	UID              string `json:"uid"`
	ConnectedUID     string `json:"connected_uid"`
	Position         string `json:"position"`
	DeviceIdentifier uint16 `json:"device_identifier"`
	EnumerationType  string `json:"enumeration_type"`
}

// apiCallbackUpdate is the JSON payload for callback events.
type apiCallbackUpdate struct {
	UID        string `json:"uid"`
	FunctionID uint8  `json:"function_id"`
	Payload    []byte `json:"payload"`
	Timestamp  string `json:"timestamp"`
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					tflog.Warnf("api", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		tflog.Warnf("api", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	close(h.done)
}

// handleSSE serves the /events endpoint: a live callback stream for one
// device function when both uid and function_id query params are
// supplied. Nothing publishes enumerate frames into the hub, so without
// both params the client receives only the connected event and
// keepalives (plus callback events other clients' streams forward).
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	uidFilter := r.URL.Query().Get("uid")
	var fidFilter uint8
	hasFIDFilter := false
	if raw := r.URL.Query().Get("function_id"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n <= 255 {
			fidFilter = uint8(n)
			hasFIDFilter = true
		}
	}

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &apiSSEClient{id: clientID, events: make(chan sseEvent, 64)}

	h.hub.register <- client

	var stopCallback func()
	if uidFilter != "" && hasFIDFilter {
		stopCallback = h.streamDeviceCallback(uidFilter, fidFilter)
	}

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			h.hub.unregister <- client
			if stopCallback != nil {
				stopCallback()
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if uidFilter != "" && event.UID != "" && event.UID != uidFilter {
				continue
			}
			if hasFIDFilter && event.HasFID && event.FunctionID != fidFilter {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// streamDeviceCallback opens a raw connection.CallbackStream for uid/fid
// and forwards every frame into the hub, returning a function that stops
// the forwarding goroutine.
func (h *handlers) streamDeviceCallback(uidStr string, functionID uint8) func() {
	dev, err := newDeviceHandle(uidStr, h.conn)
	if err != nil {
		return func() {}
	}
	stream := dev.CallbackStream(functionID)
	go func() {
		for {
			p, ok := stream.Next()
			if !ok {
				return
			}
			h.hub.Broadcast(sseEvent{
				Type:       eventCallback,
				UID:        uidStr,
				FunctionID: functionID,
				HasFID:     true,
				Data: apiCallbackUpdate{
					UID:        uidStr,
					FunctionID: functionID,
					Payload:    p.Body,
					Timestamp:  time.Now().UTC().Format(time.RFC3339),
				},
			})
		}
	}()
	return stream.Close
}
