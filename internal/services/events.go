package services

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"agentflow/pkg/utils"
)

// Run lifecycle event types pushed to websocket clients.
const (
	EventRunStarted    = "run.started"
	EventRunCompleted  = "run.completed"
	EventRunError      = "run.error"
	EventItemProcessed = "item.processed"
)

type RunEvent struct {
	Type         string      `json:"type"`
	AutomationID string      `json:"automation_id"`
	RunID        string      `json:"run_id"`
	Data         interface{} `json:"data,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan RunEvent
}

// EventHub broadcasts run lifecycle events to connected UI clients.
type EventHub struct {
	clients    map[string]*eventClient
	broadcast  chan RunEvent
	register   chan *eventClient
	unregister chan *eventClient
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewEventHub(logger *logrus.Logger) *EventHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventHub{
		clients:    make(map[string]*eventClient),
		broadcast:  make(chan RunEvent, 64),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		logger:     logger,
	}
}

func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.Debugf("events: client %s connected", client.id)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- event:
				default:
					// slow consumer, drop it
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Broadcast queues an event for all clients; it never blocks a run.
func (h *EventHub) Broadcast(eventType, automationID, runID string, data interface{}) {
	event := RunEvent{
		Type:         eventType,
		AutomationID: automationID,
		RunID:        runID,
		Data:         data,
		Timestamp:    time.Now(),
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("events: broadcast buffer full, dropping event")
	}
}

// HandleWS upgrades the connection and streams events until the client goes away.
func (h *EventHub) HandleWS(c *gin.Context) {
	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("events: upgrade failed: %v", err)
		return
	}

	client := &eventClient{
		id:   utils.GenerateID(),
		conn: conn,
		send: make(chan RunEvent, 16),
	}
	h.register <- client

	go func() {
		defer func() {
			h.unregister <- client
			conn.Close()
		}()
		for event := range client.send {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}()

	// drain reads to notice disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- client
				return
			}
		}
	}()
}
