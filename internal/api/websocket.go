package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamable are the bus topics a websocket client may follow.
var streamable = []events.Event{
	events.EventInstantData,
	events.EventHistoricalData,
	events.EventOrderUpdate,
	events.EventTradeUpdate,
	events.EventStrategySignal,
	events.EventReconciled,
}

// wsMessage frames a bus payload for the client.
type wsMessage struct {
	Event events.Event `json:"event"`
	Data  any          `json:"data"`
}

// parseTopics reads ?events=a,b; empty means every streamable topic.
func parseTopics(raw string) []events.Event {
	if raw == "" {
		return streamable
	}
	var out []events.Event
	for _, name := range strings.Split(raw, ",") {
		for _, e := range streamable {
			if string(e) == strings.TrimSpace(name) {
				out = append(out, e)
			}
		}
	}
	return out
}

func (s *Server) websocket(c *gin.Context) {
	topics := parseTopics(c.Query("events"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.deps.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}
	if len(topics) == 0 {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"no known events requested"}`))
		return
	}

	out := make(chan wsMessage, 100)
	done := make(chan struct{})
	defer close(done)

	for _, e := range topics {
		stream, unsub := s.deps.Bus.Subscribe(e, 100)
		defer unsub()
		go func(e events.Event, stream <-chan any) {
			for payload := range stream {
				select {
				case out <- wsMessage{Event: e, Data: payload}:
				case <-done:
					return
				}
			}
		}(e, stream)
	}

	// the read loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}
}
