package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"docrelay/internal/domain"
	"docrelay/internal/push"
	"docrelay/internal/trace"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerWS mounts the add-in listener endpoint. One connection is
// one group member; outbound payloads fan out through the hub and
// inbound acks are logged for correlation only.
func registerWS(router chi.Router, cfg Config) {
	if cfg.Hub == nil {
		return
	}
	router.Get("/ws/addin", func(w http.ResponseWriter, r *http.Request) {
		email := r.URL.Query().Get("email")
		if email == "" {
			http.Error(w, "email is required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := push.NewClient(push.GroupForEmail(email))
		cfg.Hub.Register <- client

		go writePump(conn, client)
		go readPump(conn, client, cfg)
	})
}

func writePump(conn *websocket.Conn, client *push.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readPump(conn *websocket.Conn, client *push.Client, cfg Config) {
	defer func() {
		cfg.Hub.Unregister <- client
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var ack domain.Ack
		if err := conn.ReadJSON(&ack); err != nil {
			return
		}
		if ack.JobID == "" {
			continue
		}
		recordAck(cfg, client.Group, ack)
	}
}

// recordAck logs the ack as an event. Acks never mutate job state;
// only the explicit completion call does. Logging failures degrade
// silently.
func recordAck(cfg Config, group string, ack domain.Ack) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	traceID := ack.TraceID
	if traceID == "" && cfg.Router.Trace != nil {
		if tc, ok := cfg.Router.Trace.(*trace.Cache); ok {
			if v, err := tc.Get(ctx, ack.JobID); err == nil {
				traceID = v
			}
		}
	}
	err := cfg.Engine.Events.Record(ctx, "push.ack", "push", ack.JobID, group, map[string]any{
		"appliedOps":     ack.AppliedOps,
		"anchorFound":    ack.AnchorFound,
		"selectionMoved": ack.SelectionMoved,
		"traceId":        traceID,
	})
	if err != nil {
		log.Printf("ack log failed for job %s: %v", ack.JobID, err)
	}
}
