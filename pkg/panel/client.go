// Copyright (C) 2026  goels authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package panel

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsReadLimit    = 64 * 1024
)

// wsClient is one connected panel. Outbound frames go through sendCh so
// the push loop never blocks on a slow panel.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	closed sync.Once
}

// wsFrame is the envelope for every outbound websocket message.
type wsFrame struct {
	Type    string        `json:"type"`
	Status  *StatusReport `json:"status,omitempty"`
	Command string        `json:"command,omitempty"`
	OK      bool          `json:"ok,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade")
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 16),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.Info("panel client %d connected from %s", c.id, r.RemoteAddr)

	go c.writePump()

	rep := s.report()
	c.send(wsFrame{Type: "status", Status: &rep})

	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.logger.Info("panel client %d disconnected", c.id)
}

// pushLoop broadcasts the machine status to every client at the
// configured interval.
func (s *Server) pushLoop() {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for s.running.Load() {
		<-ticker.C

		s.clientMu.RLock()
		n := len(s.clients)
		s.clientMu.RUnlock()
		if n == 0 {
			continue
		}

		rep := s.report()
		frame := wsFrame{Type: "status", Status: &rep}

		s.clientMu.RLock()
		for _, c := range s.clients {
			c.send(frame)
		}
		s.clientMu.RUnlock()
	}
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		// Slow panel: drop the frame, the next push supersedes it.
	}
}

func (c *wsClient) close() {
	c.closed.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.WithError(err).Warn("panel client %d read", c.id)
			}
			return
		}
		c.handleCommand(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleCommand runs an inbound command frame and answers with a result
// frame followed by a fresh status push.
func (c *wsClient) handleCommand(data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.send(wsFrame{Type: "result", Error: "malformed command"})
		return
	}

	if err := c.server.dispatch(cmd); err != nil {
		c.send(wsFrame{Type: "result", Command: cmd.Name, Error: err.Error()})
		return
	}

	rep := c.server.report()
	c.send(wsFrame{Type: "result", Command: cmd.Name, OK: true})
	c.send(wsFrame{Type: "status", Status: &rep})
}
