package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/baccarat/pkg/model"
	"github.com/NicolasHaas/baccarat/pkg/protocol"
	pb "github.com/NicolasHaas/baccarat/pkg/protocol/pb"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// client is one websocket connection. Only writePump writes to ws; every
// other goroutine goes through Send or finish.
type client struct {
	id     model.ConnID
	ws     *websocket.Conn
	remote string
	log    *slog.Logger

	send  chan *pb.Envelope
	final chan *pb.Envelope // last envelope before close, takes priority over send
	done  chan struct{}

	finishOnce sync.Once
	stopOnce   sync.Once

	timerMu  sync.Mutex
	gameData *time.Timer
}

func newClient(id model.ConnID, ws *websocket.Conn, remote string, log *slog.Logger, buffer int) *client {
	if buffer <= 0 {
		buffer = 1
	}
	return &client{
		id:     id,
		ws:     ws,
		remote: remote,
		log:    log,
		send:   make(chan *pb.Envelope, buffer),
		final:  make(chan *pb.Envelope, 1),
		done:   make(chan struct{}),
	}
}

// Send queues env without blocking. It returns false when the queue is
// full or the connection is closing.
func (c *client) Send(env *pb.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// finish queues env as the last message of this connection. Only the first
// call has an effect.
func (c *client) finish(env *pb.Envelope) bool {
	queued := false
	c.finishOnce.Do(func() {
		c.final <- env
		queued = true
	})
	return queued
}

// stop tells writePump to flush any final envelope and close the socket.
func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.timerMu.Lock()
		if c.gameData != nil {
			c.gameData.Stop()
		}
		c.timerMu.Unlock()
	})
}

func (c *client) scheduleGameData(d time.Duration, fn func()) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	if c.gameData != nil {
		c.gameData.Stop()
	}
	c.gameData = time.AfterFunc(d, fn)
}

func (c *client) write(env *pb.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		c.log.Error("encode failed", "err", err)
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *client) writeFinal(env *pb.Envelope) {
	if err := c.write(env); err != nil {
		c.log.Debug("final write failed", "err", err)
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// writePump drains the queues onto the socket and pings the peer.
// It owns closing ws.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env := <-c.final:
			c.writeFinal(env)
			return
		default:
		}

		select {
		case env := <-c.final:
			c.writeFinal(env)
			return
		case env := <-c.send:
			if err := c.write(env); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			select {
			case env := <-c.final:
				c.writeFinal(env)
			default:
			}
			return
		}
	}
}

// hub maps connection IDs to live clients and implements the fan-out sink
// used by presence and chat.
type hub struct {
	metrics *Metrics
	mu      sync.RWMutex
	clients map[model.ConnID]*client
}

func newHub(m *Metrics) *hub {
	return &hub{metrics: m, clients: make(map[model.ConnID]*client)}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(id model.ConnID) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *hub) get(id model.ConnID) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Send implements presence.Sink and chat.Sink.
func (h *hub) Send(id model.ConnID, env *pb.Envelope) bool {
	c, ok := h.get(id)
	if !ok {
		return false
	}
	if !c.Send(env) {
		h.metrics.SlowConsumerDrops.Add(1)
		return false
	}
	return true
}

// forceLogout delivers a forced_logout to id and closes it afterwards.
// A connection receives at most one.
func (h *hub) forceLogout(n model.ForcedLogoutNotice) bool {
	c, ok := h.get(n.ConnID)
	if !ok {
		return false
	}
	if !c.finish(&pb.Envelope{ForcedLogout: &pb.ForcedLogout{Message: n.Reason}}) {
		return false
	}
	h.metrics.ForcedLogouts.Add(1)
	c.log.Info("forced logout", "reason", n.Reason)
	return true
}

func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.stop()
	}
}
