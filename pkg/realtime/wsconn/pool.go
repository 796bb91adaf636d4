package wsconn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	conn wsConn
	send chan []byte
}

// Pool owns the write side of every server websocket. Each connection has its
// own send queue drained by one writer goroutine, so a slow peer never stalls
// the others: when its queue is full it is dropped.
type Pool struct {
	mu      sync.Mutex
	clients map[wsConn]*poolClient
	logger  zerolog.Logger

	sendBuffer   int
	writeTimeout time.Duration
}

func NewPool(sendBuffer int, writeTimeout time.Duration, logger zerolog.Logger) *Pool {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Pool{
		clients:      map[wsConn]*poolClient{},
		logger:       logger,
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
	}
}

func (p *Pool) Add(conn wsConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[conn]; ok {
		return
	}
	c := &poolClient{conn: conn, send: make(chan []byte, p.sendBuffer)}
	p.clients[conn] = c
	go p.writer(c)
}

// Remove closes conn once the frames already queued for it are written.
func (p *Pool) Remove(conn wsConn) {
	p.mu.Lock()
	c, ok := p.clients[conn]
	if ok {
		delete(p.clients, conn)
		close(c.send)
	}
	p.mu.Unlock()
	if !ok && conn != nil {
		_ = conn.Close()
	}
}

// SendToOne queues data for conn. It reports false when conn is unknown or was
// dropped for being too slow.
func (p *Pool) SendToOne(conn wsConn, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[conn]
	if !ok {
		return false
	}
	return p.enqueueLocked(c, data)
}

func (p *Pool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		p.enqueueLocked(c, data)
	}
}

func (p *Pool) enqueueLocked(c *poolClient, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		p.logger.Warn().Int("buffer", p.sendBuffer).Msg("ws send queue full, dropping connection")
		delete(p.clients, c.conn)
		close(c.send)
		// unblocks a writer stuck on the slow peer
		_ = c.conn.Close()
		return false
	}
}

func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *Pool) IsEmpty() bool {
	return p.Count() == 0
}

// CloseAll flushes and closes every connection.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	for conn, c := range p.clients {
		delete(p.clients, conn)
		close(c.send)
	}
	p.mu.Unlock()
}

func (p *Pool) writer(c *poolClient) {
	defer func() { _ = c.conn.Close() }()
	for data := range c.send {
		if p.writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.logger.Debug().Err(err).Msg("ws write failed, dropping connection")
			p.mu.Lock()
			if cur, ok := p.clients[c.conn]; ok && cur == c {
				delete(p.clients, c.conn)
				close(c.send)
			}
			p.mu.Unlock()
			// discard what was queued behind the failed write
			for range c.send {
			}
			return
		}
	}
}
