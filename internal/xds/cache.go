package xds

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Cache is the single-writer snapshot store the local proxy watches.
// SetSnapshot is the only mutation; watchers observe versions monotonically
// increasing. Byte-identical snapshots are dropped before publication.
type Cache struct {
	mu       sync.Mutex
	current  *Snapshot
	encoded  []byte
	watchers map[int]chan *Snapshot
	nextID   int
	logger   *zap.Logger
}

func NewCache(logger *zap.Logger) *Cache {
	return &Cache{
		watchers: make(map[int]chan *Snapshot),
		logger:   logger,
	}
}

// SetSnapshot publishes a snapshot to all watchers. Returns false when the
// snapshot is byte-identical to the current one and was dropped.
func (c *Cache) SetSnapshot(snap *Snapshot) (bool, error) {
	encoded, err := snap.Encode()
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoded != nil && bytes.Equal(c.encoded, encoded) {
		return false, nil
	}
	c.current = snap
	c.encoded = encoded

	for id, ch := range c.watchers {
		select {
		case ch <- snap:
		default:
			// Slow watcher: replace its pending snapshot, latest wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
			c.logger.Debug("snapshot watcher lagging", zap.Int("watcher", id))
		}
	}
	return true, nil
}

// Current returns the latest published snapshot, or nil.
func (c *Cache) Current() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Watch registers a watcher. The returned cancel func must be called to
// release it. A watcher holding an undelivered snapshot only ever holds the
// latest one.
func (c *Cache) Watch() (<-chan *Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	ch := make(chan *Snapshot, 1)
	if c.current != nil {
		ch <- c.current
	}
	c.watchers[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// FeedHandler streams gzip-framed snapshots to a proxy-side subscriber over
// WebSocket. Each published snapshot is one binary message.
func (c *Cache) FeedHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("snapshot feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, cancel := c.Watch()
	defer cancel()

	// Drain inbound control frames so pings and close are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case snap := <-ch:
			payload, err := compressSnapshot(snap)
			if err != nil {
				c.logger.Error("snapshot compression failed", zap.Error(err))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debug("snapshot feed write failed", zap.Error(err))
				return
			}
		}
	}
}

func compressSnapshot(snap *Snapshot) ([]byte, error) {
	encoded, err := snap.Encode()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(encoded); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
