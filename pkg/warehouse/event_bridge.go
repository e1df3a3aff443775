package warehouse

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/realtime"
)

// BridgeHeartbeatInterval is how often idle consumers get a heartbeat line.
var BridgeHeartbeatInterval = 30 * time.Second

// eventBridge mirrors hub events to other processes over a Unix domain
// socket. It is one-way: daemon -> consumers.
//
// Protocol: newline delimited JSON, one realtime.Event per line, plus
//
//	{"type":"heartbeat","time":"RFC3339Nano"}
//
// Writes are best effort. A consumer that fails a write (or stalls past
// the write deadline) is dropped. There is no replay; consumers that need
// history query the archive.
type eventBridge struct {
	path      string
	ln        net.Listener
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	l         *log.Logger
}

func newEventBridge(path string) *eventBridge {
	return &eventBridge{
		path:   path,
		conns:  make(map[net.Conn]struct{}),
		stopCh: make(chan struct{}),
		l:      log.ForService("bridge"),
	}
}

// start listens on the socket path. A stale socket file is replaced; a
// socket with a live listener behind it is an error.
func (b *eventBridge) start() error {
	var err error
	b.startOnce.Do(func() {
		if b.path == "" {
			err = errors.New("event bridge path is empty")
			return
		}

		if st, statErr := os.Stat(b.path); statErr == nil && !st.IsDir() {
			if c, dialErr := net.DialTimeout("unix", b.path, 200*time.Millisecond); dialErr == nil {
				_ = c.Close()
				err = fmt.Errorf("event socket %s is in use by another process", b.path)
				return
			}
			_ = os.Remove(b.path)
		}

		ln, listenErr := net.Listen("unix", b.path)
		if listenErr != nil {
			err = fmt.Errorf("listen on unix socket %s: %w", b.path, listenErr)
			return
		}
		_ = os.Chmod(b.path, 0660)
		b.ln = ln

		b.wg.Add(2)
		go b.acceptLoop()
		go b.heartbeatLoop()
	})
	return err
}

func (b *eventBridge) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.l.Warnf("accept failed: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()
		b.l.Debugf("consumer connected (%d total)", b.size())

		go b.drain(conn)
	}
}

// drain discards inbound data and forgets the connection once it closes.
func (b *eventBridge) drain(c net.Conn) {
	sc := bufio.NewScanner(c)
	for sc.Scan() {
	}
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	_ = c.Close()
}

func (b *eventBridge) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(BridgeHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			_ = b.broadcast(map[string]any{
				"type": "heartbeat",
				"time": now.UTC().Format(time.RFC3339Nano),
			})
		}
	}
}

func (b *eventBridge) publish(ev realtime.Event) {
	if err := b.broadcast(ev); err != nil {
		b.l.Warnf("failed to encode %s event: %v", ev.Type, err)
	}
}

// broadcast writes v as one JSON line to every consumer.
func (b *eventBridge) broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, werr := c.Write(data); werr != nil {
			b.l.Debugf("dropping consumer: %v", werr)
			_ = c.Close()
			delete(b.conns, c)
			continue
		}
		_ = c.SetWriteDeadline(time.Time{})
	}
	return nil
}

func (b *eventBridge) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// stop closes the listener and every consumer and removes the socket file.
func (b *eventBridge) stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.ln != nil {
			_ = b.ln.Close()
		}

		b.mu.Lock()
		for c := range b.conns {
			_ = c.Close()
		}
		b.conns = make(map[net.Conn]struct{})
		b.mu.Unlock()

		b.wg.Wait()
		if b.ln != nil {
			_ = os.Remove(b.path)
		}
	})
}
