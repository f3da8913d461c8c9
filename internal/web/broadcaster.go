package web

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/StarGuide/internal/logic/guider"
)

// clientBuffer is the number of messages a slow client may lag behind before
// messages are dropped for it.
const clientBuffer = 64

// StatusEvent is a single message pushed to SSE and websocket clients. Log
// lines carry Msg, guider events carry Kind and Event.
type StatusEvent struct {
	Time  string          `json:"t"`
	Level string          `json:"l,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
}

// StatusBroadcaster fans log lines and guider events out to the connected
// status clients. It is a guider.Sink.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	dropped atomic.Int64
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup
// function, which may be called more than once.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many messages were skipped because a client was full.
func (b *StatusBroadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Log sends a log line: {"t":"...","l":"info","msg":"..."}.
func (b *StatusBroadcaster) Log(level, msg string) {
	b.send(StatusEvent{
		Time:  time.Now().Format(time.RFC3339Nano),
		Level: level,
		Msg:   msg,
	})
}

// Publish implements guider.Sink: the event is forwarded as
// {"t":"...","l":"event","kind":"...","event":{...}}.
func (b *StatusBroadcaster) Publish(e guider.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	t := e.Time
	if t.IsZero() {
		t = time.Now()
	}
	b.send(StatusEvent{
		Time:  t.Format(time.RFC3339Nano),
		Level: "event",
		Kind:  string(e.Kind),
		Event: data,
	})
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// LogWriter returns an io.Writer for debug.SetOutput. Each debug line is
// stripped of its prefix and timestamp and sent at the level of its tag.
func LogWriter(b *StatusBroadcaster) *logWriter {
	return &logWriter{b: b}
}

type logWriter struct {
	b *StatusBroadcaster
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		level, msg := parseLogLine(line)
		if msg != "" {
			w.b.Log(level, msg)
		}
	}
	return len(p), nil
}

var logTags = map[string]string{
	"[INFO]":    "info",
	"[LIVE]":    "live",
	"[VERBOSE]": "verbose",
	"[TRACE]":   "trace",
	"[GPIO]":    "trace",
	"[ERROR]":   "error",
}

// parseLogLine splits "[StarGuide] 2026/03/01 22:00:00.000000 [INFO] msg"
// into ("info", "msg"). Separator banners yield an empty message.
func parseLogLine(line string) (level, msg string) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "[StarGuide] "); ok {
		// date and time
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) == 3 {
			line = strings.TrimSpace(fields[2])
		}
	}
	if strings.Trim(line, "═━ ") == "" {
		return "", ""
	}
	level = "info"
	if strings.HasPrefix(line, "[") {
		if i := strings.Index(line, "]"); i > 0 {
			if l, ok := logTags[line[:i+1]]; ok {
				level = l
				line = strings.TrimSpace(line[i+1:])
			}
		}
	}
	return level, line
}
