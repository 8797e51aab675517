// Package bus implements the filesystem pub/sub layer described in
// SPEC_FULL.md §4.2: one file per published message under a shared
// directory, fanned out to local subscribers and, via an fsnotify watch
// plus polling fallback, to subscribers in sibling processes. There is no
// durable queue — a message published while nobody is subscribed is lost,
// matching spec.md §4.2's explicit non-goal.
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"hostfleet/internal/logging"
)

// messageRetention bounds how long a delivered message file (and its entry
// in Bus.seen) is kept around before sweep reclaims it. Messages are
// fire-and-forget per spec.md §4.2, so nothing needs them once every live
// subscriber has had a chance to see them; without a sweep both the message
// directory and the in-memory seen map grow without bound for the life of a
// long-running manager process.
const messageRetention = 10 * time.Minute

// sweepEvery is the cadence of the retention sweep.
const sweepEvery = time.Minute

// Message is the on-disk wire format: one JSON file per publish.
type Message struct {
	Topic       string          `json:"topic"`
	PublishedAt time.Time       `json:"publishedAt"`
	Publisher   int             `json:"publisher"`
	Body        json.RawMessage `json:"body"`
}

// Handler processes one delivered message. Handlers run sequentially per
// Subscription, in the order scan picks their files up (file names sort by
// publish time), on a dedicated goroutine.
type Handler func(Message)

// Subscription represents one live topic-pattern watch. Call Stop to
// unregister it.
type Subscription struct {
	bus     *Bus
	id      uint64
	pattern string
}

// Stop unregisters the subscription. Safe to call more than once.
func (s *Subscription) Stop() {
	s.bus.unsubscribe(s.id)
}

// Bus is a directory-backed publish/subscribe channel. One Bus instance
// watches one directory; multiple Bus instances (in the same or different
// processes) pointed at the same directory share a message space.
type Bus struct {
	dir string
	log *logging.Logger

	mu        sync.Mutex
	nextID    uint64
	subs      map[uint64]*subState
	seen      map[string]bool // message filenames already delivered by this Bus
	watcher   *fsnotify.Watcher
	pollEvery time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type subState struct {
	pattern []string // pattern split on '.', possibly ending in "#"
	handler Handler
	queue   chan Message
	stop    chan struct{}
}

// New constructs a Bus rooted at dir, creating it if necessary, and starts
// its background watch/poll loop.
func New(dir string, log *logging.Logger) (*Bus, error) {
	if dir == "" {
		return nil, fmt.Errorf("bus directory must be specified")
	}
	if log == nil {
		log = logging.NewTestLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bus dir: %w", err)
	}
	b := &Bus{
		dir:       dir,
		log:       log,
		subs:      make(map[uint64]*subState),
		seen:      make(map[string]bool),
		pollEvery: time.Second,
		stopCh:    make(chan struct{}),
	}
	// Seed `seen` with whatever already exists so a fresh subscriber never
	// replays history — messages are delivered only from the moment a Bus
	// starts watching, per the no-durable-queue contract.
	if names, err := b.entries(); err == nil {
		for _, n := range names {
			b.seen[n] = true
		}
	}
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(dir); err == nil {
			b.watcher = w
		} else {
			_ = w.Close()
		}
	}
	go b.loop()
	return b, nil
}

// Close stops the watch/poll loop and releases the watcher.
func (b *Bus) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	if b.watcher != nil {
		return b.watcher.Close()
	}
	return nil
}

// Publish writes body under topic as a new message file.
func (b *Bus) Publish(topic string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal message body: %w", err)
	}
	msg := Message{
		Topic:       topic,
		PublishedAt: time.Now().UTC(),
		Publisher:   os.Getpid(),
		Body:        raw,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UTC().UnixNano(), uuid.NewString()[:8])
	final := filepath.Join(b.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish message: %w", err)
	}
	b.log.Debug("published message", logging.String("topic", topic), logging.String("file", name))
	return nil
}

// Subscribe registers handler to run for every message whose topic matches
// pattern. A trailing "#" segment matches any remainder, per spec.md §4.2
// (e.g. "downloadManager.#" matches "downloadManager.progress.csgo").
// handler runs on a dedicated goroutine, one message at a time, in the
// order messages are observed.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	st := &subState{
		pattern: strings.Split(pattern, "."),
		handler: handler,
		queue:   make(chan Message, 256),
		stop:    make(chan struct{}),
	}
	b.subs[id] = st
	b.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-st.queue:
				st.handler(msg)
			case <-st.stop:
				return
			}
		}
	}()

	return &Subscription{bus: b, id: id, pattern: pattern}
}

// unsubscribe removes the subscription and signals its delivery goroutine
// to stop. It closes st.stop, never st.queue: deliver snapshots matching
// subscriptions under b.mu and sends to st.queue after releasing the lock,
// so a concurrent unsubscribe closing that same channel could race a send
// against a close and panic.
func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	st, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(st.stop)
	}
}

// StopWatching is an alias for Close kept for call-site readability at
// shutdown paths that aren't otherwise touching the Bus.
func (b *Bus) StopWatching() error {
	return b.Close()
}

func matchTopic(pattern []string, topic string) bool {
	segs := strings.Split(topic, ".")
	for i, p := range pattern {
		if p == "#" {
			return true
		}
		if i >= len(segs) || segs[i] != p {
			return false
		}
	}
	return len(segs) == len(pattern)
}

func (b *Bus) entries() ([]string, error) {
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// loop drives delivery: an fsnotify fast path plus a steady poll fallback,
// mirroring the lock package's WaitClear approach so the bus degrades
// gracefully on filesystems without inotify support.
func (b *Bus) loop() {
	ticker := time.NewTicker(b.pollEvery)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	var events chan fsnotify.Event
	if b.watcher != nil {
		events = b.watcher.Events
	}

	for {
		select {
		case <-b.stopCh:
			return
		case <-events:
			b.scan()
		case <-ticker.C:
			b.scan()
		case <-sweepTicker.C:
			b.sweep()
		}
	}
}

// sweep removes message files older than messageRetention and evicts their
// entries from b.seen, so a long-running Bus doesn't accumulate an
// unbounded backlog of delivered-message files and seen-map entries.
func (b *Bus) sweep() {
	names, err := b.entries()
	if err != nil {
		b.log.Debug("bus sweep failed", logging.Error(err))
		return
	}
	cutoff := time.Now().Add(-messageRetention)
	for _, name := range names {
		path := filepath.Join(b.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue // removed by a concurrent sweep or publisher cleanup
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			b.log.Debug("bus sweep: remove stale message", logging.String("file", name), logging.Error(err))
			continue
		}
		b.mu.Lock()
		delete(b.seen, name)
		b.mu.Unlock()
	}
}

// scan picks up any new message files and delivers them to matching
// subscribers, then marks them seen so they are never redelivered.
func (b *Bus) scan() {
	names, err := b.entries()
	if err != nil {
		b.log.Debug("bus scan failed", logging.Error(err))
		return
	}
	for _, name := range names {
		b.mu.Lock()
		if b.seen[name] {
			b.mu.Unlock()
			continue
		}
		b.seen[name] = true
		b.mu.Unlock()

		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			continue // file may have been removed between listing and read
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Warn("dropping unparsable bus message", logging.String("file", name), logging.Error(err))
			continue
		}
		b.deliver(msg)
	}
}

func (b *Bus) deliver(msg Message) {
	b.mu.Lock()
	targets := make([]*subState, 0, len(b.subs))
	for _, st := range b.subs {
		if matchTopic(st.pattern, msg.Topic) {
			targets = append(targets, st)
		}
	}
	b.mu.Unlock()

	for _, st := range targets {
		select {
		case st.queue <- msg:
		default:
			b.log.Warn("subscriber queue full, dropping message", logging.String("topic", msg.Topic))
		}
	}
}

// Decode unmarshals msg.Body into v.
func Decode(msg Message, v any) error {
	return json.Unmarshal(msg.Body, v)
}
