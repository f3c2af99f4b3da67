package logstream

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Line is one probe log message.
type Line struct {
	Time    time.Time `json:"time"`
	Target  string    `json:"target"`
	Message string    `json:"message"`
}

// Bus fans probe log lines out to live subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Line
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Line)}
}

// Subscribe registers a buffered channel. The returned func removes it and
// closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Line, func()) {
	ch := make(chan Line, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers line to every subscriber with room in its buffer.
func (b *Bus) Publish(line Line) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber; drop.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Logf returns a printf-style logger for target that writes through the
// standard logger and publishes the formatted message on the bus.
func (b *Bus) Logf(target string) func(format string, args ...any) {
	return func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Print(msg)
		b.Publish(Line{Time: time.Now().UTC(), Target: target, Message: msg})
	}
}
