package pubsub

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-conductor/conductor/log"
	"github.com/google/uuid"
)

// Delimiter separates topic segments, e.g. "order.OrderCreated"
const Delimiter = "."

// Envelope wraps a payload published on the bus
type Envelope struct {
	UID        string      `json:"uid"`
	Topic      string      `json:"topic"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurred_at"`
}

type Handler func(ev Envelope)

// Bus delivers envelopes to subscribers within the process. Delivery is
// at-most-once and synchronous with Publish; publishers that must not block
// dispatch in their own goroutine. A panicking subscriber never takes
// the publisher down.
type Bus interface {
	Publish(topic string, payload interface{})
	// Subscribe registers h for exactly one topic
	Subscribe(topic string, h Handler) Bus
	// SubscribeFamily registers h for prefix itself and every topic under "prefix."
	SubscribeFamily(prefix string, h Handler) Bus
	// SubscribeAll registers h for every published envelope
	SubscribeAll(h Handler) Bus
}

func NewBus(logger log.Logger) Bus {
	return &bus{
		logger:   logger,
		topics:   make(map[string][]Handler),
		families: make(map[string][]Handler),
	}
}

type bus struct {
	mutex    sync.RWMutex
	logger   log.Logger
	topics   map[string][]Handler
	families map[string][]Handler
	catchAll []Handler
}

func (b *bus) Publish(topic string, payload interface{}) {
	ev := Envelope{
		UID:        uuid.New().String(),
		Topic:      topic,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}

	for _, h := range b.match(topic) {
		b.deliver(h, ev)
	}
}

func (b *bus) match(topic string) []Handler {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	handlersMap := make(map[uintptr]Handler)

	for _, h := range b.topics[topic] {
		handlersMap[reflect.ValueOf(h).Pointer()] = h
	}

	for prefix, handlers := range b.families {
		if topic != prefix && !strings.HasPrefix(topic, prefix+Delimiter) {
			continue
		}
		for _, h := range handlers {
			handlersMap[reflect.ValueOf(h).Pointer()] = h
		}
	}

	for _, h := range b.catchAll {
		handlersMap[reflect.ValueOf(h).Pointer()] = h
	}

	res := make([]Handler, 0, len(handlersMap))
	for _, h := range handlersMap {
		res = append(res, h)
	}

	return res
}

func (b *bus) deliver(h Handler, ev Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Logf(log.ErrorLevel, "recovered from panic in subscriber of topic %s: %v", ev.Topic, r)
		}
	}()

	h(ev)
}

func (b *bus) Subscribe(topic string, h Handler) Bus {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if containsHandler(b.topics[topic], h) {
		return b
	}

	b.topics[topic] = append(b.topics[topic], h)
	return b
}

func (b *bus) SubscribeFamily(prefix string, h Handler) Bus {
	if strings.HasSuffix(prefix, Delimiter) {
		panic(fmt.Sprintf("family prefix %q must not end with the delimiter", prefix))
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if containsHandler(b.families[prefix], h) {
		return b
	}

	b.families[prefix] = append(b.families[prefix], h)
	return b
}

func (b *bus) SubscribeAll(h Handler) Bus {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if containsHandler(b.catchAll, h) {
		return b
	}

	b.catchAll = append(b.catchAll, h)
	return b
}

//check if this handler was already registered. because it's a function - need to take value and then ptr of it.
func containsHandler(handlers []Handler, h Handler) bool {
	hPtr := reflect.ValueOf(h).Pointer()

	for _, registered := range handlers {
		if reflect.ValueOf(registered).Pointer() == hPtr {
			return true
		}
	}

	return false
}
