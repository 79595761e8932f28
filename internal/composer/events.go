package composer

import (
	"sync"
	"time"

	"github.com/loqalabs/fingerspell/internal/protocol"
	"github.com/loqalabs/fingerspell/internal/speech"
)

// Kind classifies an Event.
type Kind string

const (
	KindSymbol          Kind = "symbol"
	KindEdit            Kind = "edit"
	KindAcknowledgement Kind = "ack-expired"
	KindIngestion       Kind = "ingestion"
	KindSpeech          Kind = "speech"
)

// Edit actions carried by KindEdit events.
const (
	ActionClear           = protocol.ActionClear
	ActionDelete          = protocol.ActionDelete
	ActionDeleteSelection = protocol.ActionDeleteSelection
	ActionSpace           = protocol.ActionSpace
	ActionInsert          = protocol.ActionInsert
	ActionSelect          = protocol.ActionSelect
	ActionEdit            = protocol.ActionEdit
)

// Event reports one state change together with the snapshot it produced.
type Event struct {
	Kind      Kind              `json:"kind"`
	Action    string            `json:"action,omitempty"`
	Symbol    string            `json:"symbol,omitempty"`
	Utterance *speech.Utterance `json:"utterance,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Error     string            `json:"error,omitempty"`
	Snapshot  Snapshot          `json:"snapshot"`
	At        time.Time         `json:"at"`
}

const subscriberBuffer = 32

type subscribers struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Event
	closed bool
}

func (s *subscribers) init() {
	s.subs = make(map[int]chan Event)
}

func (s *subscribers) add() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// broadcast never blocks: a full queue drops its oldest event.
func (s *subscribers) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		for sent := false; !sent; {
			select {
			case ch <- ev:
				sent = true
			default:
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.closed = true
}
