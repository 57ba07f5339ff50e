// Package store holds the ordered message list for each visible conversation.
// It is an in-memory, last-writer-wins keyed store; durable history is out of
// scope and handled by the NATS audit stream.
package store

import (
	"sync"

	"github.com/docuquery/answer-gateway/internal/model"
)

// watchBuffer bounds a watcher channel. A slow watcher misses intermediate
// snapshots; the latest entry is always observable via Get/List.
const watchBuffer = 64

// MessageStore keeps per-conversation ordered message lists. Exactly one
// writer touches a given assistant entry while its query is in flight, so
// last-writer-wins per id is sufficient.
type MessageStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversationLog
}

type conversationLog struct {
	order       []string
	byID        map[string]model.Message
	watchers    map[int]chan model.Message
	nextWatcher int
}

// New creates an empty message store.
func New() *MessageStore {
	return &MessageStore{
		conversations: make(map[string]*conversationLog),
	}
}

func (s *MessageStore) log(conversationID string) *conversationLog {
	cl, ok := s.conversations[conversationID]
	if !ok {
		cl = &conversationLog{
			byID:     make(map[string]model.Message),
			watchers: make(map[int]chan model.Message),
		}
		s.conversations[conversationID] = cl
	}
	return cl
}

// Get returns the message with the given id, if present.
func (s *MessageStore) Get(conversationID, messageID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cl, ok := s.conversations[conversationID]
	if !ok {
		return model.Message{}, false
	}
	msg, ok := cl.byID[messageID]
	return msg, ok
}

// Append adds messages to the end of the conversation, in the given order.
func (s *MessageStore) Append(conversationID string, msgs ...model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl := s.log(conversationID)
	for _, msg := range msgs {
		if _, exists := cl.byID[msg.ID]; !exists {
			cl.order = append(cl.order, msg.ID)
		}
		cl.byID[msg.ID] = msg
		cl.notify(msg)
	}
}

// Upsert writes a message by id, appending it if new. Last writer wins.
func (s *MessageStore) Upsert(conversationID string, msg model.Message) {
	s.Append(conversationID, msg)
}

// Remove deletes a message. Removal does not disturb the order of the
// remaining entries.
func (s *MessageStore) Remove(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	if _, exists := cl.byID[messageID]; !exists {
		return
	}

	delete(cl.byID, messageID)
	for i, id := range cl.order {
		if id == messageID {
			cl.order = append(cl.order[:i], cl.order[i+1:]...)
			break
		}
	}
}

// List returns the conversation's messages in insertion order.
func (s *MessageStore) List(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cl, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}

	msgs := make([]model.Message, 0, len(cl.order))
	for _, id := range cl.order {
		msgs = append(msgs, cl.byID[id])
	}
	return msgs
}

// Clear discards all messages and watchers for a conversation.
func (s *MessageStore) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	for _, ch := range cl.watchers {
		close(ch)
	}
	delete(s.conversations, conversationID)
}

// Watch returns a channel of message updates for a conversation and a cancel
// function that must be called when the caller loses interest.
func (s *MessageStore) Watch(conversationID string) (<-chan model.Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl := s.log(conversationID)
	id := cl.nextWatcher
	cl.nextWatcher++

	ch := make(chan model.Message, watchBuffer)
	cl.watchers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cl, ok := s.conversations[conversationID]; ok {
			if got, ok := cl.watchers[id]; ok && got == ch {
				delete(cl.watchers, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// notify fans an update out to watchers without blocking the writer. Callers
// must hold the store lock.
func (cl *conversationLog) notify(msg model.Message) {
	for _, ch := range cl.watchers {
		select {
		case ch <- msg:
		default:
		}
	}
}
