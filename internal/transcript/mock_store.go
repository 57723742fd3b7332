// ABOUTME: In-memory transcript Store for tests
// ABOUTME: Mirrors SQLiteStore ordering and duplicate detection without a database

package transcript

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	seq      int64
	ids      map[msgKey]struct{}
	messages map[string][]*Message // keyed by conversation ID

	// AppendErr, when set, is returned by every Append call.
	AppendErr error
}

type msgKey struct{ conversationID, id string }

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		ids:      make(map[msgKey]struct{}),
		messages: make(map[string][]*Message),
	}
}

func (m *MockStore) Append(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	key := msgKey{msg.ConversationID, msg.ID}
	if _, dup := m.ids[key]; dup {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateMessage, msg.ID, msg.ConversationID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.seq++
	msg.Seq = m.seq

	cp := *msg
	cp.Attachments = append([]string(nil), msg.Attachments...)
	cp.Metadata = maps.Clone(msg.Metadata)
	m.ids[key] = struct{}{}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

func (m *MockStore) History(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	if offset < 0 {
		offset = 0
	}
	if offset > len(all) {
		offset = len(all)
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*Message, 0, end-offset)
	for _, msg := range all[offset:end] {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) Close() error { return nil }

// Compile-time interface checks.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
