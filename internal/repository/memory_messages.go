package repository

import (
	"context"
	"sort"
	"sync"

	"minichat/internal/domain"
)

// MemoryMessages is a process-local message store for development and the
// memory backend. It honours the same uniqueness rule as MessageStore.
type MemoryMessages struct {
	mu       sync.RWMutex
	byConv   map[int64][]domain.MessageRecord
	external map[string]struct{}
}

// NewMemoryMessages creates an empty in-process message store.
func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		byConv:   make(map[int64][]domain.MessageRecord),
		external: make(map[string]struct{}),
	}
}

func (m *MemoryMessages) Save(_ context.Context, rec domain.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ExternalMessageID != "" {
		key := externalPK(rec.Platform, rec.ExternalMessageID)
		if _, ok := m.external[key]; ok {
			return ErrDuplicate
		}
		m.external[key] = struct{}{}
	}
	recs := append(m.byConv[rec.ConversationID], rec)
	sort.SliceStable(recs, func(i, j int) bool {
		return msgSK(recs[i].CreatedAt, recs[i].ID) < msgSK(recs[j].CreatedAt, recs[j].ID)
	})
	m.byConv[rec.ConversationID] = recs
	return nil
}

func (m *MemoryMessages) ExistsByExternalID(_ context.Context, externalID, platform string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.external[externalPK(platform, externalID)]
	return ok, nil
}

func (m *MemoryMessages) ListByConversation(_ context.Context, conversationID int64, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.byConv[conversationID]
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]domain.MessageRecord, len(recs))
	copy(out, recs)
	return out, nil
}
