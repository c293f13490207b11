package extract

import (
	"context"
	"crypto/sha256"
	"sync"
)

// Memo remembers the last successful result per document so a retry, or a
// later backend built on the same source, does not call the source again.
// It holds at most size documents and evicts the oldest first.
type Memo struct {
	source Backend
	size   int

	mu    sync.Mutex
	order []memoKey
	items map[memoKey]Result
}

type memoKey struct {
	itemID string
	sum    [sha256.Size]byte
}

func NewMemo(source Backend, size int) *Memo {
	if size <= 0 {
		size = 1
	}
	return &Memo{source: source, size: size, items: map[memoKey]Result{}}
}

func (m *Memo) Name() string { return m.source.Name() }

func (m *Memo) Extract(ctx context.Context, doc Document) (Result, error) {
	key := memoKey{itemID: doc.ItemID, sum: sha256.Sum256(append([]byte(doc.StorageURI+"\x00"), doc.Bytes...))}

	m.mu.Lock()
	res, ok := m.items[key]
	m.mu.Unlock()
	if ok {
		return res, nil
	}

	res, err := m.source.Extract(ctx, doc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		m.order = append(m.order, key)
		for len(m.order) > m.size {
			delete(m.items, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.items[key] = res
	return res, nil
}
