package memory

import (
	"sync"
	"sync/atomic"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

// Index publishes stores through an atomic pointer. Readers never lock and
// keep whatever store they loaded for as long as they hold it.
type Index struct {
	current atomic.Pointer[Store]

	// mu serializes publishers so versions are handed out only to stores
	// that actually went live, in publish order.
	mu      sync.Mutex
	version uint64
}

func NewIndex() *Index {
	return &Index{}
}

func (i *Index) Snapshot() ports.Snapshot {
	s := i.current.Load()
	if s == nil {
		return nil
	}
	return s
}

// Current returns the concrete active store, or nil before the first publish.
func (i *Index) Current() *Store {
	return i.current.Load()
}

func (i *Index) Publish(corpus *domain.Corpus) (domain.StoreInfo, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	store, err := NewStore(corpus, i.version+1)
	if err != nil {
		return domain.StoreInfo{}, err
	}
	i.version++
	i.current.Store(store)
	return store.Info(), nil
}
