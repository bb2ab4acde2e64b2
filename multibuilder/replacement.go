package multibuilder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultReplacementTTL bounds how long a replacement uuid can be cancelled after submission.
var DefaultReplacementTTL = 10 * time.Minute

// ReplacementIndex remembers which builders accepted a bundle with a given replacement uuid.
type ReplacementIndex interface {
	Record(ctx context.Context, replacementUUID string, builderIDs []string) error
	Builders(ctx context.Context, replacementUUID string) ([]string, error)
}

// SubmissionRecorder persists the outcome of every Submit call.
type SubmissionRecorder interface {
	RecordSubmission(ctx context.Context, bundle *StandardBundle, result *MultiBuilderSubmissionResult) error
}

type MemoryReplacementIndex struct {
	mu    sync.Mutex
	cache *cache.Cache
	ttl   time.Duration
}

func NewMemoryReplacementIndex(ttl time.Duration) *MemoryReplacementIndex {
	if ttl <= 0 {
		ttl = DefaultReplacementTTL
	}
	return &MemoryReplacementIndex{
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (m *MemoryReplacementIndex) Record(_ context.Context, replacementUUID string, builderIDs []string) error {
	if replacementUUID == "" {
		return ErrNoReplacementUUID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[string]struct{})
	if v, ok := m.cache.Get(replacementUUID); ok {
		for id := range v.(map[string]struct{}) {
			set[id] = struct{}{}
		}
	}
	for _, id := range builderIDs {
		set[id] = struct{}{}
	}
	m.cache.Set(replacementUUID, set, m.ttl)
	return nil
}

func (m *MemoryReplacementIndex) Builders(_ context.Context, replacementUUID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(replacementUUID)
	if !ok {
		return nil, nil
	}
	set := v.(map[string]struct{})
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
