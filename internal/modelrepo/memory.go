package modelrepo

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
)

// memoryStore is a process-local Store, following the same plain
// mutex-and-map shape as namespace.Manager rather than reaching for
// go-memdb: the model set is small (operators author schema changes by
// hand, not in the hot path) and is never queried by anything but exact ID
// lookup and a full newest-first scan, so a dedicated indexed table buys
// nothing here.
type memoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Model
	order  []string // modelIDs in insertion order, oldest first
	active string   // modelID of the active model, "" if none
}

// NewMemoryStore returns an empty in-process Store, used by the memory
// datastore engine and by tests.
func NewMemoryStore() Store {
	return &memoryStore{byID: make(map[string]*Model)}
}

func (s *memoryStore) Insert(ctx context.Context, m *Model, activate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.byID[m.ModelID] = &cp
	s.order = append(s.order, m.ModelID)

	if activate {
		if s.active != "" {
			if prev, ok := s.byID[s.active]; ok {
				deactivated := *prev
				deactivated.IsActive = false
				s.byID[s.active] = &deactivated
			}
		}
		cp.IsActive = true
		s.byID[m.ModelID] = &cp
		s.active = m.ModelID
	}
	return nil
}

func (s *memoryStore) SetActive(ctx context.Context, modelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.byID[modelID]
	if !ok {
		return false, nil
	}

	if s.active != "" && s.active != modelID {
		if prev, ok := s.byID[s.active]; ok {
			deactivated := *prev
			deactivated.IsActive = false
			s.byID[s.active] = &deactivated
		}
	}

	activated := *target
	activated.IsActive = true
	s.byID[modelID] = &activated
	s.active = modelID
	return true, nil
}

func (s *memoryStore) Get(ctx context.Context, modelID string) (*Model, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[modelID]
	if !ok {
		return nil, false, nil
	}
	cp := *m
	return &cp, true, nil
}

func (s *memoryStore) GetByVersion(ctx context.Context, versionID string) (*Model, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byID {
		if m.VersionID == versionID {
			cp := *m
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *memoryStore) GetActive(ctx context.Context) (*Model, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return nil, false, nil
	}
	m := s.byID[s.active]
	cp := *m
	return &cp, true, nil
}

func (s *memoryStore) List(ctx context.Context, pageSize int, pageToken string) ([]*Model, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest first: walk insertion order in reverse.
	newestFirst := make([]string, len(s.order))
	for i, id := range s.order {
		newestFirst[len(s.order)-1-i] = id
	}

	start := 0
	if pageToken != "" {
		decoded, err := decodePageToken(pageToken)
		if err != nil {
			return nil, "", err
		}
		for i, id := range newestFirst {
			if id == decoded {
				start = i + 1
				break
			}
		}
	}

	if pageSize <= 0 {
		pageSize = len(newestFirst)
	}

	var page []*Model
	var next string
	for i := start; i < len(newestFirst) && len(page) < pageSize; i++ {
		m := s.byID[newestFirst[i]]
		cp := *m
		page = append(page, &cp)
		if len(page) == pageSize && i+1 < len(newestFirst) {
			next = encodePageToken(newestFirst[i])
		}
	}
	return page, next, nil
}

func encodePageToken(lastSeenID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastSeenID))
}

func decodePageToken(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid page token: %w", err)
	}
	return string(b), nil
}
