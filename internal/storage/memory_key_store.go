package storage

import (
	"sync"
)

// InMemoryKeyStore provides thread-safe in-memory storage for API keys.
//
// Keys are operator-provisioned at startup (seeded from the environment by
// the API server), so a process-local store is the whole persistence story:
// there is no runtime key-management surface.
type InMemoryKeyStore struct {
	// keys maps key strings to Key structs for fast lookup
	keys map[string]*Key
	// keysByID maps key IDs to Key structs for ID-based operations
	keysByID map[string]*Key
	// keysByOwner maps owners to slices of Key structs for owner filtering
	keysByOwner map[string][]*Key
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:        make(map[string]*Key),
		keysByID:    make(map[string]*Key),
		keysByOwner: make(map[string][]*Key),
	}
}

// FindByKey retrieves an API key by its key value.
func (s *InMemoryKeyStore) FindByKey(key string) (*Key, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	// Return a copy to prevent external modification
	keyCopy := *apiKey

	return &keyCopy, true
}

// Add stores a new API key.
func (s *InMemoryKeyStore) Add(apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key already exists by ID or key string
	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	// Create a copy to prevent external modification
	keyCopy := *apiKey

	// Store in all maps
	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	// Add to owner map
	s.keysByOwner[keyCopy.Owner] = append(s.keysByOwner[keyCopy.Owner], &keyCopy)

	return nil
}

// Update modifies an existing API key.
func (s *InMemoryKeyStore) Update(apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key exists
	existingKey, exists := s.keysByID[apiKey.ID]
	if !exists {
		return ErrKeyNotFound
	}

	// Remove from owner map (old owner)
	s.removeFromOwnerMap(existingKey.Owner, existingKey.ID)

	// Remove from key string map if key changed
	if existingKey.Key != apiKey.Key {
		delete(s.keys, existingKey.Key)
	}

	// Create a copy to prevent external modification
	keyCopy := *apiKey

	// Update all maps
	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	// Add to owner map (new owner)
	s.keysByOwner[keyCopy.Owner] = append(s.keysByOwner[keyCopy.Owner], &keyCopy)

	return nil
}

// Delete removes an API key.
func (s *InMemoryKeyStore) Delete(keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key exists
	existingKey, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	// Remove from all maps
	delete(s.keys, existingKey.Key)
	delete(s.keysByID, keyID)

	// Remove from owner map
	s.removeFromOwnerMap(existingKey.Owner, keyID)

	return nil
}

// ListByOwner returns all API keys for a specific owner.
func (s *InMemoryKeyStore) ListByOwner(owner string) ([]*Key, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys, exists := s.keysByOwner[owner]
	if !exists {
		return []*Key{}, nil // Return empty slice for non-existent owners
	}

	// Return copies to prevent external modification
	result := make([]*Key, len(keys))
	for i, key := range keys {
		keyCopy := *key
		result[i] = &keyCopy
	}

	return result, nil
}

// removeFromOwnerMap removes a key from the owner map by key ID.
// Caller must hold write lock.
func (s *InMemoryKeyStore) removeFromOwnerMap(owner, keyID string) {
	keys := s.keysByOwner[owner]
	for i, key := range keys {
		if key.ID == keyID {
			// Remove element at index i
			s.keysByOwner[owner] = append(keys[:i], keys[i+1:]...)

			break
		}
	}

	// Clean up empty owner entries
	if len(s.keysByOwner[owner]) == 0 {
		delete(s.keysByOwner, owner)
	}
}
