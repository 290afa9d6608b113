package database

import (
	"sync"
	"time"
)

// MemoryStore is the in-process credential and audit store used by tests and
// database-less deployments. Unlike DBStore it keeps nothing across restarts.
type MemoryStore struct {
	mu        sync.Mutex
	passwords map[string]string
	logins    map[int64]string
	uploads   []UploadRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		passwords: make(map[string]string),
		logins:    make(map[int64]string),
	}
}

func (ms *MemoryStore) Authenticate(username, password string) LoginStatus {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	existing, ok := ms.passwords[username]
	if !ok {
		ms.passwords[username] = password
		return AddedNewUser
	}
	if existing != password {
		return WrongPassword
	}
	return LoggedInSuccessfully
}

func (ms *MemoryStore) RecordLogin(connectionID int64, username string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.logins[connectionID] = username
	return nil
}

func (ms *MemoryStore) RecordLogout(connectionID int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.logins, connectionID)
	return nil
}

func (ms *MemoryStore) LookupUser(connectionID int64) (string, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	username, ok := ms.logins[connectionID]
	return username, ok
}

func (ms *MemoryStore) TrackUpload(username, filename, channel string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.uploads = append(ms.uploads, UploadRecord{
		Username:   username,
		Filename:   filename,
		Channel:    channel,
		UploadedAt: time.Now(),
	})
	return nil
}

// Uploads returns a copy of the tracked upload records.
func (ms *MemoryStore) Uploads() []UploadRecord {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]UploadRecord, len(ms.uploads))
	copy(out, ms.uploads)
	return out
}
