package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"whatsgonow/pkg/domain"
)

// MemoryStore keeps accounts and upload sessions in-process. Used by tests
// and single-node dev setups.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User    // user ID -> user
	email    map[string]string         // normalized email -> user ID
	profiles map[string]domain.Profile // user ID -> profile
	order    []string                  // user IDs in creation order
	uploads  map[string]domain.UploadSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		profiles: make(map[string]domain.Profile),
		uploads:  make(map[string]domain.UploadSession),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, u domain.User, p domain.Profile) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeEmail(u.Email)
	if _, taken := m.email[key]; taken {
		return domain.Profile{}, ErrEmailTaken
	}
	if len(m.users) == 0 {
		p.Role = domain.RoleAdmin
	}
	u.Email = key
	p.Email = key
	m.users[u.ID] = u
	m.email[key] = u.ID
	m.profiles[u.ID] = p
	m.order = append(m.order, u.ID)
	return p, nil
}

func (m *MemoryStore) UserByEmail(_ context.Context, email string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[normalizeEmail(email)]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *MemoryStore) UserByID(_ context.Context, id string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) SetUserStatus(_ context.Context, id string, status domain.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

func (m *MemoryStore) ProfileByUserID(_ context.Context, userID string) (domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return domain.Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, userID string, upd ProfileUpdate) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return domain.Profile{}, ErrNotFound
	}
	applyProfileUpdate(&p, upd, time.Now().UTC())
	m.profiles[userID] = p
	return p, nil
}

func (m *MemoryStore) ListProfiles(_ context.Context) ([]domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Profile, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.profiles[id])
	}
	return out, nil
}

func (m *MemoryStore) CreateUploadSession(_ context.Context, us domain.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.uploads[us.SessionID]; exists {
		return ErrDuplicateSession
	}
	us.UploadedFiles = append([]string{}, us.UploadedFiles...)
	m.uploads[us.SessionID] = us
	return nil
}

func (m *MemoryStore) UploadSession(_ context.Context, id string) (domain.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	us, ok := m.uploads[id]
	if !ok {
		return domain.UploadSession{}, ErrNotFound
	}
	us.UploadedFiles = slices.Clone(us.UploadedFiles)
	return us, nil
}

func (m *MemoryStore) AppendUploadedFile(_ context.Context, id, key string, now time.Time) (domain.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.uploads[id]
	if !ok {
		return domain.UploadSession{}, ErrNotFound
	}
	if err := checkWritable(us, now); err != nil {
		return domain.UploadSession{}, err
	}
	us.UploadedFiles = append(slices.Clone(us.UploadedFiles), key)
	m.uploads[id] = us
	us.UploadedFiles = slices.Clone(us.UploadedFiles)
	return us, nil
}

func (m *MemoryStore) CompleteUploadSession(_ context.Context, id string, now time.Time) (domain.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.uploads[id]
	if !ok {
		return domain.UploadSession{}, ErrNotFound
	}
	if err := checkWritable(us, now); err != nil {
		return domain.UploadSession{}, err
	}
	us.Completed = true
	m.uploads[id] = us
	us.UploadedFiles = slices.Clone(us.UploadedFiles)
	return us, nil
}
