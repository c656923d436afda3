// Package memstore is an in-process credential store. It backs STORE_DRIVER=memory
// for local runs and the service and handler tests. A single mutex makes every
// operation atomic.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
)

type state struct {
	mu    sync.Mutex
	clock func() time.Time

	accounts   map[string]model.Account
	challenges []model.OtpChallenge
	devices    map[string]model.Device
	preKeys    map[string][]model.PreKey
	refresh    []model.RefreshToken
	audit      []model.AuditEvent
}

// Store exposes the repository views over one shared state.
type Store struct {
	s *state
}

// New creates an empty store using time.Now as its clock.
func New() *Store {
	return &Store{s: &state{
		clock:    time.Now,
		accounts: make(map[string]model.Account),
		devices:  make(map[string]model.Device),
		preKeys:  make(map[string][]model.PreKey),
	}}
}

// SetClock replaces the clock used for expiry checks.
func (st *Store) SetClock(clock func() time.Time) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.clock = clock
}

// Repos returns the repository set backed by this store.
func (st *Store) Repos() repo.Repos {
	return repo.Repos{
		Accounts: accounts{st.s},
		Otps:     otps{st.s},
		Devices:  devices{st.s},
		Keys:     keys{st.s},
		Refresh:  refreshTokens{st.s},
		Audit:    audit{st.s},
	}
}

// AuditEvents returns a copy of the recorded audit events.
func (st *Store) AuditEvents() []model.AuditEvent {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return append([]model.AuditEvent(nil), st.s.audit...)
}

// Challenges returns a copy of every OTP challenge for phone, oldest first.
func (st *Store) Challenges(phone string) []model.OtpChallenge {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var out []model.OtpChallenge
	for _, c := range st.s.challenges {
		if c.PhoneNumber == phone {
			out = append(out, c)
		}
	}
	return out
}

// PreKeys returns a copy of a device's pre-key pool including consumed keys.
func (st *Store) PreKeys(deviceID string) []model.PreKey {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return append([]model.PreKey(nil), st.s.preKeys[deviceID]...)
}

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, repo.ErrNotFound)
}

type accounts struct{ s *state }

func (r accounts) GetByID(_ context.Context, id string) (model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return model.Account{}, notFound("account")
	}
	return a, nil
}

func (r accounts) Create(_ context.Context, account model.Account) (model.Account, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.accounts[account.ID]; ok {
		return existing, false, nil
	}
	now := r.s.clock()
	account.CreatedAt, account.UpdatedAt = now, now
	r.s.accounts[account.ID] = account
	return account, true, nil
}

func (r accounts) SetOnline(_ context.Context, id string, online bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return notFound("account")
	}
	a.Online = online
	a.UpdatedAt = r.s.clock()
	r.s.accounts[id] = a
	return nil
}

func (r accounts) UpdateProfile(_ context.Context, id string, username, avatar *string) (model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return model.Account{}, notFound("account")
	}
	if username != nil {
		a.Username = *username
	}
	if avatar != nil {
		if *avatar == "" {
			a.Avatar = nil
		} else {
			v := *avatar
			a.Avatar = &v
		}
	}
	a.UpdatedAt = r.s.clock()
	r.s.accounts[id] = a
	return a, nil
}

type otps struct{ s *state }

func (r otps) active(c model.OtpChallenge, now time.Time) bool {
	return c.VerifiedAt == nil && c.ExpiresAt.After(now)
}

func (r otps) Create(_ context.Context, c model.OtpChallenge, maxActive int) (model.OtpChallenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock()
	n := 0
	for _, existing := range r.s.challenges {
		if existing.PhoneNumber == c.PhoneNumber && r.active(existing, now) {
			n++
		}
	}
	if n >= maxActive {
		return model.OtpChallenge{}, repo.ErrTooManyActive
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Attempts = 0
	c.CreatedAt = now
	r.s.challenges = append(r.s.challenges, c)
	return c, nil
}

func (r otps) LatestActive(_ context.Context, phone string) (model.OtpChallenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock()
	// Appended in creation order; scanning backwards yields the latest first.
	for i := len(r.s.challenges) - 1; i >= 0; i-- {
		c := r.s.challenges[i]
		if c.PhoneNumber == phone && r.active(c, now) {
			return c, nil
		}
	}
	return model.OtpChallenge{}, notFound("active challenge")
}

func (r otps) find(id uuid.UUID) int {
	for i := range r.s.challenges {
		if r.s.challenges[i].ID == id {
			return i
		}
	}
	return -1
}

func (r otps) ForceExpire(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if i := r.find(id); i >= 0 {
		now := r.s.clock()
		if r.s.challenges[i].ExpiresAt.After(now) {
			r.s.challenges[i].ExpiresAt = now
		}
	}
	return nil
}

func (r otps) RecordFailedAttempt(_ context.Context, id uuid.UUID, maxAttempts int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock()
	i := r.find(id)
	if i < 0 || !r.active(r.s.challenges[i], now) || r.s.challenges[i].Attempts >= maxAttempts {
		return 0, notFound("eligible challenge")
	}
	c := &r.s.challenges[i]
	c.Attempts++
	if c.Attempts >= maxAttempts {
		c.ExpiresAt = now
	}
	return c.Attempts, nil
}

func (r otps) MarkVerified(_ context.Context, id uuid.UUID, maxAttempts int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock()
	i := r.find(id)
	if i < 0 || !r.active(r.s.challenges[i], now) || r.s.challenges[i].Attempts >= maxAttempts {
		return notFound("eligible challenge")
	}
	r.s.challenges[i].VerifiedAt = &now
	return nil
}

type devices struct{ s *state }

func (r devices) Upsert(_ context.Context, d model.Device) (model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock()
	d.LastActiveAt = now
	if existing, ok := r.s.devices[d.DeviceID]; ok {
		d.CreatedAt = existing.CreatedAt
		if existing.AccountID == d.AccountID {
			d.Bundle = existing.Bundle
		} else {
			d.Bundle = nil
			delete(r.s.preKeys, d.DeviceID)
		}
	} else {
		d.CreatedAt = now
		d.Bundle = nil
	}
	r.s.devices[d.DeviceID] = d
	return d, nil
}

func (r devices) Get(_ context.Context, deviceID string) (model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[deviceID]
	if !ok {
		return model.Device{}, notFound("device")
	}
	return d, nil
}

func (r devices) ListByAccount(_ context.Context, accountID string) ([]model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Device
	for _, d := range r.s.devices {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r devices) Delete(_ context.Context, accountID, deviceID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[deviceID]
	if !ok || d.AccountID != accountID {
		return false, nil
	}
	delete(r.s.devices, deviceID)
	delete(r.s.preKeys, deviceID)
	return true, nil
}

type keys struct{ s *state }

func (r keys) ReplaceBundle(_ context.Context, accountID, deviceID string, bundle model.KeyBundle, preKeys []model.PreKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[deviceID]
	if !ok || d.AccountID != accountID {
		return notFound("owned device")
	}
	seen := make(map[int64]struct{}, len(preKeys))
	pool := make([]model.PreKey, 0, len(preKeys))
	for _, k := range preKeys {
		if _, dup := seen[k.KeyID]; dup {
			return repo.ErrDuplicateKeyID
		}
		seen[k.KeyID] = struct{}{}
		pool = append(pool, model.PreKey{KeyID: k.KeyID, PublicKey: k.PublicKey})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].KeyID < pool[j].KeyID })
	b := bundle
	d.Bundle = &b
	r.s.devices[deviceID] = d
	r.s.preKeys[deviceID] = pool
	return nil
}

func (r keys) ClaimPreKey(_ context.Context, deviceID string) (*model.PreKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pool := r.s.preKeys[deviceID]
	for i := range pool {
		if pool[i].ConsumedAt == nil {
			now := r.s.clock()
			pool[i].ConsumedAt = &now
			k := pool[i]
			return &k, nil
		}
	}
	return nil, nil
}

func (r keys) CountAvailable(_ context.Context, deviceID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, k := range r.s.preKeys[deviceID] {
		if k.ConsumedAt == nil {
			n++
		}
	}
	return n, nil
}

type refreshTokens struct{ s *state }

func (r refreshTokens) Create(_ context.Context, t model.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = r.s.clock()
	r.s.refresh = append(r.s.refresh, t)
	return nil
}

func (r refreshTokens) FindActive(_ context.Context, tokenHash, deviceID string) (model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock()
	for _, t := range r.s.refresh {
		if t.TokenHash == tokenHash && t.DeviceID == deviceID && !t.Revoked && t.ExpiresAt.After(now) {
			return t, nil
		}
	}
	return model.RefreshToken{}, notFound("refresh token")
}

func (r refreshTokens) RevokeDevice(_ context.Context, deviceID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.refresh {
		if r.s.refresh[i].DeviceID == deviceID {
			r.s.refresh[i].Revoked = true
		}
	}
	return nil
}

func (r refreshTokens) RevokeAccountDevice(_ context.Context, accountID, deviceID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.refresh {
		if r.s.refresh[i].AccountID == accountID && r.s.refresh[i].DeviceID == deviceID {
			r.s.refresh[i].Revoked = true
		}
	}
	return nil
}

type audit struct{ s *state }

func (r audit) Insert(_ context.Context, e model.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.s.clock()
	}
	r.s.audit = append(r.s.audit, e)
	return nil
}
