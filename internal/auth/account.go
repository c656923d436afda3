package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/audit"
	"github.com/signalix/identity/internal/broadcast"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/validation"
)

// DeviceView is a device as shown to its own account.
type DeviceView struct {
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	LastIP       *string   `json:"last_ip"`
	LastActiveAt time.Time `json:"last_active_at"`
	HasKeys      bool      `json:"has_keys"`
	IsCurrent    bool      `json:"is_current"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProfileUpdate changes the caller's profile. Nil fields are left unchanged; an
// empty avatar clears it.
type ProfileUpdate struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=50"`
	Avatar   *string `json:"avatar" validate:"omitempty,max=2048"`
}

// LinkSignal is forwarded to the device displaying LinkCode.
type LinkSignal struct {
	LinkCode string          `json:"link_code" validate:"required,alphanum,min=4,max=64"`
	Type     string          `json:"type" validate:"required,max=32"`
	Data     json.RawMessage `json:"data" validate:"required"`
}

// WithBroadcaster enables device linking signals.
func (s *Service) WithBroadcaster(b broadcast.Broadcaster) *Service {
	s.broadcaster = b
	return s
}

// Me returns the caller's account.
func (s *Service) Me(ctx context.Context, accountID string) (*AccountView, error) {
	a, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.NotFound("account not found")
	}
	if err != nil {
		return nil, apperr.Store("load account", err)
	}
	return NewAccountView(a), nil
}

// UpdateProfile applies a profile change to the caller's account.
func (s *Service) UpdateProfile(ctx context.Context, meta RequestMeta, accountID, deviceID string, upd ProfileUpdate) (*AccountView, error) {
	if err := validation.Struct(upd); err != nil {
		return nil, err
	}
	if upd.Username == nil && upd.Avatar == nil {
		return nil, apperr.Validation("nothing to update", nil)
	}

	a, err := s.accounts.UpdateProfile(ctx, accountID, upd.Username, upd.Avatar)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.NotFound("account not found")
	}
	if err != nil {
		return nil, apperr.Store("update profile", err)
	}

	changed := []string{}
	if upd.Username != nil {
		changed = append(changed, "username")
	}
	if upd.Avatar != nil {
		changed = append(changed, "avatar")
	}
	s.record(ctx, meta, accountID, deviceID, audit.ProfileUpdated, map[string]any{"fields": changed})
	return NewAccountView(a), nil
}

// ListDevices returns the caller's devices, oldest first.
func (s *Service) ListDevices(ctx context.Context, accountID, currentDeviceID string) ([]DeviceView, error) {
	devices, err := s.devices.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, apperr.Store("list devices", err)
	}
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, DeviceView{
			DeviceID:     d.DeviceID,
			DeviceName:   d.DeviceName,
			LastIP:       d.LastIP,
			LastActiveAt: d.LastActiveAt,
			HasKeys:      d.HasBundle(),
			IsCurrent:    d.DeviceID == currentDeviceID,
			CreatedAt:    d.CreatedAt,
		})
	}
	return views, nil
}

// SendLinkSignal publishes a linking handshake message for a new device.
func (s *Service) SendLinkSignal(ctx context.Context, meta RequestMeta, accountID, deviceID string, sig LinkSignal) error {
	if err := validation.Struct(sig); err != nil {
		return err
	}
	if s.broadcaster == nil {
		return apperr.Internal("send link signal", errors.New("no broadcaster configured"))
	}

	err := s.broadcaster.Publish(ctx, broadcast.LinkEvent{
		LinkCode: sig.LinkCode,
		Type:     sig.Type,
		Data:     sig.Data,
		SentAt:   s.now().UTC(),
	})
	if err != nil {
		return apperr.Transient("publish link signal", err)
	}
	s.record(ctx, meta, accountID, deviceID, audit.LinkSignalSent, map[string]any{"type": sig.Type})
	return nil
}
