// Package keys distributes X3DH style key bundles. The registry only ever sees
// public key material.
package keys

import (
	"context"
	"errors"
	"time"

	"github.com/signalix/identity/internal/apperr"
	"github.com/signalix/identity/internal/audit"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/validation"
	"go.uber.org/zap"
)

// MaxOneTimePreKeys bounds a single upload. Keep in sync with the max tag below.
const MaxOneTimePreKeys = 500

// PreKeyUpload is one one-time pre-key in a bundle upload.
type PreKeyUpload struct {
	KeyID     int64  `json:"key_id" validate:"gte=0"`
	PublicKey string `json:"public_key" validate:"required,base64"`
}

// BundleUpload is the complete bundle a device publishes. The one-time pre-key
// list replaces the stored pool wholesale.
type BundleUpload struct {
	IdentityKey           string         `json:"identity_key" validate:"required,base64"`
	SignedPreKey          string         `json:"signed_pre_key" validate:"required,base64"`
	SignedPreKeySignature string         `json:"signature" validate:"required,base64"`
	SignedPreKeyID        int64          `json:"signed_pre_key_id" validate:"gte=0"`
	OneTimePreKeys        []PreKeyUpload `json:"one_time_pre_keys" validate:"max=500,unique=KeyID,dive"`
}

// OneTimePreKey is a claimed pre-key returned to a session initiator.
type OneTimePreKey struct {
	KeyID     int64  `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// DeviceBundle is what an initiator needs to start a session with one device.
type DeviceBundle struct {
	DeviceID              string         `json:"device_id"`
	IdentityKey           string         `json:"identity_key"`
	SignedPreKey          string         `json:"signed_pre_key"`
	SignedPreKeySignature string         `json:"signature"`
	SignedPreKeyID        int64          `json:"signed_pre_key_id"`
	OneTimePreKey         *OneTimePreKey `json:"one_time_pre_key"`
}

// Caller identifies the authenticated device making a registry call.
type Caller struct {
	AccountID string
	DeviceID  string
	IP        string
	UserAgent string
}

// Registry stores and serves device key bundles.
type Registry struct {
	devices repo.DeviceRepo
	keys    repo.KeyRepo
	audit   audit.Recorder
	logger  *zap.Logger
}

func NewRegistry(devices repo.DeviceRepo, keys repo.KeyRepo, recorder audit.Recorder, logger *zap.Logger) *Registry {
	return &Registry{devices: devices, keys: keys, audit: recorder, logger: logger}
}

// PublishBundle replaces the caller device's signed pre-key and its entire
// one-time pre-key pool.
func (r *Registry) PublishBundle(ctx context.Context, caller Caller, upload BundleUpload) error {
	if err := validation.Struct(upload); err != nil {
		return err
	}

	bundle := model.KeyBundle{
		IdentityKey:           upload.IdentityKey,
		SignedPreKey:          upload.SignedPreKey,
		SignedPreKeySignature: upload.SignedPreKeySignature,
		SignedPreKeyID:        upload.SignedPreKeyID,
	}
	preKeys := make([]model.PreKey, len(upload.OneTimePreKeys))
	for i, k := range upload.OneTimePreKeys {
		preKeys[i] = model.PreKey{KeyID: k.KeyID, PublicKey: k.PublicKey}
	}

	err := r.keys.ReplaceBundle(ctx, caller.AccountID, caller.DeviceID, bundle, preKeys)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return apperr.Unauthorized("device is not registered to this account", err)
	case errors.Is(err, repo.ErrDuplicateKeyID):
		return apperr.Validation("invalid request", map[string]string{"one_time_pre_keys": "must not contain duplicates"})
	case err != nil:
		return apperr.Store("replace bundle", err)
	}

	r.record(ctx, caller, audit.KeysUpdated, map[string]any{
		"signed_pre_key_id": upload.SignedPreKeyID,
		"one_time_pre_keys": len(preKeys),
	})
	r.logger.Info("key bundle published",
		zap.String("device_id", caller.DeviceID),
		zap.Int("one_time_pre_keys", len(preKeys)),
	)
	return nil
}

// FetchBundles returns one bundle per device of target that has published keys,
// claiming at most one unconsumed one-time pre-key for each. A claimed key is
// never served again.
func (r *Registry) FetchBundles(ctx context.Context, caller Caller, targetAccountID string) ([]DeviceBundle, error) {
	if targetAccountID == "" {
		return nil, apperr.Validation("invalid request", map[string]string{"target_account_id": "is required"})
	}

	devices, err := r.devices.ListByAccount(ctx, targetAccountID)
	if err != nil {
		return nil, apperr.Store("list devices", err)
	}

	bundles := make([]DeviceBundle, 0, len(devices))
	for _, d := range devices {
		if !d.HasBundle() {
			continue
		}
		b := DeviceBundle{
			DeviceID:              d.DeviceID,
			IdentityKey:           d.Bundle.IdentityKey,
			SignedPreKey:          d.Bundle.SignedPreKey,
			SignedPreKeySignature: d.Bundle.SignedPreKeySignature,
			SignedPreKeyID:        d.Bundle.SignedPreKeyID,
		}
		k, err := r.keys.ClaimPreKey(ctx, d.DeviceID)
		if err != nil {
			return nil, apperr.Store("claim pre-key", err)
		}
		if k != nil {
			b.OneTimePreKey = &OneTimePreKey{KeyID: k.KeyID, PublicKey: k.PublicKey}
			metrics.PreKeysClaimed.Inc()
		} else {
			metrics.BundlesWithoutPreKey.Inc()
		}
		bundles = append(bundles, b)
	}

	if len(bundles) == 0 {
		return nil, apperr.NotFound("no key bundles published for this account")
	}

	r.record(ctx, caller, audit.KeysFetched, map[string]any{
		"target_account_id": targetAccountID,
		"devices":           len(bundles),
	})
	return bundles, nil
}

// Count returns the number of unconsumed one-time pre-keys of the caller's device.
func (r *Registry) Count(ctx context.Context, caller Caller) (int, error) {
	n, err := r.keys.CountAvailable(ctx, caller.DeviceID)
	if err != nil {
		return 0, apperr.Store("count pre-keys", err)
	}
	return n, nil
}

func (r *Registry) record(ctx context.Context, caller Caller, event string, metadata map[string]any) {
	e := model.AuditEvent{
		AccountID: &caller.AccountID,
		DeviceID:  &caller.DeviceID,
		Event:     event,
		IPAddress: caller.IP,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if caller.UserAgent != "" {
		e.UserAgent = &caller.UserAgent
	}
	if err := r.audit.Record(ctx, e); err != nil {
		r.logger.Error("audit write failed", zap.String("event", event), zap.Error(err))
	}
}
