// Package memory provides an in-memory implementation of the FlowStore
// contract. It is the reference implementation used by the test suite and
// is suitable for small, single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diracgrid/dirac-auth/storage"
)

var _ storage.Store = (*memStore)(nil)

type memStore struct {
	mu sync.Mutex

	deviceByUserCode   map[string]*storage.FlowRow
	deviceByDeviceCode map[string]*storage.FlowRow

	authCodeByUUID map[string]*storage.FlowRow
	authCodeByCode map[string]*storage.FlowRow

	logger logrus.FieldLogger
}

// New returns an in-memory FlowStore.
func New(logger logrus.FieldLogger) storage.Store {
	return &memStore{
		deviceByUserCode:   make(map[string]*storage.FlowRow),
		deviceByDeviceCode: make(map[string]*storage.FlowRow),
		authCodeByUUID:     make(map[string]*storage.FlowRow),
		authCodeByCode:     make(map[string]*storage.FlowRow),
		logger:             logger,
	}
}

func (s *memStore) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStore) Close() error { return nil }

func (s *memStore) InsertDevice(_ context.Context, clientID, scope, audience string) (string, string, error) {
	var userCode, deviceCode string
	s.tx(func() {
		for {
			userCode = storage.NewUserCode()
			if _, taken := s.deviceByUserCode[userCode]; !taken {
				break
			}
		}
		for {
			deviceCode = storage.NewDeviceCode()
			if _, taken := s.deviceByDeviceCode[deviceCode]; !taken {
				break
			}
		}
		row := &storage.FlowRow{
			Kind:       storage.Device,
			ClientID:   clientID,
			Scope:      scope,
			Audience:   audience,
			UserCode:   userCode,
			DeviceCode: deviceCode,
			Status:     storage.Pending,
			CreatedAt:  time.Now(),
		}
		s.deviceByUserCode[userCode] = row
		s.deviceByDeviceCode[deviceCode] = row
	})
	return userCode, deviceCode, nil
}

func (s *memStore) ValidateUserCode(_ context.Context, userCode string, ttl time.Duration) error {
	var err error
	s.tx(func() {
		row, ok := s.deviceByUserCode[userCode]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if time.Since(row.CreatedAt) > ttl {
			err = storage.ErrNotFound
			return
		}
	})
	return err
}

func (s *memStore) DeviceAttachIDToken(_ context.Context, userCode string, idToken map[string]string, ttl time.Duration) error {
	var err error
	s.tx(func() {
		row, ok := s.deviceByUserCode[userCode]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if time.Since(row.CreatedAt) > ttl {
			err = storage.ErrNotFound
			return
		}
		if row.Status != storage.Pending {
			err = storage.ErrWrongStatus
			return
		}
		row.IDToken = idToken
		row.Status = storage.Ready
	})
	return err
}

func (s *memStore) GetDevice(_ context.Context, deviceCode string, ttl time.Duration) (storage.FlowRow, error) {
	var row storage.FlowRow
	var err error
	s.tx(func() {
		r, ok := s.deviceByDeviceCode[deviceCode]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if time.Since(r.CreatedAt) > ttl {
			err = storage.ErrExpiredFlow
			return
		}
		if r.Status != storage.Ready {
			err = storage.ErrPendingAuthorization
			return
		}
		row = *r
		// Exactly-once consumption: remove both indexes now that a caller
		// has successfully observed Ready.
		delete(s.deviceByDeviceCode, deviceCode)
		delete(s.deviceByUserCode, r.UserCode)
	})
	return row, err
}

func (s *memStore) InsertAuthCode(_ context.Context, clientID, scope, audience, codeChallenge, codeChallengeMethod, redirectURI string) (string, error) {
	var uuid string
	s.tx(func() {
		for {
			uuid = storage.NewUUID()
			if _, taken := s.authCodeByUUID[uuid]; !taken {
				break
			}
		}
		row := &storage.FlowRow{
			Kind:                storage.AuthCode,
			ClientID:            clientID,
			Scope:               scope,
			Audience:            audience,
			UUID:                uuid,
			RedirectURI:         redirectURI,
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: codeChallengeMethod,
			Status:              storage.Pending,
			CreatedAt:           time.Now(),
		}
		s.authCodeByUUID[uuid] = row
	})
	return uuid, nil
}

func (s *memStore) AuthCodeAttachIDToken(_ context.Context, uuid string, idToken map[string]string, ttl time.Duration) (string, string, error) {
	var code, redirectURI string
	var err error
	s.tx(func() {
		row, ok := s.authCodeByUUID[uuid]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if time.Since(row.CreatedAt) > ttl {
			err = storage.ErrNotFound
			return
		}
		if row.Status != storage.Pending {
			err = storage.ErrWrongStatus
			return
		}
		row.IDToken = idToken
		row.Status = storage.Ready
		row.Code = storage.NewCode()
		s.authCodeByCode[row.Code] = row
		code = row.Code
		redirectURI = row.RedirectURI
	})
	return code, redirectURI, err
}

func (s *memStore) GetAuthCode(_ context.Context, code string, ttl time.Duration) (storage.FlowRow, error) {
	var row storage.FlowRow
	var err error
	s.tx(func() {
		r, ok := s.authCodeByCode[code]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if time.Since(r.CreatedAt) > ttl {
			err = storage.ErrExpiredFlow
			return
		}
		if r.Status != storage.Ready {
			err = storage.ErrPendingAuthorization
			return
		}
		row = *r
		delete(s.authCodeByCode, code)
		delete(s.authCodeByUUID, r.UUID)
	})
	return row, err
}

func (s *memStore) GarbageCollect(_ context.Context, now time.Time, ttlByKind map[storage.Kind]time.Duration) (storage.GCResult, error) {
	var result storage.GCResult
	s.tx(func() {
		deviceTTL := ttlByKind[storage.Device]
		for code, row := range s.deviceByDeviceCode {
			if now.Sub(row.CreatedAt) > deviceTTL {
				delete(s.deviceByDeviceCode, code)
				delete(s.deviceByUserCode, row.UserCode)
				result.Device++
			}
		}
		authCodeTTL := ttlByKind[storage.AuthCode]
		for uuid, row := range s.authCodeByUUID {
			if now.Sub(row.CreatedAt) > authCodeTTL {
				delete(s.authCodeByUUID, uuid)
				if row.Code != "" {
					delete(s.authCodeByCode, row.Code)
				}
				result.AuthCode++
			}
		}
	})
	if s.logger != nil && !result.IsEmpty() {
		s.logger.WithField("device", result.Device).WithField("auth_code", result.AuthCode).Debug("garbage collected expired flow rows")
	}
	return result, nil
}
