// Package storage defines the FlowStore contract: persistence and
// transitions for device and authorization-code flow rows.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a flow row does not exist, or exists but
	// is not visible in the state the caller requested (see GetDevice/GetAuthCode).
	ErrNotFound = errors.New("not found")

	// ErrPendingAuthorization is returned by GetDevice/GetAuthCode when the
	// row exists, is unexpired, but the upstream IdP callback has not yet
	// attached an id_token.
	ErrPendingAuthorization = errors.New("authorization pending")

	// ErrExpiredFlow is returned when a row's TTL has elapsed.
	ErrExpiredFlow = errors.New("flow expired")

	// ErrWrongStatus is returned when an AttachIDToken call targets a row
	// that is not Pending (e.g. already Ready, already consumed).
	ErrWrongStatus = errors.New("flow row in unexpected status")
)

// Kind distinguishes the two flow shapes that share the FlowRow lifecycle.
type Kind int

const (
	Device Kind = iota
	AuthCode
)

func (k Kind) String() string {
	if k == Device {
		return "device"
	}
	return "auth_code"
}

// Status is the lifecycle stage of a FlowRow. Expired is derived from
// created_at + TTL and is never persisted.
type Status int

const (
	Pending Status = iota
	Ready
)

func (s Status) String() string {
	if s == Pending {
		return "pending"
	}
	return "ready"
}

// FlowRow is the persisted record backing one in-progress device or
// auth-code grant. Exactly one of the Device-only / AuthCode-only field
// groups is populated, selected by Kind.
type FlowRow struct {
	Kind Kind

	ClientID string
	Scope    string
	Audience string

	// Device-only.
	UserCode   string
	DeviceCode string

	// AuthCode-only.
	UUID                string
	Code                string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string

	Status    Status
	IDToken   map[string]string
	CreatedAt time.Time
}

// Store is the FlowStore contract (component C4). Every method may suspend
// for I/O and every method is a single atomic transaction; implementations
// must provide exactly-once consumption semantics for GetDevice/GetAuthCode.
type Store interface {
	Close() error

	InsertDevice(ctx context.Context, clientID, scope, audience string) (userCode, deviceCode string, err error)
	ValidateUserCode(ctx context.Context, userCode string, ttl time.Duration) error
	DeviceAttachIDToken(ctx context.Context, userCode string, idToken map[string]string, ttl time.Duration) error
	// GetDevice returns the row if Ready, consuming it atomically.
	// Returns ErrPendingAuthorization if still Pending, ErrExpiredFlow if
	// past TTL, ErrNotFound otherwise (including re-consumption attempts).
	GetDevice(ctx context.Context, deviceCode string, ttl time.Duration) (FlowRow, error)

	InsertAuthCode(ctx context.Context, clientID, scope, audience, codeChallenge, codeChallengeMethod, redirectURI string) (uuid string, err error)
	AuthCodeAttachIDToken(ctx context.Context, uuid string, idToken map[string]string, ttl time.Duration) (code, redirectURI string, err error)
	// GetAuthCode returns the row if Ready, consuming it atomically.
	// Same error semantics as GetDevice.
	GetAuthCode(ctx context.Context, code string, ttl time.Duration) (FlowRow, error)

	// GarbageCollect removes rows whose TTL has elapsed. ttlByKind supplies
	// the per-kind TTL since the store has no opinion on policy.
	GarbageCollect(ctx context.Context, now time.Time, ttlByKind map[Kind]time.Duration) (GCResult, error)
}

// GCResult reports how many rows of each kind were reaped.
type GCResult struct {
	Device   int64
	AuthCode int64
}

func (g GCResult) IsEmpty() bool { return g.Device == 0 && g.AuthCode == 0 }

// idEncoding avoids padding and mixed case so generated ids are clean to
// embed in URLs and forms.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewDeviceCode returns an opaque, unguessable ~160-bit device code.
func NewDeviceCode() string { return newSecureID(20) }

// NewCode returns an opaque, unguessable authorization code.
func NewCode() string { return newSecureID(20) }

// NewUUID returns an opaque, unguessable upstream-correlation id.
func NewUUID() string { return newSecureID(20) }

func newSecureID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return idEncoding.EncodeToString(buf)
}

// validUserCharacters avoids vowels and visually similar characters so a
// misread/mistyped user code fails fast rather than landing on another
// live flow.
const validUserCharacters = "BCDFGHJKLMNPQRSTVWXZ23456789"

// NewUserCode returns a short, human-typeable code: e.g. "BCDF-GHJK".
func NewUserCode() string {
	code := randomString(8)
	return code[:4] + "-" + code[4:]
}

func randomString(n int) string {
	v := big.NewInt(int64(len(validUserCharacters)))
	out := make([]byte, n)
	for i := range out {
		c, err := rand.Int(rand.Reader, v)
		if err != nil {
			panic(err)
		}
		out[i] = validUserCharacters[c.Int64()]
	}
	return string(out)
}

// NormalizeUserCode upper-cases a user-supplied code for comparison; codes
// are generated upper-case but browsers/users may type them lower-case.
func NormalizeUserCode(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
