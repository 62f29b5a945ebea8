package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/diracgrid/dirac-auth/storage"
	"github.com/diracgrid/dirac-auth/storage/memory"
	sqlstorage "github.com/diracgrid/dirac-auth/storage/sql"
)

// Config is the config format for the dirac-auth server binary.
type Config struct {
	Issuer string `json:"issuer"`

	// Registry points at the DIRAC Configuration registry snapshot this
	// server validates scopes and issues tokens against.
	Registry string `json:"registry"`

	Storage     Storage     `json:"storage"`
	Web         Web         `json:"web"`
	Telemetry   Telemetry   `json:"telemetry"`
	Expiry      Expiry      `json:"expiry"`
	SigningKey  SigningKey  `json:"signingKey"`
	StateSecret StateSecret `json:"stateSecret"`
	Logger      Logger      `json:"logger"`
}

// Validate the configuration.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer == "", "no issuer specified in config file"},
		{c.Registry == "", "no registry specified in config file"},
		{c.Storage.Config == nil, "no storage supplied in config file"},
		{c.Web.HTTP == "" && c.Web.HTTPS == "", "must supply a HTTP/HTTPS address to listen on"},
		{c.Web.HTTPS != "" && c.Web.TLSCert == "", "no cert specified for HTTPS"},
		{c.Web.HTTPS != "" && c.Web.TLSKey == "", "no private key specified for HTTPS"},
	}

	var checkErrors []string
	for _, check := range checks {
		if check.bad {
			checkErrors = append(checkErrors, check.errMsg)
		}
	}
	if len(checkErrors) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(checkErrors, "\n\t-\t"))
	}
	return nil
}

// Web is the config format for the HTTP server.
type Web struct {
	HTTP           string   `json:"http"`
	HTTPS          string   `json:"https"`
	TLSCert        string   `json:"tlsCert"`
	TLSKey         string   `json:"tlsKey"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// Telemetry is the config format for the metrics/health HTTP server.
type Telemetry struct {
	HTTP string `json:"http"`
}

// Expiry holds the flow/token lifetimes, as parseable time.Duration
// strings. Empty values fall back to server.DefaultTTLs().
type Expiry struct {
	Device      string `json:"device"`
	AuthCode    string `json:"authCode"`
	AccessToken string `json:"accessToken"`
}

// SigningKey locates the RSA private key DIRAC access tokens are signed
// with. If Path is empty, an ephemeral key is generated for the lifetime of
// the process — suitable only for local development, since tokens issued
// before a restart stop verifying after one.
type SigningKey struct {
	Path  string `json:"path"`
	KeyID string `json:"keyId"`
}

// StateSecret carries the securecookie keys this server's StateCodec uses
// to protect the `state` query parameter round-tripped through the upstream
// IdP. Both fields are base64-encoded. If empty, ephemeral keys are
// generated for the lifetime of the process — fine for a single instance,
// but an in-flight flow will not survive a restart, and this is never
// appropriate for a multi-instance deployment.
type StateSecret struct {
	HashKey  string `json:"hashKey"`
	BlockKey string `json:"blockKey"`
}

// Logger holds configuration required to customize logging.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Storage holds the app's storage configuration.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

// StorageConfig is a configuration that can open a FlowStore.
type StorageConfig interface {
	Open(logger logrus.FieldLogger) (storage.Store, error)
}

var (
	_ StorageConfig = (*memoryConfig)(nil)
	_ StorageConfig = (*sqlstorage.Postgres)(nil)
	_ StorageConfig = (*sqlstorage.MySQL)(nil)
	_ StorageConfig = (*sqlstorage.SQLite)(nil)
)

// memoryConfig adapts storage/memory's no-config constructor to the
// StorageConfig interface every other backend satisfies directly.
type memoryConfig struct{}

func (memoryConfig) Open(logger logrus.FieldLogger) (storage.Store, error) {
	return memory.New(logger), nil
}

var storages = map[string]func() StorageConfig{
	"memory":   func() StorageConfig { return &memoryConfig{} },
	"postgres": func() StorageConfig { return &sqlstorage.Postgres{} },
	"mysql":    func() StorageConfig { return &sqlstorage.MySQL{} },
	"sqlite3":  func() StorageConfig { return &sqlstorage.SQLite{} },
}

// UnmarshalJSON allows Storage to implement the unmarshaler interface to
// dynamically determine the type of the storage config.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var store struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &store); err != nil {
		return fmt.Errorf("parse storage: %v", err)
	}
	f, ok := storages[store.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", store.Type)
	}

	storageConfig := f()
	if len(store.Config) != 0 {
		if err := json.Unmarshal(store.Config, storageConfig); err != nil {
			return fmt.Errorf("parse storage config: %v", err)
		}
	}
	*s = Storage{Type: store.Type, Config: storageConfig}
	return nil
}
