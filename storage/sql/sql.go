// Package sql provides a database/sql-backed implementation of the
// FlowStore contract, grounded on the teacher's storage/sql package:
// a small conn wrapper plus per-flavor driver configuration.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diracgrid/dirac-auth/storage"
)

// flavor captures the handful of ways Postgres/MySQL/SQLite disagree about
// placeholder syntax, schema DDL and row-locking (SELECT ... FOR UPDATE).
type flavor struct {
	name                string
	placeholder         func(argNum int) string
	createTableStmts    []string
	selectForUpdateExtra string
}

var flavorPostgres = flavor{
	name:        "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	createTableStmts: []string{
		`CREATE TABLE IF NOT EXISTS flow_rows (
			id SERIAL PRIMARY KEY,
			kind SMALLINT NOT NULL,
			client_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			audience TEXT NOT NULL,
			user_code TEXT,
			device_code TEXT,
			uuid TEXT,
			code TEXT,
			redirect_uri TEXT,
			code_challenge TEXT,
			code_challenge_method TEXT,
			status SMALLINT NOT NULL,
			id_token TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS flow_rows_user_code ON flow_rows(user_code) WHERE user_code IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS flow_rows_device_code ON flow_rows(device_code) WHERE device_code IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS flow_rows_uuid ON flow_rows(uuid) WHERE uuid IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS flow_rows_code ON flow_rows(code) WHERE code IS NOT NULL`,
	},
	selectForUpdateExtra: " FOR UPDATE",
}

var flavorMySQL = flavor{
	name:        "mysql",
	placeholder: func(int) string { return "?" },
	createTableStmts: []string{
		`CREATE TABLE IF NOT EXISTS flow_rows (
			id INTEGER PRIMARY KEY AUTO_INCREMENT,
			kind SMALLINT NOT NULL,
			client_id VARCHAR(255) NOT NULL,
			scope TEXT NOT NULL,
			audience VARCHAR(255) NOT NULL,
			user_code VARCHAR(16),
			device_code VARCHAR(64),
			uuid VARCHAR(64),
			code VARCHAR(64),
			redirect_uri TEXT,
			code_challenge VARCHAR(255),
			code_challenge_method VARCHAR(16),
			status SMALLINT NOT NULL,
			id_token TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE KEY (user_code),
			UNIQUE KEY (device_code),
			UNIQUE KEY (uuid),
			UNIQUE KEY (code)
		)`,
	},
	selectForUpdateExtra: " FOR UPDATE",
}

var flavorSQLite = flavor{
	name:        "sqlite3",
	placeholder: func(int) string { return "?" },
	createTableStmts: []string{
		`CREATE TABLE IF NOT EXISTS flow_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind INTEGER NOT NULL,
			client_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			audience TEXT NOT NULL,
			user_code TEXT UNIQUE,
			device_code TEXT UNIQUE,
			uuid TEXT UNIQUE,
			code TEXT UNIQUE,
			redirect_uri TEXT,
			code_challenge TEXT,
			code_challenge_method TEXT,
			status INTEGER NOT NULL,
			id_token TEXT,
			created_at DATETIME NOT NULL
		)`,
	},
	// SQLite has no row-level locking; its single-writer model gives us the
	// same exactly-once guarantee without it.
	selectForUpdateExtra: "",
}

var _ storage.Store = (*conn)(nil)

type conn struct {
	db     *sql.DB
	f      *flavor
	logger logrus.FieldLogger
}

// open wraps an already-configured *sql.DB (built by one of the driver
// configs in config.go) into a FlowStore, creating the schema if needed.
func open(db *sql.DB, f *flavor, logger logrus.FieldLogger) (storage.Store, error) {
	c := &conn{db: db, f: f, logger: logger}
	for _, stmt := range f.createTableStmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return c, nil
}

func (c *conn) Close() error { return c.db.Close() }

func marshalIDToken(m map[string]string) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalIDToken(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *conn) InsertDevice(ctx context.Context, clientID, scope, audience string) (string, string, error) {
	var userCode, deviceCode string
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for attempt := 0; attempt < 10; attempt++ {
			userCode = storage.NewUserCode()
			deviceCode = storage.NewDeviceCode()
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO flow_rows (kind, client_id, scope, audience, user_code, device_code, status, created_at)
					VALUES (%s,%s,%s,%s,%s,%s,%s,%s)`,
					c.f.placeholder(1), c.f.placeholder(2), c.f.placeholder(3), c.f.placeholder(4),
					c.f.placeholder(5), c.f.placeholder(6), c.f.placeholder(7), c.f.placeholder(8)),
				storage.Device, clientID, scope, audience, userCode, deviceCode, storage.Pending, time.Now())
			if err == nil {
				return nil
			}
			if !isUniqueViolation(err) {
				return err
			}
			// collision on user_code/device_code: retry with fresh codes.
		}
		return fmt.Errorf("failed to allocate unique device/user code after 10 attempts")
	})
	return userCode, deviceCode, err
}

func (c *conn) ValidateUserCode(ctx context.Context, userCode string, ttl time.Duration) error {
	var createdAt time.Time
	row := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT created_at FROM flow_rows WHERE user_code = %s`, c.f.placeholder(1)), userCode)
	if err := row.Scan(&createdAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return err
	}
	if time.Since(createdAt) > ttl {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) DeviceAttachIDToken(ctx context.Context, userCode string, idToken map[string]string, ttl time.Duration) error {
	return c.attachIDToken(ctx, "user_code", userCode, idToken, ttl, nil)
}

// attachIDToken is shared by the device and auth-code flows; genCode, when
// non-nil, allocates and returns the freshly-issued authorization code as
// part of the same transaction (auth-code flow only).
func (c *conn) attachIDToken(ctx context.Context, keyCol, keyVal string, idToken map[string]string, ttl time.Duration, genCode func() string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var createdAt time.Time
		var status storage.Status
		q := fmt.Sprintf(`SELECT created_at, status FROM flow_rows WHERE %s = %s%s`, keyCol, c.f.placeholder(1), c.f.selectForUpdateExtra)
		if err := tx.QueryRowContext(ctx, q, keyVal).Scan(&createdAt, &status); err != nil {
			if err == sql.ErrNoRows {
				return storage.ErrNotFound
			}
			return err
		}
		if time.Since(createdAt) > ttl {
			return storage.ErrNotFound
		}
		if status != storage.Pending {
			return storage.ErrWrongStatus
		}
		tokenCol, err := marshalIDToken(idToken)
		if err != nil {
			return err
		}
		if genCode != nil {
			code := genCode()
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE flow_rows SET id_token = %s, status = %s, code = %s WHERE %s = %s`,
					c.f.placeholder(1), c.f.placeholder(2), c.f.placeholder(3), keyCol, c.f.placeholder(4)),
				tokenCol, storage.Ready, code, keyVal)
			return err
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE flow_rows SET id_token = %s, status = %s WHERE %s = %s`,
				c.f.placeholder(1), c.f.placeholder(2), keyCol, c.f.placeholder(3)),
			tokenCol, storage.Ready, keyVal)
		return err
	})
}

func (c *conn) GetDevice(ctx context.Context, deviceCode string, ttl time.Duration) (storage.FlowRow, error) {
	return c.getAndConsume(ctx, "device_code", deviceCode, ttl)
}

func (c *conn) GetAuthCode(ctx context.Context, code string, ttl time.Duration) (storage.FlowRow, error) {
	return c.getAndConsume(ctx, "code", code, ttl)
}

func (c *conn) getAndConsume(ctx context.Context, keyCol, keyVal string, ttl time.Duration) (storage.FlowRow, error) {
	var row storage.FlowRow
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var idTok sql.NullString
		var status storage.Status
		q := fmt.Sprintf(`SELECT kind, client_id, scope, audience, user_code, device_code, uuid, code,
			redirect_uri, code_challenge, code_challenge_method, status, id_token, created_at
			FROM flow_rows WHERE %s = %s%s`, keyCol, c.f.placeholder(1), c.f.selectForUpdateExtra)
		r := tx.QueryRowContext(ctx, q, keyVal)
		var userCode, deviceCode, uuid, codeVal, redirectURI, challenge, method sql.NullString
		if err := r.Scan(&row.Kind, &row.ClientID, &row.Scope, &row.Audience, &userCode, &deviceCode,
			&uuid, &codeVal, &redirectURI, &challenge, &method, &status, &idTok, &row.CreatedAt); err != nil {
			if err == sql.ErrNoRows {
				return storage.ErrNotFound
			}
			return err
		}
		row.UserCode, row.DeviceCode, row.UUID, row.Code = userCode.String, deviceCode.String, uuid.String, codeVal.String
		row.RedirectURI, row.CodeChallenge, row.CodeChallengeMethod = redirectURI.String, challenge.String, method.String
		row.Status = status

		if time.Since(row.CreatedAt) > ttl {
			return storage.ErrExpiredFlow
		}
		if status != storage.Ready {
			return storage.ErrPendingAuthorization
		}
		tok, err := unmarshalIDToken(idTok)
		if err != nil {
			return err
		}
		row.IDToken = tok

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM flow_rows WHERE %s = %s`, keyCol, c.f.placeholder(1)), keyVal)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another concurrent consumer won the race between our SELECT and DELETE.
			return storage.ErrNotFound
		}
		return nil
	})
	return row, err
}

func (c *conn) InsertAuthCode(ctx context.Context, clientID, scope, audience, codeChallenge, codeChallengeMethod, redirectURI string) (string, error) {
	var uuid string
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for attempt := 0; attempt < 10; attempt++ {
			uuid = storage.NewUUID()
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT INTO flow_rows (kind, client_id, scope, audience, uuid, redirect_uri, code_challenge, code_challenge_method, status, created_at)
					VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
					c.f.placeholder(1), c.f.placeholder(2), c.f.placeholder(3), c.f.placeholder(4), c.f.placeholder(5),
					c.f.placeholder(6), c.f.placeholder(7), c.f.placeholder(8), c.f.placeholder(9), c.f.placeholder(10)),
				storage.AuthCode, clientID, scope, audience, uuid, redirectURI, codeChallenge, codeChallengeMethod, storage.Pending, time.Now())
			if err == nil {
				return nil
			}
			if !isUniqueViolation(err) {
				return err
			}
		}
		return fmt.Errorf("failed to allocate unique uuid after 10 attempts")
	})
	return uuid, err
}

func (c *conn) AuthCodeAttachIDToken(ctx context.Context, uuid string, idToken map[string]string, ttl time.Duration) (string, string, error) {
	var code, redirectURI string
	err := c.attachIDToken(ctx, "uuid", uuid, idToken, ttl, func() string {
		code = storage.NewCode()
		return code
	})
	if err != nil {
		return "", "", err
	}
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT redirect_uri FROM flow_rows WHERE uuid = %s`, c.f.placeholder(1)), uuid)
	if err := row.Scan(&redirectURI); err != nil {
		return "", "", err
	}
	return code, redirectURI, nil
}

func (c *conn) GarbageCollect(ctx context.Context, now time.Time, ttlByKind map[storage.Kind]time.Duration) (storage.GCResult, error) {
	var result storage.GCResult
	for kind, ttl := range ttlByKind {
		cutoff := now.Add(-ttl)
		res, err := c.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM flow_rows WHERE kind = %s AND created_at < %s`, c.f.placeholder(1), c.f.placeholder(2)),
			kind, cutoff)
		if err != nil {
			return result, err
		}
		n, _ := res.RowsAffected()
		switch kind {
		case storage.Device:
			result.Device = n
		case storage.AuthCode:
			result.AuthCode = n
		}
	}
	return result, nil
}

func (c *conn) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
