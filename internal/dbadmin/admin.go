// Package dbadmin provides an admin MySQL connection used to probe slot
// passwords, create/alter slot users, grant privileges, rotate the
// admin's own password, and run a lightweight healthcheck. Its TLS setup
// and connect-then-Ping pattern is generalized from "ALTER USER
// CURRENT_USER" (self-service rotation) to admin-driven CREATE/ALTER/GRANT
// on arbitrary slot usernames.
package dbadmin

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/openemr/creds-rotator/internal/retry"
	"github.com/openemr/creds-rotator/internal/rotateerrors"
	"github.com/openemr/creds-rotator/internal/secretstore"
)

// Config configures an Admin.
type Config struct {
	// UseTLS enables the RDS-CA TLS config on every connection.
	UseTLS bool
	// DryRun, if true, skips every statement that would mutate the
	// database (CREATE/ALTER/GRANT) but still performs connects/probes.
	DryRun bool
}

// Admin is the DatabaseAdmin component.
type Admin struct {
	cfg Config
}

// New creates an Admin.
func New(cfg Config) *Admin {
	if cfg.UseTLS {
		ensureTLSRegistered()
	}
	return &Admin{cfg: cfg}
}

// dsn builds a go-sql-driver/mysql DSN for username/password@host:port.
func (a *Admin) dsn(username, password, host, port string) string {
	if port == "" {
		port = "3306"
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", username, password, host, port)
	if a.cfg.UseTLS {
		dsn += "?tls=" + rdsTLSName
	}
	return dsn
}

// connect opens and pings a connection. The caller must Close it.
func (a *Admin) connect(ctx context.Context, username, password, host, port string) (*sql.DB, error) {
	db, err := sql.Open("mysql", a.dsn(username, password, host, port))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ConnectAsAdmin opens a connection using the AdminSecret. The caller must
// Close the returned *sql.DB.
func (a *Admin) ConnectAsAdmin(ctx context.Context, admin secretstore.AdminSecret) (*sql.DB, error) {
	db, err := a.connect(ctx, admin.Username, admin.Password, admin.Host, "")
	if err != nil {
		return nil, &rotateerrors.AuthFailureError{Username: admin.Username, Err: err}
	}
	return db, nil
}

// ProbeSlot attempts a no-op SELECT 1 as the given username/password
// against host:port. It returns true iff authentication and the query
// both succeed; a connection error is not escalated, only reported false,
// since authentication failures here are expected and recoverable.
func (a *Admin) ProbeSlot(ctx context.Context, username, password, host, port string) bool {
	db, err := a.connect(ctx, username, password, host, port)
	if err != nil {
		return false
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, "SELECT 1")
	return err == nil
}

// EnsureSlotUser idempotently creates or alters username so that password
// is the only accepted credential, then grants full privileges on dbname.
// Connects as admin. Safe to call repeatedly with the same password.
func (a *Admin) EnsureSlotUser(ctx context.Context, admin secretstore.AdminSecret, username, password, dbname string) error {
	if a.cfg.DryRun {
		return nil
	}

	db, err := a.ConnectAsAdmin(ctx, admin)
	if err != nil {
		return err
	}
	defer db.Close()

	escapedPassword := strings.ReplaceAll(password, "'", "\\'")

	return retry.Do(ctx, isFatalMySQLError, func() error {
		// CREATE first (no-op if the user already exists), then ALTER
		// unconditionally so the password always ends up as given,
		// regardless of whether CREATE or ALTER did the work.
		createStmt := fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", username, escapedPassword)
		if _, err := db.ExecContext(ctx, createStmt); err != nil {
			return err
		}

		alterStmt := fmt.Sprintf("ALTER USER '%s'@'%%' IDENTIFIED BY '%s'", username, escapedPassword)
		if _, err := db.ExecContext(ctx, alterStmt); err != nil {
			return err
		}

		grantStmt := fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", dbname, username)
		if _, err := db.ExecContext(ctx, grantStmt); err != nil {
			return fmt.Errorf("granting privileges on %s to %s: %w", dbname, username, err)
		}

		if _, err := db.ExecContext(ctx, "FLUSH PRIVILEGES"); err != nil {
			return err
		}
		return nil
	})
}

// SlotUserExists reports whether username has a row in mysql.user. Used by
// the reconciler's bootstrap step to decide whether to create a slot user
// from scratch.
func (a *Admin) SlotUserExists(ctx context.Context, admin secretstore.AdminSecret, username string) (bool, error) {
	db, err := a.ConnectAsAdmin(ctx, admin)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var count int
	row := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mysql.user WHERE User = ?", username)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("checking existence of %s: %w", username, err)
	}
	return count > 0, nil
}

// RotateAdmin changes the admin account's own password and validates the
// new password works before returning.
func (a *Admin) RotateAdmin(ctx context.Context, admin secretstore.AdminSecret, newPassword string) error {
	if a.cfg.DryRun {
		return nil
	}

	db, err := a.ConnectAsAdmin(ctx, admin)
	if err != nil {
		return err
	}
	defer db.Close()

	escaped := strings.ReplaceAll(newPassword, "'", "\\'")
	alterStmt := fmt.Sprintf("ALTER USER CURRENT_USER() IDENTIFIED BY '%s'", escaped)
	if err := retry.Do(ctx, isFatalMySQLError, func() error {
		_, err := db.ExecContext(ctx, alterStmt)
		return err
	}); err != nil {
		return fmt.Errorf("rotating admin password: %w", err)
	}

	if !a.ProbeSlot(ctx, admin.Username, newPassword, admin.Host, "") {
		return &rotateerrors.AuthFailureError{
			Username: admin.Username,
			Err:      fmt.Errorf("new admin password does not authenticate after ALTER USER"),
		}
	}
	return nil
}

// Healthcheck runs a lightweight read query as the given (currently
// active) slot to confirm end-to-end reachability.
func (a *Admin) Healthcheck(ctx context.Context, creds secretstore.SlotCredentials) error {
	db, err := a.connect(ctx, creds.Username, creds.Password, creds.Host, creds.Port)
	if err != nil {
		return &rotateerrors.AuthFailureError{Username: creds.Username, Err: err}
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("healthcheck query failed for %s: %w", creds.Username, err)
	}
	return nil
}

// isFatalMySQLError classifies GRANT/authorization errors as fatal (do
// not retry) versus transport errors as transient (retry).
func isFatalMySQLError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "privilege") ||
		strings.Contains(msg, "syntax error")
}
