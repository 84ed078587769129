// Package healthvalidator provides post-refresh health checks: a DB
// reachability probe per slot, and an optional HTTP health probe that
// accepts any 2xx/3xx response (the application frequently redirects to a
// login page on success).
package healthvalidator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openemr/creds-rotator/internal/dbadmin"
	"github.com/openemr/creds-rotator/internal/rotateerrors"
	"github.com/openemr/creds-rotator/internal/secretstore"
)

// Validator is the HealthValidator component.
type Validator struct {
	db         *dbadmin.Admin
	httpClient *http.Client
}

// New creates a Validator. httpTimeout bounds validate_app's single GET.
func New(db *dbadmin.Admin, httpTimeout time.Duration) *Validator {
	if httpTimeout <= 0 {
		httpTimeout = 10 * time.Second
	}
	return &Validator{
		db: db,
		httpClient: &http.Client{
			Timeout: httpTimeout,
			// Judge the first response itself: a redirect is a healthy
			// answer, so it is returned rather than followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ValidateDBAs probes the given slot's credentials via DatabaseAdmin.
func (v *Validator) ValidateDBAs(ctx context.Context, creds secretstore.SlotCredentials) error {
	if !v.db.ProbeSlot(ctx, creds.Username, creds.Password, creds.Host, creds.Port) {
		return &rotateerrors.ValidationFailedError{
			Probe: "db:" + creds.Username,
			Err:   fmt.Errorf("slot credentials did not authenticate"),
		}
	}
	return nil
}

// ValidateApp issues a single HTTPS GET against url, accepting any 2xx or
// 3xx response as healthy. Skipped (returns nil) if url is empty.
func (v *Validator) ValidateApp(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &rotateerrors.ValidationFailedError{Probe: "app:" + url, Err: err}
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return &rotateerrors.ValidationFailedError{Probe: "app:" + url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &rotateerrors.ValidationFailedError{
			Probe: "app:" + url,
			Err:   fmt.Errorf("unhealthy status code %d", resp.StatusCode),
		}
	}
	return nil
}
