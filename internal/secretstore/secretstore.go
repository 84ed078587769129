// Package secretstore is the typed read/write adapter onto AWS Secrets
// Manager: a GetSecretValue/JSON-decode pattern generalized from a single
// AWSCURRENT/AWSPENDING pair to this engine's SlotSecret/AdminSecret
// documents, plus an optimistic-put guard so two concurrent writers to the
// same secret never silently clobber each other.
package secretstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"

	"github.com/openemr/creds-rotator/internal/retry"
	"github.com/openemr/creds-rotator/internal/rotateerrors"
)

// SecretUnavailableError wraps a network or permission failure reading a
// secret.
type SecretUnavailableError struct {
	SecretID string
	Err      error
}

func (e *SecretUnavailableError) Error() string {
	return fmt.Sprintf("secret %s unavailable: %v", e.SecretID, e.Err)
}

func (e *SecretUnavailableError) Unwrap() error { return e.Err }

// Store is the SecretStore adapter.
type Store struct {
	sm secretsmanageriface.SecretsManagerAPI

	// lastVersion records the VersionId observed on the last Get call for
	// each secret ID, approximating Secrets Manager's lack of a native
	// compare-and-swap: Put re-reads the current version immediately
	// before writing and fails with ConflictError if it moved.
	lastVersion map[string]string
}

// New creates a Store backed by the given Secrets Manager client.
func New(sm secretsmanageriface.SecretsManagerAPI) *Store {
	return &Store{sm: sm, lastVersion: map[string]string{}}
}

// GetSlotSecret returns the current SlotSecret document.
func (s *Store) GetSlotSecret(ctx context.Context, secretID string) (SlotSecret, error) {
	var doc SlotSecret
	if err := s.get(ctx, secretID, &doc); err != nil {
		return SlotSecret{}, err
	}
	return doc, nil
}

// PutSlotSecret writes a new SlotSecret version. Fails with ConflictError
// if the secret's version changed since the last Get for this secretID.
func (s *Store) PutSlotSecret(ctx context.Context, secretID string, doc SlotSecret) error {
	return s.put(ctx, secretID, doc)
}

// GetAdminSecret returns the current AdminSecret document.
func (s *Store) GetAdminSecret(ctx context.Context, secretID string) (AdminSecret, error) {
	var doc AdminSecret
	if err := s.get(ctx, secretID, &doc); err != nil {
		return AdminSecret{}, err
	}
	return doc, nil
}

// PutAdminSecret writes a new AdminSecret version. Fails with ConflictError
// if the secret's version changed since the last Get for this secretID.
func (s *Store) PutAdminSecret(ctx context.Context, secretID string, doc AdminSecret) error {
	return s.put(ctx, secretID, doc)
}

func (s *Store) get(ctx context.Context, secretID string, out interface{}) error {
	var result *secretsmanager.GetSecretValueOutput
	err := retry.Do(ctx, isFatalAWSError, func() error {
		var gerr error
		result, gerr = s.sm.GetSecretValue(&secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretID),
		})
		return gerr
	})
	if err != nil {
		return &SecretUnavailableError{SecretID: secretID, Err: err}
	}

	if result.SecretString == nil || *result.SecretString == "" {
		return &SecretUnavailableError{SecretID: secretID, Err: fmt.Errorf("secret string is nil or empty")}
	}
	if err := json.Unmarshal([]byte(*result.SecretString), out); err != nil {
		return &SecretUnavailableError{SecretID: secretID, Err: err}
	}

	if result.VersionId != nil {
		s.lastVersion[secretID] = *result.VersionId
	}
	return nil
}

func (s *Store) put(ctx context.Context, secretID string, doc interface{}) error {
	// Re-read the current version immediately before writing. If it moved
	// since our last observed Get, a concurrent writer won the race.
	describeResult, err := s.sm.DescribeSecret(&secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return &SecretUnavailableError{SecretID: secretID, Err: err}
	}
	if expected, seen := s.lastVersion[secretID]; seen {
		if current := currentVersionID(describeResult); current != "" && current != expected {
			return &rotateerrors.ConflictError{SecretID: secretID}
		}
	}

	bytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("secretstore: marshaling %s: %w", secretID, err)
	}

	var putResult *secretsmanager.PutSecretValueOutput
	err = retry.Do(ctx, isFatalAWSError, func() error {
		var perr error
		putResult, perr = s.sm.PutSecretValue(&secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(secretID),
			SecretString: aws.String(string(bytes)),
		})
		return perr
	})
	if err != nil {
		return &SecretUnavailableError{SecretID: secretID, Err: err}
	}

	if putResult.VersionId != nil {
		s.lastVersion[secretID] = *putResult.VersionId
	}
	return nil
}

func currentVersionID(d *secretsmanager.DescribeSecretOutput) string {
	for versionID, stages := range d.VersionIdsToStages {
		for _, stage := range stages {
			if stage != nil && *stage == "AWSCURRENT" {
				return versionID
			}
		}
	}
	return ""
}

// isFatalAWSError reports whether err should stop retrying immediately
// (resource genuinely missing/denied) rather than being treated as
// transient.
func isFatalAWSError(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case secretsmanager.ErrCodeResourceNotFoundException, "AccessDeniedException":
		return true
	default:
		return false
	}
}
