// Package testmgmt talks to the test-management backend through a narrow
// adapter: list the test cases of a project, fetch one by key.
package testmgmt

import (
	"context"
	"errors"

	"github.com/testmesh/conductor/pkg/models"
)

var (
	// ErrNotConfigured means TESTMGMT_BASE_URL is unset; bulk execution
	// cannot run without the backend.
	ErrNotConfigured = errors.New("test management backend not configured")

	// ErrNotFound means the backend has no test case under the given key.
	ErrNotFound = errors.New("test case not found")
)

// Adapter is the surface the workflows consume.
type Adapter interface {
	TestCases(ctx context.Context, projectKey string) ([]models.TestCase, error)
	TestCase(ctx context.Context, key string) (*models.TestCase, error)
}
