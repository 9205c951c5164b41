package serviceregistry

import (
	"context"

	"github.com/pkg/errors"

	"github.com/davids-j/opencast/model"
)

var (
	errNoSuchUser         = errors.New("no such user")
	errNoSuchOrganization = errors.New("no such organization")
)

// User is the identity a job runs under.
type User struct {
	Username     string
	Organization string
}

// Organization is a tenant of the cluster.
type Organization struct {
	ID   string
	Name string
}

// UserDirectory resolves usernames against the identity provider.
type UserDirectory interface {
	// LoadUser returns the user with the given name, or a not-found
	// error if the identity provider does not know it.
	LoadUser(ctx context.Context, username string) (*User, error)
}

// OrganizationDirectory resolves organization ids against the identity
// provider.
type OrganizationDirectory interface {
	// GetOrganization returns the organization with the given id, or a
	// not-found error if the identity provider does not know it.
	GetOrganization(ctx context.Context, id string) (*Organization, error)
}

// StaticDirectory is a single tenant directory that accepts every non-empty
// username and resolves every non-empty organization id to itself. It stands in for a real
// identity provider in single node deployments and tests.
type StaticDirectory struct{}

// LoadUser resolves any non-empty username.
func (StaticDirectory) LoadUser(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, errNoSuchUser
	}
	return &User{Username: username}, nil
}

// GetOrganization resolves any non-empty organization id.
func (StaticDirectory) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	if id == "" {
		return nil, errNoSuchOrganization
	}
	return &Organization{ID: id, Name: id}, nil
}

type contextKey int

const (
	currentJobKey contextKey = iota
	currentUserKey
	currentOrganizationKey
)

// WithCurrentJob marks the given job as the job the calling code is
// executing on behalf of. Jobs created under this context inherit it as
// their parent.
func WithCurrentJob(ctx context.Context, job *model.Job) context.Context {
	return context.WithValue(ctx, currentJobKey, job)
}

// CurrentJob returns the job attached to the context, or nil.
func CurrentJob(ctx context.Context) *model.Job {
	job, _ := ctx.Value(currentJobKey).(*model.Job)
	return job
}

// WithUser attaches the acting username to the context.
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, currentUserKey, username)
}

// CurrentUser returns the acting username, or the empty string.
func CurrentUser(ctx context.Context) string {
	username, _ := ctx.Value(currentUserKey).(string)
	return username
}

// WithOrganization attaches the acting organization id to the context.
func WithOrganization(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, currentOrganizationKey, id)
}

// CurrentOrganization returns the acting organization id, or the empty
// string.
func CurrentOrganization(ctx context.Context) string {
	id, _ := ctx.Value(currentOrganizationKey).(string)
	return id
}
