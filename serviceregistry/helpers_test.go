package serviceregistry

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/davids-j/opencast/model"
	"github.com/davids-j/opencast/storage/memory"
)

const (
	testHost    = "http://node1.example.org:8080"
	testHostTwo = "http://node2.example.org:8080"
	testType    = "org.opencastproject.composer"
)

// testConfig disables the periodic tasks so tests drive rounds manually.
func testConfig() Config {
	return Config{
		DispatchInterval:  "0",
		HeartbeatInterval: "0",
		ServerURL:         testHost,
	}
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	registry, err := New(store, http.DefaultClient, StaticDirectory{}, StaticDirectory{}, cfg, tally.NoopScope)
	require.NoError(t, err)
	return registry, store
}

func registerHostAndService(t *testing.T, registry *Registry, host string, maxLoad float32, serviceType string) *model.ServiceRegistration {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, registry.RegisterHost(ctx, host, "10.0.0.1", 8<<30, 4, maxLoad))
	service, err := registry.RegisterService(ctx, serviceType, host, "/"+serviceType, true)
	require.NoError(t, err)
	return service
}

// userContext attaches the identities jobs are created under.
func userContext() context.Context {
	ctx := WithUser(context.Background(), "admin")
	return WithOrganization(ctx, "mh_default_org")
}
