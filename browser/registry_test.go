package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistry_ResolveAliases(t *testing.T) {
	r := NewDefaultRegistry(zaptest.NewLogger(t))

	assert.Equal(t, []string{BackendChromeDP, BackendRemote, BackendRod}, r.Names())

	name, ok := r.Resolve("Chrome")
	assert.True(t, ok)
	assert.Equal(t, BackendChromeDP, name)

	name, ok = r.Resolve("browserbase")
	assert.True(t, ok)
	assert.Equal(t, BackendRemote, name)

	assert.False(t, r.Has("firefox"))
	_, err := r.Factory("firefox")
	assert.Error(t, err)
}

func TestRegistry_CreateSetsCanonicalBackend(t *testing.T) {
	r := NewRegistry()
	var got Config
	r.Register("stub", FactoryFunc(func(ctx context.Context, cfg Config) (Provider, error) {
		got = cfg
		return nil, errors.New("not launched")
	}), "alias")

	_, err := r.Create(context.Background(), "ALIAS", DefaultConfig())
	require.Error(t, err)
	assert.Equal(t, "stub", got.Backend)
}

func TestRemoteProvider_RequiresURL(t *testing.T) {
	_, err := NewRemoteProvider(context.Background(), Config{}, nil)
	require.Error(t, err)
	assert.True(t, IsProviderError(err))
}

func TestRemoteEndpoint(t *testing.T) {
	u, err := remoteEndpoint("wss://connect.example.com/session?x=1", "k3y")
	require.NoError(t, err)
	assert.Equal(t, "wss://connect.example.com/session?apiKey=k3y&x=1", u)

	_, err = remoteEndpoint("http://example.com", "")
	assert.Error(t, err)
}

func TestProviderError(t *testing.T) {
	assert.NoError(t, NewProviderError("p", "op", nil))

	base := errors.New("boom")
	err := NewProviderError("p", "click", base)
	assert.True(t, IsProviderError(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "p: click failed: boom", err.Error())

	// 已包装的错误不重复包装
	assert.Same(t, err, NewProviderError("q", "other", err))
}
