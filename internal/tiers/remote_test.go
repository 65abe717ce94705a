package tiers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRegistryClient struct {
	components map[string]*Component
	fetchCalls int
	rateLimit  int
}

func (c *fakeRegistryClient) FetchComponent(ctx context.Context, framework, name string) (*Component, error) {
	c.fetchCalls++
	comp, ok := c.components[framework+"/"+name]
	if !ok {
		return nil, errors.New("not found upstream")
	}
	return comp, nil
}

func (c *fakeRegistryClient) FetchBlock(ctx context.Context, framework, name string) (*Block, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeRegistryClient) FetchAvailableComponents(ctx context.Context, framework string) ([]string, error) {
	return nil, nil
}

func (c *fakeRegistryClient) FetchDirectoryTree(ctx context.Context, framework, path string) ([]byte, error) {
	return []byte(`{"tree":[]}`), nil
}

func (c *fakeRegistryClient) FetchMetadata(ctx context.Context, sub string) ([]byte, error) {
	return []byte(`{"version":"1"}`), nil
}

func (c *fakeRegistryClient) RateLimitRemaining() int { return c.rateLimit }

func TestRemoteTier_GetFetchesThenCachesLocally(t *testing.T) {
	client := &fakeRegistryClient{components: map[string]*Component{
		"react/button": {Framework: "react", Name: "button", SourceCode: "export const Button"},
	}}
	rt := NewRemoteTier(RemoteTierConfig{Client: client, CacheTTL: time.Minute})

	val, _, found, err := rt.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "export const Button", val.Component.SourceCode)
	require.Equal(t, 1, client.fetchCalls)

	val2, _, found2, err := rt.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, "export const Button", val2.Component.SourceCode)
	require.Equal(t, 1, client.fetchCalls, "second get should be served from local cache, not refetched")
}

func TestRemoteTier_GetReturnsAbsentOnUpstreamError(t *testing.T) {
	client := &fakeRegistryClient{components: map[string]*Component{}}
	rt := NewRemoteTier(RemoteTierConfig{Client: client})

	val, _, found, err := rt.Get(context.Background(), "component:react:missing")
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, val.IsZero())
}

func TestRemoteTier_SetNeverReachesUpstream(t *testing.T) {
	client := &fakeRegistryClient{components: map[string]*Component{}}
	rt := NewRemoteTier(RemoteTierConfig{Client: client})

	err := rt.Set(context.Background(), "component:react:card", Value{Component: &Component{Name: "card"}}, time.Hour)
	require.NoError(t, err)

	val, _, found, err := rt.Get(context.Background(), "component:react:card")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "card", val.Component.Name)
	require.Equal(t, 0, client.fetchCalls)
}

func TestRemoteTier_LocalCacheExpiresAfterTTL(t *testing.T) {
	client := &fakeRegistryClient{components: map[string]*Component{
		"react/button": {Framework: "react", Name: "button", SourceCode: "v1"},
	}}
	rt := NewRemoteTier(RemoteTierConfig{Client: client, CacheTTL: time.Millisecond})

	_, _, found, err := rt.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(5 * time.Millisecond)

	_, _, found2, err := rt.Get(context.Background(), "component:react:button")
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, 2, client.fetchCalls, "expired local cache should trigger a refetch")
}

func TestRemoteTier_RateLimitRemainingDelegatesToClient(t *testing.T) {
	client := &fakeRegistryClient{rateLimit: 42}
	rt := NewRemoteTier(RemoteTierConfig{Client: client})
	require.Equal(t, 42, rt.RateLimitRemaining())
}
