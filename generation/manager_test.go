package generation_test

import (
	"context"
	"testing"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/generation"
	"github.com/sagernet/sing-egress/include"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"
	"github.com/sagernet/sing-egress/resolver"
	"github.com/sagernet/sing/service"

	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx := service.ContextWithDefaultRegistry(context.Background())
	resolvers, err := resolver.NewManager(ctx, log.NewNOPFactory(), option.DNSOptions{})
	require.NoError(t, err)
	service.MustRegister[adapter.ResolverManager](ctx, resolvers)
	return ctx
}

func newTestManager(t *testing.T, options option.Options) *generation.Manager {
	t.Helper()
	factory := log.NewNOPFactory()
	manager := generation.NewManager(newTestContext(t), factory.Logger(), factory, include.EscaperRegistry(), options)
	for _, stage := range adapter.ListStartStages {
		require.NoError(t, manager.Start(stage))
	}
	return manager
}

func chainOptions(targets ...string) option.ChainEscaperOptions {
	var options option.ChainEscaperOptions
	for _, target := range targets {
		options.Links = append(options.Links, option.ChainLinkOptions{Escaper: target})
	}
	return options
}

func TestPublishRejectKeepsCurrent(t *testing.T) {
	manager := newTestManager(t, option.Options{})
	defer manager.Close()

	generationID, err := manager.Publish(option.Options{
		Escapers: []option.Escaper{
			{Type: C.TypeDirect, Tag: "exit"},
			{Type: C.TypeChain, Tag: "entry", ChainOptions: chainOptions("exit")},
		},
		DefaultEscaper: "entry",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), generationID)

	_, err = manager.Publish(option.Options{
		Escapers: []option.Escaper{
			{Type: C.TypeChain, Tag: "a", ChainOptions: chainOptions("b")},
			{Type: C.TypeChain, Tag: "b", ChainOptions: chainOptions("a")},
		},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "circular escaper dependency")

	current := manager.Current()
	require.NotNil(t, current)
	require.Equal(t, uint64(2), current.ID())
	require.Equal(t, "entry", current.DefaultEscaper().Tag())
	current.Release()
}

func TestPublishDuplicateTag(t *testing.T) {
	manager := newTestManager(t, option.Options{})
	defer manager.Close()

	_, err := manager.Publish(option.Options{
		Escapers: []option.Escaper{
			{Type: C.TypeDirect, Tag: "exit"},
			{Type: C.TypeDirect, Tag: "exit"},
		},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate escaper tag: exit")
}

func TestGenerationCollect(t *testing.T) {
	manager := newTestManager(t, option.Options{})
	defer manager.Close()

	retained := manager.Current()
	require.NotNil(t, retained)
	require.Equal(t, uint64(1), retained.ID())

	generationID, err := manager.Publish(option.Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), generationID)

	infos := manager.Generations()
	require.Len(t, infos, 2)
	require.Equal(t, uint64(1), infos[0].ID)
	require.False(t, infos[0].Active)
	require.Equal(t, int32(1), infos[0].Refs)
	require.Equal(t, uint64(2), infos[1].ID)
	require.True(t, infos[1].Active)

	require.Equal(t, "direct", retained.DefaultEscaper().Tag())
	retained.Release()

	infos = manager.Generations()
	require.Len(t, infos, 1)
	require.Equal(t, uint64(2), infos[0].ID)
}

func TestPublishCallback(t *testing.T) {
	factory := log.NewNOPFactory()
	manager := generation.NewManager(newTestContext(t), factory.Logger(), factory, include.EscaperRegistry(), option.Options{})
	var published []uint64
	manager.SetPublishCallback(func(generationID uint64) {
		published = append(published, generationID)
	})
	for _, stage := range adapter.ListStartStages {
		require.NoError(t, manager.Start(stage))
	}
	defer manager.Close()

	_, err := manager.Publish(option.Options{})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, published)
}

func TestCurrentAfterClose(t *testing.T) {
	manager := newTestManager(t, option.Options{})
	require.NoError(t, manager.Close())
	require.Nil(t, manager.Current())
}
