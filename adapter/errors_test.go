package adapter_test

import (
	"context"
	"testing"

	"github.com/sagernet/sing-egress/adapter"
	C "github.com/sagernet/sing-egress/constant"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/stretchr/testify/require"
)

func TestMarkErrorKeepsFirstKind(t *testing.T) {
	base := E.New("connection refused")
	marked := adapter.MarkError(adapter.KindUnreachable, base)
	require.Equal(t, adapter.KindUnreachable, adapter.KindOf(marked))
	require.ErrorIs(t, marked, base)

	remarked := adapter.MarkError(adapter.KindServerIO, marked)
	require.Equal(t, adapter.KindUnreachable, adapter.KindOf(remarked))

	require.NoError(t, adapter.MarkError(adapter.KindUnreachable, nil))
}

func TestMarkTimeout(t *testing.T) {
	require.NoError(t, adapter.MarkTimeout(C.PhaseConnect, nil))

	err := adapter.MarkTimeout(C.PhaseConnect, context.DeadlineExceeded)
	require.Equal(t, adapter.KindTimeout, adapter.KindOf(err))
	require.Contains(t, err.Error(), C.PhaseConnect)

	passthrough := adapter.MarkTimeout(C.PhaseConnect, E.New("connection refused"))
	require.Equal(t, adapter.ErrorKind(""), adapter.KindOf(passthrough))
}
