package configuration

import (
	"testing"
	"time"

	"github.com/form3tech-oss/pact-mock/internal/app/contract"
	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvidersRegistry(t *testing.T) {
	pact, err := contract.Read([]byte(countsContract))
	require.NoError(t, err)

	providers := NewProviders(pactmock.Config{DrainTimeout: time.Second})
	t.Cleanup(func() { providers.StopAll(time.Second) })

	first, err := providers.Start(pact, 0)
	require.NoError(t, err)
	second, err := providers.Start(pact, 0)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = providers.Start(pact, first)
	assert.ErrorIs(t, err, ErrProviderExists)

	infos := providers.List()
	require.Len(t, infos, 2)
	assert.Less(t, infos[0].Port, infos[1].Port)

	captured, err := providers.Contract(first)
	require.NoError(t, err)
	assert.Equal(t, pact, captured)

	verdict, err := providers.Stop(first, 0)
	require.NoError(t, err)
	assert.False(t, verdict.AllRegisteredInteractionsMatched)
	assert.Len(t, verdict.UnmatchedInteractions, 2)

	_, err = providers.Stop(first, 0)
	assert.ErrorIs(t, err, ErrProviderNotFound)
	_, err = providers.Mock(first)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	providers.StopAll(time.Second)
	assert.Empty(t, providers.List())
	assert.Empty(t, providers.Gatherers())
}
