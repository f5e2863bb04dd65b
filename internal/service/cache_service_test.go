package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-gate-api/pkg/errors"
)

type flakyCacheRepo struct {
	getErr error
	setErr error
	ttl    time.Duration
}

func (r *flakyCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	return r.getErr
}

func (r *flakyCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	r.ttl = ttl
	return r.setErr
}

func TestCacheServiceDegradesOnStoreFailure(t *testing.T) {
	repo := &flakyCacheRepo{getErr: errors.New("connection reset"), setErr: errors.New("connection reset")}
	svc := NewCacheService(repo, NewMetricsService(), 0, nil, true)

	var dest map[string]int
	hit, err := svc.Get(context.Background(), "access:stats", &dest)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, svc.Set(context.Background(), "access:stats", map[string]int{"total": 1}, 0))
	assert.Equal(t, time.Minute, repo.ttl)
}

func TestCacheServiceHitAndMiss(t *testing.T) {
	repo := &flakyCacheRepo{getErr: appErrors.ErrCacheMiss}
	svc := NewCacheService(repo, nil, time.Minute, nil, true)

	var dest map[string]int
	hit, _ := svc.Get(context.Background(), "k", &dest)
	assert.False(t, hit)

	repo.getErr = nil
	hit, _ = svc.Get(context.Background(), "k", &dest)
	assert.True(t, hit)
}

func TestCacheServiceDisabled(t *testing.T) {
	svc := NewCacheService(&flakyCacheRepo{}, nil, time.Minute, nil, false)

	hit, err := svc.Get(context.Background(), "k", &struct{}{})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, svc.Enabled())
}
