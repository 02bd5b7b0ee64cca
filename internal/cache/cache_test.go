package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateInvokesGeneratorOnceForConcurrentCallers(t *testing.T) {
	c := New(nil)
	key := Key{RepoURL: "https://example.com/repo.git", CommitSHA: "abc123"}

	var calls int32
	release := make(chan struct{})
	gen := func(ctx context.Context) (*Artifact, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Artifact{Data: []byte("report")}, nil
	}

	const n = 16
	results := make([]*Artifact, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			a, err := c.GetOrCreate(context.Background(), key, gen)
			require.NoError(t, err)
			results[i] = a
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "generator must run exactly once")
	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i], "all callers must receive the identical result")
	}
}

func TestGetOrCreateHitSkipsGenerator(t *testing.T) {
	c := New(nil)
	key := Key{RepoURL: "r", CommitSHA: "c"}

	_, err := c.GetOrCreate(context.Background(), key, func(ctx context.Context) (*Artifact, error) {
		return &Artifact{Data: []byte("v1")}, nil
	})
	require.NoError(t, err)

	a, err := c.GetOrCreate(context.Background(), key, func(ctx context.Context) (*Artifact, error) {
		t.Fatal("generator invoked on cache hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), a.Data)
}

func TestRegenerateOverwritesEntry(t *testing.T) {
	c := New(nil)
	key := Key{RepoURL: "r", CommitSHA: "c", TemplateVersion: "t1"}

	_, err := c.GetOrCreate(context.Background(), key, func(ctx context.Context) (*Artifact, error) {
		return &Artifact{Data: []byte("v1")}, nil
	})
	require.NoError(t, err)

	a, err := c.Regenerate(context.Background(), key, func(ctx context.Context) (*Artifact, error) {
		return &Artifact{Data: []byte("v2")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), a.Data)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got.Data)
	assert.Equal(t, 1, c.Len())
}

func TestGeneratorErrorIsNotCached(t *testing.T) {
	c := New(nil)
	key := Key{RepoURL: "r", CommitSHA: "bad"}

	_, err := c.GetOrCreate(context.Background(), key, func(ctx context.Context) (*Artifact, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	a, err := c.GetOrCreate(context.Background(), key, func(ctx context.Context) (*Artifact, error) {
		return &Artifact{Data: []byte("ok")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), a.Data)
}
