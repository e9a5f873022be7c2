package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesGoroutine(t *testing.T) {
	names := make(chan string, 1)

	//nolint:staticcheck // nil parent context is part of the contract
	Go(nil, "router-sub-test", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	assert.Equal(t, "router-sub-test", <-names)
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	//nolint:staticcheck // nil context is handled explicitly
	assert.Equal(t, "", GetName(nil))
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var ran atomic.Int32

	for i := 0; i < 10; i++ {
		g.Go(context.Background(), "worker", func(ctx context.Context) {
			ran.Add(1)
		})
	}
	g.Wait()

	assert.Equal(t, int32(10), ran.Load())
}
