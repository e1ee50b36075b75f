package qos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShaper_DisabledBypassesEntirely(t *testing.T) {
	s := New(false, 0, 0)
	err := s.Consume(context.Background(), "leaf-a", 10*1024*1024)
	require.NoError(t, err)
}

func TestShaper_UnconfiguredLeafIsUnshaped(t *testing.T) {
	s := New(true, 1024, 1024)
	err := s.Consume(context.Background(), "unknown", 999999)
	require.NoError(t, err)
}

func TestShaper_CeilingBoundsThroughput(t *testing.T) {
	const ceiling = 256 * 1024 // 256 KiB/s
	const burst = 64 * 1024

	s := New(true, 10*1024*1024, 10*1024*1024)
	s.AddLeaf("leaf-a", LeafConfig{
		GuaranteedRate: 32 * 1024,
		CeilingRate:    ceiling,
		BurstSize:      burst,
		RefillInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	var sent int64
	offered := int64(2 * 1024 * 1024) // offer far more than the ceiling allows
	chunk := int64(16 * 1024)
	for sent < offered {
		if err := s.Consume(ctx, "leaf-a", chunk); err != nil {
			break
		}
		sent += chunk
	}
	elapsed := time.Since(start).Seconds()

	maxAllowed := float64(ceiling)*elapsed + float64(burst) + float64(chunk)
	require.LessOrEqualf(t, float64(sent), maxAllowed,
		"sent %d bytes in %.3fs, exceeding ceiling*W+burst=%.0f", sent, elapsed, maxAllowed)
}

func TestShaper_ConsumeRespectsCancellation(t *testing.T) {
	s := New(true, 1, 1)
	s.AddLeaf("leaf-a", LeafConfig{GuaranteedRate: 1, CeilingRate: 1, BurstSize: 1, RefillInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Consume(ctx, "leaf-a", 1024*1024)
	require.ErrorIs(t, err, context.Canceled)
}

func TestShaper_SplitsLargeRequestsAboveBurst(t *testing.T) {
	s := New(true, 10*1024*1024, 10*1024*1024)
	s.AddLeaf("leaf-a", LeafConfig{
		GuaranteedRate: 1024 * 1024,
		CeilingRate:    1024 * 1024,
		BurstSize:      8 * 1024,
		RefillInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Consume(ctx, "leaf-a", 64*1024))
}
