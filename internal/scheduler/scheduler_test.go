package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 12, 7, 30, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("nextTick = %v, want %v", got, want)
	}
	onBoundary := time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)
	if got, want := s.nextTick(onBoundary), onBoundary.Add(15*time.Minute); !got.Equal(want) {
		t.Fatalf("nextTick on boundary = %v, want %v", got, want)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 12, 7, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("nextTick = %v", got)
	}
	if got := s.slotStart(now); !got.Equal(now) {
		t.Fatalf("slotStart = %v", got)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks atomic.Int32
	err := s.Run(ctx, func(ctx context.Context, slot time.Time) error {
		if ticks.Add(1) == 3 {
			cancel()
		}
		return errors.New("tick errors are logged, not fatal")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ticks.Load() < 3 {
		t.Fatalf("ticks = %d", ticks.Load())
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
