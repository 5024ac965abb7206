package events

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

var (
	ErrAcquireTimeout = errors.New("semaphore acquire reached time limit")
	ErrNotAcquired    = errors.New("semaphore release failed, not acquired")
)

// SemaphoreControl 限制同时在途的 kafka 发送数量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
