package gate

import (
	"context"
	"fmt"
	"sync"
)

// StaticSource serves signal values set in memory. It backs dry runs and
// lets an operator drive the gate by hand.
type StaticSource struct {
	mu     sync.RWMutex
	values map[int]int
}

// NewStaticSource creates a source with the given initial values.
func NewStaticSource(initial map[int]int) *StaticSource {
	values := make(map[int]int, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &StaticSource{values: values}
}

// Set changes the value of code.
func (s *StaticSource) Set(code, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[code] = value
}

func (s *StaticSource) Read(ctx context.Context, code int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[code]
	if !ok {
		return 0, fmt.Errorf("signal %d not set", code)
	}
	return v, nil
}
