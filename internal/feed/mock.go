package feed

import (
	"context"
	"sync"
)

// MockFeed replays a fixed script, one entry per poll, wrapping around at the
// end. Empty entries stand for polls where nothing was recognised.
type MockFeed struct {
	mu     sync.Mutex
	script []string
	next   int
}

func NewMockFeed(script []string) *MockFeed {
	if len(script) == 0 {
		script = []string{"H", "E", "L", "L", "O", ""}
	}
	return &MockFeed{script: append([]string(nil), script...)}
}

func (m *MockFeed) Poll(ctx context.Context) (Symbol, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.script[m.next%len(m.script)]
	m.next++
	return Symbol(s), nil
}
