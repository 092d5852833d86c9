package election

import (
	"context"
	"sync"
)

// LeaderRoutine is a routine to be run while holding leadership.
type LeaderRoutine func(ctx context.Context)

// LeaderRoutineManager manages routines to run when leadership is
// acquired.
type LeaderRoutineManager struct {
	mu       sync.Mutex
	routines []LeaderRoutine
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Register registers a routine to run.
func (m *LeaderRoutineManager) Register(routine LeaderRoutine) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.routines = append(m.routines, routine)

	if m.running {
		m.run(routine)
	}
}

// Running determines if the routines are running.
func (m *LeaderRoutineManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// Start starts the registered routines.
func (m *LeaderRoutineManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, routine := range m.routines {
		m.run(routine)
	}
}

func (m *LeaderRoutineManager) run(routine LeaderRoutine) {
	m.wg.Add(1)
	go func(ctx context.Context) {
		defer m.wg.Done()

		routine(ctx)
	}(m.ctx)
}

// Stop signals all the routines to stop and waits for them to return.
func (m *LeaderRoutineManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false

	m.cancel()
	m.cancel = nil
	m.ctx = nil
	m.mu.Unlock()

	m.wg.Wait()
}
