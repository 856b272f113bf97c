// Package supervisor watches the long-running loops and restarts the ones
// that stop beating. Liveness is read through per-task slots updated by the
// loops themselves, so a probe never has to call into a wedged task.
package supervisor

import (
	"sync"
	"time"

	"gridpilot/logger"
)

// Slot is a task's liveness handle. The owning loop calls Beat every
// iteration and MarkStopped on clean exit; the supervisor only ever reads.
type Slot struct {
	mu       sync.Mutex
	lastBeat time.Time
	stopped  bool
}

// NewSlot creates a slot that counts as alive until its deadline passes
func NewSlot() *Slot {
	return &Slot{lastBeat: time.Now()}
}

// Beat records one loop iteration
func (s *Slot) Beat() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.stopped = false
	s.mu.Unlock()
}

// MarkStopped records a clean exit so the supervisor does not treat the
// silence as a hang
func (s *Slot) MarkStopped() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Alive reports whether the task beat within the deadline. A cleanly
// stopped task is reported as alive-but-stopped via the second value.
func (s *Slot) Alive(deadline time.Duration) (alive, stopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, true
	}
	return time.Since(s.lastBeat) <= deadline, false
}

// RestartEvent one recorded restart
type RestartEvent struct {
	Task   string    `json:"task"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type task struct {
	name        string
	slot        *Slot
	deadline    time.Duration
	restart     func()
	lastRestart time.Time
}

// Supervisor periodically checks every registered task and restarts dead
// ones, subject to a per-task cooldown so a crash-looping task cannot spin.
type Supervisor struct {
	mu      sync.Mutex
	tasks   []*task
	history []RestartEvent

	checkInterval   time.Duration
	restartCooldown time.Duration
	historyCap      int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a supervisor
func New(checkInterval, restartCooldown time.Duration) *Supervisor {
	if checkInterval <= 0 {
		checkInterval = 10 * time.Second
	}
	if restartCooldown <= 0 {
		restartCooldown = 60 * time.Second
	}
	return &Supervisor{
		checkInterval:   checkInterval,
		restartCooldown: restartCooldown,
		historyCap:      100,
		stopCh:          make(chan struct{}),
	}
}

// Register adds a task. The deadline is how long the slot may go without a
// beat before the task counts as dead; restart must be safe to call on a
// dead task and returns a freshly started instance behind the same slot.
func (s *Supervisor) Register(name string, slot *Slot, deadline time.Duration, restart func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{
		name:     name,
		slot:     slot,
		deadline: deadline,
		restart:  restart,
	})
	logger.Infof("👁  Supervising task: %s (deadline %v)", name, deadline)
}

// Start launches the check loop
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
	logger.Info("🛡  Supervisor started")
}

// Stop halts the check loop. Supervised tasks are not touched; they are
// shut down by their owners in the shutdown sequence.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logger.Info("🛡  Supervisor stopped")
}

// History returns a copy of the recorded restarts, newest last
func (s *Supervisor) History() []RestartEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RestartEvent, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkAll()
		}
	}
}

func (s *Supervisor) checkAll() {
	s.mu.Lock()
	tasks := make([]*task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, t := range tasks {
		alive, stopped := t.slot.Alive(t.deadline)
		if alive || stopped {
			continue
		}
		s.restartTask(t)
	}
}

func (s *Supervisor) restartTask(t *task) {
	s.mu.Lock()
	if time.Since(t.lastRestart) < s.restartCooldown {
		s.mu.Unlock()
		logger.Warnf("⏳ Task %s is dead but inside restart cooldown, waiting", t.name)
		return
	}
	t.lastRestart = time.Now()
	s.history = append(s.history, RestartEvent{
		Task:   t.name,
		At:     t.lastRestart,
		Reason: "no heartbeat within deadline",
	})
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
	s.mu.Unlock()

	logger.Errorf("💀 Task %s missed its heartbeat deadline, restarting", t.name)

	// Restart failures must not take the supervisor down with the task.
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("🚨 Restart of %s panicked: %v", t.name, r)
		}
	}()
	t.restart()
	t.slot.Beat()
	logger.Infof("♻️  Task %s restarted", t.name)
}
