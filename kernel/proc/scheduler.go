package proc

import (
	"waterbear/kernel/ipc"
	"waterbear/kernel/sync"
)

// Scheduler holds the global, insertion-ordered process queue. The process
// at the front of the queue is always "current" while it runs.
type Scheduler struct {
	lock     sync.Spinlock
	queue    []*Process
	registry *ipc.Registry
	now      func() uint64
}

// NewScheduler returns an empty scheduler. registry is consulted to decide
// whether a MessageSent process can be woken, and now reads the CLINT's
// monotonic tick counter to evaluate Sleeping wake times.
func NewScheduler(registry *ipc.Registry, now func() uint64) *Scheduler {
	return &Scheduler{registry: registry, now: now}
}

// Add inserts a newly constructed process at the back of the queue.
func (s *Scheduler) Add(p *Process) {
	s.lock.Acquire()
	defer s.lock.Release()
	s.queue = append(s.queue, p)
}

// Current returns the process at the front of the queue, or nil if the
// queue is empty.
func (s *Scheduler) Current() *Process {
	s.lock.Acquire()
	defer s.lock.Release()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

// Remove drops pid from the queue, e.g. on Exit.
func (s *Scheduler) Remove(pid uint64) {
	s.lock.Acquire()
	defer s.lock.Release()
	for i, p := range s.queue {
		if p.Pid == pid {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// All returns a snapshot of every process currently queued, in queue order.
// The syscall layer uses it to find a parent blocked on a just-exited
// child's pid without needing its own lock over the scheduler's queue.
func (s *Scheduler) All() []*Process {
	s.lock.Acquire()
	defer s.lock.Release()
	out := make([]*Process, len(s.queue))
	copy(out, s.queue)
	return out
}

// ByPid returns the queued process with the given pid, if any.
func (s *Scheduler) ByPid(pid uint64) *Process {
	s.lock.Acquire()
	defer s.lock.Release()
	for _, p := range s.queue {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// runnable evaluates whether p can be selected to run on this rotation, and
// performs any state promotion (Sleeping -> Ready, MessageSent -> Ready of
// the receiver, and so on) that the rotation discovers along the way.
func (s *Scheduler) runnable(p *Process) bool {
	switch p.State.Kind {
	case Ready:
		return true
	case HandlingInterrupt:
		return true
	case Sleeping:
		if s.now() >= p.State.WakeAt {
			p.State = State{Kind: Ready}
			return true
		}
		return false
	case MessageSent:
		server, err := s.registry.GetBySid(p.State.ReceiverSid)
		if err == nil && s.registry.HasQueuedMessages(server) {
			receiver := s.byPidLocked(server.Pid)
			if receiver != nil && receiver.State.Kind == WaitUntilMessageReceived {
				receiver.State = State{Kind: Ready}
			}
		}
		return false
	default:
		return false
	}
}

func (s *Scheduler) byPidLocked(pid uint64) *Process {
	for _, p := range s.queue {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// Pick rotates the queue by one, marking a previously Running process
// Ready, then scans forward up to one full lap looking for a runnable
// candidate. It returns the candidate to run next, or nil if none is
// runnable (the caller should then idle via wait-for-interrupt and call
// Pick again once an interrupt wakes the hart).
func (s *Scheduler) Pick() *Process {
	s.lock.Acquire()
	defer s.lock.Release()

	if len(s.queue) == 0 {
		return nil
	}

	if s.queue[0].State.Kind == Running {
		s.queue[0].State = State{Kind: Ready}
	}
	s.queue = append(s.queue[1:], s.queue[0])

	for i := 0; i < len(s.queue); i++ {
		candidate := s.queue[i]
		if !s.runnable(candidate) {
			continue
		}

		if i > 0 {
			reordered := make([]*Process, 0, len(s.queue))
			reordered = append(reordered, candidate)
			for j, p := range s.queue {
				if j != i {
					reordered = append(reordered, p)
				}
			}
			s.queue = reordered
		}

		if candidate.State.Kind != HandlingInterrupt {
			candidate.State = State{Kind: Running}
		}
		return candidate
	}

	return nil
}
