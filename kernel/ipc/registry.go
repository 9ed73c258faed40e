package ipc

import (
	"waterbear/kernel"
	"waterbear/kernel/sync"
)

var (
	errServerExists   = &kernel.Error{Module: "ipc", Message: "process already owns a server"}
	errSidTaken       = &kernel.Error{Module: "ipc", Message: "requested server id is already in use"}
	errUnknownServer  = &kernel.Error{Module: "ipc", Message: "no server with that id or pid"}
)

// Server is a process's registered mailbox: a public or auto-assigned
// 64-bit identity plus a FIFO of undelivered messages.
type Server struct {
	Pid      uint64
	Sid      uint64
	messages []Message
}

// Registry is the global, spinlock-guarded list of live servers. Construct
// it with NewRegistry, which starts the auto-assignment counter at 1; the
// kernel keeps exactly one Registry for its entire lifetime.
type Registry struct {
	lock       sync.Spinlock
	servers    []*Server
	nextAutoID uint64
}

// NewRegistry returns a Registry with its auto-assignment counter
// initialized to 1, skipping the reserved 0 and SentinelSid values.
func NewRegistry() *Registry {
	return &Registry{nextAutoID: 1}
}

// Register creates a Server owned by pid. If requestedSid is nil, the next
// counter value is assigned; otherwise that exact id is used if free. It
// fails if pid already owns a server, or if the requested id collides with
// an existing one.
func (r *Registry) Register(pid uint64, requestedSid *uint64) (uint64, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, s := range r.servers {
		if s.Pid == pid {
			return 0, errServerExists
		}
	}

	var sid uint64
	if requestedSid == nil {
		sid = r.nextAutoID
		r.nextAutoID++
		if r.nextAutoID == SentinelSid {
			// Past the sentinel the counter would wrap to the reserved 0.
			r.nextAutoID = 1
		}
	} else {
		sid = *requestedSid
		for _, s := range r.servers {
			if s.Sid == sid {
				return 0, errSidTaken
			}
		}
	}

	r.servers = append(r.servers, &Server{Pid: pid, Sid: sid})
	return sid, nil
}

// GetByPid returns the server owned by pid, if any.
func (r *Registry) GetByPid(pid uint64) (*Server, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, s := range r.servers {
		if s.Pid == pid {
			return s, nil
		}
	}
	return nil, errUnknownServer
}

// GetBySid returns the server with the given id, if any.
func (r *Registry) GetBySid(sid uint64) (*Server, *kernel.Error) {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, s := range r.servers {
		if s.Sid == sid {
			return s, nil
		}
	}
	return nil, errUnknownServer
}

// RemoveByPid drops every message sent by pid from every server's queue,
// then removes the server pid itself owns, if any. It is called once, when
// pid exits.
func (r *Registry) RemoveByPid(pid uint64) {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, s := range r.servers {
		kept := s.messages[:0]
		for _, m := range s.messages {
			if m.SenderPid != pid {
				kept = append(kept, m)
			}
		}
		s.messages = kept
	}

	for i, s := range r.servers {
		if s.Pid == pid {
			r.servers = append(r.servers[:i], r.servers[i+1:]...)
			break
		}
	}
}

// Send enqueues msg at the back of server's FIFO.
func (r *Registry) Send(server *Server, msg Message) {
	r.lock.Acquire()
	defer r.lock.Release()
	server.messages = append(server.messages, msg)
}

// Receive pops the message at the front of server's FIFO, if any.
func (r *Registry) Receive(server *Server) (Message, bool) {
	r.lock.Acquire()
	defer r.lock.Release()

	if len(server.messages) == 0 {
		return Message{}, false
	}

	m := server.messages[0]
	server.messages = server.messages[1:]
	return m, true
}

// HasQueuedMessages reports whether server has at least one undelivered
// message, without dequeuing it.
func (r *Registry) HasQueuedMessages(server *Server) bool {
	r.lock.Acquire()
	defer r.lock.Release()
	return len(server.messages) > 0
}
