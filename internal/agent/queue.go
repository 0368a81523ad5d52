package agent

import "sync"

// CommandKind discriminates media-thread commands.
type CommandKind int

const (
	// CommandPlayWAV plays a file into a call.
	CommandPlayWAV CommandKind = iota
)

// Command is one unit of work for the media thread.
type Command struct {
	Kind     CommandKind
	CallID   string // empty means first active call
	FilePath string
}

// Queue is the only cross-thread entry point into the media thread: any
// goroutine may submit, only the media thread drains. Unbounded FIFO.
type Queue struct {
	mu     sync.Mutex
	items  []Command
	closed bool
}

// NewQueue creates an open command queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Submit appends a command. After Close it reports ErrQueueClosed and the
// command is dropped.
func (q *Queue) Submit(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, cmd)
	return nil
}

// Drain removes and returns up to max commands without blocking.
func (q *Queue) Drain(max int) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Command, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

// Len reports the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects all future submissions. Already-queued commands stay
// drainable so the media thread can finish in-flight work.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
