package stagetask

import (
	"sync"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

type eventKind int

const (
	evEnqueued eventKind = iota
	evOutput
	evStats
	evFrameDone
	evError
)

type event struct {
	kind    eventKind
	seq     int64
	streams []int
	stream  int
	buf     *buffer.Buffer
	dropped bool
	stage   string
	stats   tuning.Stats
	err     error
}

// eventQueue is an unbounded FIFO with a single consumer.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.wake()
}

// close reports whether this call closed the queue.
func (q *eventQueue) close() bool {
	q.mu.Lock()
	defer q.wake()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	return true
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// take blocks until events are queued and returns all of them. It returns
// false once the queue is closed and empty.
func (q *eventQueue) take() ([]event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items := q.items
			q.items = nil
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// loop delivers engine events to the listener in order.
func (e *Engine) loop() {
	defer close(e.loopDone)

	streamOrder := make(map[int][]int64)
	held := make(map[int]map[int64]event)
	var frameOrder []int64
	done := make(map[int64]bool)

	for {
		batch, ok := e.events.take()
		if !ok {
			return
		}
		for _, ev := range batch {
			switch ev.kind {
			case evEnqueued:
				for _, sid := range ev.streams {
					streamOrder[sid] = append(streamOrder[sid], ev.seq)
				}
				frameOrder = append(frameOrder, ev.seq)
			case evOutput:
				if held[ev.stream] == nil {
					held[ev.stream] = make(map[int64]event)
				}
				held[ev.stream][ev.seq] = ev
				order := streamOrder[ev.stream]
				for len(order) > 0 {
					next, ok := held[ev.stream][order[0]]
					if !ok {
						break
					}
					delete(held[ev.stream], order[0])
					order = order[1:]
					if e.listener.Output != nil {
						e.listener.Output(next.seq, next.stream, next.buf, next.dropped)
					}
				}
				streamOrder[ev.stream] = order
			case evStats:
				if e.listener.Stats != nil {
					e.listener.Stats(ev.seq, ev.stage, ev.stats)
				}
			case evFrameDone:
				done[ev.seq] = true
				for len(frameOrder) > 0 && done[frameOrder[0]] {
					seq := frameOrder[0]
					delete(done, seq)
					frameOrder = frameOrder[1:]
					if e.listener.FrameProcessed != nil {
						e.listener.FrameProcessed(seq)
					}
				}
			case evError:
				if e.listener.Error != nil {
					e.listener.Error(ev.seq, ev.err)
				}
			}
		}
	}
}
