package stagetask

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// QueueOutputs queues the output buffers of seq, keyed by data output
// terminal. An empty set makes seq a pass-through: its inputs are returned
// unprocessed once they arrive.
func (s *Stage) QueueOutputs(seq int64, outputs map[int]*buffer.Buffer) (Outcome, error) {
	if outputs == nil {
		outputs = map[int]*buffer.Buffer{}
	}
	return s.Submit(seq, nil, outputs)
}

// QueueInput queues one input buffer of seq.
func (s *Stage) QueueInput(seq int64, terminal int, b *buffer.Buffer) (Outcome, error) {
	s.mu.Lock()
	if err := s.checkQueueLocked(seq); err != nil {
		s.mu.Unlock()
		return Deferred, err
	}
	if err := s.queueInputLocked(seq, terminal, b); err != nil {
		s.mu.Unlock()
		return Deferred, err
	}
	outcome := s.outcomeLocked(seq)
	s.mu.Unlock()

	s.dispatch()
	return outcome, nil
}

// Submit queues inputs and outputs of seq together. Passing a nil outputs
// map queues inputs only.
func (s *Stage) Submit(seq int64, inputs, outputs map[int]*buffer.Buffer) (Outcome, error) {
	s.mu.Lock()
	if err := s.checkQueueLocked(seq); err != nil {
		s.mu.Unlock()
		return Deferred, err
	}
	if outputs != nil {
		if _, dup := s.queuedOut[seq]; dup {
			s.mu.Unlock()
			return Deferred, fmt.Errorf("stage %s: outputs of seq %d already queued: %w", s.name, seq, status.ErrBadValue)
		}
		for term, b := range outputs {
			if b != nil && !s.dataOut[term] {
				s.mu.Unlock()
				return Deferred, fmt.Errorf("stage %s: terminal %d is not a data output: %w", s.name, term, status.ErrBadValue)
			}
		}
	}
	for term, b := range inputs {
		if err := s.checkInputLocked(seq, term, b); err != nil {
			s.mu.Unlock()
			return Deferred, err
		}
	}

	for term, b := range inputs {
		if err := s.queueInputLocked(seq, term, b); err != nil {
			s.mu.Unlock()
			return Deferred, err
		}
	}
	if outputs != nil {
		populated := make(map[int]*buffer.Buffer, len(outputs))
		for term, b := range outputs {
			if b != nil {
				populated[term] = b
			}
		}
		s.queuedOut[seq] = populated
	}
	outcome := s.outcomeLocked(seq)
	s.mu.Unlock()

	s.dispatch()
	return outcome, nil
}

func (s *Stage) checkQueueLocked(seq int64) error {
	if s.state != StateRunning {
		return fmt.Errorf("stage %s is %s: %w", s.name, s.state, status.ErrInvalidOperation)
	}
	if seq < 0 {
		return fmt.Errorf("stage %s: negative sequence %d: %w", s.name, seq, status.ErrBadValue)
	}
	if _, running := s.pending[seq]; running || s.inDispatch[seq] {
		return fmt.Errorf("stage %s: seq %d already submitted: %w", s.name, seq, status.ErrBadValue)
	}
	return nil
}

func (s *Stage) checkInputLocked(seq int64, term int, b *buffer.Buffer) error {
	if b == nil {
		return fmt.Errorf("stage %s: nil input for terminal %d: %w", s.name, term, status.ErrBadValue)
	}
	if !s.inputs[term] {
		return fmt.Errorf("stage %s: terminal %d is not a fed input: %w", s.name, term, status.ErrBadValue)
	}
	if _, dup := s.queuedIn[seq][term]; dup {
		return fmt.Errorf("stage %s: input %d of seq %d already queued: %w", s.name, term, seq, status.ErrBadValue)
	}
	return nil
}

func (s *Stage) queueInputLocked(seq int64, term int, b *buffer.Buffer) error {
	if err := s.checkInputLocked(seq, term, b); err != nil {
		return err
	}
	in, ok := s.queuedIn[seq]
	if !ok {
		in = make(map[int]*buffer.Buffer, len(s.inputs))
		s.queuedIn[seq] = in
	}
	in[term] = b
	return nil
}

func (s *Stage) readyLocked(seq int64) bool {
	if _, ok := s.queuedOut[seq]; !ok {
		return false
	}
	return len(s.queuedIn[seq]) == len(s.inputs)
}

func (s *Stage) outcomeLocked(seq int64) Outcome {
	if s.readyLocked(seq) {
		return Accepted
	}
	return Deferred
}

// fetchTaskLocked pops the lowest ready sequence, or returns false. A
// sequence with outputs waits until a payload slot is free, so the slot
// count bounds how many tasks run against the stage at once.
func (s *Stage) fetchTaskLocked() (job, bool) {
	best, found := int64(0), false
	for seq := range s.queuedOut {
		if s.readyLocked(seq) && (!found || seq < best) {
			best, found = seq, true
		}
	}
	if !found {
		return job{}, false
	}
	j := job{seq: best, slot: -1, inputs: s.queuedIn[best], outputs: s.queuedOut[best]}
	if len(s.slots) > 0 && len(j.outputs) > 0 {
		if len(s.freeSlots) == 0 {
			return job{}, false
		}
		j.slot = s.freeSlots[0]
		s.freeSlots = s.freeSlots[1:]
	}
	delete(s.queuedIn, best)
	delete(s.queuedOut, best)
	s.inDispatch[best] = true
	s.active++
	if s.cfg.Streaming.StrictOrder() {
		s.releaseOrder = append(s.releaseOrder, best)
	}
	return j, true
}

// dispatch runs ready tasks until none is left. Only one goroutine
// dispatches at a time so a stage submits in sequence order; a caller that
// finds a dispatch in progress returns, and the running loop picks up what
// it queued.
func (s *Stage) dispatch() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for {
		j, ok := s.fetchTaskLocked()
		if !ok {
			break
		}
		s.mu.Unlock()
		s.run(j)
		s.mu.Lock()
	}
	s.dispatching = false
	s.mu.Unlock()
}

func (s *Stage) run(j job) {
	if len(j.outputs) == 0 {
		s.finishUnrun(j, Skipped, nil)
		return
	}

	var payloads map[int][]byte
	if s.payload {
		res, ok := s.tuning.Results(s.cfg.Node.ResourceID, s.cfg.Node.ContextID, j.seq)
		if !ok {
			s.logger.Debug("No tuning results, dropping task.", "seq", j.seq)
			s.finishUnrun(j, Dropped, nil)
			return
		}
		payloads = res.Payloads
	}

	s.mu.Lock()
	t := &task{job: j, submitted: time.Now()}
	terms, outs := s.bindLocked(t, payloads)
	evicted := s.trackLocked(t)
	ctx := s.runCtx
	s.mu.Unlock()

	for _, old := range evicted {
		s.evict(old)
	}

	s.obs.TaskSubmitted(s.name)
	err := s.exec.AddTask(ctx, executor.Task{
		Stage:      s.name,
		ResourceID: s.cfg.Node.ResourceID,
		ContextID:  s.cfg.Node.ContextID,
		Sequence:   j.seq,
		Terminals:  terms,
		Outputs:    outs,
		Done:       s.onBufferDone,
	})
	if err == nil {
		return
	}

	s.mu.Lock()
	_, still := s.pending[j.seq]
	s.untrackLocked(j.seq)
	s.mu.Unlock()
	if !still {
		return
	}
	s.logger.Error("Task submission failed.", "seq", j.seq, "error", err)
	for _, b := range j.outputs {
		b.Flags |= buffer.FlagError
	}
	s.finishUnrun(j, Failed, err)
}

// bindLocked maps every terminal of the task to a buffer and returns the
// terminal map and the terminals the task writes.
func (s *Stage) bindLocked(t *task, payloads map[int][]byte) (map[int]*buffer.Buffer, []int) {
	terms := make(map[int]*buffer.Buffer, len(t.inputs)+len(s.scratch)+len(s.slots)+2*len(s.rings)+len(s.inPlace))
	var outs []int

	for term, b := range t.inputs {
		terms[term] = b
		if t.timestamp.IsZero() && !b.Timestamp.IsZero() {
			t.timestamp = b.Timestamp
		}
	}
	for term, b := range t.outputs {
		terms[term] = b
		outs = append(outs, term)
	}
	for term, b := range s.scratch {
		if _, ok := terms[term]; !ok {
			terms[term] = b
			outs = append(outs, term)
		}
	}
	for out, r := range s.rings {
		cur := r.bufs[t.seq%2]
		terms[out] = cur
		if r.delay > 0 {
			terms[r.in] = r.bufs[(t.seq+1)%2]
		} else {
			terms[r.in] = cur
		}
		outs = append(outs, out)
	}
	for term, b := range s.inPlace {
		terms[term] = b
	}

	for term, set := range s.slots {
		b := set.bufs[t.slot]
		terms[term] = b
		switch set.kind {
		case topologystore.TerminalParamIn:
			clear(b.Data)
			copy(b.Data, payloads[term])
			b.Sequence = t.seq
		case topologystore.TerminalStatsOut:
			t.stats = b
			outs = append(outs, term)
		default:
			outs = append(outs, term)
		}
	}
	slices.Sort(outs)
	return terms, outs
}

// trackLocked records t and evicts the oldest tasks past the pending
// capacity.
func (s *Stage) trackLocked(t *task) []*task {
	var evicted []*task
	for len(s.pending) >= s.cfg.PendingCapacity && len(s.pendingOrder) > 0 {
		oldest := s.pendingOrder[0]
		evicted = append(evicted, s.pending[oldest])
		s.untrackLocked(oldest)
	}
	delete(s.inDispatch, t.seq)
	s.pending[t.seq] = t
	s.pendingOrder = append(s.pendingOrder, t.seq)
	return evicted
}

func (s *Stage) untrackLocked(seq int64) {
	delete(s.pending, seq)
	if i := slices.Index(s.pendingOrder, seq); i >= 0 {
		s.pendingOrder = slices.Delete(s.pendingOrder, i, i+1)
	}
}

func (s *Stage) evict(t *task) {
	err := fmt.Errorf("stage %s: seq %d evicted from a full pending map: %w", s.name, t.seq, status.ErrNoMemory)
	s.logger.Warn("Pending task evicted.", "seq", t.seq)
	for _, b := range t.outputs {
		b.Flags |= buffer.FlagError
	}
	s.finishUnrun(t.job, Dropped, err)
}

// onBufferDone is the executor completion of seq.
func (s *Stage) onBufferDone(seq int64, err error) {
	s.mu.Lock()
	t, ok := s.pending[seq]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("Completion for an unknown sequence ignored.", "seq", seq)
		return
	}
	s.untrackLocked(seq)
	rel := s.completeReleaseLocked(seq, t.inputs)
	s.mu.Unlock()

	res := Completed
	if err != nil {
		res = Failed
		s.logger.Warn("Task failed.", "seq", seq, "error", err)
	}

	terms := slices.Sorted(maps.Keys(t.outputs))
	for _, term := range terms {
		b := t.outputs[term]
		if err != nil {
			b.Flags |= buffer.FlagError
		}
		b.Sequence = seq
		if b.Timestamp.IsZero() {
			b.Timestamp = t.timestamp
		}
		if s.cb.BufferReady != nil {
			s.cb.BufferReady(seq, term, b)
		}
	}

	if t.stats != nil && err == nil {
		st, derr := s.tuning.DecodeStats(s.cfg.Node.ResourceID, s.cfg.Node.ContextID, seq, t.stats)
		switch {
		case derr != nil:
			s.logger.Warn("Statistics decode failed.", "seq", seq, "error", derr)
		case s.cb.StatsReady != nil:
			s.cb.StatsReady(seq, st)
		}
	}

	s.release(rel)
	s.obs.TaskResolved(s.name, res, time.Since(t.submitted))
	if s.cb.Resolved != nil {
		s.cb.Resolved(seq, res, err)
	}
	s.done(t.job)
}

// Cancel withdraws a sequence that has not formed a task yet. Its queued
// inputs are released and its outputs dropped. It reports whether anything
// was cancelled.
func (s *Stage) Cancel(seq int64) bool {
	s.mu.Lock()
	in, hasIn := s.queuedIn[seq]
	out, hasOut := s.queuedOut[seq]
	if !hasIn && !hasOut {
		s.mu.Unlock()
		return false
	}
	delete(s.queuedIn, seq)
	delete(s.queuedOut, seq)
	s.mu.Unlock()

	s.logger.Debug("Sequence cancelled.", "seq", seq)
	s.resolveUnrun(job{seq: seq, inputs: in, outputs: out}, Cancelled, nil, []release{{seq, in}})
	return true
}

// finishUnrun resolves a fetched job that never completed on the executor.
func (s *Stage) finishUnrun(j job, r Resolution, err error) {
	s.mu.Lock()
	rel := s.completeReleaseLocked(j.seq, j.inputs)
	s.mu.Unlock()

	s.resolveUnrun(j, r, err, rel)
	s.done(j)
}

func (s *Stage) resolveUnrun(j job, r Resolution, err error, rel []release) {
	s.release(rel)
	if len(j.outputs) > 0 && s.cb.DropOutputs != nil {
		s.cb.DropOutputs(j.seq, j.outputs)
	}
	s.obs.TaskResolved(s.name, r, 0)
	if s.cb.Resolved != nil {
		s.cb.Resolved(j.seq, r, err)
	}
}

// done retires one fetched job and hands its payload slot to the next
// waiting sequence.
func (s *Stage) done(j job) {
	s.mu.Lock()
	delete(s.inDispatch, j.seq)
	freed := j.slot >= 0
	if freed {
		s.freeSlots = append(s.freeSlots, j.slot)
	}
	if s.active > 0 {
		s.active--
	}
	if s.active == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
	running := s.state == StateRunning
	s.mu.Unlock()

	if freed && running {
		s.dispatch()
	}
}

// completeReleaseLocked returns the input sets that may be released now that
// seq finished. Strictly ordered streams release in fetch order.
func (s *Stage) completeReleaseLocked(seq int64, inputs map[int]*buffer.Buffer) []release {
	if !s.cfg.Streaming.StrictOrder() || !slices.Contains(s.releaseOrder, seq) {
		return []release{{seq, inputs}}
	}
	s.releasable[seq] = inputs
	var out []release
	for len(s.releaseOrder) > 0 {
		head := s.releaseOrder[0]
		in, ok := s.releasable[head]
		if !ok {
			break
		}
		out = append(out, release{head, in})
		delete(s.releasable, head)
		s.releaseOrder = s.releaseOrder[1:]
	}
	return out
}

func (s *Stage) flushReleasesLocked() []release {
	var out []release
	for _, seq := range s.releaseOrder {
		if in, ok := s.releasable[seq]; ok {
			out = append(out, release{seq, in})
		}
	}
	s.releaseOrder = nil
	clear(s.releasable)
	return out
}

func (s *Stage) release(rel []release) {
	if s.cb.ReleaseInputs == nil {
		return
	}
	for _, r := range rel {
		if len(r.inputs) > 0 {
			s.cb.ReleaseInputs(r.seq, r.inputs)
		}
	}
}
