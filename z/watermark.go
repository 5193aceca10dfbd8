package z

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/emirpasic/gods/utils"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

const (
	// waterMarkShards is the number of independently locked buckets used to count outstanding begins. Begin and Done
	// for different indices rarely contend with each other.
	waterMarkShards = 32
)

var (
	// ErrWaterMarkClosed is returned by WaitForMark when the watermark is stopped while a caller is waiting.
	ErrWaterMarkClosed = errors.New("watermark has been closed")
)

type (
	// WaterMark is used to keep track of the minimum un-finished index. Typically, an index k becomes finished or
	// "done" according to a WaterMark once Done(k) has been called
	//   1. as many times as Begin(k) has, AND
	//   2. a positive number of times.
	//
	// An index may also become "done" by calling SetDoneUntil at a time such that it is not inter-mingled with
	// Begin/Done calls.
	//
	// Since doneUntil and lastIndex addresses are passed to sync/atomic packages, we ensure that they are 64-bit
	// aligned by putting them at the beginning of the structure.
	WaterMark struct {
		doneUntil   uint64
		lastIndex   uint64
		Name        string
		markChannel chan mark
		closed      <-chan struct{}
		eventLog    trace.EventLog

		// shards count the outstanding begins for each index so that a mismatched Done can be caught on the
		// caller's goroutine instead of corrupting the mark in the background.
		shards [waterMarkShards]waterMarkShard
	}

	waterMarkShard struct {
		sync.Mutex
		outstanding map[uint64]int
	}

	// mark contains an index, along with a done boolean to indicate the
	// status of the index: begin or done. It also contains waiters, who could be
	// waiting for the watermark to reach >= a certain index.
	mark struct {
		// Either this is an (index, waiter) pair or (index, done).
		index  uint64
		waiter chan struct{}

		// Done will be true once the index is finished.
		done bool
	}
)

// Init initializes a WaterMark struct. MUST be called before using it. The processing goroutine is stopped by the
// provided closer, which must have been created with room for it.
func (w *WaterMark) Init(closer *Closer, eventLogging bool) {
	w.markChannel = make(chan mark, 100)
	w.closed = closer.HasBeenClosed()
	for i := range w.shards {
		w.shards[i].outstanding = map[uint64]int{}
	}

	w.eventLog = NewEventLog(eventLogging, "WaterMark", w.Name)

	go w.process(closer)
}

// Begin sets the last index to the given value and registers it as pending. The same index can be begun more than
// once, each begin needs its own Done. An index can be begun at the done mark, but never below it.
func (w *WaterMark) Begin(index uint64) {
	doneUntil := w.DoneUntil()
	AssertTruef(index >= doneUntil, "%s: begin(%d) called below the done mark %d", w.Name, index, doneUntil)
	w.storeLastIndex(index)

	shard := w.shard(index)
	shard.Lock()
	defer shard.Unlock()

	shard.outstanding[index]++
	w.send(mark{index: index, done: false})
}

// BeginMany works like Begin but accepts multiple indices.
func (w *WaterMark) BeginMany(indices []uint64) {
	for _, index := range indices {
		w.Begin(index)
	}
}

// Done sets a single index as done. Calling Done for an index that has no outstanding Begin is a bug in the caller
// and panics.
func (w *WaterMark) Done(index uint64) {
	shard := w.shard(index)
	shard.Lock()
	defer shard.Unlock()

	count, ok := shard.outstanding[index]
	AssertTruef(ok && count > 0, "%s: done(%d) called without a matching begin", w.Name, index)
	if count == 1 {
		delete(shard.outstanding, index)
	} else {
		shard.outstanding[index] = count - 1
	}

	// The mark is sent while the shard is still locked, that way the processing goroutine sees begin and done
	// events for the same index in the same order that the counters did.
	w.send(mark{index: index, done: true})
}

// DoneMany works like Done but accepts multiple indices.
func (w *WaterMark) DoneMany(indices []uint64) {
	for _, index := range indices {
		w.Done(index)
	}
}

// DoneUntil returns the maximum index that has the property that all indices
// less than or equal to it are done.
func (w *WaterMark) DoneUntil() uint64 {
	return atomic.LoadUint64(&w.doneUntil)
}

// SetDoneUntil sets the maximum index that has the property that all indices
// less than or equal to it are done. It is meant to be used while bootstrapping, the mark never moves backwards.
func (w *WaterMark) SetDoneUntil(value uint64) {
	w.advance(value)
}

// LastIndex returns the last index for which Begin has been called.
func (w *WaterMark) LastIndex() uint64 {
	return atomic.LoadUint64(&w.lastIndex)
}

// WaitForMark waits until the given index is marked as done. A caller that gives up because its context is done
// leaves the watermark untouched.
func (w *WaterMark) WaitForMark(ctx context.Context, index uint64) error {
	if w.DoneUntil() >= index {
		return nil
	}

	waitChannel := make(chan struct{})
	select {
	case w.markChannel <- mark{index: index, waiter: waitChannel}:
	case <-w.closed:
		return ErrWaterMarkClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return ErrWaterMarkClosed
	case <-waitChannel:
		return nil
	}
}

func (w *WaterMark) shard(index uint64) *waterMarkShard {
	return &w.shards[index%waterMarkShards]
}

// send pushes the mark to the processing goroutine unless the watermark has already been stopped.
func (w *WaterMark) send(m mark) {
	select {
	case w.markChannel <- m:
	case <-w.closed:
	}
}

func (w *WaterMark) storeLastIndex(index uint64) {
	for {
		last := atomic.LoadUint64(&w.lastIndex)
		if index <= last || atomic.CompareAndSwapUint64(&w.lastIndex, last, index) {
			return
		}
	}
}

// advance moves doneUntil forward to until. It returns false if the mark was already at or past until.
func (w *WaterMark) advance(until uint64) bool {
	for {
		current := atomic.LoadUint64(&w.doneUntil)
		if until <= current {
			return false
		}

		if atomic.CompareAndSwapUint64(&w.doneUntil, current, until) {
			return true
		}
	}
}

// process is used to process the Mark channel. This is not thread-safe,
// so only run one goroutine for process. One is sufficient, because
// all goroutine ops use purely memory and cpu.
// Each index has to emit at least one begin watermark in serial order otherwise waiters
// can get blocked indefinitely. Example: We had an watermark at 100 and a waiter at 101,
// if no watermark is emitted at index 101 then waiter would get stuck indefinitely as it
// can't decide whether the task at 101 has decided not to emit watermark or it didn't get
// scheduled yet.
func (w *WaterMark) process(closer *Closer) {
	defer closer.Done()

	// indices is a min-heap of every index that has pending begins, pending holds the number of begins that have not
	// been matched by a done yet.
	indices := binaryheap.NewWith(utils.UInt64Comparator)
	pending := make(map[uint64]int)
	waiters := make(map[uint64][]chan struct{})

	notifyWaiters := func(until uint64) {
		for index, channels := range waiters {
			if index > until {
				continue
			}

			for _, channel := range channels {
				close(channel)
			}
			delete(waiters, index)
		}
	}

	processOne := func(index uint64, done bool) {
		// If not already done, then set. Otherwise, don't undo a done entry.
		previous, present := pending[index]
		if !present {
			indices.Push(index)
		}

		delta := 1
		if done {
			delta = -1
		}
		pending[index] = previous + delta

		// Update mark by going through all indices in order; and checking if they have
		// been done. Stop at the first index, which isn't done.
		doneUntil := w.DoneUntil()
		until := doneUntil
		for !indices.Empty() {
			top, _ := indices.Peek()
			min := top.(uint64)
			if done := pending[min]; done > 0 {
				break // len(indices) will be > 0.
			}

			// Even if done is called multiple times causing it to become
			// negative, we should still pop the index.
			indices.Pop()
			delete(pending, min)

			// The index at the current mark can be begun again (several readers may share a read timestamp),
			// finishing it must not move the mark backwards.
			if min > until {
				until = min
			}
		}

		if until != doneUntil {
			w.advance(until)
			w.eventLog.Printf("%s: done until %d", w.Name, until)
		}

		notifyWaiters(w.DoneUntil())
	}

	for {
		select {
		case <-closer.HasBeenClosed():
			return
		case m := <-w.markChannel:
			if m.waiter != nil {
				if w.DoneUntil() >= m.index {
					close(m.waiter)
				} else {
					waiters[m.index] = append(waiters[m.index], m.waiter)
				}
				continue
			}

			processOne(m.index, m.done)
		}
	}
}
