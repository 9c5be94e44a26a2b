package offline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

/*
Applies mutations against the remote with properties:
- optimistic patches settle in the store before `Enqueue` returns, in submission order
- writes are dispatched in submission order, and a write is dispatched only after
  the previous write has resolved
- reads may be dispatched while a write is in flight, but never ahead of an earlier entry
- a side effect entry blocks all dispatch until it resolves, so a credential rotation
  is visible to the next dispatched entry
- exactly one of the success or failure patches is applied per resolved entry
- errors resolve at the entry; one entry's failure never blocks its siblings

Network unavailable is not a resolution. The entry goes back to pending at its
original position and the queue goes offline until `Resume` or a backoff probe.
*/

// entry state machine is:
// EntryStatePending
//
//	-> EntryStateDispatched
//	  -> EntryStatePending (network unavailable)
//	  -> EntryStateSucceeded (terminal)
//	  -> EntryStateFailed (terminal)
//	-> EntryStateFailed (terminal, abandoned)
type EntryState string

const (
	EntryStatePending    EntryState = "Pending"
	EntryStateDispatched EntryState = "Dispatched"
	EntryStateSucceeded  EntryState = "Succeeded"
	EntryStateFailed     EntryState = "Failed"
)

func (self EntryState) IsTerminal() bool {
	switch self {
	case EntryStateSucceeded, EntryStateFailed:
		return true
	default:
		return false
	}
}

// called after the entry's success or failure patches are applied
type ResponseCallback func(payload ResponsePayload, err error)

// called for alert-class errors. Throttled per kind
type AlertFunction func(kind string, err error)

const (
	AlertKindMalformedResponse          = "malformed_response"
	AlertKindSideEffectMissingCredential = "side_effect_missing_credential"
)

// persists pending writes so they survive a restart
type RequestLog interface {
	Append(entryId Id, sequenceNumber uint64, descriptor *MutationDescriptor) error
	Remove(entryId Id) error
}

func DefaultQueueSettings() *QueueSettings {
	return &QueueSettings{
		InvokeTimeout:          60 * time.Second,
		MaxConcurrentReads:     4,
		BackoffInitialInterval: 1 * time.Second,
		BackoffMaxInterval:     60 * time.Second,
		BackoffMultiplier:      2,
		AlertInterval:          5 * time.Minute,
	}
}

type QueueSettings struct {
	// entries without a response past this horizon fail as retryable
	InvokeTimeout time.Duration
	// read-class entries in flight at the same time
	MaxConcurrentReads int64

	// network unavailable backoff probe
	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	BackoffMultiplier      float64

	// minimum time between alert callbacks of the same kind
	AlertInterval time.Duration
}

type QueueEntry struct {
	entryItem

	descriptor *MutationDescriptor
	callback   ResponseCallback
	enqueueTime time.Time

	stateLock sync.Mutex
	state     EntryState
	payload   ResponsePayload
	err       error

	done chan struct{}
}

func newQueueEntry(entryId Id, descriptor *MutationDescriptor, callback ResponseCallback) *QueueEntry {
	return &QueueEntry{
		entryItem: entryItem{
			entryId: entryId,
		},
		descriptor:  descriptor,
		callback:    callback,
		enqueueTime: time.Now(),
		state:       EntryStatePending,
		done:        make(chan struct{}),
	}
}

func (self *QueueEntry) Id() Id {
	return self.entryId
}

func (self *QueueEntry) Command() string {
	return self.descriptor.Command
}

func (self *QueueEntry) State() EntryState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// closed when the entry reaches a terminal state
func (self *QueueEntry) Done() <-chan struct{} {
	return self.done
}

func (self *QueueEntry) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *QueueEntry) Payload() ResponsePayload {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.payload
}

func (self *QueueEntry) setState(state EntryState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = state
}

func (self *QueueEntry) resolve(payload ResponsePayload, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err == nil {
		self.state = EntryStateSucceeded
	} else {
		self.state = EntryStateFailed
	}
	self.payload = payload
	self.err = err
}

type SequentialQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *QueueSettings

	store      *Store
	invoker    *RemoteInvoker
	requestLog RequestLog

	stateLock          sync.Mutex
	nextSequenceNumber uint64
	pending            *entryQueue[*QueueEntry]
	// pending or dispatched
	outstanding        map[Id]*QueueEntry
	writeInFlight      bool
	sideEffectInFlight bool
	offline            bool
	offlineRetryTime   time.Time
	backoff            *backoff.ExponentialBackOff
	closed             bool

	update *Monitor
	idle   *Monitor

	readSemaphore *semaphore.Weighted

	alertCallbacks *CallbackList[AlertFunction]
	alertLimiters  map[string]*rate.Limiter

	log     LogFunction
	infoLog LogFunction
}

func NewSequentialQueueWithDefaults(ctx context.Context, store *Store, invoker *RemoteInvoker) *SequentialQueue {
	return NewSequentialQueue(ctx, store, invoker, nil, DefaultQueueSettings())
}

// `requestLog` may be nil
func NewSequentialQueue(
	ctx context.Context,
	store *Store,
	invoker *RemoteInvoker,
	requestLog RequestLog,
	settings *QueueSettings,
) *SequentialQueue {
	cancelCtx, cancel := context.WithCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.BackoffInitialInterval
	b.MaxInterval = settings.BackoffMaxInterval
	b.Multiplier = settings.BackoffMultiplier
	b.Reset()

	queue := &SequentialQueue{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		store:          store,
		invoker:        invoker,
		requestLog:     requestLog,
		pending:        newEntryQueue[*QueueEntry](),
		outstanding:    map[Id]*QueueEntry{},
		backoff:        b,
		update:         NewMonitor(),
		idle:           NewMonitor(),
		readSemaphore:  semaphore.NewWeighted(max(1, settings.MaxConcurrentReads)),
		alertCallbacks: NewCallbackList[AlertFunction](),
		alertLimiters:  map[string]*rate.Limiter{},
		log:            LogFn(LogLevelDebug, "queue"),
		infoLog:        LogFn(LogLevelInfo, "queue"),
	}
	go HandleError(queue.run, func() {
		cancel()
	})
	return queue
}

func (self *SequentialQueue) Store() *Store {
	return self.store
}

func (self *SequentialQueue) Invoker() *RemoteInvoker {
	return self.invoker
}

func (self *SequentialQueue) AddAlertCallback(alertCallback AlertFunction) func() {
	callbackId := self.alertCallbacks.Add(alertCallback)
	return func() {
		self.alertCallbacks.Remove(callbackId)
	}
}

// applies the optimistic patches, then queues the entry for dispatch
func (self *SequentialQueue) Enqueue(descriptor *MutationDescriptor) *QueueEntry {
	return self.enqueue(NewId(), descriptor, nil, true)
}

func (self *SequentialQueue) EnqueueWithCallback(descriptor *MutationDescriptor, callback ResponseCallback) *QueueEntry {
	return self.enqueue(NewId(), descriptor, callback, true)
}

// queues entries from a previous process without re-applying their optimistic patches,
// which are already reflected in a persisted store.
// Entries keep their persisted id, which is the request id sent to the remote
func (self *SequentialQueue) Restore(requests ...*PersistedRequest) []*QueueEntry {
	entries := make([]*QueueEntry, len(requests))
	for i, request := range requests {
		entries[i] = self.enqueue(request.EntryId, request.Descriptor, nil, false)
	}
	return entries
}

// true if the entry is pending or dispatched
func (self *SequentialQueue) Contains(entryId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.outstanding[entryId]
	return ok
}

func (self *SequentialQueue) enqueue(entryId Id, descriptor *MutationDescriptor, callback ResponseCallback, optimistic bool) *QueueEntry {
	entry := newQueueEntry(entryId, descriptor.Clone(), callback)

	accepted := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return false
		}

		entry.sequenceNumber = self.nextSequenceNumber
		self.nextSequenceNumber += 1

		if optimistic {
			self.store.update(entry.descriptor.OptimisticPatches)
		}
		self.pending.Add(entry)
		self.outstanding[entry.entryId] = entry
		self.setGauges()

		if self.requestLog != nil && entry.descriptor.IsWrite() {
			if err := self.requestLog.Append(entry.entryId, entry.sequenceNumber, entry.descriptor); err != nil {
				glog.Warningf("[queue][%s]could not persist request: %s\n", entry.entryId, err)
			}
		}
		return true
	}()

	if !accepted {
		entry.resolve(nil, ErrQueueClosed)
		close(entry.done)
		if callback != nil {
			HandleError(func() {
				callback(nil, ErrQueueClosed)
			})
		}
		return entry
	}

	self.log("[%s]enqueue %s (%d)", entry.entryId, entry.descriptor.Command, entry.sequenceNumber)
	self.store.deliver()
	self.update.NotifyAll()
	return entry
}

// enqueues and blocks until the entry resolves
// the entry keeps running if `ctx` is done first. If the queue closes first,
// the entry is left unresolved for the request log and this returns `ErrQueueClosed`
func (self *SequentialQueue) EnqueueSync(ctx context.Context, descriptor *MutationDescriptor) (ResponsePayload, error) {
	entry := self.Enqueue(descriptor)
	select {
	case <-entry.Done():
		return entry.Payload(), entry.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrQueueClosed
	}
}

// skips dispatch of a pending entry and applies its failure patches
// returns `ErrNotPending` if the entry was already dispatched or resolved
func (self *SequentialQueue) Abandon(entryId Id) error {
	var entry *QueueEntry
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry, _ = self.pending.RemoveByEntryId(entryId)
		self.setGauges()
	}()
	if entry == nil {
		return ErrNotPending
	}
	self.log("[%s]abandon", entryId)
	self.resolve(entry, nil, ErrAbandoned)
	return nil
}

// connectivity returned. Dispatch pending entries now
func (self *SequentialQueue) Resume() {
	resumed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.backoff.Reset()
		if !self.offline {
			return false
		}
		self.offline = false
		return true
	}()
	if resumed {
		self.infoLog("resume")
		self.update.NotifyAll()
	}
}

func (self *SequentialQueue) IsOffline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.offline
}

// waiting for dispatch
func (self *SequentialQueue) Pending() int {
	return self.pending.QueueSize()
}

// must be called with the state lock
func (self *SequentialQueue) setGauges() {
	queuePending.Set(float64(self.pending.QueueSize()))
	queueOutstanding.Set(float64(len(self.outstanding)))
}

// pending or dispatched
func (self *SequentialQueue) Outstanding() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.outstanding)
}

// blocks until no entry is pending or dispatched
// entries enqueued while waiting are waited on too
func (self *SequentialQueue) WaitForIdle(ctx context.Context) error {
	for {
		var idle chan struct{}
		done := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if len(self.outstanding) == 0 {
				return true
			}
			idle = self.idle.NotifyChannel()
			return false
		}()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrQueueClosed
		case <-idle:
		}
	}
}

// pending entries stay in the request log to be restored by the next process
func (self *SequentialQueue) Close() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.closed = true
	}()
	self.cancel()
}

func (self *SequentialQueue) run() {
	for {
		entry, update, timeout := self.next()
		if entry != nil {
			go HandleError(func() {
				self.dispatch(entry)
			})
			continue
		}

		var t *time.Timer
		var timer <-chan time.Time
		if 0 < timeout {
			t = time.NewTimer(timeout)
			timer = t.C
		}
		select {
		case <-self.ctx.Done():
		case <-update:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
		if self.ctx.Err() != nil {
			return
		}
	}
}

// returns the next entry to dispatch, or the channel and timeout to wait on
func (self *SequentialQueue) next() (*QueueEntry, chan struct{}, time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	update := self.update.NotifyChannel()

	if self.offline {
		retryTimeout := time.Until(self.offlineRetryTime)
		if 0 < retryTimeout {
			return nil, update, retryTimeout
		}
		// probe
		self.offline = false
	}
	if self.sideEffectInFlight {
		return nil, update, 0
	}
	entry, ok := self.pending.PeekFirst()
	if !ok {
		return nil, update, 0
	}
	if entry.descriptor.IsWrite() {
		if self.writeInFlight {
			return nil, update, 0
		}
	} else if !self.readSemaphore.TryAcquire(1) {
		return nil, update, 0
	}

	self.pending.RemoveFirst()
	self.setGauges()
	entry.setState(EntryStateDispatched)
	if entry.descriptor.IsWrite() {
		self.writeInFlight = true
	}
	if entry.descriptor.IsSideEffect {
		self.sideEffectInFlight = true
	}
	return entry, nil, 0
}

func (self *SequentialQueue) dispatch(entry *QueueEntry) {
	self.log("[%s]dispatch %s", entry.entryId, entry.descriptor.Command)

	start := time.Now()
	ctx, cancel := context.WithTimeout(self.ctx, self.settings.InvokeTimeout)
	payload, err := self.invoker.Invoke(ctx, entry.entryId, entry.descriptor)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()
	queueDispatchDuration.WithLabelValues(entryClass(entry.descriptor)).Observe(time.Since(start).Seconds())

	if self.ctx.Err() != nil {
		// closed while in flight. Leave the entry for the next process
		self.release(entry)
		return
	}
	if err != nil && timedOut && !IsNetworkUnavailable(err) {
		err = &TimeoutError{
			Timeout:   self.settings.InvokeTimeout,
			Retryable: true,
		}
	}
	if IsNetworkUnavailable(err) {
		self.requeue(entry)
		return
	}
	self.resolve(entry, payload, err)
}

// must be called with the state lock, for a dispatched entry
func (self *SequentialQueue) releaseInFlight(entry *QueueEntry) {
	if entry.descriptor.IsWrite() {
		self.writeInFlight = false
	} else {
		self.readSemaphore.Release(1)
	}
	if entry.descriptor.IsSideEffect {
		self.sideEffectInFlight = false
	}
}

func (self *SequentialQueue) release(entry *QueueEntry) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.releaseInFlight(entry)
	}()
	self.update.NotifyAll()
}

// network unavailable. Back to pending at the original position
func (self *SequentialQueue) requeue(entry *QueueEntry) {
	var retryTimeout time.Duration
	wentOffline := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.releaseInFlight(entry)
		entry.setState(EntryStatePending)
		self.pending.Add(entry)
		self.setGauges()

		wasOffline := self.offline
		retryTimeout = self.backoff.NextBackOff()
		self.offline = true
		self.offlineRetryTime = time.Now().Add(retryTimeout)
		return !wasOffline
	}()
	if wentOffline {
		queueOfflineTotal.Inc()
	}
	self.infoLog("[%s]network unavailable, offline for %s", entry.entryId, retryTimeout)
	self.update.NotifyAll()
}

func (self *SequentialQueue) resolve(entry *QueueEntry, payload ResponsePayload, err error) {
	// abandoned entries were never dispatched and hold no in-flight slot
	dispatched := entry.State() == EntryStateDispatched

	if err == nil {
		// the invoker rejects payloads with unreadable patches
		responsePatches, _ := ResponsePatches(payload)
		self.store.update(append(slices.Clone(entry.descriptor.SuccessPatches), responsePatches...))
	} else {
		self.store.update(entry.descriptor.FailurePatches)
	}
	entry.resolve(payload, err)

	idle := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if dispatched {
			self.releaseInFlight(entry)
		}
		delete(self.outstanding, entry.entryId)
		self.setGauges()
		if err == nil {
			self.backoff.Reset()
		}
		if self.requestLog != nil && entry.descriptor.IsWrite() {
			if err := self.requestLog.Remove(entry.entryId); err != nil {
				glog.Warningf("[queue][%s]could not remove persisted request: %s\n", entry.entryId, err)
			}
		}
		return len(self.outstanding) == 0
	}()

	self.store.deliver()

	result := "success"
	if err != nil {
		result = "failure"
		self.log("[%s]failed %s: %s", entry.entryId, entry.descriptor.Command, err)
		if IsAlertError(err) {
			self.alert(entry, err)
		}
	} else {
		self.log("[%s]succeeded %s", entry.entryId, entry.descriptor.Command)
	}
	queueEntriesTotal.WithLabelValues(entryClass(entry.descriptor), result).Inc()

	close(entry.done)
	if entry.callback != nil {
		HandleError(func() {
			entry.callback(payload, err)
		})
	}

	self.update.NotifyAll()
	if idle {
		self.idle.NotifyAll()
	}
}

func (self *SequentialQueue) alert(entry *QueueEntry, err error) {
	kind := AlertKindMalformedResponse
	if errors.Is(err, ErrSideEffectMissingCredential) {
		kind = AlertKindSideEffectMissingCredential
	}
	glog.Errorf("[queue][%s]%s: %s\n", entry.entryId, entry.descriptor.Command, err)
	alertsTotal.WithLabelValues(kind).Inc()

	allow := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		limiter, ok := self.alertLimiters[kind]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(self.settings.AlertInterval), 1)
			self.alertLimiters[kind] = limiter
		}
		return limiter.Allow()
	}()
	if !allow {
		return
	}
	for _, alertCallback := range self.alertCallbacks.Get() {
		HandleError(func() {
			alertCallback(kind, err)
		}, func(callbackErr error) {
			glog.Warningf("[queue]alert callback %s failed: %s\n", CallbackName(alertCallback), callbackErr)
		})
	}
}
