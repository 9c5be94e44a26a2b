package offline

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testTransport struct {
	send func(ctx context.Context, request *Request) (ResponsePayload, error)

	stateLock sync.Mutex
	requests  []*Request
}

func newTestTransport(send func(ctx context.Context, request *Request) (ResponsePayload, error)) *testTransport {
	return &testTransport{
		send: send,
	}
}

func (self *testTransport) Send(ctx context.Context, request *Request) (ResponsePayload, error) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.requests = append(self.requests, request)
	}()
	return self.send(ctx, request)
}

func (self *testTransport) Requests() []*Request {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*Request{}, self.requests...)
}

func (self *testTransport) Commands() []string {
	commands := []string{}
	for _, request := range self.Requests() {
		commands = append(commands, request.Command)
	}
	return commands
}

func ok(ctx context.Context, request *Request) (ResponsePayload, error) {
	return ResponsePayload{"jsonCode": 200}, nil
}

func testQueueSettings() *QueueSettings {
	settings := DefaultQueueSettings()
	settings.InvokeTimeout = 5 * time.Second
	// resume only on `Resume`
	settings.BackoffInitialInterval = time.Hour
	settings.BackoffMaxInterval = time.Hour
	return settings
}

func newTestQueue(transport Transport, settings *QueueSettings) *SequentialQueue {
	session := NewSessionContext(Credential{
		AuthToken:          "t1",
		EncryptedAuthToken: "e1",
	})
	return NewSequentialQueue(
		context.Background(),
		NewStoreWithDefaults(),
		NewRemoteInvoker(transport, session),
		nil,
		settings,
	)
}

func loadingPatches(key string) Patches {
	return Patches{
		Optimistic: []Patch{MergePatch(key, map[string]any{"isLoading": true})},
		Success:    []Patch{MergePatch(key, map[string]any{"isLoading": false, "result": "success"})},
		Failure:    []Patch{MergePatch(key, map[string]any{"isLoading": false, "result": "failure"})},
	}
}

func TestQueueOptimisticThenSuccess(t *testing.T) {
	release := make(chan struct{})
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		<-release
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	entry := queue.Enqueue(NewWrite("Update", Parameters{"a": "a"}, loadingPatches("a")))

	// visible when enqueue returns
	value, _ := queue.Store().Get("a")
	assert.Equal(t, value, map[string]any{"isLoading": true})
	assert.NotEqual(t, entry.State(), EntryStateSucceeded)

	close(release)
	waitForEntry(t, entry)

	assert.Equal(t, entry.State(), EntryStateSucceeded)
	assert.Equal(t, entry.Err(), nil)
	value, _ = queue.Store().Get("a")
	assert.Equal(t, value, map[string]any{"isLoading": false, "result": "success"})
	assert.Equal(t, transport.Requests()[0].Parameters, Parameters{"a": "a"})
	assert.Equal(t, transport.Requests()[0].RequestId, entry.Id())
	assert.Equal(t, transport.Requests()[0].AuthToken, "t1")
}

func TestQueueRejected(t *testing.T) {
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		if request.Command == "Fail" {
			return ResponsePayload{"jsonCode": 402, "message": "no"}, nil
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	entryA := queue.Enqueue(NewWrite("Fail", nil, loadingPatches("a")))
	entryB := queue.Enqueue(NewWrite("Update", nil, loadingPatches("b")))
	waitForEntry(t, entryA)
	waitForEntry(t, entryB)

	assert.Equal(t, entryA.State(), EntryStateFailed)
	var rejectedErr *RemoteRejectedError
	assert.Equal(t, errors.As(entryA.Err(), &rejectedErr), true)
	assert.Equal(t, rejectedErr.Code, 402)
	assert.Equal(t, rejectedErr.Message, "no")

	// one failure does not block siblings
	assert.Equal(t, entryB.State(), EntryStateSucceeded)

	a, _ := queue.Store().Get("a")
	assert.Equal(t, a, map[string]any{"isLoading": false, "result": "failure"})
	b, _ := queue.Store().Get("b")
	assert.Equal(t, b, map[string]any{"isLoading": false, "result": "success"})
}

func TestQueueWriteOrdering(t *testing.T) {
	n := 32

	var inFlightLock sync.Mutex
	inFlight := 0
	maxInFlight := 0
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		func() {
			inFlightLock.Lock()
			defer inFlightLock.Unlock()
			inFlight += 1
			maxInFlight = max(maxInFlight, inFlight)
		}()
		time.Sleep(time.Duration(mathrand.Intn(3)) * time.Millisecond)
		func() {
			inFlightLock.Lock()
			defer inFlightLock.Unlock()
			inFlight -= 1
		}()
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	commands := []string{}
	resolveOrder := []string{}
	var resolveLock sync.Mutex
	for i := 0; i < n; i += 1 {
		command := fmt.Sprintf("Write%d", i)
		commands = append(commands, command)
		queue.EnqueueWithCallback(NewWrite(command, nil, Patches{}), func(payload ResponsePayload, err error) {
			resolveLock.Lock()
			defer resolveLock.Unlock()
			resolveOrder = append(resolveOrder, command)
		})
	}
	waitForIdle(t, queue)

	assert.Equal(t, transport.Commands(), commands)
	assert.Equal(t, resolveOrder, commands)
	assert.Equal(t, maxInFlight, 1)
}

func TestQueueReadDuringWrite(t *testing.T) {
	releaseWrite := make(chan struct{})
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		if request.Command == "Write" {
			<-releaseWrite
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	write := queue.Enqueue(NewWrite("Write", nil, Patches{}))
	read := queue.Enqueue(NewRead("Read", nil, loadingPatches("r")))

	// the read resolves while the write is in flight
	waitForEntry(t, read)
	assert.Equal(t, read.State(), EntryStateSucceeded)
	assert.Equal(t, write.State(), EntryStateDispatched)

	close(releaseWrite)
	waitForEntry(t, write)
}

func TestQueueReadNotAheadOfWrite(t *testing.T) {
	releaseWrite := make(chan struct{})
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		if request.Command == "Write1" {
			<-releaseWrite
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	write1 := queue.Enqueue(NewWrite("Write1", nil, Patches{}))
	write2 := queue.Enqueue(NewWrite("Write2", nil, Patches{}))
	read := queue.Enqueue(NewRead("Read", nil, Patches{}))

	waitFor(t, func() bool {
		return write1.State() == EntryStateDispatched
	})
	time.Sleep(50 * time.Millisecond)
	// write2 waits on write1, and the read waits on write2
	assert.Equal(t, write2.State(), EntryStatePending)
	assert.Equal(t, read.State(), EntryStatePending)

	close(releaseWrite)
	waitForIdle(t, queue)
	assert.Equal(t, transport.Commands(), []string{"Write1", "Write2", "Read"})
}

func TestQueueConcurrentReads(t *testing.T) {
	settings := testQueueSettings()
	settings.MaxConcurrentReads = 2

	var inFlightLock sync.Mutex
	inFlight := 0
	maxInFlight := 0
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		func() {
			inFlightLock.Lock()
			defer inFlightLock.Unlock()
			inFlight += 1
			maxInFlight = max(maxInFlight, inFlight)
		}()
		time.Sleep(20 * time.Millisecond)
		func() {
			inFlightLock.Lock()
			defer inFlightLock.Unlock()
			inFlight -= 1
		}()
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, settings)
	defer queue.Close()

	for i := 0; i < 8; i += 1 {
		queue.Enqueue(NewRead(fmt.Sprintf("Read%d", i), nil, Patches{}))
	}
	waitForIdle(t, queue)

	assert.Equal(t, len(transport.Requests()), 8)
	assert.Equal(t, maxInFlight, 2)
}

func TestQueueSideEffectCredential(t *testing.T) {
	// a side effect rotation is visible to every entry dispatched after it,
	// with producers enqueueing concurrently
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		if request.Command == "Rotate" {
			time.Sleep(20 * time.Millisecond)
			return ResponsePayload{
				"jsonCode":           200,
				"authToken":          "t2",
				"encryptedAuthToken": "e2",
			}, nil
		}
		time.Sleep(time.Duration(mathrand.Intn(2)) * time.Millisecond)
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()
	queue.Invoker().SetSideEffectHandler("Rotate", CredentialRotationHandler("authToken", ""))

	producerCount := 8
	n := 16

	var entriesLock sync.Mutex
	entries := []*QueueEntry{}
	add := func(entry *QueueEntry) {
		entriesLock.Lock()
		defer entriesLock.Unlock()
		entries = append(entries, entry)
	}

	var rotate *QueueEntry
	var wg sync.WaitGroup
	for p := 0; p < producerCount; p += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i += 1 {
				if p == 0 && i == n/2 {
					rotate = queue.Enqueue(NewSideEffect("Rotate", nil, Patches{}))
					continue
				}
				if i%2 == 0 {
					add(queue.Enqueue(NewRead("Read", nil, Patches{})))
				} else {
					add(queue.Enqueue(NewWrite("Write", nil, Patches{})))
				}
			}
		}()
	}
	wg.Wait()
	waitForIdle(t, queue)

	assert.Equal(t, rotate.State(), EntryStateSucceeded)
	assert.Equal(t, queue.Invoker().Session().Credential().AuthToken, "t2")

	authTokens := map[Id]string{}
	for _, request := range transport.Requests() {
		authTokens[request.RequestId] = request.AuthToken
	}
	for _, entry := range entries {
		if entry.sequenceNumber < rotate.sequenceNumber {
			assert.Equal(t, authTokens[entry.Id()], "t1")
		} else {
			assert.Equal(t, authTokens[entry.Id()], "t2")
		}
	}
}

func TestQueueSideEffectMissingCredential(t *testing.T) {
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		// no rotated tokens
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()
	queue.Invoker().SetSideEffectHandler("Rotate", CredentialRotationHandler("authToken", ""))

	alerts := make(chan string, 8)
	queue.AddAlertCallback(func(kind string, err error) {
		alerts <- kind
	})

	payload, err := queue.EnqueueSync(context.Background(), NewSideEffect("Rotate", nil, loadingPatches("a")))
	assert.Equal(t, errors.Is(err, ErrSideEffectMissingCredential), true)
	assert.NotEqual(t, payload, nil)

	// failure patches applied, session unchanged
	a, _ := queue.Store().Get("a")
	assert.Equal(t, a, map[string]any{"isLoading": false, "result": "failure"})
	assert.Equal(t, queue.Invoker().Session().Credential().AuthToken, "t1")
	assert.Equal(t, queue.Invoker().Session().Version(), uint64(0))

	select {
	case kind := <-alerts:
		assert.Equal(t, kind, AlertKindSideEffectMissingCredential)
	case <-time.After(5 * time.Second):
		t.Fatalf("no alert")
	}
}

func TestQueueMalformedAlertThrottle(t *testing.T) {
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		return ResponsePayload{"jsonCode": "200"}, nil
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	var alertLock sync.Mutex
	alertKinds := []string{}
	queue.AddAlertCallback(func(kind string, err error) {
		alertLock.Lock()
		defer alertLock.Unlock()
		alertKinds = append(alertKinds, kind)
	})

	entryA := queue.Enqueue(NewWrite("A", nil, loadingPatches("a")))
	entryB := queue.Enqueue(NewWrite("B", nil, loadingPatches("b")))
	waitForEntry(t, entryA)
	waitForEntry(t, entryB)

	var malformedErr *MalformedResponseError
	assert.Equal(t, errors.As(entryA.Err(), &malformedErr), true)
	assert.Equal(t, errors.As(entryB.Err(), &malformedErr), true)

	// both fail, one alert
	alertLock.Lock()
	defer alertLock.Unlock()
	assert.Equal(t, alertKinds, []string{AlertKindMalformedResponse})
}

func TestQueueTransportPanic(t *testing.T) {
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		panic("bad response")
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	entry := queue.Enqueue(NewWrite("A", nil, loadingPatches("a")))
	waitForEntry(t, entry)

	var malformedErr *MalformedResponseError
	assert.Equal(t, errors.As(entry.Err(), &malformedErr), true)
}

func TestQueueAbandon(t *testing.T) {
	releaseWrite := make(chan struct{})
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		if request.Command == "Write1" {
			<-releaseWrite
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	write1 := queue.Enqueue(NewWrite("Write1", nil, loadingPatches("a")))
	write2 := queue.Enqueue(NewWrite("Write2", nil, loadingPatches("b")))

	waitFor(t, func() bool {
		return write1.State() == EntryStateDispatched
	})

	// dispatched entries cannot be abandoned
	assert.Equal(t, queue.Abandon(write1.Id()), ErrNotPending)

	assert.Equal(t, queue.Pending(), 1)
	assert.Equal(t, queue.Abandon(write2.Id()), nil)
	assert.Equal(t, queue.Pending(), 0)
	waitForEntry(t, write2)
	assert.Equal(t, write2.State(), EntryStateFailed)
	assert.Equal(t, errors.Is(write2.Err(), ErrAbandoned), true)
	b, _ := queue.Store().Get("b")
	assert.Equal(t, b, map[string]any{"isLoading": false, "result": "failure"})

	// resolved
	assert.Equal(t, queue.Abandon(write2.Id()), ErrNotPending)

	close(releaseWrite)
	waitForIdle(t, queue)
	assert.Equal(t, transport.Commands(), []string{"Write1"})
}

func TestQueueTimeout(t *testing.T) {
	settings := testQueueSettings()
	settings.InvokeTimeout = 50 * time.Millisecond

	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		if request.Command == "Slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, settings)
	defer queue.Close()

	slow := queue.Enqueue(NewWrite("Slow", nil, loadingPatches("a")))
	fast := queue.Enqueue(NewWrite("Fast", nil, loadingPatches("b")))
	waitForEntry(t, slow)
	waitForEntry(t, fast)

	var timeoutErr *TimeoutError
	assert.Equal(t, errors.As(slow.Err(), &timeoutErr), true)
	assert.Equal(t, timeoutErr.Retryable, true)
	assert.Equal(t, IsRetryable(slow.Err()), true)
	a, _ := queue.Store().Get("a")
	assert.Equal(t, a, map[string]any{"isLoading": false, "result": "failure"})

	assert.Equal(t, fast.State(), EntryStateSucceeded)
	// no auto retry
	assert.Equal(t, transport.Commands(), []string{"Slow", "Fast"})
}

func TestQueueTimeoutStuckTransport(t *testing.T) {
	settings := testQueueSettings()
	settings.InvokeTimeout = 50 * time.Millisecond

	// never returns until released, regardless of ctx
	release := make(chan struct{})
	defer close(release)
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		if request.Command == "Stuck" {
			<-release
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, settings)
	defer queue.Close()

	stuck := queue.Enqueue(NewWrite("Stuck", nil, loadingPatches("a")))
	next := queue.Enqueue(NewWrite("Next", nil, loadingPatches("b")))
	waitForIdle(t, queue)

	assert.Equal(t, stuck.State(), EntryStateFailed)
	var timeoutErr *TimeoutError
	assert.Equal(t, errors.As(stuck.Err(), &timeoutErr), true)
	assert.Equal(t, timeoutErr.Retryable, true)
	a, _ := queue.Store().Get("a")
	assert.Equal(t, a, map[string]any{"isLoading": false, "result": "failure"})

	// the write slot was released
	assert.Equal(t, next.State(), EntryStateSucceeded)
	assert.Equal(t, transport.Commands(), []string{"Stuck", "Next"})
}

func TestQueueNetworkUnavailable(t *testing.T) {
	var unavailableLock sync.Mutex
	unavailable := true
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		unavailableLock.Lock()
		defer unavailableLock.Unlock()
		if unavailable {
			return nil, fmt.Errorf("%w: connection refused", ErrNetworkUnavailable)
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	write1 := queue.Enqueue(NewWrite("Write1", nil, loadingPatches("a")))
	waitFor(t, queue.IsOffline)

	write2 := queue.Enqueue(NewWrite("Write2", nil, loadingPatches("b")))
	time.Sleep(50 * time.Millisecond)

	// back to pending, optimistic state kept
	assert.Equal(t, write1.State(), EntryStatePending)
	assert.Equal(t, write2.State(), EntryStatePending)
	a, _ := queue.Store().Get("a")
	assert.Equal(t, a, map[string]any{"isLoading": true})
	assert.Equal(t, queue.Outstanding(), 2)

	func() {
		unavailableLock.Lock()
		defer unavailableLock.Unlock()
		unavailable = false
	}()
	queue.Resume()
	waitForIdle(t, queue)

	assert.Equal(t, queue.IsOffline(), false)
	assert.Equal(t, write1.State(), EntryStateSucceeded)
	assert.Equal(t, write2.State(), EntryStateSucceeded)
	assert.Equal(t, transport.Commands(), []string{"Write1", "Write1", "Write2"})

	// retries keep the request id
	requests := transport.Requests()
	assert.Equal(t, requests[0].RequestId, requests[1].RequestId)
}

func TestQueueNetworkUnavailableBackoff(t *testing.T) {
	settings := testQueueSettings()
	settings.BackoffInitialInterval = 10 * time.Millisecond
	settings.BackoffMaxInterval = 20 * time.Millisecond

	var countLock sync.Mutex
	count := 0
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		countLock.Lock()
		defer countLock.Unlock()
		count += 1
		if count <= 3 {
			return nil, ErrNetworkUnavailable
		}
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, settings)
	defer queue.Close()

	// the probe resumes without a `Resume` signal
	entry := queue.Enqueue(NewWrite("Write", nil, Patches{}))
	waitForEntry(t, entry)
	assert.Equal(t, entry.State(), EntryStateSucceeded)
	assert.Equal(t, len(transport.Requests()), 4)
}

func TestQueueWaitForIdle(t *testing.T) {
	releases := map[string]chan struct{}{
		"Write1": make(chan struct{}),
		"Write2": make(chan struct{}),
	}
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		<-releases[request.Command]
		return ok(ctx, request)
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	// idle
	waitForIdle(t, queue)

	write1 := queue.Enqueue(NewWrite("Write1", nil, Patches{}))

	idle := make(chan error, 1)
	go func() {
		idle <- queue.WaitForIdle(context.Background())
	}()

	// enqueued while waiting
	write2 := queue.Enqueue(NewWrite("Write2", nil, Patches{}))

	close(releases["Write1"])
	waitForEntry(t, write1)

	select {
	case <-idle:
		t.Fatalf("idle with an outstanding entry")
	case <-time.After(50 * time.Millisecond):
	}

	close(releases["Write2"])
	select {
	case err := <-idle:
		assert.Equal(t, err, nil)
	case <-time.After(10 * time.Second):
		t.Fatalf("not idle")
	}
	assert.Equal(t, write2.State(), EntryStateSucceeded)

	ctx, cancel := context.WithCancel(context.Background())
	queue.Enqueue(NewWrite("Write3", nil, Patches{}))
	cancel()
	// Write3 never resolves
	assert.Equal(t, queue.WaitForIdle(ctx), context.Canceled)
}

func TestQueueClosed(t *testing.T) {
	queue := newTestQueue(newTestTransport(ok), testQueueSettings())
	queue.Close()

	entry := queue.Enqueue(NewWrite("Write", nil, loadingPatches("a")))
	waitForEntry(t, entry)
	assert.Equal(t, errors.Is(entry.Err(), ErrQueueClosed), true)
	// nothing applied
	_, present := queue.Store().Get("a")
	assert.Equal(t, present, false)

	assert.Equal(t, queue.WaitForIdle(context.Background()), nil)
}

func TestQueueCloseDuringSync(t *testing.T) {
	dispatched := make(chan struct{})
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		close(dispatched)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	queue := newTestQueue(transport, testQueueSettings())

	result := make(chan error, 1)
	go func() {
		_, err := queue.EnqueueSync(context.Background(), NewSideEffect("SideEffect", nil, Patches{}))
		result <- err
	}()
	<-dispatched
	queue.Close()

	select {
	case err := <-result:
		assert.Equal(t, errors.Is(err, ErrQueueClosed), true)
	case <-time.After(10 * time.Second):
		t.Fatalf("sync enqueue did not return after close")
	}
}

func TestQueueResponsePatches(t *testing.T) {
	transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
		return ResponsePayload{
			"jsonCode": 200,
			"patches": []any{
				map[string]any{
					"key":   "report_1",
					"op":    "replace",
					"value": map[string]any{"name": "r1"},
				},
			},
		}, nil
	})
	queue := newTestQueue(transport, testQueueSettings())
	defer queue.Close()

	entry := queue.Enqueue(NewRead("OpenReport", nil, loadingPatches("reportMetadata_1")))
	waitForEntry(t, entry)

	report, _ := queue.Store().Get("report_1")
	assert.Equal(t, report, map[string]any{"name": "r1"})
	metadata, _ := queue.Store().Get("reportMetadata_1")
	assert.Equal(t, metadata, map[string]any{"isLoading": false, "result": "success"})
}

func TestQueueRandomizedResolution(t *testing.T) {
	// for writes on the same key, the final value equals the optimistic patches followed by
	// each entry's resolved patch in resolution order
	for seed := int64(0); seed < 16; seed += 1 {
		r := mathrand.New(mathrand.NewSource(seed))
		n := 4 + r.Intn(16)

		outcomes := make([]bool, n)
		delays := make([]time.Duration, n)
		for i := 0; i < n; i += 1 {
			outcomes[i] = r.Intn(2) == 0
			delays[i] = time.Duration(r.Intn(3)) * time.Millisecond
		}

		// all optimistic patches settle before the first dispatch
		start := make(chan struct{})
		transport := newTestTransport(func(ctx context.Context, request *Request) (ResponsePayload, error) {
			<-start
			i := request.Parameters["i"].(int)
			time.Sleep(delays[i])
			if outcomes[i] {
				return ok(ctx, request)
			}
			return ResponsePayload{"jsonCode": 400}, nil
		})
		queue := newTestQueue(transport, testQueueSettings())

		descriptors := []*MutationDescriptor{}
		var resolveLock sync.Mutex
		resolveOrder := []int{}
		for i := 0; i < n; i += 1 {
			pendingField := fmt.Sprintf("pending%d", i)
			descriptor := NewWrite("Write", Parameters{"i": i}, Patches{
				Optimistic: []Patch{MergePatch("k", map[string]any{
					pendingField: true,
					"value":      fmt.Sprintf("optimistic%d", i),
				})},
				Success: []Patch{MergePatch("k", map[string]any{
					pendingField: nil,
					"value":      fmt.Sprintf("success%d", i),
				})},
				Failure: []Patch{MergePatch("k", map[string]any{
					pendingField:                nil,
					fmt.Sprintf("failed%d", i): true,
				})},
			})
			descriptors = append(descriptors, descriptor)
			queue.EnqueueWithCallback(descriptor, func(payload ResponsePayload, err error) {
				resolveLock.Lock()
				defer resolveLock.Unlock()
				resolveOrder = append(resolveOrder, i)
			})
		}
		close(start)
		waitForIdle(t, queue)
		queue.Close()

		expected := NewStoreWithDefaults()
		for _, descriptor := range descriptors {
			expected.Apply(descriptor.OptimisticPatches...)
		}
		for _, i := range resolveOrder {
			if outcomes[i] {
				expected.Apply(descriptors[i].SuccessPatches...)
			} else {
				expected.Apply(descriptors[i].FailurePatches...)
			}
		}

		assert.Equal(t, len(resolveOrder), n)
		assert.Equal(t, queue.Store().Snapshot(), expected.Snapshot())
	}
}
