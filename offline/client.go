package offline

import (
	"context"
)

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		StoreSettings: DefaultStoreSettings(),
		QueueSettings: DefaultQueueSettings(),
	}
}

type ClientSettings struct {
	StoreSettings *StoreSettings
	QueueSettings *QueueSettings
}

// the surface used by business actions and the ui:
// a reactive store plus a sequential queue of mutations against the remote
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   *Store
	session *SessionContext
	invoker *RemoteInvoker
	queue   *SequentialQueue
}

func NewClientWithDefaults(ctx context.Context, transport Transport, credential Credential) *Client {
	return NewClient(ctx, transport, credential, NewStore(DefaultStoreSettings()), nil, DefaultClientSettings())
}

// `store` may be pre-seeded, e.g. loaded from a `StoreDb`
// `requestLog` may be nil
func NewClient(
	ctx context.Context,
	transport Transport,
	credential Credential,
	store *Store,
	requestLog RequestLog,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	session := NewSessionContext(credential)
	invoker := NewRemoteInvoker(transport, session)
	queue := NewSequentialQueue(cancelCtx, store, invoker, requestLog, settings.QueueSettings)

	return &Client{
		ctx:     cancelCtx,
		cancel:  cancel,
		store:   store,
		session: session,
		invoker: invoker,
		queue:   queue,
	}
}

func (self *Client) Store() *Store {
	return self.store
}

func (self *Client) Session() *SessionContext {
	return self.session
}

func (self *Client) Queue() *SequentialQueue {
	return self.queue
}

func (self *Client) SetSideEffectHandler(command string, handler SideEffectHandler) {
	self.invoker.SetSideEffectHandler(command, handler)
}

func (self *Client) AddAlertCallback(alertCallback AlertFunction) func() {
	return self.queue.AddAlertCallback(alertCallback)
}

// the optimistic patches are visible in the store when this returns
func (self *Client) Submit(command string, parameters Parameters, patches Patches) *QueueEntry {
	return self.queue.Enqueue(NewWrite(command, parameters, patches))
}

func (self *Client) SubmitRead(command string, parameters Parameters, patches Patches) *QueueEntry {
	return self.queue.Enqueue(NewRead(command, parameters, patches))
}

// blocks until the side effect resolves and returns its payload,
// so the caller can chain actions on the committed session
func (self *Client) SubmitSideEffect(ctx context.Context, command string, parameters Parameters, patches Patches) (ResponsePayload, error) {
	return self.queue.EnqueueSync(ctx, NewSideEffect(command, parameters, patches))
}

func (self *Client) SubmitSideEffectWithCallback(command string, parameters Parameters, patches Patches, callback ResponseCallback) *QueueEntry {
	return self.queue.EnqueueWithCallback(NewSideEffect(command, parameters, patches), callback)
}

func (self *Client) Abandon(entryId Id) error {
	return self.queue.Abandon(entryId)
}

func (self *Client) WaitForIdle(ctx context.Context) error {
	return self.queue.WaitForIdle(ctx)
}

func (self *Client) Reseed(ctx context.Context, preserve []string, seedPatches []Patch, credential Credential) error {
	return self.queue.Reseed(ctx, preserve, seedPatches, credential)
}

func (self *Client) Resume() {
	self.queue.Resume()
}

func (self *Client) Close() {
	self.queue.Close()
	self.cancel()
}
