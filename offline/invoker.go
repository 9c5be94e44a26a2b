package offline

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// the single contract with the network collaborator
// transports return errors wrapping `ErrNetworkUnavailable` when the remote could not be reached,
// `*RemoteRejectedError` when the remote answered with a rejection, and
// `*MalformedResponseError` when the answer could not be decoded
type Transport interface {
	Send(ctx context.Context, request *Request) (ResponsePayload, error)
}

type TransportFunction func(ctx context.Context, request *Request) (ResponsePayload, error)

func (self TransportFunction) Send(ctx context.Context, request *Request) (ResponsePayload, error) {
	return self(ctx, request)
}

type Request struct {
	// the queue entry id. Stable across retries of the same entry
	RequestId  Id
	Command    string
	Parameters Parameters
	AuthToken  string
}

// maps a side effect response to the next session credential
// returning the current credential leaves the session unchanged
type SideEffectHandler func(credential Credential, descriptor *MutationDescriptor, payload ResponsePayload) (Credential, error)

// rotates the credential from `authTokenField` and "encryptedAuthToken" in the response
// when `delegateParameter` is set, the delegate email is taken from that request parameter,
// otherwise the rotation returns to acting as self
func CredentialRotationHandler(authTokenField string, delegateParameter string) SideEffectHandler {
	return func(credential Credential, descriptor *MutationDescriptor, payload ResponsePayload) (Credential, error) {
		authToken, _ := payload[authTokenField].(string)
		encryptedAuthToken, _ := payload["encryptedAuthToken"].(string)
		if authToken == "" || encryptedAuthToken == "" {
			return credential, fmt.Errorf("%s: %w", descriptor.Command, ErrSideEffectMissingCredential)
		}
		delegateEmail := ""
		if delegateParameter != "" {
			delegateEmail, _ = descriptor.Parameters[delegateParameter].(string)
		}
		return Credential{
			AuthToken:          authToken,
			EncryptedAuthToken: encryptedAuthToken,
			DelegateEmail:      delegateEmail,
		}, nil
	}
}

// adapts descriptors into transport calls and owns all mutation of the session
type RemoteInvoker struct {
	transport Transport
	session   *SessionContext

	stateLock          sync.Mutex
	sideEffectHandlers map[string]SideEffectHandler

	tracer oteltrace.Tracer
	log    LogFunction
}

func NewRemoteInvoker(transport Transport, session *SessionContext) *RemoteInvoker {
	return &RemoteInvoker{
		transport:          transport,
		session:            session,
		sideEffectHandlers: map[string]SideEffectHandler{},
		tracer:             otel.Tracer("github.com/bringyour/offline"),
		log:                LogFn(LogLevelDebug, "invoker"),
	}
}

func (self *RemoteInvoker) Session() *SessionContext {
	return self.session
}

func (self *RemoteInvoker) SetSideEffectHandler(command string, handler SideEffectHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sideEffectHandlers[command] = handler
}

func (self *RemoteInvoker) sideEffectHandler(command string) SideEffectHandler {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sideEffectHandlers[command]
}

// for side effect descriptors, any session change is committed before this returns
func (self *RemoteInvoker) Invoke(ctx context.Context, requestId Id, descriptor *MutationDescriptor) (ResponsePayload, error) {
	credential := self.session.Credential()

	ctx, span := self.tracer.Start(ctx, fmt.Sprintf("invoke %s", descriptor.Command))
	defer span.End()
	span.SetAttributes(
		attribute.String("offline.request_id", requestId.String()),
		attribute.Bool("offline.side_effect", descriptor.IsSideEffect),
		attribute.Bool("offline.read", descriptor.IsRead),
	)

	payload, err := self.invoke(ctx, credential, requestId, descriptor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return payload, err
}

func (self *RemoteInvoker) invoke(ctx context.Context, credential Credential, requestId Id, descriptor *MutationDescriptor) (ResponsePayload, error) {
	request := &Request{
		RequestId:  requestId,
		Command:    descriptor.Command,
		Parameters: descriptor.Parameters,
		AuthToken:  credential.AuthToken,
	}

	payload, err := self.send(ctx, request)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, &MalformedResponseError{Err: fmt.Errorf("%s: empty response", descriptor.Command)}
	}
	if err := checkJsonCode(payload); err != nil {
		return nil, err
	}
	if _, err := ResponsePatches(payload); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}

	if descriptor.IsSideEffect {
		if handler := self.sideEffectHandler(descriptor.Command); handler != nil {
			nextCredential, err := handler(credential, descriptor, payload)
			if err != nil {
				return payload, err
			}
			if self.session.rotate(nextCredential) {
				self.log("[%s]rotated credential (delegate=%q)", requestId, nextCredential.DelegateEmail)
			}
		}
	}

	return payload, nil
}

type sendResult struct {
	payload ResponsePayload
	err     error
}

// returns when `ctx` is done even if the transport does not watch it.
// A transport that outlives `ctx` finishes in the background and its result is dropped
func (self *RemoteInvoker) send(ctx context.Context, request *Request) (ResponsePayload, error) {
	result := make(chan *sendResult, 1)
	go func() {
		var payload ResponsePayload
		var err error
		HandleError(func() {
			payload, err = self.transport.Send(ctx, request)
		}, func(panicErr error) {
			payload = nil
			err = &MalformedResponseError{Err: panicErr}
		})
		result <- &sendResult{
			payload: payload,
			err:     err,
		}
	}()

	select {
	case r := <-result:
		return r.payload, r.err
	case <-ctx.Done():
		self.log("[%s]%s no response: %s", request.RequestId, request.Command, ctx.Err())
		return nil, ctx.Err()
	}
}

// for use by the reseed flow, which runs with the queue idle
func (self *RemoteInvoker) commitCredential(credential Credential) {
	self.session.rotate(credential)
}

// responses may carry an application status in "jsonCode"
func checkJsonCode(payload ResponsePayload) error {
	value, ok := payload["jsonCode"]
	if !ok {
		return nil
	}
	var code int
	switch v := value.(type) {
	case float64:
		code = int(v)
	case int:
		code = v
	case int64:
		code = int(v)
	default:
		return &MalformedResponseError{Err: fmt.Errorf("jsonCode has type %T", value)}
	}
	if code == 200 {
		return nil
	}
	message, _ := payload["message"].(string)
	return &RemoteRejectedError{
		Code:    code,
		Message: message,
	}
}

// responses may carry remote state as "patches", applied after the entry's success patches
func ResponsePatches(payload ResponsePayload) ([]Patch, error) {
	value, ok := payload["patches"]
	if !ok || value == nil {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("patches has type %T", value)
	}
	patches := make([]Patch, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("patch has type %T", e)
		}
		patch, err := patchFromMap(m)
		if err != nil {
			return nil, err
		}
		patches = append(patches, patch)
	}
	return patches, nil
}
