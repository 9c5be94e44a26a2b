package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// server initiated updates. Each message is a batch of patches applied atomically
// through `Store.Apply`, the same path as queue resolutions

type PushMessage struct {
	Patches []*PushPatch `json:"patches"`
}

type PushPatch struct {
	Key      string   `json:"key,omitempty"`
	Op       string   `json:"op"`
	Value    any      `json:"value,omitempty"`
	Preserve []string `json:"preserve,omitempty"`
}

func NewPushPatch(patch Patch) *PushPatch {
	return &PushPatch{
		Key:      patch.Key,
		Op:       patch.Op.String(),
		Value:    patch.Value,
		Preserve: patch.Preserve,
	}
}

func (self *PushPatch) Patch() (Patch, error) {
	op, err := ParsePatchOp(self.Op)
	if err != nil {
		return Patch{}, err
	}
	if op == PatchOpClear {
		return ClearPatch(self.Preserve...), nil
	}
	return Patch{
		Key:   self.Key,
		Op:    op,
		Value: self.Value,
	}, nil
}

func DefaultPushClientSettings() *PushClientSettings {
	return &PushClientSettings{
		ReconnectTimeout: 5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

type PushClientSettings struct {
	ReconnectTimeout time.Duration
	HandshakeTimeout time.Duration
}

type PushClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	pushUrl  string
	store    *Store
	session  *SessionContext
	settings *PushClientSettings

	log     LogFunction
	infoLog LogFunction
}

func NewPushClientWithDefaults(ctx context.Context, pushUrl string, store *Store, session *SessionContext) *PushClient {
	return NewPushClient(ctx, pushUrl, store, session, DefaultPushClientSettings())
}

func NewPushClient(ctx context.Context, pushUrl string, store *Store, session *SessionContext, settings *PushClientSettings) *PushClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	pushClient := &PushClient{
		ctx:      cancelCtx,
		cancel:   cancel,
		pushUrl:  pushUrl,
		store:    store,
		session:  session,
		settings: settings,
		log:      LogFn(LogLevelDebug, "push"),
		infoLog:  LogFn(LogLevelInfo, "push"),
	}
	go HandleError(pushClient.run, func() {
		cancel()
	})
	return pushClient
}

func (self *PushClient) run() {
	for {
		err := self.connect()
		if errors.Is(err, errCredentialRotated) {
			self.log("reconnect with the rotated credential")
			continue
		}
		if err != nil {
			self.infoLog("disconnected: %s", err)
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

var errCredentialRotated = errors.New("credential rotated")

// reads until the connection fails, the credential rotates, or the client closes
func (self *PushClient) connect() error {
	if self.ctx.Err() != nil {
		return self.ctx.Err()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}

	header := http.Header{}
	// each connect uses the current credential
	credential, rotated := self.session.credentialWithRotation()
	if credential.AuthToken != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", credential.AuthToken))
	}

	conn, _, err := dialer.DialContext(self.ctx, self.pushUrl, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := SubLogFn(LogLevelDebug, self.log, conn.LocalAddr().String())
	log("connected")

	connCtx, connCancel := context.WithCancel(self.ctx)
	defer connCancel()

	var rotatedLock sync.Mutex
	credentialRotated := false
	go func() {
		select {
		case <-connCtx.Done():
		case <-rotated:
			rotatedLock.Lock()
			credentialRotated = true
			rotatedLock.Unlock()
		}
		conn.Close()
	}()

	for {
		message := &PushMessage{}
		if err := conn.ReadJSON(message); err != nil {
			rotatedLock.Lock()
			defer rotatedLock.Unlock()
			if credentialRotated {
				return errCredentialRotated
			}
			return err
		}
		patches := make([]Patch, 0, len(message.Patches))
		for _, pushPatch := range message.Patches {
			patch, err := pushPatch.Patch()
			if err != nil {
				// drop the whole batch so it applies atomically or not at all
				self.infoLog("bad push message: %s", err)
				patches = nil
				break
			}
			patches = append(patches, patch)
		}
		if 0 < len(patches) {
			log("apply %d patches", len(patches))
			self.store.Apply(patches...)
		}
	}
}

func (self *PushClient) Close() {
	self.cancel()
}
