package mockremote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bringyour/offline/offline"
	"github.com/bringyour/offline/offline/actions"
)

// an in-process remote that answers every command with success,
// unless a failure or delay is scheduled for the command

type Failure int

const (
	FailureNone Failure = iota
	// jsonCode 402
	FailureReject
	// http 503
	FailureUnavailable
	// a body that is not json
	FailureMalformed
	// side effect responses without the rotated tokens
	FailureMissingCredential
)

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		SigningKey: []byte(uuid.NewString()),
		AccountId:  uuid.NewString(),
		Email:      "owner@example.com",
		TokenTtl:   24 * time.Hour,
	}
}

type ServerSettings struct {
	SigningKey []byte
	// the account that tokens are issued for
	AccountId string
	Email     string
	TokenTtl  time.Duration
}

type RecordedRequest struct {
	RequestId   string
	ClientId    string
	Command     string
	AuthToken   string
	Parameters  map[string]any
	ReceiveTime time.Time
}

type scheduled struct {
	failure Failure
	delay   time.Duration
}

type Server struct {
	settings *ServerSettings

	router   chi.Router
	upgrader websocket.Upgrader

	stateLock       sync.Mutex
	scheduled       map[string][]*scheduled
	responsePatches map[string][]offline.Patch
	requests        []*RecordedRequest
	pushConns       map[*websocket.Conn]bool

	log offline.LogFunction
}

func NewServerWithDefaults() *Server {
	return NewServer(DefaultServerSettings())
}

func NewServer(settings *ServerSettings) *Server {
	server := &Server{
		settings:        settings,
		scheduled:       map[string][]*scheduled{},
		responsePatches: map[string][]offline.Patch{},
		requests:        []*RecordedRequest{},
		pushConns:       map[*websocket.Conn]bool{},
		log:             offline.LogFn(offline.LogLevelDebug, "mockremote"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/push", server.handlePush)
	router.Post("/{command}", server.handleCommand)
	server.router = router

	return server
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

// the next request for `command` fails with `failure`
// scheduled failures and delays apply in the order they were added
func (self *Server) FailNext(command string, failure Failure) {
	self.schedule(command, &scheduled{failure: failure})
}

// the next request for `command` is answered after `delay`, then fails with `failure`
func (self *Server) DelayNext(command string, delay time.Duration, failure Failure) {
	self.schedule(command, &scheduled{failure: failure, delay: delay})
}

func (self *Server) schedule(command string, s *scheduled) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.scheduled[command] = append(self.scheduled[command], s)
}

func (self *Server) next(command string) *scheduled {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	queue := self.scheduled[command]
	if len(queue) == 0 {
		return &scheduled{}
	}
	s := queue[0]
	if len(queue) == 1 {
		delete(self.scheduled, command)
	} else {
		self.scheduled[command] = queue[1:]
	}
	return s
}

// successful responses to `command` carry `patches`
func (self *Server) SetResponsePatches(command string, patches ...offline.Patch) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.responsePatches[command] = patches
}

// in receive order
func (self *Server) Requests() []*RecordedRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*RecordedRequest{}, self.requests...)
}

func (self *Server) CommandRequests(command string) []*RecordedRequest {
	requests := []*RecordedRequest{}
	for _, request := range self.Requests() {
		if request.Command == command {
			requests = append(requests, request)
		}
	}
	return requests
}

// an auth token for the configured account, acting for `delegateEmail` if not empty
func (self *Server) SignToken(delegateEmail string) (string, error) {
	claims := gojwt.MapClaims{
		"account_id": self.settings.AccountId,
		"email":      self.settings.Email,
		"exp":        time.Now().Add(self.settings.TokenTtl).Unix(),
	}
	if delegateEmail != "" {
		claims["delegate_email"] = delegateEmail
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.settings.SigningKey)
}

func (self *Server) VerifyToken(authToken string) (gojwt.MapClaims, error) {
	token, err := gojwt.Parse(authToken, func(token *gojwt.Token) (any, error) {
		return self.settings.SigningKey, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return token.Claims.(gojwt.MapClaims), nil
}

func (self *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parameters := map[string]any{}
	if err := json.Unmarshal(body, &parameters); err != nil {
		http.Error(w, fmt.Sprintf("bad parameters: %s", err), http.StatusBadRequest)
		return
	}

	request := &RecordedRequest{
		RequestId:   r.Header.Get("X-Request-Id"),
		ClientId:    r.Header.Get("X-Client-Id"),
		Command:     command,
		AuthToken:   strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		Parameters:  parameters,
		ReceiveTime: time.Now(),
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.requests = append(self.requests, request)
	}()

	s := self.next(command)
	self.log("[%s]%s (failure=%d, delay=%s)", request.RequestId, command, s.failure, s.delay)
	if 0 < s.delay {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.delay):
		}
	}

	switch s.failure {
	case FailureUnavailable:
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	case FailureMalformed:
		w.Header().Set("Content-Type", "text/json")
		w.Write([]byte("{\"jsonCode\": "))
		return
	case FailureReject:
		writeJson(w, map[string]any{
			"jsonCode": 402,
			"message":  fmt.Sprintf("%s rejected", command),
		})
		return
	}

	response := map[string]any{
		"jsonCode": 200,
	}
	if s.failure != FailureMissingCredential {
		switch command {
		case actions.CommandConnectAsDelegate:
			to, _ := parameters["to"].(string)
			authToken, err := self.SignToken(to)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			response["restrictedToken"] = authToken
			response["encryptedAuthToken"] = uuid.NewString()
		case actions.CommandDisconnectAsDelegate:
			authToken, err := self.SignToken("")
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			response["authToken"] = authToken
			response["encryptedAuthToken"] = uuid.NewString()
		}
	}

	if patches := self.commandResponsePatches(command); 0 < len(patches) {
		pushPatches := make([]*offline.PushPatch, len(patches))
		for i, patch := range patches {
			pushPatches[i] = offline.NewPushPatch(patch)
		}
		response["patches"] = pushPatches
	}

	writeJson(w, response)
}

func (self *Server) commandResponsePatches(command string) []offline.Patch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.responsePatches[command]
}

func writeJson(w http.ResponseWriter, value any) {
	responseBytes, err := json.Marshal(value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/json")
	w.Write(responseBytes)
}

func (self *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader wrote the error response
		return
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.pushConns[conn] = true
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.pushConns, conn)
		conn.Close()
	}()

	// clients do not send. Read to observe the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (self *Server) PushConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pushConns)
}

// sends `patches` as one batch to every push connection
func (self *Server) Push(patches ...offline.Patch) error {
	message := &offline.PushMessage{
		Patches: make([]*offline.PushPatch, len(patches)),
	}
	for i, patch := range patches {
		message.Patches[i] = offline.NewPushPatch(patch)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var lastErr error
	for conn := range self.pushConns {
		if err := conn.WriteJSON(message); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// waits until at least `count` push connections are open
func (self *Server) WaitForPushConnections(ctx context.Context, count int) error {
	for {
		if count <= self.PushConnectionCount() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// closes open push connections
func (self *Server) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for conn := range self.pushConns {
		conn.Close()
	}
}
