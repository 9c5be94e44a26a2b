package offline

import (
	"sync"
)

type Credential struct {
	AuthToken          string
	EncryptedAuthToken string
	// the account being acted for. Empty when acting as self
	DelegateEmail string
}

func (self Credential) IsDelegated() bool {
	return self.DelegateEmail != ""
}

// process-wide session state read by every invocation
// only the invoker mutates it, from inside the queue's processing step
type SessionContext struct {
	stateLock sync.Mutex

	credential Credential
	// increments on every rotation
	version uint64

	rotated *Monitor
}

func NewSessionContext(credential Credential) *SessionContext {
	return &SessionContext{
		credential: credential,
		rotated:    NewMonitor(),
	}
}

func (self *SessionContext) Credential() Credential {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.credential
}

func (self *SessionContext) Version() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

// the current credential and a channel closed on the next rotation
func (self *SessionContext) credentialWithRotation() (Credential, chan struct{}) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.credential, self.rotated.NotifyChannel()
}

// claims of the current auth token, if the token is a jwt
func (self *SessionContext) Claims() (*CredentialClaims, error) {
	return ParseCredentialClaimsUnverified(self.Credential().AuthToken)
}

func (self *SessionContext) rotate(credential Credential) (changed bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.credential == credential {
		return false
	}
	self.credential = credential
	self.version += 1
	self.rotated.NotifyAll()
	return true
}
