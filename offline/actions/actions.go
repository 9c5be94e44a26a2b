package actions

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/bringyour/offline/offline"
)

// business actions over an offline client
// each action reads the current store state, builds its patches with a pure builder,
// and submits the command. Only the account switch flows block on the remote.
type Actions struct {
	client   *offline.Client
	validate *validator.Validate

	log     offline.LogFunction
	infoLog offline.LogFunction
}

func NewActions(client *offline.Client) *Actions {
	RegisterSideEffects(client)
	return &Actions{
		client:   client,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      offline.LogFn(offline.LogLevelDebug, "actions"),
		infoLog:  offline.LogFn(offline.LogLevelInfo, "actions"),
	}
}

// the credential rotations of the side effect commands
func RegisterSideEffects(client *offline.Client) {
	client.SetSideEffectHandler(
		CommandConnectAsDelegate,
		offline.CredentialRotationHandler("restrictedToken", "to"),
	)
	client.SetSideEffectHandler(
		CommandDisconnectAsDelegate,
		offline.CredentialRotationHandler("authToken", ""),
	)
}

func (self *Actions) Client() *offline.Client {
	return self.client
}

func (self *Actions) validateEmail(email string) error {
	if err := self.validate.Var(email, "required,email"); err != nil {
		return fmt.Errorf("invalid email %q: %w", email, err)
	}
	return nil
}

// clears the store except the preserved keys, writes the session marker for the
// current credential, then loads the app for the new identity
// waits for all outstanding entries first
func (self *Actions) switchAccount(ctx context.Context) error {
	credential := self.client.Session().Credential()
	if err := self.client.Reseed(
		ctx,
		KeysToPreserveDelegateAccess,
		[]offline.Patch{offline.ReplacePatch(KeySession, SessionValue(credential))},
		credential,
	); err != nil {
		return err
	}
	self.infoLog("switched account (delegate=%q)", credential.DelegateEmail)
	self.OpenApp()
	return nil
}

// the session marker stored under `KeySession`
func SessionValue(credential offline.Credential) map[string]any {
	session := map[string]any{
		"authToken":          credential.AuthToken,
		"encryptedAuthToken": credential.EncryptedAuthToken,
	}
	if credential.IsDelegated() {
		session["delegateEmail"] = credential.DelegateEmail
	}
	if claims, err := offline.ParseCredentialClaimsUnverified(credential.AuthToken); err == nil {
		if claims.Email != "" {
			session["email"] = claims.Email
		}
		if claims.AccountId != "" {
			session["accountId"] = claims.AccountId
		}
	}
	return session
}

func (self *Actions) OpenApp() *offline.QueueEntry {
	return self.client.SubmitRead(CommandOpenApp, nil, BuildOpenApp())
}

func BuildOpenApp() offline.Patches {
	return offline.Patches{
		Optimistic: []offline.Patch{offline.ReplacePatch(KeyIsLoadingApp, true)},
		Success:    []offline.Patch{offline.ReplacePatch(KeyIsLoadingApp, false)},
		Failure:    []offline.Patch{offline.ReplacePatch(KeyIsLoadingApp, false)},
	}
}

// the value of a field of a store map value, or nil
func field(value offline.Value, name string) any {
	if m, ok := value.(map[string]any); ok {
		return m[name]
	}
	return nil
}

func (self *Actions) delegatedAccess() map[string]any {
	account, _ := self.client.Store().Get(KeyAccount)
	delegatedAccess, _ := field(account, "delegatedAccess").(map[string]any)
	return delegatedAccess
}
