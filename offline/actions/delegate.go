package actions

import (
	"context"
	"fmt"

	"github.com/bringyour/offline/offline"
)

// account.delegatedAccess is:
//   delegators: [{email, role, error}]   accounts this account may act for
//   delegates: [{email, role, isLoading, pendingAction, pendingFields, errorFields}]
//   addDelegateErrors: {<email>: {<field>: <error marker>}}
//   error: translation key of the last disconnect failure

func delegatedAccessPatch(delegatedAccess map[string]any) offline.Patch {
	return offline.MergePatch(KeyAccount, map[string]any{
		"delegatedAccess": delegatedAccess,
	})
}

// copies `list`, with `edit` applied to a copy of each member whose email is `email`
func editByEmail(list []any, email string, edit func(member map[string]any)) []any {
	edited := make([]any, len(list))
	for i, e := range list {
		member, ok := e.(map[string]any)
		if !ok {
			edited[i] = offline.CloneValue(e)
			continue
		}
		member = offline.CloneValue(member).(map[string]any)
		if member["email"] == email {
			edit(member)
		}
		edited[i] = member
	}
	return edited
}

func containsEmail(list []any, email string) bool {
	for _, e := range list {
		if field(e, "email") == email {
			return true
		}
	}
	return false
}

// `delegators` is the current list. Clears the error of the target delegator
// and marks it on failure
func BuildConnect(delegators []any, email string) offline.Patches {
	cleared := func() offline.Patch {
		return delegatedAccessPatch(map[string]any{
			"delegators": editByEmail(delegators, email, func(delegator map[string]any) {
				delete(delegator, "error")
			}),
		})
	}
	return offline.Patches{
		Optimistic: []offline.Patch{cleared()},
		Success:    []offline.Patch{cleared()},
		Failure: []offline.Patch{
			delegatedAccessPatch(map[string]any{
				"delegators": editByEmail(delegators, email, func(delegator map[string]any) {
					delegator["error"] = TranslationDelegateGenericError
				}),
			}),
		},
	}
}

func BuildDisconnect() offline.Patches {
	return offline.Patches{
		Optimistic: []offline.Patch{delegatedAccessPatch(map[string]any{"error": nil})},
		Success:    []offline.Patch{delegatedAccessPatch(map[string]any{"error": nil})},
		Failure: []offline.Patch{
			delegatedAccessPatch(map[string]any{"error": TranslationDelegateGenericError}),
		},
	}
}

// `delegatedAccess` is the current value, which may be nil
//
// the failure patch restores the delegates list as it was before the submit,
// so only the added delegate is removed. The validation error is recorded under
// addDelegateErrors, and on the existing delegate when the email was already listed.
// The snapshot is taken at submit time: when two adds are outstanding and the
// first fails, its rollback also drops the second's optimistic row, and the
// second's success list still carries the first as loading.
func BuildAddDelegate(delegatedAccess map[string]any, email string, role string) offline.Patches {
	delegates, present := delegatedAccess["delegates"].([]any)

	withDelegate := func(delegate map[string]any) []any {
		list := make([]any, 0, len(delegates)+1)
		replaced := false
		for _, e := range delegates {
			if field(e, "email") == email {
				list = append(list, offline.CloneValue(delegate))
				replaced = true
			} else {
				list = append(list, offline.CloneValue(e))
			}
		}
		if !replaced {
			list = append(list, delegate)
		}
		return list
	}

	optimisticUpdate := map[string]any{
		"delegates": withDelegate(map[string]any{
			"email":         email,
			"role":          role,
			"isLoading":     true,
			"pendingAction": PendingActionAdd,
			"pendingFields": map[string]any{
				"email": PendingActionAdd,
				"role":  PendingActionAdd,
			},
		}),
	}
	if addDelegateErrors, ok := delegatedAccess["addDelegateErrors"].(map[string]any); ok {
		if _, ok := addDelegateErrors[email]; ok {
			optimisticUpdate["addDelegateErrors"] = map[string]any{email: nil}
		}
	}
	optimistic := delegatedAccessPatch(optimisticUpdate)

	success := delegatedAccessPatch(map[string]any{
		"delegates": withDelegate(map[string]any{
			"email":     email,
			"role":      role,
			"isLoading": false,
		}),
	})

	marker := NewErrorMarker(TranslationValidateSecondaryLogin)
	var rollback any
	if present {
		rollback = editByEmail(delegates, email, func(delegate map[string]any) {
			delegate["errorFields"] = map[string]any{
				"validateLogin": marker,
			}
			delegate["isLoading"] = false
			delete(delegate, "pendingAction")
			delete(delegate, "pendingFields")
		})
	}
	// a nil rollback removes the list that the optimistic patch created
	failure := delegatedAccessPatch(map[string]any{
		"delegates":         rollback,
		"addDelegateErrors": map[string]any{
			email: map[string]any{
				"validateLogin": marker,
			},
		},
	})

	return offline.Patches{
		Optimistic: []offline.Patch{optimistic},
		Success:    []offline.Patch{success},
		Failure:    []offline.Patch{failure},
	}
}

// `delegatedAccess` is the current value, which may be nil
// returns false when there is nothing to clear
func BuildClearAddDelegateErrors(delegatedAccess map[string]any, email string, fieldName string) (offline.Patch, bool) {
	update := map[string]any{}

	if delegates, ok := delegatedAccess["delegates"].([]any); ok && containsEmail(delegates, email) {
		update["delegates"] = editByEmail(delegates, email, func(delegate map[string]any) {
			if errorFields, ok := delegate["errorFields"].(map[string]any); ok {
				delete(errorFields, fieldName)
			}
		})
	}

	addDelegateErrors, _ := delegatedAccess["addDelegateErrors"].(map[string]any)
	if emailErrors, ok := addDelegateErrors[email].(map[string]any); ok {
		if _, ok := emailErrors[fieldName]; ok {
			if len(emailErrors) == 1 {
				update["addDelegateErrors"] = map[string]any{email: nil}
			} else {
				update["addDelegateErrors"] = map[string]any{
					email: map[string]any{fieldName: nil},
				}
			}
		}
	}

	if len(update) == 0 {
		return offline.Patch{}, false
	}
	return delegatedAccessPatch(update), true
}

// returns false when there are no delegators
func BuildClearDelegatorErrors(delegatedAccess map[string]any) (offline.Patch, bool) {
	delegators, ok := delegatedAccess["delegators"].([]any)
	if !ok {
		return offline.Patch{}, false
	}
	cleared := make([]any, len(delegators))
	for i, e := range delegators {
		delegator, ok := e.(map[string]any)
		if !ok {
			cleared[i] = offline.CloneValue(e)
			continue
		}
		delegator = offline.CloneValue(delegator).(map[string]any)
		delete(delegator, "error")
		cleared[i] = delegator
	}
	return delegatedAccessPatch(map[string]any{
		"delegators": cleared,
	}), true
}

// acts for `email`. Blocks until the remote confirms and the store is reseeded
// for the delegated identity. The follow-up app load is queued before this returns.
func (self *Actions) Connect(ctx context.Context, email string) error {
	if err := self.validateEmail(email); err != nil {
		return err
	}
	delegators, ok := self.delegatedAccess()["delegators"].([]any)
	if !ok {
		return ErrNoDelegators
	}

	self.log("connect %s", email)
	_, err := self.client.SubmitSideEffect(
		ctx,
		CommandConnectAsDelegate,
		offline.Parameters{"to": email},
		BuildConnect(delegators, email),
	)
	if err != nil {
		// the failure patches are already applied
		return fmt.Errorf("connect as delegate %s: %w", email, err)
	}
	return self.switchAccount(ctx)
}

// returns to acting as self
func (self *Actions) Disconnect(ctx context.Context) error {
	self.log("disconnect")
	_, err := self.client.SubmitSideEffect(
		ctx,
		CommandDisconnectAsDelegate,
		offline.Parameters{},
		BuildDisconnect(),
	)
	if err != nil {
		return fmt.Errorf("disconnect as delegate: %w", err)
	}
	return self.switchAccount(ctx)
}

func (self *Actions) ClearDelegatorErrors() {
	if patch, ok := BuildClearDelegatorErrors(self.delegatedAccess()); ok {
		self.client.Store().Apply(patch)
	}
}

func (self *Actions) RequestValidationCode() *offline.QueueEntry {
	return self.client.Submit(CommandResendValidateCode, nil, offline.Patches{})
}

type addDelegateArgs struct {
	Email        string `validate:"required,email"`
	Role         string `validate:"required,alphanum"`
	ValidateCode string `validate:"required,numeric"`
}

func (self *Actions) AddDelegate(email string, role string, validateCode string) (*offline.QueueEntry, error) {
	args := &addDelegateArgs{
		Email:        email,
		Role:         role,
		ValidateCode: validateCode,
	}
	if err := self.validate.Struct(args); err != nil {
		return nil, fmt.Errorf("add delegate: %w", err)
	}
	return self.client.Submit(
		CommandAddDelegate,
		offline.Parameters{
			"delegate":     email,
			"role":         role,
			"validateCode": validateCode,
		},
		BuildAddDelegate(self.delegatedAccess(), email, role),
	), nil
}

func (self *Actions) ClearAddDelegateErrors(email string, fieldName string) {
	if patch, ok := BuildClearAddDelegateErrors(self.delegatedAccess(), email, fieldName); ok {
		self.client.Store().Apply(patch)
	}
}
