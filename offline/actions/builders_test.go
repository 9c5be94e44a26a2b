package actions

import (
	"flag"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/go-playground/assert/v2"

	"github.com/bringyour/offline/offline"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// applies `patches` to a store seeded with `account`
func applyToAccount(account map[string]any, patches ...offline.Patch) map[string]any {
	store := offline.NewStoreWithDefaults()
	if account != nil {
		store.Apply(offline.ReplacePatch(KeyAccount, account))
	}
	store.Apply(patches...)
	value, _ := store.Get(KeyAccount)
	m, _ := value.(map[string]any)
	return m
}

func delegatedAccessOf(account map[string]any) map[string]any {
	delegatedAccess, _ := account["delegatedAccess"].(map[string]any)
	return delegatedAccess
}

func TestBuildAddDelegate(t *testing.T) {
	account := map[string]any{
		"delegatedAccess": map[string]any{
			"delegates": []any{
				map[string]any{"email": "existing@example.com", "role": "admin"},
			},
		},
	}
	patches := BuildAddDelegate(delegatedAccessOf(account), "a@x.com", "member")

	optimistic := applyToAccount(account, patches.Optimistic...)
	assert.Equal(t, delegatedAccessOf(optimistic)["delegates"], []any{
		map[string]any{"email": "existing@example.com", "role": "admin"},
		map[string]any{
			"email":         "a@x.com",
			"role":          "member",
			"isLoading":     true,
			"pendingAction": PendingActionAdd,
			"pendingFields": map[string]any{
				"email": PendingActionAdd,
				"role":  PendingActionAdd,
			},
		},
	})
	_, ok := delegatedAccessOf(optimistic)["addDelegateErrors"]
	assert.Equal(t, ok, false)

	success := applyToAccount(optimistic, patches.Success...)
	assert.Equal(t, delegatedAccessOf(success)["delegates"], []any{
		map[string]any{"email": "existing@example.com", "role": "admin"},
		map[string]any{"email": "a@x.com", "role": "member", "isLoading": false},
	})

	// only the added delegate is removed
	failure := applyToAccount(optimistic, patches.Failure...)
	assert.Equal(t, delegatedAccessOf(failure)["delegates"], []any{
		map[string]any{"email": "existing@example.com", "role": "admin"},
	})
	addDelegateErrors := delegatedAccessOf(failure)["addDelegateErrors"].(map[string]any)
	emailErrors := addDelegateErrors["a@x.com"].(map[string]any)
	assert.Equal(t, LatestError(emailErrors["validateLogin"]), TranslationValidateSecondaryLogin)
}

func TestBuildAddDelegateEmpty(t *testing.T) {
	patches := BuildAddDelegate(nil, "a@x.com", "member")

	optimistic := applyToAccount(nil, patches.Optimistic...)
	delegates := delegatedAccessOf(optimistic)["delegates"].([]any)
	assert.Equal(t, len(delegates), 1)

	// the list did not exist before the submit
	failure := applyToAccount(optimistic, patches.Failure...)
	_, ok := delegatedAccessOf(failure)["delegates"]
	assert.Equal(t, ok, false)
	_, ok = delegatedAccessOf(failure)["addDelegateErrors"].(map[string]any)["a@x.com"]
	assert.Equal(t, ok, true)
}

func TestBuildAddDelegateExisting(t *testing.T) {
	// re-adding a listed delegate, with an error from a previous attempt
	account := map[string]any{
		"delegatedAccess": map[string]any{
			"delegates": []any{
				map[string]any{"email": "a@x.com", "role": "admin"},
			},
			"addDelegateErrors": map[string]any{
				"a@x.com": map[string]any{"validateLogin": NewErrorMarker(TranslationValidateSecondaryLogin)},
			},
		},
	}
	patches := BuildAddDelegate(delegatedAccessOf(account), "a@x.com", "member")

	optimistic := applyToAccount(account, patches.Optimistic...)
	delegates := delegatedAccessOf(optimistic)["delegates"].([]any)
	assert.Equal(t, len(delegates), 1)
	assert.Equal(t, delegates[0].(map[string]any)["role"], "member")
	assert.Equal(t, delegates[0].(map[string]any)["isLoading"], true)
	// the previous error is cleared
	assert.Equal(t, delegatedAccessOf(optimistic)["addDelegateErrors"], map[string]any{})

	failure := applyToAccount(optimistic, patches.Failure...)
	delegates = delegatedAccessOf(failure)["delegates"].([]any)
	assert.Equal(t, len(delegates), 1)
	delegate := delegates[0].(map[string]any)
	assert.Equal(t, delegate["role"], "admin")
	assert.Equal(t, delegate["isLoading"], false)
	errorFields := delegate["errorFields"].(map[string]any)
	assert.Equal(t, LatestError(errorFields["validateLogin"]), TranslationValidateSecondaryLogin)
}

func TestBuildAddDelegateOutstanding(t *testing.T) {
	existing := map[string]any{"email": "existing@example.com", "role": "admin"}
	account := map[string]any{
		"delegatedAccess": map[string]any{
			"delegates": []any{existing},
		},
	}

	// the second add is built from the store with the first still loading
	first := BuildAddDelegate(delegatedAccessOf(account), "a@x.com", "member")
	account = applyToAccount(account, first.Optimistic...)
	second := BuildAddDelegate(delegatedAccessOf(account), "b@x.com", "member")
	account = applyToAccount(account, second.Optimistic...)
	assert.Equal(t, len(delegatedAccessOf(account)["delegates"].([]any)), 3)

	// the first fails. Its rollback restores its own snapshot
	account = applyToAccount(account, first.Failure...)
	assert.Equal(t, delegatedAccessOf(account)["delegates"], []any{existing})

	// the second succeeds with the list from its own snapshot
	account = applyToAccount(account, second.Success...)
	delegates := delegatedAccessOf(account)["delegates"].([]any)
	assert.Equal(t, len(delegates), 3)
	assert.Equal(t, delegates[1].(map[string]any)["email"], "a@x.com")
	assert.Equal(t, delegates[1].(map[string]any)["isLoading"], true)
	assert.Equal(t, delegates[2], map[string]any{"email": "b@x.com", "role": "member", "isLoading": false})
	_, ok := delegatedAccessOf(account)["addDelegateErrors"].(map[string]any)["a@x.com"]
	assert.Equal(t, ok, true)
}

func TestBuildClearAddDelegateErrors(t *testing.T) {
	_, ok := BuildClearAddDelegateErrors(nil, "a@x.com", "validateLogin")
	assert.Equal(t, ok, false)

	marker := NewErrorMarker(TranslationValidateSecondaryLogin)
	account := map[string]any{
		"delegatedAccess": map[string]any{
			"delegates": []any{
				map[string]any{
					"email":       "a@x.com",
					"errorFields": map[string]any{"validateLogin": marker, "role": marker},
				},
			},
			"addDelegateErrors": map[string]any{
				"a@x.com": map[string]any{"validateLogin": marker},
				"b@x.com": map[string]any{"validateLogin": marker},
			},
		},
	}
	patch, ok := BuildClearAddDelegateErrors(delegatedAccessOf(account), "a@x.com", "validateLogin")
	assert.Equal(t, ok, true)

	cleared := delegatedAccessOf(applyToAccount(account, patch))
	assert.Equal(t, cleared["delegates"], []any{
		map[string]any{
			"email":       "a@x.com",
			"errorFields": map[string]any{"role": marker},
		},
	})
	assert.Equal(t, cleared["addDelegateErrors"], map[string]any{
		"b@x.com": map[string]any{"validateLogin": marker},
	})
}

func TestBuildConnect(t *testing.T) {
	account := map[string]any{
		"delegatedAccess": map[string]any{
			"delegators": []any{
				map[string]any{"email": "b@y.com", "role": "admin", "error": TranslationDelegateGenericError},
				map[string]any{"email": "c@y.com", "role": "admin", "error": TranslationDelegateGenericError},
			},
		},
	}
	delegators := delegatedAccessOf(account)["delegators"].([]any)
	patches := BuildConnect(delegators, "b@y.com")

	optimistic := applyToAccount(account, patches.Optimistic...)
	assert.Equal(t, delegatedAccessOf(optimistic)["delegators"], []any{
		map[string]any{"email": "b@y.com", "role": "admin"},
		map[string]any{"email": "c@y.com", "role": "admin", "error": TranslationDelegateGenericError},
	})

	failure := applyToAccount(optimistic, patches.Failure...)
	assert.Equal(t, delegatedAccessOf(failure)["delegators"], delegators)

	// the builder does not modify its input
	assert.Equal(t, delegators[0].(map[string]any)["error"], TranslationDelegateGenericError)
}

func TestBuildDisconnect(t *testing.T) {
	patches := BuildDisconnect()

	failure := applyToAccount(nil, patches.Failure...)
	assert.Equal(t, delegatedAccessOf(failure)["error"], TranslationDelegateGenericError)

	optimistic := applyToAccount(failure, patches.Optimistic...)
	_, ok := delegatedAccessOf(optimistic)["error"]
	assert.Equal(t, ok, false)
}

func TestBuildClearDelegatorErrors(t *testing.T) {
	_, ok := BuildClearDelegatorErrors(map[string]any{})
	assert.Equal(t, ok, false)

	account := map[string]any{
		"delegatedAccess": map[string]any{
			"delegators": []any{
				map[string]any{"email": "b@y.com", "error": TranslationDelegateGenericError},
				map[string]any{"email": "c@y.com"},
			},
		},
	}
	patch, ok := BuildClearDelegatorErrors(delegatedAccessOf(account))
	assert.Equal(t, ok, true)
	cleared := delegatedAccessOf(applyToAccount(account, patch))
	assert.Equal(t, cleared["delegators"], []any{
		map[string]any{"email": "b@y.com"},
		map[string]any{"email": "c@y.com"},
	})
}

func TestBuildSubscriptionUpdate(t *testing.T) {
	subscription := map[string]any{"autoRenew": true}
	patches := BuildUpdateSubscriptionAutoRenew(subscription, false)

	store := offline.NewStoreWithDefaults()
	store.Apply(offline.ReplacePatch(KeyPrivateSubscription, subscription))

	store.Apply(patches.Optimistic...)
	value, _ := store.Get(KeyPrivateSubscription)
	assert.Equal(t, value, map[string]any{
		"autoRenew":     false,
		"pendingAction": PendingActionUpdate,
	})

	store.Apply(patches.Failure...)
	value, _ = store.Get(KeyPrivateSubscription)
	m := value.(map[string]any)
	assert.Equal(t, m["autoRenew"], true)
	_, ok := m["pendingAction"]
	assert.Equal(t, ok, false)
	assert.Equal(t, LatestError(m["errors"]), TranslationGenericErrorMessage)

	// a retry clears the error
	store.Apply(BuildUpdateSubscriptionAutoRenew(m, false).Optimistic...)
	store.Apply(patches.Success...)
	value, _ = store.Get(KeyPrivateSubscription)
	assert.Equal(t, value, map[string]any{"autoRenew": false})

	// an absent field is removed on rollback
	patches = BuildUpdateSubscriptionAddNewUsersAutomatically(nil, true)
	store.Apply(patches.Optimistic...)
	store.Apply(patches.Failure...)
	value, _ = store.Get(KeyPrivateSubscription)
	_, ok = value.(map[string]any)["addNewUsersAutomatically"]
	assert.Equal(t, ok, false)
}

func TestBuildOpenReport(t *testing.T) {
	patches := BuildOpenReport("r1")
	store := offline.NewStoreWithDefaults()

	store.Apply(patches.Optimistic...)
	value, _ := store.Get(ReportMetadataKey("r1"))
	assert.Equal(t, value, map[string]any{"isLoadingInitialReportActions": true})

	store.Apply(patches.Success...)
	value, _ = store.Get("reportMetadata_r1")
	assert.Equal(t, value, map[string]any{"isLoadingInitialReportActions": false})
}

func TestErrorMarker(t *testing.T) {
	markers := map[string]any{}
	for i := 0; i < 64; i += 1 {
		for ts, translationKey := range NewErrorMarker(TranslationGenericErrorMessage) {
			_, ok := markers[ts]
			assert.Equal(t, ok, false)
			markers[ts] = translationKey
		}
	}
	assert.Equal(t, len(markers), 64)

	merged := offline.MergeValue(NewErrorMarker("first"), NewErrorMarker("second"))
	assert.Equal(t, LatestError(merged), "second")

	assert.Equal(t, LatestError(nil), "")
	assert.Equal(t, LatestError(map[string]any{"bad": "x"}), "")
}

func TestSessionValue(t *testing.T) {
	assert.Equal(t, SessionValue(offline.Credential{AuthToken: "t1", EncryptedAuthToken: "e1"}), map[string]any{
		"authToken":          "t1",
		"encryptedAuthToken": "e1",
	})

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"account_id":     "a1",
		"email":          "user@example.com",
		"delegate_email": "b@y.com",
	})
	authToken, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	assert.Equal(t, SessionValue(offline.Credential{
		AuthToken:          authToken,
		EncryptedAuthToken: "e2",
		DelegateEmail:      "b@y.com",
	}), map[string]any{
		"authToken":          authToken,
		"encryptedAuthToken": "e2",
		"delegateEmail":      "b@y.com",
		"email":              "user@example.com",
		"accountId":          "a1",
	})
}
