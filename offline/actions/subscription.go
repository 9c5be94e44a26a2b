package actions

import (
	"github.com/bringyour/offline/offline"
)

func (self *Actions) OpenSubscriptionPage() *offline.QueueEntry {
	return self.client.SubmitRead(CommandOpenSubscriptionPage, nil, offline.Patches{})
}

// `subscription` is the current value, which may be nil
// on failure `name` returns to its previous value with an error marker
func buildSubscriptionUpdate(subscription map[string]any, name string, value any) offline.Patches {
	previous := subscription[name]
	return offline.Patches{
		Optimistic: []offline.Patch{
			offline.MergePatch(KeyPrivateSubscription, map[string]any{
				name:            value,
				"pendingAction": PendingActionUpdate,
				"errors":        nil,
			}),
		},
		Success: []offline.Patch{
			offline.MergePatch(KeyPrivateSubscription, map[string]any{
				name:            value,
				"pendingAction": nil,
				"errors":        nil,
			}),
		},
		Failure: []offline.Patch{
			offline.MergePatch(KeyPrivateSubscription, map[string]any{
				name:            previous,
				"pendingAction": nil,
				"errors":        NewErrorMarker(TranslationGenericErrorMessage),
			}),
		},
	}
}

func BuildUpdateSubscriptionAutoRenew(subscription map[string]any, autoRenew bool) offline.Patches {
	return buildSubscriptionUpdate(subscription, "autoRenew", autoRenew)
}

func BuildUpdateSubscriptionAddNewUsersAutomatically(subscription map[string]any, addNewUsersAutomatically bool) offline.Patches {
	return buildSubscriptionUpdate(subscription, "addNewUsersAutomatically", addNewUsersAutomatically)
}

func (self *Actions) subscription() map[string]any {
	value, _ := self.client.Store().Get(KeyPrivateSubscription)
	subscription, _ := value.(map[string]any)
	return subscription
}

// `disableReason` and `disableNote` are sent only when turning auto renew off
func (self *Actions) UpdateSubscriptionAutoRenew(autoRenew bool, disableReason string, disableNote string) *offline.QueueEntry {
	parameters := offline.Parameters{
		"autoRenew": autoRenew,
	}
	if !autoRenew {
		if disableReason != "" {
			parameters["disableAutoRenewReason"] = disableReason
		}
		if disableNote != "" {
			parameters["disableAutoRenewAdditionalNote"] = disableNote
		}
	}
	return self.client.Submit(
		CommandUpdateSubscriptionAutoRenew,
		parameters,
		BuildUpdateSubscriptionAutoRenew(self.subscription(), autoRenew),
	)
}

func (self *Actions) UpdateSubscriptionAddNewUsersAutomatically(addNewUsersAutomatically bool) *offline.QueueEntry {
	return self.client.Submit(
		CommandUpdateSubscriptionAddNewUsersAutomatically,
		offline.Parameters{
			"addNewUsersAutomatically": addNewUsersAutomatically,
		},
		BuildUpdateSubscriptionAddNewUsersAutomatically(self.subscription(), addNewUsersAutomatically),
	)
}
