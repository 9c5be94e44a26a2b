package offline

import (
	"reflect"
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

// a reactive key value document that the offline client is built on
//
// values settle synchronously inside `Apply`. Change notifications are queued
// and delivered in order by a single deliverer at a time. A subscriber that applies
// from inside its callback sees its value settle immediately, but the notifications
// for that nested apply run after the current callback returns.

// `present` is false when the key is absent
type SubscriberFunction func(key string, value Value, present bool)

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		EvictableKeys: []string{},
	}
}

type StoreSettings struct {
	// keys or collection prefixes that the external eviction policy may trim
	EvictableKeys []string
}

type storeSubscription struct {
	subscriptionId Id
	key            string
	// match all keys with `key` as a prefix
	collection bool
	callback   SubscriberFunction
	active     bool
}

func (self *storeSubscription) matches(key string) bool {
	if self.collection {
		return strings.HasPrefix(key, self.key)
	}
	return self.key == key
}

type storeNotification struct {
	subscription *storeSubscription
	key          string
	value        Value
	present      bool
}

type Store struct {
	settings *StoreSettings

	stateLock sync.Mutex

	values    map[string]Value
	evictable map[string]bool
	// registration order
	subscriptions []*storeSubscription

	notifications []*storeNotification
	delivering    bool
}

func NewStoreWithDefaults() *Store {
	return NewStore(DefaultStoreSettings())
}

func NewStore(settings *StoreSettings) *Store {
	return &Store{
		settings:      settings,
		values:        map[string]Value{},
		evictable:     map[string]bool{},
		subscriptions: []*storeSubscription{},
		notifications: []*storeNotification{},
	}
}

func (self *Store) Get(key string) (Value, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	if !ok {
		return nil, false
	}
	return CloneValue(value), true
}

// sorted
func (self *Store) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(self.values)
	slices.Sort(keys)
	return keys
}

func (self *Store) Snapshot() map[string]Value {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := make(map[string]Value, len(self.values))
	for key, value := range self.values {
		snapshot[key] = CloneValue(value)
	}
	return snapshot
}

func (self *Store) Apply(patches ...Patch) {
	self.update(patches)
	self.deliver()
}

// seeds values without going through patch semantics, e.g. when loading from disk
// subscribers are notified as with any other change
func (self *Store) Seed(values map[string]Value) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		keys := maps.Keys(values)
		slices.Sort(keys)
		for _, key := range keys {
			self.setValue(key, CloneValue(values[key]), true)
		}
	}()
	self.deliver()
}

// settles the values and queues notifications, without delivering them
// callers that hold other locks use this and call `deliver` after releasing them
func (self *Store) update(patches []Patch) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, patch := range patches {
		switch patch.Op {
		case PatchOpMerge:
			if patch.Value == nil {
				self.setValue(patch.Key, nil, false)
			} else {
				self.setValue(patch.Key, MergeValue(self.values[patch.Key], patch.Value), true)
			}
		case PatchOpReplace:
			if patch.Value == nil {
				self.setValue(patch.Key, nil, false)
			} else {
				self.setValue(patch.Key, RemoveNullValues(patch.Value), true)
			}
		case PatchOpClear:
			keys := maps.Keys(self.values)
			slices.Sort(keys)
			for _, key := range keys {
				if !slices.Contains(patch.Preserve, key) {
					self.setValue(key, nil, false)
				}
			}
		}
	}
}

// must be called with the state lock
func (self *Store) setValue(key string, value Value, present bool) {
	prevValue, prevPresent := self.values[key]
	if prevPresent == present && reflect.DeepEqual(prevValue, value) {
		// no change
		return
	}
	if present {
		self.values[key] = value
	} else {
		delete(self.values, key)
	}
	for _, subscription := range self.subscriptions {
		if subscription.active && subscription.matches(key) {
			self.notifications = append(self.notifications, &storeNotification{
				subscription: subscription,
				key:          key,
				value:        CloneValue(value),
				present:      present,
			})
		}
	}
}

// delivers queued notifications until the queue is empty
// if another caller is already delivering, that caller delivers ours
func (self *Store) deliver() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.delivering {
		return
	}
	self.delivering = true
	defer func() {
		self.delivering = false
	}()

	for 0 < len(self.notifications) {
		notification := self.notifications[0]
		self.notifications[0] = nil
		self.notifications = self.notifications[1:]
		if !notification.subscription.active {
			continue
		}

		self.stateLock.Unlock()
		HandleError(func() {
			notification.subscription.callback(notification.key, notification.value, notification.present)
		})
		self.stateLock.Lock()
	}
}

// the callback is invoked once with the current value (or absent),
// then on every change to `key`
// returns an unsubscribe function
func (self *Store) Subscribe(key string, callback SubscriberFunction) func() {
	return self.subscribe(key, false, callback)
}

// the callback is invoked once per current member of the collection (or once with
// the prefix and absent when the collection is empty), then on every change to a
// key with `prefix`
func (self *Store) SubscribeCollection(prefix string, callback SubscriberFunction) func() {
	return self.subscribe(prefix, true, callback)
}

func (self *Store) subscribe(key string, collection bool, callback SubscriberFunction) func() {
	subscription := &storeSubscription{
		subscriptionId: NewId(),
		key:            key,
		collection:     collection,
		callback:       callback,
		active:         true,
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.subscriptions = append(self.subscriptions, subscription)

		if collection {
			keys := []string{}
			for memberKey := range self.values {
				if strings.HasPrefix(memberKey, key) {
					keys = append(keys, memberKey)
				}
			}
			slices.Sort(keys)
			for _, memberKey := range keys {
				self.notifications = append(self.notifications, &storeNotification{
					subscription: subscription,
					key:          memberKey,
					value:        CloneValue(self.values[memberKey]),
					present:      true,
				})
			}
			if len(keys) == 0 {
				self.notifications = append(self.notifications, &storeNotification{
					subscription: subscription,
					key:          key,
				})
			}
		} else {
			value, present := self.values[key]
			self.notifications = append(self.notifications, &storeNotification{
				subscription: subscription,
				key:          key,
				value:        CloneValue(value),
				present:      present,
			})
		}
	}()
	self.deliver()

	return func() {
		self.unsubscribe(subscription.subscriptionId)
	}
}

// idempotent. No callback for the subscription starts after this returns
func (self *Store) unsubscribe(subscriptionId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.subscriptions, func(subscription *storeSubscription) bool {
		return subscription.subscriptionId == subscriptionId
	})
	if i < 0 {
		return
	}
	self.subscriptions[i].active = false
	self.subscriptions = slices.Delete(slices.Clone(self.subscriptions), i, i+1)
}

// the store does not evict. This flag is for the external eviction policy
func (self *Store) SetEvictable(key string, evictable bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.evictable[key] = evictable
}

func (self *Store) IsEvictable(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if evictable, ok := self.evictable[key]; ok {
		return evictable
	}
	for _, evictableKey := range self.settings.EvictableKeys {
		if key == evictableKey || strings.HasPrefix(key, evictableKey) {
			return true
		}
	}
	return false
}
