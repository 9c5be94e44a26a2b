package offline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// local persistence of the store and of pending writes, so an offline client
// survives a restart with its optimistic state and its unsent mutations

const (
	storeValuePrefix = "v/"
	requestLogPrefix = "r/"
)

func DefaultDbSettings(path string) *DbSettings {
	return &DbSettings{
		Path:       path,
		SyncWrites: true,
	}
}

func InMemoryDbSettings() *DbSettings {
	return &DbSettings{
		InMemory:   true,
		SyncWrites: false,
	}
}

type DbSettings struct {
	// ignored when `InMemory`
	Path       string
	InMemory   bool
	SyncWrites bool
}

type badgerLogger struct {
	log LogFunction
}

func (self *badgerLogger) Errorf(format string, args ...any) {
	glog.Errorf("[db]"+format, args...)
}

func (self *badgerLogger) Warningf(format string, args ...any) {
	glog.Warningf("[db]"+format, args...)
}

func (self *badgerLogger) Infof(format string, args ...any) {
	self.log(format, args...)
}

func (self *badgerLogger) Debugf(format string, args ...any) {
	self.log(format, args...)
}

func OpenDb(settings *DbSettings) (*badger.DB, error) {
	var opts badger.Options
	if settings.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if settings.Path == "" {
			return nil, errors.New("db path is required")
		}
		if err := os.MkdirAll(settings.Path, 0750); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", settings.Path, err)
		}
		opts = badger.DefaultOptions(settings.Path)
	}
	opts = opts.WithSyncWrites(settings.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(&badgerLogger{
		log: LogFn(LogLevelDebug, "db"),
	})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// store values as `structpb.Value` under `v/<key>`
type StoreDb struct {
	db *badger.DB

	log LogFunction
}

func NewStoreDb(db *badger.DB) *StoreDb {
	return &StoreDb{
		db:  db,
		log: LogFn(LogLevelDebug, "store_db"),
	}
}

// seeds `store` with the persisted values
// values are stored as protobuf struct values, so numbers load as float64
// the same as values decoded from a json response. An int written by a local patch
// reloads as the equal float64
func (self *StoreDb) Load(store *Store) error {
	values := map[string]Value{}
	err := self.db.View(func(txn *badger.Txn) error {
		prefix := []byte(storeValuePrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])
			err := item.Value(func(valueBytes []byte) error {
				value := &structpb.Value{}
				if err := proto.Unmarshal(valueBytes, value); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				values[key] = value.AsInterface()
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	self.log("load %d values", len(values))
	store.Seed(values)
	return nil
}

// writes every subsequent change in `store` through to the db
// returns a function to detach
func (self *StoreDb) Attach(store *Store) func() {
	return store.SubscribeCollection("", func(key string, value Value, present bool) {
		if key == "" {
			// empty collection
			return
		}
		var err error
		if present {
			err = self.put(key, value)
		} else {
			err = self.delete(key)
		}
		if err != nil {
			glog.Warningf("[store_db]could not persist %s: %s\n", key, err)
		}
	})
}

func (self *StoreDb) put(key string, value Value) error {
	pbValue, err := structpb.NewValue(value)
	if err != nil {
		return err
	}
	valueBytes, err := proto.Marshal(pbValue)
	if err != nil {
		return err
	}
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(storeValuePrefix+key), valueBytes)
	})
}

func (self *StoreDb) delete(key string) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(storeValuePrefix + key))
	})
}

// pending writes as `structpb.Struct` under `r/<index>`, where the index
// preserves append order across restarts
type RequestLogDb struct {
	db *badger.DB

	stateLock sync.Mutex
	nextIndex uint64
	indexes   map[Id]uint64

	log LogFunction
}

func NewRequestLogDb(db *badger.DB) (*RequestLogDb, error) {
	requestLog := &RequestLogDb{
		db:      db,
		indexes: map[Id]uint64{},
		log:     LogFn(LogLevelDebug, "request_log"),
	}
	err := db.View(func(txn *badger.Txn) error {
		prefix := []byte(requestLogPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			index := binary.BigEndian.Uint64(it.Item().Key()[len(prefix):])
			requestLog.nextIndex = max(requestLog.nextIndex, index+1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requestLog, nil
}

func requestLogKey(index uint64) []byte {
	key := make([]byte, len(requestLogPrefix)+8)
	copy(key, requestLogPrefix)
	binary.BigEndian.PutUint64(key[len(requestLogPrefix):], index)
	return key
}

func (self *RequestLogDb) Append(entryId Id, sequenceNumber uint64, descriptor *MutationDescriptor) error {
	record, err := structpb.NewStruct(descriptorMap(entryId, sequenceNumber, descriptor))
	if err != nil {
		return err
	}
	recordBytes, err := proto.Marshal(record)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	index := self.nextIndex
	err = self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(requestLogKey(index), recordBytes)
	})
	if err != nil {
		return err
	}
	self.nextIndex += 1
	self.indexes[entryId] = index
	return nil
}

func (self *RequestLogDb) Remove(entryId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	index, ok := self.indexes[entryId]
	if !ok {
		return nil
	}
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(requestLogKey(index))
	})
	if err != nil {
		return err
	}
	delete(self.indexes, entryId)
	return nil
}

// a write persisted by a previous process
type PersistedRequest struct {
	EntryId        Id
	SequenceNumber uint64
	Descriptor     *MutationDescriptor
}

// requests persisted by a previous process, in append order
func (self *RequestLogDb) Load() ([]*PersistedRequest, error) {
	requests, _, err := self.load()
	return requests, err
}

func (self *RequestLogDb) load() ([]*PersistedRequest, [][]byte, error) {
	requests := []*PersistedRequest{}
	keys := [][]byte{}
	err := self.db.View(func(txn *badger.Txn) error {
		prefix := []byte(requestLogPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(recordBytes []byte) error {
				record := &structpb.Struct{}
				if err := proto.Unmarshal(recordBytes, record); err != nil {
					return err
				}
				request, err := persistedRequestFromMap(record.AsMap())
				if err != nil {
					return err
				}
				requests = append(requests, request)
				keys = append(keys, item.KeyCopy(nil))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return requests, keys, nil
}

// re-queues the persisted writes of a previous process into `queue`, which must
// be using this log. Each write keeps its entry id, so the remote sees the original request id.
// The previous records are dropped once the new entries are appended.
// A crash in between replays the writes twice on the next start.
func (self *RequestLogDb) Replay(queue *SequentialQueue) ([]*QueueEntry, error) {
	return TraceWithReturnError("[request_log]replay", func() ([]*QueueEntry, error) {
		loadedRequests, loadedKeys, err := self.load()
		if err != nil {
			return nil, err
		}
		// records of entries already in the queue belong to this process
		requests := []*PersistedRequest{}
		keys := [][]byte{}
		for i, request := range loadedRequests {
			if !queue.Contains(request.EntryId) {
				requests = append(requests, request)
				keys = append(keys, loadedKeys[i])
			}
		}
		if len(requests) == 0 {
			return []*QueueEntry{}, nil
		}
		self.log("replay %d requests", len(requests))
		entries := queue.Restore(requests...)
		err = self.db.Update(func(txn *badger.Txn) error {
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		return entries, err
	})
}

func descriptorMap(entryId Id, sequenceNumber uint64, descriptor *MutationDescriptor) map[string]any {
	patchList := func(patches []Patch) []any {
		list := make([]any, len(patches))
		for i, patch := range patches {
			list[i] = patchMap(patch)
		}
		return list
	}
	parameters := map[string]any{}
	if descriptor.Parameters != nil {
		parameters = CloneValue(descriptor.Parameters).(map[string]any)
	}
	return map[string]any{
		"entryId":        entryId.String(),
		"sequenceNumber": float64(sequenceNumber),
		"command":        descriptor.Command,
		"parameters":     parameters,
		"optimistic":     patchList(descriptor.OptimisticPatches),
		"success":        patchList(descriptor.SuccessPatches),
		"failure":        patchList(descriptor.FailurePatches),
		"isSideEffect":   descriptor.IsSideEffect,
		"isRead":         descriptor.IsRead,
	}
}

func persistedRequestFromMap(m map[string]any) (*PersistedRequest, error) {
	entryIdStr, _ := m["entryId"].(string)
	entryId, err := ParseId(entryIdStr)
	if err != nil {
		return nil, fmt.Errorf("request entry id: %w", err)
	}
	sequenceNumber, _ := m["sequenceNumber"].(float64)
	descriptor, err := descriptorFromMap(m)
	if err != nil {
		return nil, err
	}
	return &PersistedRequest{
		EntryId:        entryId,
		SequenceNumber: uint64(sequenceNumber),
		Descriptor:     descriptor,
	}, nil
}

func descriptorFromMap(m map[string]any) (*MutationDescriptor, error) {
	patchList := func(name string) ([]Patch, error) {
		list, _ := m[name].([]any)
		patches := make([]Patch, 0, len(list))
		for _, e := range list {
			patchM, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s patch has type %T", name, e)
			}
			patch, err := patchFromMap(patchM)
			if err != nil {
				return nil, err
			}
			patches = append(patches, patch)
		}
		return patches, nil
	}

	command, ok := m["command"].(string)
	if !ok {
		return nil, errors.New("request missing command")
	}
	parameters, _ := m["parameters"].(map[string]any)
	optimisticPatches, err := patchList("optimistic")
	if err != nil {
		return nil, err
	}
	successPatches, err := patchList("success")
	if err != nil {
		return nil, err
	}
	failurePatches, err := patchList("failure")
	if err != nil {
		return nil, err
	}
	isSideEffect, _ := m["isSideEffect"].(bool)
	isRead, _ := m["isRead"].(bool)

	return &MutationDescriptor{
		Command:           command,
		Parameters:        parameters,
		OptimisticPatches: optimisticPatches,
		SuccessPatches:    successPatches,
		FailurePatches:    failurePatches,
		IsSideEffect:      isSideEffect,
		IsRead:            isRead,
	}, nil
}
