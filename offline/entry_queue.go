package offline

import (
	"container/heap"
	"sync"
)

type entryQueueItem interface {
	EntryId() Id
	SequenceNumber() uint64
	HeapIndex() int
	SetHeapIndex(int)
}

type entryItem struct {
	entryId        Id
	sequenceNumber uint64

	// the index of the item in the heap
	heapIndex int
}

// entryQueueItem implementation

func (self *entryItem) EntryId() Id {
	return self.entryId
}

func (self *entryItem) SequenceNumber() uint64 {
	return self.sequenceNumber
}

func (self *entryItem) HeapIndex() int {
	return self.heapIndex
}

func (self *entryItem) SetHeapIndex(heapIndex int) {
	self.heapIndex = heapIndex
}

// ordered by sequenceNumber
// entries that go back to pending (e.g. network unavailable) re-enter at their original position
type entryQueue[T entryQueueItem] struct {
	orderedItems []T
	// entry_id -> item
	entryIdItems map[Id]T
	stateLock    sync.Mutex
}

func newEntryQueue[T entryQueueItem]() *entryQueue[T] {
	entryQueue := &entryQueue[T]{
		orderedItems: []T{},
		entryIdItems: map[Id]T{},
	}
	heap.Init(entryQueue)
	return entryQueue
}

func (self *entryQueue[T]) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *entryQueue[T]) Add(item T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entryIdItems[item.EntryId()] = item
	heap.Push(self, item)
}

func (self *entryQueue[T]) RemoveByEntryId(entryId Id) (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.entryIdItems[entryId]
	if !ok {
		var empty T
		return empty, false
	}
	return self.remove(item), true
}

func (self *entryQueue[T]) remove(item T) T {
	delete(self.entryIdItems, item.EntryId())
	item_ := heap.Remove(self, item.HeapIndex())
	if any(item) != item_ {
		panic("Heap invariant broken.")
	}
	return item
}

func (self *entryQueue[T]) RemoveFirst() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty, false
	}

	item := heap.Remove(self, 0).(T)
	delete(self.entryIdItems, item.EntryId())
	return item, true
}

func (self *entryQueue[T]) PeekFirst() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty, false
	}
	return self.orderedItems[0], true
}

// heap.Interface

func (self *entryQueue[T]) Push(x any) {
	item := x.(T)
	item.SetHeapIndex(len(self.orderedItems))
	self.orderedItems = append(self.orderedItems, item)
}

func (self *entryQueue[T]) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	var empty T
	item := self.orderedItems[i]
	self.orderedItems[i] = empty
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *entryQueue[T]) Len() int {
	return len(self.orderedItems)
}

func (self *entryQueue[T]) Less(i int, j int) bool {
	return self.orderedItems[i].SequenceNumber() < self.orderedItems[j].SequenceNumber()
}

func (self *entryQueue[T]) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.SetHeapIndex(i)
	self.orderedItems[i] = b
	a.SetHeapIndex(j)
	self.orderedItems[j] = a
}
