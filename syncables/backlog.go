package syncables

import (
	"context"
	"fmt"
	"sync"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/variant"
)

// BacklogCallback receives a decoded batch. Returning false keeps the batch
// out of storage.
type BacklogCallback func(msgs []variant.Message) bool

type BacklogKind int

const (
	BacklogPlain BacklogKind = iota
	BacklogFiltered
	BacklogAll
	BacklogAllFiltered
)

func (k BacklogKind) String() string {
	return [...]string{"plain", "filtered", "all", "all_filtered"}[k]
}

// Backlog request defaults.
const (
	NoLimit      = -1
	NoAdditional = 0
	AnyType      = -1
	AnyFlags     = -1
)

// allBuffers keys the pending entry of the all-buffers variants.
const allBuffers = variant.BufferID(variant.Unset)

var BacklogManagerClass = &host.Class{
	Name: "BacklogManager",
	Slots: map[string]host.Slot{
		"receiveBacklog":            receiveSlot(BacklogPlain),
		"receiveBacklogFiltered":    receiveSlot(BacklogFiltered),
		"receiveBacklogAll":         receiveSlot(BacklogAll),
		"receiveBacklogAllFiltered": receiveSlot(BacklogAllFiltered),
	},
}

type pendingMap struct {
	lock sync.Mutex
	m    map[variant.BufferID]BacklogCallback
}

// add registers cb unless a request for the key is in flight.
func (p *pendingMap) add(key variant.BufferID, cb BacklogCallback) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.m[key]; ok {
		return false
	}
	if p.m == nil {
		p.m = make(map[variant.BufferID]BacklogCallback)
	}
	p.m[key] = cb
	return true
}

func (p *pendingMap) take(key variant.BufferID) (BacklogCallback, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	cb, ok := p.m[key]
	delete(p.m, key)
	return cb, ok
}

func (p *pendingMap) has(key variant.BufferID) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *pendingMap) clear() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.m = nil
}

// BacklogManager fetches history in bounded batches. Requests for a key
// already in flight are dropped together with their callback.
type BacklogManager struct {
	Object
	storage host.BacklogStorage
	pending [4]pendingMap
}

func NewBacklogManager(storage host.BacklogStorage) *BacklogManager {
	b := &BacklogManager{storage: storage}
	b.setup(BacklogManagerClass, "")
	return b
}

// The core never sends InitData for the backlog manager.
func (b *BacklogManager) NeedsInit() bool {
	return false
}

func (b *BacklogManager) InitState() variant.Map {
	return variant.Map{}
}

func (b *BacklogManager) ApplyState(variant.Map) error {
	return nil
}

func (b *BacklogManager) Deinit() {
	b.Object.Deinit()
	for i := range b.pending {
		b.pending[i].clear()
	}
}

// IsPending reports whether a request of this kind is in flight. The
// all-buffers kinds ignore buffer.
func (b *BacklogManager) IsPending(kind BacklogKind, buffer variant.BufferID) bool {
	if kind == BacklogAll || kind == BacklogAllFiltered {
		buffer = allBuffers
	}
	return b.pending[kind].has(buffer)
}

func (b *BacklogManager) RequestBacklog(buffer variant.BufferID, first, last variant.MsgID, limit, additional int, cb BacklogCallback) error {
	return b.send(BacklogPlain, buffer, cb, "requestBacklog",
		variant.NewBufferID(buffer), variant.NewMsgID(first), variant.NewMsgID(last),
		variant.Int(int32(limit)), variant.Int(int32(additional)))
}

func (b *BacklogManager) RequestBacklogFiltered(buffer variant.BufferID, first, last variant.MsgID, limit, additional int, typ variant.MessageType, flags variant.MessageFlag, cb BacklogCallback) error {
	return b.send(BacklogFiltered, buffer, cb, "requestBacklogFiltered",
		variant.NewBufferID(buffer), variant.NewMsgID(first), variant.NewMsgID(last),
		variant.Int(int32(limit)), variant.Int(int32(additional)),
		variant.Int(int32(typ)), variant.Int(int32(flags)))
}

func (b *BacklogManager) RequestBacklogAll(first, last variant.MsgID, limit, additional int, cb BacklogCallback) error {
	return b.send(BacklogAll, allBuffers, cb, "requestBacklogAll",
		variant.NewMsgID(first), variant.NewMsgID(last),
		variant.Int(int32(limit)), variant.Int(int32(additional)))
}

func (b *BacklogManager) RequestBacklogAllFiltered(first, last variant.MsgID, limit, additional int, typ variant.MessageType, flags variant.MessageFlag, cb BacklogCallback) error {
	return b.send(BacklogAllFiltered, allBuffers, cb, "requestBacklogAllFiltered",
		variant.NewMsgID(first), variant.NewMsgID(last),
		variant.Int(int32(limit)), variant.Int(int32(additional)),
		variant.Int(int32(typ)), variant.Int(int32(flags)))
}

func (b *BacklogManager) send(kind BacklogKind, key variant.BufferID, cb BacklogCallback, slot string, params ...variant.Variant) error {
	if !b.pending[kind].add(key, cb) {
		BacklogRequests.WithLabelValues(kind.String(), "coalesced").Inc()
		return nil
	}
	if err := b.request(slot, params...); err != nil {
		b.pending[kind].take(key)
		BacklogRequests.WithLabelValues(kind.String(), "failed").Inc()
		return err
	}
	BacklogRequests.WithLabelValues(kind.String(), "sent").Inc()
	return nil
}

// position of the message list in each receive slot
var messagesArg = [...]int{
	BacklogPlain:       5,
	BacklogFiltered:    7,
	BacklogAll:         4,
	BacklogAllFiltered: 6,
}

func receiveSlot(kind BacklogKind) host.Slot {
	return func(obj host.Syncable, params variant.List) error {
		b, ok := obj.(*BacklogManager)
		if !ok {
			return fmt.Errorf("%w: %T is not a BacklogManager", host.ErrBadArguments, obj)
		}
		key := allBuffers
		if kind == BacklogPlain || kind == BacklogFiltered {
			id, err := host.Arg[variant.BufferID](params, 0)
			if err != nil {
				return err
			}
			key = id
		}
		list, err := host.Arg[variant.List](params, messagesArg[kind])
		if err != nil {
			return err
		}
		msgs, err := host.Messages(list)
		if err != nil {
			return err
		}
		b.receive(kind, key, msgs)
		return nil
	}
}

// receive runs the pending callback and persists unless it declined.
// Responses nobody waits for are still stored.
func (b *BacklogManager) receive(kind BacklogKind, key variant.BufferID, msgs []variant.Message) {
	if cb, ok := b.pending[kind].take(key); ok && cb != nil && !cb(msgs) {
		BacklogMessages.WithLabelValues(kind.String(), "discarded").Add(float64(len(msgs)))
		return
	}
	BacklogMessages.WithLabelValues(kind.String(), "stored").Add(float64(len(msgs)))
	b.store(func(ctx context.Context, s host.Session) error {
		return b.storage.StoreMessages(ctx, s, msgs)
	})
}

// RemoveBuffer drops persisted history without asking the core.
func (b *BacklogManager) RemoveBuffer(buffer variant.BufferID) {
	b.store(func(ctx context.Context, _ host.Session) error {
		return b.storage.ClearMessages(ctx, buffer)
	})
}

// UpdateIgnoreRules asks storage to re-evaluate stored messages.
func (b *BacklogManager) UpdateIgnoreRules() {
	b.store(func(ctx context.Context, s host.Session) error {
		if s == nil {
			return nil
		}
		return b.storage.UpdateIgnoreRules(ctx, s)
	})
}

// store runs storage work on the session worker, or inline when detached.
func (b *BacklogManager) store(work func(ctx context.Context, s host.Session) error) {
	if b.storage == nil {
		return
	}
	s, ok := b.Session()
	if !ok {
		_ = work(context.Background(), nil)
		return
	}
	err := s.Submit(func(ctx context.Context) error {
		return work(ctx, s)
	})
	if err != nil {
		s.Logger().Warn("backlog: storage work dropped", "err", err)
	}
}
