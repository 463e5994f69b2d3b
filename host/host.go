// Package host defines the contracts between the session and the objects it
// synchronizes, plus the storage collaborator the session hands work to.
package host

import (
	"context"

	"github.com/quasseldroid/libquassel/utils"
	"github.com/quasseldroid/libquassel/variant"
)

// Proxy is the outbound half of the signal proxy. Sync is local first: the
// caller has already applied the change. Request leaves local state alone
// until the core answers with a Sync.
type Proxy interface {
	Sync(className, objectName, slot string, params ...variant.Variant) error
	Request(className, objectName, slot string, params ...variant.Variant) error
	RPC(slot string, params ...variant.Variant) error
}

// Session is everything a syncable may use while attached.
type Session interface {
	Proxy
	Features() variant.Features
	Logger() utils.Logger
	// Submit hands I/O bound work to the session worker so dispatch never blocks.
	Submit(task utils.Task) error
	IgnoreRules() IgnoreMatcher
	NetworkName(id variant.NetworkID) string
}

// Slot handles one inbound Sync. params excludes the routing header.
type Slot func(obj Syncable, params variant.List) error

// Class is the method table shared by every object of one class name.
// It is built once, as a package level value, never per instance.
type Class struct {
	Name  string
	Slots map[string]Slot
}

func (c *Class) Slot(name string) (Slot, bool) {
	slot, ok := c.Slots[name]
	return slot, ok
}

// Syncable is an object mirrored between client and core.
type Syncable interface {
	Class() *Class
	ObjectName() string
	// Init attaches the object; Deinit detaches it for good.
	Init(s Session)
	Deinit()
	Initialized() bool
	SetInitialized()
	// NeedsInit is false for objects the core never sends InitData for.
	NeedsInit() bool
	InitState() variant.Map
	ApplyState(state variant.Map) error
}

type Strictness int

const (
	Unmatched Strictness = iota
	Soft
	Hard
)

func (s Strictness) String() string {
	switch s {
	case Soft:
		return "soft"
	case Hard:
		return "hard"
	default:
		return "unmatched"
	}
}

type IgnoreMatcher interface {
	MatchMessage(msg variant.Message, network string) Strictness
}

// BacklogStorage persists history. Calls arrive on the session worker.
type BacklogStorage interface {
	StoreMessages(ctx context.Context, s Session, msgs []variant.Message) error
	ClearMessages(ctx context.Context, buffer variant.BufferID) error
	UpdateIgnoreRules(ctx context.Context, s Session) error
}
