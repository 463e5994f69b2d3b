// Package syncables holds the objects the session mirrors with the core.
//
// Every object embeds Object, which tracks attachment to a session. Once
// Deinit runs the object is detached for good: outbound calls fail with
// ErrDetached and a new session needs new objects.
package syncables

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/variant"
)

// ErrDetached is returned by outbound calls of an object without a session.
var ErrDetached = errors.New("syncables: object not attached to a session")

type Object struct {
	class *host.Class
	name  string

	lock     sync.RWMutex
	session  host.Session
	detached bool

	initialized atomic.Bool
}

func (o *Object) setup(class *host.Class, name string) {
	o.class = class
	o.name = name
}

func (o *Object) Class() *host.Class {
	return o.class
}

func (o *Object) ObjectName() string {
	return o.name
}

func (o *Object) Init(s host.Session) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.detached {
		return
	}
	o.session = s
}

func (o *Object) Deinit() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.session = nil
	o.detached = true
	o.initialized.Store(false)
}

func (o *Object) Initialized() bool {
	return o.initialized.Load()
}

func (o *Object) SetInitialized() {
	o.initialized.Store(true)
}

func (o *Object) NeedsInit() bool {
	return true
}

// Session returns the attached session, if any.
func (o *Object) Session() (host.Session, bool) {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.session, o.session != nil
}

func (o *Object) Detached() bool {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.detached
}

// sync propagates a change already applied locally.
func (o *Object) sync(slot string, params ...variant.Variant) error {
	s, ok := o.Session()
	if !ok {
		return ErrDetached
	}
	return s.Sync(o.class.Name, o.name, slot, params...)
}

// request asks the core to apply a change and echo it back as a Sync.
func (o *Object) request(slot string, params ...variant.Variant) error {
	s, ok := o.Session()
	if !ok {
		return ErrDetached
	}
	return s.Request(o.class.Name, o.name, slot, params...)
}
