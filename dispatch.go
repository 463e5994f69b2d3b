package libquassel

import (
	"context"
	"slices"
	"time"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/syncables"
	"github.com/quasseldroid/libquassel/variant"
)

// dispatch routes one signal proxy message. Nothing here ends the
// connection: anything unexpected is a protocol violation.
func (s *Session) dispatch(list variant.List) {
	msg, err := ParseMessage(list)
	if err != nil {
		s.absorb(err)
		return
	}
	switch m := msg.(type) {
	case SyncMessage:
		MessagesIn.WithLabelValues(RequestSync.String()).Inc()
		s.absorb(s.dispatchSync(m))
	case RPCMessage:
		MessagesIn.WithLabelValues(RequestRPC.String()).Inc()
		s.absorb(s.dispatchRPC(m))
	case InitRequestMessage:
		MessagesIn.WithLabelValues(RequestInit.String()).Inc()
		s.absorb(s.answerInit(m))
	case InitDataMessage:
		MessagesIn.WithLabelValues(RequestInitData.String()).Inc()
		s.absorb(s.applyInit(m))
	case HeartBeatMessage:
		if m.Reply {
			MessagesIn.WithLabelValues(RequestHeartBeatReply.String()).Inc()
			s.heartbeatReply(m.Time)
			return
		}
		MessagesIn.WithLabelValues(RequestHeartBeat.String()).Inc()
		s.absorb(s.send(RequestHeartBeatReply, HeartBeatMessage{Time: m.Time, Reply: true}.List()))
	}
}

func (s *Session) absorb(err error) {
	if err == nil {
		return
	}
	if v, ok := err.(*ProtocolViolation); ok {
		s.violation(v)
		return
	}
	s.log.WarnCtx(s.ctx, "session: dispatch failed", "err", err)
}

func (s *Session) lookup(class, object string) (host.Syncable, *host.Class, error) {
	c, ok := s.classes.Load(class)
	if !ok {
		return nil, nil, violation(ReasonClass, nil, "unknown class %q", class)
	}
	obj, ok := s.objects.Load(objectKey{class, object})
	if !ok {
		return nil, nil, violation(ReasonObject, nil, "unknown object %s/%q", class, object)
	}
	return obj, c, nil
}

func (s *Session) dispatchSync(m SyncMessage) error {
	obj, class, err := s.lookup(m.Class, m.Object)
	if err != nil {
		return err
	}
	slot, ok := class.Slot(m.Slot)
	if !ok {
		return violation(ReasonSlot, nil, "unknown slot %s.%s", m.Class, m.Slot)
	}
	if obj.NeedsInit() && !obj.Initialized() {
		key := objectKey{m.Class, m.Object}
		s.dlock.Lock()
		s.deferred[key] = append(s.deferred[key], m)
		s.dlock.Unlock()
		return nil
	}
	if err := slot(obj, m.Params); err != nil {
		return violation(ReasonArguments, err, "%s.%s", m.Class, m.Slot)
	}
	return nil
}

func (s *Session) answerInit(m InitRequestMessage) error {
	obj, _, err := s.lookup(m.Class, m.Object)
	if err != nil {
		return err
	}
	return s.send(RequestInitData, InitDataMessage{Class: m.Class, Object: m.Object, State: obj.InitState()}.List())
}

// applyInit installs a snapshot, then replays the Syncs that arrived
// before it. A snapshot that fails to apply still counts as received.
func (s *Session) applyInit(m InitDataMessage) error {
	obj, _, err := s.lookup(m.Class, m.Object)
	if err != nil {
		return err
	}
	var result error
	if err := obj.ApplyState(m.State); err != nil {
		result = violation(ReasonInit, err, "%s/%q", m.Class, m.Object)
	}
	obj.SetInitialized()

	key := objectKey{m.Class, m.Object}
	s.dlock.Lock()
	pending := s.deferred[key]
	delete(s.deferred, key)
	s.dlock.Unlock()
	for _, sync := range pending {
		s.absorb(s.dispatchSync(sync))
	}
	s.checkSynchronized()
	return result
}

func (s *Session) dispatchRPC(m RPCMessage) error {
	fn, ok := s.rpc.Load(m.Slot)
	if !ok {
		return violation(ReasonRPC, nil, "unhandled rpc %q", m.Slot)
	}
	if err := fn(s, m.Params); err != nil {
		return violation(ReasonArguments, err, "rpc %q", m.Slot)
	}
	return nil
}

// Core signals the client understands out of the box.
const (
	RPCDisplayMsg       = "2displayMsg(Message)"
	RPCDisplayStatusMsg = "2displayStatusMsg(QString,QString)"
	RPCNetworkCreated   = "2networkCreated(NetworkId)"
	RPCNetworkRemoved   = "2networkRemoved(NetworkId)"
	RPCBufferInfoUpdate = "2bufferInfoUpdated(BufferInfo)"
	RPCObjectRenamed    = "__objectRenamed__"
)

func (s *Session) registerDefaultRPC() {
	s.HandleRPC(RPCDisplayMsg, displayMsg)
	s.HandleRPC(RPCDisplayStatusMsg, displayStatusMsg)
	s.HandleRPC(RPCNetworkCreated, networkCreated)
	s.HandleRPC(RPCNetworkRemoved, networkRemoved)
	s.HandleRPC(RPCBufferInfoUpdate, bufferInfoUpdated)
	s.HandleRPC(RPCObjectRenamed, objectRenamed)
}

// displayMsg stores a live message and notifies listeners unless a hard
// ignore rule drops it.
func displayMsg(s *Session, params variant.List) error {
	msg, err := host.Arg[variant.Message](params, 0)
	if err != nil {
		return err
	}
	network := s.NetworkName(msg.Buffer.Network)
	switch s.ignore.MatchMessage(msg, network) {
	case host.Hard:
		return nil
	case host.Soft:
		msg.Flags |= variant.FlagIgnored
	}
	if s.opts.Storage != nil {
		msgs := []variant.Message{msg}
		err = s.Submit(func(ctx context.Context) error {
			return s.opts.Storage.StoreMessages(ctx, s, msgs)
		})
		if err != nil {
			s.log.WarnCtx(s.ctx, "session: message not stored", "err", err)
		}
	}
	s.lock.Lock()
	listeners := slices.Clone(s.onMessage)
	s.lock.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
	return nil
}

func displayStatusMsg(s *Session, params variant.List) error {
	network, err := host.TextArg(params, 0)
	if err != nil {
		return err
	}
	text, err := host.TextArg(params, 1)
	if err != nil {
		return err
	}
	s.log.InfoCtx(s.ctx, "session: status", "network", network, "msg", text)
	return nil
}

func networkCreated(s *Session, params variant.List) error {
	id, err := host.IntArg(params, 0)
	if err != nil {
		return err
	}
	return s.Register(syncables.NewNetwork(variant.NetworkID(id)))
}

func networkRemoved(s *Session, params variant.List) error {
	id, err := host.IntArg(params, 0)
	if err != nil {
		return err
	}
	if n, ok := s.Network(variant.NetworkID(id)); ok {
		s.Unregister(n)
	}
	return nil
}

func bufferInfoUpdated(s *Session, params variant.List) error {
	info, err := host.Arg[variant.BufferInfo](params, 0)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, known := range s.session.BufferInfos {
		if known.ID == info.ID {
			s.session.BufferInfos[i] = info
			return nil
		}
	}
	s.session.BufferInfos = append(s.session.BufferInfos, info)
	return nil
}

// objectRenamed gets class, new name and old name. Objects here are keyed by
// ids that never change, so a rename is only logged.
func objectRenamed(s *Session, params variant.List) error {
	class, err := host.TextArg(params, 0)
	if err != nil {
		return err
	}
	newName, err := host.TextArg(params, 1)
	if err != nil {
		return err
	}
	oldName, err := host.TextArg(params, 2)
	if err != nil {
		return err
	}
	s.log.DebugCtx(s.ctx, "session: object renamed", "class", class, "from", oldName, "to", newName)
	return nil
}

// heartbeatReply records the round trip of one of our heartbeats.
func (s *Session) heartbeatReply(sent time.Time) {
	now := time.Now()
	s.lastReply.Store(now.UnixNano())
	if sent.IsZero() {
		return
	}
	lag := now.Sub(sent)
	if lag < 0 {
		lag = 0
	}
	s.lag.AddDuration(lag)
	HeartbeatLag.Observe(lag.Seconds())
}
