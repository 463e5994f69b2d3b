// Package libquassel is a client side implementation of the Quassel core
// protocol.
//
// A Session exchanges frames with a core through a network.Peer. It runs
// the handshake, mirrors the registered syncable objects, answers
// heartbeats and hands storage work to a worker so the dispatch path never
// blocks. Client wires a Session to a dialed connection.
package libquassel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/protocol"
	"github.com/quasseldroid/libquassel/syncables"
	"github.com/quasseldroid/libquassel/utils"
	"github.com/quasseldroid/libquassel/variant"
)

type State int32

const (
	Connecting State = iota
	Handshaking
	Synchronizing
	Active
	Closed
)

func (s State) String() string {
	return []string{"Connecting", "Handshaking", "Synchronizing", "Active", "Closed"}[s]
}

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultQueueLimit        = 16 << 20
	DefaultClientVersion     = "libquassel-go v0.1"
)

type Options struct {
	ClientVersion string
	ClientDate    string
	User          string
	Password      string
	// Features offered to the core; zero offers everything known.
	Features variant.Features
	// A negative interval disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Storage           host.BacklogStorage
	Logger            utils.Logger
	TraceID           string
	QueueLimit        int
	// OnStateChange is registered before the session starts, so it sees
	// every transition from Connecting on.
	OnStateChange func(from, to State)
}

type objectKey struct {
	class, name string
}

// RPCHandler handles one inbound RpcCall. Errors become protocol
// violations.
type RPCHandler func(s *Session, params variant.List) error

type Session struct {
	opts    Options
	log     utils.Logger
	ctx     context.Context
	traceID string

	lock      sync.Mutex
	cond      sync.Cond
	state     State
	err       error
	listeners []func(from, to State)
	onClose   []func(reason error)
	onMessage []func(msg variant.Message)

	features atomic.Uint64
	core     CoreInfo
	session  SessionState

	outq   *utils.FDQueue[protocol.Records]
	worker *utils.Worker

	classes *xsync.MapOf[string, *host.Class]
	objects *xsync.MapOf[objectKey, host.Syncable]
	rpc     *xsync.MapOf[string, RPCHandler]

	dlock    sync.Mutex
	deferred map[objectKey][]SyncMessage

	backlog *syncables.BacklogManager
	ignore  *syncables.IgnoreListManager

	lag        *utils.AvgVal
	lastReply  atomic.Int64
	violations atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(opts Options) *Session {
	if opts.Features == 0 {
		opts.Features = variant.AllFeatures
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = DefaultClientVersion
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	if opts.TraceID == "" {
		opts.TraceID = uuid.Must(uuid.NewV7()).String()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NopLogger{}
	}

	s := &Session{
		opts:     opts,
		traceID:  opts.TraceID,
		log:      opts.Logger,
		outq:     utils.NewFDQueue[protocol.Records](opts.QueueLimit, 10*time.Second, 64<<10),
		classes:  xsync.NewMapOf[string, *host.Class](),
		objects:  xsync.NewMapOf[objectKey, host.Syncable](),
		rpc:      xsync.NewMapOf[string, RPCHandler](),
		deferred: make(map[objectKey][]SyncMessage),
		lag:      utils.NewWindowedAvg(16),
		done:     make(chan struct{}),
	}
	s.ctx = utils.WithDefaultArgs(context.Background(), "trace_id", s.traceID)
	s.cond.L = &s.lock
	s.features.Store(uint64(opts.Features))
	if opts.OnStateChange != nil {
		s.listeners = append(s.listeners, opts.OnStateChange)
	}
	s.worker = utils.NewWorker(s.log.With("trace_id", s.traceID))

	s.backlog = syncables.NewBacklogManager(opts.Storage)
	s.ignore = syncables.NewIgnoreListManager()
	_ = s.Register(s.backlog)
	_ = s.Register(s.ignore)
	s.registerDefaultRPC()
	go s.watchIgnoreRules()
	return s
}

func (s *Session) GetTraceId() string {
	return s.traceID
}

func (s *Session) Features() variant.Features {
	return variant.Features(s.features.Load())
}

func (s *Session) Logger() utils.Logger {
	return s.log
}

func (s *Session) Submit(task utils.Task) error {
	return s.worker.Submit(task)
}

func (s *Session) IgnoreRules() host.IgnoreMatcher {
	return s.ignore
}

func (s *Session) NetworkName(id variant.NetworkID) string {
	if n, ok := s.Network(id); ok {
		return n.Name()
	}
	return ""
}

func (s *Session) Backlog() *syncables.BacklogManager {
	return s.backlog
}

func (s *Session) IgnoreList() *syncables.IgnoreListManager {
	return s.ignore
}

func (s *Session) Network(id variant.NetworkID) (*syncables.Network, bool) {
	obj, ok := s.Object(syncables.NetworkClass.Name, strconv.Itoa(int(id)))
	if !ok {
		return nil, false
	}
	n, ok := obj.(*syncables.Network)
	return n, ok
}

// CoreInfo is valid once the handshake passed ClientInitAck.
func (s *Session) CoreInfo() CoreInfo {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.core
}

func (s *Session) SessionState() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.session
}

// Lag is the running average heartbeat round trip.
func (s *Session) Lag() time.Duration {
	return s.lag.Duration()
}

// Violations counts absorbed protocol violations.
func (s *Session) Violations() uint64 {
	return s.violations.Load()
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Err is the reason the session closed, nil for a local Close.
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// OnStateChange registers fn to run after every transition.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.lock.Lock()
	s.listeners = append(s.listeners, fn)
	s.lock.Unlock()
}

// OnClose registers fn to run once when the session closes. It runs on the
// closing goroutine, which may be the dispatch path: it must not wait for
// the Peer to stop.
func (s *Session) OnClose(fn func(reason error)) {
	s.lock.Lock()
	s.onClose = append(s.onClose, fn)
	s.lock.Unlock()
}

// OnMessage registers fn for live messages the core displays.
func (s *Session) OnMessage(fn func(msg variant.Message)) {
	s.lock.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.lock.Unlock()
}

func (s *Session) setState(to State) {
	s.lock.Lock()
	from := s.state
	if from == to || from == Closed {
		s.lock.Unlock()
		return
	}
	s.state = to
	listeners := slices.Clone(s.listeners)
	s.cond.Broadcast()
	s.lock.Unlock()

	s.log.DebugCtx(s.ctx, "session: state", "from", from.String(), "to", to.String())
	SessionTransitions.WithLabelValues(to.String()).Inc()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// WaitState blocks until the session reaches state or a later one.
func (s *Session) WaitState(state State) State {
	s.lock.Lock()
	defer s.lock.Unlock()
	for s.state < state {
		s.cond.Wait()
	}
	return s.state
}

// Register adds obj to the registry and attaches it. A class name binds
// to the first method table registered under it. Once synchronizing,
// registering an object that needs init requests it right away.
func (s *Session) Register(obj host.Syncable) error {
	class := obj.Class()
	if known, _ := s.classes.LoadOrStore(class.Name, class); known != class {
		return fmt.Errorf("%w: %s", ErrClassConflict, class.Name)
	}
	key := objectKey{class.Name, obj.ObjectName()}
	if _, loaded := s.objects.LoadOrStore(key, obj); loaded {
		return fmt.Errorf("%w: %s/%s", ErrObjectExists, key.class, key.name)
	}
	obj.Init(s)
	if !obj.NeedsInit() {
		obj.SetInitialized()
		return nil
	}
	if st := s.State(); st == Synchronizing || st == Active {
		return s.send(RequestInit, InitRequestMessage{Class: key.class, Object: key.name}.List())
	}
	return nil
}

func (s *Session) Unregister(obj host.Syncable) {
	key := objectKey{obj.Class().Name, obj.ObjectName()}
	if s.objects.CompareAndDelete(key, obj) {
		obj.Deinit()
	}
	s.dlock.Lock()
	delete(s.deferred, key)
	s.dlock.Unlock()
}

func (s *Session) Object(class, name string) (host.Syncable, bool) {
	return s.objects.Load(objectKey{class, name})
}

func (s *Session) HandleRPC(slot string, fn RPCHandler) {
	s.rpc.Store(slot, fn)
}

// Sync sends a change that was already applied locally.
func (s *Session) Sync(className, objectName, slot string, params ...variant.Variant) error {
	return s.send(RequestSync, SyncMessage{Class: className, Object: objectName, Slot: slot, Params: params}.List())
}

// Request asks the core to apply a change. Local state changes only when
// the core's confirming Sync arrives.
func (s *Session) Request(className, objectName, slot string, params ...variant.Variant) error {
	return s.send(RequestSync, SyncMessage{Class: className, Object: objectName, Slot: slot, Params: params}.List())
}

func (s *Session) RPC(slot string, params ...variant.Variant) error {
	return s.send(RequestRPC, RPCMessage{Slot: slot, Params: params}.List())
}

func (s *Session) send(t RequestType, list variant.List) error {
	if err := s.write(list); err != nil {
		return err
	}
	MessagesOut.WithLabelValues(t.String()).Inc()
	return nil
}

func (s *Session) write(list variant.List) error {
	if s.State() == Closed {
		return ErrSessionClosed
	}
	buf := variant.NewBuffer(variant.DefaultChunkSize)
	if err := variant.EncodeList(buf, list, s.Features()); err != nil {
		return err
	}
	if buf.Len() > protocol.MaxFrameSize {
		return fmt.Errorf("%w: outbound message of %d bytes", protocol.ErrBadFrame, buf.Len())
	}
	err := s.outq.Drain(s.ctx, protocol.Frame(buf))
	if errors.Is(err, utils.ErrClosed) {
		return ErrSessionClosed
	}
	return err
}

// Start sends ClientInit. The Peer must be running, or start right after.
func (s *Session) Start() error {
	s.lock.Lock()
	if s.state != Connecting {
		s.lock.Unlock()
		return ErrSessionStarted
	}
	s.lock.Unlock()
	s.setState(Handshaking)
	return s.write(EncodeHandshake(clientInit(s.opts.ClientVersion, s.opts.ClientDate, s.opts.Features)))
}

// Feed hands the next outbound frames to the Peer writer.
func (s *Session) Feed(ctx context.Context) (protocol.Records, error) {
	recs, err := s.outq.Feed(ctx)
	if errors.Is(err, utils.ErrClosed) {
		return recs, io.EOF
	}
	return recs, err
}

// Drain handles inbound frames in order. Decoding errors and handshake
// failures are fatal and close the session; protocol violations are not.
func (s *Session) Drain(_ context.Context, recs protocol.Records) error {
	for _, body := range recs {
		list, err := variant.DecodeList(variant.NewReader(body), s.Features())
		if err != nil {
			err = fmt.Errorf("session: decode: %w", err)
			s.closeWith(err)
			return err
		}
		if err := s.handle(list); err != nil {
			s.closeWith(err)
			return err
		}
	}
	return nil
}

func (s *Session) handle(list variant.List) error {
	switch s.State() {
	case Handshaking:
		return s.handleHandshake(list)
	case Synchronizing, Active:
		s.dispatch(list)
		return nil
	case Closed:
		return ErrSessionClosed
	}
	s.violation(violation(ReasonMessage, nil, "message before the handshake started"))
	return nil
}

func (s *Session) handleHandshake(list variant.List) error {
	msgType, m, err := DecodeHandshake(list)
	if err != nil {
		return err
	}
	MessagesIn.WithLabelValues(msgType).Inc()
	s.log.DebugCtx(s.ctx, "session: handshake", "type", msgType)
	switch msgType {
	case MsgClientInitReject:
		return rejection(ErrHandshakeRejected, m)
	case MsgClientLoginReject:
		return rejection(ErrLoginRejected, m)
	case MsgClientInitAck:
		info := parseCoreInfo(m)
		negotiated := s.opts.Features.Intersect(info.Features)
		s.features.Store(uint64(negotiated))
		s.lock.Lock()
		s.core = info
		s.lock.Unlock()
		s.log.InfoCtx(s.ctx, "session: core accepted client", "features", negotiated.String())
		if !info.Configured {
			return ErrCoreNotConfigured
		}
		return s.write(EncodeHandshake(clientLogin(s.opts.User, s.opts.Password)))
	case MsgClientLoginAck:
		return nil
	case MsgSessionInit:
		st, err := parseSessionState(m)
		if err != nil {
			return err
		}
		s.lock.Lock()
		s.session = st
		s.lock.Unlock()
		return s.synchronize(st)
	}
	s.violation(violation(ReasonType, nil, "unknown handshake message %q", msgType))
	return nil
}

// synchronize registers per network objects, then requests every pending
// init. The session is Active once all InitData arrived.
func (s *Session) synchronize(st SessionState) error {
	for _, id := range st.NetworkIDs {
		if err := s.Register(syncables.NewNetwork(id)); err != nil && !errors.Is(err, ErrObjectExists) {
			return err
		}
	}
	s.setState(Synchronizing)
	var err error
	s.objects.Range(func(key objectKey, obj host.Syncable) bool {
		if obj.NeedsInit() && !obj.Initialized() {
			err = s.send(RequestInit, InitRequestMessage{Class: key.class, Object: key.name}.List())
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	if s.opts.HeartbeatInterval > 0 {
		go s.heartbeat(s.opts.HeartbeatInterval, s.opts.HeartbeatTimeout)
	}
	s.checkSynchronized()
	return nil
}

func (s *Session) checkSynchronized() {
	if s.State() != Synchronizing {
		return
	}
	pending := false
	s.objects.Range(func(_ objectKey, obj host.Syncable) bool {
		pending = obj.NeedsInit() && !obj.Initialized()
		return !pending
	})
	if !pending {
		s.setState(Active)
	}
}

func (s *Session) violation(v *ProtocolViolation) {
	s.violations.Add(1)
	ProtocolViolations.WithLabelValues(v.Reason).Inc()
	s.log.WarnCtx(s.ctx, "session: protocol violation", "reason", v.Reason, "detail", v.Detail, "err", v.Err)
}

func (s *Session) Close() error {
	s.closeWith(nil)
	return nil
}

// closeWith ends the session once; later calls are no-ops. reason is nil
// for a local Close and becomes Err.
//
// Teardown order:
//   - Err is set and the state moves to Closed, so listeners and WaitState
//     observe the end and new writes fail with ErrSessionClosed.
//   - Done is closed, which stops the heartbeat and the rule watcher.
//   - Every object is deinitialized and unregistered. BacklogManager drops
//     its pending callbacks there; replies still in flight are stored but
//     never reach a callback.
//   - Deferred syncs are discarded.
//   - The outbound queue is closed, so the Peer writer's Feed returns
//     io.EOF.
//   - Close hooks run. They must not wait for the Peer: closeWith may be
//     running on the Peer's reader goroutine, inside Drain.
//   - The worker is closed last and waits for storage tasks already queued.
func (s *Session) closeWith(reason error) {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.err = reason
		hooks := slices.Clone(s.onClose)
		s.lock.Unlock()

		if reason != nil {
			s.log.WarnCtx(s.ctx, "session: closed", "err", reason)
		} else {
			s.log.InfoCtx(s.ctx, "session: closed")
		}
		s.setState(Closed)
		close(s.done)

		s.objects.Range(func(key objectKey, obj host.Syncable) bool {
			obj.Deinit()
			s.objects.Delete(key)
			return true
		})
		s.dlock.Lock()
		clear(s.deferred)
		s.dlock.Unlock()

		_ = s.outq.Close()
		for _, fn := range hooks {
			fn(reason)
		}
		_ = s.worker.Close()
	})
}

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// watchIgnoreRules re-evaluates stored history whenever the rules change.
func (s *Session) watchIgnoreRules() {
	changes, cancel := s.ignore.Subscribe()
	defer cancel()
	for {
		select {
		case <-changes:
			s.backlog.UpdateIgnoreRules()
		case <-s.done:
			return
		}
	}
}
