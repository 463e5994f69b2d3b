package syncables

import (
	"context"
	"sync"
	"testing"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/utils"
	"github.com/quasseldroid/libquassel/variant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	kind   string
	class  string
	object string
	slot   string
	params variant.List
}

type fakeSession struct {
	lock  sync.Mutex
	calls []call
	fail  error
}

func (f *fakeSession) record(kind, class, object, slot string, params []variant.Variant) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, call{kind, class, object, slot, params})
	return nil
}

func (f *fakeSession) Sync(class, object, slot string, params ...variant.Variant) error {
	return f.record("sync", class, object, slot, params)
}

func (f *fakeSession) Request(class, object, slot string, params ...variant.Variant) error {
	return f.record("request", class, object, slot, params)
}

func (f *fakeSession) RPC(slot string, params ...variant.Variant) error {
	return f.record("rpc", "", "", slot, params)
}

func (f *fakeSession) Features() variant.Features           { return variant.AllFeatures }
func (f *fakeSession) Logger() utils.Logger                 { return utils.NopLogger{} }
func (f *fakeSession) IgnoreRules() host.IgnoreMatcher      { return nil }
func (f *fakeSession) NetworkName(variant.NetworkID) string { return "" }
func (f *fakeSession) Submit(task utils.Task) error         { return task(context.Background()) }

type fakeStorage struct {
	lock    sync.Mutex
	stored  [][]variant.Message
	cleared []variant.BufferID
	updates int
}

func (s *fakeStorage) StoreMessages(_ context.Context, _ host.Session, msgs []variant.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stored = append(s.stored, msgs)
	return nil
}

func (s *fakeStorage) ClearMessages(_ context.Context, buffer variant.BufferID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cleared = append(s.cleared, buffer)
	return nil
}

func (s *fakeStorage) UpdateIgnoreRules(context.Context, host.Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.updates++
	return nil
}

func backlogReply(buffer variant.BufferID, msgs ...variant.Message) variant.List {
	list := make(variant.List, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, variant.NewMessage(m))
	}
	return variant.List{
		variant.NewBufferID(buffer), variant.NewMsgID(-1), variant.NewMsgID(-1),
		variant.Int(50), variant.Int(0), variant.NewList(list...),
	}
}

func attachedBacklog(t *testing.T) (*BacklogManager, *fakeSession, *fakeStorage) {
	t.Helper()
	storage := &fakeStorage{}
	session := &fakeSession{}
	b := NewBacklogManager(storage)
	b.Init(session)
	return b, session, storage
}

func TestBacklogCoalescing(t *testing.T) {
	b, session, storage := attachedBacklog(t)
	var got []string
	require.NoError(t, b.RequestBacklog(5, -1, -1, 50, 0, func([]variant.Message) bool {
		got = append(got, "A")
		return true
	}))
	require.NoError(t, b.RequestBacklog(5, -1, -1, 50, 0, func([]variant.Message) bool {
		got = append(got, "B")
		return true
	}))
	assert.Len(t, session.calls, 1)
	assert.Equal(t, "requestBacklog", session.calls[0].slot)
	assert.Equal(t, "request", session.calls[0].kind)
	assert.True(t, b.IsPending(BacklogPlain, 5))

	slot, ok := BacklogManagerClass.Slot("receiveBacklog")
	require.True(t, ok)
	msg := variant.Message{ID: 1, Content: "hello"}
	require.NoError(t, slot(b, backlogReply(5, msg)))

	assert.Equal(t, []string{"A"}, got)
	assert.False(t, b.IsPending(BacklogPlain, 5))
	require.Len(t, storage.stored, 1)
	assert.Equal(t, "hello", storage.stored[0][0].Content)
}

func TestBacklogKindsAreIndependent(t *testing.T) {
	b, session, _ := attachedBacklog(t)
	require.NoError(t, b.RequestBacklog(5, -1, -1, NoLimit, NoAdditional, nil))
	require.NoError(t, b.RequestBacklogFiltered(5, -1, -1, NoLimit, NoAdditional, variant.MessagePlain, variant.FlagNone, nil))
	require.NoError(t, b.RequestBacklogAll(-1, -1, NoLimit, NoAdditional, nil))
	require.NoError(t, b.RequestBacklogAllFiltered(-1, -1, NoLimit, NoAdditional, variant.MessagePlain, variant.FlagNone, nil))
	require.Len(t, session.calls, 4)
	assert.Len(t, session.calls[1].params, 7)
	assert.Len(t, session.calls[2].params, 4)
	assert.True(t, b.IsPending(BacklogAll, 99))

	require.NoError(t, b.RequestBacklog(6, -1, -1, NoLimit, NoAdditional, nil))
	assert.Len(t, session.calls, 5)
}

func TestBacklogCallbackDeclines(t *testing.T) {
	b, _, storage := attachedBacklog(t)
	require.NoError(t, b.RequestBacklog(5, -1, -1, 50, 0, func([]variant.Message) bool { return false }))
	slot, _ := BacklogManagerClass.Slot("receiveBacklog")
	require.NoError(t, slot(b, backlogReply(5, variant.Message{ID: 1})))
	assert.Empty(t, storage.stored)
}

func TestBacklogStaleResponseStored(t *testing.T) {
	b, _, storage := attachedBacklog(t)
	slot, _ := BacklogManagerClass.Slot("receiveBacklog")
	require.NoError(t, slot(b, backlogReply(7, variant.Message{ID: 3})))
	require.Len(t, storage.stored, 1)
	assert.Equal(t, variant.MsgID(3), storage.stored[0][0].ID)
}

func TestBacklogAllReply(t *testing.T) {
	b, _, storage := attachedBacklog(t)
	called := false
	require.NoError(t, b.RequestBacklogAll(-1, -1, 10, 0, func(msgs []variant.Message) bool {
		called = true
		return len(msgs) == 1
	}))
	slot, _ := BacklogManagerClass.Slot("receiveBacklogAll")
	params := variant.List{
		variant.NewMsgID(-1), variant.NewMsgID(-1), variant.Int(10), variant.Int(0),
		variant.NewList(variant.NewMessage(variant.Message{ID: 9})),
	}
	require.NoError(t, slot(b, params))
	assert.True(t, called)
	assert.Len(t, storage.stored, 1)
}

func TestBacklogBadArguments(t *testing.T) {
	b, _, _ := attachedBacklog(t)
	slot, _ := BacklogManagerClass.Slot("receiveBacklog")
	assert.ErrorIs(t, slot(b, variant.List{variant.Int(1)}), host.ErrBadArguments)
	assert.ErrorIs(t, slot(NewIgnoreListManager(), backlogReply(1)), host.ErrBadArguments)
}

func TestBacklogFailedSendClearsPending(t *testing.T) {
	b, session, _ := attachedBacklog(t)
	session.fail = assert.AnError
	assert.ErrorIs(t, b.RequestBacklog(5, -1, -1, 50, 0, nil), assert.AnError)
	assert.False(t, b.IsPending(BacklogPlain, 5))
}

func TestBacklogRequestWithoutSession(t *testing.T) {
	b := NewBacklogManager(&fakeStorage{})
	assert.ErrorIs(t, b.RequestBacklog(5, -1, -1, 50, 0, nil), ErrDetached)
	assert.False(t, b.IsPending(BacklogPlain, 5))

	session := &fakeSession{}
	b.Init(session)
	require.NoError(t, b.RequestBacklog(5, -1, -1, 50, 0, nil))
	require.Len(t, session.calls, 1)
	assert.Equal(t, "requestBacklog", session.calls[0].slot)
	assert.True(t, b.IsPending(BacklogPlain, 5))

	b.Deinit()
	assert.ErrorIs(t, b.RequestBacklogAll(-1, -1, 10, 0, nil), ErrDetached)
	assert.False(t, b.IsPending(BacklogAll, -1))
}

func TestIgnoreRequestsWithoutSession(t *testing.T) {
	m := NewIgnoreListManager()
	assert.ErrorIs(t, m.RequestToggleIgnoreRule("*bot*"), ErrDetached)
	// the local half of Update still applies
	assert.ErrorIs(t, m.Update([]*IgnoreListItem{botRule(true)}), ErrDetached)
	assert.Len(t, m.Rules(), 1)
}

func TestBacklogDeinitDropsCallbacks(t *testing.T) {
	b, _, storage := attachedBacklog(t)
	called := false
	require.NoError(t, b.RequestBacklog(5, -1, -1, 50, 0, func([]variant.Message) bool {
		called = true
		return true
	}))
	b.Deinit()
	assert.True(t, b.Detached())
	assert.False(t, b.IsPending(BacklogPlain, 5))

	slot, _ := BacklogManagerClass.Slot("receiveBacklog")
	require.NoError(t, slot(b, backlogReply(5, variant.Message{ID: 1})))
	assert.False(t, called)
	assert.Len(t, storage.stored, 1)

	b.Init(&fakeSession{})
	_, attached := b.Session()
	assert.False(t, attached)
}

func TestBacklogRemoveBuffer(t *testing.T) {
	b, session, storage := attachedBacklog(t)
	b.RemoveBuffer(12)
	b.UpdateIgnoreRules()
	assert.Equal(t, []variant.BufferID{12}, storage.cleared)
	assert.Equal(t, 1, storage.updates)
	assert.Empty(t, session.calls)
	assert.False(t, b.NeedsInit())
}

func botRule(active bool) *IgnoreListItem {
	return NewIgnoreListItem(SenderIgnore, "*bot*", false, host.Hard, GlobalScope, "", active)
}

func TestIgnoreMatch(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{botRule(true)})
	assert.Equal(t, host.Hard, m.Match("hi", "evilbot", variant.MessagePlain, "net", "#chan"))
	assert.Equal(t, host.Unmatched, m.Match("hi", "alice", variant.MessagePlain, "net", "#chan"))

	m.SetIgnoreList([]*IgnoreListItem{botRule(false)})
	assert.Equal(t, host.Unmatched, m.Match("hi", "evilbot", variant.MessagePlain, "net", "#chan"))
}

func TestIgnoreMatchMessageTypes(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{
		botRule(true),
		NewIgnoreListItem(MessageIgnore, ".*", true, host.Soft, GlobalScope, "", true),
	})
	for _, typ := range []variant.MessageType{variant.MessageJoin, variant.MessageQuit, variant.MessageServer} {
		assert.Equal(t, host.Unmatched, m.Match("hi", "evilbot", typ, "net", "#chan"), typ)
	}
	assert.Equal(t, host.Hard, m.Match("hi", "evilbot", variant.MessageNotice, "net", "#chan"))
	assert.Equal(t, host.Soft, m.Match("hi", "alice", variant.MessageAction, "net", "#chan"))
}

func TestIgnoreCtcpRulesSkipped(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{
		NewIgnoreListItem(CtcpIgnore, "*", false, host.Hard, GlobalScope, "", true),
	})
	assert.Equal(t, host.Unmatched, m.Match("hi", "evilbot", variant.MessagePlain, "net", "#chan"))
}

func TestIgnoreScopes(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{
		NewIgnoreListItem(MessageIgnore, "spam", true, host.Soft, NetworkScope, "libera; oftc ;", true),
		NewIgnoreListItem(SenderIgnore, "troll!*", false, host.Hard, ChannelScope, "#go*", true),
	})
	assert.Equal(t, host.Soft, m.Match("buy spam now", "x", variant.MessagePlain, "OFTC", "#a"))
	assert.Equal(t, host.Unmatched, m.Match("buy spam now", "x", variant.MessagePlain, "efnet", "#a"))
	assert.Equal(t, host.Hard, m.Match("hello", "troll!u@h", variant.MessagePlain, "efnet", "#golang"))
	assert.Equal(t, host.Unmatched, m.Match("hello", "troll!u@h", variant.MessagePlain, "efnet", "#rust"))
	// the trailing blank entry matches a network without a name
	require.Len(t, m.Rules()[0].ScopeMatchers(), 3)
	assert.Equal(t, host.Soft, m.Match("buy spam now", "x", variant.MessagePlain, "", "#a"))
}

func TestIgnoreScopeIsGlobForRegexRules(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{
		NewIgnoreListItem(MessageIgnore, "spam", true, host.Soft, NetworkScope, "*", true),
	})
	require.NoError(t, m.Rules()[0].ScopeMatchers()[0].Err())
	assert.False(t, m.Rules()[0].ScopeMatchers()[0].IsRegex)
	assert.Equal(t, host.Soft, m.Match("buy spam now", "x", variant.MessagePlain, "libera", "#a"))

	m.SetIgnoreList([]*IgnoreListItem{
		NewIgnoreListItem(MessageIgnore, "spam", true, host.Soft, NetworkScope, "libera", true),
	})
	assert.Equal(t, host.Soft, m.Match("buy spam now", "x", variant.MessagePlain, "Libera", "#a"))
	assert.Equal(t, host.Unmatched, m.Match("buy spam now", "x", variant.MessagePlain, "notlibera", "#a"))

	// flipping IsRegex leaves the scope globs alone
	glob := m.Rules()[0].Copy(func(i *IgnoreListItem) { i.IsRegex = false })
	assert.Same(t, m.Rules()[0].ScopeMatchers()[0], glob.ScopeMatchers()[0])
}

func TestIgnoreGlobIsFullMatch(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{
		NewIgnoreListItem(MessageIgnore, "spam", false, host.Soft, GlobalScope, "", true),
	})
	assert.Equal(t, host.Unmatched, m.Match("buy spam now", "x", variant.MessagePlain, "", ""))
	assert.Equal(t, host.Soft, m.Match("SPAM", "x", variant.MessagePlain, "", ""))
}

func TestIgnoreCopySharesMatcher(t *testing.T) {
	a := NewIgnoreListItem(SenderIgnore, "*bot*", false, host.Hard, NetworkScope, "libera", true)
	b := a.Copy(func(i *IgnoreListItem) { i.IsActive = false })
	assert.Same(t, a.Matcher(), b.Matcher())
	assert.Same(t, a.ScopeMatchers()[0], b.ScopeMatchers()[0])
	assert.True(t, a.IsActive)
	assert.False(t, b.IsActive)

	c := a.Copy(func(i *IgnoreListItem) { i.Rule = "*spam*" })
	assert.NotSame(t, a.Matcher(), c.Matcher())
	assert.Equal(t, "*spam*", c.Matcher().Pattern)
}

func TestIgnoreMutations(t *testing.T) {
	m := NewIgnoreListManager()
	ch, cancel := m.Subscribe()
	defer cancel()

	assert.True(t, m.AddIgnoreListItem(botRule(true)))
	assert.False(t, m.AddIgnoreListItem(botRule(false)))
	assert.True(t, m.AddIgnoreListItem(NewIgnoreListItem(MessageIgnore, "a", false, host.Soft, GlobalScope, "", true)))
	assert.True(t, m.AddIgnoreListItem(NewIgnoreListItem(MessageIgnore, "b", false, host.Soft, GlobalScope, "", true)))
	assert.Equal(t, uint64(3), m.Version())
	assert.Len(t, ch, 1)

	snapshot := m.Rules()
	assert.True(t, m.RemoveIgnoreListItem("a"))
	assert.False(t, m.RemoveIgnoreListItem("a"))
	require.Len(t, m.Rules(), 2)
	assert.Equal(t, "*bot*", m.Rules()[0].Rule)
	assert.Equal(t, "b", m.Rules()[1].Rule)
	assert.Len(t, snapshot, 3)

	assert.True(t, m.ToggleIgnoreRule("b"))
	assert.False(t, m.Rules()[1].IsActive)
	assert.True(t, snapshot[2].IsActive)
	assert.False(t, m.ToggleIgnoreRule("missing"))
	assert.Equal(t, 1, m.IndexOf("b"))
}

func TestIgnoreStateRoundtrip(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{
		botRule(true),
		NewIgnoreListItem(MessageIgnore, "x.*y", true, host.Soft, ChannelScope, "#a;#b", false),
	})
	state := m.InitState()

	n := NewIgnoreListManager()
	require.NoError(t, n.ApplyState(state))
	require.Len(t, n.Rules(), 2)
	for i := range m.Rules() {
		assert.True(t, m.Rules()[i].Equal(n.Rules()[i]), n.Rules()[i])
	}
}

func TestIgnoreStateMismatch(t *testing.T) {
	m := NewIgnoreListManager()
	m.SetIgnoreList([]*IgnoreListItem{botRule(true)})
	state := m.InitState()
	list, _ := variant.As[variant.Map](state["IgnoreList"])
	list["isActive"] = variant.NewList()

	n := NewIgnoreListManager()
	assert.ErrorIs(t, n.ApplyState(state), ErrIgnoreListMismatch)
	assert.Empty(t, n.Rules())
}

func TestIgnoreSlots(t *testing.T) {
	m := NewIgnoreListManager()
	add, _ := IgnoreListManagerClass.Slot("addIgnoreListItem")
	require.NoError(t, add(m, variant.List{
		variant.Int(0), variant.String("*bot*"), variant.Bool(false), variant.Int(2),
		variant.Int(0), variant.String(""), variant.Bool(true),
	}))
	assert.Equal(t, host.Hard, m.MatchMessage(variant.Message{Sender: "robot!r@h", Type: variant.MessagePlain}, "net"))

	toggle, _ := IgnoreListManagerClass.Slot("toggleIgnoreRule")
	require.NoError(t, toggle(m, variant.List{variant.String("*bot*")}))
	assert.False(t, m.Rules()[0].IsActive)

	update, _ := IgnoreListManagerClass.Slot("update")
	require.NoError(t, update(m, variant.List{variant.NewMap(ignoreState(nil))}))
	assert.Empty(t, m.Rules())

	remove, _ := IgnoreListManagerClass.Slot("removeIgnoreListItem")
	require.NoError(t, remove(m, variant.List{variant.String("missing")}))
	assert.ErrorIs(t, add(m, variant.List{variant.Int(0)}), host.ErrBadArguments)
}

func TestIgnoreRequestsLeaveStateAlone(t *testing.T) {
	m := NewIgnoreListManager()
	session := &fakeSession{}
	m.Init(session)

	require.NoError(t, m.RequestAddIgnoreListItem(botRule(true)))
	require.NoError(t, m.RequestToggleIgnoreRule("*bot*"))
	require.NoError(t, m.RequestRemoveIgnoreListItem("*bot*"))
	assert.Empty(t, m.Rules())
	require.Len(t, session.calls, 3)
	assert.Equal(t, "requestAddIgnoreListItem", session.calls[0].slot)
	assert.Len(t, session.calls[0].params, 7)

	require.NoError(t, m.Update([]*IgnoreListItem{botRule(true)}))
	assert.Len(t, m.Rules(), 1)
	last := session.calls[len(session.calls)-1]
	assert.Equal(t, "sync", last.kind)
	assert.Equal(t, "update", last.slot)
}

func TestPatternCache(t *testing.T) {
	c := NewPatternCache(2)
	a := c.Compile("*x*", false)
	assert.Same(t, a, c.Compile("*x*", false))
	assert.NotSame(t, a, c.Compile("*x*", true))
	assert.Equal(t, 2, c.Len())

	broken := c.Compile("(", true)
	assert.Error(t, broken.Err())
	assert.False(t, broken.Match("("))
	assert.Equal(t, 2, c.Len())
}

func TestGlobToRegex(t *testing.T) {
	m := defaultPatterns.Compile(`a?c\*`, false)
	assert.True(t, m.Match("abc*"))
	assert.True(t, m.Match("ABC*"))
	assert.False(t, m.Match("abcd"))
	assert.True(t, defaultPatterns.Compile("*.example.org", false).Match("irc.example.org"))
	assert.False(t, defaultPatterns.Compile("*.example.org", false).Match("irc.exampleXorg"))
}

func TestNetworkState(t *testing.T) {
	n := NewNetwork(3)
	assert.Equal(t, "3", n.ObjectName())
	assert.Equal(t, NetworkClass, n.Class())
	assert.True(t, n.NeedsInit())

	require.NoError(t, n.ApplyState(variant.Map{
		"networkName":          variant.String("libera"),
		"myNick":               variant.String("alice"),
		"isConnected":          variant.Bool(true),
		"autoReconnectRetries": variant.Int(3),
	}))
	assert.Equal(t, NetworkState{Name: "libera", MyNick: "alice", Connected: true}, n.State())

	copied := NewNetwork(4)
	require.NoError(t, copied.ApplyState(n.InitState()))
	assert.Equal(t, n.State(), copied.State())
}

func TestNetworkSlots(t *testing.T) {
	n := NewNetwork(1)
	rename, ok := NetworkClass.Slot("setNetworkName")
	require.True(t, ok)
	require.NoError(t, rename(n, variant.List{variant.String("oftc")}))
	assert.Equal(t, "oftc", n.Name())

	connected, _ := NetworkClass.Slot("setConnected")
	require.NoError(t, connected(n, variant.List{variant.Bool(true)}))
	assert.True(t, n.State().Connected)

	update, _ := NetworkClass.Slot("update")
	require.NoError(t, update(n, variant.List{variant.NewMap(variant.Map{"currentServer": variant.String("irc.oftc.net")})}))
	assert.Equal(t, "irc.oftc.net", n.State().CurrentServer)
	assert.Equal(t, "oftc", n.Name())

	assert.ErrorIs(t, rename(n, variant.List{variant.Int(1)}), host.ErrBadArguments)
	assert.ErrorIs(t, connected(n, nil), host.ErrBadArguments)
	assert.ErrorIs(t, rename(NewIgnoreListManager(), variant.List{variant.String("x")}), host.ErrBadArguments)
}
