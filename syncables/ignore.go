package syncables

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/variant"
)

var ErrIgnoreListMismatch = errors.New("ignore list: column lengths differ")

type IgnoreType int32

const (
	SenderIgnore IgnoreType = iota
	MessageIgnore
	CtcpIgnore
)

type ScopeType int32

const (
	GlobalScope ScopeType = iota
	NetworkScope
	ChannelScope
)

// IgnoreListItem is immutable once built. Use Copy to derive a changed rule.
type IgnoreListItem struct {
	Type       IgnoreType
	Rule       string
	IsRegex    bool
	Strictness host.Strictness
	Scope      ScopeType
	ScopeRule  string
	IsActive   bool

	matcher *Matcher
	scopes  []*Matcher
}

func NewIgnoreListItem(typ IgnoreType, rule string, isRegex bool, strictness host.Strictness, scope ScopeType, scopeRule string, isActive bool) *IgnoreListItem {
	item := &IgnoreListItem{
		Type:       typ,
		Rule:       rule,
		IsRegex:    isRegex,
		Strictness: strictness,
		Scope:      scope,
		ScopeRule:  scopeRule,
		IsActive:   isActive,
	}
	item.compile(nil)
	return item
}

func (i *IgnoreListItem) compile(cache *PatternCache) {
	i.matcher = cache.Compile(i.Rule, i.IsRegex)
	i.scopes = cache.CompileScope(i.ScopeRule)
}

// Copy applies edit to a clone. Compiled matchers carry over while the
// pattern they were built from is unchanged.
func (i *IgnoreListItem) Copy(edit func(*IgnoreListItem)) *IgnoreListItem {
	c := *i
	if edit != nil {
		edit(&c)
	}
	if c.Rule != i.Rule || c.IsRegex != i.IsRegex {
		c.matcher = defaultPatterns.Compile(c.Rule, c.IsRegex)
	}
	if c.ScopeRule != i.ScopeRule {
		c.scopes = defaultPatterns.CompileScope(c.ScopeRule)
	}
	return &c
}

func (i *IgnoreListItem) Matcher() *Matcher {
	return i.matcher
}

func (i *IgnoreListItem) ScopeMatchers() []*Matcher {
	return i.scopes
}

func (i *IgnoreListItem) Equal(o *IgnoreListItem) bool {
	return i.Type == o.Type && i.Rule == o.Rule && i.IsRegex == o.IsRegex &&
		i.Strictness == o.Strictness && i.Scope == o.Scope &&
		i.ScopeRule == o.ScopeRule && i.IsActive == o.IsActive
}

func (i *IgnoreListItem) String() string {
	return fmt.Sprintf("ignore{type=%d rule=%q regex=%v %s scope=%d %q active=%v}",
		i.Type, i.Rule, i.IsRegex, i.Strictness, i.Scope, i.ScopeRule, i.IsActive)
}

func (i *IgnoreListItem) inScope(network, bufferName string) bool {
	var target string
	switch i.Scope {
	case GlobalScope:
		return true
	case NetworkScope:
		target = network
	case ChannelScope:
		target = bufferName
	default:
		return false
	}
	for _, m := range i.scopes {
		if m.Match(target) {
			return true
		}
	}
	return false
}

// matchable types for ignore rules
const ignorableTypes = variant.MessagePlain | variant.MessageNotice | variant.MessageAction

var IgnoreListManagerClass = &host.Class{
	Name: "IgnoreListManager",
	Slots: map[string]host.Slot{
		"addIgnoreListItem":    addIgnoreListItemSlot,
		"removeIgnoreListItem": ruleSlot((*IgnoreListManager).RemoveIgnoreListItem),
		"toggleIgnoreRule":     ruleSlot((*IgnoreListManager).ToggleIgnoreRule),
		"update":               updateSlot,
	},
}

// IgnoreListManager holds the ignore rules. Readers get a consistent
// snapshot without locking; writers serialize on a mutex and publish a new
// slice.
type IgnoreListManager struct {
	Object

	write   sync.Mutex
	rules   atomic.Pointer[[]*IgnoreListItem]
	version atomic.Uint64

	subsLock sync.Mutex
	subs     map[chan struct{}]struct{}
}

func NewIgnoreListManager() *IgnoreListManager {
	m := &IgnoreListManager{subs: make(map[chan struct{}]struct{})}
	m.setup(IgnoreListManagerClass, "")
	m.rules.Store(&[]*IgnoreListItem{})
	return m
}

// Rules returns the current snapshot. The slice must not be modified.
func (m *IgnoreListManager) Rules() []*IgnoreListItem {
	return *m.rules.Load()
}

func (m *IgnoreListManager) Version() uint64 {
	return m.version.Load()
}

// Subscribe returns a channel signalled after each change. Signals
// coalesce; receivers re-read Rules.
func (m *IgnoreListManager) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.subsLock.Lock()
	m.subs[ch] = struct{}{}
	m.subsLock.Unlock()
	return ch, func() {
		m.subsLock.Lock()
		delete(m.subs, ch)
		m.subsLock.Unlock()
	}
}

func (m *IgnoreListManager) publish(rules []*IgnoreListItem) {
	m.rules.Store(&rules)
	m.version.Add(1)
	IgnoreRuleCount.Set(float64(len(rules)))
	m.subsLock.Lock()
	defer m.subsLock.Unlock()
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// edit runs fn on a copy of the current list; fn reports whether to publish.
func (m *IgnoreListManager) edit(fn func(rules []*IgnoreListItem) ([]*IgnoreListItem, bool)) bool {
	m.write.Lock()
	defer m.write.Unlock()
	next, changed := fn(slices.Clone(m.Rules()))
	if changed {
		m.publish(next)
	}
	return changed
}

func (m *IgnoreListManager) IndexOf(rule string) int {
	return slices.IndexFunc(m.Rules(), func(i *IgnoreListItem) bool { return i.Rule == rule })
}

func (m *IgnoreListManager) Contains(rule string) bool {
	return m.IndexOf(rule) >= 0
}

// AddIgnoreListItem appends item unless a rule with the same pattern
// string exists.
func (m *IgnoreListManager) AddIgnoreListItem(item *IgnoreListItem) bool {
	return m.edit(func(rules []*IgnoreListItem) ([]*IgnoreListItem, bool) {
		if slices.ContainsFunc(rules, func(i *IgnoreListItem) bool { return i.Rule == item.Rule }) {
			return nil, false
		}
		return append(rules, item), true
	})
}

func (m *IgnoreListManager) RemoveIgnoreListItem(rule string) bool {
	return m.edit(func(rules []*IgnoreListItem) ([]*IgnoreListItem, bool) {
		idx := slices.IndexFunc(rules, func(i *IgnoreListItem) bool { return i.Rule == rule })
		if idx < 0 {
			return nil, false
		}
		return slices.Delete(rules, idx, idx+1), true
	})
}

func (m *IgnoreListManager) ToggleIgnoreRule(rule string) bool {
	return m.edit(func(rules []*IgnoreListItem) ([]*IgnoreListItem, bool) {
		changed := false
		for n, item := range rules {
			if item.Rule == rule {
				rules[n] = item.Copy(func(c *IgnoreListItem) { c.IsActive = !c.IsActive })
				changed = true
			}
		}
		return rules, changed
	})
}

// SetIgnoreList replaces every rule.
func (m *IgnoreListManager) SetIgnoreList(items []*IgnoreListItem) {
	m.edit(func([]*IgnoreListItem) ([]*IgnoreListItem, bool) {
		return slices.Clone(items), true
	})
}

// Update replaces the list locally and pushes it to the core.
func (m *IgnoreListManager) Update(items []*IgnoreListItem) error {
	m.SetIgnoreList(items)
	return m.sync("update", variant.NewMap(ignoreState(items)))
}

func (m *IgnoreListManager) RequestAddIgnoreListItem(item *IgnoreListItem) error {
	return m.request("requestAddIgnoreListItem",
		variant.Int(int32(item.Type)), variant.String(item.Rule), variant.Bool(item.IsRegex),
		variant.Int(int32(item.Strictness)), variant.Int(int32(item.Scope)),
		variant.String(item.ScopeRule), variant.Bool(item.IsActive))
}

func (m *IgnoreListManager) RequestRemoveIgnoreListItem(rule string) error {
	return m.request("requestRemoveIgnoreListItem", variant.String(rule))
}

func (m *IgnoreListManager) RequestToggleIgnoreRule(rule string) error {
	return m.request("requestToggleIgnoreRule", variant.String(rule))
}

func (m *IgnoreListManager) RequestUpdate(items []*IgnoreListItem) error {
	return m.request("requestUpdate", variant.NewMap(ignoreState(items)))
}

// Match returns the highest strictness among the active rules that apply.
func (m *IgnoreListManager) Match(content, sender string, typ variant.MessageType, network, bufferName string) host.Strictness {
	if typ&ignorableTypes == 0 {
		return host.Unmatched
	}
	best := host.Unmatched
	for _, item := range m.Rules() {
		if !item.IsActive || item.Type == CtcpIgnore || item.Strictness <= best {
			continue
		}
		if !item.inScope(network, bufferName) {
			continue
		}
		subject := sender
		if item.Type == MessageIgnore {
			subject = content
		}
		if item.matcher.Match(subject) {
			best = item.Strictness
		}
	}
	return best
}

func (m *IgnoreListManager) MatchMessage(msg variant.Message, network string) host.Strictness {
	s := m.Match(msg.Content, msg.Sender, msg.Type, network, msg.Buffer.Name)
	IgnoreMatches.WithLabelValues(s.String()).Inc()
	return s
}

func (m *IgnoreListManager) InitState() variant.Map {
	return ignoreState(m.Rules())
}

func ignoreState(items []*IgnoreListItem) variant.Map {
	return variant.Map{"IgnoreList": variant.NewMap(encodeIgnoreList(items))}
}

func (m *IgnoreListManager) ApplyState(state variant.Map) error {
	list, ok := variant.As[variant.Map](state["IgnoreList"])
	if !ok {
		list = variant.Map{}
	}
	items, err := decodeIgnoreList(list)
	if err != nil {
		return err
	}
	m.SetIgnoreList(items)
	return nil
}

func encodeIgnoreList(items []*IgnoreListItem) variant.Map {
	var (
		types, regex, strict, scopes, active variant.List
		rules, scopeRules                    []string
	)
	for _, i := range items {
		types = append(types, variant.Int(int32(i.Type)))
		rules = append(rules, i.Rule)
		regex = append(regex, variant.Bool(i.IsRegex))
		strict = append(strict, variant.Int(int32(i.Strictness)))
		scopes = append(scopes, variant.Int(int32(i.Scope)))
		scopeRules = append(scopeRules, i.ScopeRule)
		active = append(active, variant.Bool(i.IsActive))
	}
	return variant.Map{
		"ignoreType": variant.NewList(types...),
		"ignoreRule": variant.StringList(nonNil(rules)),
		"isRegEx":    variant.NewList(regex...),
		"strictness": variant.NewList(strict...),
		"scope":      variant.NewList(scopes...),
		"scopeRule":  variant.StringList(nonNil(scopeRules)),
		"isActive":   variant.NewList(active...),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// column reads a list that may be sent as QStringList or QVariantList.
func column(m variant.Map, key string) variant.List {
	v := m[key]
	if l, ok := variant.As[variant.List](v); ok {
		return l
	}
	if s, ok := variant.As[[]string](v); ok {
		l := make(variant.List, len(s))
		for n, str := range s {
			l[n] = variant.String(str)
		}
		return l
	}
	return nil
}

func decodeIgnoreList(m variant.Map) ([]*IgnoreListItem, error) {
	types := column(m, "ignoreType")
	rules := column(m, "ignoreRule")
	regex := column(m, "isRegEx")
	strict := column(m, "strictness")
	scopes := column(m, "scope")
	scopeRules := column(m, "scopeRule")
	active := column(m, "isActive")
	n := len(types)
	for _, col := range []variant.List{rules, regex, strict, scopes, scopeRules, active} {
		if len(col) != n {
			return nil, ErrIgnoreListMismatch
		}
	}
	items := make([]*IgnoreListItem, 0, n)
	for i := 0; i < n; i++ {
		typ, _ := variant.Integer(types[i])
		rule, _ := variant.Text(rules[i])
		st, _ := variant.Integer(strict[i])
		sc, _ := variant.Integer(scopes[i])
		scopeRule, _ := variant.Text(scopeRules[i])
		items = append(items, NewIgnoreListItem(
			ignoreTypeOf(typ), rule, variant.ValueOr(regex[i], false),
			strictnessOf(st), scopeOf(sc), scopeRule, variant.ValueOr(active[i], false)))
	}
	return items, nil
}

// Out of range enum values fall back to the first member.
func ignoreTypeOf(n int64) IgnoreType {
	if n < int64(SenderIgnore) || n > int64(CtcpIgnore) {
		return SenderIgnore
	}
	return IgnoreType(n)
}

func strictnessOf(n int64) host.Strictness {
	if n < int64(host.Unmatched) || n > int64(host.Hard) {
		return host.Unmatched
	}
	return host.Strictness(n)
}

func scopeOf(n int64) ScopeType {
	if n < int64(GlobalScope) || n > int64(ChannelScope) {
		return GlobalScope
	}
	return ScopeType(n)
}

func manager(obj host.Syncable) (*IgnoreListManager, error) {
	m, ok := obj.(*IgnoreListManager)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an IgnoreListManager", host.ErrBadArguments, obj)
	}
	return m, nil
}

func addIgnoreListItemSlot(obj host.Syncable, params variant.List) error {
	m, err := manager(obj)
	if err != nil {
		return err
	}
	if len(params) < 7 {
		return fmt.Errorf("%w: addIgnoreListItem wants 7 arguments, have %d", host.ErrBadArguments, len(params))
	}
	typ, err := host.IntArg(params, 0)
	if err != nil {
		return err
	}
	rule, err := host.TextArg(params, 1)
	if err != nil {
		return err
	}
	st, err := host.IntArg(params, 3)
	if err != nil {
		return err
	}
	sc, err := host.IntArg(params, 4)
	if err != nil {
		return err
	}
	scopeRule, err := host.TextArg(params, 5)
	if err != nil {
		return err
	}
	m.AddIgnoreListItem(NewIgnoreListItem(ignoreTypeOf(typ), rule, variant.ValueOr(params[2], false),
		strictnessOf(st), scopeOf(sc), scopeRule, variant.ValueOr(params[6], false)))
	return nil
}

func ruleSlot(fn func(*IgnoreListManager, string) bool) host.Slot {
	return func(obj host.Syncable, params variant.List) error {
		m, err := manager(obj)
		if err != nil {
			return err
		}
		rule, err := host.TextArg(params, 0)
		if err != nil {
			return err
		}
		fn(m, rule)
		return nil
	}
}

func updateSlot(obj host.Syncable, params variant.List) error {
	m, err := manager(obj)
	if err != nil {
		return err
	}
	state, err := host.Arg[variant.Map](params, 0)
	if err != nil {
		return err
	}
	return m.ApplyState(state)
}
