package syncables

import (
	"strconv"
	"sync"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/variant"
)

var NetworkClass = &host.Class{
	Name: "Network",
	Slots: map[string]host.Slot{
		"setNetworkName":   networkText(func(n *Network, s string) { n.state.Name = s }),
		"setCurrentServer": networkText(func(n *Network, s string) { n.state.CurrentServer = s }),
		"setMyNick":        networkText(func(n *Network, s string) { n.state.MyNick = s }),
		"setConnected":     networkConnected,
		"update":           networkUpdate,
	},
}

type NetworkState struct {
	Name          string
	CurrentServer string
	MyNick        string
	Connected     bool
}

// Network mirrors the few network properties the client core needs,
// chiefly the name used by network scoped ignore rules.
type Network struct {
	Object
	ID variant.NetworkID

	lock  sync.RWMutex
	state NetworkState
}

func NewNetwork(id variant.NetworkID) *Network {
	n := &Network{ID: id}
	n.setup(NetworkClass, strconv.Itoa(int(id)))
	return n
}

func (n *Network) State() NetworkState {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.state
}

func (n *Network) Name() string {
	return n.State().Name
}

func (n *Network) InitState() variant.Map {
	s := n.State()
	return variant.Map{
		"networkName":   variant.String(s.Name),
		"currentServer": variant.String(s.CurrentServer),
		"myNick":        variant.String(s.MyNick),
		"isConnected":   variant.Bool(s.Connected),
	}
}

// ApplyState ignores the properties it does not mirror.
func (n *Network) ApplyState(m variant.Map) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	if v, ok := m["networkName"]; ok {
		n.state.Name, _ = variant.Text(v)
	}
	if v, ok := m["currentServer"]; ok {
		n.state.CurrentServer, _ = variant.Text(v)
	}
	if v, ok := m["myNick"]; ok {
		n.state.MyNick, _ = variant.Text(v)
	}
	if v, ok := m["isConnected"]; ok {
		n.state.Connected = variant.ValueOr(v, false)
	}
	return nil
}

func network(obj host.Syncable) (*Network, error) {
	n, ok := obj.(*Network)
	if !ok {
		return nil, host.ErrBadArguments
	}
	return n, nil
}

func networkText(set func(*Network, string)) host.Slot {
	return func(obj host.Syncable, params variant.List) error {
		n, err := network(obj)
		if err != nil {
			return err
		}
		s, err := host.TextArg(params, 0)
		if err != nil {
			return err
		}
		n.lock.Lock()
		set(n, s)
		n.lock.Unlock()
		return nil
	}
}

func networkConnected(obj host.Syncable, params variant.List) error {
	n, err := network(obj)
	if err != nil {
		return err
	}
	c, err := host.Arg[bool](params, 0)
	if err != nil {
		return err
	}
	n.lock.Lock()
	n.state.Connected = c
	n.lock.Unlock()
	return nil
}

func networkUpdate(obj host.Syncable, params variant.List) error {
	n, err := network(obj)
	if err != nil {
		return err
	}
	m, err := host.Arg[variant.Map](params, 0)
	if err != nil {
		return err
	}
	return n.ApplyState(m)
}
