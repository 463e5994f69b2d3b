package libquassel

import (
	"fmt"
	"slices"
	"time"

	"github.com/quasseldroid/libquassel/variant"
)

// RequestType is element 0 of every signal proxy message.
type RequestType int32

const (
	RequestSync           RequestType = 1
	RequestRPC            RequestType = 2
	RequestInit           RequestType = 3
	RequestInitData       RequestType = 4
	RequestHeartBeat      RequestType = 5
	RequestHeartBeatReply RequestType = 6
)

func (t RequestType) String() string {
	switch t {
	case RequestSync:
		return "sync"
	case RequestRPC:
		return "rpc"
	case RequestInit:
		return "init_request"
	case RequestInitData:
		return "init_data"
	case RequestHeartBeat:
		return "heartbeat"
	case RequestHeartBeatReply:
		return "heartbeat_reply"
	}
	return fmt.Sprintf("request(%d)", int32(t))
}

// SyncMessage also carries Requests: those are Syncs of request* slots
// addressed to the core.
type SyncMessage struct {
	Class  string
	Object string
	Slot   string
	Params variant.List
}

func (m SyncMessage) List() variant.List {
	return append(variant.List{
		variant.Int(int32(RequestSync)), variant.Bytes(m.Class), variant.Bytes(m.Object), variant.Bytes(m.Slot),
	}, m.Params...)
}

type RPCMessage struct {
	Slot   string
	Params variant.List
}

func (m RPCMessage) List() variant.List {
	return append(variant.List{variant.Int(int32(RequestRPC)), variant.Bytes(m.Slot)}, m.Params...)
}

type InitRequestMessage struct {
	Class  string
	Object string
}

func (m InitRequestMessage) List() variant.List {
	return variant.List{variant.Int(int32(RequestInit)), variant.Bytes(m.Class), variant.Bytes(m.Object)}
}

// InitDataMessage flattens State into key/value pairs after the header.
type InitDataMessage struct {
	Class  string
	Object string
	State  variant.Map
}

func (m InitDataMessage) List() variant.List {
	list := variant.List{variant.Int(int32(RequestInitData)), variant.Bytes(m.Class), variant.Bytes(m.Object)}
	for _, k := range sortedKeys(m.State) {
		list = append(list, variant.Bytes(k), m.State[k])
	}
	return list
}

type HeartBeatMessage struct {
	Time  time.Time
	Reply bool
}

func (m HeartBeatMessage) List() variant.List {
	t := RequestHeartBeat
	if m.Reply {
		t = RequestHeartBeatReply
	}
	return variant.List{variant.Int(int32(t)), variant.DateTime(m.Time)}
}

// ParseMessage decodes a signal proxy message. Errors are
// *ProtocolViolation.
func ParseMessage(list variant.List) (any, error) {
	if len(list) == 0 {
		return nil, violation(ReasonMessage, nil, "empty message")
	}
	n, ok := variant.Integer(list[0])
	if !ok {
		return nil, violation(ReasonType, nil, "discriminator is %s", list[0])
	}
	t := RequestType(n)
	switch t {
	case RequestSync:
		names, err := texts(list, 3, t)
		if err != nil {
			return nil, err
		}
		return SyncMessage{Class: names[0], Object: names[1], Slot: names[2], Params: list[4:]}, nil
	case RequestRPC:
		names, err := texts(list, 1, t)
		if err != nil {
			return nil, err
		}
		return RPCMessage{Slot: names[0], Params: list[2:]}, nil
	case RequestInit:
		names, err := texts(list, 2, t)
		if err != nil {
			return nil, err
		}
		return InitRequestMessage{Class: names[0], Object: names[1]}, nil
	case RequestInitData:
		names, err := texts(list, 2, t)
		if err != nil {
			return nil, err
		}
		state, err := pairs(list[3:])
		if err != nil {
			return nil, err
		}
		return InitDataMessage{Class: names[0], Object: names[1], State: state}, nil
	case RequestHeartBeat, RequestHeartBeatReply:
		if len(list) < 2 {
			return nil, violation(ReasonMessage, nil, "%s without timestamp", t)
		}
		ts, ok := variant.As[time.Time](list[1])
		if !ok {
			return nil, violation(ReasonMessage, nil, "%s timestamp is %s", t, list[1])
		}
		return HeartBeatMessage{Time: ts, Reply: t == RequestHeartBeatReply}, nil
	}
	return nil, violation(ReasonType, nil, "unknown discriminator %d", n)
}

func texts(list variant.List, n int, t RequestType) ([]string, error) {
	if len(list) < n+1 {
		return nil, violation(ReasonMessage, nil, "%s has %d elements", t, len(list))
	}
	out := make([]string, n)
	for i := range out {
		s, ok := variant.Text(list[i+1])
		if !ok {
			return nil, violation(ReasonMessage, nil, "%s element %d is %s", t, i+1, list[i+1])
		}
		out[i] = s
	}
	return out, nil
}

// pairs reads alternating key/value elements.
func pairs(list variant.List) (variant.Map, error) {
	if len(list)%2 != 0 {
		return nil, violation(ReasonMessage, nil, "odd key/value list of %d", len(list))
	}
	m := make(variant.Map, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		k, ok := variant.Text(list[i])
		if !ok {
			return nil, violation(ReasonMessage, nil, "key %d is %s", i, list[i])
		}
		m[k] = list[i+1]
	}
	return m, nil
}

func sortedKeys(m variant.Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
