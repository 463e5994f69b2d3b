package libquassel

import (
	"fmt"

	"github.com/quasseldroid/libquassel/variant"
)

// Handshake message types, the MsgType key of every handshake map.
const (
	MsgClientInit        = "ClientInit"
	MsgClientInitAck     = "ClientInitAck"
	MsgClientInitReject  = "ClientInitReject"
	MsgClientLogin       = "ClientLogin"
	MsgClientLoginAck    = "ClientLoginAck"
	MsgClientLoginReject = "ClientLoginReject"
	MsgSessionInit       = "SessionInit"
)

// CoreInfo is what the core reports in ClientInitAck.
type CoreInfo struct {
	Features        variant.Features
	UnknownFeatures []string
	Configured      bool
	StorageBackends variant.List
	Authenticators  variant.List
}

// SessionState is the SessionInit payload.
type SessionState struct {
	BufferInfos []variant.BufferInfo
	NetworkIDs  []variant.NetworkID
	Identities  []variant.Map
}

// EncodeHandshake flattens a handshake map into the DataStream key/value
// list. MsgType goes first.
func EncodeHandshake(m variant.Map) variant.List {
	list := make(variant.List, 0, 2*len(m))
	if t, ok := m["MsgType"]; ok {
		list = append(list, variant.Bytes("MsgType"), t)
	}
	for _, k := range sortedKeys(m) {
		if k == "MsgType" {
			continue
		}
		list = append(list, variant.Bytes(k), m[k])
	}
	return list
}

func DecodeHandshake(list variant.List) (msgType string, m variant.Map, err error) {
	m, err = pairs(list)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	msgType, ok := variant.Text(m["MsgType"])
	if !ok {
		return "", nil, fmt.Errorf("%w: no MsgType", ErrBadHandshake)
	}
	return msgType, m, nil
}

func clientInit(version, date string, f variant.Features) variant.Map {
	return variant.Map{
		"MsgType":       variant.String(MsgClientInit),
		"ClientVersion": variant.String(version),
		"ClientDate":    variant.String(date),
		"Features":      variant.UInt(f.Legacy()),
		"FeatureList":   variant.StringList(f.Names()),
	}
}

func clientLogin(user, password string) variant.Map {
	return variant.Map{
		"MsgType":  variant.String(MsgClientLogin),
		"User":     variant.String(user),
		"Password": variant.String(password),
	}
}

func parseCoreInfo(m variant.Map) CoreInfo {
	var info CoreInfo
	legacy, _ := variant.Integer(m["CoreFeatures"])
	info.Features = variant.FromLegacy(uint32(legacy))
	if names, ok := variant.As[[]string](m["FeatureList"]); ok {
		extended, unknown := variant.ParseFeatures(names)
		info.Features |= extended
		info.UnknownFeatures = unknown
	}
	info.Configured = variant.ValueOr(m["Configured"], false)
	info.StorageBackends = variant.ValueOr(m["StorageBackends"], variant.List{})
	info.Authenticators = variant.ValueOr(m["Authenticators"], variant.List{})
	return info
}

func parseSessionState(m variant.Map) (SessionState, error) {
	var st SessionState
	raw, ok := variant.As[variant.Map](m["SessionState"])
	if !ok {
		return st, fmt.Errorf("%w: SessionInit without SessionState", ErrBadHandshake)
	}
	for _, v := range variant.ValueOr(raw["BufferInfos"], variant.List{}) {
		if info, ok := variant.As[variant.BufferInfo](v); ok {
			st.BufferInfos = append(st.BufferInfos, info)
		}
	}
	for _, v := range variant.ValueOr(raw["NetworkIds"], variant.List{}) {
		if id, ok := variant.Integer(v); ok {
			st.NetworkIDs = append(st.NetworkIDs, variant.NetworkID(id))
		}
	}
	for _, v := range variant.ValueOr(raw["Identities"], variant.List{}) {
		if ident, ok := variant.As[variant.Map](v); ok {
			st.Identities = append(st.Identities, ident)
		}
	}
	return st, nil
}

func rejection(kind error, m variant.Map) error {
	reason, _ := variant.Text(m["Error"])
	return &RejectedError{Kind: kind, Reason: reason}
}
