package variant

import "strings"

// Feature is one negotiable protocol capability, numbered the way the core
// numbers them in its legacy feature mask.
type Feature uint

const (
	SynchronizedMarkerLine Feature = iota
	SaslAuthentication
	SaslExternal
	HideInactiveNetworks
	PasswordChange
	CapNegotiation
	VerifyServerSSL
	CustomRateLimits
	DccFileTransfer
	AwayFormatTimestamp
	Authenticators
	BufferActivitySync
	CoreSideHighlights
	SenderPrefixes
	RemoteDisconnect
	ExtendedFeatures
	LongTime
	RichMessages
	BacklogFilterType
	EcdsaCertfpKeys
	LongMessageId
	SyncedCoreInfo

	featureCount
)

var featureNames = [...]string{
	SynchronizedMarkerLine: "SynchronizedMarkerLine",
	SaslAuthentication:     "SaslAuthentication",
	SaslExternal:           "SaslExternal",
	HideInactiveNetworks:   "HideInactiveNetworks",
	PasswordChange:         "PasswordChange",
	CapNegotiation:         "CapNegotiation",
	VerifyServerSSL:        "VerifyServerSSL",
	CustomRateLimits:       "CustomRateLimits",
	DccFileTransfer:        "DccFileTransfer",
	AwayFormatTimestamp:    "AwayFormatTimestamp",
	Authenticators:         "Authenticators",
	BufferActivitySync:     "BufferActivitySync",
	CoreSideHighlights:     "CoreSideHighlights",
	SenderPrefixes:         "SenderPrefixes",
	RemoteDisconnect:       "RemoteDisconnect",
	ExtendedFeatures:       "ExtendedFeatures",
	LongTime:               "LongTime",
	RichMessages:           "RichMessages",
	BacklogFilterType:      "BacklogFilterType",
	EcdsaCertfpKeys:        "EcdsaCertfpKeys",
	LongMessageId:          "LongMessageId",
	SyncedCoreInfo:         "SyncedCoreInfo",
}

func (f Feature) String() string {
	if f < featureCount {
		return featureNames[f]
	}
	return "Unknown"
}

// Features is the capability record negotiated per connection. The zero
// value is the oldest wire dialect.
type Features uint64

const legacyFeatureMask = 0xffff

// AllFeatures is everything this implementation understands.
var AllFeatures = func() (f Features) {
	for i := Feature(0); i < featureCount; i++ {
		f |= 1 << i
	}
	return
}()

func NewFeatures(list ...Feature) (f Features) {
	return f.With(list...)
}

func (f Features) Has(x Feature) bool {
	return f&(1<<x) != 0
}

func (f Features) With(list ...Feature) Features {
	for _, x := range list {
		f |= 1 << x
	}
	return f
}

func (f Features) Without(list ...Feature) Features {
	for _, x := range list {
		f &^= 1 << x
	}
	return f
}

func (f Features) Intersect(o Features) Features {
	return f & o
}

// Legacy is the uint32 "Features" mask older cores understand.
func (f Features) Legacy() uint32 {
	return uint32(f & legacyFeatureMask)
}

func FromLegacy(mask uint32) Features {
	return Features(mask & legacyFeatureMask)
}

// Names lists enabled features, the "FeatureList" handshake field.
func (f Features) Names() []string {
	names := make([]string, 0, featureCount)
	for i := Feature(0); i < featureCount; i++ {
		if f.Has(i) {
			names = append(names, featureNames[i])
		}
	}
	return names
}

// ParseFeatures reads a "FeatureList". Names we do not know are returned
// separately so they can be logged.
func ParseFeatures(names []string) (f Features, unknown []string) {
outer:
	for _, name := range names {
		for i := Feature(0); i < featureCount; i++ {
			if strings.EqualFold(featureNames[i], name) {
				f |= 1 << i
				continue outer
			}
		}
		unknown = append(unknown, name)
	}
	return
}

func (f Features) String() string {
	return strings.Join(f.Names(), ",")
}
