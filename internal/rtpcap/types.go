// Package rtpcap holds the RTP capability/parameter shapes shared between
// the ORTC capability matcher (internal/topology) and the entity
// controllers (internal/entity). It reuses pion/webrtc's RTCP feedback and
// header-extension types (RTCPFeedback, RTPHeaderExtensionParameter)
// as the concrete Go shape for what spec.md §3/§4.5 calls "RTP
// capabilities"/"RTP parameters", rather than inventing a parallel type,
// since the field semantics (mimeType, clockRate, channels, RTCP feedback
// tags) line up directly with the worker's wire vocabulary.
package rtpcap

import "github.com/pion/webrtc/v4"

// MediaKind mirrors spec.md §3: a Producer/Consumer is audio or video.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// CodecCapability is one entry of a Router's or endpoint's declared codec
// set. PayloadType/PreferredPayloadType follow mediasoup's split between
// "this is the codec shape" (Capability) and "this PT was chosen for it"
// (Parameters).
type CodecCapability struct {
	Kind                 MediaKind                     `json:"kind"`
	MimeType             string                         `json:"mimeType"`
	PreferredPayloadType uint8                          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                         `json:"clockRate"`
	Channels             uint16                         `json:"channels,omitempty"`
	Parameters           map[string]interface{}         `json:"parameters,omitempty"`
	RTCPFeedback         []webrtc.RTCPFeedback          `json:"rtcpFeedback,omitempty"`
}

// HeaderExtension mirrors mediasoup's RtpHeaderExtension shape; reuses
// pion's RTPHeaderExtensionParameter field names (URI/ID) directly.
type HeaderExtension = webrtc.RTPHeaderExtensionParameter

// Well-known header extension URIs consulted by ORTC matching (§4.5 step
// 5/6). mediasoup (and pion) identify extensions by URI, not by name.
const (
	ExtURIMid           = "urn:ietf:params:rtp-hdrext:sdes:mid"
	ExtURIAbsSendTime   = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	ExtURITransportWide = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
)

// RtpCapabilities is what an endpoint (router or remote peer) declares it
// can do — spec.md §3's "RTP/SCTP capabilities".
type RtpCapabilities struct {
	Codecs           []CodecCapability `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions,omitempty"`
}

// RtcpFeedbackHasType reports whether fb contains a feedback entry of the
// given type (e.g. "transport-cc", "goog-remb"), as used by §4.5 step 5's
// RTCP-feedback reduction.
func RtcpFeedbackHasType(fb []webrtc.RTCPFeedback, typ string) bool {
	for _, f := range fb {
		if f.Type == typ {
			return true
		}
	}
	return false
}

// RtpEncoding is one simulcast/SVC spatial layer of a Producer or
// Consumer's RTP parameters.
type RtpEncoding struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	RID             string `json:"rid,omitempty"`
	CodecPayloadType uint8 `json:"codecPayloadType,omitempty"`
	RTX             *RtxEncoding `json:"rtx,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
	MaxBitrate      int    `json:"maxBitrate,omitempty"`
}

type RtxEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

// RtpCodecParameters is a single negotiated codec within RtpParameters,
// carrying the concrete payload type plus optional RTX pairing (the
// apt parameter, per §4.5 step 1/2).
type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback []webrtc.RTCPFeedback  `json:"rtcpFeedback,omitempty"`
}

// Apt returns the RTX "apt" parameter (the media payload type this RTX
// codec retransmits), or ok=false if this codec has none.
func (c RtpCodecParameters) Apt() (uint8, bool) {
	v, ok := c.Parameters["apt"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint8:
		return n, true
	case int:
		return uint8(n), true
	case float64:
		return uint8(n), true
	default:
		return 0, false
	}
}

// RtpParameters is the full parameter set of a Producer, a Consumer, or
// the Router's per-producer "consumable parameters" (§4.5 step 3).
type RtpParameters struct {
	MID              string               `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters `json:"codecs"`
	HeaderExtensions []HeaderExtension    `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncoding        `json:"encodings,omitempty"`
	RTCP             struct {
		CNAME       string `json:"cname,omitempty"`
		ReducedSize bool   `json:"reducedSize,omitempty"`
	} `json:"rtcp,omitempty"`
}
