// Package topology implements the Topology Store (spec.md §4.5): per-router
// entity registries plus the ORTC capability-matching and RTP-parameter
// derivation that decides what a Producer's media looks like to each
// Consumer.
//
// Grounded on itzmanish-mediasoup-go's ortc package (payload-type pool,
// RTX "apt" pairing, consumable-parameters construction, scalability-mode
// string handling) — the same domain logic mediasoup's own ortc.ts
// implements, ported here against this module's internal/rtpcap shapes
// instead of a parallel capability type.
package topology

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/pion/webrtc/v4"
)

// allocateSsrc draws a fresh mapped SSRC from the range spec.md §4.5 steps
// 3/5 require for consumable and consumer RTP parameters: `[1e8, 1e9)`.
func allocateSsrc() uint32 {
	return uint32(1e8 + rand.Int63n(9e8))
}

// DynamicPayloadTypes is the pool routers draw from when assigning payload
// types to codecs that didn't request a fixed one, per spec.md §4.5.
var DynamicPayloadTypes = buildPayloadTypePool()

func buildPayloadTypePool() []uint8 {
	pool := make([]uint8, 0, 32)
	for pt := 100; pt <= 127; pt++ {
		pool = append(pool, uint8(pt))
	}
	for pt := 96; pt <= 99; pt++ {
		pool = append(pool, uint8(pt))
	}
	return pool
}

// GenerateRouterCapabilities builds a router's capabilities from its
// media-codec list alone, keeping each codec's PreferredPayloadType when set
// and otherwise assigning one from DynamicPayloadTypes; every video codec
// also gets a paired RTX codec with its own payload type from the pool.
func GenerateRouterCapabilities(mediaCodecs []rtpcap.CodecCapability) (rtpcap.RtpCapabilities, error) {
	caps := rtpcap.RtpCapabilities{
		HeaderExtensions: []rtpcap.HeaderExtension{
			{URI: rtpcap.ExtURIMid, ID: 1},
			{URI: rtpcap.ExtURIAbsSendTime, ID: 2},
			{URI: rtpcap.ExtURITransportWide, ID: 3},
		},
	}

	pool := append([]uint8(nil), DynamicPayloadTypes...)
	next := func() (uint8, error) {
		if len(pool) == 0 {
			return 0, fmt.Errorf("payload type pool exhausted")
		}
		pt := pool[0]
		pool = pool[1:]
		return pt, nil
	}

	for _, mc := range mediaCodecs {
		pt := mc.PreferredPayloadType
		if pt == 0 {
			var err error
			pt, err = next()
			if err != nil {
				return caps, Incompatible(err.Error())
			}
		}
		mc.PreferredPayloadType = pt
		caps.Codecs = append(caps.Codecs, mc)

		if strings.Contains(strings.ToLower(mc.MimeType), "video") {
			rtxPT, err := next()
			if err != nil {
				return caps, Incompatible(err.Error())
			}
			caps.Codecs = append(caps.Codecs, rtpcap.CodecCapability{
				Kind:                 rtpcap.KindVideo,
				MimeType:             "video/rtx",
				PreferredPayloadType: rtxPT,
				ClockRate:            mc.ClockRate,
				Parameters:           map[string]interface{}{"apt": pt},
			})
		}
	}

	return caps, nil
}

// CanConsume reports whether consumerCaps shares at least one codec (by
// mime type and clock rate, ignoring RTX pairs) with the producer's consumable
// parameters, per spec.md §4.5 canConsume.
func CanConsume(consumable rtpcap.RtpParameters, consumerCaps rtpcap.RtpCapabilities) bool {
	for _, pc := range consumable.Codecs {
		if isRtx(pc.MimeType) {
			continue
		}
		for _, cc := range consumerCaps.Codecs {
			if isRtx(cc.MimeType) {
				continue
			}
			if strings.EqualFold(pc.MimeType, cc.MimeType) && pc.ClockRate == cc.ClockRate {
				return true
			}
		}
	}
	return false
}

func isRtx(mime string) bool {
	return strings.EqualFold(mime, "video/rtx") || strings.EqualFold(mime, "audio/rtx")
}

// ConsumableRtpParameters derives the Producer's consumable representation
// from its own sendParameters and the router's capabilities: every codec
// the router also advertises (plus its RTX pairing) survives, and every
// encoding is copied with its SSRC (and RTX SSRC, if any) replaced by a
// freshly allocated mapped SSRC; other encoding fields, RID included, are
// kept as produced.
func ConsumableRtpParameters(produced rtpcap.RtpParameters, routerCaps rtpcap.RtpCapabilities) rtpcap.RtpParameters {
	out := rtpcap.RtpParameters{
		HeaderExtensions: routerCaps.HeaderExtensions,
	}
	for _, pc := range produced.Codecs {
		for _, rc := range routerCaps.Codecs {
			if strings.EqualFold(pc.MimeType, rc.MimeType) {
				out.Codecs = append(out.Codecs, pc)
				break
			}
		}
	}
	for _, enc := range produced.Encodings {
		mapped := enc
		mapped.SSRC = allocateSsrc()
		if enc.RTX != nil {
			mapped.RTX = &rtpcap.RtxEncoding{SSRC: allocateSsrc()}
		}
		out.Encodings = append(out.Encodings, mapped)
	}
	return out
}

// ConsumerRtpParameters derives what a Consumer should receive for a given
// consumable producer representation, restricted to what consumerCaps
// supports, with RTCP feedback reduced to the intersection both sides
// advertise (spec.md §4.5 getConsumerRtpParameters).
func ConsumerRtpParameters(consumable rtpcap.RtpParameters, consumerCaps rtpcap.RtpCapabilities, pipe bool) (rtpcap.RtpParameters, error) {
	var out rtpcap.RtpParameters
	out.HeaderExtensions = consumable.HeaderExtensions

	for _, pc := range consumable.Codecs {
		if isRtx(pc.MimeType) {
			continue
		}
		var matched *rtpcap.CodecCapability
		for i := range consumerCaps.Codecs {
			cc := consumerCaps.Codecs[i]
			if strings.EqualFold(pc.MimeType, cc.MimeType) && pc.ClockRate == cc.ClockRate {
				matched = &cc
				break
			}
		}
		if matched == nil {
			continue
		}

		cp := rtpcap.RtpCodecParameters{
			MimeType:     pc.MimeType,
			PayloadType:  matched.PreferredPayloadType,
			ClockRate:    pc.ClockRate,
			Channels:     pc.Channels,
			Parameters:   pc.Parameters,
			RTCPFeedback: reduceFeedback(pc.RTCPFeedback, matched.RTCPFeedback),
		}
		out.Codecs = append(out.Codecs, cp)

		if rtxPT, ok := findRtxPair(consumable.Codecs, pc); ok {
			out.Codecs = append(out.Codecs, rtpcap.RtpCodecParameters{
				MimeType:    strings.Split(pc.MimeType, "/")[0] + "/rtx",
				PayloadType: rtxPT,
				ClockRate:   pc.ClockRate,
				Parameters:  map[string]interface{}{"apt": cp.PayloadType},
			})
		}
	}

	if len(out.Codecs) == 0 {
		return out, Incompatible("no codec in consumable parameters is supported by consumer capabilities")
	}

	if pipe {
		// Pipe consumers mirror every original encoding 1:1 (no
		// simulcast/SVC mangling) and drop the header extensions a
		// pipe (inter-router) transport never carries, per spec.md
		// §4.5 step 6.
		out.Encodings = append([]rtpcap.RtpEncoding(nil), consumable.Encodings...)
		out.HeaderExtensions = filterHeaderExtensions(consumable.HeaderExtensions,
			rtpcap.ExtURIMid, rtpcap.ExtURIAbsSendTime, rtpcap.ExtURITransportWide)
		return out, nil
	}

	numEncodings := len(consumable.Encodings)
	if numEncodings == 0 {
		numEncodings = 1
	}
	spatial, temporal := 1, 1
	if numEncodings > 1 {
		spatial = numEncodings
		for _, enc := range consumable.Encodings {
			if _, t := ParseScalabilityMode(enc.ScalabilityMode); t > temporal {
				temporal = t
			}
		}
	}

	base := allocateSsrc()
	enc := rtpcap.RtpEncoding{SSRC: base}
	if hasRtxCodec(out.Codecs) {
		enc.RTX = &rtpcap.RtxEncoding{SSRC: base + 1}
	}
	if numEncodings > 1 {
		enc.ScalabilityMode = fmt.Sprintf("L%dT%d", spatial, temporal)
	}
	out.Encodings = []rtpcap.RtpEncoding{enc}

	return out, nil
}

func hasRtxCodec(codecs []rtpcap.RtpCodecParameters) bool {
	for _, c := range codecs {
		if isRtx(c.MimeType) {
			return true
		}
	}
	return false
}

// filterHeaderExtensions drops any extension whose URI is in exclude, per
// spec.md §4.5 step 6 (pipe consumers never carry MID/abs-send-time/
// transport-cc).
func filterHeaderExtensions(exts []rtpcap.HeaderExtension, exclude ...string) []rtpcap.HeaderExtension {
	var out []rtpcap.HeaderExtension
	for _, e := range exts {
		excluded := false
		for _, u := range exclude {
			if e.URI == u {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, e)
		}
	}
	return out
}

func findRtxPair(codecs []rtpcap.RtpCodecParameters, target rtpcap.RtpCodecParameters) (uint8, bool) {
	for _, c := range codecs {
		if !isRtx(c.MimeType) {
			continue
		}
		if apt, ok := c.Apt(); ok && apt == target.PayloadType {
			return c.PayloadType, true
		}
	}
	return 0, false
}

// reduceFeedback keeps only the RTCP feedback types both the producer's
// codec and the consumer's matching capability advertise, per spec.md
// §4.5 step 5 (the consumer never receives a feedback request it can't
// itself honor).
func reduceFeedback(producerFb, consumerFb []webrtc.RTCPFeedback) []webrtc.RTCPFeedback {
	var out []webrtc.RTCPFeedback
	for _, pf := range producerFb {
		for _, cf := range consumerFb {
			if pf.Type == cf.Type && pf.Parameter == cf.Parameter {
				out = append(out, pf)
				break
			}
		}
	}
	return out
}

var scalabilityModeRe = regexp.MustCompile(`^L(\d+)T(\d+)`)

// ParseScalabilityMode mangles a "L{N}T{T}(_KEY)?" string into its spatial
// and temporal layer counts, defaulting to L1T1 for anything that doesn't
// match (spec.md §4.5, grounded on mediasoup's scalabilityMode parsing in
// original_source/ scalability_mode.h).
func ParseScalabilityMode(mode string) (spatial, temporal int) {
	m := scalabilityModeRe.FindStringSubmatch(mode)
	if m == nil {
		return 1, 1
	}
	s, err1 := strconv.Atoi(m[1])
	t, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || s < 1 || t < 1 {
		return 1, 1
	}
	return s, t
}
