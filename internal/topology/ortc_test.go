package topology

import (
	"testing"

	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/pion/webrtc/v4"
)

func TestGenerateRouterCapabilitiesAssignsPoolAndRtx(t *testing.T) {
	caps, err := GenerateRouterCapabilities([]rtpcap.CodecCapability{
		{Kind: rtpcap.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: rtpcap.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(caps.Codecs) != 3 {
		t.Fatalf("expected opus + VP8 + rtx, got %d codecs", len(caps.Codecs))
	}
	if caps.Codecs[0].PreferredPayloadType != 100 {
		t.Fatalf("expected first dynamic PT 100, got %d", caps.Codecs[0].PreferredPayloadType)
	}
	rtx := caps.Codecs[2]
	if rtx.MimeType != "video/rtx" {
		t.Fatalf("expected rtx codec third, got %s", rtx.MimeType)
	}
	if apt, _ := rtx.Parameters["apt"].(uint8); apt != caps.Codecs[1].PreferredPayloadType {
		t.Fatalf("rtx apt %v does not point at VP8 PT %d", rtx.Parameters["apt"], caps.Codecs[1].PreferredPayloadType)
	}
}

func TestCanConsumeMatchesByMimeAndClockRate(t *testing.T) {
	consumable := rtpcap.RtpParameters{Codecs: []rtpcap.RtpCodecParameters{
		{MimeType: "audio/opus", ClockRate: 48000},
	}}
	caps := rtpcap.RtpCapabilities{Codecs: []rtpcap.CodecCapability{
		{MimeType: "audio/opus", ClockRate: 48000},
	}}
	if !CanConsume(consumable, caps) {
		t.Fatal("expected opus/48000 to be consumable")
	}

	caps2 := rtpcap.RtpCapabilities{Codecs: []rtpcap.CodecCapability{
		{MimeType: "video/VP8", ClockRate: 90000},
	}}
	if CanConsume(consumable, caps2) {
		t.Fatal("expected VP8-only capabilities to not consume an opus producer")
	}
}

func TestConsumerRtpParametersReducesFeedbackAndPairsRtx(t *testing.T) {
	consumable := rtpcap.RtpParameters{
		Codecs: []rtpcap.RtpCodecParameters{
			{
				MimeType:  "video/VP8",
				ClockRate: 90000,
				RTCPFeedback: []webrtc.RTCPFeedback{
					{Type: "nack"},
					{Type: "goog-remb"},
				},
			},
			{
				MimeType:   "video/rtx",
				ClockRate:  90000,
				PayloadType: 101,
				Parameters: map[string]interface{}{"apt": uint8(0)},
			},
		},
	}
	consumerCaps := rtpcap.RtpCapabilities{Codecs: []rtpcap.CodecCapability{
		{
			MimeType:             "video/VP8",
			ClockRate:            90000,
			PreferredPayloadType: 100,
			RTCPFeedback:         []webrtc.RTCPFeedback{{Type: "nack"}},
		},
	}}

	out, err := ConsumerRtpParameters(consumable, consumerCaps, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Codecs) != 2 {
		t.Fatalf("expected VP8 + rtx, got %d", len(out.Codecs))
	}
	if len(out.Codecs[0].RTCPFeedback) != 1 || out.Codecs[0].RTCPFeedback[0].Type != "nack" {
		t.Fatalf("expected feedback reduced to just nack, got %v", out.Codecs[0].RTCPFeedback)
	}
	if out.Codecs[1].MimeType != "video/rtx" {
		t.Fatalf("expected rtx codec paired in, got %s", out.Codecs[1].MimeType)
	}
}

func TestConsumerRtpParametersIncompatible(t *testing.T) {
	consumable := rtpcap.RtpParameters{Codecs: []rtpcap.RtpCodecParameters{
		{MimeType: "audio/opus", ClockRate: 48000},
	}}
	consumerCaps := rtpcap.RtpCapabilities{Codecs: []rtpcap.CodecCapability{
		{MimeType: "video/VP8", ClockRate: 90000},
	}}
	_, err := ConsumerRtpParameters(consumable, consumerCaps, false)
	te, ok := err.(*Error)
	if !ok || te.Kind != ErrIncompatibleCapabilities {
		t.Fatalf("expected IncompatibleCapabilities, got %v", err)
	}
}

func TestConsumerRtpParametersAllocatesSsrcAndRtxPair(t *testing.T) {
	consumable := rtpcap.RtpParameters{
		Codecs: []rtpcap.RtpCodecParameters{
			{MimeType: "video/VP8", ClockRate: 90000},
			{MimeType: "video/rtx", ClockRate: 90000, PayloadType: 101, Parameters: map[string]interface{}{"apt": uint8(0)}},
		},
		Encodings: []rtpcap.RtpEncoding{{SSRC: 11111111}},
	}
	consumerCaps := rtpcap.RtpCapabilities{Codecs: []rtpcap.CodecCapability{
		{MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 100},
	}}

	out, err := ConsumerRtpParameters(consumable, consumerCaps, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Encodings) != 1 {
		t.Fatalf("expected exactly one consumer encoding, got %d", len(out.Encodings))
	}
	enc := out.Encodings[0]
	if enc.SSRC == 0 || enc.SSRC < 1e8 || enc.SSRC >= 1e9 {
		t.Fatalf("expected ssrc in [1e8,1e9), got %d", enc.SSRC)
	}
	if enc.RTX == nil || enc.RTX.SSRC != enc.SSRC+1 {
		t.Fatalf("expected rtx ssrc = base+1, got %+v", enc.RTX)
	}
	if enc.ScalabilityMode != "" {
		t.Fatalf("expected no scalabilityMode for a single-encoding consumer, got %q", enc.ScalabilityMode)
	}
}

func TestConsumerRtpParametersMangelsSimulcastScalabilityMode(t *testing.T) {
	consumable := rtpcap.RtpParameters{
		Codecs: []rtpcap.RtpCodecParameters{{MimeType: "video/VP8", ClockRate: 90000}},
		Encodings: []rtpcap.RtpEncoding{
			{SSRC: 1, ScalabilityMode: "L1T3"},
			{SSRC: 2, ScalabilityMode: "L1T3"},
			{SSRC: 3, ScalabilityMode: "L1T3"},
		},
	}
	consumerCaps := rtpcap.RtpCapabilities{Codecs: []rtpcap.CodecCapability{
		{MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 100},
	}}

	out, err := ConsumerRtpParameters(consumable, consumerCaps, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Encodings) != 1 {
		t.Fatalf("expected consumer encodings to collapse to one layered encoding, got %d", len(out.Encodings))
	}
	if out.Encodings[0].ScalabilityMode != "L3T3" {
		t.Fatalf("expected L3T3 (3 encodings x T3), got %q", out.Encodings[0].ScalabilityMode)
	}
}

func TestConsumerRtpParametersPipePreservesEncodingsAndFiltersExtensions(t *testing.T) {
	consumable := rtpcap.RtpParameters{
		Codecs: []rtpcap.RtpCodecParameters{{MimeType: "video/VP8", ClockRate: 90000}},
		Encodings: []rtpcap.RtpEncoding{
			{SSRC: 1111}, {SSRC: 2222}, {SSRC: 3333},
		},
		HeaderExtensions: []rtpcap.HeaderExtension{
			{URI: rtpcap.ExtURIMid, ID: 1},
			{URI: rtpcap.ExtURIAbsSendTime, ID: 2},
			{URI: rtpcap.ExtURITransportWide, ID: 3},
			{URI: "urn:3gpp:video-orientation", ID: 4},
		},
	}
	consumerCaps := rtpcap.RtpCapabilities{Codecs: []rtpcap.CodecCapability{
		{MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 100},
	}}

	out, err := ConsumerRtpParameters(consumable, consumerCaps, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Encodings) != 3 {
		t.Fatalf("expected pipe consumer to preserve all 3 encodings 1:1, got %d", len(out.Encodings))
	}
	for i, enc := range out.Encodings {
		if enc.SSRC != consumable.Encodings[i].SSRC {
			t.Fatalf("expected pipe encoding %d to keep original ssrc %d, got %d", i, consumable.Encodings[i].SSRC, enc.SSRC)
		}
	}
	if len(out.HeaderExtensions) != 1 || out.HeaderExtensions[0].URI != "urn:3gpp:video-orientation" {
		t.Fatalf("expected only the non-filtered extension to survive, got %+v", out.HeaderExtensions)
	}
}

func TestParseScalabilityMode(t *testing.T) {
	cases := map[string][2]int{
		"L1T3":      {1, 3},
		"L3T3_KEY":  {3, 3},
		"garbage":   {1, 1},
		"":          {1, 1},
	}
	for mode, want := range cases {
		s, tp := ParseScalabilityMode(mode)
		if s != want[0] || tp != want[1] {
			t.Fatalf("ParseScalabilityMode(%q) = (%d,%d), want (%d,%d)", mode, s, tp, want[0], want[1])
		}
	}
}
