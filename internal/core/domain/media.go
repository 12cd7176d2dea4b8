package domain

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

type MediaKind string

const MediaKindAudio MediaKind = "audio"

// RTPCodecCapability describes a codec a router or device can handle.
type RTPCodecCapability struct {
	Kind                 MediaKind `json:"kind"`
	MimeType             string    `json:"mimeType"`
	PreferredPayloadType uint8     `json:"preferredPayloadType"`
	ClockRate            uint32    `json:"clockRate"`
	Channels             uint16    `json:"channels,omitempty"`
}

type RTPCapabilities struct {
	Codecs []RTPCodecCapability `json:"codecs"`
}

// Supports reports whether caps can decode mimeType.
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

type RTPCodecParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

type RTPParameters struct {
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings"`
}

// Valid checks the minimum a producer needs: one codec and one SSRC.
func (p RTPParameters) Valid() bool {
	return len(p.Codecs) > 0 && len(p.Encodings) > 0 && p.Encodings[0].SSRC != 0
}

// TransportParams is what a client needs to open its side of a transport.
type TransportParams struct {
	ID             TransportID           `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams is the remote half supplied with connectTransport.
type ConnectParams struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
}

// Codec returns the engine's description of the capability.
func (c RTPCodecCapability) Codec() webrtc.RTPCodecParameters {
	codec := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  c.MimeType,
			ClockRate: c.ClockRate,
			Channels:  c.Channels,
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
	if strings.EqualFold(c.MimeType, webrtc.MimeTypeOpus) {
		codec.SDPFmtpLine = "minptime=10;useinbandfec=1"
	}
	return codec
}

// ReceiveParameters describes the first encoding for an RTP receiver.
func (p RTPParameters) ReceiveParameters() webrtc.RTPReceiveParameters {
	var coding webrtc.RTPCodingParameters
	if len(p.Encodings) > 0 {
		coding.SSRC = webrtc.SSRC(p.Encodings[0].SSRC)
	}
	if len(p.Codecs) > 0 {
		coding.PayloadType = webrtc.PayloadType(p.Codecs[0].PayloadType)
	}
	return webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: coding}},
	}
}

// ParametersFromSend describes what an RTP sender will emit using codec.
func ParametersFromSend(sp webrtc.RTPSendParameters, codec RTPCodecCapability) RTPParameters {
	params := RTPParameters{
		Codecs: []RTPCodecParameters{{
			MimeType:    codec.MimeType,
			PayloadType: codec.PreferredPayloadType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
		}},
	}
	for _, enc := range sp.Encodings {
		params.Encodings = append(params.Encodings, RTPEncoding{SSRC: uint32(enc.SSRC)})
	}
	return params
}

// CodecFor finds the capability matching mimeType.
func (c RTPCapabilities) CodecFor(mimeType string) (RTPCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec, true
		}
	}
	return RTPCodecCapability{}, false
}
