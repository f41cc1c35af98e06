package rtsp

import (
	"encoding/binary"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/jmylchreest/hubstream/internal/bytereader"
)

// interleavedMagic starts every interleaved binary frame.
const interleavedMagic = 0x24

var interleavedLoop = bytereader.LoopConfig{HeaderLength: 4, LengthOffset: 2}

// Kind classifies an interleaved packet by the channel pair it arrived on.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Packet is one RTP or RTCP payload carried on an interleaved channel.
type Packet struct {
	Channel int
	Kind    Kind
	RTCP    bool
	Payload []byte
}

// RTP decodes the payload as an RTP packet.
func (p Packet) RTP() (*rtp.Packet, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(p.Payload); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// RTCPPackets decodes the payload as a compound RTCP packet.
func (p Packet) RTCPPackets() ([]rtcp.Packet, error) {
	return rtcp.Unmarshal(p.Payload)
}

// EncodeFrame renders [0x24][channel][len16][payload].
func EncodeFrame(channel int, payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload))
	out[0] = interleavedMagic
	out[1] = byte(channel)
	binary.BigEndian.PutUint16(out[2:], uint16(len(payload)))
	return append(out, payload...)
}

// classify maps a channel to the media kind whose base channel matches
// channel rounded down to even. Odd channels carry RTCP.
func classify(channel, videoChannel, audioChannel int) (Kind, bool) {
	base := channel - channel%2
	isRTCP := channel%2 == 1
	switch {
	case videoChannel >= 0 && base == videoChannel:
		return KindVideo, isRTCP
	case audioChannel >= 0 && base == audioChannel:
		return KindAudio, isRTCP
	default:
		return KindUnknown, isRTCP
	}
}
