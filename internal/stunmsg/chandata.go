package stunmsg

import "github.com/gortc/turn"

// Channel number bounds, per RFC 8656 Section 12: 0x4000 through 0x7FFF
// are the only values a client may request with CHANNEL-BIND; 0xFFFF is
// reserved. gortc/turn enforces the same range internally but keeps it
// unexported, so this server carries its own copy for callers (the
// router, session manager) that need to validate a number before it ever
// reaches a turn.ChannelData.
const (
	MinChannelNumber uint16 = 0x4000
	MaxChannelNumber uint16 = 0x7FFF
)

const channelDataHeaderSize = 4 // channel number + length, RFC 8656 Section 12.4

// IsChannelNumberValid reports whether n is a client-assignable channel
// number.
func IsChannelNumberValid(n uint16) bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

// ChannelData is a decoded TURN ChannelData frame (RFC 8656 Section 12.4),
// wrapping gortc/turn.ChannelData. Data aliases a slice of Raw.
type ChannelData struct {
	Number uint16
	Data   []byte
	Raw    []byte
}

// IsChannelData reports whether buf looks like a well-formed ChannelData
// frame, via gortc/turn.IsChannelData: a valid channel number followed by
// a length matching the remaining bytes. Callers (transport/tcp.go) strip
// any RFC 8656 TCP padding before this point, since gortc/turn (an RFC
// 5766-vintage library) has no notion of it.
func IsChannelData(buf []byte) bool { return turn.IsChannelData(buf) }

// DecodeChannelData decodes buf, which must contain exactly one
// ChannelData frame with any trailing TCP padding already stripped by the
// caller's framer (see transport/tcp.go's readFrame).
func DecodeChannelData(buf []byte) (*ChannelData, error) {
	tcd := &turn.ChannelData{Raw: buf}
	if err := tcd.Decode(); err != nil {
		return nil, err
	}
	return &ChannelData{
		Number: uint16(tcd.Number),
		Data:   tcd.Data,
		Raw:    tcd.Raw,
	}, nil
}

// EncodeChannelData writes a ChannelData frame for (number, data) into
// dst[:0] via gortc/turn.ChannelData.Encode for the RFC 5766 base frame
// (channel number, length, payload), then extends it with the RFC 8656
// Section 12.4 TCP padding rule gortc/turn does not implement: when
// padToFour is true (TCP transports) the returned slice is padded with
// zero bytes to the next multiple of four, so ChannelData and STUN
// framing share one length discipline on the stream; UDP transports pass
// padToFour=false since no padding is used or expected on datagrams.
func EncodeChannelData(dst []byte, number uint16, data []byte, padToFour bool) []byte {
	tcd := &turn.ChannelData{Number: turn.ChannelNumber(number), Data: data}
	tcd.Encode()
	dst = append(dst[:0], tcd.Raw...)
	if padToFour {
		if pad := len(dst) % 4; pad != 0 {
			var zero [3]byte
			dst = append(dst, zero[:4-pad]...)
		}
	}
	return dst
}

// FrameSize reports the on-wire length of a ChannelData frame with the
// given payload length, including TCP padding when padToFour is set. TCP
// framers use this to know how many bytes to consume from the stream
// after reading the 4-byte header.
func FrameSize(payloadLen int, padToFour bool) int {
	n := channelDataHeaderSize + payloadLen
	if padToFour {
		if pad := n % 4; pad != 0 {
			n += 4 - pad
		}
	}
	return n
}
