package sender

import (
	"time"

	"risk-sms/internal/smpp"
)

const (
	// singleSegmentMax is the longest encoded text that fits one PDU.
	singleSegmentMax = 160
	// segmentSize is the per-part payload length of a concatenated message.
	segmentSize = 153
)

// Segment is one submit-ready part of a message: UDH (when concatenated)
// plus the encoded text slice.
type Segment struct {
	Payload  []byte
	EsmClass byte
	Part     int
	Total    int
}

// encodeLatin1 maps the text onto single bytes. Runes outside Latin-1 are
// replaced with '?' so the payload length always equals the rune count.
func encodeLatin1(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 0xFF {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

// splitSegments encodes the text and cuts it into submit-ready segments.
// Texts of up to 160 encoded bytes travel as one plain PDU; longer texts
// are cut into 153-byte parts, each prefixed with a concatenation UDH
// sharing refNum.
func splitSegments(text string, refNum byte) []Segment {
	encoded := encodeLatin1(text)
	if len(encoded) <= singleSegmentMax {
		return []Segment{{
			Payload:  encoded,
			EsmClass: smpp.EsmClassDefault,
			Part:     1,
			Total:    1,
		}}
	}

	total := (len(encoded) + segmentSize - 1) / segmentSize
	segments := make([]Segment, 0, total)
	for part := 1; part <= total; part++ {
		start := (part - 1) * segmentSize
		end := start + segmentSize
		if end > len(encoded) {
			end = len(encoded)
		}

		payload := make([]byte, 0, 6+end-start)
		payload = append(payload, 0x05, 0x00, 0x03, refNum, byte(total), byte(part))
		payload = append(payload, encoded[start:end]...)

		segments = append(segments, Segment{
			Payload:  payload,
			EsmClass: smpp.EsmClassUDHI,
			Part:     part,
			Total:    total,
		})
	}
	return segments
}

// newRefNum derives the one-byte concatenation reference shared by all
// parts of one message.
func newRefNum() byte {
	return byte(time.Now().UnixMilli())
}
