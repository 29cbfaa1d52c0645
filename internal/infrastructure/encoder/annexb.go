package encoder

import (
	"anonstream/internal/core/domain"

	"github.com/Eyevinn/mp4ff/avc"
)

const maxUnframed = 4 << 20

// AccessUnitSplitter cuts an H.264 Annex-B byte stream into access units.
// The encoder emits an access unit delimiter before every picture, so an
// access unit ends where the next delimiter starts.
type AccessUnitSplitter struct {
	buf []byte
	// offset of the delimiter that opens the current access unit, or -1
	start int
	// bytes already scanned for start codes
	scanned int
}

func NewAccessUnitSplitter() *AccessUnitSplitter {
	return &AccessUnitSplitter{start: -1}
}

// Write appends stream bytes and returns every access unit completed by them.
func (s *AccessUnitSplitter) Write(p []byte) [][]domain.Packet {
	s.buf = append(s.buf, p...)

	var units [][]domain.Packet
	for {
		pos, ok := s.nextDelimiter()
		if !ok {
			break
		}
		if s.start >= 0 {
			if packets := toPackets(s.buf[s.start:pos]); len(packets) > 0 {
				units = append(units, packets)
			}
		}
		s.start = pos
		s.scanned = pos + 4
	}

	// Without a delimiter in sight the bytes cannot be framed.
	if s.start < 0 && len(s.buf) > maxUnframed {
		s.buf, s.scanned = s.buf[:0], 0
	}

	// Drop bytes before the current access unit.
	if s.start > 0 {
		n := copy(s.buf, s.buf[s.start:])
		s.buf = s.buf[:n]
		s.scanned -= s.start
		s.start = 0
	}
	return units
}

// Flush returns the trailing access unit at end of stream.
func (s *AccessUnitSplitter) Flush() []domain.Packet {
	var packets []domain.Packet
	if s.start >= 0 {
		packets = toPackets(s.buf[s.start:])
	}
	s.buf, s.start, s.scanned = s.buf[:0], -1, 0
	return packets
}

// nextDelimiter finds the next start code followed by an AUD NAL header at
// or after s.scanned.
func (s *AccessUnitSplitter) nextDelimiter() (int, bool) {
	b := s.buf
	for i := max(s.scanned, 0); i+3 < len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		switch {
		case b[i+2] == 1:
			if avc.GetNaluType(b[i+3]) == avc.NALU_AUD {
				return i, true
			}
		case b[i+2] == 0 && i+4 < len(b) && b[i+3] == 1:
			if avc.GetNaluType(b[i+4]) == avc.NALU_AUD {
				return i, true
			}
			i++
		}
	}
	// Keep the tail: a start code may straddle two writes.
	s.scanned = max(len(b)-4, s.scanned)
	return 0, false
}

// toPackets splits one access unit into NAL unit packets. Delimiters are
// dropped and IDR slices are flagged as keyframes.
func toPackets(au []byte) []domain.Packet {
	nalus := avc.ExtractNalusFromByteStream(au)
	packets := make([]domain.Packet, 0, len(nalus))
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		t := avc.GetNaluType(n[0])
		if t == avc.NALU_AUD {
			continue
		}
		packets = append(packets, domain.Packet{
			Data:     append([]byte(nil), n...),
			NALType:  uint8(t),
			Keyframe: t == avc.NALU_IDR,
		})
	}
	return packets
}
