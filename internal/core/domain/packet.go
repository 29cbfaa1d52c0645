package domain

import "time"

// Packet is one encoded unit, an H.264 NAL unit without start code.
type Packet struct {
	Data     []byte
	NALType  uint8
	Keyframe bool
}

// PacketBatch is the output of one encode call, in decode order.
type PacketBatch struct {
	Packets    []Packet
	Sequence   uint64
	CapturedAt time.Time
}

// Size returns the sum of payload lengths.
func (b PacketBatch) Size() int {
	n := 0
	for _, p := range b.Packets {
		n += len(p.Data)
	}
	return n
}

func (b PacketBatch) HasKeyframe() bool {
	for _, p := range b.Packets {
		if p.Keyframe {
			return true
		}
	}
	return false
}
