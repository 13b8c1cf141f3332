package pubsub

import (
	"encoding/binary"
	"fmt"
)

// Message is what a subscriber receives: the decoded, authenticated
// payload for one topic.
type Message struct {
	Topic  string
	Origin string
	Data   []byte
}

// encodeEnvelope packs the four wire frames — topic, origin, hex digest,
// JSON payload — into one length-prefixed datagram. The underlying
// transport (UDP multicast) has no native multipart framing the way a
// message-queue broker would, so each frame is prefixed with its length.
func encodeEnvelope(topic, origin, digest string, payload []byte) []byte {
	frames := [][]byte{[]byte(topic), []byte(origin), []byte(digest), payload}
	size := 0
	for _, f := range frames {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	for _, f := range frames {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, f...)
	}
	return buf
}

// decodeEnvelope reverses encodeEnvelope, returning an error for any
// malformed datagram (short frame headers, truncated frame data, or a
// frame count other than four).
func decodeEnvelope(data []byte) (topic, origin, digest string, payload []byte, err error) {
	var frames [4][]byte
	for i := range frames {
		if len(data) < 4 {
			return "", "", "", nil, fmt.Errorf("envelope: truncated frame %d length prefix", i)
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(n) {
			return "", "", "", nil, fmt.Errorf("envelope: truncated frame %d body", i)
		}
		frames[i] = data[:n]
		data = data[n:]
	}
	if len(data) != 0 {
		return "", "", "", nil, fmt.Errorf("envelope: %d trailing bytes after four frames", len(data))
	}
	return string(frames[0]), string(frames[1]), string(frames[2]), frames[3], nil
}
