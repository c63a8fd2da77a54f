package kelly

import "github.com/sodovaya/kbledash/internal/checksum"

// Splitter cuts a raw byte stream into 19-byte packets for links that do
// not preserve notification boundaries, such as a BLE-UART bridge. BLE
// notifications already carry one packet each and skip this step.
type Splitter struct {
	buf []byte
}

// Split appends chunk and returns every complete packet found. Bytes that
// cannot start a valid packet are dropped one at a time until the stream
// realigns on a tag with a matching checksum.
func (s *Splitter) Split(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var out [][]byte
	for len(s.buf) > 0 {
		if s.buf[0] != TypeA && s.buf[0] != TypeB {
			s.buf = s.buf[1:]
			continue
		}
		if len(s.buf) < PacketSize {
			break
		}
		if checksum.Additive(s.buf[:PacketSize-1]) != s.buf[PacketSize-1] {
			s.buf = s.buf[1:]
			continue
		}
		pkt := make([]byte, PacketSize)
		copy(pkt, s.buf)
		out = append(out, pkt)
		s.buf = s.buf[PacketSize:]
	}

	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out
}

// Buffered returns the number of bytes held for the next packet.
func (s *Splitter) Buffered() int { return len(s.buf) }
