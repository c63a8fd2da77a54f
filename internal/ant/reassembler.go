package ant

import "bytes"

var header = []byte{HeaderByte0, HeaderByte1}

// FeedResult reports what one chunk produced.
type FeedResult struct {
	Frames    []Frame
	Invalid   int // candidates cut to length that failed validation
	Desynced  int // bytes dropped while hunting for a header
	Remaining int // bytes buffered awaiting more chunks
}

// Reassembler turns an arbitrarily fragmented or coalesced notification
// stream into validated frames. It is not safe for concurrent use; the
// owning session serializes calls to Feed.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk to the accumulator and extracts every complete frame.
func (r *Reassembler) Feed(chunk []byte) FeedResult {
	var res FeedResult
	r.buf = append(r.buf, chunk...)

	for len(r.buf) > 0 {
		if !hasHeader(r.buf) {
			// This deliberately departs from clearing the whole accumulator on
			// a bad leader: only bytes before the next possible header are
			// dropped, so a frame queued behind garbage survives. With no
			// header in sight the whole accumulator goes.
			skip := resyncOffset(r.buf)
			res.Desynced += skip
			r.buf = r.buf[skip:]
			continue
		}
		if len(r.buf) <= lengthIndex {
			break
		}
		size := declaredSize(r.buf)
		if len(r.buf) < size {
			break
		}

		candidate := r.buf[:size]
		frame, err := ParseFrame(candidate)
		r.buf = r.buf[size:]
		if err != nil {
			res.Invalid++
			continue
		}
		res.Frames = append(res.Frames, frame)
	}

	r.compact()
	res.Remaining = len(r.buf)
	return res
}

// Buffered returns the number of bytes awaiting completion.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Reset drops any partially buffered data.
func (r *Reassembler) Reset() { r.buf = nil }

func (r *Reassembler) compact() {
	if len(r.buf) == 0 {
		r.buf = nil
		return
	}
	if cap(r.buf) > 2*MaxFrameSize && len(r.buf) < cap(r.buf)/4 {
		r.buf = append([]byte(nil), r.buf...)
	}
}

// hasHeader reports whether buf starts with the header, treating a lone
// 0x7E as a header prefix still waiting for its second byte.
func hasHeader(buf []byte) bool {
	if len(buf) == 1 {
		return buf[0] == HeaderByte0
	}
	return buf[0] == HeaderByte0 && buf[1] == HeaderByte1
}

// resyncOffset returns how many leading bytes to discard: up to the next
// header, up to a trailing 0x7E that may start one, or all of buf.
func resyncOffset(buf []byte) int {
	if i := bytes.Index(buf[1:], header); i >= 0 {
		return i + 1
	}
	if buf[len(buf)-1] == HeaderByte0 && len(buf) > 1 {
		return len(buf) - 1
	}
	return len(buf)
}
