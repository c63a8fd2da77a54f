package ant

import (
	"bytes"
	"math/rand"
	"os"
	"reflect"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of rounds from FUZZ_ROUNDS, default 500
func getFuzzRounds() int {
	if env := os.Getenv("FUZZ_ROUNDS"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			return n
		}
	}
	return 500
}

// newFuzzRng seeds from FUZZ_SEED or the clock and logs the seed for reproduction
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if env := os.Getenv("FUZZ_SEED"); env != "" {
		if s, err := strconv.ParseInt(env, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func testFrames() []Frame {
	return []Frame{
		NewFrame(FuncStatus, 0x0000, bytes.Repeat([]byte{0x11}, 140)),
		NewFrame(FuncDeviceInfo, 0x026C, []byte("HW_16S-200A-Pro SW_2.1.3 build 2024")),
		NewFrame(FuncWriteRegister, 0x0006, []byte{0x00}),
		NewFrame(FuncStatus, 0x0000, []byte{0x7E, 0xA1, 0xAA, 0x55}),
	}
}

func concatFrames(frames []Frame) []byte {
	var stream []byte
	for _, f := range frames {
		stream = append(stream, f.Bytes()...)
	}
	return stream
}

func feedAll(r *Reassembler, chunks [][]byte) []Frame {
	var out []Frame
	for _, c := range chunks {
		out = append(out, r.Feed(c).Frames...)
	}
	return out
}

func TestReassembler_SingleChunk(t *testing.T) {
	frames := testFrames()
	var r Reassembler
	res := r.Feed(concatFrames(frames))

	if !reflect.DeepEqual(res.Frames, frames) {
		t.Fatalf("got %d frames, want %d identical frames", len(res.Frames), len(frames))
	}
	if res.Remaining != 0 || res.Invalid != 0 || res.Desynced != 0 {
		t.Errorf("unexpected leftovers: %+v", res)
	}
}

func TestReassembler_ByteAtATime(t *testing.T) {
	frames := testFrames()
	stream := concatFrames(frames)

	var r Reassembler
	var chunks [][]byte
	for i := range stream {
		chunks = append(chunks, stream[i:i+1])
	}
	got := feedAll(&r, chunks)
	if !reflect.DeepEqual(got, frames) {
		t.Fatalf("byte-at-a-time: got %d frames, want %d", len(got), len(frames))
	}
}

func TestReassembler_FragmentationInvariance(t *testing.T) {
	rng := newFuzzRng(t)
	frames := testFrames()
	stream := concatFrames(frames)

	for round := 0; round < getFuzzRounds(); round++ {
		var chunks [][]byte
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(40)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}

		var r Reassembler
		got := feedAll(&r, chunks)
		if !reflect.DeepEqual(got, frames) {
			t.Fatalf("round %d: split into %d chunks yielded %d frames, want %d", round, len(chunks), len(got), len(frames))
		}
		if r.Buffered() != 0 {
			t.Fatalf("round %d: %d bytes left buffered", round, r.Buffered())
		}
	}
}

func TestReassembler_WaitsForCompleteFrame(t *testing.T) {
	raw := NewFrame(FuncStatus, 0, []byte{1, 2, 3, 4, 5}).Bytes()
	var r Reassembler

	res := r.Feed(raw[:len(raw)-1])
	if len(res.Frames) != 0 {
		t.Fatal("partial frame must not be emitted")
	}
	if res.Remaining != len(raw)-1 {
		t.Errorf("Remaining = %d, want %d", res.Remaining, len(raw)-1)
	}

	res = r.Feed(raw[len(raw)-1:])
	if len(res.Frames) != 1 {
		t.Fatalf("expected frame once the last byte arrives, got %d", len(res.Frames))
	}
}

func TestReassembler_ResyncAfterGarbageLeader(t *testing.T) {
	frames := testFrames()

	t.Run("garbage in its own chunk", func(t *testing.T) {
		var r Reassembler
		res := r.Feed([]byte{0x13})
		if res.Desynced != 1 || r.Buffered() != 0 {
			t.Fatalf("garbage chunk: %+v, buffered %d", res, r.Buffered())
		}
		got := r.Feed(concatFrames(frames)).Frames
		if !reflect.DeepEqual(got, frames) {
			t.Fatalf("got %d frames, want exactly %d", len(got), len(frames))
		}
	})

	t.Run("garbage prefixed to the stream", func(t *testing.T) {
		var r Reassembler
		stream := append([]byte{0x13, 0x7E, 0x00}, concatFrames(frames)...)
		res := r.Feed(stream)
		if !reflect.DeepEqual(res.Frames, frames) {
			t.Fatalf("got %d frames, want exactly %d", len(res.Frames), len(frames))
		}
		if res.Desynced != 3 {
			t.Errorf("Desynced = %d, want 3", res.Desynced)
		}
	})
}

func TestReassembler_InvalidFrameSkippedScanContinues(t *testing.T) {
	good1 := NewFrame(FuncStatus, 0, []byte{0x01, 0x02}).Bytes()
	bad := NewFrame(FuncStatus, 0, []byte{0x03, 0x04}).Bytes()
	bad[len(bad)-3] ^= 0xFF // CRC high byte
	good2 := NewFrame(FuncDeviceInfo, 0, []byte{0x05}).Bytes()

	badTrailer := NewFrame(FuncStatus, 0, []byte{0x06}).Bytes()
	badTrailer[len(badTrailer)-1] = 0x00

	var r Reassembler
	stream := bytes.Join([][]byte{good1, bad, badTrailer, good2}, nil)
	res := r.Feed(stream)

	if len(res.Frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(res.Frames))
	}
	if res.Frames[1].Function != FuncDeviceInfo {
		t.Errorf("second frame function = %s, want device-info", res.Frames[1].Function)
	}
	if res.Invalid != 2 {
		t.Errorf("Invalid = %d, want 2", res.Invalid)
	}
}

func TestReassembler_LoneHeaderByteHeld(t *testing.T) {
	raw := NewFrame(FuncStatus, 0, []byte{0xAB}).Bytes()

	var r Reassembler
	r.Feed([]byte{0x00, raw[0]})
	if r.Buffered() != 1 {
		t.Fatalf("expected trailing 0x7E to be held, buffered=%d", r.Buffered())
	}
	res := r.Feed(raw[1:])
	if len(res.Frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(res.Frames))
	}
}

func TestReassembler_Reset(t *testing.T) {
	raw := NewFrame(FuncStatus, 0, []byte{1, 2, 3}).Bytes()
	var r Reassembler
	r.Feed(raw[:4])
	r.Reset()
	if r.Buffered() != 0 {
		t.Fatalf("Buffered after Reset = %d", r.Buffered())
	}
	if res := r.Feed(raw[4:]); len(res.Frames) != 0 {
		t.Error("tail of a reset frame must not produce a frame")
	}
}
