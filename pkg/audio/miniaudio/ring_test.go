package miniaudio

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/audiocap/pkg/audio"
)

// 48 kHz stereo s16: 192 bytes per millisecond.
const bytesPerMs = 192

func TestRing_ReadStampsCaptureTime(t *testing.T) {
	r := newRing(10*bytesPerMs, audio.DefaultFormat())
	r.write(make([]byte, 2*bytesPerMs), 1_000_000_000)

	p := make([]byte, bytesPerMs)
	if n, err := r.read(p); err != nil || n != bytesPerMs {
		t.Fatalf("read = %d, %v", n, err)
	}
	if ts, ok := r.timestamp(); !ok || ts != 1_000_000_000 {
		t.Errorf("first timestamp = %d, %v", ts, ok)
	}
	if _, err := r.read(p); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ts, _ := r.timestamp(); ts != 1_001_000_000 {
		t.Errorf("second timestamp = %d, want 1001000000", ts)
	}
}

func TestRing_NoTimestampBeforeRead(t *testing.T) {
	r := newRing(bytesPerMs, audio.DefaultFormat())
	if _, ok := r.timestamp(); ok {
		t.Error("timestamp available before any read")
	}
}

func TestRing_OverflowDropsOldest(t *testing.T) {
	r := newRing(4, audio.DefaultFormat())
	r.write([]byte{1, 2, 3}, 0)
	r.write([]byte{4, 5, 6}, 0)

	p := make([]byte, 8)
	n, err := r.read(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(p[:n], []byte{3, 4, 5, 6}) {
		t.Errorf("read %v, want newest 4 bytes", p[:n])
	}
	if d := r.droppedBytes(); d != 2 {
		t.Errorf("dropped = %d, want 2", d)
	}
}

func TestRing_OversizedWriteKeepsTail(t *testing.T) {
	r := newRing(2, audio.DefaultFormat())
	r.write([]byte{1, 2, 3, 4, 5}, 0)

	p := make([]byte, 8)
	n, _ := r.read(p)
	if !bytes.Equal(p[:n], []byte{4, 5}) {
		t.Errorf("read %v, want [4 5]", p[:n])
	}
}

func TestRing_NewDataAfterDrainRebasesTime(t *testing.T) {
	r := newRing(10*bytesPerMs, audio.DefaultFormat())
	p := make([]byte, 10*bytesPerMs)

	r.write(make([]byte, bytesPerMs), 5_000_000)
	_, _ = r.read(p)
	r.write(make([]byte, bytesPerMs), 9_000_000)
	_, _ = r.read(p)

	if ts, _ := r.timestamp(); ts != 9_000_000 {
		t.Errorf("timestamp = %d, want 9000000", ts)
	}
}

func TestRing_CloseUnblocksRead(t *testing.T) {
	r := newRing(16, audio.DefaultFormat())
	errc := make(chan error, 1)
	go func() {
		_, err := r.read(make([]byte, 4))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.close()

	select {
	case err := <-errc:
		if !errors.Is(err, audio.ErrStreamClosed) {
			t.Errorf("read = %v, want ErrStreamClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after close")
	}

	r.write([]byte{1}, 0)
	if _, err := r.read(make([]byte, 1)); !errors.Is(err, audio.ErrStreamClosed) {
		t.Errorf("read after close = %v, want ErrStreamClosed", err)
	}
}

func TestSampleFormat(t *testing.T) {
	f := audio.DefaultFormat()
	if _, err := sampleFormat(f); err != nil {
		t.Errorf("pcm16: %v", err)
	}
	f.Encoding = audio.EncodingPCMFloat
	if _, err := sampleFormat(f); err != nil {
		t.Errorf("float: %v", err)
	}
	f.Encoding = audio.Encoding(99)
	if _, err := sampleFormat(f); !errors.Is(err, errUnsupportedEncoding) {
		t.Errorf("unknown encoding = %v, want errUnsupportedEncoding", err)
	}
}
