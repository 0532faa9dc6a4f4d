package audio

import "testing"

func TestFormatDuration(t *testing.T) {
	f := DefaultFormat()

	tests := []struct {
		name  string
		bytes int
		want  int64
	}{
		{"one second", 192000, 1_000_000},
		{"twenty ms", 3840, 20_000},
		{"single sample frame", 4, 20},
		{"partial sample frame truncates", 3, 15},
		{"zero", 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.Duration(tc.bytes); got != tc.want {
				t.Errorf("Duration(%d) = %d, want %d", tc.bytes, got, tc.want)
			}
		})
	}
}

func TestFormatDuration_ZeroFormat(t *testing.T) {
	var f Format
	if got := f.Duration(1000); got != 0 {
		t.Errorf("Duration on zero format = %d, want 0", got)
	}
}

func TestMillisToBytes(t *testing.T) {
	tests := []struct {
		ms   int
		want int
	}{
		{20, 3840},
		{1000, 192000},
		{5, 960},
		{0, 0},
	}
	for _, tc := range tests {
		if got := DefaultFormat().MillisToBytes(tc.ms); got != tc.want {
			t.Errorf("MillisToBytes(%d) = %d, want %d", tc.ms, got, tc.want)
		}
	}
}

func TestFormatValidate(t *testing.T) {
	if err := DefaultFormat().Validate(); err != nil {
		t.Errorf("DefaultFormat().Validate() = %v, want nil", err)
	}
	bad := Format{SampleRate: 0, Channels: -1, BytesPerSample: 0}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero format")
	}
}

func TestFormatString(t *testing.T) {
	if got, want := DefaultFormat().String(), "48000Hz/2ch/pcm_s16le"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestFrameEmpty(t *testing.T) {
	if !(Frame{}).Empty() {
		t.Error("zero frame should be empty")
	}
	f := Frame{Data: []byte{1, 2}}
	if f.Empty() || f.Len() != 2 {
		t.Errorf("Frame{2 bytes}: Empty=%v Len=%d", f.Empty(), f.Len())
	}
}
