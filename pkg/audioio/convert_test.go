package audioio

import (
	"errors"
	"math"
	"testing"
)

func TestToMonoToStereo_RoundTrip(t *testing.T) {
	t.Run("float32", func(t *testing.T) {
		values := []float32{0, 0.5, -0.25, 1, -1, 0.123456, -0.987654}
		stereo := make([]float32, 0, 2*len(values))
		for _, v := range values {
			stereo = append(stereo, v, v)
		}
		f := NewFloatFrame(stereo, 16000, 2)

		got := ToStereo(ToMono(f))
		if got.Channels != 2 || len(got.Samples) != len(stereo) {
			t.Fatalf("Expected %d stereo samples, got %d (%d channels)", len(stereo), len(got.Samples), got.Channels)
		}
		for i := range stereo {
			if got.Samples[i] != stereo[i] {
				t.Errorf("Sample %d: expected %v, got %v", i, stereo[i], got.Samples[i])
			}
		}
	})

	t.Run("pcm16", func(t *testing.T) {
		values := []int16{0, 1, -1, 32767, -32768, 12345}
		stereo := make([]int16, 0, 2*len(values))
		for _, v := range values {
			stereo = append(stereo, v, v)
		}
		f := NewPCMFrame(stereo, 16000, 2)

		got := ToStereo(ToMono(f))
		for i := range stereo {
			if got.PCM[i] != stereo[i] {
				t.Errorf("Sample %d: expected %d, got %d", i, stereo[i], got.PCM[i])
			}
		}
	})
}

func TestToMono_Averages(t *testing.T) {
	f := NewFloatFrame([]float32{1, 0, 0.5, -0.5, -1, -0.5}, 16000, 2)
	got := ToMono(f)

	want := []float32{0.5, 0, -0.75}
	if got.Channels != 1 || len(got.Samples) != len(want) {
		t.Fatalf("Expected %d mono samples, got %d", len(want), len(got.Samples))
	}
	for i := range want {
		if got.Samples[i] != want[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, want[i], got.Samples[i])
		}
	}
}

func TestToStereo_Duplicates(t *testing.T) {
	f := NewFloatFrame([]float32{0.1, 0.2}, 24000, 1)
	got := ToStereo(f)

	want := []float32{0.1, 0.1, 0.2, 0.2}
	for i := range want {
		if got.Samples[i] != want[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, want[i], got.Samples[i])
		}
	}
	if got.SampleRate != 24000 {
		t.Errorf("Expected sample rate to be kept, got %d", got.SampleRate)
	}
}

func TestFloatToPCM_Clamps(t *testing.T) {
	in := []float32{1.5, -2, 1, -1, 0, float32(math.NaN())}
	want := []int16{32767, -32768, 32767, -32768, 0, 0}

	got := FloatToPCM(in)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FloatToPCM(%v): expected %d, got %d", in[i], want[i], got[i])
		}
	}
}

func TestPCMRoundTrip_ErrorBound(t *testing.T) {
	const bound = 1.0 / 32768

	var values []float32
	for i := -10000; i <= 10000; i++ {
		values = append(values, float32(i)/10000)
	}
	values = append(values, 0.99999, -0.99999, 1.0/65536, -1.0/65536)

	got := PCMToFloat(FloatToPCM(values))
	for i, v := range values {
		if diff := math.Abs(float64(got[i]) - float64(v)); diff > bound {
			t.Errorf("v=%v: round trip %v differs by %g (> %g)", v, got[i], diff, bound)
		}
	}
}

func TestDecodePCM16(t *testing.T) {
	t.Run("little endian", func(t *testing.T) {
		got, err := DecodePCM16([]byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80})
		if err != nil {
			t.Fatalf("DecodePCM16: %v", err)
		}
		want := []int16{1, -1, -32768}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
			}
		}
	})

	t.Run("odd length", func(t *testing.T) {
		_, err := DecodePCM16([]byte{0x01, 0x02, 0x03})
		if !IsFormatError(err) {
			t.Errorf("Expected FormatError, got %v", err)
		}
	})
}

func TestEncodePCM16(t *testing.T) {
	got := EncodePCM16([]int16{1, -1})
	want := []byte{0x01, 0x00, 0xff, 0xff}
	if string(got) != string(want) {
		t.Errorf("Expected %x, got %x", want, got)
	}
}

func TestFrame_Validate(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"valid stereo", NewFloatFrame(make([]float32, 4), 16000, 2), true},
		{"valid pcm", NewPCMFrame(make([]int16, 3), 24000, 1), true},
		{"odd stereo", NewFloatFrame(make([]float32, 3), 16000, 2), false},
		{"zero rate", NewPCMFrame(make([]int16, 2), 0, 1), false},
		{"zero channels", NewPCMFrame(make([]int16, 2), 16000, 0), false},
		{"mixed buffers", Frame{Format: Format{SampleRate: 16000, Channels: 1, Encoding: PCM16}, PCM: []int16{1}, Samples: []float32{1}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.ok && err != nil {
				t.Errorf("Expected valid frame, got %v", err)
			}
			if !tt.ok && !IsFormatError(err) {
				t.Errorf("Expected FormatError, got %v", err)
			}
		})
	}
}

func TestFrame_Duration(t *testing.T) {
	f := NewPCMFrame(make([]int16, 320), 16000, 2)
	if d := f.Duration().Milliseconds(); d != 10 {
		t.Errorf("Expected 10ms, got %dms", d)
	}
}

func TestConverter_CaptureDirection(t *testing.T) {
	c, err := NewConverter(ConversionSpec{
		SrcRate: 16000, DstRate: 16000,
		SrcChannels: 2, DstChannels: 1,
		DstEncoding: PCM16,
	})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	in := make([]float32, 2*160)
	for i := 0; i < 160; i++ {
		in[2*i] = 0.5
		in[2*i+1] = 0.5
	}
	out, err := c.Convert(NewFloatFrame(in, 16000, 2))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if out.Encoding != PCM16 || out.Channels != 1 || out.SampleRate != 16000 {
		t.Fatalf("Unexpected format %s", out.Format)
	}
	if len(out.PCM) != 160 {
		t.Fatalf("Expected 160 samples, got %d", len(out.PCM))
	}
	if out.PCM[0] != 16384 {
		t.Errorf("Expected 16384, got %d", out.PCM[0])
	}
}

func TestConverter_AcceptsMonoMicrophone(t *testing.T) {
	c, err := NewConverter(ConversionSpec{
		SrcRate: 16000, DstRate: 16000,
		SrcChannels: 2, DstChannels: 1,
		DstEncoding: PCM16,
	})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	out, err := c.Convert(NewFloatFrame(make([]float32, 160), 16000, 1))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(out.PCM) != 160 {
		t.Errorf("Expected 160 samples, got %d", len(out.PCM))
	}
}

func TestConverter_PlaybackDirection(t *testing.T) {
	c, err := NewConverter(ConversionSpec{
		SrcRate: 24000, DstRate: 48000,
		SrcChannels: 1, DstChannels: 2,
		DstEncoding: Float32,
	})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}

	out, err := c.Convert(NewPCMFrame(make([]int16, 480), 24000, 1))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out.Encoding != Float32 || out.Channels != 2 || out.SampleRate != 48000 {
		t.Fatalf("Unexpected format %s", out.Format)
	}
	if len(out.Samples) != 2*960 {
		t.Errorf("Expected %d samples, got %d", 2*960, len(out.Samples))
	}
	if err := out.Validate(); err != nil {
		t.Errorf("Converted frame invalid: %v", err)
	}
}

func TestConverter_RejectsWrongRate(t *testing.T) {
	c, err := NewConverter(ConversionSpec{SrcRate: 24000, DstRate: 48000, SrcChannels: 1, DstChannels: 2})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	_, err = c.Convert(NewPCMFrame(make([]int16, 160), 16000, 1))
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Errorf("Expected FormatError, got %v", err)
	}
}
