package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWAV(t *testing.T, path string, sampleRate, channels int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	writeWAV(t, path, 8000, 2, []int{16384, 0, -16384, -16384, 0, 0})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	samples, sr, err := DecodeWAV(f)
	require.NoError(t, err)
	assert.Equal(t, 8000, sr)
	require.Len(t, samples, 3)
	assert.InDelta(t, 0.25, samples[0], 1e-4)
	assert.InDelta(t, -0.5, samples[1], 1e-4)
	assert.InDelta(t, 0, samples[2], 1e-4)
}

func TestDecodeWAVRejectsOtherFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 definitely not riff data"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, _, err = DecodeWAV(f)
	assert.ErrorIs(t, err, ErrInvalidWAV)
}

func TestResampleLinear(t *testing.T) {
	in := []float32{0, 1, 0, -1}

	up := ResampleLinear(in, 8000, 16000)
	require.Len(t, up, 8)
	assert.InDelta(t, 0.5, up[1], 1e-6)
	assert.InDelta(t, 1, up[2], 1e-6)

	same := ResampleLinear(in, 16000, 16000)
	assert.Equal(t, in, same)
	same[0] = 42
	assert.Equal(t, float32(0), in[0], "same-rate resample must copy")

	assert.Empty(t, ResampleLinear(nil, 8000, 16000))
}

func TestLoadFileResamplesWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	data := make([]int, 800)
	for i := range data {
		data[i] = 1000
	}
	writeWAV(t, path, 8000, 1, data)

	samples, err := Converter{}.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, samples, 1600)
}

func TestLoadFileNeedsFFmpegForOtherFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ogg")
	require.NoError(t, os.WriteFile(path, []byte("OggS"), 0o644))

	_, err := Converter{FFmpegPath: "whisperweb-no-such-ffmpeg"}.LoadFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg not found")
}
