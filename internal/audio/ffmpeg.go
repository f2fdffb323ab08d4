package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// Converter turns arbitrary media files into whisper-ready samples.
type Converter struct {
	FFmpegPath string
}

func (c Converter) ffmpeg() (string, error) {
	name := c.FFmpegPath
	if name == "" {
		name = "ffmpeg"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	return path, nil
}

// ConvertToWAV writes a 16kHz mono 16-bit PCM WAV copy of in to out.
func (c Converter) ConvertToWAV(ctx context.Context, in, out string) error {
	bin, err := c.ffmpeg()
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, bin,
		"-nostdin",
		"-i", in,
		"-ar", "16000",
		"-ac", "1",
		"-acodec", "pcm_s16le",
		"-y",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		if msg != "" {
			return fmt.Errorf("ffmpeg wav conversion failed: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg wav conversion failed: %w", err)
	}
	return nil
}

// LoadFile returns 16kHz mono samples for the media file at path. WAV input is
// decoded directly; anything else goes through ffmpeg first.
func (c Converter) LoadFile(ctx context.Context, path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	samples, sr, err := DecodeWAV(f)
	f.Close()
	if err == nil {
		if sr != SampleRate {
			log.Debug().Int("sr", sr).Int("samples", len(samples)).Msg("audio: resampling wav")
			samples = ResampleLinear(samples, sr, SampleRate)
		}
		return samples, nil
	}
	if !errors.Is(err, ErrInvalidWAV) {
		log.Debug().Err(err).Str("path", path).Msg("audio: direct wav decode failed, converting")
	}

	tmp, err := os.CreateTemp("", "whisperweb-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := c.ConvertToWAV(ctx, path, tmp.Name()); err != nil {
		return nil, err
	}
	wf, err := os.Open(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("open converted file: %w", err)
	}
	defer wf.Close()
	samples, sr, err = DecodeWAV(wf)
	if err != nil {
		return nil, fmt.Errorf("decode converted file: %w", err)
	}
	return ResampleLinear(samples, sr, SampleRate), nil
}
