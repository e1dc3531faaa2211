package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the fixed encode ladder applied to every stream.
type Profile struct {
	VideoCodec   string `yaml:"video_codec"`
	Preset       string `yaml:"preset"`
	VideoProfile string `yaml:"video_profile"`
	Level        string `yaml:"level"`
	VideoBitrate string `yaml:"video_bitrate"`
	MaxRate      string `yaml:"max_rate"`
	BufSize      string `yaml:"buf_size"`
	GOP          int    `yaml:"gop"`
	KeyintMin    int    `yaml:"keyint_min"`
	PixelFormat  string `yaml:"pixel_format"`
	AudioCodec   string `yaml:"audio_codec"`
	AudioBitrate string `yaml:"audio_bitrate"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	Format       string `yaml:"format"`
	FormatFlags  string `yaml:"format_flags"`
}

// DefaultProfile matches the ingest recommendations for 720p/1080p30 RTMP.
func DefaultProfile() Profile {
	return Profile{
		VideoCodec:   "libx264",
		Preset:       "veryfast",
		VideoProfile: "main",
		Level:        "4.1",
		VideoBitrate: "3000k",
		MaxRate:      "4000k",
		BufSize:      "8000k",
		GOP:          60,
		KeyintMin:    60,
		PixelFormat:  "yuv420p",
		AudioCodec:   "aac",
		AudioBitrate: "128k",
		SampleRate:   44100,
		Channels:     2,
		Format:       "flv",
		FormatFlags:  "no_duration_filesize",
	}
}

// LoadProfile reads a YAML profile. Fields absent from the file keep their
// default values.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read encoder profile: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("decode encoder profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Validate reports fields that would produce an unusable command line.
func (p Profile) Validate() error {
	var problems []string
	if strings.TrimSpace(p.VideoCodec) == "" {
		problems = append(problems, "video_codec is required")
	}
	if strings.TrimSpace(p.AudioCodec) == "" {
		problems = append(problems, "audio_codec is required")
	}
	if strings.TrimSpace(p.Format) == "" {
		problems = append(problems, "format is required")
	}
	if p.GOP <= 0 {
		problems = append(problems, "gop must be positive")
	}
	if p.KeyintMin < 0 {
		problems = append(problems, "keyint_min must not be negative")
	}
	if p.SampleRate <= 0 {
		problems = append(problems, "sample_rate must be positive")
	}
	if p.Channels <= 0 {
		problems = append(problems, "channels must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid encoder profile: %s", strings.Join(problems, "; "))
	}
	return nil
}
