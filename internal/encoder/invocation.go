package encoder

import (
	"net/url"
	"strconv"
	"strings"
)

// Invocation is a fully resolved encoder command line.
type Invocation struct {
	Path string
	Args []string
}

// BuildInvocation returns the command that plays descriptorPath in real time
// through the concat demuxer and pushes it to destinationURL. The destination
// is always the final argument.
func BuildInvocation(binary, descriptorPath, destinationURL string, profile Profile) Invocation {
	if binary == "" {
		binary = "ffmpeg"
	}
	args := []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", "warning",
		"-re",
		"-f", "concat",
		"-safe", "0",
		"-i", descriptorPath,
		"-c:v", profile.VideoCodec,
	}
	if profile.Preset != "" {
		args = append(args, "-preset", profile.Preset)
	}
	if profile.VideoProfile != "" {
		args = append(args, "-profile:v", profile.VideoProfile)
	}
	if profile.Level != "" {
		args = append(args, "-level", profile.Level)
	}
	if profile.VideoBitrate != "" {
		args = append(args, "-b:v", profile.VideoBitrate)
	}
	if profile.MaxRate != "" {
		args = append(args, "-maxrate", profile.MaxRate)
	}
	if profile.BufSize != "" {
		args = append(args, "-bufsize", profile.BufSize)
	}
	args = append(args,
		"-g", strconv.Itoa(profile.GOP),
		"-keyint_min", strconv.Itoa(profile.KeyintMin),
		"-sc_threshold", "0",
	)
	if profile.PixelFormat != "" {
		args = append(args, "-pix_fmt", profile.PixelFormat)
	}
	args = append(args, "-c:a", profile.AudioCodec)
	if profile.AudioBitrate != "" {
		args = append(args, "-b:a", profile.AudioBitrate)
	}
	args = append(args,
		"-ar", strconv.Itoa(profile.SampleRate),
		"-ac", strconv.Itoa(profile.Channels),
		"-f", profile.Format,
	)
	if profile.FormatFlags != "" {
		args = append(args, "-flvflags", profile.FormatFlags)
	}
	args = append(args, destinationURL)
	return Invocation{Path: binary, Args: args}
}

// Destination returns the ingest URL the invocation pushes to.
func (inv Invocation) Destination() string {
	if len(inv.Args) == 0 {
		return ""
	}
	return inv.Args[len(inv.Args)-1]
}

// String renders the command line with the stream key masked.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, inv.Path)
	for i, arg := range inv.Args {
		if i == len(inv.Args)-1 {
			arg = RedactURL(arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// RedactURL masks the last path segment of an ingest URL, which carries the
// stream key.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	idx := strings.LastIndex(u.Path, "/")
	if idx < 0 || idx == len(u.Path)-1 {
		return raw
	}
	u.Path = u.Path[:idx+1] + "redacted"
	u.RawQuery = ""
	return u.String()
}
