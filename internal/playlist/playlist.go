// Package playlist renders the concat demuxer descriptor the encoder reads.
//
// Each playback entry is one line of the form
//
//	file '<value>'
//
// where each backslash in the value is doubled and each single quote is
// written as
//
//	'\''
package playlist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"loopcast/internal/models"
)

// FileName is the descriptor file written into the stream workspace.
const FileName = "playlist.txt"

// Descriptor is the ordered, loop-expanded list of playback entries.
type Descriptor struct {
	Entries []string
}

// Build repeats the sources loopCount times in ascending position order.
// A loopCount below one yields a single pass.
func Build(sources []models.AcquiredSource, loopCount int) Descriptor {
	if loopCount < 1 {
		loopCount = 1
	}
	ordered := append([]models.AcquiredSource(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	entries := make([]string, 0, len(ordered)*loopCount)
	for pass := 0; pass < loopCount; pass++ {
		for _, src := range ordered {
			entries = append(entries, src.Location)
		}
	}
	return Descriptor{Entries: entries}
}

// Len reports the number of playback entries.
func (d Descriptor) Len() int {
	return len(d.Entries)
}

// Render returns the descriptor in concat format.
func (d Descriptor) Render() string {
	var b strings.Builder
	for _, entry := range d.Entries {
		b.WriteString("file '")
		b.WriteString(Escape(entry))
		b.WriteString("'\n")
	}
	return b.String()
}

// WriteFile writes the rendered descriptor into dir and returns its path. The
// file is replaced atomically so a restarting encoder never reads a partial
// descriptor.
func (d Descriptor) WriteFile(dir string) (string, error) {
	if len(d.Entries) == 0 {
		return "", errors.New("playlist has no entries")
	}
	tmp, err := os.CreateTemp(dir, "playlist-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create playlist temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.WriteString(d.Render()); err != nil {
		return "", fmt.Errorf("write playlist: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close playlist: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("replace playlist: %w", err)
	}
	success = true
	return path, nil
}

// Escape prepares a path or URL for use inside a single-quoted concat value.
func Escape(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `'`, `'\''`)
}

// Unquote parses one descriptor line back into the value it references.
func Unquote(line string) (string, error) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "file ")
	if !ok {
		return "", fmt.Errorf("not a file directive: %q", line)
	}
	rest = strings.TrimLeft(rest, " \t")

	var out strings.Builder
	quoted := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case c == '\\':
			if i+1 >= len(rest) {
				return "", errors.New("dangling escape")
			}
			next := rest[i+1]
			if quoted && next != '\\' {
				out.WriteByte(c)
				continue
			}
			out.WriteByte(next)
			i++
		case !quoted && (c == ' ' || c == '\t'):
			return "", fmt.Errorf("unexpected whitespace at offset %d", i)
		default:
			out.WriteByte(c)
		}
	}
	if quoted {
		return "", errors.New("unterminated quote")
	}
	return out.String(), nil
}
