package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest marks a stream request that cannot be started as given.
var ErrInvalidRequest = errors.New("invalid stream request")

// SourceKind tags the acquisition strategy of a source on the wire.
type SourceKind string

const (
	SourceLocalFile        SourceKind = "local-file"
	SourceRemoteDownloaded SourceKind = "remote-downloaded"
	SourceRemoteDirect     SourceKind = "remote-direct"
)

// Source is a closed set of media origins. The only implementations are
// LocalFiles, RemoteDownloaded and RemoteDirect.
type Source interface {
	Kind() SourceKind
	isSource()
}

// MediaFile is an uploaded media file. Location is a local path, an http(s)
// URL or an object reference of the form s3://bucket/key.
type MediaFile struct {
	Title    string `json:"title,omitempty"`
	Location string `json:"location"`
}

// LocalFiles plays uploaded media in the given order.
type LocalFiles struct {
	Files []MediaFile
}

// RemoteDownloaded downloads every video of a remote playlist before playback.
type RemoteDownloaded struct {
	PlaylistID string
}

// RemoteDirect streams every video of a remote playlist from a resolved URL.
type RemoteDirect struct {
	PlaylistID string
}

func (LocalFiles) Kind() SourceKind       { return SourceLocalFile }
func (RemoteDownloaded) Kind() SourceKind { return SourceRemoteDownloaded }
func (RemoteDirect) Kind() SourceKind     { return SourceRemoteDirect }

func (LocalFiles) isSource()       {}
func (RemoteDownloaded) isSource() {}
func (RemoteDirect) isSource()     {}

// SourceSpec is the JSON form of a Source.
type SourceSpec struct {
	Kind       SourceKind  `json:"kind"`
	Files      []MediaFile `json:"files,omitempty"`
	PlaylistID string      `json:"playlistId,omitempty"`
}

// Decode converts the wire form into its Source variant.
func (s SourceSpec) Decode() (Source, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(string(s.Kind)))) {
	case SourceLocalFile:
		if len(s.Files) == 0 {
			return nil, errors.New("local-file source requires at least one file")
		}
		files := make([]MediaFile, 0, len(s.Files))
		for i, file := range s.Files {
			location := strings.TrimSpace(file.Location)
			if location == "" {
				return nil, fmt.Errorf("file %d has no location", i)
			}
			files = append(files, MediaFile{Title: file.Title, Location: location})
		}
		return LocalFiles{Files: files}, nil
	case SourceRemoteDownloaded:
		id := strings.TrimSpace(s.PlaylistID)
		if id == "" {
			return nil, errors.New("remote-downloaded source requires playlistId")
		}
		return RemoteDownloaded{PlaylistID: id}, nil
	case SourceRemoteDirect:
		id := strings.TrimSpace(s.PlaylistID)
		if id == "" {
			return nil, errors.New("remote-direct source requires playlistId")
		}
		return RemoteDirect{PlaylistID: id}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", s.Kind)
	}
}

// EncodeSource converts a Source into its wire form.
func EncodeSource(src Source) SourceSpec {
	switch v := src.(type) {
	case LocalFiles:
		return SourceSpec{Kind: SourceLocalFile, Files: append([]MediaFile(nil), v.Files...)}
	case RemoteDownloaded:
		return SourceSpec{Kind: SourceRemoteDownloaded, PlaylistID: v.PlaylistID}
	case RemoteDirect:
		return SourceSpec{Kind: SourceRemoteDirect, PlaylistID: v.PlaylistID}
	default:
		return SourceSpec{}
	}
}

// StreamRequest describes a stream to start. It is never modified after it is
// handed to the coordinator.
type StreamRequest struct {
	StreamID    string
	AccountID   string
	Title       string
	Description string
	Thumbnail   string
	Sources     []Source
	Loop        bool
	Shuffle     bool
}

type streamRequestJSON struct {
	StreamID    string       `json:"streamId"`
	AccountID   string       `json:"accountId"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Thumbnail   string       `json:"thumbnail,omitempty"`
	Sources     []SourceSpec `json:"sources"`
	Loop        bool         `json:"loop"`
	Shuffle     bool         `json:"shuffle"`
}

// MarshalJSON encodes the request with tagged sources.
func (r StreamRequest) MarshalJSON() ([]byte, error) {
	out := streamRequestJSON{
		StreamID:    r.StreamID,
		AccountID:   r.AccountID,
		Title:       r.Title,
		Description: r.Description,
		Thumbnail:   r.Thumbnail,
		Loop:        r.Loop,
		Shuffle:     r.Shuffle,
	}
	for _, src := range r.Sources {
		out.Sources = append(out.Sources, EncodeSource(src))
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes tagged sources into their variants.
func (r *StreamRequest) UnmarshalJSON(data []byte) error {
	var in streamRequestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	sources := make([]Source, 0, len(in.Sources))
	for i, spec := range in.Sources {
		src, err := spec.Decode()
		if err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		sources = append(sources, src)
	}
	*r = StreamRequest{
		StreamID:    strings.TrimSpace(in.StreamID),
		AccountID:   strings.TrimSpace(in.AccountID),
		Title:       in.Title,
		Description: in.Description,
		Thumbnail:   strings.TrimSpace(in.Thumbnail),
		Sources:     sources,
		Loop:        in.Loop,
		Shuffle:     in.Shuffle,
	}
	return nil
}

// Validate checks that the request can be started.
func (r StreamRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.StreamID) == "" {
		missing = append(missing, "streamId")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		missing = append(missing, "accountId")
	}
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if len(r.Sources) == 0 {
		missing = append(missing, "sources")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	for i, src := range r.Sources {
		if src == nil {
			return fmt.Errorf("%w: source %d is empty", ErrInvalidRequest, i)
		}
	}
	return nil
}
