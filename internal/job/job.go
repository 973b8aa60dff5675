// Package job defines the job description snapshot shared by the queue,
// the worker bridge, and the API layer.
package job

import (
	"encoding/json"
	"fmt"
)

// Kind identifies what a collection job does.
type Kind string

const (
	KindKeyword Kind = "keyword" // search-by-keyword collection
	KindAuthor  Kind = "author"  // all notes of one author profile
	KindNotes   Kind = "notes"   // explicit list of note URLs
)

// KeywordParams are the parameters for a keyword job.
type KeywordParams struct {
	Keyword  string `json:"keyword"`
	MaxPages int    `json:"max_pages,omitempty"`
	Sort     string `json:"sort,omitempty"`
}

// AuthorParams are the parameters for an author job.
type AuthorParams struct {
	URL           string `json:"url"`
	IncludePinned bool   `json:"include_pinned,omitempty"`
}

// NotesParams are the parameters for a note-list job.
type NotesParams struct {
	URLs []string `json:"urls"`
}

// SaveConfig captures the save/output options active when a job starts.
// It is snapshotted onto the task row so later config changes do not
// rewrite history.
type SaveConfig struct {
	OutputDir     string `json:"output_dir,omitempty"`
	DownloadMedia bool   `json:"download_media,omitempty"`
	MediaQuality  string `json:"media_quality,omitempty"`
}

// Spec is one complete job description: what to collect and how to save
// it. Params is kept opaque here; the worker process interprets it per
// Kind.
type Spec struct {
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params"`
	Save   SaveConfig      `json:"save"`
}

// Validate checks that the spec names a known kind and carries the
// required parameters for it.
func (s *Spec) Validate() error {
	switch s.Kind {
	case KindKeyword:
		var p KeywordParams
		if err := json.Unmarshal(s.Params, &p); err != nil {
			return fmt.Errorf("invalid keyword params: %w", err)
		}
		if p.Keyword == "" {
			return fmt.Errorf("keyword is required")
		}
	case KindAuthor:
		var p AuthorParams
		if err := json.Unmarshal(s.Params, &p); err != nil {
			return fmt.Errorf("invalid author params: %w", err)
		}
		if p.URL == "" {
			return fmt.Errorf("author url is required")
		}
	case KindNotes:
		var p NotesParams
		if err := json.Unmarshal(s.Params, &p); err != nil {
			return fmt.Errorf("invalid notes params: %w", err)
		}
		if len(p.URLs) == 0 {
			return fmt.Errorf("at least one note url is required")
		}
	default:
		return fmt.Errorf("unknown job kind: %q", s.Kind)
	}
	return nil
}

// Encode serializes the spec for handoff to the worker process.
func (s *Spec) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	return string(data), nil
}

// Decode parses a serialized job description.
func Decode(data []byte) (*Spec, error) {
	spec := &Spec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return spec, nil
}
