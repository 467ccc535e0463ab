package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"encodeq/internal/faults"
)

// RangeKind selects the unit of a Range.
type RangeKind string

const (
	RangeAll      RangeKind = "all"
	RangeChapters RangeKind = "chapters"
	RangeSeconds  RangeKind = "seconds"
)

// Range limits an encode to part of a title. Start and End are inclusive
// chapter numbers or seconds depending on Kind.
type Range struct {
	Kind  RangeKind `json:"kind"`
	Start float64   `json:"start,omitempty"`
	End   float64   `json:"end,omitempty"`
}

// Profile is an opaque encoding profile. Options are passed to the engine
// untouched.
type Profile struct {
	Name    string            `json:"name"`
	Options map[string]string `json:"options,omitempty"`
}

// Job is one unit of encode work. A Job is immutable once dispatched.
type Job struct {
	ID                string  `json:"id"`
	SourcePath        string  `json:"source_path"`
	Title             int     `json:"title"`
	Range             Range   `json:"range"`
	DestinationPath   string  `json:"destination_path"`
	Profile           Profile `json:"profile"`
	ChapterNameFormat string  `json:"chapter_name_format,omitempty"`
	PreviewNumber     int     `json:"preview_number,omitempty"`
	PreviewSeconds    int     `json:"preview_seconds,omitempty"`
}

// Validate checks the fields an engine cannot run without.
func (j Job) Validate() error {
	invalid := func(msg string) error {
		return faults.Wrap(faults.ErrInvalidJob, "job", j.ID, msg, nil)
	}
	if strings.TrimSpace(j.ID) == "" {
		return invalid("missing id")
	}
	if strings.TrimSpace(j.SourcePath) == "" {
		return invalid("missing source path")
	}
	if strings.TrimSpace(j.DestinationPath) == "" {
		return invalid("missing destination path")
	}
	if j.Title < 0 {
		return invalid("title index must be non-negative")
	}
	switch j.Range.Kind {
	case "", RangeAll:
	case RangeChapters, RangeSeconds:
		if j.Range.Start < 0 || (j.Range.End != 0 && j.Range.End < j.Range.Start) {
			return invalid(fmt.Sprintf("invalid %s range %v-%v", j.Range.Kind, j.Range.Start, j.Range.End))
		}
	default:
		return invalid(fmt.Sprintf("unknown range kind %q", j.Range.Kind))
	}
	if j.PreviewNumber < 0 || j.PreviewSeconds < 0 {
		return invalid("preview parameters must be non-negative")
	}
	return nil
}

// IsPreview reports whether the job renders a preview clip instead of the
// full title.
func (j Job) IsPreview() bool {
	return j.PreviewNumber > 0
}

// ChapterName renders the chapter naming format for chapter n. "{0}" is
// replaced by the chapter number; an empty format yields "Chapter n".
func (j Job) ChapterName(n int) string {
	format := j.ChapterNameFormat
	if strings.TrimSpace(format) == "" {
		format = "Chapter {0}"
	}
	return strings.ReplaceAll(format, "{0}", strconv.Itoa(n))
}

// Marshal serializes the job for persistence and for
// StartEncodeFromSerializedJob.
func (j Job) Marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	return data, nil
}

// ParseJob decodes and validates a serialized job payload.
func ParseJob(payload []byte) (Job, error) {
	var job Job
	if len(payload) == 0 {
		return job, faults.Wrap(faults.ErrInvalidJob, "job", "parse", "empty payload", nil)
	}
	if err := json.Unmarshal(payload, &job); err != nil {
		return job, faults.Wrap(faults.ErrInvalidJob, "job", "parse", "decode payload", err)
	}
	if err := job.Validate(); err != nil {
		return job, err
	}
	return job, nil
}
