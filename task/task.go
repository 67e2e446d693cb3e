package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type JobType string

const (
	JobTypeVideo     JobType = "video"
	JobTypeAudio     JobType = "audio"
	JobTypeSubtitles JobType = "subtitles"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// VideoSettings selects the stream/container combination to download.
type VideoSettings struct {
	Format string `json:"format"`
	Quiet  bool   `json:"quiet"`
}

// AudioSettings extracts an audio-only track.
type AudioSettings struct {
	AudioFormat  string `json:"audio_format"`
	AudioQuality string `json:"audio_quality,omitempty"`
	Quiet        bool   `json:"quiet"`
}

// SubtitleSettings fetches subtitle tracks without downloading media.
type SubtitleSettings struct {
	Languages      []string `json:"languages"`
	WriteManual    bool     `json:"write_manual"`
	WriteAutomatic bool     `json:"write_automatic"`
	ConvertTo      string   `json:"convert_to,omitempty"`
	Quiet          bool     `json:"quiet"`
}

// Settings is a tagged union over the per-job-type option sets. Exactly one
// variant must be populated, and it must match the task's job type; malformed
// combinations are rejected at submission, before any record exists.
type Settings struct {
	Video     *VideoSettings    `json:"video,omitempty"`
	Audio     *AudioSettings    `json:"audio,omitempty"`
	Subtitles *SubtitleSettings `json:"subtitles,omitempty"`
}

func (s Settings) Validate(jobType JobType) error {
	set := 0
	if s.Video != nil {
		set++
	}
	if s.Audio != nil {
		set++
	}
	if s.Subtitles != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("settings must carry exactly one variant, got %d", set)
	}

	switch jobType {
	case JobTypeVideo:
		if s.Video == nil {
			return fmt.Errorf("job type %s requires video settings", jobType)
		}
	case JobTypeAudio:
		if s.Audio == nil {
			return fmt.Errorf("job type %s requires audio settings", jobType)
		}
	case JobTypeSubtitles:
		if s.Subtitles == nil {
			return fmt.Errorf("job type %s requires subtitle settings", jobType)
		}
		if len(s.Subtitles.Languages) == 0 {
			return fmt.Errorf("subtitle settings require at least one language")
		}
	default:
		return fmt.Errorf("unknown job type %q", jobType)
	}
	return nil
}

// Key returns a short human-readable summary of the options, stored alongside
// the task for display and debugging.
func (s Settings) Key() string {
	switch {
	case s.Video != nil:
		return s.Video.Format
	case s.Audio != nil:
		quality := s.Audio.AudioQuality
		if quality == "" {
			quality = "none"
		}
		return fmt.Sprintf("audio:%s:q=%s", s.Audio.AudioFormat, quality)
	case s.Subtitles != nil:
		return fmt.Sprintf("subs:%s:manual=%t:auto=%t:conv=%s",
			strings.Join(s.Subtitles.Languages, ","),
			s.Subtitles.WriteManual,
			s.Subtitles.WriteAutomatic,
			s.Subtitles.ConvertTo,
		)
	}
	return ""
}

// Task is one tracked unit of work. All fields except Status, Result and
// Error are immutable after creation; Status moves exactly once from pending
// to a terminal value, carrying Result on success or Error on failure.
type Task struct {
	ID             string          `json:"id"`
	JobType        JobType         `json:"job_type"`
	URL            string          `json:"url"`
	SettingsKey    string          `json:"settings_key"`
	Settings       Settings        `json:"-"`
	Status         Status          `json:"status"`
	BaseOutputPath string          `json:"base_output_path"`
	TaskOutputPath string          `json:"task_output_path"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`

	// FilesURL is computed per response for completed tasks, never persisted.
	FilesURL string `json:"files_url,omitempty"`
}
