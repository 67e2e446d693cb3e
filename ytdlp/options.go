package ytdlp

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"ytdlapi/task"
)

// outputTemplate keeps produced file names bounded; long titles are truncated
// by the tool itself.
const outputTemplate = "%(title).180s.%(ext)s"

// DefaultVideoFormat mirrors the tool's "best available" selector.
const DefaultVideoFormat = "bestvideo+bestaudio/best"

// SplitExtraArgs securely splits an operator-supplied extra-argument string.
// It prevents shell injection by not using a shell.
func SplitExtraArgs(extra string) ([]string, error) {
	args, err := shlex.Split(extra)
	if err != nil {
		return nil, fmt.Errorf("invalid extra args syntax: %w", err)
	}
	if err := validateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// validateArgs rejects shell-like metacharacters. exec.Command would not
// interpret them anyway, but they have no business in a yt-dlp argument list.
func validateArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}

// BuildArgs translates a task's settings into the yt-dlp argument list that
// downloads into destDir. The URL is appended last by the runner.
func BuildArgs(jobType task.JobType, settings task.Settings, destDir string) ([]string, error) {
	args := []string{
		"--no-abort-on-error",
		"--dump-single-json",
		"-o", filepath.Join(destDir, outputTemplate),
	}

	quiet := false
	switch jobType {
	case task.JobTypeVideo:
		v := settings.Video
		if v == nil {
			return nil, fmt.Errorf("missing video settings")
		}
		format := v.Format
		if format == "" {
			format = DefaultVideoFormat
		}
		args = append(args, "--no-simulate", "-f", format)
		quiet = v.Quiet

	case task.JobTypeAudio:
		a := settings.Audio
		if a == nil {
			return nil, fmt.Errorf("missing audio settings")
		}
		args = append(args, "--no-simulate", "-f", "bestaudio/best", "--extract-audio")
		if a.AudioFormat != "" {
			args = append(args, "--audio-format", a.AudioFormat)
		}
		if a.AudioQuality != "" {
			args = append(args, "--audio-quality", a.AudioQuality)
		}
		quiet = a.Quiet

	case task.JobTypeSubtitles:
		s := settings.Subtitles
		if s == nil {
			return nil, fmt.Errorf("missing subtitle settings")
		}
		args = append(args, "--no-simulate", "--skip-download",
			"--sub-langs", strings.Join(s.Languages, ","))
		if s.WriteManual {
			args = append(args, "--write-subs")
		}
		if s.WriteAutomatic {
			args = append(args, "--write-auto-subs")
		}
		if s.ConvertTo != "" {
			args = append(args, "--convert-subs", s.ConvertTo)
		}
		quiet = s.Quiet

	default:
		return nil, fmt.Errorf("unsupported job type: %s", jobType)
	}

	if quiet {
		args = append(args, "--quiet", "--no-warnings")
	}
	return args, nil
}
