// Package mediaprobe implements the downstream media-metadata probe of
// spec.md §6: given a filesystem path, return a duration in seconds
// or report it absent. Grounded on original_source/mucache's use of
// ExifTool's `Duration` tag, reimplemented here by shelling out to
// ffprobe (a narrower, more commonly available dependency for a Go
// binary than bundling an Exiftool Perl library).
package mediaprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	mucerrors "github.com/gonlo2/mucachefs/pkg/errors"
	"github.com/gonlo2/mucachefs/pkg/types"
)

// Prober shells out to ffprobe to read a file's container duration.
type Prober struct {
	binary string
}

// New returns a Prober invoking the named ffprobe binary ("ffprobe" if empty).
func New(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary}
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the integer seconds-long duration of the media
// container at path, or ok=false if ffprobe reports none (e.g. the
// file is not a media container).
func (p *Prober) Duration(ctx context.Context, path string) (int64, bool, error) {
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Not a media file (or ffprobe couldn't parse it); absent,
			// not an error condition.
			return 0, false, nil
		}
		return 0, false, mucerrors.New(mucerrors.ErrCodeProbeFailed, fmt.Sprintf("ffprobe %q failed: %s", path, stderr.String())).
			WithComponent("mediaprobe").WithOperation("duration").WithCause(err).WithContext("path", path)
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return 0, false, mucerrors.New(mucerrors.ErrCodeProbeFailed, "parse ffprobe output").
			WithComponent("mediaprobe").WithOperation("duration").WithCause(err).WithContext("path", path)
	}
	if parsed.Format.Duration == "" {
		return 0, false, nil
	}

	seconds, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return 0, false, nil
	}
	return int64(seconds), true, nil
}

var _ types.DurationProber = (*Prober)(nil)
