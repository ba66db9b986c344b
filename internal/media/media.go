/*
Copyright 2024 Elevizion Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package media probes and normalizes advertiser video files into the one
// encoding the signage players render correctly: H.264, yuv420p, at most
// 1920x1080, with the moov atom ahead of the media data.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/elevizion/elevizion/internal/apierror"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Constraints describe the accepted encoding.
type Constraints struct {
	Codec            string
	PixelFormat      string
	MaxWidth         int
	MaxHeight        int
	RequireFastStart bool
}

func DefaultConstraints() Constraints {
	return Constraints{
		Codec:            "h264",
		PixelFormat:      "yuv420p",
		MaxWidth:         1920,
		MaxHeight:        1080,
		RequireFastStart: true,
	}
}

type ProbeResult struct {
	Codec       string  `json:"codec"`
	PixelFormat string  `json:"pixel_format"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Duration    float64 `json:"duration"`
	FormatName  string  `json:"format_name"`
	Size        int64   `json:"size"`
	MoovFirst   bool    `json:"moov_first"`
	// ISOBMFF is false for containers without MP4 boxes. Those never pass
	// the fast start check and are always transcoded.
	ISOBMFF bool `json:"iso_bmff"`
}

// Violation is one constraint a file fails.
type Violation struct {
	Field string `json:"field"`
	Want  string `json:"want"`
	Got   string `json:"got"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: want %s, got %s", v.Field, v.Want, v.Got)
}

// Validate lists every constraint p violates. An empty result means the file
// can be published as is.
func Validate(p *ProbeResult, c Constraints) []Violation {
	var out []Violation
	if c.Codec != "" && !strings.EqualFold(p.Codec, c.Codec) {
		out = append(out, Violation{Field: "codec", Want: c.Codec, Got: p.Codec})
	}
	if c.PixelFormat != "" && !strings.EqualFold(p.PixelFormat, c.PixelFormat) {
		out = append(out, Violation{Field: "pixel_format", Want: c.PixelFormat, Got: p.PixelFormat})
	}
	if c.MaxWidth > 0 && p.Width > c.MaxWidth {
		out = append(out, Violation{Field: "width", Want: "<= " + strconv.Itoa(c.MaxWidth), Got: strconv.Itoa(p.Width)})
	}
	if c.MaxHeight > 0 && p.Height > c.MaxHeight {
		out = append(out, Violation{Field: "height", Want: "<= " + strconv.Itoa(c.MaxHeight), Got: strconv.Itoa(p.Height)})
	}
	if p.Width <= 0 || p.Height <= 0 {
		out = append(out, Violation{Field: "resolution", Want: "video stream", Got: fmt.Sprintf("%dx%d", p.Width, p.Height)})
	}
	if c.RequireFastStart && !p.MoovFirst {
		got := "after mdat"
		if !p.ISOBMFF {
			got = "no mp4 index (" + p.FormatName + ")"
		}
		out = append(out, Violation{Field: "moov_position", Want: "before mdat", Got: got})
	}
	return out
}

// Runner executes an external tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := stderr.String()
		if len(msg) > 400 {
			msg = msg[len(msg)-400:]
		}
		return out, errors.Wrapf(err, "%s failed: %s", filepath.Base(name), strings.TrimSpace(msg))
	}
	return out, nil
}

// Tool wraps ffprobe and ffmpeg.
type Tool struct {
	FFprobePath string
	FFmpegPath  string
	Constraints Constraints
	Timeout     time.Duration
	runner      Runner
}

// NewTool returns a Tool using the binaries found at the given paths (or on
// PATH when empty).
func NewTool(ffprobe, ffmpeg string, c Constraints, timeout time.Duration) *Tool {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Tool{
		FFprobePath: ffprobe,
		FFmpegPath:  ffmpeg,
		Constraints: c,
		Timeout:     timeout,
		runner:      execRunner{},
	}
}

// WithRunner swaps the process runner. Tests use it to fake ffmpeg.
func (t *Tool) WithRunner(r Runner) *Tool {
	t.runner = r
	return t
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		PixFmt    string `json:"pix_fmt"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
}

// toolError classifies a failed ffprobe or ffmpeg run. A run cut short by
// ctx is transient; any other failure is a property of the file and will
// repeat, so it is INVALID_ENCODING.
func toolError(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return errors.Wrap(err, what)
	}
	return apierror.APIError{
		Code:    apierror.ErrInvalidEncoding,
		Message: fmt.Sprintf("%s: %v", what, err),
	}
}

// Probe reads the encoding parameters of the first video stream and the
// atom order of the container.
func (t *Tool) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, err := t.runner.Run(ctx, t.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	if err != nil {
		return nil, toolError(ctx, err, "probe")
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, toolError(ctx, err, "parse ffprobe output")
	}

	res := &ProbeResult{FormatName: parsed.Format.FormatName}
	res.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	res.Size, _ = strconv.ParseInt(parsed.Format.Size, 10, 64)
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			res.Codec = s.CodecName
			res.PixelFormat = s.PixFmt
			res.Width = s.Width
			res.Height = s.Height
			break
		}
	}

	moovFirst, err := MoovBeforeMdat(path)
	switch {
	case errors.Is(err, ErrNotISOBMFF):
		logrus.WithFields(logrus.Fields{
			"file":   filepath.Base(path),
			"format": res.FormatName,
		}).Debug("container has no mp4 boxes")
		return res, nil
	case err != nil:
		return nil, errors.Wrap(err, "scan container atoms")
	}
	res.ISOBMFF = true
	res.MoovFirst = moovFirst
	return res, nil
}

type NormalizeResult struct {
	Path       string       `json:"path"`
	Noop       bool         `json:"noop"`
	Source     *ProbeResult `json:"source"`
	Output     *ProbeResult `json:"output"`
	Violations []Violation  `json:"violations,omitempty"`
}

// Normalize writes a conforming copy of src into dstDir. A source that
// already satisfies every constraint is copied byte for byte. Otherwise it
// is transcoded and the output re-validated; any remaining violation is an
// INVALID_ENCODING error.
func (t *Tool) Normalize(ctx context.Context, src, dstDir string) (*NormalizeResult, error) {
	source, err := t.Probe(ctx, src)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(dstDir, "normalized.mp4")
	res := &NormalizeResult{Path: dst, Source: source}

	violations := Validate(source, t.Constraints)
	if len(violations) == 0 {
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		res.Noop = true
		res.Output = source
		return res, nil
	}

	logrus.WithFields(logrus.Fields{
		"source":     filepath.Base(src),
		"violations": len(violations),
	}).Info("transcoding media")

	tctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()
	if _, err := t.runner.Run(tctx, t.FFmpegPath, t.transcodeArgs(src, dst)...); err != nil {
		return nil, toolError(tctx, err, "transcode")
	}

	output, err := t.Probe(ctx, dst)
	if err != nil {
		return nil, err
	}
	res.Output = output
	res.Violations = Validate(output, t.Constraints)
	if len(res.Violations) > 0 {
		return res, apierror.APIError{
			Code:    apierror.ErrInvalidEncoding,
			Message: "transcoded file still violates constraints",
			Details: res.Violations,
		}
	}
	return res, nil
}

func (t *Tool) transcodeArgs(src, dst string) []string {
	c := t.Constraints
	scale := fmt.Sprintf("scale=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2", c.MaxWidth, c.MaxHeight)
	return []string{
		"-y",
		"-i", src,
		"-map", "0:v:0",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-profile:v", "high",
		"-preset", "veryfast",
		"-crf", "20",
		"-pix_fmt", c.PixelFormat,
		"-vf", scale,
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dst,
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, "copy")
	}
	return errors.Wrap(out.Close(), "close output")
}
