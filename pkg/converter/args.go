package converter

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/psantana5/media-overseer/pkg/models"
)

const (
	passLogPrefix   = "ffmpeg2pass"
	videoOutputName = "output.webm"
	progressLogName = "video_progress.log"
	mergedName      = "merged.webm"
)

func audioOutputName(index int) string {
	return fmt.Sprintf("audio_%d.opus", index)
}

func audioProbeArgs(input string, index int) []string {
	return []string{
		"-hide_banner",
		"-i", input,
		"-vn",
		"-map", fmt.Sprintf("0:a:%d", index),
		"-filter:a", "loudnorm=print_format=json",
		"-f", "null",
		"/dev/null",
	}
}

func loudnormFilter(c models.AudioConstants, target float64) string {
	return strings.Join([]string{
		"loudnorm=linear=true",
		"i=" + models.FormatMeasurement(target),
		"measured_I=" + models.FormatMeasurement(c.InputI),
		"measured_LRA=" + models.FormatMeasurement(c.InputLRA),
		"measured_tp=" + models.FormatMeasurement(c.InputTP),
		"measured_thresh=" + models.FormatMeasurement(c.InputThresh),
	}, ":")
}

func audioEncodeArgs(input string, index int, c models.AudioConstants, target float64, output string) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-vn",
		"-map", fmt.Sprintf("0:a:%d", index),
		"-filter:a", loudnormFilter(c, target),
		"-codec:a", "libopus",
		"-compression_level", "10",
		output,
	}
}

func videoProbeArgs(input string) []string {
	return []string{
		"-hide_banner",
		"-v", "error",
		"-select_streams", "v",
		"-show_entries", "stream=width,height",
		"-print_format", "json",
		input,
	}
}

func firstPassArgs(input, workDir string) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-codec:v", "libaom-av1",
		"-an",
		"-pass", "1",
		"-passlogfile", filepath.Join(workDir, passLogPrefix),
		"-f", "null",
		"/dev/null",
	}
}

func secondPassArgs(input, workDir string, quality int, progressLog, output string) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", input,
		"-codec:v", "libaom-av1",
		"-an",
		"-crf", strconv.Itoa(quality),
		"-pass", "2",
		"-passlogfile", filepath.Join(workDir, passLogPrefix),
		"-threads", "1",
		"-cpu-used", "0",
		"-auto-alt-ref", "1",
		"-arnr-max-frames", "7",
		"-arnr-strength", "4",
		"-tune", "0",
		"-lag-in-frames", "35",
		"-tile-columns", "0",
		"-row-mt", "1",
		"-progress", progressLog,
		output,
	}
}

func remuxArgs(video string, audio []string, output string) []string {
	args := []string{"-hide_banner", "-y", "-i", video}
	for _, a := range audio {
		args = append(args, "-i", a)
	}
	args = append(args, "-map", "0:v:0")
	for i := range audio {
		args = append(args, "-map", fmt.Sprintf("%d:a:0", i+1))
	}
	return append(args, "-c", "copy", output)
}
