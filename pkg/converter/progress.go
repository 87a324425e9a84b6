package converter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Progress is the latest block ffmpeg wrote with -progress
type Progress struct {
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	OutTime time.Duration `json:"out_time"`
	Speed   string        `json:"speed,omitempty"`
	Done    bool          `json:"done"`
}

// ParseProgress reads a -progress stream and returns its last complete block.
// Blocks are key=value lines terminated by progress=continue or progress=end.
func ParseProgress(r io.Reader) (Progress, error) {
	var current, last Progress
	var seen bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			current.Frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			current.FPS, _ = strconv.ParseFloat(value, 64)
		case "out_time_us", "out_time_ms":
			// both keys carry microseconds
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				current.OutTime = time.Duration(us) * time.Microsecond
			}
		case "speed":
			current.Speed = strings.TrimSpace(value)
		case "progress":
			current.Done = value == "end"
			last, seen = current, true
			current = Progress{}
		}
	}
	if err := scanner.Err(); err != nil {
		return Progress{}, err
	}
	if !seen {
		return Progress{}, fmt.Errorf("%w: no complete progress block", ErrParse)
	}
	return last, nil
}

// ReadProgress parses the progress file announced by VideoSecondPassProgress
func ReadProgress(path string) (Progress, error) {
	f, err := os.Open(path)
	if err != nil {
		return Progress{}, err
	}
	defer f.Close()
	return ParseProgress(f)
}
