package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AudioConstants are the loudness measurements of one audio track,
// as reported by the ffmpeg loudnorm filter in its first pass.
type AudioConstants struct {
	InputI      float64 `json:"input_i"`
	InputTP     float64 `json:"input_tp"`
	InputLRA    float64 `json:"input_lra"`
	InputThresh float64 `json:"input_thresh"`
}

// loudnormFloat decodes a float that loudnorm prints as a JSON string ("-23.50", "-inf").
type loudnormFloat float64

func (f *loudnormFloat) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return fmt.Errorf("missing value")
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid loudnorm value %q: %w", raw, err)
	}
	*f = loudnormFloat(v)
	return nil
}

type audioConstantsWire struct {
	InputI      *loudnormFloat `json:"input_i"`
	InputTP     *loudnormFloat `json:"input_tp"`
	InputLRA    *loudnormFloat `json:"input_lra"`
	InputThresh *loudnormFloat `json:"input_thresh"`
}

// UnmarshalJSON accepts the loudnorm print_format=json object. All four
// input_* fields are required; any other field is ignored.
func (a *AudioConstants) UnmarshalJSON(data []byte) error {
	var w audioConstantsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.InputI == nil || w.InputTP == nil || w.InputLRA == nil || w.InputThresh == nil {
		return fmt.Errorf("loudnorm output is missing input_* fields")
	}
	a.InputI = float64(*w.InputI)
	a.InputTP = float64(*w.InputTP)
	a.InputLRA = float64(*w.InputLRA)
	a.InputThresh = float64(*w.InputThresh)
	return nil
}

// MarshalJSON writes the values back as strings, the same shape loudnorm
// emits. Silent tracks measure -inf, which has no JSON number form.
func (a AudioConstants) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"input_i":      FormatMeasurement(a.InputI),
		"input_tp":     FormatMeasurement(a.InputTP),
		"input_lra":    FormatMeasurement(a.InputLRA),
		"input_thresh": FormatMeasurement(a.InputThresh),
	})
}

// FormatMeasurement renders a loudness value the way the filter graph expects it.
func FormatMeasurement(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// VideoDimensions of the first video stream
type VideoDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Pixels returns width*height
func (d VideoDimensions) Pixels() int {
	return d.Width * d.Height
}

func (d VideoDimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}
