package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loudnormSample = `{
	"input_i" : "-23.54",
	"input_tp" : "-5.12",
	"input_lra" : "6.30",
	"input_thresh" : "-34.10",
	"output_i" : "-17.95",
	"output_tp" : "-2.00",
	"output_lra" : "5.20",
	"output_thresh" : "-28.40",
	"normalization_type" : "dynamic",
	"target_offset" : "-0.05"
}`

func TestAudioConstantsUnmarshalStrings(t *testing.T) {
	var c AudioConstants
	require.NoError(t, json.Unmarshal([]byte(loudnormSample), &c))

	assert.Equal(t, -23.54, c.InputI)
	assert.Equal(t, -5.12, c.InputTP)
	assert.Equal(t, 6.30, c.InputLRA)
	assert.Equal(t, -34.10, c.InputThresh)
}

func TestAudioConstantsUnmarshalNumbersAndInf(t *testing.T) {
	var c AudioConstants
	data := `{"input_i": -70, "input_tp": "-inf", "input_lra": 0, "input_thresh": "-80.5"}`
	require.NoError(t, json.Unmarshal([]byte(data), &c))

	assert.Equal(t, -70.0, c.InputI)
	assert.True(t, math.IsInf(c.InputTP, -1))
	assert.Equal(t, -80.5, c.InputThresh)
}

func TestAudioConstantsUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing field", `{"input_i": "-1", "input_tp": "-1", "input_lra": "1"}`},
		{"not a number", `{"input_i": "loud", "input_tp": "-1", "input_lra": "1", "input_thresh": "-2"}`},
		{"null field", `{"input_i": null, "input_tp": "-1", "input_lra": "1", "input_thresh": "-2"}`},
		{"not an object", `[1, 2, 3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c AudioConstants
			assert.Error(t, json.Unmarshal([]byte(tt.data), &c))
		})
	}
}

func TestAudioConstantsMarshalSilentTrack(t *testing.T) {
	c := AudioConstants{InputI: math.Inf(-1), InputTP: -1.5, InputLRA: 0, InputThresh: -70}
	data, err := json.Marshal(c)
	require.NoError(t, err)

	var back AudioConstants
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, math.IsInf(back.InputI, -1))
	assert.Equal(t, c.InputTP, back.InputTP)
}

func TestJobStatusCloneIsIndependent(t *testing.T) {
	q := 28
	orig := JobStatus{
		Audio:          StageFirstPass,
		Video:          StageSecondPass,
		AudioConstants: []AudioConstants{{InputI: -20}},
		Dimensions:     &VideoDimensions{Width: 1920, Height: 1080},
		Quality:        &q,
	}

	clone := orig.Clone()
	clone.Dimensions.Width = 1
	*clone.Quality = 1
	clone.Video = StageFinished

	assert.Equal(t, 1920, orig.Dimensions.Width)
	assert.Equal(t, 28, *orig.Quality)
	assert.Equal(t, StageSecondPass, orig.Video)
	assert.Same(t, &orig.AudioConstants[0], &clone.AudioConstants[0])
}

func TestNewJobStatus(t *testing.T) {
	s := NewJobStatus()
	assert.Equal(t, StageFirstPass, s.Audio)
	assert.Equal(t, StageFirstPass, s.Video)
	assert.False(t, s.Finished())
	assert.Nil(t, s.Dimensions)
	assert.Nil(t, s.Quality)
}
