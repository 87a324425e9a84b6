package report

import (
	"fmt"
	"time"

	"github.com/psantana5/media-overseer/pkg/models"
)

// Result is the summary of one job, built once from its record.
// Fields are flat so every output format reads the same way.
type Result struct {
	JobID      string        `json:"job_id" yaml:"job_id"`
	Input      string        `json:"input" yaml:"input"`
	ContentKey string        `json:"content_key,omitempty" yaml:"content_key,omitempty"`
	State      string        `json:"state" yaml:"state"`
	Live       bool          `json:"live" yaml:"live"`
	Audio      string        `json:"audio" yaml:"audio"`
	Video      string        `json:"video" yaml:"video"`
	Dimensions string        `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Quality    *int          `json:"quality,omitempty" yaml:"quality,omitempty"`
	Loudness   []Loudness    `json:"loudness,omitempty" yaml:"loudness,omitempty"`
	Output     string        `json:"output,omitempty" yaml:"output,omitempty"`
	OutputURL  string        `json:"output_url,omitempty" yaml:"output_url,omitempty"`
	VideoLog   string        `json:"video_log,omitempty" yaml:"video_log,omitempty"`
	Created    time.Time     `json:"created" yaml:"created"`
	Runtime    time.Duration `json:"runtime_ns,omitempty" yaml:"runtime,omitempty"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Loudness is the measured loudness of one audio track
type Loudness struct {
	Track      int    `json:"track" yaml:"track"`
	Integrated string `json:"integrated" yaml:"integrated"`
	TruePeak   string `json:"true_peak" yaml:"true_peak"`
	Range      string `json:"range" yaml:"range"`
	Threshold  string `json:"threshold" yaml:"threshold"`
}

// FromJob builds a Result from a job record
func FromJob(job *models.Job) *Result {
	r := &Result{
		JobID:      job.ID,
		Input:      job.InputPath,
		ContentKey: job.ContentKey,
		State:      string(job.State),
		Output:     job.OutputPath,
		OutputURL:  job.OutputURL,
		Created:    job.CreatedAt,
		Error:      job.Error,
	}
	if job.StartedAt != nil {
		end := time.Now()
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		r.Runtime = end.Sub(*job.StartedAt).Round(time.Millisecond)
	}
	st := models.NewJobStatus()
	if job.Status != nil {
		st = *job.Status
	}
	r.applyStatus(st)
	return r
}

// FromStatus builds a Result from a status answer. job may be nil.
func FromStatus(resp models.StatusResponse, job *models.Job) *Result {
	r := &Result{JobID: resp.JobID}
	if job != nil {
		r = FromJob(job)
	}
	r.State = string(resp.State)
	r.Live = resp.Live
	r.applyStatus(resp.Status)
	return r
}

func (r *Result) applyStatus(st models.JobStatus) {
	r.Audio = st.Audio.String()
	r.Video = st.Video.String()
	r.VideoLog = st.VideoLogPath
	r.Quality = st.Quality
	if st.Dimensions != nil {
		r.Dimensions = st.Dimensions.String()
	}
	r.Loudness = r.Loudness[:0]
	for i, c := range st.AudioConstants {
		r.Loudness = append(r.Loudness, Loudness{
			Track:      i,
			Integrated: models.FormatMeasurement(c.InputI) + " LUFS",
			TruePeak:   models.FormatMeasurement(c.InputTP) + " dBTP",
			Range:      models.FormatMeasurement(c.InputLRA) + " LU",
			Threshold:  models.FormatMeasurement(c.InputThresh) + " LUFS",
		})
	}
}

// Summary is the one-line form used in logs and by `run`
func (r *Result) Summary() string {
	s := fmt.Sprintf("JOB %s | state=%s | audio=%s | video=%s", r.JobID, r.State, r.Audio, r.Video)
	if r.Quality != nil {
		s += fmt.Sprintf(" | crf=%d", *r.Quality)
	}
	if r.Runtime > 0 {
		s += fmt.Sprintf(" | runtime=%s", r.Runtime)
	}
	if r.Error != "" {
		s += " | error=" + r.Error
	}
	return s
}
