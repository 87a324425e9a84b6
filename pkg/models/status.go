package models

// JobStatus is a point-in-time snapshot of a running conversion.
//
// AudioConstants is published once and never mutated afterwards, so
// snapshots share the backing array instead of copying it.
type JobStatus struct {
	Audio          StageProgress    `json:"audio"`
	Video          StageProgress    `json:"video"`
	AudioConstants []AudioConstants `json:"audio_constants,omitempty"`
	Dimensions     *VideoDimensions `json:"dimensions,omitempty"`
	Quality        *int             `json:"quality,omitempty"`
	VideoLogPath   string           `json:"video_log_path,omitempty"`
}

// NewJobStatus returns the initial status of a job
func NewJobStatus() JobStatus {
	return JobStatus{
		Audio: StageFirstPass,
		Video: StageFirstPass,
	}
}

// Clone returns a snapshot that shares nothing mutable with s
func (s JobStatus) Clone() JobStatus {
	out := s
	if s.Dimensions != nil {
		d := *s.Dimensions
		out.Dimensions = &d
	}
	if s.Quality != nil {
		q := *s.Quality
		out.Quality = &q
	}
	return out
}

// Finished returns true once both tracks are done
func (s JobStatus) Finished() bool {
	return s.Audio.IsFinished() && s.Video.IsFinished()
}

// Stage returns the progress of the given track type
func (s JobStatus) Stage(track TrackType) StageProgress {
	if track == TrackAudio {
		return s.Audio
	}
	return s.Video
}
