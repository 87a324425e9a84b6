package models

import "fmt"

// EventKind names a stage event
type EventKind string

const (
	EventAudioConstantsReady     EventKind = "audio_constants_ready"
	EventAudioFinished           EventKind = "audio_finished"
	EventVideoDimensionsReady    EventKind = "video_dimensions_ready"
	EventQualityDetermined       EventKind = "quality_determined"
	EventVideoFirstPassFinished  EventKind = "video_first_pass_finished"
	EventVideoFinished           EventKind = "video_finished"
	EventVideoSecondPassProgress EventKind = "video_second_pass_progress"
)

// StageEvent is a progress message from a stage to the status service.
// The set of implementations is closed.
type StageEvent interface {
	Kind() EventKind
	Track() TrackType
	stageEvent()
}

// AudioConstantsReady carries the measurements of every audio track.
// The slice must not be modified after the event is sent.
type AudioConstantsReady struct {
	Constants []AudioConstants
}

// AudioFinished is sent after every audio track has been encoded
type AudioFinished struct{}

// VideoDimensionsReady carries the probed frame size
type VideoDimensionsReady struct {
	Dimensions VideoDimensions
}

// QualityDetermined carries the crf chosen for the second pass
type QualityDetermined struct {
	Quality int
}

// VideoFirstPassFinished is sent when the analysis pass completes
type VideoFirstPassFinished struct{}

// VideoFinished is sent when the second pass completes
type VideoFinished struct{}

// VideoSecondPassProgress announces the file the second pass reports progress to
type VideoSecondPassProgress struct {
	LogPath string
}

func (AudioConstantsReady) Kind() EventKind     { return EventAudioConstantsReady }
func (AudioFinished) Kind() EventKind           { return EventAudioFinished }
func (VideoDimensionsReady) Kind() EventKind    { return EventVideoDimensionsReady }
func (QualityDetermined) Kind() EventKind       { return EventQualityDetermined }
func (VideoFirstPassFinished) Kind() EventKind  { return EventVideoFirstPassFinished }
func (VideoFinished) Kind() EventKind           { return EventVideoFinished }
func (VideoSecondPassProgress) Kind() EventKind { return EventVideoSecondPassProgress }

func (AudioConstantsReady) Track() TrackType     { return TrackAudio }
func (AudioFinished) Track() TrackType           { return TrackAudio }
func (VideoDimensionsReady) Track() TrackType    { return TrackVideo }
func (QualityDetermined) Track() TrackType       { return TrackVideo }
func (VideoFirstPassFinished) Track() TrackType  { return TrackVideo }
func (VideoFinished) Track() TrackType           { return TrackVideo }
func (VideoSecondPassProgress) Track() TrackType { return TrackVideo }

func (AudioConstantsReady) stageEvent()     {}
func (AudioFinished) stageEvent()           {}
func (VideoDimensionsReady) stageEvent()    {}
func (QualityDetermined) stageEvent()       {}
func (VideoFirstPassFinished) stageEvent()  {}
func (VideoFinished) stageEvent()           {}
func (VideoSecondPassProgress) stageEvent() {}

// TargetStage returns the stage an event moves its track to, if any.
// Events that only carry side data return false.
func TargetStage(ev StageEvent) (StageProgress, bool) {
	switch ev.(type) {
	case AudioFinished:
		return StageFinished, true
	case VideoFirstPassFinished:
		return StageSecondPass, true
	case VideoFinished:
		return StageFinished, true
	default:
		return "", false
	}
}

// DescribeEvent renders an event for logs
func DescribeEvent(ev StageEvent) string {
	switch e := ev.(type) {
	case AudioConstantsReady:
		return fmt.Sprintf("%s tracks=%d", e.Kind(), len(e.Constants))
	case VideoDimensionsReady:
		return fmt.Sprintf("%s %s", e.Kind(), e.Dimensions)
	case QualityDetermined:
		return fmt.Sprintf("%s crf=%d", e.Kind(), e.Quality)
	case VideoSecondPassProgress:
		return fmt.Sprintf("%s log=%s", e.Kind(), e.LogPath)
	default:
		return string(ev.Kind())
	}
}
