// Package metrics scores canonical artifacts and derives review badges.
//
// The unit of output is BundleV1: a fixed-schema measurement document stored
// verbatim as a MetricResult and re-read by the API. The schema is
// versioned; fields are never removed or renamed within a version, and the
// nullable tail stays null until an engine populates it.
package metrics

// Bundle identity under which results are written to the store. One result
// row exists per (run, BundleName, BundleVersion).
const (
	BundleName    = "MetricBundleV1"
	BundleVersion = "1"
)

// BundleV1 is the fixed measurement schema. Pointer fields are nullable:
// blink detection and lip-sync embedding scores are only populated by
// engines that compute them.
type BundleV1 struct {
	DecodeOK            bool     `json:"decode_ok"`
	VideoDurationMS     int64    `json:"video_duration_ms"`
	AudioDurationMS     int64    `json:"audio_duration_ms"`
	AVDurationDeltaMS   int64    `json:"av_duration_delta_ms"`
	FPS                 float64  `json:"fps"`
	FrameCount          int64    `json:"frame_count"`
	SceneCutCount       int64    `json:"scene_cut_count"`
	FreezeFrameRatio    float64  `json:"freeze_frame_ratio"`
	FlickerScore        float64  `json:"flicker_score"`
	BlurScore           float64  `json:"blur_score"`
	FrameDiffSpikeCount int64    `json:"frame_diff_spike_count"`
	FacePresentRatio    float64  `json:"face_present_ratio"`
	FaceBBoxJitter      float64  `json:"face_bbox_jitter"`
	LandmarkJitter      float64  `json:"landmark_jitter"`
	MouthOpenEnergy     float64  `json:"mouth_open_energy"`
	MouthAudioCorr      float64  `json:"mouth_audio_corr"`
	BlinkCount          *int64   `json:"blink_count"`
	BlinkRateHz         *float64 `json:"blink_rate_hz"`
	LSED                *float64 `json:"lse_d"`
	LSEC                *float64 `json:"lse_c"`
	StatusBadge         Badge    `json:"status_badge"`
	Reasons             []string `json:"reasons"`
}
