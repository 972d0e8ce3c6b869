package metrics

import "fmt"

// Badge is the review verdict derived from a bundle.
type Badge string

// Badge values, ordered by severity: reject dominates flagged, flagged
// dominates pass.
const (
	BadgePass    Badge = "pass"
	BadgeFlagged Badge = "flagged"
	BadgeReject  Badge = "reject"
)

// Reject thresholds (hard failure).
const (
	rejectFacePresentFloor = 0.2
	rejectAVDeltaCeiling   = 500
)

// Flag thresholds (review signals, demo-tuned).
const (
	flagFlickerCeiling = 10.0
	flagFreezeCeiling  = 0.3
	flagBlurFloor      = 20.0
	flagMouthCorrFloor = -0.1
)

// DeriveStatus computes the badge and the list of every condition that
// fired. Comparisons are strict: a value sitting exactly on a threshold
// does not fire. The same rules run in the metrics engine at write time and
// in the API at read time, so stored bundles and served badges agree.
func DeriveStatus(b *BundleV1) (Badge, []string) {
	reasons := []string{}
	hasReject := false
	hasFlag := false

	if !b.DecodeOK {
		reasons = append(reasons, "decode_ok=false")
		hasReject = true
	}
	if b.FacePresentRatio < rejectFacePresentFloor {
		reasons = append(reasons, fmt.Sprintf("face_present_ratio=%.2f < 0.2", b.FacePresentRatio))
		hasReject = true
	}
	if b.AVDurationDeltaMS > rejectAVDeltaCeiling {
		reasons = append(reasons, fmt.Sprintf("av_duration_delta_ms=%d > 500", b.AVDurationDeltaMS))
		hasReject = true
	}

	if b.FlickerScore > flagFlickerCeiling {
		reasons = append(reasons, fmt.Sprintf("flicker_score=%.2f > 10", b.FlickerScore))
		hasFlag = true
	}
	if b.FreezeFrameRatio > flagFreezeCeiling {
		reasons = append(reasons, fmt.Sprintf("freeze_frame_ratio=%.2f > 0.3", b.FreezeFrameRatio))
		hasFlag = true
	}
	if b.BlurScore < flagBlurFloor {
		reasons = append(reasons, fmt.Sprintf("blur_score=%.2f < 20", b.BlurScore))
		hasFlag = true
	}
	if b.MouthAudioCorr < flagMouthCorrFloor {
		reasons = append(reasons, fmt.Sprintf("mouth_audio_corr=%.2f < -0.1", b.MouthAudioCorr))
		hasFlag = true
	}

	switch {
	case hasReject:
		return BadgeReject, reasons
	case hasFlag:
		return BadgeFlagged, reasons
	default:
		return BadgePass, reasons
	}
}
