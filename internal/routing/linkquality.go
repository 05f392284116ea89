package routing

import "time"

// smoothingOld/smoothingNew are the exponential-smoothing weights spec.md §4.4
// assigns to RSSI/SNR updates: 75% history, 25% new sample.
const (
	smoothingOld = 0.75
	smoothingNew = 0.25
)

// LinkQuality is the per-directly-heard-neighbor signal and delivery
// history spec.md §3 describes. It is retained up to LinkQualityRetention
// after its LastUsed, independent of any route referencing the neighbor.
type LinkQuality struct {
	RSSI        float64 // smoothed, dBm
	SNR         float64 // smoothed, dB
	SuccessRate uint8   // 0-100
	FailureRate uint8   // 0-100
	LastUsed    time.Time
}

func newLinkQuality(rssi, snr float64, now time.Time) LinkQuality {
	return LinkQuality{RSSI: rssi, SNR: snr, LastUsed: now}
}

// update folds in one more reception's signal metrics.
func (lq *LinkQuality) update(rssi, snr float64, now time.Time) {
	lq.RSSI = smoothingOld*lq.RSSI + smoothingNew*rssi
	lq.SNR = smoothingOld*lq.SNR + smoothingNew*snr
	lq.LastUsed = now
}

func clampUint8Delta(v uint8, delta int) uint8 {
	n := int(v) + delta
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return uint8(n)
}

// recordSuccess bumps SuccessRate up (and FailureRate down) by the same
// step, both clamped to [0, 100] (spec.md §4.4).
func (lq *LinkQuality) recordSuccess(now time.Time) {
	lq.SuccessRate = clampUint8Delta(lq.SuccessRate, 10)
	lq.FailureRate = clampUint8Delta(lq.FailureRate, -10)
	lq.LastUsed = now
}

// recordFailure bumps FailureRate up (and SuccessRate down).
func (lq *LinkQuality) recordFailure(now time.Time) {
	lq.FailureRate = clampUint8Delta(lq.FailureRate, 10)
	lq.SuccessRate = clampUint8Delta(lq.SuccessRate, -10)
	lq.LastUsed = now
}

func clampFloatTo255(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// normalizeRSSI maps dBm into 0-255, per spec.md §4.4's example formula.
func normalizeRSSI(rssi float64) float64 {
	v := (rssi + 130) * 2
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return v
}

// normalizeSNR maps dB into 0-255, per spec.md §4.4's example formula.
func normalizeSNR(snr float64) float64 {
	v := (snr + 20) * 4
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return v
}

// quality combines link quality into the 0-255 route quality score.
// Weighted toward SNR and success rate, as spec.md §4.4 requires; every
// term is monotonically increasing in SNR and success_rate and
// monotonically decreasing in failure_rate, satisfying the formula's
// stated contract.
func (lq LinkQuality) quality() uint8 {
	rssiN := normalizeRSSI(lq.RSSI)
	snrN := normalizeSNR(lq.SNR)
	successN := float64(lq.SuccessRate) / 100 * 255
	failurePenalty := float64(lq.FailureRate) / 100 * 80

	raw := 0.2*rssiN + 0.4*snrN + 0.4*successN - failurePenalty
	return clampFloatTo255(raw)
}
