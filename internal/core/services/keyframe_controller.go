package services

import (
	"sync/atomic"
	"time"

	"anonstream/pkg/config"
)

// KeyframeController decides when the encoder must emit a keyframe and
// adapts the interval between scheduled keyframes to the error rate.
//
// Due is called from the encoding goroutine only. Force and Interval are
// safe to call from any goroutine.
type KeyframeController struct {
	min          time.Duration
	max          time.Duration
	increaseStep time.Duration
	decreaseStep time.Duration
	warmupFrames uint64

	interval       atomic.Int64
	forced         atomic.Bool
	last           time.Time
	errorsAtAdjust uint64
}

func NewKeyframeController(cfg config.KeyframeConfig) *KeyframeController {
	k := &KeyframeController{
		min:          cfg.Min,
		max:          cfg.Max,
		increaseStep: cfg.IncreaseStep,
		decreaseStep: cfg.DecreaseStep,
		warmupFrames: cfg.WarmupFrames,
	}
	k.interval.Store(int64(k.clamp(cfg.Initial)))
	return k
}

// Force makes the next Due call return true.
func (k *KeyframeController) Force() {
	k.forced.Store(true)
}

// Interval returns the current scheduled keyframe interval.
func (k *KeyframeController) Interval() time.Duration {
	return time.Duration(k.interval.Load())
}

// Due reports whether frame number frameNum, encoded at now, must be a
// keyframe. totalErrors is the cumulative error count of the pipeline.
//
// The first frame and forced requests are always due. A scheduled keyframe
// is due once the interval has elapsed; past the warm-up frame count it
// also widens the interval if errors occurred since the last adjustment and
// narrows it otherwise.
func (k *KeyframeController) Due(now time.Time, frameNum, totalErrors uint64) bool {
	if k.forced.Swap(false) || k.last.IsZero() {
		k.last = now
		return true
	}

	interval := k.Interval()
	if now.Sub(k.last) <= interval {
		return false
	}

	if frameNum > k.warmupFrames {
		if totalErrors > k.errorsAtAdjust {
			interval += k.increaseStep
		} else {
			interval -= k.decreaseStep
		}
		k.interval.Store(int64(k.clamp(interval)))
		k.errorsAtAdjust = totalErrors
	}
	k.last = now
	return true
}

func (k *KeyframeController) clamp(d time.Duration) time.Duration {
	if d < k.min {
		return k.min
	}
	if d > k.max {
		return k.max
	}
	return d
}
