package main

import (
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"go.uber.org/zap"
)

const (
	beepRate     = beep.SampleRate(44100)
	beepPitch    = 880.0
	beepDuration = 150 * time.Millisecond
	beepVolume   = 0.3
)

// beeper plays a short tone when something arrives. A machine without an
// audio device just stays quiet.
type beeper struct {
	enabled bool
	logger  *zap.Logger

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	playing bool
}

func newBeeper(enabled bool, logger *zap.Logger) *beeper {
	return &beeper{enabled: enabled, logger: logger}
}

func (b *beeper) notify() {
	if b == nil || !b.enabled {
		return
	}
	b.initOnce.Do(func() {
		b.initErr = speaker.Init(beepRate, beepRate.N(time.Second/10))
		if b.initErr != nil {
			b.logger.Warn("Sound disabled", zap.Error(b.initErr))
		}
	})
	if b.initErr != nil {
		return
	}

	// Don't stack tones when messages arrive in a burst.
	b.mu.Lock()
	if b.playing {
		b.mu.Unlock()
		return
	}
	b.playing = true
	b.mu.Unlock()

	speaker.Play(beep.Seq(tone(beepRate, beepPitch, beepDuration), beep.Callback(func() {
		b.mu.Lock()
		b.playing = false
		b.mu.Unlock()
	})))
}

// tone is a sine wave of the given pitch cut to d.
func tone(rate beep.SampleRate, pitch float64, d time.Duration) beep.Streamer {
	var pos int
	sine := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			v := beepVolume * math.Sin(2*math.Pi*pitch*float64(pos)/float64(rate))
			samples[i][0], samples[i][1] = v, v
			pos++
		}
		return len(samples), true
	})
	return beep.Take(rate.N(d), sine)
}
