package downloader

import "time"

const (
	speedHistorySize  = 20   // Number of samples in ring buffer (wget uses 20)
	sampleMinDuration = 0.15 // Samples shorter than 150ms are merged into the next one
)

// SpeedHistory implements wget-style speed smoothing using a ring buffer
type SpeedHistory struct {
	samples    []speedSample
	pos        int
	size       int
	totalBytes int64
	totalTime  float64

	// bytes and time not yet long enough to form a sample
	pendingBytes int64
	pendingTime  float64
	last         time.Time
}

type speedSample struct {
	bytes int64
	time  float64
}

// NewSpeedHistory creates a new speed history tracker
func NewSpeedHistory() *SpeedHistory {
	return &SpeedHistory{
		samples: make([]speedSample, speedHistorySize),
	}
}

// AddSample adds a sample to the ring buffer. Samples shorter than the minimum
// duration are accumulated until they are long enough.
func (sh *SpeedHistory) AddSample(bytes int64, duration float64) {
	sh.pendingBytes += bytes
	sh.pendingTime += duration
	if sh.pendingTime < sampleMinDuration {
		return
	}

	if sh.size == speedHistorySize {
		old := sh.samples[sh.pos]
		sh.totalBytes -= old.bytes
		sh.totalTime -= old.time
	} else {
		sh.size++
	}

	sh.samples[sh.pos] = speedSample{bytes: sh.pendingBytes, time: sh.pendingTime}
	sh.totalBytes += sh.pendingBytes
	sh.totalTime += sh.pendingTime
	sh.pos = (sh.pos + 1) % speedHistorySize

	sh.pendingBytes = 0
	sh.pendingTime = 0
}

// Record adds the bytes received since the previous call to Record or Start
func (sh *SpeedHistory) Record(bytes int64, now time.Time) {
	if sh.last.IsZero() {
		sh.last = now
		return
	}
	sh.AddSample(bytes, now.Sub(sh.last).Seconds())
	sh.last = now
}

// Start marks the beginning of the measured period
func (sh *SpeedHistory) Start(now time.Time) {
	sh.last = now
}

// Speed returns the smoothed download speed in bytes per second
func (sh *SpeedHistory) Speed() float64 {
	totalBytes := sh.totalBytes + sh.pendingBytes
	totalTime := sh.totalTime + sh.pendingTime
	if totalTime <= 0 {
		return 0
	}
	return float64(totalBytes) / totalTime
}
