package wsconn

import "sync/atomic"

// WaterMark tracks the number of bytes queued for write on a WebSocket
// connection, standing in for gorilla/websocket's lack of a native
// high-water-mark API. Callers add bytes when a frame is handed to the
// writer goroutine and subtract them once the underlying Write returns.
//
// The low threshold is hysteresis on the warning, not a second trigger: a
// writer drops whenever usage is at or above the high mark, but logs only
// the first drop of an episode and stays quiet until usage drains to low or
// below, so one busy backend doesn't produce one log line per dropped
// datagram.
type WaterMark struct {
	queued atomic.Int64
	high   int64
	low    int64
	warned atomic.Bool
}

// NewWaterMark creates a WaterMark with the given high and low thresholds.
func NewWaterMark(high, low int64) *WaterMark {
	return &WaterMark{high: high, low: low}
}

// Add records n more queued bytes and returns the new total.
func (w *WaterMark) Add(n int) int64 {
	return w.queued.Add(int64(n))
}

// Sub records n fewer queued bytes (a write completed) and returns the new
// total, clearing the warned state once usage has drained to or below the
// low threshold.
func (w *WaterMark) Sub(n int) int64 {
	v := w.queued.Add(-int64(n))
	if v <= w.low {
		w.warned.Store(false)
	}
	return v
}

// AboveHigh reports whether queued bytes are at or above the high
// threshold, meaning a writer should drop rather than buffer.
func (w *WaterMark) AboveHigh() bool {
	return w.queued.Load() >= w.high
}

// ShouldWarnOnce reports true the first time queued bytes reach the high
// threshold, then false on every subsequent call until usage drains to or
// below the low threshold, so a caller can log one warning per backpressure
// episode instead of one per dropped datagram.
func (w *WaterMark) ShouldWarnOnce() bool {
	if w.queued.Load() < w.high {
		return false
	}
	return !w.warned.Swap(true)
}
