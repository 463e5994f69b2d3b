package utils

import (
	"sync"
	"time"
)

// AvgVal is a running average. With a window set, it becomes an
// exponential average over roughly the last window samples.
type AvgVal struct {
	v      float64
	count  int
	window int
	lock   sync.Mutex
}

func NewAvgVal(val float64) *AvgVal {
	return &AvgVal{
		v:     val,
		count: 1,
	}
}

func NewWindowedAvg(window int) *AvgVal {
	return &AvgVal{window: window}
}

func (a *AvgVal) Add(val float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	n := a.count
	if a.window > 0 && n >= a.window {
		n = a.window - 1
	}
	a.v = (float64(n)*a.v + val) / float64(n+1)
	a.count++
}

func (a *AvgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.v
}

func (a *AvgVal) Count() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.count
}

// AddDuration and Duration treat the average as nanoseconds.
func (a *AvgVal) AddDuration(d time.Duration) {
	a.Add(float64(d))
}

func (a *AvgVal) Duration() time.Duration {
	return time.Duration(a.Val())
}
