package dom

import (
	"sync"
	"time"
)

// SystemLoop schedules callbacks with the runtime timers. Callbacks run on
// their own goroutines; the engine serializes them itself.
func SystemLoop() Loop {
	return systemLoop{}
}

type systemLoop struct{}

func (systemLoop) Now() time.Time {
	return time.Now()
}

func (systemLoop) AfterFunc(d time.Duration, f func()) Cancel {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

func (systemLoop) Every(d time.Duration, f func()) Cancel {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				f()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
