// The worker drains the archive queue on an interval and does some work.
package worker

import (
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/tabdash/mailsync/services"
)

// DefaultInterval is how often a Poller ticks when the queue is quiet.
var DefaultInterval = 2 * time.Minute

func init() {
	rand.Seed(time.Now().UnixNano())
}

// A Processor works through one bounded batch of claimed queue items.
// Implementations may be shared between pollers and must be threadsafe.
type Processor interface {
	// ProcessBatch claims up to limit ready items, acts on each, and
	// records the outcomes. Success and failure for individual items are
	// recorded on the items themselves; the returned error covers only
	// claiming the batch.
	ProcessBatch(limit int) (*services.BatchResult, error)
}

// A Poller invokes its Processor on a jittered interval. Each tick is a
// bounded batch job; there is no long-running per-item state.
type Poller struct {
	// How long to wait between ticks when the previous tick did not drain a
	// full batch.
	Interval time.Duration

	// Batch bound passed to the Processor on each tick.
	Limit int

	QuitChan chan bool
	P        Processor

	receivedShutdownSignal bool
	mu                     sync.Mutex
	wg                     sync.WaitGroup
}

// NewPoller creates a Poller with the project defaults: a two minute tick
// and a batch bound of services.DefaultLimit.
func NewPoller(p Processor) *Poller {
	return &Poller{
		Interval: DefaultInterval,
		Limit:    services.DefaultLimit,
		QuitChan: make(chan bool, 1),
		P:        p,
	}
}

var pollerShutdown = errors.New("Cannot start because the poller is shutting down")

// Start begins ticking in a new goroutine.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.receivedShutdownSignal {
		return pollerShutdown
	}
	p.wg.Add(1)
	go p.run()
	return nil
}

// Shutdown stops the poller after any in-flight tick finishes.
func (p *Poller) Shutdown() error {
	p.mu.Lock()
	if p.receivedShutdownSignal {
		p.mu.Unlock()
		return nil
	}
	p.receivedShutdownSignal = true
	p.mu.Unlock()
	p.QuitChan <- true
	close(p.QuitChan)
	p.wg.Wait()
	return nil
}

// jitter returns a value that's around the given val, but not exactly it.
// The jitter is randomly chosen between 0.8 and 1.2 times the given value,
// evenly distributed.
func jitter(val float64) float64 {
	return val*0.8 + rand.Float64()*0.2*2*val
}

func (p *Poller) run() {
	defer p.wg.Done()
	// Jitter the first tick so restarted fleets don't stampede the queue.
	waitDuration := time.Duration(jitter(float64(p.Interval)))
	for {
		select {
		case <-p.QuitChan:
			log.Println("archive queue poller quitting")
			return

		case <-time.After(waitDuration):
			start := time.Now()
			result, err := p.P.ProcessBatch(p.Limit)
			go metrics.Time("poller.tick.latency", time.Since(start))
			if err != nil {
				log.Printf("worker: Error processing archive queue: %s", err)
				go metrics.Increment("poller.tick.error")
				waitDuration = time.Duration(jitter(float64(p.Interval)))
				continue
			}
			go metrics.Increment("poller.tick.success")
			if result.Claimed >= p.Limit {
				// A full batch means there is probably a backlog; tick again
				// right away instead of sleeping out the interval.
				waitDuration = time.Duration(0)
			} else {
				waitDuration = time.Duration(jitter(float64(p.Interval)))
			}
		}
	}
}
