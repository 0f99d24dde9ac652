package pool

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

const queueLengthReportDuration = 15 * time.Second

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindcast",
		Name:      "work_queue_length",
		Help:      "Current length of the work queue.",
	})

	metricQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindcast",
		Name:      "work_queue_max",
		Help:      "Maximum number of items in the work queue.",
	})
)

// JobFunc is executed once per payload by a pool worker.
type JobFunc func(payload interface{}) error

type job struct {
	payload interface{}
	fn      JobFunc

	wg      *sync.WaitGroup
	stopped *atomic.Bool
	err     *atomic.Error
}

// Config holds worker pool sizing.
type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// RegisterFlagsAndApplyDefaults registers pool flags with the given prefix.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxWorkers, prefix+"max-workers", 4, "Number of pool workers.")
	f.IntVar(&cfg.QueueDepth, prefix+"queue-depth", 1000, "Depth of the pool work queue.")
}

// Pool fans payloads out to a fixed set of workers over a bounded queue.
type Pool struct {
	cfg  *Config
	size *atomic.Int32

	workQueue chan interface{}
	stopCh    chan struct{}
}

func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = defaultConfig()
	}

	q := make(chan interface{}, cfg.QueueDepth)
	p := &Pool{
		cfg:       cfg,
		workQueue: q,
		size:      atomic.NewInt32(0),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker(q)
	}

	p.reportQueueLength()

	metricQueueMax.Set(float64(cfg.QueueDepth))

	return p
}

// Workers returns the number of workers servicing the queue.
func (p *Pool) Workers() int {
	return p.cfg.MaxWorkers
}

// QueueDepth returns the maximum queue length.
func (p *Pool) QueueDepth() int {
	return p.cfg.QueueDepth
}

// RunJobs executes fn once per payload and blocks until every job has
// settled. The first error observed is returned.
func (p *Pool) RunJobs(payloads []interface{}, fn JobFunc) error {
	totalJobs := len(payloads)

	// sanity check before we even attempt to start adding jobs
	if int(p.size.Load())+totalJobs > p.cfg.QueueDepth {
		return fmt.Errorf("queue doesn't have room for %d jobs", len(payloads))
	}

	wg := &sync.WaitGroup{}
	stopped := atomic.NewBool(false)
	err := atomic.NewError(nil)

	wg.Add(totalJobs)
	// add each job one at a time.  even though we checked length above these might still fail
	for _, payload := range payloads {
		j := &job{
			fn:      fn,
			payload: payload,
			wg:      wg,
			stopped: stopped,
			err:     err,
		}

		select {
		case p.workQueue <- j:
			p.size.Inc()
		default:
			stopped.Store(true)
			return fmt.Errorf("failed to add a job due to queue being full")
		}
	}

	wg.Wait()
	return err.Load()
}

func (p *Pool) Shutdown() {
	close(p.workQueue)
	close(p.stopCh)
}

func (p *Pool) worker(j <-chan interface{}) {
	for raw := range j {
		p.size.Dec()

		switch typed := raw.(type) {
		case *job:
			if typed.stopped.Load() {
				typed.wg.Done()
				continue
			}

			if err := typed.fn(typed.payload); err != nil {
				typed.err.Store(err)
			}
			typed.wg.Done()
		case *stoppableJob:
			runStoppableJob(typed)
		default:
			panic("unexpected job type in work queue")
		}
	}
}

func (p *Pool) reportQueueLength() {
	ticker := time.NewTicker(queueLengthReportDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metricQueueLength.Set(float64(p.size.Load()))
			case <-p.stopCh:
				return
			}
		}
	}()
}

func defaultConfig() *Config {
	return &Config{
		MaxWorkers: 4,
		QueueDepth: 1000,
	}
}
