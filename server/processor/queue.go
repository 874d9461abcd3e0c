package processor

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/san-kum/formcoach/server/models"
)

var errQueueStopped = errors.New("processing cancelled - queue shutting down")

// ProcessingQueue runs work items on a fixed set of shards. Every shard has
// its own buffered channel and a single worker, so items that share a key
// run in submission order and never overlap.
type ProcessingQueue struct {
	shards     []chan *QueueItem
	workerFunc func(*QueueItem)
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	mutex      sync.RWMutex
}

type QueueItem struct {
	Key        string
	Kind       string
	Run        func() (models.Result, error)
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	Result models.Result
	Error  error
}

func (item *QueueItem) reply(res *ProcessingResult) {
	if item.ResultChan == nil {
		return
	}
	select {
	case item.ResultChan <- res:
	default:
	}
}

// NewProcessingQueue starts workers shards holding up to queueSize items in
// total.
func NewProcessingQueue(queueSize, workers int, workerFunc func(*QueueItem)) *ProcessingQueue {
	if workers <= 0 {
		workers = 1
	}
	perShard := queueSize / workers
	if perShard <= 0 {
		perShard = 1
	}

	queue := &ProcessingQueue{
		shards:     make([]chan *QueueItem, workers),
		workerFunc: workerFunc,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}
	for i := range queue.shards {
		queue.shards[i] = make(chan *QueueItem, perShard)
		queue.wg.Add(1)
		go queue.worker(queue.shards[i])
	}
	return queue
}

func (pq *ProcessingQueue) worker(items chan *QueueItem) {
	defer pq.wg.Done()

	for {
		select {
		case item := <-items:
			if item != nil {
				pq.run(item)
			}
		case <-pq.shutdown:
			return
		}
	}
}

func (pq *ProcessingQueue) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			item.reply(&ProcessingResult{Error: fmt.Errorf("worker panic: %v", r)})
		}
	}()
	pq.workerFunc(item)
}

func (pq *ProcessingQueue) shardFor(key string) chan *QueueItem {
	h := fnv.New32a()
	h.Write([]byte(key))
	return pq.shards[h.Sum32()%uint32(len(pq.shards))]
}

// Enqueue adds item to the shard owning item.Key. It never blocks and
// reports false when the shard is full or the queue has stopped.
func (pq *ProcessingQueue) Enqueue(item *QueueItem) bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	if !pq.isRunning {
		return false
	}

	select {
	case pq.shardFor(item.Key) <- item:
		return true
	default:
		return false
	}
}

func (pq *ProcessingQueue) Size() int {
	n := 0
	for _, s := range pq.shards {
		n += len(s)
	}
	return n
}

func (pq *ProcessingQueue) Capacity() int {
	n := 0
	for _, s := range pq.shards {
		n += cap(s)
	}
	return n
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

func (pq *ProcessingQueue) Workers() int {
	return len(pq.shards)
}

// Shutdown stops the workers and fails every item still queued.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pq.drain()
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (pq *ProcessingQueue) drain() int {
	drained := 0
	for _, s := range pq.shards {
		for {
			select {
			case item := <-s:
				if item != nil {
					item.reply(&ProcessingResult{Error: errQueueStopped})
					drained++
				}
				continue
			default:
			}
			break
		}
	}
	return drained
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	size, capacity := pq.Size(), pq.Capacity()
	return QueueStats{
		CurrentSize:        size,
		MaxCapacity:        capacity,
		ActiveWorkers:      pq.Workers(),
		IsRunning:          pq.IsRunning(),
		UtilizationPercent: float64(size) / float64(capacity) * 100,
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
