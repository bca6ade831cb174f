/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package artifact

import "sync"

// asyncPool is a bounded pool of workers draining a fixed-size job channel.
// A full channel drops the submission rather than blocking the caller,
// grounded on the teacher's stats.Trunner.workCh (stats/target_stats.go),
// generalized from statistics updates to any fire-and-forget bookkeeping
// write.
type asyncPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

func newAsyncPool(workers, queueSize int) *asyncPool {
	p := &asyncPool{jobs: make(chan func(), queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// submit enqueues job, dropping it if every worker is busy and the queue is
// full.
func (p *asyncPool) submit(job func()) {
	select {
	case p.jobs <- job:
	default:
	}
}

func (p *asyncPool) close() {
	close(p.jobs)
	p.wg.Wait()
}
