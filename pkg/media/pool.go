package media

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/leapcast/leap-server/pkg/logger"
)

// Pool holds the fixed set of media workers created at startup and hands them
// out strict round-robin. No load awareness, no runtime replacement.
type Pool struct {
	workers []Worker
	cursor  *atomic.Int32
}

// NewPool creates n workers via factory. Any failure tears down the workers
// already started and is returned to the caller, which is expected to treat
// it as fatal.
func NewPool(n int, factory WorkerFactory) (*Pool, error) {
	if n <= 0 {
		return nil, errors.New("worker count must be positive")
	}

	p := &Pool{
		// cursor starts at -1 so the first Next lands on worker 0
		cursor: atomic.NewInt32(-1),
	}
	for i := 0; i < n; i++ {
		w, err := factory(i)
		if err != nil {
			for _, started := range p.workers {
				_ = started.Close()
			}
			return nil, errors.Wrapf(err, "could not create media worker %d", i)
		}
		p.workers = append(p.workers, w)
	}

	logger.Infow("created media workers", "count", n)
	return p, nil
}

// Next returns the next worker in round-robin order.
func (p *Pool) Next() Worker {
	idx := p.cursor.Inc()
	return p.workers[int(uint32(idx))%len(p.workers)]
}

func (p *Pool) Size() int {
	return len(p.workers)
}

func (p *Pool) Close() {
	for _, w := range p.workers {
		_ = w.Close()
	}
}
