package pgcache

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/aejsmith/vireo/pkg/hostarch"
	"github.com/aejsmith/vireo/pkg/kernerr"
	"github.com/aejsmith/vireo/pkg/sentry/pgalloc"
)

// IOOp distinguishes a cache I/O request's direction.
type IOOp int

const (
	IORead IOOp = iota
	IOWrite
)

// IORequest is a scatter/gather-aware read or write against a cache,
// starting at Offset and filling/draining Bufs in order.
type IORequest struct {
	Op     IOOp
	Offset uint64
	Bufs   [][]byte
	Wirer  pgalloc.Wirer
}

func (r *IORequest) length() int {
	n := 0
	for _, b := range r.Bufs {
		n += len(b)
	}
	return n
}

// IO performs req against the cache, clamped to the cache's current size,
// touching one page at a time via Get/Release so no single lock is held
// across the whole transfer.
func (c *Cache) IO(req *IORequest) (int, error) {
	total := req.length()
	if total == 0 {
		return 0, nil
	}
	size := c.Size()
	if req.Offset >= size {
		return 0, kernerr.InvalidAddr
	}
	end := req.Offset + uint64(total)
	if end > size {
		end = size
	}

	done := 0
	offset := req.Offset
	bi, bo := 0, 0 // current buffer index/offset within Bufs

	for offset < end {
		pageOff := uint64(hostarch.PageRoundDown(hostarch.Addr(offset)))
		inPage := int(offset - pageOff)
		avail := hostarch.PageSize - inPage
		want := int(end - offset)
		if want > avail {
			want = avail
		}

		overwrite := req.Op == IOWrite && inPage == 0 && want == hostarch.PageSize
		p, err := c.Get(pageOff, overwrite, req.Wirer)
		if err != nil {
			return done, err
		}
		page := p.MapInternal()

		n := 0
		for n < want && bi < len(req.Bufs) {
			remaining := want - n
			seg := req.Bufs[bi][bo:]
			if len(seg) > remaining {
				seg = seg[:remaining]
			}
			switch req.Op {
			case IORead:
				copy(seg, page[inPage+n:])
			case IOWrite:
				copy(page[inPage+n:], seg)
			}
			n += len(seg)
			bo += len(seg)
			if bo >= len(req.Bufs[bi]) {
				bi++
				bo = 0
			}
		}

		c.Release(pageOff, req.Op == IOWrite)
		done += n
		offset += uint64(n)
		if n == 0 {
			break
		}
	}
	return done, nil
}

// Flush writes back every modified page whose backend supports
// write_page, running up to parallelism writes concurrently via an
// errgroup. A page can be modified while still held by another
// reference (dirtied by one holder while a second holder's Get is still
// outstanding), so flush selects on the modified flag itself rather
// than on queue membership, which only reflects pages nobody holds
// anymore; such a page is still written back and cleared, but only
// re-queued to cached once its refcount actually drops to zero.
func (c *Cache) Flush(ctx context.Context, parallelism int) error {
	if c.write == nil {
		return nil
	}
	c.mu.Lock()
	type dirty struct {
		offset uint64
		page   *pgalloc.Page
	}
	var toFlush []dirty
	for offset, p := range c.pages {
		if p.Modified() {
			toFlush = append(toFlush, dirty{offset, p})
		}
	}
	c.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for _, d := range toFlush {
		d := d
		g.Go(func() error {
			if ctx.Err() != nil || c.Deleted() {
				return ctx.Err()
			}
			if err := c.write(d.offset, d.page.MapInternal()); err != nil {
				return err
			}
			c.mu.Lock()
			d.page.SetModified(false)
			if d.page.RefCount() == 0 {
				d.page.SetQueue(pgalloc.QueueCached)
			}
			c.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
