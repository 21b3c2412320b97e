// Package revwalk walks the commit graph in committer-time order,
// propagating uninteresting marks so the emitted set is exactly
// reachable-from-wants minus reachable-from-haves.
package revwalk

import (
	"container/heap"
	"errors"
	"fmt"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/object"
	"github.com/odvcencio/grit/pkg/odb"
	"github.com/odvcencio/grit/pkg/pack"
)

// Flags mark a commit's state during a walk. The low bits are reserved;
// UserBit0 and up are free for callers.
type Flags uint32

const (
	FlagSeen Flags = 1 << iota
	FlagUninteresting
	FlagBoundary
	FlagAdded
	UserBit0
)

// ObjectReader is the view of the object database a walk needs.
type ObjectReader interface {
	Object(id gitid.ID) (object.Type, []byte, error)
}

// Commit is one walked commit with its parsed metadata and flags.
type Commit struct {
	ID         gitid.ID
	Tree       gitid.ID
	Parents    []gitid.ID
	CommitTime int64
	// Generation is the commit's generation number when known, zero
	// otherwise. Higher generations win timestamp ties in the queue.
	Generation int
	Flags      Flags
}

// Walker enumerates commits. A Walker is single-use and not safe for
// concurrent use; the reader behind it may be shared.
type Walker struct {
	reader ObjectReader

	commits map[gitid.ID]*Commit
	queue   commitQueue
	// interesting counts queued commits without FlagUninteresting; the
	// walk ends when it reaches zero.
	interesting int

	shallow map[gitid.ID]bool

	// Boundary, when set before iteration, emits the first uninteresting
	// commit on each pruned edge with FlagBoundary.
	Boundary bool
}

// New returns a walker over the given reader.
func New(reader ObjectReader) *Walker {
	return &Walker{
		reader:  reader,
		commits: make(map[gitid.ID]*Commit),
		shallow: make(map[gitid.ID]bool),
	}
}

// load parses a commit once, caching its node. Tags are peeled.
func (w *Walker) load(id gitid.ID) (*Commit, error) {
	if c, ok := w.commits[id]; ok {
		return c, nil
	}
	t, payload, err := w.reader.Object(id)
	if err != nil {
		return nil, err
	}
	for t == object.TypeTag {
		tag, err := object.UnmarshalTag(payload)
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", id, err)
		}
		id = tag.Object
		if c, ok := w.commits[id]; ok {
			return c, nil
		}
		t, payload, err = w.reader.Object(id)
		if err != nil {
			return nil, err
		}
	}
	if t != object.TypeCommit {
		return nil, fmt.Errorf("walk %s: not a commit (%s)", id, t)
	}
	parsed, err := object.UnmarshalCommit(payload)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", id, err)
	}
	c := &Commit{
		ID:         id,
		Tree:       parsed.Tree,
		Parents:    parsed.Parents,
		CommitTime: parsed.Committer.When.Unix(),
	}
	if w.shallow[id] {
		c.Parents = nil
	}
	w.commits[id] = c
	return c, nil
}

// MarkShallow hides the parent links of id for this walk. Must be called
// before the commit is first loaded.
func (w *Walker) MarkShallow(id gitid.ID) {
	w.shallow[id] = true
	if c, ok := w.commits[id]; ok {
		c.Parents = nil
	}
}

// MarkStart queues a want tip. Unknown ids propagate the reader's error.
func (w *Walker) MarkStart(id gitid.ID) error {
	c, err := w.load(id)
	if err != nil {
		return err
	}
	w.push(c)
	return nil
}

// MarkUninteresting queues a have tip; everything reachable from it is
// suppressed from the walk output. Missing haves are ignored: the peer
// may reference objects this repository never had.
func (w *Walker) MarkUninteresting(id gitid.ID) error {
	c, err := w.load(id)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	w.markUninteresting(c)
	w.push(c)
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, odb.ErrNotFound) || errors.Is(err, pack.ErrNotFound)
}

func (w *Walker) markUninteresting(c *Commit) {
	if c.Flags&FlagUninteresting != 0 {
		return
	}
	c.Flags |= FlagUninteresting
	// An already-queued commit flips to uninteresting.
	for _, qc := range w.queue {
		if qc == c {
			w.interesting--
			break
		}
	}
}

func (w *Walker) push(c *Commit) {
	if c.Flags&FlagAdded != 0 {
		return
	}
	c.Flags |= FlagAdded
	heap.Push(&w.queue, c)
	if c.Flags&FlagUninteresting == 0 {
		w.interesting++
	}
}

// Next returns the next commit in committer-time order, or nil when the
// walk is complete: every pending commit is uninteresting, or the queue
// drained.
func (w *Walker) Next() (*Commit, error) {
	for w.interesting > 0 && w.queue.Len() > 0 {
		c := heap.Pop(&w.queue).(*Commit)

		if c.Flags&FlagUninteresting != 0 {
			// Sweep: poison ancestors before they can be emitted.
			if err := w.spreadUninteresting(c); err != nil {
				return nil, err
			}
			continue
		}
		w.interesting--

		c.Flags |= FlagSeen
		for _, pid := range c.Parents {
			p, err := w.load(pid)
			if err != nil {
				return nil, err
			}
			if w.Boundary && p.Flags&FlagUninteresting != 0 && p.Flags&FlagBoundary == 0 {
				p.Flags |= FlagBoundary
			}
			w.push(p)
		}
		return c, nil
	}

	// Drain remaining uninteresting entries so their ancestor marks are
	// complete for later reachability queries.
	for w.queue.Len() > 0 {
		c := heap.Pop(&w.queue).(*Commit)
		if c.Flags&FlagUninteresting != 0 {
			if err := w.spreadUninteresting(c); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func (w *Walker) spreadUninteresting(c *Commit) error {
	for _, pid := range c.Parents {
		p, err := w.load(pid)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return err
		}
		w.markUninteresting(p)
		w.push(p)
	}
	return nil
}

// Boundaries returns the commits marked as boundary during a completed
// walk: the uninteresting commits the emitted set was pruned at.
func (w *Walker) Boundaries() []*Commit {
	var out []*Commit
	for _, c := range w.commits {
		if c.Flags&FlagBoundary != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Lookup returns the cached node for id, if the walk loaded it.
func (w *Walker) Lookup(id gitid.ID) (*Commit, bool) {
	c, ok := w.commits[id]
	return c, ok
}

// commitQueue is a max-heap on committer time, breaking ties with the
// higher generation number.
type commitQueue []*Commit

func (q commitQueue) Len() int { return len(q) }

func (q commitQueue) Less(i, j int) bool {
	if q[i].CommitTime != q[j].CommitTime {
		return q[i].CommitTime > q[j].CommitTime
	}
	return q[i].Generation > q[j].Generation
}

func (q commitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *commitQueue) Push(x any) { *q = append(*q, x.(*Commit)) }

func (q *commitQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	*q = old[:n-1]
	return c
}
