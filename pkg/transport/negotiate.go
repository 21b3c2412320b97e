package transport

import (
	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/revwalk"
)

// Negotiation round sizing: rounds double from 32 up to 256 haves, and
// the client gives up and sends done after maxHaves total.
const (
	firstRoundHaves = 32
	maxRoundHaves   = 256
	maxHaves        = 4096
)

// negotiator yields local commit ids in commit-time order to offer as
// "have" lines.
type negotiator struct {
	walker *revwalk.Walker
	sent   int
	done   bool
}

// newNegotiator seeds a walker with the local ref tips. Tips that do not
// resolve to commits are skipped.
func newNegotiator(reader revwalk.ObjectReader, tips []gitid.ID) *negotiator {
	w := revwalk.New(reader)
	for _, tip := range tips {
		// Non-commit or corrupt tips simply contribute nothing.
		_ = w.MarkStart(tip)
	}
	return &negotiator{walker: w}
}

// nextRound returns the next batch of haves, growing the round size
// until the cap. An empty batch means the negotiator is exhausted.
func (n *negotiator) nextRound(round int) []gitid.ID {
	if n.done {
		return nil
	}
	size := firstRoundHaves << round
	if size > maxRoundHaves || size <= 0 {
		size = maxRoundHaves
	}
	if n.sent+size > maxHaves {
		size = maxHaves - n.sent
	}

	var batch []gitid.ID
	for len(batch) < size {
		c, err := n.walker.Next()
		if err != nil || c == nil {
			n.done = true
			break
		}
		batch = append(batch, c.ID)
	}
	n.sent += len(batch)
	if n.sent >= maxHaves {
		n.done = true
	}
	return batch
}

// exhausted reports whether the negotiator has no more haves to offer.
func (n *negotiator) exhausted() bool {
	return n.done
}
