package swarm

import (
	"context"
	"log"
	"sort"

	"github.com/bobg/p2psync"
)

// Reliability scores are exponential moving averages of request outcomes,
// 1 for success and 0 for failure.
const (
	initialScore = 1.0
	scoreDecay   = 0.8
)

type peerState struct {
	addr      string
	peer      p2psync.Peer
	score     float64
	inFlight  int
	successes int
	failures  int
}

func (p *peerState) record(ok bool) {
	if ok {
		p.score += (1 - p.score) * (1 - scoreDecay)
		p.successes++
	} else {
		p.score *= scoreDecay
		p.failures++
	}
}

// pool is the set of candidate peers for one session.
// It is not safe for concurrent use;
// the owning session serializes access.
type pool struct {
	peers []*peerState
}

// newPool dials each of recs.
// Peers that cannot be dialed are left out.
func newPool(ctx context.Context, d p2psync.Dialer, recs []p2psync.PeerRecord) *pool {
	p := new(pool)
	for _, rec := range recs {
		peer, err := d.Dial(ctx, rec.Addr)
		if err != nil {
			log.Printf("ERROR dialing %s: %s", rec.Addr, err)
			continue
		}
		p.peers = append(p.peers, &peerState{addr: rec.Addr, peer: peer, score: initialScore})
	}
	return p
}

// pick chooses the best peer among those for which eligible returns true:
// the one with the fewest requests in flight,
// then the highest score.
// Among equals the earliest in the pool wins.
func (p *pool) pick(eligible func(*peerState) bool) *peerState {
	var best *peerState
	for _, ps := range p.peers {
		if !eligible(ps) {
			continue
		}
		if best == nil || ps.inFlight < best.inFlight || (ps.inFlight == best.inFlight && ps.score > best.score) {
			best = ps
		}
	}
	return best
}

// byScore produces the pool's peers in descending score order.
func (p *pool) byScore() []*peerState {
	result := make([]*peerState, len(p.peers))
	copy(result, p.peers)
	sort.SliceStable(result, func(i, j int) bool { return result[i].score > result[j].score })
	return result
}
