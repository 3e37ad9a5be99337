package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/tsch-simulator/model"
)

var (
	ErrNoRoute   = errors.New("sim: no route to root")
	ErrRouteLoop = errors.New("sim: routing loop")
)

// Routing is a static routing oracle: every node has a fixed parent and
// routes to the root along the parent chain. A node becomes reachable
// RouteDelay after it joined, standing in for route convergence.
type Routing struct {
	root    model.Addr
	parents map[model.Addr]model.Addr
	delay   time.Duration
}

// NewRouting returns an oracle rooted at root.
func NewRouting(root model.Addr, delay time.Duration) *Routing {
	return &Routing{root: root, parents: make(map[model.Addr]model.Addr), delay: delay}
}

func (r *Routing) RootAddr() model.Addr { return r.root }

// RouteDelay is the time between joining and reachability.
func (r *Routing) RouteDelay() time.Duration { return r.delay }

// SetParent fixes the next hop of child. Parent chains must end at the root.
func (r *Routing) SetParent(child, parent model.Addr) error {
	if child == r.root {
		return fmt.Errorf("%w: root %s cannot have a parent", ErrRouteLoop, child)
	}
	if child == parent {
		return fmt.Errorf("%w: %s is its own parent", ErrRouteLoop, child)
	}
	prev, had := r.parents[child]
	r.parents[child] = parent
	if _, err := r.Path(child); errors.Is(err, ErrRouteLoop) {
		if had {
			r.parents[child] = prev
		} else {
			delete(r.parents, child)
		}
		return err
	}
	return nil
}

// Parent returns the next hop of a towards the root.
func (r *Routing) Parent(a model.Addr) (model.Addr, bool) {
	p, ok := r.parents[a]
	return p, ok
}

// Path returns the hops from a to the root, a first and the root last.
func (r *Routing) Path(a model.Addr) ([]model.Addr, error) {
	path := []model.Addr{a}
	seen := map[model.Addr]bool{a: true}
	for cur := a; cur != r.root; {
		next, ok := r.parents[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no parent", ErrNoRoute, cur)
		}
		if seen[next] {
			return nil, fmt.Errorf("%w: via %s", ErrRouteLoop, next)
		}
		seen[next] = true
		path = append(path, next)
		cur = next
	}
	return path, nil
}

// Attachment is what a route view needs from the node's link layer.
// *tsch.Engine implements it.
type Attachment interface {
	TimeSource() (model.Addr, bool)
	IsAssociated() bool
}

// View returns the routing state seen by node addr.
func (r *Routing) View(addr model.Addr, att Attachment, clock interface{ Now() time.Time }) *RouteView {
	return &RouteView{r: r, addr: addr, att: att, clock: clock}
}

// RouteView is one node's view of the routing oracle. It implements
// cellmgr.Network.
type RouteView struct {
	r      *Routing
	addr   model.Addr
	att    Attachment
	clock  interface{ Now() time.Time }
	joined time.Time
}

// Joined records the time the node associated.
func (v *RouteView) Joined(at time.Time) { v.joined = at }

// Left forgets the association.
func (v *RouteView) Left() { v.joined = time.Time{} }

func (v *RouteView) RootAddr() model.Addr { return v.r.root }

func (v *RouteView) TimeSource() (model.Addr, bool) { return v.att.TimeSource() }

// IsReachable reports whether the node has a route to the root: it is the
// root, or it is associated, has had RouteDelay to converge and a parent
// chain to the root exists.
func (v *RouteView) IsReachable() bool {
	if v.addr == v.r.root {
		return v.att.IsAssociated()
	}
	if !v.att.IsAssociated() || v.joined.IsZero() {
		return false
	}
	if v.clock.Now().Sub(v.joined) < v.r.delay {
		return false
	}
	_, err := v.r.Path(v.addr)
	return err == nil
}
