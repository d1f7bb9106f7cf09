package walletpool

import (
	"fmt"

	"go.uber.org/zap"
)

// GroupManager composes several named Pools, each bound to one or more
// collection symbols, with a default group used when a collection names
// none (§4.2 "WalletGroupManager"). Collection-to-group binding must be
// unique; Bind rejects binding a collection to a second group.
type GroupManager struct {
	groups       map[string]*Pool
	defaultGroup string
	bindings     map[string]string // collection symbol -> group name
	log          *zap.SugaredLogger
}

// NewGroupManager builds a manager from named pools and a default group.
func NewGroupManager(groups map[string]*Pool, defaultGroup string, log *zap.SugaredLogger) (*GroupManager, error) {
	if _, ok := groups[defaultGroup]; defaultGroup != "" && !ok {
		return nil, fmt.Errorf("walletpool: default group %q not among configured groups", defaultGroup)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &GroupManager{
		groups:       groups,
		defaultGroup: defaultGroup,
		bindings:     make(map[string]string),
		log:          log.With("component", "walletgroupmanager"),
	}, nil
}

// Bind assigns collection to a named group. Returns an error if the
// collection is already bound to a different group, enforcing the spec's
// assumption that the binding is unique (§9 open question).
func (g *GroupManager) Bind(collection, group string) error {
	if existing, ok := g.bindings[collection]; ok && existing != group {
		return fmt.Errorf("walletpool: collection %q already bound to group %q, cannot also bind to %q", collection, existing, group)
	}
	if _, ok := g.groups[group]; !ok {
		return fmt.Errorf("walletpool: unknown wallet group %q", group)
	}
	g.bindings[collection] = group
	return nil
}

// PoolFor returns the pool bound to collection, falling back to the default
// group when no explicit binding exists.
func (g *GroupManager) PoolFor(collection string) *Pool {
	if name, ok := g.bindings[collection]; ok {
		return g.groups[name]
	}
	if g.defaultGroup != "" {
		return g.groups[g.defaultGroup]
	}
	return nil
}

// Capacity sums the capacity of every distinct group (a group shared by
// several collections is only counted once, since it represents one set of
// wallets with one shared rolling window per wallet).
func (g *GroupManager) Capacity() int {
	total := 0
	for _, p := range g.groups {
		total += p.Capacity()
	}
	return total
}

// OwnsAddress reports whether any group's pool owns addr.
func (g *GroupManager) OwnsAddress(addr string) bool {
	for _, p := range g.groups {
		if p.OwnsAddress(addr) {
			return true
		}
	}
	return false
}
