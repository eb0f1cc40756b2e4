package gateway

import (
	"fmt"
	"sort"

	"tickerflow/internal/domain"
)

// ChannelKey is the routing unit of the registry. Timeframe is only set for
// candle channels.
type ChannelKey struct {
	AssetType domain.AssetType
	DataType  domain.DataType
	Timeframe domain.Timeframe
}

func (k ChannelKey) String() string {
	if k.Timeframe == "" {
		return fmt.Sprintf("%s:%s", k.AssetType, k.DataType)
	}
	return fmt.Sprintf("%s:%s:%s", k.AssetType, k.DataType, k.Timeframe)
}

// ChannelKeysFor expands normalized params into one key per data type.
func ChannelKeysFor(p domain.SubscriptionParams) []ChannelKey {
	keys := make([]ChannelKey, 0, len(p.DataTypes))
	for _, dt := range p.DataTypes {
		k := ChannelKey{AssetType: p.AssetType, DataType: dt}
		if dt == domain.DataCandles {
			k.Timeframe = p.Timeframe
		}
		keys = append(keys, k)
	}
	return keys
}

// membership is one client's interest in one channel. A nil symbol set
// matches every symbol.
type membership struct {
	symbols map[string]struct{}
}

func newMembership(symbols []string) membership {
	if len(symbols) == 0 {
		return membership{}
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return membership{symbols: set}
}

func (m membership) matches(symbol string) bool {
	if m.symbols == nil {
		return true
	}
	_, ok := m.symbols[symbol]
	return ok
}

// Registry maps channels to members and back. It has no locking and must be
// mutated from one goroutine.
type Registry struct {
	channels map[ChannelKey]map[string]membership
	byClient map[string]map[ChannelKey]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[ChannelKey]map[string]membership),
		byClient: make(map[string]map[ChannelKey]struct{}),
	}
}

// Subscribe replaces the client's membership of every channel in p. The
// latest call for a (client, channel) pair wins.
func (r *Registry) Subscribe(clientID string, p domain.SubscriptionParams) []ChannelKey {
	keys := ChannelKeysFor(p)
	m := newMembership(p.Symbols)
	for _, k := range keys {
		members, ok := r.channels[k]
		if !ok {
			members = make(map[string]membership)
			r.channels[k] = members
		}
		members[clientID] = m

		own, ok := r.byClient[clientID]
		if !ok {
			own = make(map[ChannelKey]struct{})
			r.byClient[clientID] = own
		}
		own[k] = struct{}{}
	}
	return keys
}

// Unsubscribe removes the client from every channel in p. Unknown pairs are
// ignored.
func (r *Registry) Unsubscribe(clientID string, p domain.SubscriptionParams) []ChannelKey {
	keys := ChannelKeysFor(p)
	for _, k := range keys {
		r.remove(clientID, k)
	}
	return keys
}

// RemoveClient drops every membership of the client.
func (r *Registry) RemoveClient(clientID string) int {
	own := r.byClient[clientID]
	n := len(own)
	for k := range own {
		r.remove(clientID, k)
	}
	delete(r.byClient, clientID)
	return n
}

func (r *Registry) remove(clientID string, k ChannelKey) {
	if members, ok := r.channels[k]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(r.channels, k)
		}
	}
	if own, ok := r.byClient[clientID]; ok {
		delete(own, k)
		if len(own) == 0 {
			delete(r.byClient, clientID)
		}
	}
}

// Match returns the clients of channel k interested in symbol, sorted.
func (r *Registry) Match(k ChannelKey, symbol string) []string {
	members := r.channels[k]
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id, m := range members {
		if m.matches(symbol) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Matches reports whether the client would receive symbol on channel k.
func (r *Registry) Matches(clientID string, k ChannelKey, symbol string) bool {
	m, ok := r.channels[k][clientID]
	return ok && m.matches(symbol)
}

func (r *Registry) IsMember(clientID string, k ChannelKey) bool {
	_, ok := r.channels[k][clientID]
	return ok
}

// Timeframes lists the candle timeframes of assetType with at least one
// member, in canonical order.
func (r *Registry) Timeframes(assetType domain.AssetType) []domain.Timeframe {
	var out []domain.Timeframe
	for _, tf := range domain.AllTimeframes {
		k := ChannelKey{AssetType: assetType, DataType: domain.DataCandles, Timeframe: tf}
		if len(r.channels[k]) > 0 {
			out = append(out, tf)
		}
	}
	return out
}

// AllTimeframes lists candle timeframes with members for any asset type.
func (r *Registry) AllTimeframes() []domain.Timeframe {
	seen := make(map[domain.Timeframe]struct{})
	for k := range r.channels {
		if k.DataType == domain.DataCandles {
			seen[k.Timeframe] = struct{}{}
		}
	}
	var out []domain.Timeframe
	for _, tf := range domain.AllTimeframes {
		if _, ok := seen[tf]; ok {
			out = append(out, tf)
		}
	}
	return out
}

func (r *Registry) Channels() int {
	return len(r.channels)
}

func (r *Registry) Clients() int {
	return len(r.byClient)
}
