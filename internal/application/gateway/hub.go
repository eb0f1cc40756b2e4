// Package gateway fans cache updates out to subscribed client connections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"tickerflow/internal/application/candles"
	"tickerflow/internal/domain"
)

var (
	ErrHubStopped    = errors.New("gateway hub stopped")
	ErrUnknownClient = errors.New("unknown client")
)

// Client is one downstream connection as seen by the hub.
type Client struct {
	ID     string
	outbox *Outbox
}

func (c *Client) Outbox() *Outbox {
	return c.outbox
}

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdSubscribe
	cmdUnsubscribe
	cmdUnregister
	cmdSnapshot
	cmdSnapshotAll
)

type command struct {
	kind     commandKind
	clientID string
	params   domain.SubscriptionParams
	reply    chan commandResult
}

type commandResult struct {
	client *Client
	err    error
}

type HubOptions struct {
	ClientBuffer int
	// AssetTypes maps exchange names to the asset type of their tickers.
	// Unlisted exchanges are crypto.
	AssetTypes map[string]domain.AssetType
}

type Stats struct {
	Clients    int   `json:"clients"`
	Channels   int   `json:"channels"`
	Events     int64 `json:"events"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	Evicted    int64 `json:"evicted"`
}

// Hub is the single sequencer of the gateway: registry changes and cache
// events are applied on the Run goroutine only.
type Hub struct {
	feed         domain.UpdateFeed
	cache        domain.CachePort
	clientBuffer int
	assetTypes   map[string]domain.AssetType
	logger       *slog.Logger

	cmds    chan command
	stopped chan struct{}

	// owned by Run
	registry   *Registry
	clients    map[string]*Client
	aggregator *candles.Aggregator

	clientCount  atomic.Int64
	channelCount atomic.Int64
	events       atomic.Int64
	dispatched   atomic.Int64
	dropped      atomic.Int64
	evicted      atomic.Int64
}

func NewHub(feed domain.UpdateFeed, cache domain.CachePort, opts HubOptions, logger *slog.Logger) *Hub {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 256
	}
	return &Hub{
		feed:         feed,
		cache:        cache,
		clientBuffer: opts.ClientBuffer,
		assetTypes:   opts.AssetTypes,
		logger:       logger.With("component", "gateway"),
		cmds:         make(chan command),
		stopped:      make(chan struct{}),
		registry:     NewRegistry(),
		clients:      make(map[string]*Client),
		aggregator:   candles.NewAggregator(),
	}
}

// Run processes commands and cache events until ctx is done. Every client
// outbox is closed on return.
func (h *Hub) Run(ctx context.Context) {
	events := h.feed.Updates(ctx)
	h.logger.Info("Gateway hub started")

	// Fail pending callers first, then release every connection's writer
	defer func() {
		close(h.stopped)
		for id, c := range h.clients {
			c.outbox.Close()
			delete(h.clients, id)
		}
		h.logger.Info("Gateway hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.cmds:
			// Registry changes are applied between events, never during one
			cmd.reply <- h.handle(cmd)
		case ev, ok := <-events:
			if !ok {
				h.logger.Warn("Update feed closed")
				return
			}
			h.events.Add(1)
			h.dispatch(ev)
		}
	}
}

func (h *Hub) send(ctx context.Context, cmd command) commandResult {
	cmd.reply = make(chan commandResult, 1)
	select {
	case h.cmds <- cmd:
	case <-h.stopped:
		return commandResult{err: ErrHubStopped}
	case <-ctx.Done():
		return commandResult{err: ctx.Err()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-h.stopped:
		return commandResult{err: ErrHubStopped}
	}
}

// Register creates a client with a fresh id and an empty subscription set.
func (h *Hub) Register(ctx context.Context) (*Client, error) {
	res := h.send(ctx, command{kind: cmdRegister})
	return res.client, res.err
}

// Subscribe normalizes and validates params before touching the registry.
func (h *Hub) Subscribe(ctx context.Context, clientID string, p domain.SubscriptionParams) error {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	return h.send(ctx, command{kind: cmdSubscribe, clientID: clientID, params: p}).err
}

func (h *Hub) Unsubscribe(ctx context.Context, clientID string, p domain.SubscriptionParams) error {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	return h.send(ctx, command{kind: cmdUnsubscribe, clientID: clientID, params: p}).err
}

// Unregister removes every membership of the client and closes its outbox.
func (h *Hub) Unregister(ctx context.Context, clientID string) error {
	return h.send(ctx, command{kind: cmdUnregister, clientID: clientID}).err
}

// RequestSnapshot queues one snapshot envelope with the cached tickers the
// client is subscribed to.
func (h *Hub) RequestSnapshot(ctx context.Context, clientID string) error {
	return h.send(ctx, command{kind: cmdSnapshot, clientID: clientID}).err
}

// RequestFullSnapshot queues one snapshot envelope with every cached ticker,
// whatever the client is subscribed to. It serves the cold start of a
// connection that has no memberships yet.
func (h *Hub) RequestFullSnapshot(ctx context.Context, clientID string) error {
	return h.send(ctx, command{kind: cmdSnapshotAll, clientID: clientID}).err
}

func (h *Hub) Stats() Stats {
	return Stats{
		Clients:    int(h.clientCount.Load()),
		Channels:   int(h.channelCount.Load()),
		Events:     h.events.Load(),
		Dispatched: h.dispatched.Load(),
		Dropped:    h.dropped.Load(),
		Evicted:    h.evicted.Load(),
	}
}

func (h *Hub) handle(cmd command) commandResult {
	defer h.updateGauges()

	if cmd.kind == cmdRegister {
		c := &Client{ID: uuid.NewString(), outbox: NewOutbox(h.clientBuffer)}
		h.clients[c.ID] = c
		h.logger.Info("Client registered", "client_id", c.ID)
		return commandResult{client: c}
	}

	c, ok := h.clients[cmd.clientID]
	if !ok {
		return commandResult{err: fmt.Errorf("%w: %s", ErrUnknownClient, cmd.clientID)}
	}

	switch cmd.kind {
	case cmdSubscribe:
		keys := h.registry.Subscribe(c.ID, cmd.params)
		h.logger.Debug("Client subscribed", "client_id", c.ID, "channels", keys, "symbols", cmd.params.Symbols)
	case cmdUnsubscribe:
		keys := h.registry.Unsubscribe(c.ID, cmd.params)
		h.aggregator.Retain(h.registry.AllTimeframes())
		h.logger.Debug("Client unsubscribed", "client_id", c.ID, "channels", keys)
	case cmdUnregister:
		h.drop(c, "unregistered")
	case cmdSnapshot:
		h.snapshot(c, false)
	case cmdSnapshotAll:
		h.snapshot(c, true)
	}
	return commandResult{}
}

func (h *Hub) drop(c *Client, reason string) {
	n := h.registry.RemoveClient(c.ID)
	delete(h.clients, c.ID)
	c.outbox.Close()
	h.aggregator.Retain(h.registry.AllTimeframes())
	h.logger.Info("Client removed", "client_id", c.ID, "reason", reason, "memberships", n)
}

func (h *Hub) updateGauges() {
	h.clientCount.Store(int64(len(h.clients)))
	h.channelCount.Store(int64(h.registry.Channels()))
}

func (h *Hub) assetTypeOf(exchange string) domain.AssetType {
	if at, ok := h.assetTypes[exchange]; ok {
		return at
	}
	return domain.AssetCrypto
}

func (h *Hub) decode(ev domain.CacheEvent) (domain.TickerSnapshot, bool) {
	if !strings.HasPrefix(ev.Key, domain.TickerKeyPrefix) {
		return domain.TickerSnapshot{}, false
	}
	var s domain.TickerSnapshot
	if err := json.Unmarshal(ev.Value, &s); err != nil {
		h.logger.Warn("Undecodable cache event", "key", ev.Key, "error", err)
		return domain.TickerSnapshot{}, false
	}
	return s, true
}

func (h *Hub) dispatch(ev domain.CacheEvent) {
	s, ok := h.decode(ev)
	if !ok {
		return
	}
	assetType := h.assetTypeOf(s.Exchange)
	symbol := s.Symbol()

	delta := domain.NewTickerDelta(assetType, s)
	tickerKey := ChannelKey{AssetType: assetType, DataType: domain.DataTicker}
	if ids := h.registry.Match(tickerKey, symbol); len(ids) > 0 {
		h.fanOut(ids, domain.DataUpdate{DataType: domain.DataTicker, Ticker: &delta})
	}

	tfs := h.registry.Timeframes(assetType)
	if len(tfs) == 0 {
		return
	}
	for _, cd := range h.aggregator.Apply(assetType, s, tfs) {
		key := ChannelKey{AssetType: assetType, DataType: domain.DataCandles, Timeframe: cd.Timeframe}
		if ids := h.registry.Match(key, symbol); len(ids) > 0 {
			cd := cd
			h.fanOut(ids, domain.DataUpdate{DataType: domain.DataCandles, Candle: &cd})
		}
	}
}

// fanOut encodes once and pushes to every client. A client whose outbox is
// closed is removed without affecting the others.
func (h *Hub) fanOut(ids []string, update domain.DataUpdate) {
	env, err := domain.NewEnvelope(domain.KindDataUpdate, update)
	if err != nil {
		h.logger.Error("Failed to encode update", "error", err)
		return
	}
	for _, id := range ids {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		evicted, err := c.outbox.Push(env)
		if err != nil {
			h.dropped.Add(1)
			h.logger.Warn("Dispatch failed", "client_id", id, "error", err)
			h.drop(c, "dispatch failure")
			h.updateGauges()
			continue
		}
		if evicted {
			h.evicted.Add(1)
		}
		h.dispatched.Add(1)
	}
}

// snapshot pushes the cached tickers to c, restricted to its ticker
// memberships unless all is set.
func (h *Hub) snapshot(c *Client, all bool) {
	ctx := context.Background()
	keys := h.cache.Keys(ctx, domain.TickerKeyPrefix+"*")
	sort.Strings(keys)

	payload := domain.SnapshotPayload{Tickers: []domain.TickerDelta{}}
	for _, key := range keys {
		raw, ok := h.cache.Get(ctx, key)
		if !ok {
			continue
		}
		s, ok := h.decode(domain.CacheEvent{Key: key, Value: raw})
		if !ok {
			continue
		}
		assetType := h.assetTypeOf(s.Exchange)
		k := ChannelKey{AssetType: assetType, DataType: domain.DataTicker}
		if all || h.registry.Matches(c.ID, k, s.Symbol()) {
			payload.Tickers = append(payload.Tickers, domain.NewTickerDelta(assetType, s))
		}
	}

	env, err := domain.NewEnvelope(domain.KindSnapshot, payload)
	if err != nil {
		h.logger.Error("Failed to encode snapshot", "error", err)
		return
	}
	if _, err := c.outbox.Push(env); err != nil {
		h.drop(c, "dispatch failure")
		return
	}
	h.logger.Debug("Snapshot sent", "client_id", c.ID, "tickers", len(payload.Tickers), "full", all)
}
