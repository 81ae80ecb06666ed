// Package botstreams provides the feature/event-dispatch runtime for a
// multi-tenant chat bot.
//
// # Philosophy: Opaque Features, Explicit Runtime
//
// BotStreams treats a chat-bot "feature" (moderation, games, leveling, AI
// replies) as an opaque installable unit: a name, a version, a declared
// dependency list, a dispatch priority, and a single callback that may or may
// not consume an event. Everything the runtime does - ordering, per-tenant
// gating, health accounting, cached persistent state - is explicit and feature
// agnostic.
//
// BotStreams MUST NOT contain:
//   - Chat-platform protocol logic (transports adapt the platform to events)
//   - Feature business logic (moderation rules, game rules, prompt building)
//   - Persistence encodings (storage is a keyed byte-blob map)
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         Plugin Manager              │  install / uninstall / reload
//	│   (validates, orders, publishes)    │  dependency-ordered lifecycle
//	└─────────────────────────────────────┘
//	           ↓ publishes into
//	┌─────────────────────────────────────┐
//	│       Feature Registry              │  descriptors, dependency graph,
//	│   (single source of feature truth)  │  resolved dispatch order, stats
//	└─────────────────────────────────────┘
//	           ↓ read by
//	┌─────────────────────────────────────┐
//	│         Dispatcher                  │  per-tenant FIFO lanes,
//	│  (ordered chain, first-consumer-    │  deadlines, outcome accounting
//	│   wins, toggle gating)              │
//	└─────────────────────────────────────┘
//	           ↓ state via
//	┌─────────────────────────────────────┐
//	│     State Cache → storage.Store     │  LRU+TTL write-through cache over
//	│  (memory, NATS KV, Redis, MySQL)    │  a pluggable keyed blob store
//	└─────────────────────────────────────┘
//
// Events enter through a transport source (a NATS subject or a websocket
// gateway), flow through the dispatcher's ordered feature chain, and stop at
// the first feature that consumes them. Per-feature call, consume, error and
// timeout counts plus an exponentially weighted latency average are exported
// through the metric registry.
//
// # Package Map
//
//   - feature: descriptors, registry, dependency resolution, stats
//   - dispatch: the event router and its per-tenant lanes
//   - manager: install/uninstall/reload orchestration
//   - toggle: per-tenant feature toggles
//   - statecache: bounded write-through blob cache
//   - storage: blob store interface and backends (natskv, redisstore, sqlstore)
//   - transport: event sources feeding the dispatcher
//   - config, metric, errors, pkg/retry: ambient infrastructure
package botstreams
