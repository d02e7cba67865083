// Package chatsync reconciles an asynchronous chat event stream with REST
// conversation snapshots.
//
// Ownership model:
//   - ConnectionManager owns the persistent websocket, its lifecycle state
//     and the reconnection policy; raw frames are published to an in-process
//     pub/sub and never decoded on the read loop.
//   - EventDispatcher consumes frames on a single goroutine and applies
//     idempotent, order-tolerant mutations to ChatSessionStore and
//     DatasetLifecycleStore.
//   - ConversationLoader merges REST snapshots into the stores on
//     conversation switch and reconnect without clobbering in-flight
//     streamed state.
//   - Notifier surfaces transient signals and the persistent transport
//     banner; rendering is the caller's concern.
//
// Recommended setup: build an Engine with NewEngine, Start it with a
// context that bounds the session, switch conversations through
// Engine.Loader(), and read state through Engine.Session(),
// Engine.Datasets() and Engine.Notifier().
package chatsync
