// Package inbox provides per-actor inboxes projected from a domain event
// stream, and the delivery side that agents long-poll.
//
// Domain events such as mentions, task assignments and handoffs are turned
// into inbox items by the projector. Items are stored once per
// (tenant, source event, recipient), so replaying the stream is harmless.
// Consumers read their items through a cursor-based long-poll and
// acknowledge them when handled.
//
// # Basic Usage
//
//	svc, err := inbox.NewService(
//	    inbox.WithStore(file.New("/var/lib/inbox/items.json")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect initializes indexes/schema
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	// Project domain events into inbox items
//	items, err := svc.ProjectEvents(ctx, events)
//
//	// Read and acknowledge
//	unread, err := svc.List(ctx, inbox.ListQuery{TenantID: "t1", ActorID: "kai", UnreadOnly: true})
//	res, err := svc.AckMany(ctx, inbox.AckManyRequest{TenantID: "t1", ActorID: "kai", UpToCursor: 42})
//
// # Delivery
//
// LocalUpstream adapts a Service to consumer.Upstream. Serve it over HTTP
// with package httpapi, or drive a consumer.Consumer against it directly:
//
//	up := inbox.NewLocalUpstream(svc, inbox.WithRoomResolver(resolver.NewStatic(aliases)))
//	c, err := consumer.New(up, consumer.Config{ActorID: "kai", TenantID: "t1", RoomID: "lobby"})
//
// # Storage Backends
//
// The store package defines the store of record. Implementations:
//   - File (store/file) - JSON snapshot on disk, or in-memory with an empty path
//   - PostgreSQL and SQLite (store/sqldb) - accepts *sqlx.DB
//   - MongoDB (store/mongo) - accepts *mongo.Client
//
// Unread counts from CountUnread are authoritative. The counter package keeps
// a fast side index (in-process or Redis) read through UnreadHint; it may
// drift and RebuildUnreadCounters recomputes it from the store.
//
// # Events
//
// Events use the github.com/rbaliyan/event/v3 library. Pass WithRedisClient
// or WithEventTransport to publish them:
//
//	svc, err := inbox.NewService(
//	    inbox.WithStore(store),
//	    inbox.WithRedisClient(redisClient),
//	)
//
// Events are registered during Connect() and exposed via Events():
//   - ItemsDelivered - when a projection inserts new items
//   - ItemsAcked - when items transition to acknowledged
package inbox
