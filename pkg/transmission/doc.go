// Package transmission defines the Transmission record, its lifecycle, and the Store
// implementations that persist it.
//
// # Overview
//
// A Transmission is one unit of queued work created from an inbound packet. Workers
// claim transmissions through time-bounded leases and move them to a terminal status
// once the pipeline has run. The Store is the only coordination point between
// workers: there is no other shared state.
//
// # Lifecycle
//
//	created --(LeaseNext)--> processing --(UpdateStatus)--> completed | failed
//
// A processing transmission whose lease has expired can be leased again by any worker,
// which increments its attempt count and changes the owner. Status never moves
// backwards and terminal statuses are final.
//
// # Leasing
//
// LeaseNext distinguishes three outcomes: a lease was granted, an eligible candidate
// was found but another worker claimed it first (contention), or nothing was eligible
// (empty). Callers should retry promptly on contention and back off on empty.
//
// # Implementations
//
//   - MemStore: in-process, for tests and single-binary development.
//   - Client: Redis, with the claim and idempotent create performed by Lua scripts.
//   - sqlstore.Store: SQLite, with the claim performed by a guarded UPDATE.
//
// All Redis keys are namespaced so several deployments can share one server:
//
//	relay:{namespace}:transmission:{id}
//	relay:{namespace}:queue
//
// # Usage Example
//
//	client, err := transmission.NewClient(&redis.Options{Addr: "localhost:6379"}, "prod")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	t, created, err := client.Create(ctx, pkt, transmission.ModeDecision{})
//	res, err := client.LeaseNext(ctx, transmission.LeaseRequest{
//		OwnerID:  "worker-1",
//		Duration: 30 * time.Second,
//	})
package transmission
