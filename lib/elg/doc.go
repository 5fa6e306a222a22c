// Package elg provides the event loop group: a fixed-size pool of independent,
// single-threaded event loops, each running on its own goroutine that is locked
// to a dedicated OS thread.
//
// The package focuses on:
//   - Deterministic construction: either all loops are running when New
//     returns, or none is (partially created loops are torn down first)
//   - Reference counted ownership shared by any number of bootstraps
//   - Blocking, deterministic destruction that drains queued tasks and joins
//     every loop goroutine before returning
//
// Key Components:
//
//   - EventLoopGroup: Owns the loops. Loop selection is not done here, it is
//     the responsibility of the bootstraps built on top of the group.
//
//   - Loop: One loop of a group. Tasks submitted with Submit run sequentially
//     on the loop goroutine, in submission order for a single producer.
//
//   - ILoopFactory/ILoopBackend: Injection point for the loop implementation.
//     The default factory uses github.com/joeycumines/go-eventloop; tests
//     substitute their own backends without touching process-global state.
//
// Usage:
//
//	group, err := elg.New(0, elg.WithName("clients"))
//	if err != nil {
//		return err
//	}
//	defer group.Close()
//
//	_ = group.Loop(0).Submit(func() {
//		fmt.Println("running on loop 0")
//	})
package elg
