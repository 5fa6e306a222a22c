// Package bootstrap creates client and server connections on top of an
// event loop group.
//
// The package focuses on:
//   - Binding every connection to exactly one loop of the group, selected
//     round robin, for the connection's whole lifetime
//   - Running blocking work (resolution, dial, accept, TLS handshake) off-loop
//     and delivering every outcome on the bound loop
//   - Keeping the group alive through reference counting while a bootstrap exists
//
// Key Components:
//
//   - ClientBootstrap: Resolves (lib/resolver), dials and optionally performs a
//     TLS handshake with a compiled tlsctx.Context. Release cancels all attempts
//     that have not delivered their callback yet.
//
//   - ServerBootstrap / Listener: Accepts connections and distributes them
//     over the loops of the group.
//
//   - Channel: An established connection. Writes are queued and performed in
//     order, received data and completions are delivered on the channel's loop.
//
//   - IConnector: Socket domain specific dial/listen/tuning (tcp, unix).
//
// Usage:
//
//	client, err := bootstrap.NewClientBootstrap(group)
//	if err != nil {
//		return err
//	}
//	defer client.Release()
//
//	err = client.Connect(bootstrap.ConnectRequest{Host: "example.com", Port: 443, TLS: tlsCtx},
//		func(ch *bootstrap.Channel, err error) {
//			// runs on ch.Loop()
//		})
package bootstrap
