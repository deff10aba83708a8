// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package executor implements delivery of outgoing messages

There is one executor per transport without a downstream consumer:

  log       appends to the durable log, for ws, mqtt and auto
  pubsub    publishes on the device channel through the pub/sub connector
  session   publishes to the broker endpoint the device is attached to
  email     sends one email per recipient

The executors are created once at startup by Build() from a fixed registration
table. An executor whose dependencies are not configured is skipped. The
resulting Directory is read-only.

Usage:

	directory, err := executor.Build(ctx, executor.Dependencies{
		Log:            producer,
		ActuationTopic: "actuations",
		PubSub:         pubsubConnector,
	})
	if errors.Is(err, executor.ErrNoExecutors) {
		// every message is undeliverable
	}
	_, e, ok := directory.ForTransport(core.TransportMQTT)

*/
package executor
