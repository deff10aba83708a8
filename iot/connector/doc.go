/*Package connector provides a persistent connection to an MQTT broker

A Connector owns exactly one broker connection. It connects lazily, on the
first Publish or Subscribe, and reconnects on demand after the connection
was lost. Connecting polls the connection status every PollInterval up to
MaxRetries times; after that the operation fails with ErrRetriesExhausted.

Inbound messages are parsed as JSON and handed to every handler whose
subscription matches the message topic, in the order the subscriptions were
made. Messages which are not valid JSON are logged and dropped.

A Pool keeps one Connector per broker endpoint, for point-to-point delivery
to the broker instance a device is currently attached to.
*/
package connector
