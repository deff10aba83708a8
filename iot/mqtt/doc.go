/*Package mqtt provides a MQTT broker which tracks device sessions

Devices connect with their device ID as MQTT client ID. When a device is
accepted, the broker records in the session directory that the device is
attached to this broker's advertised address; when the connection closes the
record is removed again, unless the device has meanwhile connected through
another broker.

Point-to-point delivery uses the directory to find the broker of a device and
publishes on the device channel

	{account_id}/{device_id}

Devices may only subscribe to their own channel. Clients whose ID starts with
the internal prefix (default "actuation-") are the actuation service's own
connectors; they are neither recorded nor restricted.

With certificate files configured the broker requires TLS client
certificates, and the certificate common name must match the client ID.
*/
package mqtt
