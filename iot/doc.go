// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the broker-facing parts of the actuation service

The sub packages are:

	topic       matching of wildcard topic patterns
	connector   a persistent, reconnect-on-demand MQTT client connection, and a pool of them
	sessions    the session directory, mapping devices to broker endpoints
	mqtt        a MQTT broker which writes the session directory

*/
package iot
