// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package mqtt provides the MQTT broker of the fleet

The broker only talks TLS and requires a client certificate issued by the fleet's
certificate authority. Chaining to the CA is not sufficient: a connection is admitted
only if the registry knows the device as active and the presented certificate is the
device's current one. Certificates replaced by a renewal or belonging to a revoked
device are refused, even though they are not expired.

The MQTT client ID must be the device serial number, the common name of the certificate.

Topics

A device may only use topics below its own namespace

	fleet/{serial}/

When a device is revoked, the certificate authority publishes to

	fleet/{serial}/revoked

Devices cannot publish to that topic themselves.
*/
package mqtt
