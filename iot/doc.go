// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device identity functionality of the fleet

It contains a RESTful api which provisions, renews and revokes device certificates, and
a MQTT broker which only admits devices with a current certificate.

The RESTful api itself can be used with different MQTT brokers. It only needs a message
publisher interface to tell devices about their revocation. The broker does satisfy this
interface, hence broker and api work together well.

All device topics live below

	fleet/{serial}/
*/
package iot
