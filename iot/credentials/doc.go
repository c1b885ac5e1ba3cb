// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package credentials implements the REST interface through which devices obtain and renew
their X.509 client certificates, and through which operators manage the device registry.

The API provides the following REST routes:

	POST   /ca/provision                    {"serial", "token", "csr"}
	POST   /ca/renew                        {"serial", "csr"}
	POST   /ca/revoke                       {"serial", "reason"}           admin
	GET    /ca/crl
	POST   /ca/crl                                                         admin
	GET    /ca/certificate
	POST   /ca/reload                                                      admin
	GET    /devices                                                        admin
	POST   /devices                         {"serial_number", "token", "parking_id"}  admin
	GET    /devices/{serial}                                               admin
	PUT    /devices/{serial}                {"token", "parking_id"}        admin
	DELETE /devices/{serial}                                               admin
	GET    /devices/{serial}/certificates                                  admin
	GET    /health

Provisioning

A device which is registered but not yet provisioned authenticates with its pre-shared
enrollment token and sends a certificate signing request. On success the device becomes
active and receives a certificate with its serial number as common name:

	{"certificate": "-----BEGIN CERTIFICATE-----\n..."}

A device can be provisioned only once. The checks run in this order, the first failure
decides the response:

	404 Not Found     {"error": "not_found"}     the serial is not registered
	401 Unauthorized  {"error": "unauthorized"}  the token does not match
	403 Forbidden     {"error": "forbidden"}     the device is not pending any longer
	400 Bad Request   {"error": "invalid_csr"}   the signing request is unusable

Note that a wrong token is 401 and not 403. Clients which used to treat 403 as
"unauthorized or already provisioned" must handle both: after 401 the device is still
provisionable with the right token, after 403 it never is.

Renewal

An active device renews by presenting its current certificate as TLS client certificate.
Only the current certificate of the device is accepted; a certificate which was replaced
by a renewal cannot be used to renew again.

Revocation

Revocation requires one of the admin roles. The revocation list returned by GET /ca/crl
contains the device as soon as the revocation request has returned.
*/
package credentials
