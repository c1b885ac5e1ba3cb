// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package device implements the device registry.

A device is registered by an operator with a serial number and an enrollment
token. It starts out pending, becomes active when it gets its first certificate
and ends up revoked. The registry also keeps a ledger of every certificate
serial it ever handed out, which guarantees that serials are unique.

There are two implementations of the Store interface, one in memory and one
on postgres.
*/
package device
