// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetca/core/access"
	"github.com/relabs-tech/fleetca/core/logger"
	"github.com/relabs-tech/fleetca/iot/ca"
	"github.com/relabs-tech/fleetca/iot/device"
)

// DeviceRole is the role of requests authenticated with a device certificate
const DeviceRole = "device"

// PropertyCertSerial is the authorization property with the hex serial of the presented
// device certificate
const PropertyCertSerial = "cert_serial"

// NewDeviceCertificateMiddleware returns a middleware which authenticates devices by their
// TLS client certificate. The certificate must chain to the CA, be valid for client
// authentication and not be expired. The common name becomes the identity.
//
// Requests which are already authorized, or which carry no valid certificate, pass unchanged.
// Whether the certificate is still the current one of the device is up to the handlers.
func NewDeviceCertificateMiddleware(authority *ca.Authority) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if access.AuthorizationFromContext(r.Context()) != nil ||
				r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				h.ServeHTTP(w, r)
				return
			}
			cert := r.TLS.PeerCertificates[0]
			m, err := authority.Material()
			if err != nil {
				h.ServeHTTP(w, r)
				return
			}
			if err = m.VerifyClient(cert, time.Now()); err != nil {
				logger.FromContext(r.Context()).WithError(err).Infof("ignoring client certificate %q", cert.Subject.CommonName)
				h.ServeHTTP(w, r)
				return
			}
			if cert.Subject.CommonName == "" {
				h.ServeHTTP(w, r)
				return
			}
			auth := &access.Authorization{
				Identity:   cert.Subject.CommonName,
				Source:     access.SourceDeviceTLS,
				Roles:      []string{DeviceRole},
				Properties: map[string]string{PropertyCertSerial: device.FormatSerial(cert.SerialNumber)},
			}
			h.ServeHTTP(w, access.Authenticated(r, auth))
		})
	}
}
