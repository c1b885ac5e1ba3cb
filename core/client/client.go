// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy access to the fleet certificate authority API

The client either talks directly to the mux router, without marshalling HTTP, or
to a remote server. The in-process variant is perfectly suited for unit tests, the
remote variant is what provisioning tools and devices use.

Errors returned by the server are reconstructed as *apierr.Error, so callers can
branch on apierr.KindOf(err) in both variants.
*/
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetca/core/access"
	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/iot/device"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context
	peer       *x509.Certificate

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
// WithTLS configures the transport for device renewals.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole("admin")
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Source: access.SourceBearer,
		Roles:  []string{role},
	}
	return c
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithClientCertificate returns a new client which presents cert as
// verified TLS peer certificate. Against the mux router the certificate is
// injected into the request, against a remote server it is used for the TLS
// handshake together with the optional server roots.
func (c Client) WithClientCertificate(cert tls.Certificate, roots *x509.CertPool) (Client, error) {
	leaf := cert.Leaf
	if leaf == nil && len(cert.Certificate) > 0 {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return c, fmt.Errorf("cannot parse client certificate: %w", err)
		}
	}
	if leaf == nil {
		return c, fmt.Errorf("client certificate is empty")
	}
	c.peer = leaf
	if c.router == nil {
		c.httpClient = &http.Client{
			Timeout: c.httpClient.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:   tls.VersionTLS12,
					Certificates: []tls.Certificate{cert},
					RootCAs:      roots,
				},
			},
		}
	}
	return c, nil
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context including the authorization, if any
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

type certificateResponse struct {
	Certificate string `json:"certificate"`
}

// Provision exchanges the enrollment token of a pending device and a PEM encoded
// certificate signing request for the first device certificate.
func (c Client) Provision(serialNumber, token, csrPEM string) ([]byte, error) {
	var res certificateResponse
	err := c.do(http.MethodPost, "/ca/provision", map[string]string{
		"serial": serialNumber,
		"token":  token,
		"csr":    csrPEM,
	}, &res)
	return []byte(res.Certificate), err
}

// Renew exchanges a certificate signing request for a fresh device certificate.
// The client must present the current device certificate, see WithClientCertificate().
func (c Client) Renew(serialNumber, csrPEM string) ([]byte, error) {
	var res certificateResponse
	err := c.do(http.MethodPost, "/ca/renew", map[string]string{
		"serial": serialNumber,
		"csr":    csrPEM,
	}, &res)
	return []byte(res.Certificate), err
}

// Revoke revokes the device. An empty reason is unspecified.
func (c Client) Revoke(serialNumber, reason string) error {
	return c.do(http.MethodPost, "/ca/revoke", map[string]string{
		"serial": serialNumber,
		"reason": reason,
	}, nil)
}

// CRL returns the PEM encoded certificate revocation list
func (c Client) CRL() ([]byte, error) {
	var raw []byte
	err := c.do(http.MethodGet, "/ca/crl", nil, &raw)
	return raw, err
}

// RebuildCRL forces a new certificate revocation list and returns it
func (c Client) RebuildCRL() ([]byte, error) {
	var raw []byte
	err := c.do(http.MethodPost, "/ca/crl", nil, &raw)
	return raw, err
}

// CACertificate returns the PEM encoded certificate of the authority
func (c Client) CACertificate() ([]byte, error) {
	var raw []byte
	err := c.do(http.MethodGet, "/ca/certificate", nil, &raw)
	return raw, err
}

// ReloadCA makes the server reload the key material of the authority
func (c Client) ReloadCA() error {
	return c.do(http.MethodPost, "/ca/reload", nil, nil)
}

// CreateDevice registers a new pending device
func (c Client) CreateDevice(serialNumber, token string, parkingID *string) (*device.Device, error) {
	body := struct {
		SerialNumber string  `json:"serial_number"`
		Token        string  `json:"token"`
		ParkingID    *string `json:"parking_id,omitempty"`
	}{serialNumber, token, parkingID}
	d := &device.Device{}
	if err := c.do(http.MethodPost, "/devices", body, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Devices lists all registered devices
func (c Client) Devices() ([]device.Device, error) {
	var devices []device.Device
	err := c.do(http.MethodGet, "/devices", nil, &devices)
	return devices, err
}

// Device returns the registered device
func (c Client) Device(serialNumber string) (*device.Device, error) {
	d := &device.Device{}
	if err := c.do(http.MethodGet, devicePath(serialNumber), nil, d); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDevice updates the mutable attributes of a device. Nil attributes are unchanged.
func (c Client) UpdateDevice(serialNumber string, token, parkingID *string) (*device.Device, error) {
	body := struct {
		Token     *string `json:"token,omitempty"`
		ParkingID *string `json:"parking_id,omitempty"`
	}{token, parkingID}
	d := &device.Device{}
	if err := c.do(http.MethodPut, devicePath(serialNumber), body, d); err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteDevice removes the device from the registry
func (c Client) DeleteDevice(serialNumber string) error {
	return c.do(http.MethodDelete, devicePath(serialNumber), nil, nil)
}

// Certificates returns the issuance ledger of the device
func (c Client) Certificates(serialNumber string) ([]device.Issuance, error) {
	var issuances []device.Issuance
	err := c.do(http.MethodGet, devicePath(serialNumber)+"/certificates", nil, &issuances)
	return issuances, err
}

func devicePath(serialNumber string) string {
	return "/devices/" + url.PathEscape(serialNumber)
}

// do sends the request. A result of type *[]byte receives the raw body,
// any other result is unmarshalled from JSON.
func (c Client) do(method, path string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		j, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s to %s: %w", method, path, err)
		}
		reader = bytes.NewBuffer(j)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}

	var status int
	var resBody []byte
	if c.router != nil {
		if c.peer != nil {
			r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{c.peer}}
		}
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		status = rec.Code
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Add("Authorization", "Bearer "+c.token)
		}
		res, err := c.httpClient.Do(r)
		if err != nil {
			return fmt.Errorf("%s to %s: %w", method, path, err)
		}
		defer res.Body.Close()
		status = res.StatusCode
		resBody, err = io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("%s to %s: %w", method, path, err)
		}
	}

	if status < 200 || status > 299 {
		return responseError(status, resBody)
	}
	if result == nil || len(resBody) == 0 {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

// responseError reconstructs the error the server reported
func responseError(status int, body []byte) error {
	var res apierr.Response
	if err := json.Unmarshal(body, &res); err == nil && res.Error != "" {
		return apierr.New(res.Error, "%s", res.Message)
	}
	kind := apierr.KindInternal
	switch status {
	case http.StatusBadRequest:
		kind = apierr.KindBadRequest
	case http.StatusUnauthorized:
		kind = apierr.KindUnauthorized
	case http.StatusForbidden:
		kind = apierr.KindForbidden
	case http.StatusNotFound:
		kind = apierr.KindNotFound
	case http.StatusConflict:
		kind = apierr.KindConflict
	}
	return apierr.New(kind, "server returned %d: %s", status, strings.TrimSpace(string(body)))
}
