// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"context"
	"embed"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetca/core/access"
	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/logger"
	"github.com/relabs-tech/fleetca/core/schema"
	"github.com/relabs-tech/fleetca/iot/crl"
	"github.com/relabs-tech/fleetca/iot/device"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// the request schemas
const (
	schemaProvision    = "https://fleetca.relabs.tech/schemas/provision.json"
	schemaRenew        = "https://fleetca.relabs.tech/schemas/renew.json"
	schemaRevoke       = "https://fleetca.relabs.tech/schemas/revoke.json"
	schemaDeviceCreate = "https://fleetca.relabs.tech/schemas/device_create.json"
	schemaDeviceUpdate = "https://fleetca.relabs.tech/schemas/device_update.json"
)

const maxBodySize = 64 << 10

// API is the RESTful interface of the certificate authority
type API struct {
	service    *Service
	validator  *schema.Validator
	adminRoles []string
	health     func(ctx context.Context) error
}

// Builder is a builder helper for the API
type Builder struct {
	// Service implements the certificate lifecycle. This is mandatory.
	Service *Service
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// AdminRoles are the roles which may manage devices and revoke certificates. Any
	// of them is sufficient. Defaults to "admin".
	AdminRoles []string
	// HealthCheck reports whether the registry database is reachable. Optional.
	HealthCheck func(ctx context.Context) error
}

type provisionRequest struct {
	Serial string `json:"serial"`
	Token  string `json:"token"`
	CSR    string `json:"csr"`
}

type renewRequest struct {
	Serial string `json:"serial"`
	CSR    string `json:"csr"`
}

type revokeRequest struct {
	Serial string `json:"serial"`
	Reason string `json:"reason"`
}

type deviceCreateRequest struct {
	SerialNumber string  `json:"serial_number"`
	Token        string  `json:"token"`
	ParkingID    *string `json:"parking_id"`
}

type deviceUpdateRequest struct {
	Token     *string `json:"token"`
	ParkingID *string `json:"parking_id"`
}

type certificateResponse struct {
	Certificate string `json:"certificate"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type healthResponse struct {
	Status   string `json:"status"`
	CA       bool   `json:"ca"`
	Database bool   `json:"database"`
}

// NewAPI realizes the certificate authority API. It adds the routes to the router and
// installs the device certificate middleware.
func NewAPI(b *Builder) *API {
	if b.Service == nil {
		panic("Service is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	validator, err := schema.NewValidatorFromFS(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	adminRoles := b.AdminRoles
	if len(adminRoles) == 0 {
		adminRoles = []string{"admin"}
	}

	a := &API{
		service:    b.Service,
		validator:  validator,
		adminRoles: adminRoles,
		health:     b.HealthCheck,
	}
	b.Router.Use(NewDeviceCertificateMiddleware(b.Service.authority))
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	admin := access.RequireRoles(access.AnyOf, a.adminRoles...)
	adminFunc := func(f http.HandlerFunc) http.Handler {
		return admin(f)
	}

	logger.Default().Debugln("credentials")
	logger.Default().Debugln("  handle route: /ca/provision POST")
	logger.Default().Debugln("  handle route: /ca/renew POST")
	logger.Default().Debugln("  handle route: /ca/revoke POST")
	logger.Default().Debugln("  handle route: /ca/crl GET,POST")
	logger.Default().Debugln("  handle route: /ca/certificate GET")
	logger.Default().Debugln("  handle route: /ca/reload POST")
	logger.Default().Debugln("  handle route: /devices GET,POST")
	logger.Default().Debugln("  handle route: /devices/{serial} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /devices/{serial}/certificates GET")
	logger.Default().Debugln("  handle route: /health GET")

	router.HandleFunc("/ca/provision", a.provision).Methods(http.MethodPost)
	router.HandleFunc("/ca/renew", a.renew).Methods(http.MethodPost)
	router.Handle("/ca/revoke", adminFunc(a.revoke)).Methods(http.MethodPost)
	router.HandleFunc("/ca/crl", a.getCRL).Methods(http.MethodGet)
	router.Handle("/ca/crl", adminFunc(a.rebuildCRL)).Methods(http.MethodPost)
	router.HandleFunc("/ca/certificate", a.getCertificate).Methods(http.MethodGet)
	router.Handle("/ca/reload", adminFunc(a.reload)).Methods(http.MethodPost)

	router.Handle("/devices", adminFunc(a.listDevices)).Methods(http.MethodGet)
	router.Handle("/devices", adminFunc(a.createDevice)).Methods(http.MethodPost)
	router.Handle("/devices/{serial}", adminFunc(a.getDevice)).Methods(http.MethodGet)
	router.Handle("/devices/{serial}", adminFunc(a.updateDevice)).Methods(http.MethodPut)
	router.Handle("/devices/{serial}", adminFunc(a.deleteDevice)).Methods(http.MethodDelete)
	router.Handle("/devices/{serial}/certificates", adminFunc(a.listCertificates)).Methods(http.MethodGet)

	router.HandleFunc("/health", a.getHealth).Methods(http.MethodGet)
}

// decode reads the request body, validates it against schemaID and unmarshals it into out.
// On failure the error response is written and false is returned.
func (a *API) decode(w http.ResponseWriter, r *http.Request, schemaID string, out interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		apierr.Write(w, r, apierr.Wrap(apierr.KindBadRequest, err, "cannot read request body"))
		return false
	}
	err = a.validator.Decode(body, schemaID, out)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			apierr.Write(w, r, apierr.New(apierr.KindBadRequest, "Missing fields or invalid request: %s", strings.Join(verr.Details, "; ")))
		} else {
			apierr.Write(w, r, apierr.Wrap(apierr.KindBadRequest, err, "invalid request body"))
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	jsonData, _ := json.MarshalIndent(v, "", "  ")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writePEM(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *API) provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !a.decode(w, r, schemaProvision, &req) {
		return
	}
	issued, _, err := a.service.Provision(r.Context(), req.Serial, req.Token, req.CSR)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse{Certificate: string(issued.PEM)})
}

func (a *API) renew(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil || auth.Source != access.SourceDeviceTLS {
		apierr.Write(w, r, apierr.New(apierr.KindUnauthorized, "renewal requires the current device certificate"))
		return
	}
	var req renewRequest
	if !a.decode(w, r, schemaRenew, &req) {
		return
	}
	if auth.Identity != req.Serial {
		apierr.Write(w, r, apierr.New(apierr.KindForbidden, "certificate of %s cannot renew device %s", auth.Identity, req.Serial))
		return
	}
	certSerial, _ := auth.Property(PropertyCertSerial)
	issued, _, err := a.service.Renew(r.Context(), req.Serial, req.CSR, certSerial)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse{Certificate: string(issued.PEM)})
}

func (a *API) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !a.decode(w, r, schemaRevoke, &req) {
		return
	}
	reason, err := crl.ParseReason(req.Reason)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	if _, err = a.service.Revoke(r.Context(), req.Serial, reason); err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "revoked"})
}

func (a *API) getCRL(w http.ResponseWriter, r *http.Request) {
	crlPEM, err := a.service.crl.Get(r.Context())
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writePEM(w, crlPEM)
}

func (a *API) rebuildCRL(w http.ResponseWriter, r *http.Request) {
	crlPEM, err := a.service.crl.Rebuild(r.Context())
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writePEM(w, crlPEM)
}

func (a *API) getCertificate(w http.ResponseWriter, r *http.Request) {
	certPEM, err := a.service.authority.CertificatePEM()
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writePEM(w, certPEM)
}

func (a *API) reload(w http.ResponseWriter, r *http.Request) {
	if err := a.service.authority.Reload(); err != nil {
		apierr.Write(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("certificate authority reloaded")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.service.store.List(r.Context())
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceCreateRequest
	if !a.decode(w, r, schemaDeviceCreate, &req) {
		return
	}
	d, err := a.service.Register(r.Context(), device.Device{
		SerialNumber:    req.SerialNumber,
		EnrollmentToken: req.Token,
		ParkingID:       req.ParkingID,
	})
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := a.service.store.Find(r.Context(), mux.Vars(r)["serial"])
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) updateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceUpdateRequest
	if !a.decode(w, r, schemaDeviceUpdate, &req) {
		return
	}
	d, err := a.service.store.UpdateAttributes(r.Context(), mux.Vars(r)["serial"], device.Attributes{
		EnrollmentToken: req.Token,
		ParkingID:       req.ParkingID,
	})
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Delete(r.Context(), mux.Vars(r)["serial"]); err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}

func (a *API) listCertificates(w http.ResponseWriter, r *http.Request) {
	issuances, err := a.service.store.Issuances(r.Context(), mux.Vars(r)["serial"])
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issuances)
}

func (a *API) getHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "ok", CA: a.service.authority.Ready(), Database: true}
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 3302: registry database unavailable")
			response.Database = false
		}
	}
	status := http.StatusOK
	if !response.CA || !response.Database {
		response.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
