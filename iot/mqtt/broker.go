// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/fleetca/core/apierr"
	"github.com/relabs-tech/fleetca/core/logger"
	"github.com/relabs-tech/fleetca/iot"
	"github.com/relabs-tech/fleetca/iot/ca"
	"github.com/relabs-tech/fleetca/iot/device"
)

// DefaultListenAddress is the default MQTT over TLS address
const DefaultListenAddress = ":8883"

// Broker is a MQTT broker for the fleet.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Store is the device registry. This is mandatory.
	Store device.Store
	// Authority is the certificate authority of the fleet. This is mandatory.
	Authority *ca.Authority
	// CertFile is the file path to the X.509 server certificate file. This is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 server private key file. This is mandatory.
	KeyFile string
	// ListenAddress defaults to DefaultListenAddress
	ListenAddress string
}

// admission is what the broker knows about an accepted connection
type admission struct {
	serialNumber string
	certSerial   string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln       net.Listener
	admittedMux sync.Mutex
	admitted    map[net.Conn]admission

	service gmqtt.Server

	store device.Store
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Store == nil {
		panic("Store is missing")
	}
	if bb.Authority == nil {
		panic("Authority is missing")
	}
	if len(bb.CertFile) == 0 {
		panic("cert file missing")
	}
	if len(bb.KeyFile) == 0 {
		panic("key file missing")
	}
	address := bb.ListenAddress
	if address == "" {
		address = DefaultListenAddress
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}

	authority := bb.Authority
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// the client CAs follow reloads of the certificate authority
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			m, err := authority.Material()
			if err != nil {
				return nil, err
			}
			return &tls.Config{
				MinVersion:   tls.VersionTLS12,
				Certificates: []tls.Certificate{crt},
				ClientCAs:    m.ClientCAs(),
				ClientAuth:   tls.RequireAndVerifyClientCert,
			}, nil
		},
	}
	tlsln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		panic(err)
	}
	logger.Default().Infoln("mqtt broker listens on", address)

	return &Broker{
		p: &plugin{
			tlsln:    tlsln,
			admitted: make(map[net.Conn]admission),
			store:    bb.Store,
		},
	}
}

// Run is blocking and runs the server until ctx is done
func (b *Broker) Run(ctx context.Context) {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt broker started")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	logger.Default().Infoln("mqtt broker stopped")
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	if b.p.service == nil {
		logger.Default().Warnf("mqtt broker not running, dropping message on %s", topic)
		return
	}
	logger.Default().Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Admit decides whether a device may connect with cert. The device must be active
// and cert must be its current certificate; certificates which were replaced by a
// renewal, or which belong to a revoked device, are refused.
func Admit(d *device.Device, cert *x509.Certificate) error {
	if d.Status != device.StatusActive {
		return apierr.New(apierr.KindForbidden, "device %s is %s", d.SerialNumber, d.Status)
	}
	if cert.Subject.CommonName != d.SerialNumber {
		return apierr.New(apierr.KindForbidden, "certificate is for %s, not %s", cert.Subject.CommonName, d.SerialNumber)
	}
	if device.FormatSerial(cert.SerialNumber) != d.CertSerial {
		return apierr.New(apierr.KindForbidden, "certificate %s is not the current certificate of %s",
			device.FormatSerial(cert.SerialNumber), d.SerialNumber)
	}
	return nil
}

// SubscribeAllowed returns true if the device may subscribe to topic
func SubscribeAllowed(serialNumber, topic string) bool {
	return strings.HasPrefix(topic, iot.DeviceTopicPrefix(serialNumber))
}

// PublishAllowed returns true if the device may publish to topic. Devices cannot
// publish their own revocation.
func PublishAllowed(serialNumber, topic string) bool {
	if !strings.HasPrefix(topic, iot.DeviceTopicPrefix(serialNumber)) {
		return false
	}
	if strings.ContainsAny(topic, "+#") {
		return false
	}
	return topic != iot.DeviceTopic(serialNumber, "revoked")
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	logger.Default().Debugln("load fleet broker plugin")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "fleet broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// takeAdmission returns and forgets the admission of conn
func (p *plugin) takeAdmission(conn net.Conn) (admission, bool) {
	p.admittedMux.Lock()
	defer p.admittedMux.Unlock()
	a, ok := p.admitted[conn]
	delete(p.admitted, conn)
	return a, ok
}

// OnAcceptWrapper admits clients with a current device certificate
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return false
		}
		if err := tlsConn.Handshake(); err != nil {
			logger.Default().WithError(err).Debugln("mqtt handshake failed")
			return false
		}
		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
			return false
		}
		cert := state.VerifiedChains[0][0]
		serialNumber := cert.Subject.CommonName

		d, err := p.store.Find(ctx, serialNumber)
		if err == nil {
			err = Admit(d, cert)
		}
		if err != nil {
			logger.Default().WithError(err).Infof("mqtt connection of %q refused", serialNumber)
			return false
		}

		p.admittedMux.Lock()
		p.admitted[conn] = admission{serialNumber: serialNumber, certSerial: d.CertSerial}
		p.admittedMux.Unlock()
		logger.Default().Debugln("mqtt accept", serialNumber)
		if !accept(ctx, conn) {
			p.takeAdmission(conn)
			return false
		}
		return true
	}
}

// OnCloseWrapper forgets the admission of clients which closed before CONNECT
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.takeAdmission(client.Connection())
		closed(ctx, client, err)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		a, ok := p.takeAdmission(client.Connection())
		clientID := client.OptionsReader().ClientID()
		if !ok || clientID != a.serialNumber {
			logger.Default().Infof("mqtt connect denied, %s not authorized", clientID)
			return packets.CodeNotAuthorized
		}
		logger.Default().Infof("mqtt connect %s with certificate %s", a.serialNumber, a.certSerial)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper drops messages outside the device's own topics
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		serialNumber := client.OptionsReader().ClientID()
		if !PublishAllowed(serialNumber, msg.Topic()) {
			logger.Default().Infof("mqtt publish of %s on %s denied", serialNumber, msg.Topic())
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		serialNumber := client.OptionsReader().ClientID()
		if !SubscribeAllowed(serialNumber, topic.Name) {
			logger.Default().Infof("mqtt subscription of %s to %s denied", serialNumber, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
