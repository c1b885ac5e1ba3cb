// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"crypto"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"

	"github.com/relabs-tech/fleetca/core"
	"github.com/relabs-tech/fleetca/core/access"
	"github.com/relabs-tech/fleetca/core/csql"
	"github.com/relabs-tech/fleetca/core/kss"
	"github.com/relabs-tech/fleetca/core/logger"
	"github.com/relabs-tech/fleetca/core/middleware"
	"github.com/relabs-tech/fleetca/core/notifier"
	"github.com/relabs-tech/fleetca/core/registry"
	"github.com/relabs-tech/fleetca/iot/ca"
	"github.com/relabs-tech/fleetca/iot/credentials"
	"github.com/relabs-tech/fleetca/iot/crl"
	"github.com/relabs-tech/fleetca/iot/device"
	"github.com/relabs-tech/fleetca/iot/mqtt"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema           string `env:"SCHEMA,optional,default=fleetca" description:"the database schema"`
	LogLevel         string `env:"LOG_LEVEL,optional,default=info" description:"The level used for logger, can be debug, warning, info, error"`

	ListenAddress string `env:"LISTEN_ADDRESS,optional,default=:8443" description:"the address of the HTTPS api"`
	TLSCertFile   string `env:"TLS_CERT_FILE,optional" description:"server certificate of the api. Without it the api runs plain HTTP and devices cannot renew"`
	TLSKeyFile    string `env:"TLS_KEY_FILE,optional" description:"server key of the api"`

	CACertFile       string `env:"CA_CERT_FILE,required" description:"the PEM encoded certificate of the certificate authority"`
	CAKeyFile        string `env:"CA_KEY_FILE,required" description:"the PEM encoded private key of the certificate authority"`
	CRLFile          string `env:"CRL_FILE,optional,default=./data/ca.crl" description:"where the revocation list is persisted"`
	CertValidityDays int    `env:"CERT_VALIDITY_DAYS,optional,default=90" description:"validity of issued device certificates"`
	CRLValidityHours int    `env:"CRL_VALIDITY_HOURS,optional,default=24" description:"time until the next update of a revocation list"`

	JWTIssuer        string `env:"JWT_ISSUER,optional" description:"the accepted issuer of bearer tokens"`
	JWTPublicKeyURL  string `env:"JWT_PUBLIC_KEY_URL,optional" description:"download url for the issuer's public keys"`
	JWTPublicKeyFile string `env:"JWT_PUBLIC_KEY_FILE,optional" description:"PEM encoded public key of the issuer"`
	RoleClaim        string `env:"ROLE_CLAIM,optional" description:"comma separated token claims which carry roles"`
	AdminRoles       string `env:"ADMIN_ROLES,optional,default=admin;owner" description:"roles which may manage devices, separated by comma or semicolon"`

	OperatorUsername string `env:"OPERATOR_USERNAME,optional" description:"user name of the operator account (basic auth)"`
	OperatorPassword string `env:"OPERATOR_PASSWORD,optional" description:"password of the operator account"`

	CRLS3Bucket  string `env:"CRL_S3_BUCKET,optional" description:"S3 bucket which receives a copy of every revocation list"`
	CRLS3Region  string `env:"CRL_S3_REGION,optional" description:"region of the S3 bucket"`
	CRLS3Key     string `env:"CRL_S3_KEY,optional" description:"key prefix in the S3 bucket"`
	AWSAccessID  string `env:"AWS_ACCESS_ID,optional" description:"AWS access key id, if not the default credentials"`
	AWSAccessKey string `env:"AWS_ACCESS_KEY,optional" description:"AWS secret access key"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for lifecycle events"`
	KafkaTopic   string `env:"KAFKA_TOPIC,optional,default=fleetca.lifecycle" description:"kafka topic for lifecycle events"`

	MQTTListenAddress string `env:"MQTT_LISTEN_ADDRESS,optional" description:"address of the device MQTT broker; the broker is disabled without it"`
	MQTTCertFile      string `env:"MQTT_CERT_FILE,optional" description:"server certificate of the MQTT broker"`
	MQTTKeyFile       string `env:"MQTT_KEY_FILE,optional" description:"server key of the MQTT broker"`
}

// splitList splits a comma or semicolon separated list
func splitList(s string) []string {
	var list []string
	for _, item := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(service.LogLevel)
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authority, err := ca.LoadAuthority(service.CACertFile, service.CAKeyFile)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot load certificate authority")
	}

	db, err := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot open database")
	}
	defer db.Close()

	reg, err := registry.New(db)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create registry")
	}
	store, err := device.NewPostgresStore(db)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create device registry")
	}

	crlStorage, err := kss.New(ctx, kss.Configuration{
		DriverType:         kss.DriverTypeLocal,
		LocalConfiguration: &kss.LocalConfiguration{BasePath: filepath.Dir(service.CRLFile)},
	})
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create revocation list storage")
	}
	var crlPublish kss.Driver
	if service.CRLS3Bucket != "" {
		crlPublish, err = kss.New(ctx, kss.Configuration{
			DriverType: kss.DriverTypeAWSS3,
			S3Configuration: &kss.S3Configuration{
				AccessID:      service.AWSAccessID,
				AccessKey:     service.AWSAccessKey,
				AWSBucketName: service.CRLS3Bucket,
				AWSRegion:     service.CRLS3Region,
				KeyPrefix:     service.CRLS3Key,
			},
		})
		if err != nil {
			rlog.WithError(err).Fatalln("cannot create S3 publishing of the revocation list")
		}
	}
	builder := crl.NewBuilder(&crl.BuilderConfig{
		Store:     store,
		Authority: authority,
		Storage:   crlStorage,
		Publish:   crlPublish,
		Counter:   crl.RegistryCounter{Accessor: reg.Accessor("_crl_")},
		Key:       filepath.Base(service.CRLFile),
		Validity:  time.Duration(service.CRLValidityHours) * time.Hour,
	})

	var lifecycle core.Notifier = notifier.NewRecorder(100)
	if brokers := splitList(service.KafkaBrokers); len(brokers) > 0 {
		kafkaNotifier := notifier.NewKafka(&notifier.KafkaBuilder{
			Brokers: brokers,
			Topic:   service.KafkaTopic,
		})
		defer kafkaNotifier.Close()
		lifecycle = kafkaNotifier
	}

	var broker *mqtt.Broker
	if service.MQTTListenAddress != "" {
		broker = mqtt.NewBroker(&mqtt.Builder{
			Store:         store,
			Authority:     authority,
			CertFile:      service.MQTTCertFile,
			KeyFile:       service.MQTTKeyFile,
			ListenAddress: service.MQTTListenAddress,
		})
		go broker.Run(ctx)
	}

	credentialsConfig := &credentials.ServiceConfig{
		Store:     store,
		Authority: authority,
		CRL:       builder,
		Notifier:  lifecycle,
		Validity:  time.Duration(service.CertValidityDays) * 24 * time.Hour,
	}
	if broker != nil {
		credentialsConfig.Publisher = broker
	}
	lifecycleService := credentials.NewService(credentialsConfig)

	adminRoles := splitList(service.AdminRoles)
	if err = access.EnsureAccounts(ctx, db); err != nil {
		rlog.WithError(err).Fatalln("cannot create account table")
	}
	claimNames := access.DefaultRoleClaims
	if names := splitList(service.RoleClaim); len(names) > 0 {
		claimNames = names
	}
	resolver := access.ResolverChain{
		access.AccountResolver{DB: db},
		access.ClaimsResolver{ClaimNames: claimNames},
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)

	if service.JWTIssuer != "" {
		publicKeys := map[string]crypto.PublicKey{}
		if service.JWTPublicKeyFile != "" {
			data, err := os.ReadFile(service.JWTPublicKeyFile)
			if err != nil {
				rlog.WithError(err).Fatalln("cannot read token issuer key")
			}
			key, err := access.ParsePublicKeyPEM(data)
			if err != nil {
				rlog.WithError(err).Fatalln("cannot parse token issuer key")
			}
			publicKeys[""] = key
		}
		router.Use(access.NewJwtMiddelware(&access.JwtMiddlewareBuilder{
			PublicKeyDownloadURL: service.JWTPublicKeyURL,
			PublicKeys:           publicKeys,
			Issuer:               service.JWTIssuer,
			Registry:             reg,
			Resolver:             resolver,
		}))
	}
	if service.OperatorUsername != "" {
		router.Use(access.NewOperatorMiddleware(&access.OperatorMiddlewareBuilder{
			Username:     service.OperatorUsername,
			Password:     service.OperatorPassword,
			Resolver:     access.AccountResolver{DB: db},
			DefaultRoles: adminRoles,
		}))
	}

	credentials.NewAPI(&credentials.Builder{
		Service:     lifecycleService,
		Router:      router,
		AdminRoles:  adminRoles,
		HealthCheck: db.PingContext,
	})
	access.HandleAuthorizationRoute(router)

	server := &http.Server{
		Addr:              service.ListenAddress,
		Handler:           middleware.Wrap(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if service.TLSCertFile != "" {
		crt, certErr := tls.LoadX509KeyPair(service.TLSCertFile, service.TLSKeyFile)
		if certErr != nil {
			rlog.WithError(certErr).Fatalln("cannot load server certificate")
		}
		server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{crt},
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
					ClientAuth:   tls.VerifyClientCertIfGiven,
				}, nil
			},
		}
		rlog.Infoln("listen with TLS on", service.ListenAddress)
		err = server.ListenAndServeTLS("", "")
	} else {
		rlog.Warnln("no TLS certificate configured, device renewal is not possible")
		rlog.Infoln("listen on", service.ListenAddress)
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		rlog.WithError(err).Fatalln("server failed")
	}
	rlog.Infoln("stopped")
}
