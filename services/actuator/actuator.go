package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/actuation/actuation/dispatch"
	"github.com/relabs-tech/actuation/actuation/executor"
	"github.com/relabs-tech/actuation/core/csql"
	"github.com/relabs-tech/actuation/core/eventlog"
	"github.com/relabs-tech/actuation/core/events"
	"github.com/relabs-tech/actuation/core/logger"
	"github.com/relabs-tech/actuation/core/mail"
	"github.com/relabs-tech/actuation/iot/connector"
	"github.com/relabs-tech/actuation/iot/mqtt"
	"github.com/relabs-tech/actuation/iot/sessions"
)

// Service holds the configuration for this service. Lists are separated by
// semicolons.
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	LogLevel   string `env:"LOG_LEVEL,default=info" description:"the log level"`
	HTTPListen string `env:"HTTP_LISTEN,default=:3000" description:"listen address of the health route"`

	MQTTHost         string        `env:"MQTT_HOST" description:"the pub/sub broker host, pub/sub and session delivery are disabled without"`
	MQTTPort         int           `env:"MQTT_PORT,default=1883" description:"the pub/sub broker port"`
	MQTTUsername     string        `env:"MQTT_USERNAME" description:"username for all brokers"`
	MQTTPassword     string        `env:"MQTT_PASSWORD" description:"password for all brokers"`
	MQTTKeepAlive    time.Duration `env:"MQTT_KEEPALIVE,default=30s" description:"MQTT keepalive"`
	MQTTMaxRetries   int           `env:"MQTT_MAX_RETRIES,default=10" description:"connection polls before a connect attempt fails"`
	MQTTPollInterval time.Duration `env:"MQTT_POLL_INTERVAL,default=1500ms" description:"interval between connection polls"`
	MQTTQoS          int           `env:"MQTT_QOS,default=1" description:"quality of service for publish and subscribe"`
	MQTTRetain       bool          `env:"MQTT_RETAIN,default=false" description:"retained flag for publish"`
	MQTTSessionPort  int           `env:"MQTT_SESSION_PORT,default=1883" description:"broker port for session endpoints without port"`

	KafkaBrokers           []string      `env:"KAFKA_BROKERS" description:"the durable log brokers, durable log delivery is disabled without"`
	KafkaActuationTopic    string        `env:"KAFKA_ACTUATION_TOPIC,default=actuations" description:"the topic of actuations"`
	KafkaPartitions        int           `env:"KAFKA_PARTITIONS,default=1" description:"partitions of the actuation topic"`
	KafkaReplicationFactor int           `env:"KAFKA_REPLICATION_FACTOR,default=1" description:"replication factor of the actuation topic"`
	KafkaRequestTimeout    time.Duration `env:"KAFKA_REQUEST_TIMEOUT,default=10s" description:"timeout of a single append"`
	KafkaRetries           int           `env:"KAFKA_RETRIES,default=3" description:"attempts of a single append"`

	Postgres         string `env:"POSTGRES" description:"the connection string for the session directory without password, sessions are kept in memory without"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=actuation" description:"schema of the session directory"`

	MailRecipients       []string `env:"MAIL_RECIPIENTS" description:"recipients of emails which do not name their own"`
	MailTemplate         string   `env:"MAIL_TEMPLATE,default=actuation" description:"default mail template"`
	MailQueueURL         string   `env:"MAIL_QUEUE_URL" description:"SQS queue of the mail service, email delivery is disabled without"`
	MailAttachmentBucket string   `env:"MAIL_ATTACHMENT_BUCKET" description:"S3 bucket for mail attachments"`
	AWSRegion            string   `env:"AWS_REGION,default=eu-central-1" description:"the AWS region"`
	AWSAccessKeyID       string   `env:"AWS_ACCESS_KEY_ID" description:"the AWS access key ID"`
	AWSSecretAccessKey   string   `env:"AWS_SECRET_ACCESS_KEY" description:"the AWS secret access key"`

	SessionBrokerListen  string `env:"SESSION_BROKER_LISTEN" description:"listen address of the embedded session broker, disabled without"`
	SessionBrokerAddress string `env:"SESSION_BROKER_ADDRESS" description:"endpoint under which devices of the embedded broker are reached"`
	SessionBrokerCACert  string `env:"SESSION_BROKER_CA_CERT" description:"CA certificate file for client certificates"`
	SessionBrokerCert    string `env:"SESSION_BROKER_CERT" description:"certificate file of the embedded broker"`
	SessionBrokerKey     string `env:"SESSION_BROKER_KEY" description:"key file of the embedded broker"`
}

// main composes the actuation service. Producers in the same process raise
// dispatch.EventOutgoingMessage on events.Default(), see dispatch.Send.
func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := executor.Dependencies{
		ActuationTopic: service.KafkaActuationTopic,
		MailTemplate:   service.MailTemplate,
		Recipients:     service.MailRecipients,
	}

	var producer *eventlog.Producer
	if len(service.KafkaBrokers) > 0 {
		producer = eventlog.New(&eventlog.Builder{
			Brokers:        service.KafkaBrokers,
			RequestTimeout: service.KafkaRequestTimeout,
			Retries:        service.KafkaRetries,
		})
		err = producer.EnsureTopic(ctx, service.KafkaActuationTopic, service.KafkaPartitions, service.KafkaReplicationFactor)
		if err != nil {
			rlog.WithError(err).Errorln("cannot ensure actuation topic")
		}
		deps.Log = producer
	}

	var directory interface {
		sessions.Directory
		sessions.Writer
	}
	var db *csql.DB
	if len(service.Postgres) > 0 {
		db = csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.PostgresSchema)
		directory = sessions.New(db)
	} else {
		directory = sessions.NewMemory()
	}

	var pubsub *connector.Connector
	var pool *connector.Pool
	if len(service.MQTTHost) > 0 {
		qos := byte(service.MQTTQoS)
		template := connector.Builder{
			Host:         service.MQTTHost,
			Port:         service.MQTTPort,
			Username:     service.MQTTUsername,
			Password:     service.MQTTPassword,
			KeepAlive:    service.MQTTKeepAlive,
			MaxRetries:   service.MQTTMaxRetries,
			PollInterval: service.MQTTPollInterval,
			QoS:          &qos,
			Retain:       service.MQTTRetain,
		}
		pubsub = connector.New(&template)
		deps.PubSub = pubsub

		template.Port = service.MQTTSessionPort
		pool = connector.NewPool(&template)
		deps.Sessions = directory
		deps.Pool = pool
	}

	if len(service.MailQueueURL) > 0 {
		sender, err := mail.NewSQSSender(ctx, mail.Configuration{
			QueueURL:         service.MailQueueURL,
			AttachmentBucket: service.MailAttachmentBucket,
			AWSRegion:        service.AWSRegion,
			AccessID:         service.AWSAccessKeyID,
			AccessKey:        service.AWSSecretAccessKey,
		})
		if err != nil {
			rlog.WithError(err).Errorln("cannot create mail sender")
		} else {
			deps.Mail = sender
		}
	}

	executors, err := executor.Build(ctx, deps)
	if errors.Is(err, executor.ErrNoExecutors) {
		rlog.Errorln("no executors available, every message is undeliverable")
	}
	dispatcher := dispatch.New(&dispatch.Builder{Directory: executors})
	dispatcher.Attach(events.Default())

	brokerDone := make(chan struct{})
	if len(service.SessionBrokerListen) > 0 {
		broker := mqtt.NewBroker(&mqtt.Builder{
			Sessions:   directory,
			Address:    service.SessionBrokerAddress,
			Listen:     service.SessionBrokerListen,
			CACertFile: service.SessionBrokerCACert,
			CertFile:   service.SessionBrokerCert,
			KeyFile:    service.SessionBrokerKey,
		})
		go func() {
			defer close(brokerDone)
			if err := broker.Run(ctx); err != nil {
				rlog.WithError(err).Errorln("session broker")
			}
		}()
	} else {
		close(brokerDone)
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	// a nil *connector.Connector must stay a nil interface
	var status connectorStatus
	if pubsub != nil {
		status = pubsub
	}
	handleHealth(router, dispatcher, status)
	srv := &http.Server{Addr: service.HTTPListen, Handler: router}
	go func() {
		rlog.Infoln("listen on", service.HTTPListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.WithError(err).Errorln("http server")
			stop()
		}
	}()

	<-ctx.Done()
	rlog.Infoln("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("http server shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("not all messages were dispatched")
	}
	<-brokerDone
	if pool != nil {
		pool.Close()
	}
	if pubsub != nil {
		pubsub.Close()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			rlog.WithError(err).Errorln("durable log close")
		}
	}
	if db != nil {
		db.Close()
	}
	rlog.Infoln("stopped")
}
