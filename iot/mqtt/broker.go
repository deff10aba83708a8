package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/actuation/core/logger"
	"github.com/relabs-tech/actuation/iot/sessions"
	"github.com/relabs-tech/actuation/iot/topic"
)

// Broker is a MQTT broker which records device sessions
type Broker struct {
	p  *plugin
	ln net.Listener
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Sessions receives the device sessions. This is mandatory.
	Sessions sessions.Writer
	// Address is the endpoint under which point-to-point delivery reaches
	// this broker, for example "broker-1:1883". This is mandatory.
	Address string
	// Listen is the listen address, default ":1883"
	Listen string
	// InternalClientPrefix marks clients which are not devices, for example
	// the connectors of the actuation service. Default "actuation-"
	InternalClientPrefix string
	// CACertFile, CertFile and KeyFile enable TLS with client certificates.
	// The certificate common name must then match the MQTT client ID.
	CACertFile string
	CertFile   string
	KeyFile    string
}

// plugin is the plugin for GMQTT
type plugin struct {
	sessions       sessions.Writer
	address        string
	internalPrefix string

	commonNamesRwmux sync.RWMutex
	commonNames      map[net.Conn]string
	tls              bool

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not actually run until you
// call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Sessions == nil {
		panic("sessions missing")
	}
	if len(bb.Address) == 0 {
		panic("address missing")
	}
	listen := bb.Listen
	if listen == "" {
		listen = ":1883"
	}
	internalPrefix := bb.InternalClientPrefix
	if internalPrefix == "" {
		internalPrefix = "actuation-"
	}

	p := &plugin{
		sessions:       bb.Sessions,
		address:        bb.Address,
		internalPrefix: internalPrefix,
		commonNames:    make(map[net.Conn]string),
	}

	var ln net.Listener
	var err error
	if len(bb.CertFile) > 0 {
		tlsConfig, err := loadTLSConfig(bb.CACertFile, bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		ln, err = tls.Listen("tcp", listen, tlsConfig)
		if err != nil {
			panic(err)
		}
		p.tls = true
	} else {
		ln, err = net.Listen("tcp", listen)
		if err != nil {
			panic(err)
		}
	}

	return &Broker{p: p, ln: ln}
}

func loadTLSConfig(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	if len(caCertFile) == 0 || len(keyFile) == 0 {
		return nil, fmt.Errorf("ca-cert and key file required with cert file")
	}
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caCert, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates in %s", caCertFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// Run runs the server until ctx is done, then stops it gracefully
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infof("session broker listening on %s, advertised as %s", b.ln.Addr(), b.p.address)

	<-ctx.Done()
	err := s.Stop(context.Background())
	logger.Default().Infoln("session broker stopped")
	return err
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "actuation session broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:    p.OnAcceptWrapper,
		OnConnectWrapper:   p.OnConnectWrapper,
		OnSubscribeWrapper: p.OnSubscribeWrapper,
		OnCloseWrapper:     p.OnCloseWrapper,
	}
}

func (p *plugin) commonNameFromConnection(conn net.Conn) string {
	p.commonNamesRwmux.RLock()
	defer p.commonNamesRwmux.RUnlock()
	return p.commonNames[conn]
}

func (p *plugin) isInternal(clientID string) bool {
	return strings.HasPrefix(clientID, p.internalPrefix)
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
				return false
			}
			commonName := state.VerifiedChains[0][0].Subject.CommonName

			p.commonNamesRwmux.Lock()
			p.commonNames[conn] = commonName
			p.commonNamesRwmux.Unlock()
			logger.Default().Debugln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate
// common name and records the session of accepted devices
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		if p.tls && p.commonNameFromConnection(client.Connection()) != clientID {
			logger.Default().Warnf("connect denied, %s not authorized", clientID)
			return packets.CodeNotAuthorized
		}
		code = connect(ctx, client)
		if code == packets.CodeAccepted {
			p.connected(ctx, clientID)
		}
		return code
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, t packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if !p.mayReceive(clientID, t.Name) {
			logger.Default().Warnf("subscribe of %s to %s denied", clientID, t.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, t)
	}
}

// OnCloseWrapper removes the session of the device
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.disconnected(ctx, client.OptionsReader().ClientID())

		p.commonNamesRwmux.Lock()
		delete(p.commonNames, client.Connection())
		p.commonNamesRwmux.Unlock()

		closed(ctx, client, err)
	}
}

// connected records that the device is attached to this broker
func (p *plugin) connected(ctx context.Context, deviceID string) {
	if p.isInternal(deviceID) {
		return
	}
	if err := p.sessions.Put(ctx, deviceID, p.address); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot record session of %s", deviceID)
		return
	}
	logger.FromContext(ctx).Infof("device %s connected", deviceID)
}

// disconnected removes the session, unless the device already moved elsewhere
func (p *plugin) disconnected(ctx context.Context, deviceID string) {
	if p.isInternal(deviceID) {
		return
	}
	if err := p.sessions.Remove(ctx, deviceID, p.address); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot remove session of %s", deviceID)
		return
	}
	logger.FromContext(ctx).Infof("device %s disconnected", deviceID)
}

// mayReceive returns true if the client may subscribe to the filter. Devices
// only receive on their own channel "{account}/{device}".
func (p *plugin) mayReceive(clientID, filter string) bool {
	if p.isInternal(clientID) {
		return true
	}
	if strings.Contains(filter, topic.MultiLevelWildcard) {
		return false
	}
	return topic.Compile(topic.Wildcard+topic.Separator+clientID).Test(filter)
}
