package camrelay

import (
	"net"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
	"github.com/pkg/errors"
)

// Service advertised on the local network for viewers to discover the
// signaling endpoint.
const (
	ServiceType   = "_camrelay._tcp"
	ServiceDomain = "local."
)

// MDNSServer is a running service registration.
type MDNSServer interface {
	Shutdown()
}

// MDNSRegisterFunc registers a DNS-SD service. zeroconf.Register is the
// default; tests substitute a fake.
type MDNSRegisterFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig configures the mDNS advertiser.
type AdvertiserConfig struct {
	Instance   string // Instance name (default: hostname)
	Port       int    // Signaling HTTP port
	TXT        []string
	Interfaces []net.Interface // nil advertises on all interfaces

	Register      MDNSRegisterFunc
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes the signaling endpoint over mDNS.
type Advertiser struct {
	config AdvertiserConfig
	log    logging.LeveledLogger

	mu     sync.Mutex
	server MDNSServer
}

// NewAdvertiser creates an advertiser. Start publishes the record.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port <= 0 || config.Port > 65535 {
		return nil, &ConfigError{Field: "port", Err: errors.Errorf("invalid port %d", config.Port)}
	}
	if config.Instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "camrelay"
		}
		config.Instance = host
	}
	if config.Register == nil {
		config.Register = zeroconfRegister
	}
	return &Advertiser{
		config: config,
		log:    newLogger(config.LoggerFactory, "mdns"),
	}, nil
}

// Start registers the service. Calling Start twice is an error.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return errors.New("advertiser already started")
	}
	server, err := a.config.Register(a.config.Instance, ServiceType, ServiceDomain, a.config.Port, a.config.TXT, a.config.Interfaces)
	if err != nil {
		return errors.Wrap(err, "mdns register")
	}
	a.server = server
	a.log.Infof("advertising %s.%s%s on port %d", a.config.Instance, ServiceType, "."+ServiceDomain, a.config.Port)
	return nil
}

// Stop withdraws the registration. It is safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
		a.log.Debugf("mdns advertisement withdrawn")
	}
}
