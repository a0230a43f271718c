// Package config loads the dchat node configuration from a YAML file and
// validates it before the node starts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"dchat/internal/contact"
	"dchat/internal/network"
)

const (
	DefaultConnectRate     = 2.0
	DefaultConnectBurst    = 4
	DefaultConnectQueue    = 64
	DefaultConnectCooldown = 30 * time.Second
)

var ErrInvalid = errors.New("invalid config")

type Remote struct {
	Onion string `yaml:"onion"`
	Port  int    `yaml:"port"`
}

type Config struct {
	Onion           string            `yaml:"onion"`
	Nickname        string            `yaml:"nickname"`
	ListenPort      int               `yaml:"listen_port"`
	ListenAddr      string            `yaml:"listen_addr,omitempty"`
	Transport       string            `yaml:"transport"`
	SocksAddr       string            `yaml:"socks_addr,omitempty"`
	Hosts           map[string]string `yaml:"hosts,omitempty"`
	Remote          *Remote           `yaml:"remote,omitempty"`
	StoreIncrement  int               `yaml:"store_increment,omitempty"`
	ConnectRate     float64           `yaml:"connect_rate,omitempty"`
	ConnectBurst    int               `yaml:"connect_burst,omitempty"`
	ConnectQueue    int               `yaml:"connect_queue,omitempty"`
	ConnectCooldown time.Duration     `yaml:"connect_cooldown,omitempty"`
	MaxConnsPerHost int               `yaml:"max_conns_per_host,omitempty"`
	MetricsPath     string            `yaml:"metrics_path,omitempty"`
	PprofAddr       string            `yaml:"pprof_addr,omitempty"`
}

func Default() Config {
	return Config{
		Transport:       network.KindTor,
		SocksAddr:       network.DefaultSocksAddr,
		StoreIncrement:  contact.DefaultIncrement,
		ConnectRate:     DefaultConnectRate,
		ConnectBurst:    DefaultConnectBurst,
		ConnectQueue:    DefaultConnectQueue,
		ConnectCooldown: DefaultConnectCooldown,
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Finalize fills values derived from other fields.
func (c *Config) Finalize() {
	if c.Transport == "" {
		c.Transport = network.KindTor
	}
	if c.ListenAddr == "" && c.ListenPort != 0 {
		c.ListenAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(c.ListenPort))
	}
	if c.StoreIncrement <= 0 {
		c.StoreIncrement = contact.DefaultIncrement
	}
	if c.ConnectRate <= 0 {
		c.ConnectRate = DefaultConnectRate
	}
	if c.ConnectBurst <= 0 {
		c.ConnectBurst = DefaultConnectBurst
	}
	if c.ConnectQueue <= 0 {
		c.ConnectQueue = DefaultConnectQueue
	}
	if c.ConnectCooldown == 0 {
		c.ConnectCooldown = DefaultConnectCooldown
	}
}

func (c Config) Validate() error {
	var errs []error
	if !contact.IsValidOnion(c.Onion) {
		errs = append(errs, fmt.Errorf("onion %q: %w", c.Onion, contact.ErrInvalidOnion))
	}
	if !contact.IsValidPort(c.ListenPort) {
		errs = append(errs, fmt.Errorf("listen_port %d: %w", c.ListenPort, contact.ErrInvalidPort))
	}
	if len(c.Nickname) > contact.MaxNickname || contact.CleanNickname(c.Nickname) != c.Nickname {
		errs = append(errs, fmt.Errorf("nickname %q: at most %d printable bytes", c.Nickname, contact.MaxNickname))
	}
	switch c.Transport {
	case network.KindTor, network.KindTCP, network.KindQUIC:
	default:
		errs = append(errs, fmt.Errorf("transport %q: %w", c.Transport, network.ErrUnknownKind))
	}
	for onion := range c.Hosts {
		if !contact.IsValidOnion(onion) {
			errs = append(errs, fmt.Errorf("hosts key %q: %w", onion, contact.ErrInvalidOnion))
		}
	}
	if c.Remote != nil {
		if !contact.IsValidOnion(c.Remote.Onion) {
			errs = append(errs, fmt.Errorf("remote onion %q: %w", c.Remote.Onion, contact.ErrInvalidOnion))
		}
		if !contact.IsValidPort(c.Remote.Port) {
			errs = append(errs, fmt.Errorf("remote port %d: %w", c.Remote.Port, contact.ErrInvalidPort))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Self is the local identity announced in every PDU.
func (c Config) Self() (contact.Contact, error) {
	id, err := contact.ParseOnionID(c.Onion)
	if err != nil {
		return contact.Contact{}, err
	}
	if !contact.IsValidPort(c.ListenPort) {
		return contact.Contact{}, fmt.Errorf("%w: %d", contact.ErrInvalidPort, c.ListenPort)
	}
	return contact.Contact{Onion: id, Port: uint16(c.ListenPort), Name: c.Nickname}, nil
}

func (c Config) TransportOptions() network.Options {
	return network.Options{
		Kind:            c.Transport,
		ListenAddr:      c.ListenAddr,
		SocksAddr:       c.SocksAddr,
		Hosts:           c.Hosts,
		MaxConnsPerHost: c.MaxConnsPerHost,
	}
}
