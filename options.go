package sigclient

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/refractionPOINT/go-sigclient/clock"
	"github.com/refractionPOINT/go-sigclient/protocol"
	"github.com/refractionPOINT/go-sigclient/recovery"
	"github.com/refractionPOINT/go-sigclient/telemetry"
)

type Identity struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
}

type ConnectionOptions struct {
	ReconnectBaseDelay   time.Duration `json:"reconnect_base_delay,omitempty" yaml:"reconnect_base_delay,omitempty"`
	ReconnectMaxDelay    time.Duration `json:"reconnect_max_delay,omitempty" yaml:"reconnect_max_delay,omitempty"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	DialTimeout          time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
}

// fillDefaults sets every unset knob to its Defaults value. A negative
// HeartbeatInterval disables heartbeats.
func (c *ConnectionOptions) fillDefaults() {
	d := Defaults().Connection
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
}

type DeliveryOptions struct {
	AckTimeout time.Duration `json:"ack_timeout,omitempty" yaml:"ack_timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
}

type InboundOptions struct {
	DedupCapacity int           `json:"dedup_capacity,omitempty" yaml:"dedup_capacity,omitempty"`
	RecentPerType int           `json:"recent_per_type,omitempty" yaml:"recent_per_type,omitempty"`
	RecentWindow  time.Duration `json:"recent_window,omitempty" yaml:"recent_window,omitempty"`
}

type RecoveryOptions struct {
	recovery.Config `yaml:",inline"`

	// Delay between a write being accepted and the first recovery tick.
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
}

type ClientOptions struct {
	Identity      Identity `json:"identity" yaml:"identity"`
	ClientVersion string   `json:"client_version,omitempty" yaml:"client_version,omitempty"`

	// Candidate endpoints, tried round-robin on every reconnect.
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
	Codec     string   `json:"codec,omitempty" yaml:"codec,omitempty"`

	Connection ConnectionOptions `json:"connection,omitempty" yaml:"connection,omitempty"`
	Delivery   DeliveryOptions   `json:"delivery,omitempty" yaml:"delivery,omitempty"`
	Inbound    InboundOptions    `json:"inbound,omitempty" yaml:"inbound,omitempty"`
	Recovery   RecoveryOptions   `json:"recovery,omitempty" yaml:"recovery,omitempty"`
	Proxy      ProxyOptions      `json:"proxy,omitempty" yaml:"proxy,omitempty"`

	Logger   *zap.Logger  `json:"-" yaml:"-"`
	DebugLog func(string) `json:"-" yaml:"-"`

	// Overridable collaborators, mostly for tests.
	Clock     clock.Clock    `json:"-" yaml:"-"`
	Dialer    Dialer         `json:"-" yaml:"-"`
	Telemetry telemetry.Sink `json:"-" yaml:"-"`

	// Application collaborators. A nil WriteSubmitter submits writes as
	// acknowledged frames on the connection; a nil Resynchronizer only
	// waits for the receipt until the recovery budget is spent.
	WriteSubmitter WriteSubmitter `json:"-" yaml:"-"`
	Resynchronizer Resynchronizer `json:"-" yaml:"-"`

	OnStateChange  func(StateChange)  `json:"-" yaml:"-"`
	OnWriteOutcome func(WriteOutcome) `json:"-" yaml:"-"`
	OnError        func(error)        `json:"-" yaml:"-"`
}

func Defaults() ClientOptions {
	o := ClientOptions{
		Codec: "json",
		Connection: ConnectionOptions{
			ReconnectBaseDelay:   500 * time.Millisecond,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    10 * time.Second,
			DialTimeout:          10 * time.Second,
		},
		Delivery: DeliveryOptions{
			AckTimeout: 5 * time.Second,
			MaxRetries: 3,
			RetryDelay: 250 * time.Millisecond,
		},
		Inbound: InboundOptions{
			DedupCapacity: 1024,
			RecentPerType: 16,
			RecentWindow:  5 * time.Second,
		},
		Recovery: RecoveryOptions{
			Config:       recovery.DefaultConfig(),
			InitialDelay: 10 * time.Second,
		},
	}
	o.Proxy.normalize()
	return o
}

// LoadOptions reads YAML options from path on top of Defaults. A missing
// file yields the defaults.
func LoadOptions(path string) (*ClientOptions, error) {
	o := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &o, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &o, nil
}

func (o ClientOptions) Validate() error {
	if o.Identity.DeviceID == "" {
		return errors.New("device id is required")
	}
	if len(o.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	for _, e := range o.Endpoints {
		if strings.TrimSpace(e) == "" {
			return errors.New("empty endpoint")
		}
	}
	if _, err := protocol.CodecByName(o.Codec); err != nil {
		return err
	}
	if o.Connection.MaxReconnectAttempts < 0 {
		return errors.New("max reconnect attempts must not be negative")
	}
	if o.Delivery.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if err := o.Recovery.Config.Validate(); err != nil {
		return err
	}
	return o.Proxy.Validate()
}

// normalize fills every unset knob from Defaults.
func (o *ClientOptions) normalize() {
	d := Defaults()
	if o.Codec == "" {
		o.Codec = d.Codec
	}
	if o.Identity.Hostname == "" {
		o.Identity.Hostname, _ = os.Hostname()
	}
	o.Connection.fillDefaults()
	if o.Delivery.AckTimeout == 0 {
		o.Delivery.AckTimeout = d.Delivery.AckTimeout
	}
	in := &o.Inbound
	if in.DedupCapacity == 0 {
		in.DedupCapacity = d.Inbound.DedupCapacity
	}
	if in.RecentPerType == 0 {
		in.RecentPerType = d.Inbound.RecentPerType
	}
	if in.RecentWindow == 0 {
		in.RecentWindow = d.Inbound.RecentWindow
	}
	rc := &o.Recovery.Config
	if *rc == (recovery.Config{}) {
		*rc = d.Recovery.Config
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = d.Recovery.MaxDelay
	}
	if rc.ExponentialBase == 0 {
		rc.ExponentialBase = d.Recovery.ExponentialBase
	}
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = d.Recovery.MaxAttempts
	}
	if o.Recovery.InitialDelay == 0 {
		o.Recovery.InitialDelay = d.Recovery.InitialDelay
	}
	if o.Proxy.URL != "" {
		o.Proxy.normalize()
	}
}

func (o ClientOptions) buildLogger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	if o.DebugLog == nil {
		return zap.NewNop()
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(debugLogWriter(o.DebugLog)), zapcore.DebugLevel)
	return zap.New(core)
}

// debugLogWriter forwards each encoded log line to a DebugLog callback.
type debugLogWriter func(string)

func (w debugLogWriter) Write(p []byte) (int, error) {
	w(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
