package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"v2x_node/internal/utils"
)

const (
	DefaultGroup      = "239.255.0.1"
	DefaultPort       = 5007
	DefaultRate       = 5.0
	DefaultTTL        = 2
	DefaultRecvBuffer = 8192
)

// Rate is a transmission rate in messages per second. In YAML it may be a
// plain number or a string such as "10/2s".
type Rate float64

func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: rate must be a scalar", value.Line)
	}
	v, err := utils.ParseRate(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*r = Rate(v)
	return nil
}

type MainConfig struct {
	NodeID         string        `yaml:"node_id" validate:"omitempty,max=64,printascii"`
	MulticastGroup string        `yaml:"multicast_group" validate:"required,multicast4"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Rate           Rate          `yaml:"rate" validate:"gt=0,lte=1000"`
	TTL            int           `yaml:"ttl" validate:"min=0,max=255"`
	Interface      string        `yaml:"interface"`
	RecvBuffer     int           `yaml:"recv_buffer" validate:"min=8192,max=65536"`
	StatusAddr     string        `yaml:"status_addr" validate:"omitempty,hostname_port"`
	LogLevel       string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogPath        string        `yaml:"log_path"`
	PeerExpiry     time.Duration `yaml:"peer_expiry" validate:"min=0"`
	MaxPeers       int           `yaml:"max_peers" validate:"min=1"`
}

func Default() *MainConfig {
	return &MainConfig{
		MulticastGroup: DefaultGroup,
		Port:           DefaultPort,
		Rate:           DefaultRate,
		TTL:            DefaultTTL,
		RecvBuffer:     DefaultRecvBuffer,
		LogLevel:       "info",
		PeerExpiry:     30 * time.Second,
		MaxPeers:       1024,
	}
}

// LoadMainConfig returns the defaults overlaid with the YAML file at path.
// An empty path yields the defaults alone.
func LoadMainConfig(path string) (*MainConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// EnsureNodeID fills in a random identity when none was configured.
func (c *MainConfig) EnsureNodeID() string {
	if c.NodeID == "" {
		c.NodeID = utils.NewNodeID()
	}
	return c.NodeID
}

// Interval is the time between two transmissions.
func (c *MainConfig) Interval() time.Duration {
	return time.Duration(float64(time.Second) / float64(c.Rate))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		return name
	})
	if err := v.RegisterValidation("multicast4", isMulticast4); err != nil {
		panic(err)
	}
	return v
}

func isMulticast4(fl validator.FieldLevel) bool {
	ip := net.ParseIP(fl.Field().String())
	return ip != nil && ip.To4() != nil && ip.IsMulticast()
}

// Validate checks every field and reports all problems at once.
func (c *MainConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", fe.Field(), fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
