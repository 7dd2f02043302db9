// Package config loads the connection table, consumer bindings and topology
// used by rabbitmq-dispatch from a YAML file.
//
// Scalar values of the form ${VAR} or ${VAR:-default} are replaced from the
// process environment after the document is parsed, so an environment value is
// taken literally and never read as YAML. A default that contains " #" must be
// quoted.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultConnection is the connection a consumer binds to when none is named
const DefaultConnection = "default"

var (
	// ErrInvalidConfig is wrapped by every validation failure
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the root of the configuration document
type Config struct {
	Connections map[string]Connection `yaml:"connections"`
	Consumers   []Consumer            `yaml:"consumers"`
	// Topology is keyed by connection name
	Topology    map[string]Topology   `yaml:"topology"`
}

// Connection describes one broker endpoint
type Connection struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`
}

// Consumer binds a queue on a named connection to a registered handler
type Consumer struct {
	Connection  string         `yaml:"connection"`
	Queue       string         `yaml:"queue"`
	Handler     string         `yaml:"handler"`
	ConsumerTag string         `yaml:"consumerTag"`
	NoAck       bool           `yaml:"noAck"`
	Exclusive   bool           `yaml:"exclusive"`
	NoWait      bool           `yaml:"nowait"`
	Arguments   map[string]any `yaml:"arguments"`
	Ticket      *int           `yaml:"ticket"`
}

// Topology lists the exchanges, queues and bindings of one connection
type Topology struct {
	Exchanges []Exchange `yaml:"exchanges"`
	Queues    []Queue    `yaml:"queues"`
	Bindings  []Binding  `yaml:"bindings"`
}

// Exchange declaration. Type defaults to direct and Durable to true.
type Exchange struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Passive    bool           `yaml:"passive"`
	Durable    bool           `yaml:"durable"`
	AutoDelete bool           `yaml:"autoDelete"`
	Internal   bool           `yaml:"internal"`
	NoWait     bool           `yaml:"nowait"`
	Arguments  map[string]any `yaml:"arguments"`
	Ticket     *int           `yaml:"ticket"`
}

// Queue declaration. Durable defaults to true.
type Queue struct {
	Name       string         `yaml:"name"`
	Passive    bool           `yaml:"passive"`
	Durable    bool           `yaml:"durable"`
	Exclusive  bool           `yaml:"exclusive"`
	AutoDelete bool           `yaml:"autoDelete"`
	NoWait     bool           `yaml:"nowait"`
	Arguments  map[string]any `yaml:"arguments"`
	Ticket     *int           `yaml:"ticket"`
}

// Binding of a queue to an exchange
type Binding struct {
	Queue      string         `yaml:"queue"`
	Exchange   string         `yaml:"exchange"`
	RoutingKey string         `yaml:"routingKey"`
	NoWait     bool           `yaml:"nowait"`
	Arguments  map[string]any `yaml:"arguments"`
	Ticket     *int           `yaml:"ticket"`
}

// UnmarshalYAML applies connection defaults
func (c *Connection) UnmarshalYAML(value *yaml.Node) error {
	type plain Connection
	p := plain{
		Host:     "127.0.0.1",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		Vhost:    "/",
	}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Connection(p)
	return nil
}

// UnmarshalYAML applies consumer defaults
func (c *Consumer) UnmarshalYAML(value *yaml.Node) error {
	type plain Consumer
	p := plain{Connection: DefaultConnection}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Consumer(p)
	return nil
}

// UnmarshalYAML applies exchange defaults
func (e *Exchange) UnmarshalYAML(value *yaml.Node) error {
	type plain Exchange
	p := plain{Type: "direct", Durable: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*e = Exchange(p)
	return nil
}

// UnmarshalYAML applies queue defaults
func (q *Queue) UnmarshalYAML(value *yaml.Node) error {
	type plain Queue
	p := plain{Durable: true}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*q = Queue(p)
	return nil
}

// URL returns the amqp URL of the endpoint. The virtual host is path-escaped,
// so the default vhost "/" becomes "%2F".
func (c Connection) URL() string {
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(c.Username, c.Password),
		Host:    net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:    "/" + c.Vhost,
		RawPath: "/" + url.PathEscape(c.Vhost),
	}
	return u.String()
}

// Connection looks up a connection by name
func (c *Config) Connection(name string) (Connection, bool) {
	conn, ok := c.Connections[name]
	return conn, ok
}

// ConnectionNames returns the configured connection names, sorted
func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the document for entries that can never work
func (c *Config) Validate() error {
	var errs []error

	for _, name := range c.ConnectionNames() {
		conn := c.Connections[name]
		if conn.Host == "" {
			errs = append(errs, fmt.Errorf("%w: connection %q has no host", ErrInvalidConfig, name))
		}
		if conn.Port < 1 || conn.Port > 65535 {
			errs = append(errs, fmt.Errorf("%w: connection %q has invalid port %d", ErrInvalidConfig, name, conn.Port))
		}
	}

	for i, consumer := range c.Consumers {
		if consumer.Queue == "" {
			errs = append(errs, fmt.Errorf("%w: consumer #%d has no queue", ErrInvalidConfig, i))
		}
		if consumer.Handler == "" {
			errs = append(errs, fmt.Errorf("%w: consumer #%d (%s) has no handler", ErrInvalidConfig, i, consumer.Queue))
		}
		if err := checkArguments(consumer.Arguments); err != nil {
			errs = append(errs, fmt.Errorf("%w: consumer #%d (%s): %v", ErrInvalidConfig, i, consumer.Queue, err))
		}
	}

	for name, topology := range c.Topology {
		for _, ex := range topology.Exchanges {
			if ex.Name == "" {
				errs = append(errs, fmt.Errorf("%w: topology %q has an exchange without a name", ErrInvalidConfig, name))
			}
			if err := checkArguments(ex.Arguments); err != nil {
				errs = append(errs, fmt.Errorf("%w: topology %q exchange %s: %v", ErrInvalidConfig, name, ex.Name, err))
			}
		}
		for _, q := range topology.Queues {
			if err := checkArguments(q.Arguments); err != nil {
				errs = append(errs, fmt.Errorf("%w: topology %q queue %s: %v", ErrInvalidConfig, name, q.Name, err))
			}
		}
		for _, b := range topology.Bindings {
			if b.Queue == "" || b.Exchange == "" {
				errs = append(errs, fmt.Errorf("%w: topology %q has a binding without queue or exchange", ErrInvalidConfig, name))
			}
			if err := checkArguments(b.Arguments); err != nil {
				errs = append(errs, fmt.Errorf("%w: topology %q binding %s: %v", ErrInvalidConfig, name, b.Queue, err))
			}
		}
	}

	return errors.Join(errs...)
}

// checkArguments rejects integers that do not fit the signed 64-bit field the
// broker argument table carries.
func checkArguments(args map[string]any) error {
	for key, value := range args {
		if err := checkArgument(key, value); err != nil {
			return err
		}
	}
	return nil
}

func checkArgument(key string, value any) error {
	switch v := value.(type) {
	case uint64:
		if v > math.MaxInt64 {
			return fmt.Errorf("argument %q value %d is out of range", key, v)
		}
	case uint:
		if uint64(v) > math.MaxInt64 {
			return fmt.Errorf("argument %q value %d is out of range", key, v)
		}
	case map[string]any:
		return checkArguments(v)
	case []any:
		for _, item := range v {
			if err := checkArgument(key, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads, expands and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data, expands environment references in its scalar values
// using lookup and validates the result.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{}
	if doc.Kind != 0 {
		expandNode(&doc, lookup)
		if err := doc.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.Connections == nil {
		cfg.Connections = map[string]Connection{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandNode rewrites every scalar holding an environment reference. Plain
// scalars are retagged from their expanded text; the expanded text is never
// resolved to null, so an empty or "null" value stays a value.
func expandNode(n *yaml.Node, lookup func(string) (string, bool)) {
	switch n.Kind {
	case yaml.AliasNode:
		return
	case yaml.ScalarNode:
		if !envRef.MatchString(n.Value) {
			return
		}
		n.Value = ExpandEnv(n.Value, lookup)
		if n.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle|yaml.LiteralStyle|yaml.FoldedStyle) == 0 {
			n.Tag = scalarTag(n.Value)
		}
		return
	}
	for _, child := range n.Content {
		expandNode(child, lookup)
	}
}

var (
	intScalar   = regexp.MustCompile(`^[-+]?(0|[1-9][0-9]*)$`)
	floatScalar = regexp.MustCompile(`^[-+]?(\.[0-9]+|[0-9]+(\.[0-9]*)?)([eE][-+]?[0-9]+)?$`)
)

func scalarTag(value string) string {
	switch value {
	case "true", "True", "TRUE", "false", "False", "FALSE":
		return "!!bool"
	}
	if intScalar.MatchString(value) {
		if _, err := strconv.ParseInt(value, 10, 64); err == nil {
			return "!!int"
		}
		if _, err := strconv.ParseUint(value, 10, 64); err == nil {
			return "!!int"
		}
	}
	if floatScalar.MatchString(value) {
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			return "!!float"
		}
	}
	return "!!str"
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}. An unset or empty variable
// yields the default, or the empty string when there is none.
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if value, ok := lookup(m[1]); ok && value != "" {
			return value
		}
		return m[2]
	})
}
