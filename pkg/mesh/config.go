package mesh

import "time"

// BalanceStrategy selects how a LoadBalancer picks the next endpoint.
type BalanceStrategy uint8

const (
	StrategyRoundRobin BalanceStrategy = iota
	StrategyLeastConnections
	StrategyLeastLoad
)

// cfg holds every tunable knob in §6 of the specification. It is built
// once via NewConfig(opts...) and treated as immutable thereafter,
// matching the teacher's cl.cfg pattern.
type cfg struct {
	// connection
	maxReconnects  uint32
	reconnectDelay time.Duration
	bufferSize     int

	// heartbeat (fixed by spec, but exposed for test acceleration)
	heartbeatInterval time.Duration
	connectionTimeout time.Duration

	// rate limit
	maxRequests uint32
	windowSize  time.Duration

	// balancer
	strategy               BalanceStrategy
	healthCheckInterval    time.Duration
	maxConnectionsPerNode  uint32

	// security
	authMethod          AuthMethod
	encryptMessages     bool
	tlsConfig           *TLSConfig
	keyRotationInterval time.Duration

	logger Logger
	hooks  hookSet
}

func defaultCfg() cfg {
	return cfg{
		maxReconnects:         5,
		reconnectDelay:        time.Second,
		bufferSize:            128,
		heartbeatInterval:     30 * time.Second,
		connectionTimeout:     60 * time.Second,
		maxRequests:           100,
		windowSize:            time.Minute,
		strategy:              StrategyLeastLoad,
		healthCheckInterval:   30 * time.Second,
		maxConnectionsPerNode: 1000,
		authMethod:            AuthMethod{},
		encryptMessages:       false,
		keyRotationInterval:   24 * time.Hour,
		logger:                nopLogger{},
	}
}

// Opt configures a cfg. Every exported With* function returns an Opt.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// NewConfig applies opts over the package defaults and returns the
// resulting configuration.
func NewConfig(opts ...Opt) cfg {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	return c
}

func WithMaxReconnects(n uint32) Opt {
	return optFunc(func(c *cfg) { c.maxReconnects = n })
}

func WithReconnectDelay(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.reconnectDelay = d })
}

func WithBufferSize(n int) Opt {
	return optFunc(func(c *cfg) { c.bufferSize = n })
}

func WithHeartbeatInterval(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.heartbeatInterval = d })
}

func WithConnectionTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.connectionTimeout = d })
}

func WithRateLimit(maxRequests uint32, window time.Duration) Opt {
	return optFunc(func(c *cfg) {
		c.maxRequests = maxRequests
		c.windowSize = window
	})
}

func WithBalanceStrategy(s BalanceStrategy) Opt {
	return optFunc(func(c *cfg) { c.strategy = s })
}

func WithHealthCheckInterval(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.healthCheckInterval = d })
}

func WithMaxConnectionsPerNode(n uint32) Opt {
	return optFunc(func(c *cfg) { c.maxConnectionsPerNode = n })
}

func WithAuthMethod(a AuthMethod) Opt {
	return optFunc(func(c *cfg) { c.authMethod = a })
}

func WithEncryptMessages(enabled bool) Opt {
	return optFunc(func(c *cfg) { c.encryptMessages = enabled })
}

func WithTLSConfig(t *TLSConfig) Opt {
	return optFunc(func(c *cfg) { c.tlsConfig = t })
}

func WithKeyRotationInterval(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.keyRotationInterval = d })
}

func WithLogger(l Logger) Opt {
	return optFunc(func(c *cfg) {
		if l == nil {
			l = nopLogger{}
		}
		c.logger = l
	})
}

func WithHooks(hooks ...Hook) Opt {
	return optFunc(func(c *cfg) { c.hooks = append(c.hooks, hooks...) })
}
