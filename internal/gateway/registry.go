package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"settlement/internal/config"
)

// Registry resolves a rail by name. Rails without credentials are skipped at
// start-up and report ErrGatewayUnavailable when requested.
type Registry struct {
	mu       sync.RWMutex
	gateways map[Name]PaymentGateway
}

func NewRegistry(cfg config.GatewaysConfig, countryCode string, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Production = cfg.Production()
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	if cfg.RateLimit > 0 {
		opts.RateLimit = cfg.RateLimit
	}
	if cfg.RateBurst > 0 {
		opts.RateBurst = cfg.RateBurst
	}
	if cfg.TokenMargin > 0 {
		opts.TokenMargin = cfg.TokenMargin
	}
	opts.MaxRetries = cfg.MaxRetries
	if opts.Logger == nil {
		opts.Logger = logger
	}

	r := &Registry{gateways: make(map[Name]PaymentGateway)}
	builders := []struct {
		name  Name
		build func() (PaymentGateway, error)
	}{
		{Mpesa, func() (PaymentGateway, error) { return NewMpesa(cfg.Mpesa, countryCode, opts) }},
		{Airtel, func() (PaymentGateway, error) { return NewAirtel(cfg.Airtel, countryCode, opts) }},
		{Pesapal, func() (PaymentGateway, error) { return NewPesapal(cfg.Pesapal, opts) }},
		{Flutterwave, func() (PaymentGateway, error) { return NewFlutterwave(cfg.Flutterwave, countryCode, opts) }},
		{Paystack, func() (PaymentGateway, error) { return NewPaystack(cfg.Paystack, countryCode, opts) }},
	}
	for _, b := range builders {
		g, err := b.build()
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				logger.Warn("gateway disabled", slog.String("gateway", string(b.name)), slog.Any("missing", cfgErr.Missing))
				continue
			}
			logger.Error("gateway init failed", slog.String("gateway", string(b.name)), slog.Any("error", err))
			continue
		}
		r.gateways[b.name] = g
	}
	return r
}

// Register adds or replaces a rail.
func (r *Registry) Register(g PaymentGateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gateways == nil {
		r.gateways = make(map[Name]PaymentGateway)
	}
	r.gateways[g.Name()] = g
}

func (r *Registry) Get(name Name) (PaymentGateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, name)
	}
	return g, nil
}

// Names lists the enabled rails.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Name, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
