// Package dialer opens the transport an inventory host asks for.
package dialer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostplay/pkg/playbook"
	"github.com/openfroyo/hostplay/pkg/transports"
	"github.com/openfroyo/hostplay/pkg/transports/local"
	"github.com/openfroyo/hostplay/pkg/transports/ssh"
)

// Dialer opens local or SSH transports for inventory hosts.
type Dialer struct {
	// ConnectTimeout bounds SSH connection setup. Zero keeps the SSH default.
	ConnectTimeout time.Duration

	// KeepAlive enables SSH keep-alive requests at this interval.
	KeepAlive time.Duration

	// DefaultUser is used for SSH hosts that do not set one.
	DefaultUser string

	Logger zerolog.Logger
}

// New returns a dialer logging through logger.
func New(logger zerolog.Logger) *Dialer {
	return &Dialer{Logger: logger}
}

// Open connects to h.
func (d *Dialer) Open(ctx context.Context, h playbook.Host) (transports.Transport, error) {
	logger := d.Logger.With().Str("host", h.Name).Logger()

	switch h.Spec.Connection {
	case playbook.ConnectionLocal:
		return local.New(local.WithLogger(logger)), nil

	case playbook.ConnectionSSH, "":
		if h.Spec.User == "" && d.DefaultUser != "" {
			h.Spec.User = d.DefaultUser
		}
		cfg := ssh.ConfigFromHost(h)
		if d.ConnectTimeout > 0 {
			cfg.ConnectionTimeout = d.ConnectTimeout
		}
		cfg.KeepAliveInterval = d.KeepAlive

		client, err := ssh.Dial(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", h.Name, err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("host %s: unsupported connection type %q", h.Name, h.Spec.Connection)
	}
}
