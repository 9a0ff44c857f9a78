package endpoint

import (
	"time"

	"udplistener/pkg/textcodec"
	"udplistener/pkg/udpaddr"
	"udplistener/pkg/udperr"
)

const (
	DefaultAddress    = "0.0.0.0"
	DefaultBufferSize = 1024
	DefaultTimeout    = 5 * time.Second
)

type Config struct {
	// Address is a dotted-quad bind address. It may carry a ":port" suffix,
	// which is used when Port is zero.
	Address string
	// Port zero auto-allocates from the registry.
	Port int
	// BufferSize caps the bytes read per Receive. Zero selects DefaultBufferSize.
	BufferSize int
	Encoding   string
	// Timeout bounds each Receive. Zero selects DefaultTimeout.
	Timeout time.Duration
	OneShot bool
}

// resolve validates c and fills in defaults.
func (c Config) resolve() (Config, textcodec.Codec, error) {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	addr, err := udpaddr.Parse(c.Address)
	if err != nil {
		return c, nil, err
	}
	if addr.HasPort() {
		if c.Port != 0 && c.Port != addr.Port {
			return c, nil, udperr.Validation("config", "address %q conflicts with port %d", c.Address, c.Port)
		}
		c.Port = addr.Port
	}
	c.Address = addr.Host

	if c.Port < 0 || c.Port > 65535 {
		return c, nil, udperr.Validation("config", "port out of range '%d', port must be 0 < port <= 65535", c.Port)
	}

	switch {
	case c.BufferSize < 0:
		return c, nil, udperr.Validation("config", "buffer size must be greater than 0, got '%d'", c.BufferSize)
	case c.BufferSize == 0:
		c.BufferSize = DefaultBufferSize
	}

	switch {
	case c.Timeout < 0:
		return c, nil, udperr.Validation("config", "timeout must not be negative, got %s", c.Timeout)
	case c.Timeout == 0:
		c.Timeout = DefaultTimeout
	}

	codec, err := textcodec.Lookup(c.Encoding)
	if err != nil {
		return c, nil, err
	}
	c.Encoding = codec.Name()

	return c, codec, nil
}

// Validate reports the first problem with c without binding anything.
func (c Config) Validate() error {
	_, _, err := c.resolve()
	return err
}
