// Package builtin registers the commands the listen subcommand ships with.
package builtin

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"udplistener/pkg/command"
)

const name = "udplistener/cmd/udplistener/internal/builtin"

var logger = otelslog.NewLogger(name)

const maxNonsense = 1024

type Replier interface {
	SendString(ctx context.Context, s string, to *net.UDPAddr) error
}

type Deps struct {
	Out   io.Writer
	Reply Replier
	Rand  *rand.Rand
}

// Register adds prt, nonsense, echo and ping to table.
func Register(table *command.Table, d Deps) error {
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	cmds := map[string]command.Handler{
		"prt":      d.print,
		"nonsense": d.nonsense,
		"echo":     d.echo,
		"ping":     d.ping,
	}
	for kw, h := range cmds {
		if err := table.Register(kw, h); err != nil {
			return fmt.Errorf("register %s: %w", kw, err)
		}
	}
	return nil
}

// print writes the argument on its own line.
func (d Deps) print(ctx context.Context, arg string, from *net.UDPAddr) {
	logger.InfoContext(ctx, "prt", "arg", arg, "from", from.String())
	fmt.Fprintln(d.Out, arg)
}

// nonsense writes n random printable ascii characters.
func (d Deps) nonsense(ctx context.Context, arg string, from *net.UDPAddr) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 || n > maxNonsense {
		logger.WarnContext(ctx, "nonsense needs a length between 0 and 1024", "arg", arg, "from", from.String())
		return
	}

	b := make([]byte, n)
	for i := range b {
		b[i] = byte(' ' + d.Rand.IntN('~'-' '+1))
	}
	fmt.Fprintf(d.Out, "'%s'\n", b)
}

func (d Deps) echo(ctx context.Context, arg string, from *net.UDPAddr) {
	if err := d.Reply.SendString(ctx, arg, from); err != nil {
		logger.WarnContext(ctx, "echo reply failed", "to", from.String(), "error", err)
	}
}

func (d Deps) ping(ctx context.Context, arg string, from *net.UDPAddr) {
	if err := d.Reply.SendString(ctx, "pong "+arg, from); err != nil {
		logger.WarnContext(ctx, "ping reply failed", "to", from.String(), "error", err)
	}
}
