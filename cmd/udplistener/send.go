package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"udplistener/pkg/endpoint"
	"udplistener/pkg/udpaddr"
)

func (a *app) sendCmd() *cobra.Command {
	var (
		bind     string
		port     int
		encoding string
		timeout  int
		wait     bool
	)

	cmd := &cobra.Command{
		Use:     "send <x.x.x.x:port> <message>...",
		Short:   "Send one datagram and optionally wait for the reply",
		Example: `  udplistener send 192.168.0.26:50000 prt Hello!`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := udpaddr.ResolveUDP(args[0])
			if err != nil {
				return err
			}
			msg := strings.Join(args[1:], " ")

			ep, err := endpoint.New(endpoint.Config{
				Address:  bind,
				Port:     port,
				Encoding: encoding,
				Timeout:  time.Duration(timeout) * time.Second,
			})
			if err != nil {
				return err
			}
			defer ep.Release()

			ctx := cmd.Context()
			if err := ep.SendString(ctx, msg, to); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent: %s to %s\n", msg, to)

			if !wait {
				return nil
			}
			dg, err := ep.Receive(ctx, 0)
			if err != nil {
				return fmt.Errorf("no response received: %w", err)
			}
			text, err := ep.Codec().Decode(dg.Payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Received from %s: %s\n", dg.From, text)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&bind, "bind", endpoint.DefaultAddress, "Local bind address")
	flags.IntVar(&port, "port", 0, "Local port to send from, 0 allocates from 50000")
	flags.StringVar(&encoding, "encoding", "", "Payload encoding: ascii, utf-8 or latin-1")
	flags.IntVar(&timeout, "timeout", 5, "Seconds to wait for a reply")
	flags.BoolVar(&wait, "wait", false, "Wait for a single reply datagram")
	return cmd
}

func (a *app) localIPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "local-ip",
		Short: "Print the address of the interface used for outbound traffic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ip, err := udpaddr.LocalIP(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ip)
			return nil
		},
	}
}
