package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/thiratt/nekoshare-gateway/network"
	"github.com/thiratt/nekoshare-gateway/network/tcp"
	"github.com/thiratt/nekoshare-gateway/network/ws"
	"github.com/thiratt/nekoshare-gateway/protocol"
)

func probeCmd() *cobra.Command {
	var (
		addr    string
		url     string
		token   string
		wait    time.Duration
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect as a device and print the packets received",
		Long: `probe dials a running gateway, logs in with --token (TCP) or presents
it as a bearer token (WebSocket), sends one heartbeat and prints every
packet received until --wait elapses.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var (
				conn network.Conn
				err  error
			)
			if url != "" {
				header := http.Header{}
				if token != "" {
					header.Set("Authorization", "Bearer "+token)
				}
				var resp *http.Response
				conn, resp, err = ws.Dial(ctx, ws.ClientConf{URL: url, Header: header})
				if err != nil && resp != nil {
					return fmt.Errorf("websocket rejected: %s", resp.Status)
				}
			} else {
				conn, err = tcp.Dial(ctx, tcp.TcpClientConf{Addr: addr})
			}
			if err != nil {
				return err
			}
			defer conn.Close()

			return probe(cmd.OutOrStdout(), conn, token, url == "", wait)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "TCP gateway address")
	cmd.Flags().StringVar(&url, "url", "", "WebSocket endpoint, switches the probe to WebSocket")
	cmd.Flags().StringVar(&token, "token", "", "login token (TCP) or access token (WebSocket)")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to print incoming packets")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "dial timeout")

	return cmd
}

func probe(out io.Writer, conn network.Conn, token string, login bool, wait time.Duration) error {
	packets := make(chan []byte, 64)
	go func() {
		defer close(packets)
		for {
			payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			packets <- payload
		}
	}()

	send := func(t protocol.PacketType, requestID int32, fill func(*protocol.Writer)) error {
		payload, err := protocol.NewPacket(t, requestID, fill)
		if err != nil {
			return err
		}
		return conn.WriteMessage(payload)
	}

	if login && token != "" {
		if err := send(protocol.AuthLoginRequest, 1, func(w *protocol.Writer) { w.WriteString(token) }); err != nil {
			return err
		}
	}
	if err := send(protocol.SystemHeartbeat, 0, nil); err != nil {
		return err
	}

	deadline := time.After(wait)
	for {
		select {
		case payload, ok := <-packets:
			if !ok {
				fmt.Fprintln(out, "connection closed by gateway")
				return nil
			}
			if err := printPacket(out, payload); err != nil {
				return err
			}
		case <-deadline:
			return nil
		}
	}
}

func printPacket(out io.Writer, payload []byte) error {
	r := protocol.NewReader(payload)
	h, err := protocol.ReadHeader(r)
	if err != nil {
		return errors.New("malformed packet from gateway")
	}
	fmt.Fprintf(out, "%-24s req=%-4d %d bytes", h.Type, h.RequestID, r.Remaining())
	if body := r.ReadRemaining(); len(body) > 0 {
		fmt.Fprintf(out, " %q", body)
	}
	fmt.Fprintln(out)
	return nil
}
