package connect

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ValentinKolb/dIO/cmd/util"
	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/bootstrap"
	"github.com/ValentinKolb/dIO/lib/resolver"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// ConnectCmd opens client connections to one or more endpoints
	ConnectCmd = &cobra.Command{
		Use:     "connect",
		Short:   "Open client connections",
		Long:    `Open one or more client connections (optionally with TLS) and report the loop, peer and negotiated protocol of each. With --send, a message is written on every connection and the reply is printed. The format of the environment variables is DIO_<flag> (e.g. DIO_TLS_CA_FILE=ca.pem)`,
		PreRunE: util.BindCommandFlags,
		RunE:    run,
	}
)

func init() {
	util.SetupGroupFlags(ConnectCmd)
	util.SetupTransportFlags(ConnectCmd)
	util.SetupResolverFlags(ConnectCmd)
	util.SetupTLSFlags(ConnectCmd)

	key := "endpoints"
	ConnectCmd.PersistentFlags().String(key, "localhost:8443", util.WrapString("Comma-separated list of endpoints (host:port, or socket paths for unix)"))

	key = "server-name"
	ConnectCmd.PersistentFlags().String(key, "", util.WrapString("Name sent via SNI and verified against the certificate (default: endpoint host)"))

	key = "timeout"
	ConnectCmd.PersistentFlags().Int(key, 10, util.WrapString("How long to wait for all connections and replies (in seconds)"))

	key = "conn-per-endpoint"
	ConnectCmd.PersistentFlags().Int(key, 1, util.WrapString("Connections to open per endpoint"))

	key = "send"
	ConnectCmd.Flags().String(key, "", util.WrapString("Message to write on every connection, the reply is printed"))
}

// result is the outcome of one connection
type result struct {
	endpoint string
	ch       *bootstrap.Channel
	err      error
	reply    []byte
}

func run(_ *cobra.Command, _ []string) error {
	config := util.GetClientConfig()
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	Logger := util.Logger
	Logger.Debugf("Configuration:\n%s", config.String())

	var tlsCtx *tlsctx.Context
	if opts, enabled, err := util.GetTLSOptions(true); err != nil {
		return err
	} else if enabled {
		if tlsCtx, err = tlsctx.NewClientContext(opts); err != nil {
			return err
		}
	}

	group, err := util.NewGroup(config.Group)
	if err != nil {
		return err
	}
	defer group.Close()

	r, err := resolver.New(config.Resolver)
	if err != nil {
		return err
	}
	client, err := bootstrap.NewClientBootstrap(group,
		bootstrap.WithResolver(r),
		bootstrap.WithSocketOptions(config.Transport))
	if err != nil {
		_ = r.Close()
		return err
	}
	defer client.Release()

	message := viper.GetString("send")
	timeout := time.Duration(config.TimeoutSecond) * time.Second
	perEndpoint := int(math.Max(1, float64(config.ConnectionsPerEndpoint)))

	var wg sync.WaitGroup
	results := make(chan result, len(config.Endpoints)*perEndpoint)

	for _, endpoint := range config.Endpoints {
		host, port, err := util.SplitEndpoint(endpoint, config.Transport.Domain)
		if err != nil {
			return err
		}
		for i := 0; i < perEndpoint; i++ {
			wg.Add(1)
			endpoint := endpoint
			err := client.Connect(bootstrap.ConnectRequest{Host: host, Port: port, TLS: tlsCtx, ServerName: config.ServerName},
				func(ch *bootstrap.Channel, err error) {
					if err != nil || message == "" {
						results <- result{endpoint: endpoint, ch: ch, err: err}
						wg.Done()
						return
					}
					exchange(ch, endpoint, message, results, wg.Done)
				})
			if err != nil {
				wg.Done()
				results <- result{endpoint: endpoint, err: err}
			}
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
	close(results)

	failed := 0
	for res := range results {
		if res.err != nil {
			failed++
			fmt.Printf("%-24s error: %v\n", res.endpoint, res.err)
			continue
		}
		fmt.Printf("%-24s channel %s loop=%d peer=%s tls=%t alpn=%q\n",
			res.endpoint, res.ch.ID(), res.ch.Loop().Index(), res.ch.RemoteAddr(), res.ch.TLS(), res.ch.NegotiatedProtocol())
		if message != "" {
			fmt.Printf("%-24s reply: %q\n", "", res.reply)
		}
		_ = res.ch.Close()
	}

	if failed > 0 {
		return common.InvalidState("dio connect", fmt.Sprintf("%d connection(s) failed", failed))
	}
	return nil
}

// exchange writes message on ch and collects the reply. Runs on the channel's loop.
func exchange(ch *bootstrap.Channel, endpoint, message string, results chan<- result, done func()) {
	var reply []byte
	finished := false
	finish := func(err error) {
		if finished {
			return
		}
		finished = true
		results <- result{endpoint: endpoint, ch: ch, err: err, reply: reply}
		done()
	}

	err := ch.StartReading(func(data []byte) {
		reply = append(reply, data...)
		if len(reply) >= len(message) {
			finish(nil)
		}
	}, func(err error) {
		finish(err)
	})
	if err != nil {
		finish(err)
		return
	}

	if err := ch.Write([]byte(message), func(_ int, err error) {
		if err != nil {
			finish(err)
		}
	}); err != nil {
		finish(err)
	}
}
