package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dIO/cmd/util"
	"github.com/ValentinKolb/dIO/lib/bootstrap"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
)

var (
	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start an echo server",
		Long:    `Start an echo server on an event loop group. Every accepted connection is assigned to one loop and echoes what it reads. The configuration can be set via command line flags or environment variables. The format of the environment variables is DIO_<flag> (e.g. DIO_TLS_CERT=server.pem)`,
		PreRunE: util.BindCommandFlags,
		RunE:    run,
	}
)

func init() {
	util.SetupGroupFlags(ServeCmd)
	util.SetupTransportFlags(ServeCmd)
	util.SetupTLSFlags(ServeCmd)

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "127.0.0.1:7000", util.WrapString("The address on which the server will listen (e.g. 0.0.0.0:7000, /tmp/dio.sock with --transport unix)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Address of the Prometheus metrics endpoint (e.g. localhost:9100, empty = disabled)"))

	key = "tls-watch"
	ServeCmd.PersistentFlags().Bool(key, false, util.WrapString("Recompile the TLS context when the certificate, key or CA files change"))
}

func run(_ *cobra.Command, _ []string) error {
	config := util.GetServerConfig()
	Logger := util.Logger
	fmt.Printf("Starting server with configuration:\n%s\n", config.String())

	// TLS
	var source func() *tlsctx.Context
	opts, enabled, err := util.GetTLSOptions(false)
	if err != nil {
		return err
	}
	if enabled {
		if config.WatchTLS {
			watcher, err := tlsctx.NewWatcher(tlsctx.ModeServer, opts)
			if err != nil {
				return err
			}
			defer watcher.Close()
			go func() {
				for ctx := range watcher.Updates() {
					Logger.Infof("TLS context reloaded: %s", ctx)
				}
			}()
			source = watcher.Current
		} else {
			tlsCtx, err := tlsctx.NewServerContext(opts)
			if err != nil {
				return err
			}
			source = func() *tlsctx.Context { return tlsCtx }
		}
	}

	// event loops
	group, err := util.NewGroup(config.Group)
	if err != nil {
		return err
	}
	defer group.Close()

	server, err := bootstrap.NewServerBootstrap(group, bootstrap.WithServerSocketOptions(config.Transport))
	if err != nil {
		return err
	}
	defer server.Release()

	ln, err := server.Listen(bootstrap.ListenRequest{Address: config.Endpoint, TLSSource: source}, echo)
	if err != nil {
		return err
	}
	fmt.Printf("Listening on %s (tls=%t, loops=%d)\n", ln.Addr(), enabled, group.LoopCount())

	// metrics
	if config.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(w, true)
		})
		srv := &http.Server{Addr: config.MetricsEndpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Logger.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Serving metrics on http://%s/metrics\n", config.MetricsEndpoint)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("Shutting down")
	return nil
}

// echo writes everything a channel reads back to it
func echo(ch *bootstrap.Channel, err error) {
	if err != nil {
		util.Logger.Warningf("Connection rejected: %v", err)
		return
	}
	util.Logger.Debugf("Accepted %s on loop %d (alpn=%q)", ch.RemoteAddr(), ch.Loop().Index(), ch.NegotiatedProtocol())

	_ = ch.StartReading(func(data []byte) {
		_ = ch.Write(data, nil)
	}, func(err error) {
		if err != nil {
			util.Logger.Debugf("Connection %s closed: %v", ch.ID(), err)
		}
	})
}
