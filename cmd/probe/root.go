package probe

import (
	"fmt"
	"runtime"

	"github.com/ValentinKolb/dIO/cmd/util"
	"github.com/ValentinKolb/dIO/lib/elg"
	"github.com/ValentinKolb/dIO/lib/tlsctx"
	"github.com/spf13/cobra"
)

var (
	// ProbeCmd reports the capabilities of the TLS backend and the platform defaults
	ProbeCmd = &cobra.Command{
		Use:     "probe",
		Short:   "Report TLS backend capabilities",
		Long:    `Report the capabilities of the linked TLS backend (ALPN, supported minimum versions) and the platform defaults used by dIO. With TLS flags set, the options are also compiled to check them.`,
		PreRunE: util.BindCommandFlags,
		RunE:    run,
	}
)

func init() {
	util.SetupTLSFlags(ProbeCmd)

	key := "server"
	ProbeCmd.Flags().Bool(key, false, util.WrapString("Compile the TLS options for the server side"))
}

func run(cmd *cobra.Command, _ []string) error {
	backend := tlsctx.DefaultBackend()

	fmt.Println("PLATFORM")
	fmt.Printf("  %-26s: %s/%s\n", "OS/Arch", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  %-26s: %d\n", "Default Event Loops", elg.DefaultThreadCount())

	fmt.Println()
	fmt.Println("TLS BACKEND")
	fmt.Printf("  %-26s: %s\n", "Name", backend.Name())
	fmt.Printf("  %-26s: %t\n", "ALPN Available", tlsctx.IsALPNAvailable())
	for _, v := range []tlsctx.Version{tlsctx.VersionSSLv3, tlsctx.VersionTLSv1, tlsctx.VersionTLSv1_1, tlsctx.VersionTLSv1_2, tlsctx.VersionTLSv1_3} {
		fmt.Printf("  %-26s: %t\n", "Min Version "+v.String(), backend.SupportsVersion(v))
	}

	server, _ := cmd.Flags().GetBool("server")
	opts, enabled, err := util.GetTLSOptions(!server)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	fmt.Println()
	fmt.Print(opts.String())

	mode := tlsctx.ModeClient
	if server {
		mode = tlsctx.ModeServer
	}
	ctx, err := tlsctx.NewCompiler(mode, opts).Compile()
	if err != nil {
		return fmt.Errorf("TLS options do not compile: %w", err)
	}
	fmt.Printf("\nCompiled: %s\n", ctx)
	return nil
}
