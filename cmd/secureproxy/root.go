package main

import (
	"github.com/spf13/cobra"

	"github.com/secureproxy/gateway/pkg/version"
)

// rootCmd builds the secureproxy command tree: run and version.
func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "secureproxy",
		Short: "Intercepting HTTPS policy gateway",
		Long: `secureproxy terminates TLS from clients using a dynamically minted
per-host leaf certificate signed by its own private CA, re-originates a
second TLS session to the true upstream, inspects the first plaintext
HTTP request, and forwards or rejects it against a host/path allow-list.

Two ingress modes run side by side by default: an explicit HTTP CONNECT
proxy, and a transparent interceptor that discovers the destination from
the Client Hello's Server Name Indication (SNI). Use --connect-only or
--sni-only to run a single mode.`,
		SilenceUsage: true,
		Version:      version.GetVersion(),
	}
	root.SetVersionTemplate("{{.Version}}\n")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(version.GetVersion())
			return nil
		},
	}
}
