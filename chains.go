package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"livesub/internal/bootstrap"
	"livesub/internal/config"
	"livesub/internal/engines"
)

func newChainsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:          "chains",
		Short:        "Show the recognition and translation chains and which backends are configured",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return printChains(cmd.OutOrStdout(), cfg)
		},
	}
}

func printChains(w io.Writer, cfg config.Config) error {
	recognition := engines.NewRecognition(bootstrap.RecognitionCandidates(cfg), cfg.Languages.Source, cfg.Pipeline.BackendTimeout)
	translation := engines.NewTranslation(bootstrap.TranslationCandidates(cfg), cfg.Languages.Source, cfg.Languages.Target, cfg.Pipeline.BackendTimeout)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Languages\t%s -> %s\n\n", cfg.Languages.Source, cfg.Languages.Target)
	writeChain(tw, "Recognition", recognition.Names(), recognition.Availability())
	fmt.Fprintln(tw)
	writeChain(tw, "Translation", translation.Names(), translation.Availability())
	return tw.Flush()
}

func writeChain(w io.Writer, title string, names []string, availability map[string]error) {
	fmt.Fprintln(w, title)
	for i, name := range names {
		status := "ready"
		if err := availability[name]; err != nil {
			status = "unavailable: " + err.Error()
		}
		fmt.Fprintf(w, "  %d.\t%s\t%s\n", i+1, name, status)
	}
}
