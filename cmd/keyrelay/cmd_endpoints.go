package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/keyrelay/keyrelay/internal/config"
)

func cmdEndpoints() {
	cfg, err := config.Load()
	if err != nil {
		fatal("config: %v", err)
	}

	reg, err := loadRegistry(cfg.EndpointsFile)
	if err != nil {
		fatal("endpoint registry: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tSECRET\tBASE URL\tDESCRIPTION")
	for _, ep := range reg.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ep.Slug, ep.SecretName, ep.BaseURL, ep.Description)
	}
	w.Flush()
}
