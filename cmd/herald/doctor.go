package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/herald/internal/config"
	"github.com/basket/herald/internal/doctor"
	hotel "github.com/basket/herald/internal/otel"
)

func runDoctorCommand(ctx context.Context, configPath string, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: herald [-config path] doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load(configPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	diag := doctor.Run(ctx, cfg, err, hotel.Version)
	return writeDiagnosis(os.Stdout, diag, jsonOutput)
}

func writeDiagnosis(w io.Writer, diag doctor.Diagnosis, jsonOutput bool) int {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(w, "herald doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(w, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(w, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(w, "    %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() > 0 {
		return 1
	}
	return 0
}
