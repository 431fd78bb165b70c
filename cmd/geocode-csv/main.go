// Command geocode-csv reads a CSV file with a header row on standard input,
// geocodes the address columns named by a spec file, and writes the CSV back
// out on standard output with the geocoded columns appended. Credentials
// come from SMARTY_AUTH_ID and SMARTY_AUTH_TOKEN.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Atlas/internal/tracing"
	"github.com/wehubfusion/Atlas/pkg/addresses"
	"github.com/wehubfusion/Atlas/pkg/csvio"
	"github.com/wehubfusion/Atlas/pkg/geocoder"
	"github.com/wehubfusion/Atlas/pkg/smarty"
	"github.com/wehubfusion/Atlas/pkg/structure"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	specPath := flag.String("spec", "", "JSON or YAML file describing which columns to geocode (required)")
	match := flag.String("match", "strict", "match strategy: strict, range or invalid")
	duplicateColumns := flag.String("duplicate-columns", "error", "how to handle output column collisions: error, replace or append")
	charset := flag.String("encoding", "utf-8", "input/output character set: utf-8, latin-1 or windows-1252")
	endpoint := flag.String("endpoint", "", "override the geocoding service endpoint")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP endpoint for tracing (disabled when empty)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("could not build logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			logger.Warn("could not initialize sentry, continuing without it", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()

	if *otlpEndpoint != "" {
		config := tracing.DefaultConfig("geocode-csv")
		config.OTLPEndpoint = *otlpEndpoint
		shutdown, err := tracing.Setup(ctx, config, logger)
		if err != nil {
			logger.Warn("could not set up tracing, continuing without it", zap.Error(err))
		} else {
			defer tracing.Shutdown(shutdown, logger)
		}
	}

	if *specPath == "" {
		flag.Usage()
		return fmt.Errorf("--spec is required")
	}

	spec, err := addresses.Load(*specPath)
	if err != nil {
		return err
	}

	matchStrategy, err := smarty.ParseMatchStrategy(*match)
	if err != nil {
		return err
	}

	duplicatePolicy, err := geocoder.ParseDuplicatePolicy(*duplicateColumns)
	if err != nil {
		return err
	}

	st, err := structure.Complete()
	if err != nil {
		return err
	}

	client, err := smarty.NewClient(smarty.Config{
		BaseURL:   *endpoint,
		AuthID:    os.Getenv("SMARTY_AUTH_ID"),
		AuthToken: os.Getenv("SMARTY_AUTH_TOKEN"),
	}, logger)
	if err != nil {
		return err
	}

	pipeline, err := geocoder.New(spec, st, client, geocoder.Options{
		Match:            matchStrategy,
		DuplicateColumns: duplicatePolicy,
	}, logger)
	if err != nil {
		return err
	}

	in, err := csvio.NewReader(os.Stdin, *charset)
	if err != nil {
		return err
	}
	out, err := csvio.NewWriter(os.Stdout, *charset)
	if err != nil {
		return err
	}

	result := pipeline.Run(ctx, in, out)
	if err := result.Err(); err != nil {
		sentry.CaptureException(err)
		return err
	}
	return nil
}
