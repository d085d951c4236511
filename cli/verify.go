package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kyriosdata/seguranca-sub004/certvalidator"
	"github.com/kyriosdata/seguranca-sub004/certvalidator/fetchers"
	"github.com/kyriosdata/seguranca-sub004/certvalidator/revinfo"
	"github.com/kyriosdata/seguranca-sub004/config"
	"github.com/kyriosdata/seguranca-sub004/log"
	"github.com/kyriosdata/seguranca-sub004/sign/validation"
	"github.com/kyriosdata/seguranca-sub004/sign/validation/report"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	SignatureFile string
	ContentFile   string
	PolicyOID     string
	ConfigFile    string
	MetricsFile   string
	JSON          bool
	Verbose       bool
}

// VerifyCommand implements the 'verify' command.
func VerifyCommand(args []string, stdout, stderr io.Writer) int {
	verifyFlags := flag.NewFlagSet("verify", flag.ContinueOnError)
	verifyFlags.SetOutput(stderr)

	var opts VerifyOptions
	verifyFlags.StringVar(&opts.SignatureFile, "sig", "", "Signature file (CAdES DER or XAdES XML)")
	verifyFlags.StringVar(&opts.ContentFile, "content", "", "Detached content file")
	verifyFlags.StringVar(&opts.PolicyOID, "policy", "", "Policy OID for signatures that do not identify one")
	verifyFlags.StringVar(&opts.ConfigFile, "config", "", "Engine configuration file (YAML)")
	verifyFlags.StringVar(&opts.MetricsFile, "metrics", "", "Write revocation cache metrics to this file")
	verifyFlags.BoolVar(&opts.JSON, "json", false, "Output the report in JSON format")
	verifyFlags.BoolVar(&opts.Verbose, "verbose", false, "Log at debug level")

	verifyFlags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: adescheck verify -sig FILE [options]\n\n")
		fmt.Fprintln(stderr, "Verify the signatures of a CAdES or XAdES file against ICP-Brasil policies.")
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Options:")
		verifyFlags.PrintDefaults()
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, "Exit status: 0 valid, 1 invalid, 2 indeterminate, 3 usage or parse error.")
	}

	if err := verifyFlags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitValid
		}
		return ExitUsage
	}
	if opts.SignatureFile == "" || verifyFlags.NArg() > 0 {
		verifyFlags.Usage()
		return ExitUsage
	}

	rep, err := verify(context.Background(), &opts, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}

	if opts.JSON {
		err = report.WriteJSON(stdout, rep)
	} else {
		err = report.WriteText(stdout, rep)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsage
	}
	return exitCode(rep.Status)
}

func exitCode(s report.Status) int {
	switch s {
	case report.StatusValid:
		return ExitValid
	case report.StatusIndeterminate:
		return ExitIndeterminate
	default:
		return ExitInvalid
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func verify(ctx context.Context, opts *VerifyOptions, stderr io.Writer) (*report.Report, error) {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = logrus.DebugLevel.String()
	}
	logger, err := log.New(stderr, level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	ctx = log.WithLogger(ctx, logger)

	data, err := os.ReadFile(opts.SignatureFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature: %w", err)
	}
	var content []byte
	if opts.ContentFile != "" {
		if content, err = os.ReadFile(opts.ContentFile); err != nil {
			return nil, fmt.Errorf("failed to read content: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	v, err := newVerifier(cfg, registry)
	if err != nil {
		return nil, err
	}

	policyOID := opts.PolicyOID
	if policyOID == "" {
		policyOID = cfg.DefaultPolicy
	}
	if policyOID != "" {
		if _, err := config.ProcessOID(policyOID); err != nil {
			return nil, err
		}
	}

	rep, err := v.Verify(ctx, data, content, validation.VerifyOptions{PolicyOID: policyOID})
	if err != nil {
		return nil, err
	}

	if rs, ok := v.Revocation.(*certvalidator.RevocationSources); ok && rs.Cache != nil {
		if n, err := rs.Cache.Prune(ctx); err != nil {
			logger.Warnf("failed to prune revocation cache: %v", err)
		} else if n > 0 {
			logger.Debugf("pruned %d cached revocation list(s)", n)
		}
	}

	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, registry); err != nil {
			logger.Warnf("failed to write metrics: %v", err)
		}
	}
	return rep, nil
}

// newVerifier wires the configured trust material and revocation sources.
func newVerifier(cfg *config.Config, reg prometheus.Registerer) (*validation.Verifier, error) {
	policies, err := cfg.LoadPolicies()
	if err != nil {
		return nil, err
	}
	intermediates, err := cfg.LoadIntermediates()
	if err != nil {
		return nil, err
	}
	constraints, err := cfg.SignerConstraints()
	if err != nil {
		return nil, err
	}
	revocation, err := revocationSources(cfg, reg)
	if err != nil {
		return nil, err
	}

	return validation.NewVerifier(
		validation.WithPolicies(policies),
		validation.WithCollection(intermediates),
		validation.WithRules(cfg.PolicyRules()),
		validation.WithRevocation(revocation),
		validation.WithSignerConstraints(constraints),
	), nil
}

func revocationSources(cfg *config.Config, reg prometheus.Registerer) (*certvalidator.RevocationSources, error) {
	if cfg.Network.Offline {
		return certvalidator.NewRevocationSources(nil, nil), nil
	}
	fc, err := cfg.FetcherConfig()
	if err != nil {
		return nil, err
	}
	dir, err := cfg.CacheDir()
	if err != nil {
		return nil, err
	}
	fetcher := fetchers.NewFetcher(fc)
	cache, err := revinfo.NewCache(dir, fetcher,
		revinfo.WithMaxAge(cfg.Cache.MaxAge),
		revinfo.WithMetrics(revinfo.NewMetrics(reg)),
	)
	if err != nil {
		return nil, err
	}
	return certvalidator.NewRevocationSources(cache, fetchers.NewOCSPClient(fetcher)), nil
}
