package provisioner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"crossforge/pkg/archive"
	"crossforge/pkg/fetch"
	"crossforge/pkg/s3"
)

// Provisioner downloads, verifies and extracts the configured artifacts,
// then composes the build environment. Each artifact is one atomic unit of
// work: nothing lands under the install root until its fetch and
// extraction fully succeeded.
type Provisioner struct {
	Config Config
	Logger *log.Logger
	Tracer trace.Tracer
	Signer *Signer
	S3     *s3.Client

	fetcher *fetch.Fetcher
	s3Once  sync.Once
	s3Err   error
}

// New creates a Provisioner for cfg. Logger and Tracer may be overridden
// before Run.
func New(cfg Config, logger *log.Logger) *Provisioner {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Provisioner{
		Config: cfg,
		Logger: logger,
		Tracer: noop.NewTracerProvider().Tracer("provisioner"),
		fetcher: fetch.New(fetch.Policy{
			Attempts:       cfg.Retry.Attempts,
			Delay:          cfg.Retry.Delay.Std(),
			AttemptTimeout: 5 * time.Minute,
		}),
	}
}

// Run provisions every configured artifact and returns the composed
// environment. Sequential by default; with Parallel set the units run
// concurrently (destinations are disjoint by validation). Any unit failure
// fails the run after in-flight siblings finish, and no environment is
// returned.
func (p *Provisioner) Run(ctx context.Context) (*Environment, error) {
	cfg := p.Config

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Std())
		defer cancel()
	}

	if p.Signer == nil && cfg.SigningKey != "" {
		signer, err := NewSigner("", cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		p.Signer = signer
	}

	runID := uuid.NewString()
	p.Logger.Printf("INFO provisioning run %s: %d artifacts into %s", runID, len(cfg.Artifacts), cfg.InstallRoot)

	if err := os.MkdirAll(cfg.InstallRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create install root: %w", err)
	}
	stagingRoot := cfg.StagingDir
	if stagingRoot == "" {
		// Staging defaults under the install root so the final rename
		// stays on one filesystem.
		stagingRoot = filepath.Join(cfg.InstallRoot, ".staging")
	}
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	if cfg.StatusAddr != "" {
		ready := newReadiness()
		stop := startStatusServer(cfg.StatusAddr, ready, p.Logger)
		defer stop(context.Background())
		defer ready.markDone()
	}

	if cfg.Parallel {
		var g errgroup.Group
		for _, spec := range cfg.Artifacts {
			g.Go(func() error {
				return p.runUnit(ctx, spec, stagingRoot)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for _, spec := range cfg.Artifacts {
			if err := p.runUnit(ctx, spec, stagingRoot); err != nil {
				return nil, err
			}
		}
	}

	env, err := BuildEnvironment(cfg)
	if err != nil {
		return nil, err
	}
	p.Logger.Printf("INFO provisioning run %s: complete, %d variables", runID, len(env.Vars()))
	return env, nil
}

func (p *Provisioner) runUnit(ctx context.Context, spec ArtifactSpec, stagingRoot string) (err error) {
	ctx, span := p.Tracer.Start(ctx, "provision.artifact",
		trace.WithAttributes(attribute.String("artifact", spec.Name)))
	defer span.End()
	defer func() {
		if err != nil {
			unitFailures.WithLabelValues(spec.Name).Inc()
			err = fmt.Errorf("artifact %s: %w", spec.Name, err)
		}
	}()

	dest := filepath.Join(p.Config.InstallRoot, spec.Dest)
	if !p.Config.Force && dirPopulated(dest) {
		p.Logger.Printf("INFO artifact %s: %s already populated, skipping", spec.Name, dest)
		return nil
	}

	staging, err := os.MkdirTemp(stagingRoot, spec.Name+"-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	payload := filepath.Join(staging, "payload")
	if err := os.MkdirAll(payload, 0o755); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}

	if spec.Manifest != "" {
		if err := p.runManifest(ctx, spec, staging, payload); err != nil {
			return err
		}
	} else {
		format, err := p.Config.artifactFormat(spec)
		if err != nil {
			return err
		}
		result, err := p.fetcher.Fetch(ctx, spec.URL, staging)
		fetchAttempts.WithLabelValues(spec.Name).Add(float64(result.Attempts))
		if err != nil {
			return err
		}
		fetchedBytes.WithLabelValues(spec.Name).Add(float64(result.Size))
		p.Logger.Printf("INFO artifact %s: fetched %d bytes (sha256 %s)", spec.Name, result.Size, result.SHA256)

		if err := archive.Extract(ctx, result.Path, payload, format); err != nil {
			return err
		}
		extractedArchives.Inc()
	}

	if p.Config.Force {
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("clear destination: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Rename(payload, dest); err != nil {
		return fmt.Errorf("move into place: %w", err)
	}

	p.Logger.Printf("INFO artifact %s: installed at %s", spec.Name, dest)
	return nil
}

// runManifest resolves a manifest-driven artifact: every entry is fetched
// through the same retry policy as direct downloads, verified against its
// digest, and unpacked or placed under the payload dir.
func (p *Provisioner) runManifest(ctx context.Context, spec ArtifactSpec, staging, payload string) error {
	manifest, err := LoadManifest(spec.Manifest)
	if err != nil {
		return err
	}
	if err := manifest.VerifySignature(p.Signer); err != nil {
		return err
	}

	for _, entry := range manifest.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, attempts, err := p.fetchEntry(ctx, entry, staging)
		fetchAttempts.WithLabelValues(spec.Name).Add(float64(attempts))
		if err != nil {
			return fmt.Errorf("%w: entry %q: %w", ErrManifestFetch, entry.Name, err)
		}
		if err := verifyDigest(path, entry.Size, entry.SHA256); err != nil {
			return fmt.Errorf("%w: entry %q: %w", ErrManifestFetch, entry.Name, err)
		}
		fetchedBytes.WithLabelValues(spec.Name).Add(float64(entry.Size))

		if entry.Unpack != "" {
			format, err := archive.ParseFormat(entry.Unpack)
			if err != nil {
				return fmt.Errorf("%w: entry %q: %w", ErrManifestFetch, entry.Name, err)
			}
			if err := archive.Extract(ctx, path, payload, format); err != nil {
				return fmt.Errorf("%w: entry %q: %w", ErrManifestFetch, entry.Name, err)
			}
			extractedArchives.Inc()
		} else {
			if err := os.Rename(path, filepath.Join(payload, entry.Name)); err != nil {
				return fmt.Errorf("%w: entry %q: place file: %v", ErrManifestFetch, entry.Name, err)
			}
		}
		p.Logger.Printf("INFO artifact %s: manifest entry %s resolved", spec.Name, entry.Name)
	}
	return nil
}

func (p *Provisioner) fetchEntry(ctx context.Context, entry ManifestEntry, staging string) (string, int, error) {
	if strings.HasPrefix(entry.URL, "s3://") {
		return p.fetchS3Entry(ctx, entry, staging)
	}

	result, err := p.fetcher.Fetch(ctx, entry.URL, staging)
	if err != nil {
		return "", result.Attempts, err
	}
	return result.Path, result.Attempts, nil
}

// fetchS3Entry downloads an s3://bucket/key entry under the same bounded
// retry policy as HTTP fetches.
func (p *Provisioner) fetchS3Entry(ctx context.Context, entry ManifestEntry, staging string) (string, int, error) {
	bucket, key, err := s3.ParseURL(entry.URL)
	if err != nil {
		return "", 0, err
	}
	client, err := p.s3Client(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("s3 client: %w", err)
	}

	tmp, err := os.CreateTemp(staging, "fetch-*.partial")
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	maxAttempts := p.Config.Retry.Attempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(p.Config.Retry.Delay.Std()))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open staging file: %w", err)
		}
		_, getErr := client.GetObject(ctx, bucket, key, out)
		out.Close()
		if getErr != nil {
			return retry.RetryableError(getErr)
		}
		return nil
	})
	if err != nil {
		os.Remove(tmpPath)
		return "", attempts, err
	}
	return tmpPath, attempts, nil
}

// s3Client initialises the shared S3 client on first use. Guarded so
// parallel manifest units do not race on the field.
func (p *Provisioner) s3Client(ctx context.Context) (*s3.Client, error) {
	p.s3Once.Do(func() {
		if p.S3 != nil {
			return
		}
		client, err := s3.NewClientFromEnv(ctx)
		if err != nil {
			p.s3Err = err
			return
		}
		p.S3 = client
	})
	return p.S3, p.s3Err
}

func dirPopulated(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
