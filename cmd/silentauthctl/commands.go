package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	"silentauth/internal/blind"
	"silentauth/internal/config"
	"silentauth/internal/ipc"
	"silentauth/internal/keypair"
	"silentauth/internal/logging"
	"silentauth/internal/metrics"
	"silentauth/internal/oaep"
	"silentauth/internal/security"
	"silentauth/internal/tracing"
)

// errRejected is returned by login when the daemon refuses the response.
var errRejected = errors.New("authentication rejected")

// clientMetrics is printed on exit with -stats.
var clientMetrics = metrics.NewClientMetrics(nil)

// openTracer returns the configured tracer, or nil when tracing is off or
// the trace file cannot be opened.
func openTracer(cfg *config.Config) *tracing.Tracer {
	tr, err := tracing.NewFileTracer("silentauthctl", cfg.Logging.TracePath, cfg.Logging.TraceSampleRatio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%swarning%s: tracing disabled: %v\n", c.Yellow, c.Reset, err)
		return nil
	}
	return tr
}

// openAudit returns the configured audit logger, or nil when auditing is
// off or the log cannot be opened.
func openAudit(cfg *config.Config) *logging.AuditLogger {
	ac := cfg.AuditConfig("silentauthctl")
	if ac == nil {
		return nil
	}
	audit, err := logging.NewAuditLogger(ac)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%swarning%s: audit log unavailable: %v\n", c.Yellow, c.Reset, err)
		return nil
	}
	return audit
}

// defaultIdentity is user@host, falling back to the configured identity.
func defaultIdentity(cfg *config.Config) string {
	if cfg.Keys.Identity != "" {
		return cfg.Keys.Identity
	}
	name := "user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return name
	}
	return name + "@" + host
}

func cmdKeygen(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	bits := fs.Int("bits", cfg.Keys.Bits, "modulus size in bits")
	identity := fs.String("identity", defaultIdentity(cfg), "identity recorded in the key file")
	out := fs.String("out", cfg.Keys.KeyPath, "key file path")
	force := fs.Bool("force", false, "overwrite an existing key file")
	fs.Parse(args)

	opts, err := keygenOptions(cfg, *bits)
	if err != nil {
		return err
	}
	if err := security.ValidateIdentity(*identity); err != nil {
		return fmt.Errorf("identity %q: %w", *identity, err)
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("key file %s exists (use -force to replace it)", *out)
	}
	if err := security.DisableCoreDumps(); err != nil {
		fmt.Fprintf(os.Stderr, "%swarning%s: could not disable core dumps: %v\n", c.Yellow, c.Reset, err)
	}

	opts.Tracer = openTracer(cfg)
	defer opts.Tracer.Shutdown()
	audit := openAudit(cfg)
	defer audit.Close()

	fmt.Printf("Generating %d-bit key for %s%s%s ", opts.Bits, c.Cyan, *identity, c.Reset)
	kp, took, err := generate(ctx, opts, os.Stdout)
	fmt.Println()
	if err != nil {
		return err
	}
	defer kp.Wipe()

	return saveKey(ctx, kp, *identity, *out, took, audit, os.Stdout)
}

// keygenOptions applies the keys.bits bounds to a -bits value.
func keygenOptions(cfg *config.Config, bits int) (keypair.Options, error) {
	if err := config.ValidateKeyBits(bits); err != nil {
		return keypair.Options{}, fmt.Errorf("-bits %d: %w", bits, err)
	}
	return keypair.Options{Bits: bits, E: cfg.Keys.Exponent}, nil
}

// saveKey writes kp to path and records the generation.
func saveKey(ctx context.Context, kp *keypair.KeyPair, identity, path string, took time.Duration, audit *logging.AuditLogger, w io.Writer) error {
	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := keypair.Save(path, identity, kp); err != nil {
		return err
	}

	fp, err := keypair.Fingerprint(kp.PublicKey())
	if err != nil {
		return err
	}
	clientMetrics.KeyGenerated(took)
	audit.LogKeyGenerated(ctx, identity, fp, kp.N.BitLen(), took)

	printOK(w, "Key generated")
	printField(w, "File", path)
	printField(w, "Fingerprint", fp)
	printField(w, "Took", took.Round(time.Millisecond))
	return nil
}

// generate runs key generation in the background, printing a progress dot
// to w every second.
func generate(ctx context.Context, opts keypair.Options, w io.Writer) (*keypair.KeyPair, time.Duration, error) {
	start := time.Now()
	results := keypair.GenerateAsync(ctx, opts)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case res := <-results:
			return res.Key, time.Since(start), res.Err
		case <-ticker.C:
			fmt.Fprint(w, ".")
		}
	}
}

// loadKey reads the device key and resolves the identity to use, which is
// the flag value, then the key file's identity, then the default.
func loadKey(cfg *config.Config, path, identity string) (*keypair.KeyPair, string, error) {
	kp, saved, err := keypair.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("no device key at %s (run: silentauthctl keygen)", path)
		}
		return nil, "", err
	}
	switch {
	case identity != "":
	case saved != "":
		identity = saved
	default:
		identity = defaultIdentity(cfg)
	}
	return kp, identity, nil
}

func cmdRegister(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("register", flag.ExitOnError)
	identity := fs.String("identity", "", "identity to register")
	keyPath := fs.String("key", cfg.Keys.KeyPath, "key file path")
	fs.Parse(args)

	kp, id, err := loadKey(cfg, *keyPath, *identity)
	if err != nil {
		return err
	}
	defer kp.Wipe()

	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return register(ctx, client, id, kp.PublicKey(), os.Stdout)
}

func register(ctx context.Context, client *ipc.IPCClient, identity string, pub *keypair.PublicKey, w io.Writer) error {
	res, err := client.RegisterKey(ctx, identity, pub)
	if err != nil {
		return fmt.Errorf("register %s: %w", identity, err)
	}
	printOK(w, "Key registered")
	printField(w, "Identity", res.Identity)
	printField(w, "Fingerprint", res.Fingerprint)
	return nil
}

func cmdLogin(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("login", flag.ExitOnError)
	identity := fs.String("identity", "", "identity to authenticate")
	keyPath := fs.String("key", cfg.Keys.KeyPath, "key file path")
	fs.Parse(args)

	kp, id, err := loadKey(cfg, *keyPath, *identity)
	if err != nil {
		return err
	}
	defer kp.Wipe()

	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	tracer := openTracer(cfg)
	defer tracer.Shutdown()
	return tracer.Trace(ctx, "ctl.login", func(ctx context.Context) error {
		return login(ctx, client, kp, id, os.Stdout)
	}, tracing.WithSpanKind(tracing.SpanKindClient), tracing.WithAttributes(tracing.String("identity", id)))
}

// login requests a challenge for identity, decrypts it with the device key
// and submits the recovered message.
func login(ctx context.Context, client *ipc.IPCClient, kp *keypair.KeyPair, identity string, w io.Writer) error {
	issued, err := client.RequestChallenge(ctx, identity)
	if err != nil {
		switch {
		case ipc.IsRemoteCode(err, ipc.ErrUnknownIdentity):
			return fmt.Errorf("%s is not registered (run: silentauthctl register)", identity)
		case ipc.IsRemoteCode(err, ipc.ErrRateLimited):
			return fmt.Errorf("too many challenges for %s, try again shortly", identity)
		}
		return fmt.Errorf("request challenge: %w", err)
	}

	engine, err := blind.NewEngine(kp, nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	start := time.Now()
	m, err := engine.Decrypt(issued.Ciphertext)
	if err != nil {
		if errors.Is(err, oaep.ErrDecode) {
			clientMetrics.DecodeFailed()
		}
		return fmt.Errorf("decrypt challenge: %w", err)
	}
	defer security.Wipe(m)
	clientMetrics.Decrypted(time.Since(start))

	res, err := client.SubmitResponse(ctx, issued.ChallengeID, m)
	if err != nil {
		return fmt.Errorf("submit response: %w", err)
	}
	if !res.Verified {
		clientMetrics.Rejected()
		return fmt.Errorf("%w: %s", errRejected, res.Reason)
	}

	printOK(w, "Authenticated")
	printField(w, "Identity", identity)
	printField(w, "Challenge", issued.ChallengeID)
	printField(w, "Answered in", time.Since(start).Round(time.Millisecond))
	return nil
}

func cmdStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	withMetrics := fs.Bool("metrics", false, "include daemon metrics")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status(ctx, *withMetrics)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	w := os.Stdout
	printSection(w, "DAEMON STATUS")
	printField(w, "Version", c.Cyan+status.Version+c.Reset)
	printField(w, "Uptime", status.Uptime.Round(time.Second))
	printField(w, "Started", status.StartedAt.Format(time.RFC3339))
	printField(w, "Socket", cfg.Server.SocketPath)
	printField(w, "Access", client.Permission())

	printSection(w, "CHALLENGES")
	printField(w, "Storage", status.Storage)
	printField(w, "Keys", status.Keys)
	printField(w, "Pending", status.Pending)
	printField(w, "TTL", status.ChallengeTTL)

	if len(status.Metrics) > 0 {
		printSection(w, "METRICS")
		for _, name := range sortedNames(status.Metrics) {
			printField(w, name, status.Metrics[name])
		}
	}
	fmt.Fprintln(w)
	return nil
}

func cmdChallenge(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: silentauthctl challenge <id>")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.ChallengeStatus(ctx, args[0])
	if err != nil {
		if ipc.IsRemoteCode(err, ipc.ErrNotFound) {
			return fmt.Errorf("challenge %s not found", args[0])
		}
		return err
	}

	color := c.Yellow
	switch st.Status {
	case "verified":
		color = c.Green
	case "rejected", "expired":
		color = c.Red
	}
	printField(os.Stdout, "Challenge", st.ChallengeID)
	printField(os.Stdout, "Status", color+st.Status+c.Reset)
	printField(os.Stdout, "Expires", st.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

func cmdPing(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	rtt, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pong from silentauthd %s in %s\n", client.ServerVersion(), rtt.Round(time.Microsecond))
	return nil
}

func sortedNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
