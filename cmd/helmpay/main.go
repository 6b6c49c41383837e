package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/auth"
	"github.com/Mindburn-Labs/helmpay/pkg/config"
	"github.com/Mindburn-Labs/helmpay/pkg/crypto"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "helmpay %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "\nhelmpay %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  helmpay <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the payment API server (default)")
	printCommand(w, "health", "Check server health (--addr)")
	printCommand(w, "keygen", "Generate an Ed25519 agent key pair (--id)")
	printCommand(w, "token", "Mint a bearer token from JWT_HMAC_SECRET (--sub, --org, --role, --ttl)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	addr := cmd.String("addr", "http://localhost:8080", "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(*addr, "/") + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(out, "OK")
	return 0
}

// runKeygenCmd prints a key pair. The public line is in the format
// HELMPAY_AGENT_KEYS expects.
func runKeygenCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	keyID := cmd.String("id", "", "Key id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *keyID == "" {
		_, _ = fmt.Fprintln(errOut, "Error: --id is required")
		cmd.Usage()
		return 2
	}

	signer, err := crypto.NewEd25519Signer(*keyID)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(out, "public:  %s=%s\n", signer.KeyID, base64.StdEncoding.EncodeToString(signer.PublicKey()))
	_, _ = fmt.Fprintf(out, "seed:    %s\n", base64.StdEncoding.EncodeToString(signer.Seed()))
	return 0
}

func runTokenCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	var (
		subject string
		org     string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "sub", "", "Subject (REQUIRED)")
	cmd.StringVar(&org, "org", "", "Organization id (REQUIRED)")
	cmd.StringVar(&roles, "role", "", "Comma-separated roles")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" || org == "" {
		_, _ = fmt.Fprintln(errOut, "Error: --sub and --org are required")
		cmd.Usage()
		return 2
	}

	if err := config.LoadEnvFiles(); err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	cfg := config.Load()
	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if validator == nil {
		_, _ = fmt.Fprintln(errOut, "Error: JWT_HMAC_SECRET is not set")
		return 1
	}

	p := auth.Principal{Subject: subject, OrganizationID: org}
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			p.Roles = append(p.Roles, r)
		}
	}
	tok, err := validator.Sign(p, cfg.JWTIssuer, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, tok)
	return 0
}
