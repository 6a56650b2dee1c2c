package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"flashpool/core/types"
	"flashpool/crypto"
	"flashpool/services/flashloand/client"
	flmw "flashpool/services/flashloand/middleware"
)

const (
	defaultEndpoint = "http://localhost:8085"
	defaultPassEnv  = "FLASHCTL_PASS"
	secretEnv       = "FLASHLOAND_JWT_SECRET"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "address":
		err = runAddress(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "pool":
		err = runPool(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: flashctl <command> [flags]

commands:
  keygen   create an encrypted keystore for a new pool address
  address  print the address held by a keystore
  token    sign an API token for the keystore address
  submit   post a manifest file to flashloand
  pool     print the pool aggregates`)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "operator.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	light := fs.Bool("light", false, "Use light scrypt parameters (development only)")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	fs.Parse(args)

	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists; pass -force to overwrite", *out)
	}
	pass, err := readPassphrase(*passEnv, true)
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	strength := crypto.StandardKeystore
	if *light {
		strength = crypto.LightKeystore
	}
	addr, err := crypto.SaveToKeystore(*out, key, pass, strength)
	if err != nil {
		return err
	}
	fmt.Println(addr.String())
	return nil
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	keystorePath := fs.String("keystore", "operator.keystore", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	fs.Parse(args)

	addr, err := loadAddress(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	fmt.Println(addr.String())
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	keystorePath := fs.String("keystore", "operator.keystore", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	scopes := fs.String("scopes", "", "Comma-separated roles to grant (admin,treasurer,bot)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	issuer := fs.String("issuer", "flashpool", "Token issuer")
	audience := fs.String("audience", "flashloand", "Token audience")
	fs.Parse(args)

	roles, err := parseScopes(*scopes)
	if err != nil {
		return err
	}
	addr, err := loadAddress(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	token, err := flmw.IssueToken(flmw.AuthConfig{
		HMACSecret: os.Getenv(secretEnv),
		Issuer:     *issuer,
		Audience:   *audience,
	}, addr.String(), roles, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	endpoint := fs.String("endpoint", defaultEndpoint, "flashloand base URL")
	file := fs.String("file", "-", "Manifest JSON file, - for stdin")
	tokenFlag := fs.String("token", "", "Bearer token (defaults to FLASHCTL_TOKEN)")
	key := fs.String("idempotency-key", "", "Idempotency key for safe retries")
	fs.Parse(args)

	token := strings.TrimSpace(*tokenFlag)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("FLASHCTL_TOKEN"))
	}
	if token == "" {
		return errors.New("a token is required")
	}
	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	manifest, err := readManifest(in)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := client.New(*endpoint, func() (string, error) { return token, nil })
	receipt, err := c.Submit(ctx, manifest, *key)
	if err != nil {
		return err
	}
	return printJSON(receipt)
}

func runPool(args []string) error {
	fs := flag.NewFlagSet("pool", flag.ExitOnError)
	endpoint := fs.String("endpoint", defaultEndpoint, "flashloand base URL")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := client.New(*endpoint, nil).Pool(ctx)
	if err != nil {
		return err
	}
	return printJSON(pool)
}

func loadAddress(path, passEnv string) (crypto.Address, error) {
	pass, err := readPassphrase(passEnv, false)
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("unlock keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func readPassphrase(envName string, confirm bool) (string, error) {
	if envName != "" {
		if pass, ok := os.LookupEnv(envName); ok {
			return pass, nil
		}
	}
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("set %s or run from a terminal", envName)
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(first), nil
}

func parseScopes(raw string) ([]string, error) {
	var scopes []string
	for _, part := range strings.Split(raw, ",") {
		scope := strings.ToLower(strings.TrimSpace(part))
		if scope == "" {
			continue
		}
		switch types.Role(scope) {
		case types.RoleAdmin, types.RoleTreasurer, types.RoleBot:
			scopes = append(scopes, scope)
		default:
			return nil, fmt.Errorf("unknown scope %q", scope)
		}
	}
	return scopes, nil
}

func readManifest(r io.Reader) (types.Manifest, error) {
	var manifest types.Manifest
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&manifest); err != nil {
		return types.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return types.Manifest{}, err
	}
	return manifest, nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
