// Command ecliptixctl is a local demo harness for the engine: it runs a
// complete initiator/responder handshake and a short burst of messages
// in-process so the wire format and ratchet behavior can be exercised
// without a transport.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"ecliptix-core/internal/config"
	"ecliptix-core/internal/handshake"
	"ecliptix-core/internal/identity"
	"ecliptix-core/internal/logging"
	"ecliptix-core/internal/session"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "demo":
		err = runDemo(args)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  demo   Run a handshake and a short message exchange between two in-process peers")
	os.Exit(2)
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	messages := fs.Int("messages", 3, "number of messages to exchange after the handshake")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "config: app=%s argon2_memory_kib=%d max_skipped=%d\n", cfg.AppName, cfg.Argon2.MemoryKiB, cfg.MaxSkippedPerChain)

	log := logging.New(logging.Config{AppName: cfg.AppName, Environment: cfg.Environment, Level: cfg.LogLevel})

	alice, err := identity.Create(5)
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := identity.Create(5)
	if err != nil {
		return err
	}
	defer bob.Close()

	bobBundle := bob.Bundle(5)

	aliceEngine := session.New(alice, 16, log.With(slog.String("peer", "alice")))
	defer aliceEngine.Close()
	bobEngine := session.New(bob, 16, log.With(slog.String("peer", "bob")))
	defer bobEngine.Close()

	initOut, err := aliceEngine.Initiate(bobBundle)
	if err != nil {
		return err
	}

	responderInput := handshake.ResponderInput{
		InitiatorIdEdPublic: alice.SigningPublic(),
		InitiatorIdXPublic:  alice.IdentityDH().Public,
		InitiatorEphemeral:  initOut.EphemeralPublic,
		UsedOPKID:           initOut.UsedOPKID,
	}
	if _, err := bobEngine.Accept(responderInput, initOut.InitialSendingDHPublic); err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, "handshake complete")

	for i := 0; i < *messages; i++ {
		plaintext := []byte(fmt.Sprintf("message %d", i))
		env, err := aliceEngine.Send(plaintext, []byte("demo-session"))
		if err != nil {
			return err
		}
		got, err := bobEngine.Receive(env, []byte("demo-session"))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "alice -> bob: %q\n", string(got))
	}

	return printJSON(struct {
		Messages int `json:"messagesExchanged"`
	}{*messages})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
