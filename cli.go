package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
)

const usageText = `amp-pool-proxy: local routing proxy for AI CLI subscriptions

Usage:
  amp-pool-proxy              start the proxy server
  amp-pool-proxy setup        print client setup instructions
  amp-pool-proxy login <p>    log in to a provider (anthropic, codex, google)
  amp-pool-proxy help         show this help
`

// runCLI dispatches the subcommand surface. The second return is false when
// the arguments mean "start the server".
func runCLI(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch args[0] {
	case "help", "--help", "-h":
		fmt.Print(usageText)
		return 0, true
	case "setup":
		runSetup()
		return 0, true
	case "login":
		return runLogin(args[1:]), true
	}
	return 0, false
}

func runSetup() {
	fmt.Println("Point your client at this proxy by setting its API base URL to")
	fmt.Println("http://localhost:10987 (or the configured listen port), then run")
	fmt.Println("`amp-pool-proxy login <provider>` for each subscription you hold.")
}

func runLogin(args []string) int {
	if len(args) == 0 {
		fmt.Println("available providers: anthropic, codex, google")
		return 0
	}
	provider := oauthProviderByName(args[0])
	if provider == nil {
		fmt.Fprintf(os.Stderr, "unknown provider %q\n", args[0])
		return 1
	}

	cfg := buildConfig()
	initLogging(cfg.debug, cfg.logFile)
	store, err := newCredStore(cfg.credentialsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open credential store: %v\n", err)
		return 1
	}
	defer store.Close()

	engine := newOAuthEngine(store, &http.Client{Transport: newTransport()})
	creds, account, err := engine.login(context.Background(), provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		return 1
	}
	fmt.Printf("logged in to %s as account %d", provider.name, account)
	if creds.Email != "" {
		fmt.Printf(" (%s)", creds.Email)
	}
	fmt.Println()
	return 0
}
