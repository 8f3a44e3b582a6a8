package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/mktplace-tools/chatsync/internal/app"
	"github.com/mktplace-tools/chatsync/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides CHATSYNC_PROFILE)")
	userFlag := flag.String("user", "", "local user id to connect as")
	tokenFlag := flag.String("token", "", "bearer token (overrides CHATSYNC_TOKEN)")
	configFlag := flag.String("config", "", "config file path (overrides profile config.toml)")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("CHATSYNC_TOKEN")
	}

	fx.New(
		app.Module(app.Params{
			ProfileName: profileName,
			UserID:      *userFlag,
			Credential:  token,
			ConfigPath:  *configFlag,
		}),
	).Run()
}
