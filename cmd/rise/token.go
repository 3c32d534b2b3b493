package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	rise "github.com/rise-support/rise-go"
	"github.com/rise-support/rise-go/hub"
)

var (
	tokenDisplayName string
	tokenConfigPath  string
	tokenSave        bool
)

func init() {
	tokenCmd.Flags().StringVar(&tokenDisplayName, "display-name", "", "Display name carried in the token")
	tokenCmd.Flags().StringVarP(&tokenConfigPath, "config", "c", "", "Server config file holding auth.secret")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "Save the token and user to ~/.rise/config.toml")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a hub token signed with the server secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		srvCfg, err := hub.LoadConfig(tokenConfigPath)
		if err != nil {
			return err
		}
		if srvCfg.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is not set (set %sAUTH_SECRET)", hub.EnvPrefix)
		}

		user := rise.UserContext{ID: args[0], DisplayName: tokenDisplayName}
		token, err := hub.NewAuthenticator(srvCfg.Auth.Secret, srvCfg.Auth.TokenExpiry).Issue(user)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		if !tokenSave {
			fmt.Println(token)
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		cfg.Auth.UserID = user.ID
		cfg.Auth.DisplayName = user.DisplayName
		cfg.Auth.TokenExpires = ""
		if srvCfg.Auth.TokenExpiry > 0 {
			cfg.Auth.TokenExpires = time.Now().Add(srvCfg.Auth.TokenExpiry).UTC().Format(time.RFC3339)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("%s token for %s saved\n", okText("✓"), user.ID)
		return nil
	},
}
