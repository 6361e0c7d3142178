package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bionicotaku/lingo-utils-siwa"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("siwa-validate failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := viper.New()

	root := &cobra.Command{
		Use:           "siwa-validate",
		Short:         "Verify Sign in with Apple identity and notification tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(cfg.GetString("env")); err != nil {
				log.Warn().Err(err).Str("path", cfg.GetString("env")).Msg("load env file")
			}
			setupLogger(cfg.GetBool("verbose"))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("keys-url", "", "Key directory URL (env SIWA_KEYS_URL)")
	flags.Duration("timeout", 10*time.Second, "Timeout for the whole verification")
	flags.Bool("verbose", false, "Enable debug logging")
	flags.Bool("json", false, "Print claims as JSON")
	flags.String("env", defaultEnvPath(), "Path to .env file")

	cfg.SetEnvPrefix("SIWA")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
	if err := cfg.BindPFlags(flags); err != nil {
		panic(err)
	}

	root.AddCommand(newIdentityCmd(cfg), newNotificationCmd(cfg), newSecretCmd(cfg))
	return root
}

func newIdentityCmd(cfg *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Validate an identity token against a client id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token := cfg.GetString("token")
			clientID := cfg.GetString("client-id")
			if token == "" || clientID == "" {
				return fmt.Errorf("token and client-id are required")
			}

			verifier, err := newVerifier(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetDuration("timeout"))
			defer cancel()

			verified, err := verifier.Validate(ctx, clientID, token, cfg.GetBool("ignore-expiry"))
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			if cfg.GetBool("json") {
				return printJSON(verified)
			}
			printIdentity(verified)
			return nil
		},
	}
	cmd.Flags().String("token", "", "Identity token (env SIWA_TOKEN)")
	cmd.Flags().String("client-id", "", "Expected client id (env SIWA_CLIENT_ID)")
	cmd.Flags().Bool("ignore-expiry", false, "Skip exp/nbf/iat checks")
	mustBind(cfg, cmd)
	return cmd
}

func newNotificationCmd(cfg *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notification",
		Short: "Decode a server-to-server notification token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token := cfg.GetString("token")
			if token == "" {
				return fmt.Errorf("token is required")
			}

			verifier, err := newVerifier(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetDuration("timeout"))
			defer cancel()

			verified, err := verifier.DecodeNotification(ctx, token, cfg.GetBool("ignore-expiry"))
			if err != nil {
				return fmt.Errorf("decode failed: %w", err)
			}
			if cfg.GetBool("json") {
				return printJSON(verified)
			}
			printNotification(verified)
			return nil
		},
	}
	cmd.Flags().String("token", "", "Notification token (env SIWA_TOKEN)")
	cmd.Flags().Bool("ignore-expiry", false, "Skip exp/nbf/iat checks")
	mustBind(cfg, cmd)
	return cmd
}

func newSecretCmd(cfg *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Mint a client secret for the token endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pemBytes, err := os.ReadFile(cfg.GetString("key-file"))
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}
			provider, err := siwa.NewClientSecretProvider(siwa.ClientSecretConfig{
				TeamID:        cfg.GetString("team-id"),
				KeyID:         cfg.GetString("key-id"),
				PrivateKeyPEM: pemBytes,
				TTL:           cfg.GetDuration("ttl"),
			})
			if err != nil {
				return err
			}
			secret, err := provider.ClientSecret(cmd.Context(), cfg.GetString("client-id"))
			if err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		},
	}
	cmd.Flags().String("team-id", "", "Apple developer team id (env SIWA_TEAM_ID)")
	cmd.Flags().String("key-id", "", "Key id of the .p8 key (env SIWA_KEY_ID)")
	cmd.Flags().String("key-file", "", "Path to the .p8 private key (env SIWA_KEY_FILE)")
	cmd.Flags().String("client-id", "", "Services id or bundle id (env SIWA_CLIENT_ID)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Secret lifetime")
	mustBind(cfg, cmd)
	return cmd
}

// mustBind binds the command's local flags once it is selected, so that
// subcommands sharing a flag name do not overwrite each other's binding.
func mustBind(cfg *viper.Viper, cmd *cobra.Command) {
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		return cfg.BindPFlags(cmd.Flags())
	}
}

func newVerifier(cfg *viper.Viper) (*siwa.Verifier, error) {
	logger := log.Logger
	verifier, err := siwa.NewVerifier(siwa.Config{
		KeysURL: cfg.GetString("keys-url"),
		Logger:  &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	return verifier, nil
}

func setupLogger(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func printIdentity(v *siwa.VerifiedToken[siwa.IdentityClaims]) {
	c := v.Claims
	fmt.Println("== Apple Identity Token Verified ==")
	fmt.Printf("key id        : %s (%s)\n", v.Header.KeyID, v.Header.Algorithm)
	fmt.Printf("subject       : %s\n", c.Sub)
	fmt.Printf("audience      : %s\n", c.Aud)
	fmt.Printf("issuer        : %s\n", c.Iss)
	if c.Email != "" {
		fmt.Printf("email         : %s (verified=%t, private=%t)\n", c.Email, c.IsEmailVerified(), c.IsPrivateRelay())
	}
	fmt.Printf("issued_at     : %s\n", c.IssuedAt().Format(time.RFC3339))
	fmt.Printf("expires_at    : %s\n", c.ExpiresAt().Format(time.RFC3339))
	if c.AuthTime != 0 {
		fmt.Printf("auth_time     : %s\n", c.AuthenticatedAt().Format(time.RFC3339))
	}
}

func printNotification(v *siwa.VerifiedToken[siwa.ServerNotificationClaims]) {
	c := v.Claims
	fmt.Println("== Apple Server Notification Verified ==")
	fmt.Printf("key id        : %s (%s)\n", v.Header.KeyID, v.Header.Algorithm)
	fmt.Printf("audience      : %s\n", c.Aud)
	fmt.Printf("jti           : %s\n", c.Jti)
	fmt.Printf("event         : %s\n", c.Events.Type)
	fmt.Printf("subject       : %s\n", c.Events.Sub)
	fmt.Printf("event_time    : %s\n", c.Events.OccurredAt().Format(time.RFC3339Nano))
	if c.Events.Email != nil {
		fmt.Printf("email         : %s\n", *c.Events.Email)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultEnvPath() string {
	if path := os.Getenv("SIWA_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

// loadEnvFile copies KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("env")
	if err := file.ReadInConfig(); err != nil {
		return err
	}
	for _, key := range file.AllKeys() {
		name := strings.ToUpper(key)
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		if err := os.Setenv(name, file.GetString(key)); err != nil {
			log.Warn().Err(err).Str("key", name).Msg("set env")
		}
	}
	return nil
}
