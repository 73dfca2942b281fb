package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openclaw/support-bridge/internal/agent"
	"github.com/openclaw/support-bridge/internal/authz"
	"github.com/openclaw/support-bridge/internal/config"
	"github.com/openclaw/support-bridge/internal/executor"
	"github.com/openclaw/support-bridge/internal/model"
)

type rootOptions struct {
	cfg *config.AgentConfig
}

func (r *rootOptions) ownerFilter() model.OwnerFilter {
	var f model.OwnerFilter
	if r.cfg.UserID > 0 {
		f.UserID = &r.cfg.UserID
	}
	if r.cfg.DeviceID > 0 {
		f.DeviceID = &r.cfg.DeviceID
	}
	if r.cfg.OrganizationID > 0 {
		f.OrganizationID = &r.cfg.OrganizationID
	}
	return f
}

func (r *rootOptions) client() (*agent.Client, error) {
	policy, err := authz.LoadPolicyFile(r.cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return agent.New(agent.Options{
		ServerURL: r.cfg.ServerURL,
		Owner:     r.ownerFilter(),
		Policy:    policy,
		Engine: executor.Options{
			Shell:   r.cfg.Shell,
			Dir:     r.cfg.WorkDir,
			Timeout: r.cfg.CommandTimeout,
		},
		HeartbeatInterval: r.cfg.HeartbeatInterval(),
		HeartbeatTimeout:  r.cfg.HeartbeatTimeout(),
		OnChat: func(data string) {
			fmt.Fprintf(os.Stdout, "[support] %s\n", data)
		},
	}), nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	opts := &rootOptions{cfg: cfg}

	rootCmd := &cobra.Command{
		Use:           "bridge-agent",
		Short:         "Pair this machine with a support session and serve its commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "bridge server base URL")
	flags.Int64Var(&cfg.UserID, "user-id", cfg.UserID, "user id the code was issued for (optional scope)")
	flags.Int64Var(&cfg.DeviceID, "device-id", cfg.DeviceID, "device id the code was issued for (optional scope)")
	flags.Int64Var(&cfg.OrganizationID, "org-id", cfg.OrganizationID, "organization id the code was issued for (optional scope)")
	flags.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML file extending the command policy")
	flags.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "default working directory for commands")
	flags.StringVar(&cfg.Shell, "shell", cfg.Shell, "shell used to run commands")
	flags.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "maximum runtime per command (0 disables)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		setLogLevel(cfg.LogLevel)
	}

	rootCmd.AddCommand(newPairCmd(opts))
	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newPolicyCmd(opts))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newPairCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pair CODE",
		Short: "Redeem a pairing code and print the session it grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}
			p, err := client.Pair(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
}

func newConnectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect CODE",
		Short: "Redeem a pairing code and serve commands until the session ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := client.Pair(ctx, args[0])
			if err != nil {
				return err
			}
			log.Info().
				Str("sessionId", p.SessionID).
				Int("expiresIn", p.ExpiresIn).
				Msg("paired, opening tunnel")

			err = client.Run(ctx, p)
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("stopped")
				return nil
			}
			if err == nil {
				log.Info().Msg("session ended by server")
			}
			return err
		},
	}
}

func newPolicyCmd(root *rootOptions) *cobra.Command {
	var role string
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the local command policy",
	}
	checkCmd := &cobra.Command{
		Use:   "check [--role ROLE] -- COMMAND",
		Short: "Report whether a command would be allowed for a role",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := authz.LoadPolicyFile(root.cfg.PolicyFile)
			if err != nil {
				return err
			}
			command := strings.Join(args, " ")
			if err := policy.Authorize(model.Role(role), command); err != nil {
				fmt.Fprintf(os.Stdout, "denied: %s\n", err)
				return nil
			}
			fmt.Fprintln(os.Stdout, "allowed")
			return nil
		},
	}
	checkCmd.Flags().StringVar(&role, "role", string(model.RoleRequester), "requester, agent or admin")
	policyCmd.AddCommand(checkCmd)
	return policyCmd
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
