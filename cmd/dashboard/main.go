package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tyemirov/clinicdesk/internal/client"
	"github.com/tyemirov/clinicdesk/internal/session"
)

const (
	configCodeMissingBaseURL = "config.missing_base_url"
	configCodeMissingAPIKey  = "config.missing_api_key"
	configCodeSessionFile    = "config.session_file"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "clinicdesk",
		Short:        "Practice dashboard: sign in, manage patients and prescriptions",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("base_url", "http://localhost:8080", "Practice service URL")
	rootCmd.PersistentFlags().String("api_key", "", "Project API key")
	rootCmd.PersistentFlags().String("session_file", defaultSessionFile(), "Where the signed-in session is kept")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Time limit for one command (watch excepted)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log diagnostics to stderr")

	for _, name := range []string{"base_url", "api_key", "session_file", "timeout", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	viper.SetEnvPrefix("CLINICDESK")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newSignUpCommand(),
		newSignInCommand(),
		newSignOutCommand(),
		newWhoAmICommand(),
		newWatchCommand(),
		newProfileCommand(),
		newPatientsCommand(),
		newPrescriptionsCommand(),
		newStatsCommand(),
	)
	return rootCmd
}

func defaultSessionFile() string {
	directory, err := os.UserConfigDir()
	if err != nil {
		return ".clinicdesk-session.json"
	}
	return filepath.Join(directory, "clinicdesk", "session.json")
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func buildLogger() (*zap.Logger, error) {
	if !viper.GetBool("verbose") {
		return zap.NewNop(), nil
	}
	configuration := zap.NewDevelopmentConfig()
	configuration.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return configuration.Build()
}

// dashboard is one command invocation: a client and a started synchronizer
// with the initial session load already applied.
type dashboard struct {
	client       *client.Client
	synchronizer *session.Synchronizer
	logger       *zap.Logger
}

func openDashboard(ctx context.Context) (*dashboard, error) {
	baseURL := viper.GetString("base_url")
	if baseURL == "" {
		return nil, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	apiKey := viper.GetString("api_key")
	if apiKey == "" {
		return nil, configError(configCodeMissingAPIKey, "api_key must be provided")
	}
	sessions, sessionsErr := client.NewFileSessionStore(viper.GetString("session_file"))
	if sessionsErr != nil {
		return nil, configError(configCodeSessionFile, sessionsErr.Error())
	}
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return nil, loggerErr
	}
	practiceClient, clientErr := client.New(client.Config{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Sessions: sessions,
		Logger:   logger,
	})
	if clientErr != nil {
		return nil, clientErr
	}
	synchronizer, synchronizerErr := session.New(session.Config{
		Identity: practiceClient,
		Profiles: practiceClient,
		Logger:   logger,
	})
	if synchronizerErr != nil {
		return nil, synchronizerErr
	}
	if err := synchronizer.Start(ctx); err != nil {
		return nil, err
	}
	if err := synchronizer.Flush(ctx); err != nil {
		_ = synchronizer.Close()
		return nil, err
	}
	return &dashboard{client: practiceClient, synchronizer: synchronizer, logger: logger}, nil
}

func (current *dashboard) Close() {
	_ = current.synchronizer.Close()
	_ = current.logger.Sync()
}

// withDashboard runs action with a command-scoped timeout and tears the
// dashboard down afterwards.
func withDashboard(command *cobra.Command, bounded bool, action func(context.Context, *dashboard) error) error {
	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout := viper.GetDuration("timeout"); bounded && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	current, err := openDashboard(ctx)
	if err != nil {
		return err
	}
	defer current.Close()
	return action(ctx, current)
}

func requireSession(snapshot session.Snapshot) (string, error) {
	if snapshot.Session == nil {
		return "", fmt.Errorf("not signed in; run `clinicdesk signin` first")
	}
	return snapshot.SubjectID(), nil
}
