package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okeefe/latch/auth"
	"github.com/okeefe/latch/client"
	"github.com/okeefe/latch/cookiejar"
	"github.com/okeefe/latch/internal/util"
	"github.com/okeefe/latch/session"
	"github.com/okeefe/latch/storage/bbolt"
	"github.com/okeefe/latch/storage/memory"
	"github.com/okeefe/latch/verification"
)

var (
	baseURL    string
	cookiePath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "latch",
	Short: "Latch is a session-protocol client for authenticated APIs",
	Long: `Latch drives an authenticated API session from the terminal:
SRP login, token refresh, and the device-migration (session fork) flows.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "http://localhost:8080", "API base URL")
	rootCmd.PersistentFlags().StringVar(&cookiePath, "cookie-db", "", "path to the persistent cookie database (memory-only when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// stack is the wired SDK used by every command.
type stack struct {
	api      *client.Client
	sessions *session.Manager
	flow     *auth.Flow
	jar      *cookiejar.Jar
	logger   *zap.Logger
}

func buildStack() (*stack, error) {
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		logger = l
	}

	sealKey, err := util.NewKey()
	if err != nil {
		return nil, err
	}
	jarOpts := []cookiejar.Option{}
	if cookiePath != "" {
		repo, err := bbolt.NewRepositoryFromFile(cookiePath, nil)
		if err != nil {
			return nil, err
		}
		jarOpts = append(jarOpts, cookiejar.WithPersistence(repo, sealKey))
	}
	jar, err := cookiejar.New(jarOpts...)
	if err != nil {
		return nil, err
	}

	verifier := verification.NewManager(
		verification.WithLogger(logger),
		verification.WithTokenStore(memory.NewRepository(), sealKey),
	)
	api, err := client.New(baseURL,
		client.WithCookieJar(jar),
		client.WithLogger(logger),
		client.WithVerificationManager(verifier),
		client.WithAppVersion("latch-cli/0.1"),
	)
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager(auth.Refresher(api), session.WithLogger(logger))
	api.SetSessionManager(sessions)

	return &stack{
		api:      api,
		sessions: sessions,
		flow:     auth.NewFlow(api, sessions, auth.WithLogger(logger)),
		jar:      jar,
		logger:   logger,
	}, nil
}
