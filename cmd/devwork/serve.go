package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	devwork "github.com/abdulahaddf/devwork-go"
	"github.com/abdulahaddf/devwork-go/internal/devserver"
)

var (
	serveAddr  string
	serveUsers []string
)

func init() {
	rootCmd.AddCommand(serveDevCmd)
	serveDevCmd.Flags().StringVar(&serveAddr, "addr", ":4000", "Listen address")
	serveDevCmd.Flags().StringSliceVarP(&serveUsers, "user", "u", []string{"ada:Ada", "bo:Bo"},
		"Seed user as id:name[:token]; the token defaults to the id")
}

var serveDevCmd = &cobra.Command{
	Use:   "serve-dev",
	Short: "Run an in-memory chat server for local development",
	Long: "Run an in-memory chat server speaking the DevWork REST and WebSocket protocol.\n" +
		"Every pair of seeded users gets a conversation. Nothing is persisted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		users, tokens, err := parseSeedUsers(serveUsers)
		if err != nil {
			return err
		}

		if !verbose {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := devserver.New(devserver.WithLogger(logger))
		for i, u := range users {
			srv.AddUser(u, tokens[i])
		}
		out := cmd.OutOrStdout()
		for i := range users {
			for j := i + 1; j < len(users); j++ {
				id, err := srv.CreateConversation(users[i].ID, users[j].ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "conversation %s  %s <-> %s\n", id, users[i].ID, users[j].ID)
			}
		}

		httpServer := &http.Server{
			Addr:              serveAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			host := serveAddr
			if strings.HasPrefix(host, ":") {
				host = "localhost" + host
			}
			fmt.Fprintf(out, "listening on http://%s (ws %s)\n", host, devwork.WSURL("http://"+host))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case sig := <-quit:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown()
		return httpServer.Shutdown(ctx)
	},
}

// parseSeedUsers parses id:name[:token] entries.
func parseSeedUsers(entries []string) ([]devwork.User, []string, error) {
	var users []devwork.User
	var tokens []string
	seen := map[string]bool{}
	for _, e := range entries {
		parts := strings.SplitN(e, ":", 3)
		id := strings.TrimSpace(parts[0])
		if id == "" {
			return nil, nil, fmt.Errorf("invalid user %q: empty id", e)
		}
		if seen[id] {
			return nil, nil, fmt.Errorf("duplicate user %q", id)
		}
		seen[id] = true

		u := devwork.User{ID: id, Name: id}
		token := ""
		if len(parts) > 1 && parts[1] != "" {
			u.Name = parts[1]
		}
		if len(parts) > 2 {
			token = parts[2]
		}
		users = append(users, u)
		tokens = append(tokens, token)
	}
	return users, tokens, nil
}
