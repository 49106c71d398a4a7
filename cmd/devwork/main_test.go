package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	devwork "github.com/abdulahaddf/devwork-go"
	"github.com/abdulahaddf/devwork-go/internal/devserver"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DEVWORK_HOME", dir)
	for _, k := range []string{"DEVWORK_BASE_URL", "DEVWORK_ENVIRONMENT", "DEVWORK_TOKEN", "DEVWORK_USER_ID", "DEVWORK_USER_NAME"} {
		t.Setenv(k, "")
	}
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.base_url", "http://localhost:4000"))
	require.NoError(t, setConfigValue(cfg, "auth.token", "tok"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "ada"))
	assert.Equal(t, "http://localhost:4000", cfg.Default.BaseURL)
	assert.Equal(t, "tok", cfg.Auth.Token)
	assert.Equal(t, "ada", cfg.Auth.UserID)

	assert.Error(t, setConfigValue(cfg, "token", "x"))
	assert.Error(t, setConfigValue(cfg, "auth.password", "x"))
	assert.Error(t, setConfigValue(cfg, "server.port", "x"))
}

func TestConfigRoundTrip(t *testing.T) {
	dir := isolate(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg, "missing file loads empty")

	cfg.Auth.Token = "secret-token"
	cfg.Auth.UserName = "Ada"
	require.NoError(t, saveConfig(cfg))

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[auth]")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, *cfg, *loaded)
}

func TestConfigCommands(t *testing.T) {
	isolate(t)

	out, err := run(t, "config", "show", "--raw=true")
	require.NoError(t, err)
	assert.Contains(t, out, "No configuration file yet")

	out, err = run(t, "config", "set", "auth.token", "abcdefghijklmnop")
	require.NoError(t, err)
	assert.Equal(t, "auth.token = abcd...mnop\n", out)

	_, err = run(t, "config", "set", "auth.password", "x")
	assert.ErrorContains(t, err, "unknown config key")

	_, err = run(t, "config", "set", "default.base_url", "http://localhost:4000")
	require.NoError(t, err)

	t.Run("show reports where each value comes from", func(t *testing.T) {
		t.Setenv("DEVWORK_BASE_URL", "http://override:9000")
		out, err := run(t, "config", "show", "--raw=false")
		require.NoError(t, err)
		assert.Regexp(t, `default\.base_url\s+http://override:9000\s+DEVWORK_BASE_URL`, out)
		assert.Regexp(t, `auth\.token\s+abcd\.\.\.mnop\s+file`, out)
		assert.Regexp(t, `auth\.user_id\s+\(unset\)\s+-`, out)
		assert.NotContains(t, out, "abcdefghijklmnop")
	})

	t.Run("get prints the effective value", func(t *testing.T) {
		out, err := run(t, "config", "get", "default.base_url")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:4000\n", out)
	})

	t.Run("unset clears the stored value", func(t *testing.T) {
		_, err := run(t, "config", "unset", "auth.token")
		require.NoError(t, err)
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Empty(t, cfg.Auth.Token)
		assert.Equal(t, "http://localhost:4000", cfg.Default.BaseURL)
	})
}

func TestApplyEnv(t *testing.T) {
	isolate(t)
	t.Setenv("DEVWORK_TOKEN", "env-token")
	t.Setenv("DEVWORK_USER_ID", "bo")

	cfg := &Config{Auth: ConfigAuth{Token: "file-token", UserID: "ada", UserName: "Ada"}}
	applyEnv(cfg)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, "bo", cfg.Auth.UserID)
	assert.Equal(t, "Ada", cfg.Auth.UserName)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "abcd...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
}

func TestParseSeedUsers(t *testing.T) {
	users, tokens, err := parseSeedUsers([]string{"ada:Ada", "bo::tok-bo", "cy"})
	require.NoError(t, err)
	assert.Equal(t, []devwork.User{{ID: "ada", Name: "Ada"}, {ID: "bo", Name: "bo"}, {ID: "cy", Name: "cy"}}, users)
	assert.Equal(t, []string{"", "tok-bo", ""}, tokens)

	_, _, err = parseSeedUsers([]string{":nobody"})
	assert.Error(t, err)
	_, _, err = parseSeedUsers([]string{"ada", "ada:Again"})
	assert.Error(t, err)
}

func TestFilterConversations(t *testing.T) {
	convs := []devwork.Conversation{
		{ID: "c1", OtherParticipant: devwork.Participant{Name: "Ada Lovelace"}, UnreadCount: 2},
		{ID: "c2", OtherParticipant: devwork.Participant{Name: "Bo"}},
	}
	assert.Len(t, filterConversations(convs, "", false), 2)
	assert.Len(t, filterConversations(convs, "LOVE", false), 1)
	got := filterConversations(convs, "", true)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)
	assert.Len(t, convs, 2, "input is not modified")
}

func TestPrintDays(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	readAt := "2026-03-10T11:00:00Z"
	var out bytes.Buffer
	printDays(&out, []devwork.Message{
		{ID: "m1", SenderID: "ada", Sender: devwork.Sender{Name: "Ada"}, Content: "yesterday", CreatedAt: "2026-03-09T09:00:00Z"},
		{ID: "m2", SenderID: "bo", Content: "today", CreatedAt: "2026-03-10T10:00:00Z", ReadAt: &readAt},
		{ID: "m3", SenderID: "bo", Content: "broken", CreatedAt: "not-a-time"},
	}, now)

	text := out.String()
	assert.Contains(t, text, "Ada: yesterday")
	assert.Contains(t, text, "bo: today ✓✓")
	assert.Contains(t, text, "[not-a-time] bo: broken")
}

func TestCommandsAgainstDevServer(t *testing.T) {
	isolate(t)
	srv := devserver.New()
	srv.AddUser(devwork.User{ID: "ada", Name: "Ada"}, "")
	srv.AddUser(devwork.User{ID: "bo", Name: "Bo"}, "")
	convID, err := srv.CreateConversation("ada", "bo")
	require.NoError(t, err)
	_, err = srv.PostMessage(convID, "bo", "hi ada")
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})

	_, err = run(t, "conversations")
	assert.ErrorIs(t, err, errNoToken)

	out, err := run(t, "init", "ada", "--user-id", "ada", "--name", "Ada", "--base-url", hs.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Token saved")

	out, err = run(t, "conversations")
	require.NoError(t, err)
	assert.Contains(t, out, convID)
	assert.Contains(t, out, "Bo (1 unread)")
	assert.Contains(t, out, "hi ada")

	out, err = run(t, "history", convID)
	require.NoError(t, err)
	assert.Contains(t, out, "Bo: hi ada")

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Unread:      1")
}

func TestChatOlderPrintsAsBlock(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var tick int64
	srv := devserver.New(devserver.WithClock(func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Minute)
	}))
	srv.AddUser(devwork.User{ID: "ada", Name: "Ada"}, "")
	srv.AddUser(devwork.User{ID: "bo", Name: "Bo"}, "")
	convID, err := srv.CreateConversation("ada", "bo")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		_, err = srv.PostMessage(convID, "bo", text)
		require.NoError(t, err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})

	client := devwork.NewClient("ada", devwork.WithBaseURL(hs.URL))
	session := client.NewSession(devwork.User{ID: "ada", Name: "Ada"}, &devwork.SessionConfig{PageSize: 2})
	t.Cleanup(session.Close)

	var out bytes.Buffer
	view := newChatView(&out, session, convID)
	view.wire()
	ctx := context.Background()
	session.OpenConversation(ctx, convID)
	view.flush()

	contents := func() []string {
		var got []string
		for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
			if i := strings.Index(line, "Bo: "); i >= 0 {
				line = line[i+len("Bo: "):]
			}
			got = append(got, line)
		}
		return got
	}

	t.Run("first page", func(t *testing.T) {
		assert.Equal(t, []string{"four", "five"}, contents())
	})

	t.Run("older page follows as one ordered block", func(t *testing.T) {
		view.handleInput(ctx, "/older")
		assert.Equal(t, []string{
			"four", "five",
			"-- earlier --", "two", "three", "-- end of earlier --",
		}, contents())
	})

	t.Run("oldest page then nothing left", func(t *testing.T) {
		view.handleInput(ctx, "/older")
		view.handleInput(ctx, "/older")
		got := contents()
		assert.Equal(t, []string{"-- earlier --", "one", "-- end of earlier --", "* no older messages"}, got[6:])
	})
}
