package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Buffer.Capacity)
	assert.Equal(t, 3, cfg.LTM.TopK)
	assert.Equal(t, ProviderScripted, cfg.LLM.Provider)
	assert.Equal(t, "manual", cfg.Synthesis.Trigger)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeFile(t, "kizuna.yaml", `
database:
  path: /var/lib/kizuna/kizuna.db
buffer:
  capacity: 20
llm:
  provider: openai
  api_key: sk-from-file-1234
  model: gpt-4o
synthesis:
  trigger: scheduled
  interval: 5m
chat:
  tag_case: lower
`)
	t.Setenv("KIZUNA_BUFFER_CAPACITY", "12")
	t.Setenv("KIZUNA_LLM_MODEL", "gpt-4o-mini")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/kizuna/kizuna.db", cfg.Database.Path)
	assert.Equal(t, 12, cfg.Buffer.Capacity)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "scheduled", cfg.Synthesis.Trigger)
	assert.Equal(t, 5*time.Minute, cfg.Synthesis.Interval)
	assert.Equal(t, "lower", cfg.Chat.TagCase)
	// unset fields keep their defaults
	assert.Equal(t, 3, cfg.LTM.TopK)
	// the embedder borrows the OpenAI generation key
	assert.Equal(t, "sk-from-file-1234", cfg.LTM.EmbeddingAPIKey)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yaml", "buffer: [1, 2"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown database driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"zero capacity", func(c *Config) { c.Buffer.Capacity = 0 }, "buffer.capacity"},
		{"unknown buffer", func(c *Config) { c.Buffer.Backend = "memcached" }, "unknown buffer backend"},
		{"openai without key", func(c *Config) { c.LLM.Provider = ProviderOpenAI }, "llm.api_key"},
		{"openai embedder without key", func(c *Config) { c.LTM.Embedder = EmbedderOpenAI }, "embedding_api_key"},
		{"bad trigger", func(c *Config) { c.Synthesis.Trigger = "hourly" }, "synthesis.trigger"},
		{"bad tag case", func(c *Config) { c.Chat.TagCase = "upper" }, "chat.tag_case"},
		{"matrix without token", func(c *Config) { c.Matrix.Enabled = true }, "matrix"},
		{"s3 without bucket", func(c *Config) { c.Archive.Backend = ArchiveS3 }, "archive.bucket"},
		{"negative threshold", func(c *Config) { c.Synthesis.Threshold = -1 }, "synthesis.threshold"},
		{"short archive key", func(c *Config) { c.Archive.EncryptionKey = "abcd" }, "archive.encryption_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-very-secret-key"
	cfg.Buffer.Redis.Password = "hunter22"
	cfg.Database.DSN = "postgres://kizuna:pa55word@db:5432/kizuna"

	out, err := cfg.Redacted()
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-very-secret-key")
	assert.NotContains(t, out, "hunter22")
	assert.NotContains(t, out, "pa55word")
	assert.Contains(t, out, "[REDACTED]")
	// the receiver is untouched
	assert.Equal(t, "sk-very-secret-key", cfg.LLM.APIKey)
}

func TestSynthesisThreshold(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.Buffer.Capacity, cfg.SynthesisThreshold())

	cfg.Buffer.Capacity = 20
	assert.Equal(t, 20, cfg.SynthesisThreshold())

	cfg.Synthesis.Threshold = 6
	assert.Equal(t, 6, cfg.SynthesisThreshold())
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "kizuna.db")
	cfg.Archive.Dir = filepath.Join(dir, "exports")
	cfg.HTTP.Addr = ""
	return cfg
}

func TestNew_TurnAndExport(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx := context.Background()
	engine := a.Engine()
	sess, err := engine.CreateSession(ctx, "", "First visit")
	require.NoError(t, err)

	res, err := engine.Turn(ctx, sess.ID, "Do you have poetry books?")
	require.NoError(t, err)
	assert.Contains(t, res.Reply, "poetry books")
	assert.NotContains(t, res.Reply, "[[STATE")

	loc, err := a.Exporter().Export(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc, sess.ID+".json"))
	_, err = os.Stat(loc)
	assert.NoError(t, err)
}

func TestNew_RedisBuffer(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Buffer.Backend = BackendRedis
	cfg.Buffer.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx := context.Background()
	sess, err := a.Engine().CreateSession(ctx, "", "")
	require.NoError(t, err)
	_, err = a.Engine().Turn(ctx, sess.ID, "hello")
	require.NoError(t, err)

	rec, err := a.Engine().Recall(ctx, sess.ID, "hello")
	require.NoError(t, err)
	assert.Len(t, rec.Recent, 2)
	assert.True(t, mr.Exists("kizuna:chat:"+sess.ID+":turns"))
}

func TestNew_CharacterFile(t *testing.T) {
	path := writeFile(t, "mei.yaml", `
id: mei
name: Mei
title: the cheerful barista
description: Runs a small café near the station.
`)
	cfg := testConfig(t)
	cfg.Chat.CharacterFiles = []string{path}

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	sess, err := a.Engine().CreateSession(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "mei", sess.CharacterID)

	_, err = a.Engine().CreateSession(context.Background(), "yuki", "")
	assert.NoError(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "nope"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_BufferFullFollowsCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.Capacity = 4
	cfg.Synthesis.Trigger = string(memory.TriggerBufferFull)

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	engine := a.Engine()
	sess, err := engine.CreateSession(ctx, "", "")
	require.NoError(t, err)

	hasSynthesis := func() bool {
		frags, err := engine.Fragments(ctx, sess.ID)
		if err != nil {
			return false
		}
		for _, f := range frags {
			if f.Kind == memory.KindSynthesis {
				return true
			}
		}
		return false
	}

	_, err = engine.Turn(ctx, sess.ID, "I just moved to Osaka")
	require.NoError(t, err)
	assert.False(t, hasSynthesis(), "two turns are below a capacity of four")

	_, err = engine.Turn(ctx, sess.ID, "My cat is called Mochi")
	require.NoError(t, err)
	assert.Eventually(t, hasSynthesis, 5*time.Second, 20*time.Millisecond)
}
