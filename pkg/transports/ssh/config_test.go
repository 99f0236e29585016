package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/hostplay/pkg/playbook"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	assert.Equal(t, "example.com", config.Host)
	assert.Equal(t, "testuser", config.User)
	assert.Equal(t, 22, config.Port)
	assert.Equal(t, AuthMethodKey, config.AuthMethod)
	assert.Equal(t, 30*time.Second, config.ConnectionTimeout)
	assert.True(t, config.StrictHostKeyChecking)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name: "key auth with missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "strict checking without known_hosts",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.KnownHostsPath = ""
			},
			errorMsg: "known_hosts path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222
	assert.Equal(t, "example.com:2222", config.Address())

	config.Host = "::1"
	assert.Equal(t, "[::1]:2222", config.Address())
}

func TestConfigFromHost(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	host := playbook.Host{
		Name: "web1",
		Spec: playbook.HostSpec{
			Connection:          playbook.ConnectionSSH,
			Address:             "10.0.0.5",
			Port:                2200,
			User:                "deploy",
			Password:            "hunter2",
			InsecureSkipHostKey: true,
		},
	}

	cfg := ConfigFromHost(host)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 2200, cfg.Port)
	assert.Equal(t, "deploy", cfg.User)
	assert.Equal(t, AuthMethodPassword, cfg.AuthMethod)
	assert.False(t, cfg.StrictHostKeyChecking)

	host.Spec.PrivateKeyPath = "/keys/id_ed25519"
	host.Spec.KnownHostsPath = "/etc/ssh/known"
	host.Spec.InsecureSkipHostKey = false
	cfg = ConfigFromHost(host)
	assert.Equal(t, AuthMethodKey, cfg.AuthMethod)
	assert.Equal(t, "/keys/id_ed25519", cfg.PrivateKeyPath)
	assert.Equal(t, "/etc/ssh/known", cfg.KnownHostsPath)
	assert.True(t, cfg.StrictHostKeyChecking)
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		require.NoError(t, err)
		assert.Equal(t, "testuser", clientConfig.User)
		assert.Len(t, clientConfig.Auth, 2)
		assert.Equal(t, 30*time.Second, clientConfig.Timeout)
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "test_key")

		_, privKey, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600))

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		require.NoError(t, err)
		assert.Len(t, clientConfig.Auth, 1)
	})

	t.Run("agent authentication without socket", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "")
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodAgent

		_, err := config.BuildSSHClientConfig()
		assert.Error(t, err)
	})

	t.Run("missing known_hosts file", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		_, err := config.BuildSSHClientConfig()
		assert.Error(t, err)
	})
}
