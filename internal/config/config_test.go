package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("test-signing-key"))

	tcases := []struct {
		name           string
		serverAddr     string
		databaseDSN    string
		base64Secret   string
		inMemory       bool
		expectErr      bool
		wantSigningKey []byte
	}{
		{
			name:           "valid",
			serverAddr:     "localhost:8000",
			databaseDSN:    "host=localhost",
			base64Secret:   secret,
			wantSigningKey: []byte("test-signing-key"),
		},
		{
			name:           "in-memory without dsn",
			serverAddr:     "localhost:8000",
			base64Secret:   secret,
			inMemory:       true,
			wantSigningKey: []byte("test-signing-key"),
		},
		{
			name:         "missing server address",
			databaseDSN:  "host=localhost",
			base64Secret: secret,
			expectErr:    true,
		},
		{
			name:         "missing dsn without in-memory",
			serverAddr:   "localhost:8000",
			base64Secret: secret,
			expectErr:    true,
		},
		{
			name:        "missing signing secret",
			serverAddr:  "localhost:8000",
			databaseDSN: "host=localhost",
			expectErr:   true,
		},
		{
			name:         "signing secret not base64",
			serverAddr:   "localhost:8000",
			databaseDSN:  "host=localhost",
			base64Secret: "not-valid-base64!!!",
			expectErr:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.serverAddr, tc.databaseDSN, tc.base64Secret, []string{"http://localhost:3000"}, tc.inMemory)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.serverAddr, cfg.ServerAddr)
			assert.Equal(t, tc.databaseDSN, cfg.DatabaseDSN)
			assert.Equal(t, tc.wantSigningKey, cfg.SigningKey, "expected the secret decoded")
			assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
			assert.Equal(t, tc.inMemory, cfg.InMemory)
		})
	}
}
