package config

import (
	"os"
	"path/filepath"
	"testing"

	"BananaPay/internal/signature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
server:
  addr: ":8080"
db:
  driver: memory
gateway:
  app_id: "2021000000000001"
  sandbox: true
  private_key: "placeholder"
  public_key: "placeholder"
  notify_url: "https://pay.example.com/payments/notify"
  return_url: "https://app.example.com/paid"
plans:
  - name: basic
    amount: "9.90"
    level: basic
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "redirect", cfg.Gateway.Method)
	assert.Equal(t, "FAST_INSTANT_TRADE_PAY", cfg.Gateway.ProductCode)
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 30, cfg.Orders.TTLMinutes)
	assert.Equal(t, 180, cfg.Audit.RetentionDays)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, SandboxEndpoint, cfg.GatewayEndpoint())
}

func TestGatewayEndpointSelection(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)

	cfg.Gateway.Sandbox = false
	assert.Equal(t, ProductionEndpoint, cfg.GatewayEndpoint())

	cfg.Gateway.Endpoint = "http://127.0.0.1:9999/gateway.do"
	assert.Equal(t, "http://127.0.0.1:9999/gateway.do", cfg.GatewayEndpoint())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("GATEWAY_SANDBOX", "false")
	t.Setenv("GATEWAY_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("AUDIT_RETENTION_DAYS", "30")

	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Gateway.Sandbox)
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
}

func TestParseRejectsIncompleteConfig(t *testing.T) {
	cases := map[string]string{
		"missing app id": `
server: {addr: ":8080"}
db: {driver: memory}
gateway: {private_key: x, public_key: y, notify_url: "https://n", return_url: "https://r"}
`,
		"postgres without dsn": `
server: {addr: ":8080"}
gateway: {app_id: a, private_key: x, public_key: y, notify_url: "https://n", return_url: "https://r"}
`,
		"unknown driver": `
server: {addr: ":8080"}
db: {driver: mysql, dsn: x}
gateway: {app_id: a, private_key: x, public_key: y, notify_url: "https://n", return_url: "https://r"}
`,
		"bad method": `
server: {addr: ":8080"}
db: {driver: memory}
gateway: {app_id: a, method: qr, private_key: x, public_key: y, notify_url: "https://n", return_url: "https://r"}
`,
		"duplicate plan": `
server: {addr: ":8080"}
db: {driver: memory}
gateway: {app_id: a, private_key: x, public_key: y, notify_url: "https://n", return_url: "https://r"}
plans:
  - {name: basic, amount: "1.00"}
  - {name: basic, amount: "2.00"}
`,
		"missing return url": `
server: {addr: ":8080"}
db: {driver: memory}
gateway: {app_id: a, private_key: x, public_key: y, notify_url: "https://n"}
`,
		"not yaml": `server: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestKeysFromFiles(t *testing.T) {
	privPEM, pubPEM, err := signature.GenerateKeyPair(2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "merchant.pem")
	pubPath := filepath.Join(dir, "gateway.pem")
	require.NoError(t, os.WriteFile(privPath, []byte(privPEM), 0o600))
	require.NoError(t, os.WriteFile(pubPath, []byte(pubPEM), 0o600))

	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)
	cfg.Gateway.PrivateKey = ""
	cfg.Gateway.PrivateKeyFile = privPath
	cfg.Gateway.PublicKey = ""
	cfg.Gateway.PublicKeyFile = pubPath

	priv, pub, err := cfg.Keys()
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, pub.N)

	cfg.Gateway.PublicKey = "garbage"
	_, _, err = cfg.Keys()
	assert.ErrorIs(t, err, ErrConfiguration)

	cfg.Gateway.PrivateKey = ""
	cfg.Gateway.PrivateKeyFile = filepath.Join(dir, "missing.pem")
	_, _, err = cfg.Keys()
	assert.ErrorIs(t, err, ErrConfiguration)
}
