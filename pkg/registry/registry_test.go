package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleRegistry = `
version: "1"
servers:
  filesystem:
    type: stdio
    command: tool-fs
    args: ["--root", "/tmp"]
    capabilities: [read_file, write_file]
  github:
    type: http
    url: https://tools.example.com
    capabilities: [github:list_issues]
    max_in_flight: 4
  legacy:
    type: http
    protocol: jsonrpc
    url: https://legacy.example.com/rpc
    enabled: false
routing:
  capability_patterns:
    "github:*": github
    "github:admin:*": legacy
    read_file: filesystem
  default_server: filesystem
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	reg, err := Load(context.Background(), writeRegistry(t, sampleRegistry), nil)
	require.NoError(t, err)
	assert.Equal(t, "1", reg.Version())

	fs, ok := reg.GetServer("filesystem")
	require.True(t, ok)
	assert.Equal(t, ProtocolJSONRPC, fs.Protocol)
	assert.Equal(t, DefaultMaxInFlight, fs.MaxInFlight)
	assert.True(t, fs.IsEnabled())

	gh, ok := reg.GetServer("github")
	require.True(t, ok)
	assert.Equal(t, ProtocolREST, gh.Protocol)
	assert.Equal(t, "/tools", gh.ToolsPath)
	assert.Equal(t, "/call", gh.CallPath)
	assert.Equal(t, 4, gh.MaxInFlight)

	names := func(cfgs []*ServerConfig) []string {
		out := make([]string, 0, len(cfgs))
		for _, c := range cfgs {
			out = append(out, c.Name)
		}
		return out
	}
	assert.Equal(t, []string{"filesystem", "github", "legacy"}, names(reg.Servers()))
	assert.Equal(t, []string{"filesystem", "github"}, names(reg.GetEnabledServers()))
	assert.Equal(t, []string{"filesystem"}, names(reg.GetServersByCapability("read_file")))
	assert.Empty(t, reg.GetServersByCapability("missing"))
}

func TestLoadRejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"missing type", "servers:\n  a:\n    url: http://x\n", "type"},
		{"unknown type", "servers:\n  a:\n    type: grpc\n", "type"},
		{"http without url", "servers:\n  a:\n    type: http\n", "url"},
		{"stdio without command", "servers:\n  a:\n    type: stdio\n", "command"},
		{"rest over stdio", "servers:\n  a:\n    type: stdio\n    command: x\n    protocol: rest\n", "protocol"},
		{"unknown protocol", "servers:\n  a:\n    type: http\n    url: http://x\n    protocol: soap\n", "protocol"},
		{"negative max_in_flight", "servers:\n  a:\n    type: http\n    url: http://x\n    max_in_flight: -1\n", "max_in_flight"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(context.Background(), writeRegistry(t, tc.body), nil)
			require.Error(t, err)
			var cfgErr *gwerrors.ConfigError
			require.True(t, errors.As(err, &cfgErr), "want ConfigError, got %T", err)
			assert.Equal(t, "a", cfgErr.Server)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestLoadSubstitutesEnvPlaceholders(t *testing.T) {
	t.Setenv("TG_TEST_HOST", "api.example.com")
	t.Setenv("TG_TEST_TOKEN", "secret")

	body := `
servers:
  api:
    type: http
    url: https://${env:TG_TEST_HOST}/v1
    headers:
      Authorization: Bearer ${env:TG_TEST_TOKEN}
      X-Region: ${env:TG_TEST_REGION:eu-west-1}
      X-Missing: ${env:TG_TEST_UNSET_VAR}
  proc:
    type: stdio
    command: ${env:TG_TEST_BIN:tool-proc}
    args: ["--token=${env:TG_TEST_TOKEN}"]
    env:
      TOKEN: ${env:TG_TEST_TOKEN}
`
	reg, err := Load(context.Background(), writeRegistry(t, body), nil)
	require.NoError(t, err)

	api, _ := reg.GetServer("api")
	assert.Equal(t, "https://api.example.com/v1", api.URL)
	assert.Equal(t, "Bearer secret", api.Headers["Authorization"])
	assert.Equal(t, "eu-west-1", api.Headers["X-Region"])
	assert.Equal(t, "${env:TG_TEST_UNSET_VAR}", api.Headers["X-Missing"])

	proc, _ := reg.GetServer("proc")
	assert.Equal(t, "tool-proc", proc.Command)
	assert.Equal(t, []string{"--token=secret"}, proc.Args)
	assert.Equal(t, "secret", proc.Env["TOKEN"])
}

func TestExpandEnvEmptyDefault(t *testing.T) {
	assert.Equal(t, "a--b", ExpandEnv("a-${env:TG_TEST_SURELY_UNSET:}-b"))
}

func TestResolveServerByPattern(t *testing.T) {
	t.Parallel()

	reg, err := Load(context.Background(), writeRegistry(t, sampleRegistry), nil)
	require.NoError(t, err)

	cases := map[string]string{
		"github:list_issues":  "github",
		"github:admin:delete": "legacy",
		"read_file":           "filesystem",
		"unknown_tool":        "filesystem",
	}
	for tool, want := range cases {
		got, ok := reg.ResolveServerByPattern(tool)
		assert.True(t, ok, tool)
		assert.Equal(t, want, got, tool)
	}
}

func TestResolveServerByPatternWithoutDefault(t *testing.T) {
	t.Parallel()

	reg, err := Load(context.Background(), writeRegistry(t, "servers:\n  a:\n    type: http\n    url: http://x\n"), nil)
	require.NoError(t, err)
	_, ok := reg.ResolveServerByPattern("anything")
	assert.False(t, ok)
}

func TestReloadIsIdempotent(t *testing.T) {
	t.Parallel()

	reg, err := Load(context.Background(), writeRegistry(t, sampleRegistry), nil)
	require.NoError(t, err)
	before := reg.Servers()
	beforeRouting := reg.Routing()

	require.NoError(t, reg.Reload(context.Background()))
	assert.True(t, reflect.DeepEqual(before, reg.Servers()))
	assert.Equal(t, beforeRouting, reg.Routing())
}

func TestReloadKeepsSnapshotOnInvalidEdit(t *testing.T) {
	t.Parallel()

	path := writeRegistry(t, sampleRegistry)
	reg, err := Load(context.Background(), path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("servers:\n  broken:\n    type: http\n"), 0o600))
	err = reg.Reload(context.Background())
	assert.True(t, gwerrors.Is(err, gwerrors.ErrorTypeConfig))

	_, ok := reg.GetServer("github")
	assert.True(t, ok, "previous snapshot must keep serving")
}

func TestCatalogMergesUnderStaticEntries(t *testing.T) {
	t.Parallel()

	catalog := CatalogFunc(func(context.Context) (map[string]*ServerConfig, error) {
		return map[string]*ServerConfig{
			"github":  {Type: TypeHTTP, URL: "https://shadowed.example.com"},
			"weather": {Type: TypeHTTP, URL: "https://weather.example.com"},
			"broken":  {Type: TypeStdio},
		}, nil
	})
	reg, err := Load(context.Background(), writeRegistry(t, sampleRegistry), &Options{Catalog: catalog})
	require.NoError(t, err)

	gh, _ := reg.GetServer("github")
	assert.Equal(t, "https://tools.example.com", gh.URL)
	assert.False(t, gh.Dynamic)

	weather, ok := reg.GetServer("weather")
	require.True(t, ok)
	assert.True(t, weather.Dynamic)
	assert.Equal(t, "weather", weather.Name)

	_, ok = reg.GetServer("broken")
	assert.False(t, ok, "invalid catalog entries are skipped")
}

func TestCatalogFailureKeepsPreviousEntries(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	catalog := CatalogFunc(func(context.Context) (map[string]*ServerConfig, error) {
		if fail.Load() {
			return nil, errors.New("catalog unavailable")
		}
		return map[string]*ServerConfig{
			"weather": {Type: TypeHTTP, URL: "https://weather.example.com"},
		}, nil
	})
	reg, err := Load(context.Background(), writeRegistry(t, sampleRegistry), &Options{Catalog: catalog})
	require.NoError(t, err)

	fail.Store(true)
	require.NoError(t, reg.Reload(context.Background()))
	_, ok := reg.GetServer("weather")
	assert.True(t, ok)
}

func TestURLCatalogReadsLocalDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte("servers:\n  search:\n    type: http\n    url: https://search.example.com\n"), 0o600))

	body := sampleRegistry + "catalog:\n  url: " + catalogPath + "\n"
	reg, err := Load(context.Background(), writeRegistry(t, body), nil)
	require.NoError(t, err)

	search, ok := reg.GetServer("search")
	require.True(t, ok)
	assert.True(t, search.Dynamic)
}

func TestKeyChangesWithConnectionFields(t *testing.T) {
	t.Parallel()

	base := &ServerConfig{Name: "a", Type: TypeHTTP, URL: "http://one"}
	same := base.clone()
	same.Capabilities = []string{"x"}
	moved := base.clone()
	moved.URL = "http://two"

	assert.Equal(t, base.Key(), same.Key())
	assert.NotEqual(t, base.Key(), moved.Key())
}

func TestFromDocumentReload(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(sampleRegistry))
	require.NoError(t, err)
	reg, err := FromDocument(context.Background(), doc, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Reload(context.Background()))
	assert.Len(t, reg.Servers(), 3)
}
