package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesJSONWithComments(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bunflare.jsonc", `{
		// worker identity
		"name": "demo",
		"main": "src/index.js",
		"kv_namespaces": [
			{ "binding": "CACHE", "id": "local" } /* inline */
		]
	}`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.Name)
	require.Equal(t, "src/index.js", cfg.Main)
	require.Len(t, cfg.KVNamespaces, 1)
	require.Equal(t, "CACHE", cfg.KVNamespaces[0].Binding)
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bunflare.toml", `
name = "demo"
main = "src/index.js"

[[r2_buckets]]
binding = "ASSETS"
bucket_name = "assets-bucket"
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.Name)
	require.Len(t, cfg.R2Buckets, 1)
	require.Equal(t, "assets-bucket", cfg.R2Buckets[0].BucketName)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bunflare.jsonc", `{
		"name": "demo",
		"main": "src/index.js",
		"vars": { "LEVEL": "base" },
		"env": {
			"staging": {
				"vars": { "LEVEL": "staging" }
			}
		}
	}`)

	base, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "base", base.Vars["LEVEL"])

	staged, err := Load(path, "staging")
	require.NoError(t, err)
	require.Equal(t, "staging", staged.Vars["LEVEL"])
	require.Equal(t, "demo", staged.Name)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bunflare.jsonc", `{ "main": "src/index.js" }`)

	_, err := Load(path, "")
	require.Error(t, err)
}

func TestStripJSONCommentsPreservesStringContent(t *testing.T) {
	in := `{"a": "http://example.com", "b": "not // a comment", "c": 1 /* trailing */}`
	out := stripJSONComments([]byte(in))
	require.Contains(t, string(out), `"http://example.com"`)
	require.Contains(t, string(out), `"not // a comment"`)
	require.NotContains(t, string(out), "trailing")
}
