package clientconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	downloadDir := filepath.Join(dir, "downloads")
	require.NoError(t, os.Mkdir(logDir, 0755))
	require.NoError(t, os.Mkdir(downloadDir, 0755))

	path := writeConfig(t, dir, "listen_port=6881\nlog_path="+logDir+"\ndownload_path="+downloadDir+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 6881, cfg.ListenPort)
	require.Equal(t, logDir, cfg.LogPath)
	require.Equal(t, downloadDir, cfg.DownloadPath)
}

func TestLoadMissingKey(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "listen_port=6881\n")

	_, err := Load(path)
	require.Error(t, err)
	var missing *MissingKeyError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "log_path", missing.Name)
}

func TestLoadNonexistentDownloadPath(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	require.NoError(t, os.Mkdir(logDir, 0755))

	path := writeConfig(t, dir, "listen_port=6881\nlog_path="+logDir+"\ndownload_path="+filepath.Join(dir, "nope")+"\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadInvalidPort(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "listen_port=not-a-number\nlog_path="+dir+"\ndownload_path="+dir+"\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadIgnoresCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "# a comment\n\nlisten_port=80\nlog_path="+dir+"\ndownload_path="+dir+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 80, cfg.ListenPort)
}
