package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
ROOT:
  BASE_BROKER_ADDR: "amqp://localhost:5672/%2Ftest_at"
  FOREMAN_CONSUME_QUEUES:
    AR: ar_foreman_consume
    PP: pp_foreman_consume
    CU: cu_foreman_consume
    AT: at_foreman_consume
  SCOREBOARDS:
    DMCS_STATE_SCBD: 1
    DMCS_JOB_SCBD: 2
    DMCS_ACK_SCBD: 3
    DMCS_SEQUENCE_SCBD: 4
    DMCS_BACKLOG_SCBD: 5
  AR_CFG_KEYS: [normal, fast]
  AT_CFG_KEYS: [normal]
  ATS:
    WFS_RAFT: "ats_wfs_raft"
    WFS_CCD: "ats_wfs_ccd"
  ARCHIVE:
    ARCHIVE_LOGIN: "iip"
    ARCHIVE_IP: "141.142.238.15"
    ARCHIVE_XFER_ROOT: "/tmp/data"
  CCD_LIST: ["00", "01", "02"]
  GENERAL_SETTINGS:
    TsXmlVersion: "3.9"
    TsSALVersion: "3.9"
    L1DMRepoTag: "master"
  LOGGING_DIR: "/tmp"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFilename)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPath(t *testing.T) {
	cfg, err := LoadPath(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "amqp://localhost:5672/%2Ftest_at", cfg.BaseBrokerAddr)
	assert.Equal(t, "at_foreman_consume", cfg.ForemanConsumeQueues["AT"])
	assert.Equal(t, "iip", cfg.Archive.Login)
	assert.Equal(t, "/tmp/data", cfg.Archive.XferRoot)
	assert.Equal(t, []string{"00", "01", "02"}, cfg.CCDList)
	assert.Equal(t, "3.9", cfg.GeneralSettings.TsXMLVersion)
	assert.Equal(t, "/tmp", cfg.LoggingDir)
}

func TestLoadPathMissingFile(t *testing.T) {
	_, err := LoadPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigMissing)
	assert.Equal(t, ExitConfigMissing, ExitCode(err))
}

func TestLoadPathMissingKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "no broker addr",
			body: "ROOT:\n  FOREMAN_CONSUME_QUEUES:\n    AT: q\n  SCOREBOARDS:\n    DMCS_STATE_SCBD: 1\n",
		},
		{
			name: "no queues",
			body: "ROOT:\n  BASE_BROKER_ADDR: amqp://x\n  SCOREBOARDS:\n    DMCS_STATE_SCBD: 1\n",
		},
		{
			name: "no archive root",
			body: "ROOT:\n  BASE_BROKER_ADDR: amqp://x\n  FOREMAN_CONSUME_QUEUES:\n    AT: q\n  SCOREBOARDS:\n    DMCS_STATE_SCBD: 1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPath(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrKeyMissing)
			assert.Equal(t, ExitConfigKeyMissing, ExitCode(err))
		})
	}
}

func TestDirResolution(t *testing.T) {
	t.Run("IIP_CONFIG_DIR wins", func(t *testing.T) {
		t.Setenv("IIP_CONFIG_DIR", "/etc/iip")
		t.Setenv("CTRL_IIP_DIR", "/opt/ctrl")
		dir, err := Dir()
		require.NoError(t, err)
		assert.Equal(t, "/etc/iip", dir)
	})

	t.Run("CTRL_IIP_DIR fallback", func(t *testing.T) {
		t.Setenv("IIP_CONFIG_DIR", "")
		t.Setenv("CTRL_IIP_DIR", "/opt/ctrl")
		dir, err := Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/opt/ctrl", "etc", "config"), dir)
	})

	t.Run("neither set", func(t *testing.T) {
		t.Setenv("IIP_CONFIG_DIR", "")
		t.Setenv("CTRL_IIP_DIR", "")
		_, err := Dir()
		assert.ErrorIs(t, err, ErrConfigMissing)
	})
}

func TestCfgKeys(t *testing.T) {
	cfg, err := LoadPath(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	keys, err := cfg.CfgKeys("AR")
	require.NoError(t, err)
	assert.Equal(t, []string{"normal", "fast"}, keys)

	_, err = cfg.CfgKeys("PP")
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = cfg.CfgKeys("XX")
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestLoadCredentials(t *testing.T) {
	body := "rabbitmq_users:\n  service_user: dmcs\n  service_passwd: secret\n"

	setup := func(t *testing.T, dirMode, fileMode os.FileMode) string {
		dir := filepath.Join(t.TempDir(), ".lsst")
		require.NoError(t, os.Mkdir(dir, dirMode))
		require.NoError(t, os.WriteFile(filepath.Join(dir, CredentialsFilename), []byte(body), fileMode))
		// umask may have tightened the requested modes; force them.
		require.NoError(t, os.Chmod(dir, dirMode))
		require.NoError(t, os.Chmod(filepath.Join(dir, CredentialsFilename), fileMode))
		return dir
	}

	t.Run("secure dir and file", func(t *testing.T) {
		cred, err := LoadCredentials(setup(t, 0o700, 0o600))
		require.NoError(t, err)

		user, err := cred.User("service_user")
		require.NoError(t, err)
		assert.Equal(t, "dmcs", user)

		passwd, err := cred.Passwd("service_passwd")
		require.NoError(t, err)
		assert.Equal(t, "secret", passwd)
	})

	t.Run("world-readable dir refused", func(t *testing.T) {
		_, err := LoadCredentials(setup(t, 0o755, 0o600))
		assert.ErrorIs(t, err, ErrInsecureCredentials)
	})

	t.Run("group-readable file refused", func(t *testing.T) {
		_, err := LoadCredentials(setup(t, 0o700, 0o640))
		assert.ErrorIs(t, err, ErrInsecureCredentials)
	})

	t.Run("missing dir refused", func(t *testing.T) {
		_, err := LoadCredentials(filepath.Join(t.TempDir(), "absent"))
		assert.ErrorIs(t, err, ErrInsecureCredentials)
	})

	t.Run("unknown alias", func(t *testing.T) {
		cred, err := LoadCredentials(setup(t, 0o700, 0o600))
		require.NoError(t, err)
		_, err = cred.User("nope")
		assert.ErrorIs(t, err, ErrKeyMissing)
	})
}
