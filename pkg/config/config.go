package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFilename is the system configuration file name.
const DefaultFilename = "dmcs_cfg.yaml"

// Exit codes used by the dmcs binaries.
const (
	ExitOK                = 0
	ExitBadCfgKey         = 99
	ExitStoreConnect      = 100
	ExitConfigMissing     = 101
	ExitConfigKeyMissing  = 102
	ExitBrokerUnavailable = 105
)

var (
	// ErrConfigMissing indicates the configuration file could not be located or read.
	ErrConfigMissing = errors.New("configuration file missing")

	// ErrKeyMissing indicates a required configuration key is absent.
	ErrKeyMissing = errors.New("configuration key missing")
)

// File is the top-level document of dmcs_cfg.yaml.
type File struct {
	Root Root `yaml:"ROOT"`
}

// Root holds every key the core reads from the ROOT document.
type Root struct {
	BaseBrokerAddr       string            `yaml:"BASE_BROKER_ADDR"`
	ForemanConsumeQueues map[string]string `yaml:"FOREMAN_CONSUME_QUEUES"`
	Scoreboards          map[string]int    `yaml:"SCOREBOARDS"`

	ARCfgKeys []string `yaml:"AR_CFG_KEYS"`
	PPCfgKeys []string `yaml:"PP_CFG_KEYS"`
	CUCfgKeys []string `yaml:"CU_CFG_KEYS"`
	ATCfgKeys []string `yaml:"AT_CFG_KEYS"`

	ATS             ATS             `yaml:"ATS"`
	Archive         Archive         `yaml:"ARCHIVE"`
	CCDList         []string        `yaml:"CCD_LIST"`
	GeneralSettings GeneralSettings `yaml:"GENERAL_SETTINGS"`
	LoggingDir      string          `yaml:"LOGGING_DIR"`
}

// ATS holds the auxtel wavefront sensor assignment.
type ATS struct {
	WFSRaft string `yaml:"WFS_RAFT"`
	WFSCCD  string `yaml:"WFS_CCD"`
}

// Archive holds the archive destination parameters used to compose
// TARGET_LOCATION strings (login@ip:dir).
type Archive struct {
	Login    string `yaml:"ARCHIVE_LOGIN"`
	IP       string `yaml:"ARCHIVE_IP"`
	XferRoot string `yaml:"ARCHIVE_XFER_ROOT"`
}

// GeneralSettings carries the advertised software versions.
type GeneralSettings struct {
	TsXMLVersion string `yaml:"TsXmlVersion"`
	TsSALVersion string `yaml:"TsSALVersion"`
	L1DMRepoTag  string `yaml:"L1DMRepoTag"`
}

// Dir resolves the configuration directory. $IIP_CONFIG_DIR wins;
// otherwise $CTRL_IIP_DIR/etc/config is used.
func Dir() (string, error) {
	if dir := os.Getenv("IIP_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("CTRL_IIP_DIR"); dir != "" {
		return filepath.Join(dir, "etc", "config"), nil
	}
	return "", fmt.Errorf("%w: neither IIP_CONFIG_DIR nor CTRL_IIP_DIR is set", ErrConfigMissing)
}

// Load reads and validates the named configuration file from the
// resolved configuration directory.
func Load(filename string) (*Root, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadPath(filepath.Join(dir, filename))
}

// LoadPath reads and validates a configuration file at an explicit path.
func LoadPath(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigMissing, path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := f.Root.validate(); err != nil {
		return nil, err
	}
	return &f.Root, nil
}

func (r *Root) validate() error {
	if r.BaseBrokerAddr == "" {
		return fmt.Errorf("%w: ROOT.BASE_BROKER_ADDR", ErrKeyMissing)
	}
	if len(r.ForemanConsumeQueues) == 0 {
		return fmt.Errorf("%w: ROOT.FOREMAN_CONSUME_QUEUES", ErrKeyMissing)
	}
	if len(r.Scoreboards) == 0 {
		return fmt.Errorf("%w: ROOT.SCOREBOARDS", ErrKeyMissing)
	}
	if r.Archive.XferRoot == "" {
		return fmt.Errorf("%w: ROOT.ARCHIVE.ARCHIVE_XFER_ROOT", ErrKeyMissing)
	}
	return nil
}

// CfgKeys returns the ordered allowed configuration keys for a device.
// Index 0 is the default key.
func (r *Root) CfgKeys(device string) ([]string, error) {
	var keys []string
	switch device {
	case "AR":
		keys = r.ARCfgKeys
	case "PP":
		keys = r.PPCfgKeys
	case "CU":
		keys = r.CUCfgKeys
	case "AT":
		keys = r.ATCfgKeys
	default:
		return nil, fmt.Errorf("%w: ROOT.%s_CFG_KEYS", ErrKeyMissing, device)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: ROOT.%s_CFG_KEYS", ErrKeyMissing, device)
	}
	return keys, nil
}

// ConsumeQueue returns the foreman consume queue for a device.
func (r *Root) ConsumeQueue(device string) (string, error) {
	q, ok := r.ForemanConsumeQueues[device]
	if !ok || q == "" {
		return "", fmt.Errorf("%w: ROOT.FOREMAN_CONSUME_QUEUES.%s", ErrKeyMissing, device)
	}
	return q, nil
}

// ScoreboardDB returns the store database index assigned to a scoreboard.
func (r *Root) ScoreboardDB(name string) (int, error) {
	db, ok := r.Scoreboards[name]
	if !ok {
		return 0, fmt.Errorf("%w: ROOT.SCOREBOARDS.%s", ErrKeyMissing, name)
	}
	return db, nil
}

// ExitCode maps a startup error to the documented process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfigMissing):
		return ExitConfigMissing
	case errors.Is(err, ErrKeyMissing):
		return ExitConfigKeyMissing
	case errors.Is(err, ErrInsecureCredentials):
		return ExitStoreConnect
	default:
		return ExitBadCfgKey
	}
}
