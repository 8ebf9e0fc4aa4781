package motolink

import (
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the core configuration loaded from motolink.toml. Forwarders
// carry their own config files so they can be enabled independently.
type Config struct {
	CAN  CANConfig  `toml:"can"`
	Poll PollConfig `toml:"poll"`
	Link LinkConfig `toml:"link"`
}

type CANConfig struct {
	// Transport selects the bus driver: "socketcan", "slcan" or "demo".
	Transport string `toml:"transport"`
	// Interface is the SocketCAN interface name, e.g. "can0".
	Interface string `toml:"interface"`
	// Port and Baud configure the slcan serial adapter.
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

type PollConfig struct {
	PeriodMs  int `toml:"period_ms"`
	TimeoutMs int `toml:"timeout_ms"`
}

type LinkConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

func DefaultConfig() Config {
	return Config{
		CAN: CANConfig{
			Transport: "socketcan",
			Interface: "can0",
			Port:      "/dev/ttyUSB0",
			Baud:      115200,
		},
		Poll: PollConfig{
			PeriodMs:  200,
			TimeoutMs: 500,
		},
		Link: LinkConfig{
			ListenAddr: ":8327",
		},
	}
}

// LoadConfig reads the named TOML file from the directory containing the
// running binary.
func LoadConfig(fileName string) (Config, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return Config{}, errors.Wrap(err, "unable to determine binary location")
	}
	file, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return Config{}, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

func LoadConfigFromReader(configReader io.Reader) (Config, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return Config{}, errors.Wrap(err, "unable to read config reader")
	}
	config := DefaultConfig()
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return Config{}, errors.Wrap(err, "unable to load configuration")
	}
	return config, nil
}
