package colodconfig

import "fmt"

// ParseArgs resolves the three positional arguments
// (<node_name> <instance_name> <qmp_unix_socket>) plus the
// --base_directory flag value into a Config, validating the instance
// name along the way since nothing downstream can open a cluster group
// with a bad one.
func ParseArgs(args []string, baseDirFlag string, trace bool) (Config, error) {
	if len(args) != 3 {
		return Config{}, fmt.Errorf("colodconfig: expected <node_name> <instance_name> <qmp_unix_socket>, got %d args", len(args))
	}

	cfg := Config{
		NodeName:     args[0],
		InstanceName: args[1],
		BaseDir:      baseDirFlag,
		QMPSocket:    args[2],
		Trace:        trace,
	}

	if cfg.BaseDir == "" {
		return Config{}, fmt.Errorf("colodconfig: --base_directory is required")
	}

	if err := ValidateInstanceName(cfg.InstanceName); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
