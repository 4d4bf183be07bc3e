package metrics

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// JobName is the scrape job the relay metrics port is looked up under.
const JobName = "rundler"

type PrometheusConfig struct {
	ScrapeConfigs []ScrapeConfig `yaml:"scrape_configs"`
}

type ScrapeConfig struct {
	JobName       string         `yaml:"job_name"`
	StaticConfigs []StaticConfig `yaml:"static_configs"`
}

type StaticConfig struct {
	Targets []string `yaml:"targets"`
}

// ResolvePort returns the metrics port. When a prometheus config file is
// given the port of its first target is used, preferring the relay job,
// otherwise fallback is returned.
func ResolvePort(configFile string, fallback int) (uint, error) {
	if configFile == "" {
		if fallback < 1 || fallback > 65535 {
			return 0, fmt.Errorf("port number out of range (1-65535): %d", fallback)
		}
		return uint(fallback), nil
	}
	return readPortFromConfigFile(configFile, JobName)
}

func readPortFromConfigFile(name string, job string) (uint, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return 0, fmt.Errorf("could not read file %s: %w", name, err)
	}

	var config PrometheusConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return 0, fmt.Errorf("could not parse YAML from %s: %w", name, err)
	}

	if len(config.ScrapeConfigs) == 0 {
		return 0, fmt.Errorf("no scrape configs found in %s", name)
	}

	scrape := config.ScrapeConfigs[0]
	for _, s := range config.ScrapeConfigs {
		if s.JobName == job {
			scrape = s
			break
		}
	}

	if len(scrape.StaticConfigs) == 0 {
		return 0, fmt.Errorf("no static configs found for job %s in %s", scrape.JobName, name)
	}

	for j, static := range scrape.StaticConfigs {
		if len(static.Targets) == 0 {
			continue
		}
		port, err := extractPortFromTarget(static.Targets[0])
		if err != nil {
			return 0, fmt.Errorf("invalid target in job %s, static config %d: %w", scrape.JobName, j, err)
		}
		return port, nil
	}

	return 0, fmt.Errorf("no targets found for job %s in %s", scrape.JobName, name)
}

func extractPortFromTarget(target string) (uint, error) {
	_, rawPort, err := net.SplitHostPort(target)
	if err != nil {
		return 0, fmt.Errorf("invalid target format: %s", target)
	}

	port, err := strconv.ParseUint(rawPort, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid port number: %s", rawPort)
	}

	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port number out of range (1-65535): %d", port)
	}

	return uint(port), nil
}
